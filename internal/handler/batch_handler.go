package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/repository"
)

type BatchService interface {
	Get(ctx context.Context, id string) (*domain.BatchRecord, error)
	ListResponses(ctx context.Context, id string) ([]domain.Response, error)
	List(ctx context.Context, params repository.BatchListParams) ([]domain.BatchRecord, int64, error)
	TriggerBatchProcessing(ctx context.Context) (int, error)
	SendBatchToQC(ctx context.Context, id string) (*domain.BatchRecord, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService) error {
	h, err := NewBatchHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/batches")
	v1.Get("/", h.ListBatches)
	v1.Post("/trigger-processing", h.TriggerProcessing)
	v1.Get("/:batchId", h.GetBatch)
	v1.Get("/:batchId/responses", h.ListBatchResponses)
	v1.Post("/:batchId/send-to-qc", h.SendToQC)
	return nil
}

type sampleStatsResponse struct {
	ApprovedCount     int        `json:"approvedCount"`
	RejectedCount     int        `json:"rejectedCount"`
	PendingCount      int        `json:"pendingCount"`
	ApprovalRate      float64    `json:"approvalRate"`
	SampleCompletedAt *time.Time `json:"sampleCompletedAt,omitempty"`
}

type remainingDecisionResponse struct {
	Decision            string     `json:"decision"`
	DecidedAt           *time.Time `json:"decidedAt,omitempty"`
	TriggerApprovalRate *float64   `json:"triggerApprovalRate,omitempty"`
}

type batchResponse struct {
	ID                  string                    `json:"id"`
	SurveyID            string                    `json:"surveyId"`
	InterviewerID       string                    `json:"interviewerId"`
	BatchDate           string                    `json:"batchDate"`
	Status              string                    `json:"status"`
	TotalResponses      int                       `json:"totalResponses"`
	SampleSize          int                       `json:"sampleSize"`
	RemainingSize       int                       `json:"remainingSize"`
	Sample              []string                  `json:"sample,omitempty"`
	Remaining           []string                  `json:"remaining,omitempty"`
	SampleStats         sampleStatsResponse       `json:"sampleStats"`
	RemainingDecision   remainingDecisionResponse `json:"remainingDecision"`
	Config              batchConfigPayload        `json:"config"`
	ProcessingStartedAt *time.Time                `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time                `json:"completedAt,omitempty"`
	CreatedAt           time.Time                 `json:"createdAt,omitempty"`
	UpdatedAt           time.Time                 `json:"updatedAt,omitempty"`
}

type listBatchesResponse struct {
	Data []batchResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type batchMemberResponse struct {
	ResponseID   string     `json:"responseId"`
	Mode         string     `json:"mode,omitempty"`
	Status       string     `json:"status"`
	AutoApproved bool       `json:"autoApproved"`
	ReviewerID   *string    `json:"reviewerId,omitempty"`
	VerifiedBy   *string    `json:"verifiedBy,omitempty"`
	VerifiedAt   *time.Time `json:"verifiedAt,omitempty"`
	Feedback     *string    `json:"feedback,omitempty"`
	CollectedAt  time.Time  `json:"collectedAt"`
}

type listBatchResponsesResponse struct {
	BatchID string                `json:"batchId"`
	Data    []batchMemberResponse `json:"data"`
}

type triggerResponse struct {
	Queued int `json:"queued"`
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	batch, err := h.service.Get(c.UserContext(), c.Params("batchId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch, true))
}

func (h *BatchHandler) ListBatchResponses(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	responses, err := h.service.ListResponses(c.UserContext(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]batchMemberResponse, 0, len(responses))
	for i := range responses {
		r := &responses[i]
		data = append(data, batchMemberResponse{
			ResponseID:   r.ID,
			Mode:         r.Mode,
			Status:       r.Status.String(),
			AutoApproved: r.AutoApproved,
			ReviewerID:   r.ReviewerID,
			VerifiedBy:   r.VerifiedBy,
			VerifiedAt:   r.VerifiedAt,
			Feedback:     r.Feedback,
			CollectedAt:  r.CollectedAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(listBatchResponsesResponse{BatchID: batchID, Data: data})
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	params, err := parseBatchListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	batches, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]batchResponse, 0, len(batches))
	for i := range batches {
		data = append(data, toBatchResponse(&batches[i], false))
	}

	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Data: data,
		Meta: listMeta{Page: params.Page, PageSize: params.PageSize, Total: total},
	})
}

func (h *BatchHandler) TriggerProcessing(c *fiber.Ctx) error {
	queued, err := h.service.TriggerBatchProcessing(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(triggerResponse{Queued: queued})
}

func (h *BatchHandler) SendToQC(c *fiber.Ctx) error {
	batch, err := h.service.SendBatchToQC(c.UserContext(), c.Params("batchId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch, true))
}

func parseBatchListParams(c *fiber.Ctx) (repository.BatchListParams, error) {
	params := repository.BatchListParams{
		SurveyID:      strings.TrimSpace(c.Query("surveyId")),
		InterviewerID: strings.TrimSpace(c.Query("interviewerId")),
		Page:          c.QueryInt("page", defaultPage),
		PageSize:      c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.BatchListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.BatchListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseBatchStatusFromString(rawStatus)
		if err != nil {
			return repository.BatchListParams{}, err
		}
		params.Status = &status
	}

	from, err := parseDateQuery(c.Query("from"), "from")
	if err != nil {
		return repository.BatchListParams{}, err
	}
	to, err := parseDateQuery(c.Query("to"), "to")
	if err != nil {
		return repository.BatchListParams{}, err
	}
	if from != nil && to != nil && *from > *to {
		return repository.BatchListParams{}, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseDateQuery(value string, field string) (*string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	if _, err := time.Parse(time.DateOnly, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", domain.ErrValidation, field)
	}
	return &trimmed, nil
}

func toBatchResponse(b *domain.BatchRecord, withMembers bool) batchResponse {
	if b == nil {
		return batchResponse{}
	}

	resp := batchResponse{
		ID:             b.ID,
		SurveyID:       b.SurveyID,
		InterviewerID:  b.InterviewerID,
		BatchDate:      b.BatchDate,
		Status:         b.Status.String(),
		TotalResponses: b.TotalResponses,
		SampleSize:     b.SampleSize,
		RemainingSize:  b.RemainingSize,
		SampleStats: sampleStatsResponse{
			ApprovedCount:     b.SampleStats.ApprovedCount,
			RejectedCount:     b.SampleStats.RejectedCount,
			PendingCount:      b.SampleStats.PendingCount,
			ApprovalRate:      b.SampleStats.ApprovalRate,
			SampleCompletedAt: b.SampleStats.SampleCompletedAt,
		},
		RemainingDecision: remainingDecisionResponse{
			Decision:            b.RemainingDecision.Decision.String(),
			DecidedAt:           b.RemainingDecision.DecidedAt,
			TriggerApprovalRate: b.RemainingDecision.TriggerApprovalRate,
		},
		Config:              toBatchConfigPayload(b.Config),
		ProcessingStartedAt: b.ProcessingStartedAt,
		CompletedAt:         b.CompletedAt,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
	if withMembers {
		resp.Sample = b.Sample
		resp.Remaining = b.Remaining
	}
	return resp
}
