package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
)

type ReviewQueue interface {
	Next(ctx context.Context, reviewerID string, filter domain.ReviewFilter) (*domain.Response, error)
	Release(ctx context.Context, responseID, reviewerID string) error
}

type VerdictSubmitter interface {
	Submit(ctx context.Context, responseID, reviewerID string, verdict domain.Verdict, feedback *string) (*domain.Response, error)
}

type ReviewHandler struct {
	queue    ReviewQueue
	verifier VerdictSubmitter
}

func NewReviewHandler(queue ReviewQueue, verifier VerdictSubmitter) (*ReviewHandler, error) {
	if queue == nil {
		return nil, fmt.Errorf("review queue is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verdict submitter is required")
	}
	return &ReviewHandler{queue: queue, verifier: verifier}, nil
}

func RegisterReviewRoutes(router fiber.Router, queue ReviewQueue, verifier VerdictSubmitter) error {
	h, err := NewReviewHandler(queue, verifier)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/review")
	v1.Get("/next", h.NextAssignment)
	v1.Post("/:responseId/release", h.ReleaseAssignment)
	v1.Post("/:responseId/verify", h.SubmitVerdict)
	return nil
}

type verdictRequest struct {
	Verdict  string  `json:"verdict" validate:"required,oneof=approve reject approved rejected"`
	Feedback *string `json:"feedback" validate:"omitempty,max=2000"`
}

type assignmentResponse struct {
	ResponseID     string     `json:"responseId"`
	SurveyID       string     `json:"surveyId"`
	InterviewerID  string     `json:"interviewerId"`
	Mode           string     `json:"mode,omitempty"`
	BatchID        *string    `json:"batchId,omitempty"`
	CollectedAt    time.Time  `json:"collectedAt"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
}

type verdictResponse struct {
	ResponseID string     `json:"responseId"`
	Status     string     `json:"status"`
	VerifiedBy *string    `json:"verifiedBy,omitempty"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	Feedback   *string    `json:"feedback,omitempty"`
}

func (h *ReviewHandler) NextAssignment(c *fiber.Ctx) error {
	reviewer, err := reviewerID(c)
	if err != nil {
		return toHTTPError(err)
	}

	filter := domain.ReviewFilter{
		SurveyID:      strings.TrimSpace(c.Query("surveyId")),
		Mode:          strings.TrimSpace(c.Query("mode")),
		InterviewerID: strings.TrimSpace(c.Query("interviewerId")),
	}

	resp, err := h.queue.Next(c.UserContext(), reviewer, filter)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.Status(fiber.StatusOK).JSON(assignmentResponse{
		ResponseID:     resp.ID,
		SurveyID:       resp.SurveyID,
		InterviewerID:  resp.InterviewerID,
		Mode:           resp.Mode,
		BatchID:        resp.QCBatchID,
		CollectedAt:    resp.CollectedAt,
		LeaseExpiresAt: resp.LeaseExpiresAt,
	})
}

func (h *ReviewHandler) ReleaseAssignment(c *fiber.Ctx) error {
	reviewer, err := reviewerID(c)
	if err != nil {
		return toHTTPError(err)
	}

	if err := h.queue.Release(c.UserContext(), c.Params("responseId"), reviewer); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ReviewHandler) SubmitVerdict(c *fiber.Ctx) error {
	reviewer, err := reviewerID(c)
	if err != nil {
		return toHTTPError(err)
	}

	var req verdictRequest
	if err := bindJSON(c, &req); err != nil {
		return toHTTPError(err)
	}
	verdict, err := domain.ParseVerdictFromString(req.Verdict)
	if err != nil {
		return toHTTPError(err)
	}

	resp, err := h.verifier.Submit(c.UserContext(), c.Params("responseId"), reviewer, verdict, req.Feedback)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(verdictResponse{
		ResponseID: resp.ID,
		Status:     resp.Status.String(),
		VerifiedBy: resp.VerifiedBy,
		VerifiedAt: resp.VerifiedAt,
		Feedback:   resp.Feedback,
	})
}
