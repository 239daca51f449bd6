package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
)

type ResponseCollector interface {
	Append(ctx context.Context, resp *domain.Response) (*domain.BatchRecord, error)
}

type ResponseHandler struct {
	collector ResponseCollector
}

func NewResponseHandler(collector ResponseCollector) (*ResponseHandler, error) {
	if collector == nil {
		return nil, fmt.Errorf("response collector is required")
	}
	return &ResponseHandler{collector: collector}, nil
}

func RegisterResponseRoutes(router fiber.Router, collector ResponseCollector) error {
	h, err := NewResponseHandler(collector)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/responses", h.CollectResponse)
	return nil
}

type collectResponseRequest struct {
	ResponseID    string    `json:"responseId" validate:"required,max=128"`
	SurveyID      string    `json:"surveyId" validate:"required,max=128"`
	InterviewerID string    `json:"interviewerId" validate:"required,max=128"`
	Mode          string    `json:"mode" validate:"omitempty,max=32"`
	CollectedAt   time.Time `json:"collectedAt" validate:"required"`
}

type collectResponseResponse struct {
	ResponseID string `json:"responseId"`
	BatchID    string `json:"batchId"`
	BatchDate  string `json:"batchDate"`
	BatchSize  int    `json:"batchSize"`
}

func (h *ResponseHandler) CollectResponse(c *fiber.Ctx) error {
	var req collectResponseRequest
	if err := bindJSON(c, &req); err != nil {
		return toHTTPError(err)
	}

	batch, err := h.collector.Append(c.UserContext(), &domain.Response{
		ID:            req.ResponseID,
		SurveyID:      req.SurveyID,
		InterviewerID: req.InterviewerID,
		Mode:          req.Mode,
		CollectedAt:   req.CollectedAt,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(collectResponseResponse{
		ResponseID: req.ResponseID,
		BatchID:    batch.ID,
		BatchDate:  batch.BatchDate,
		BatchSize:  batch.TotalResponses,
	})
}
