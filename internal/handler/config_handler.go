package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
)

type SurveyConfigService interface {
	Resolve(ctx context.Context, surveyID string) (domain.BatchConfig, error)
	Update(ctx context.Context, surveyID string, cfg domain.BatchConfig) (domain.BatchConfig, error)
}

type ConfigHandler struct {
	service SurveyConfigService
}

func NewConfigHandler(service SurveyConfigService) (*ConfigHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("survey config service is required")
	}
	return &ConfigHandler{service: service}, nil
}

func RegisterConfigRoutes(router fiber.Router, service SurveyConfigService) error {
	h, err := NewConfigHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/surveys")
	v1.Get("/:surveyId/qc-config", h.GetConfig)
	v1.Put("/:surveyId/qc-config", h.UpdateConfig)
	return nil
}

type approvalRulePayload struct {
	MinRate     float64 `json:"minRate" validate:"gte=0,lte=100"`
	MaxRate     float64 `json:"maxRate" validate:"gte=0,lte=100,gtefield=MinRate"`
	Action      string  `json:"action" validate:"required,oneof=auto_approved queued_for_qc"`
	Description string  `json:"description,omitempty" validate:"omitempty,max=256"`
}

type batchConfigPayload struct {
	SamplePercentage float64               `json:"samplePercentage" validate:"gt=0,lte=100"`
	ApprovalRules    []approvalRulePayload `json:"approvalRules" validate:"required,min=1,dive"`
}

type surveyConfigResponse struct {
	SurveyID string `json:"surveyId"`
	batchConfigPayload
}

func (h *ConfigHandler) GetConfig(c *fiber.Ctx) error {
	surveyID, err := surveyIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	cfg, err := h.service.Resolve(c.UserContext(), surveyID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(surveyConfigResponse{
		SurveyID:           surveyID,
		batchConfigPayload: toBatchConfigPayload(cfg),
	})
}

func (h *ConfigHandler) UpdateConfig(c *fiber.Ctx) error {
	surveyID, err := surveyIDParam(c)
	if err != nil {
		return toHTTPError(err)
	}

	var req batchConfigPayload
	if err := bindJSON(c, &req); err != nil {
		return toHTTPError(err)
	}

	updated, err := h.service.Update(c.UserContext(), surveyID, req.toDomain())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(surveyConfigResponse{
		SurveyID:           surveyID,
		batchConfigPayload: toBatchConfigPayload(updated),
	})
}

func surveyIDParam(c *fiber.Ctx) (string, error) {
	surveyID := strings.TrimSpace(c.Params("surveyId"))
	if surveyID == "" {
		return "", fmt.Errorf("%w: survey id is required", domain.ErrValidation)
	}
	return surveyID, nil
}

func (p batchConfigPayload) toDomain() domain.BatchConfig {
	rules := make([]domain.ApprovalRule, 0, len(p.ApprovalRules))
	for _, r := range p.ApprovalRules {
		rules = append(rules, domain.ApprovalRule{
			MinRate:     r.MinRate,
			MaxRate:     r.MaxRate,
			Action:      domain.DecisionKind(r.Action),
			Description: strings.TrimSpace(r.Description),
		})
	}
	return domain.BatchConfig{
		SamplePercentage: p.SamplePercentage,
		ApprovalRules:    rules,
	}
}

func toBatchConfigPayload(cfg domain.BatchConfig) batchConfigPayload {
	rules := make([]approvalRulePayload, 0, len(cfg.ApprovalRules))
	for _, r := range cfg.ApprovalRules {
		rules = append(rules, approvalRulePayload{
			MinRate:     r.MinRate,
			MaxRate:     r.MaxRate,
			Action:      r.Action.String(),
			Description: r.Description,
		})
	}
	return batchConfigPayload{
		SamplePercentage: cfg.SamplePercentage,
		ApprovalRules:    rules,
	}
}
