package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/spf13/cobra"
)

const defaultAPITimeout = 30 * time.Second

// apiClient drives a running qc-engine API instead of opening the stores directly.
type apiClient struct {
	client  *resty.Client
	baseURL string
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

// apiBatch mirrors the fields qcctl prints from the batch projection.
type apiBatch struct {
	ID             string   `json:"id"`
	SurveyID       string   `json:"surveyId"`
	InterviewerID  string   `json:"interviewerId"`
	BatchDate      string   `json:"batchDate"`
	Status         string   `json:"status"`
	TotalResponses int      `json:"totalResponses"`
	SampleSize     int      `json:"sampleSize"`
	RemainingSize  int      `json:"remainingSize"`
	Sample         []string `json:"sample"`

	SampleStats       apiSampleStats       `json:"sampleStats"`
	RemainingDecision apiRemainingDecision `json:"remainingDecision"`
}

type apiSampleStats struct {
	ApprovedCount int     `json:"approvedCount"`
	RejectedCount int     `json:"rejectedCount"`
	PendingCount  int     `json:"pendingCount"`
	ApprovalRate  float64 `json:"approvalRate"`
}

type apiRemainingDecision struct {
	Decision string `json:"decision"`
}

func newAPIClient(baseURL string, client *resty.Client) (*apiClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("api url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if client == nil {
		client = resty.New()
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultAPITimeout)
	}

	return &apiClient{client: client, baseURL: trimmed}, nil
}

func (c *apiClient) TriggerProcessing(ctx context.Context) (int, error) {
	var out struct {
		Queued int `json:"queued"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/batches/trigger-processing", &out); err != nil {
		return 0, err
	}
	return out.Queued, nil
}

func (c *apiClient) SendToQC(ctx context.Context, batchID string) (*apiBatch, error) {
	var out apiBatch
	if err := c.do(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(batchID)+"/send-to-qc", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) GetBatch(ctx context.Context, batchID string) (*apiBatch, error) {
	var out apiBatch
	if err := c.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(batchID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Execute(method, c.baseURL+path)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}

	if response.IsError() {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(response.Body(), &body)
		return &apiError{StatusCode: response.StatusCode(), Message: body.Error}
	}

	if err := json.Unmarshal(response.Body(), out); err != nil {
		return fmt.Errorf("decode api response: %w", err)
	}
	return nil
}

func (b *apiBatch) record() *domain.BatchRecord {
	return &domain.BatchRecord{
		ID:             b.ID,
		SurveyID:       b.SurveyID,
		InterviewerID:  b.InterviewerID,
		BatchDate:      b.BatchDate,
		Status:         domain.BatchStatus(b.Status),
		TotalResponses: b.TotalResponses,
		Sample:         b.Sample,
		SampleSize:     b.SampleSize,
		RemainingSize:  b.RemainingSize,
		SampleStats: domain.SampleStats{
			ApprovedCount: b.SampleStats.ApprovedCount,
			RejectedCount: b.SampleStats.RejectedCount,
			PendingCount:  b.SampleStats.PendingCount,
			ApprovalRate:  b.SampleStats.ApprovalRate,
		},
		RemainingDecision: domain.RemainingDecision{
			Decision: domain.DecisionKind(b.RemainingDecision.Decision),
		},
	}
}

// batchToAPI projects a stored batch onto the same shape the API returns,
// so --json output does not depend on where the batch was read from.
func batchToAPI(b *domain.BatchRecord) apiBatch {
	return apiBatch{
		ID:             b.ID,
		SurveyID:       b.SurveyID,
		InterviewerID:  b.InterviewerID,
		BatchDate:      b.BatchDate,
		Status:         b.Status.String(),
		TotalResponses: b.TotalResponses,
		SampleSize:     b.SampleSize,
		RemainingSize:  b.RemainingSize,
		Sample:         b.Sample,
		SampleStats: apiSampleStats{
			ApprovedCount: b.SampleStats.ApprovedCount,
			RejectedCount: b.SampleStats.RejectedCount,
			PendingCount:  b.SampleStats.PendingCount,
			ApprovalRate:  b.SampleStats.ApprovalRate,
		},
		RemainingDecision: apiRemainingDecision{
			Decision: b.RemainingDecision.Decision.String(),
		},
	}
}

// remoteClient returns an API client when --api-url is set, or nil to use the stores directly.
func remoteClient(cmd *cobra.Command) (*apiClient, error) {
	apiURL, _ := cmd.Flags().GetString("api-url")
	if strings.TrimSpace(apiURL) == "" {
		return nil, nil
	}
	return newAPIClient(apiURL, nil)
}
