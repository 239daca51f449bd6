package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// BatchStatus represents the QC life-cycle state of a batch.
type BatchStatus string

const (
	BatchStatusCollecting   BatchStatus = "collecting"
	BatchStatusProcessing   BatchStatus = "processing"
	BatchStatusQCInProgress BatchStatus = "qc_in_progress"
	BatchStatusCompleted    BatchStatus = "completed"
	BatchStatusAutoApproved BatchStatus = "auto_approved"
	BatchStatusQueuedForQC  BatchStatus = "queued_for_qc"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusCollecting, BatchStatusProcessing, BatchStatusQCInProgress,
		BatchStatusCompleted, BatchStatusAutoApproved, BatchStatusQueuedForQC:
		return true
	}
	return false
}

// IsDecided reports whether the remaining subset has already been dispositioned.
func (s BatchStatus) IsDecided() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusAutoApproved, BatchStatusQueuedForQC:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// DecisionKind is the outcome applied to the remaining subset of a batch.
type DecisionKind string

const (
	DecisionPending      DecisionKind = "pending"
	DecisionAutoApproved DecisionKind = "auto_approved"
	DecisionQueuedForQC  DecisionKind = "queued_for_qc"
)

func (d DecisionKind) String() string { return string(d) }

// IsTerminal reports whether the decision is final. Pending is the only non-terminal kind.
func (d DecisionKind) IsTerminal() bool {
	return d == DecisionAutoApproved || d == DecisionQueuedForQC
}

// IsAction reports whether the kind may appear as an approval rule action.
func (d DecisionKind) IsAction() bool {
	return d.IsTerminal()
}

// SampleStats is derived from the current verdicts of the sample responses.
type SampleStats struct {
	ApprovedCount     int
	RejectedCount     int
	PendingCount      int
	ApprovalRate      float64
	SampleCompletedAt *time.Time
}

// RemainingDecision records what happened to the non-sampled responses.
type RemainingDecision struct {
	Decision            DecisionKind
	DecidedAt           *time.Time
	TriggerApprovalRate *float64
}

// BatchRecord is one interviewer's responses for one survey on one day.
type BatchRecord struct {
	ID            string
	SurveyID      string
	InterviewerID string
	BatchDate     string
	Status        BatchStatus

	Responses      []string
	TotalResponses int
	Sample         []string
	SampleSize     int
	Remaining      []string
	RemainingSize  int

	SampleStats       SampleStats
	RemainingDecision RemainingDecision

	// Config is the snapshot taken when the batch was opened.
	Config BatchConfig

	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewBatchRecord opens an empty collecting batch.
func NewBatchRecord(id, surveyID, interviewerID, batchDate string, cfg BatchConfig) *BatchRecord {
	return &BatchRecord{
		ID:            id,
		SurveyID:      surveyID,
		InterviewerID: interviewerID,
		BatchDate:     batchDate,
		Status:        BatchStatusCollecting,
		Responses:     []string{},
		Sample:        []string{},
		Remaining:     []string{},
		RemainingDecision: RemainingDecision{
			Decision: DecisionPending,
		},
		Config: cfg.Clone(),
	}
}

// AppendResponse adds a response reference. It returns false when the id is already present.
func (b *BatchRecord) AppendResponse(responseID string) (bool, error) {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" {
		return false, fmt.Errorf("%w: response id is required", ErrValidation)
	}
	if b.Status != BatchStatusCollecting {
		return false, fmt.Errorf("%w: batch %s is %s", ErrBatchClosed, b.ID, b.Status)
	}
	if slices.Contains(b.Responses, responseID) {
		return false, nil
	}

	b.Responses = append(b.Responses, responseID)
	b.TotalResponses = len(b.Responses)
	return true, nil
}

// IsPartitioned reports whether the sampler has already split the batch.
func (b *BatchRecord) IsPartitioned() bool {
	return len(b.Sample) > 0 || len(b.Remaining) > 0
}

func (b *BatchRecord) InSample(responseID string) bool {
	return slices.Contains(b.Sample, responseID)
}

func (b *BatchRecord) InRemaining(responseID string) bool {
	return slices.Contains(b.Remaining, responseID)
}

// ApplyPartition records the sampler's split. It is only valid while processing.
func (b *BatchRecord) ApplyPartition(sample, remaining []string) error {
	if b.Status != BatchStatusProcessing {
		return fmt.Errorf("%w: batch %s is %s, want %s", ErrConflict, b.ID, b.Status, BatchStatusProcessing)
	}
	if len(sample)+len(remaining) != b.TotalResponses {
		return fmt.Errorf("%w: partition covers %d of %d responses", ErrValidation, len(sample)+len(remaining), b.TotalResponses)
	}

	b.Sample = sample
	b.SampleSize = len(sample)
	b.Remaining = remaining
	b.RemainingSize = len(remaining)
	b.SampleStats = SampleStats{PendingCount: len(sample)}
	return nil
}
