package repository

import (
	"slices"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"gorm.io/datatypes"
)

// BatchModel is the persistence model for the qc_batches table.
type BatchModel struct {
	ID            string             `gorm:"type:uuid;primaryKey"`
	SurveyID      string             `gorm:"type:varchar(64);not null"`
	InterviewerID string             `gorm:"type:varchar(64);not null"`
	BatchDate     string             `gorm:"type:varchar(10);not null"`
	Status        domain.BatchStatus `gorm:"type:varchar(20);not null"`

	Responses      datatypes.JSONSlice[string] `gorm:"type:jsonb;not null"`
	TotalResponses int                         `gorm:"not null;default:0"`
	Sample         datatypes.JSONSlice[string] `gorm:"type:jsonb;not null"`
	SampleSize     int                         `gorm:"not null;default:0"`
	Remaining      datatypes.JSONSlice[string] `gorm:"type:jsonb;not null"`
	RemainingSize  int                         `gorm:"not null;default:0"`

	ApprovedCount     int     `gorm:"not null;default:0"`
	RejectedCount     int     `gorm:"not null;default:0"`
	PendingCount      int     `gorm:"not null;default:0"`
	ApprovalRate      float64 `gorm:"not null;default:0"`
	SampleCompletedAt *time.Time

	Decision            domain.DecisionKind `gorm:"type:varchar(20);not null;default:'pending'"`
	DecidedAt           *time.Time
	TriggerApprovalRate *float64

	SamplePercentage float64                                  `gorm:"not null"`
	ApprovalRules    datatypes.JSONSlice[domain.ApprovalRule] `gorm:"type:jsonb;not null"`

	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (BatchModel) TableName() string {
	return "qc_batches"
}

// ResponseModel is the persistence model for survey_responses.
type ResponseModel struct {
	ID            string                `gorm:"type:varchar(64);primaryKey"`
	SurveyID      string                `gorm:"type:varchar(64);not null"`
	InterviewerID string                `gorm:"type:varchar(64);not null"`
	Mode          string                `gorm:"type:varchar(32);not null;default:''"`
	Status        domain.ResponseStatus `gorm:"type:varchar(20);not null"`
	QCBatchID     *string               `gorm:"column:qc_batch_id;type:uuid"`

	ReviewerID     *string `gorm:"type:varchar(64)"`
	LeaseGrantedAt *time.Time
	LeaseExpiresAt *time.Time

	VerifiedBy   *string `gorm:"type:varchar(64)"`
	VerifiedAt   *time.Time
	Feedback     *string `gorm:"type:text"`
	AutoApproved bool    `gorm:"not null;default:false"`

	CollectedAt time.Time `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ResponseModel) TableName() string {
	return "survey_responses"
}

// SurveyConfigModel stores per-survey QC policy overrides.
type SurveyConfigModel struct {
	SurveyID         string                                   `gorm:"type:varchar(64);primaryKey"`
	SamplePercentage float64                                  `gorm:"not null"`
	ApprovalRules    datatypes.JSONSlice[domain.ApprovalRule] `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (SurveyConfigModel) TableName() string {
	return "qc_survey_configs"
}

// idSet keeps jsonb columns as [] rather than null.
func idSet(ids []string) datatypes.JSONSlice[string] {
	if ids == nil {
		return datatypes.JSONSlice[string]{}
	}
	return datatypes.JSONSlice[string](slices.Clone(ids))
}

func ruleSet(rules []domain.ApprovalRule) datatypes.JSONSlice[domain.ApprovalRule] {
	if rules == nil {
		return datatypes.JSONSlice[domain.ApprovalRule]{}
	}
	return datatypes.JSONSlice[domain.ApprovalRule](slices.Clone(rules))
}

func batchModelFromDomain(b *domain.BatchRecord) *BatchModel {
	if b == nil {
		return nil
	}

	decision := b.RemainingDecision.Decision
	if decision == "" {
		decision = domain.DecisionPending
	}

	return &BatchModel{
		ID:                  b.ID,
		SurveyID:            b.SurveyID,
		InterviewerID:       b.InterviewerID,
		BatchDate:           b.BatchDate,
		Status:              b.Status,
		Responses:           idSet(b.Responses),
		TotalResponses:      len(b.Responses),
		Sample:              idSet(b.Sample),
		SampleSize:          len(b.Sample),
		Remaining:           idSet(b.Remaining),
		RemainingSize:       len(b.Remaining),
		ApprovedCount:       b.SampleStats.ApprovedCount,
		RejectedCount:       b.SampleStats.RejectedCount,
		PendingCount:        b.SampleStats.PendingCount,
		ApprovalRate:        b.SampleStats.ApprovalRate,
		SampleCompletedAt:   b.SampleStats.SampleCompletedAt,
		Decision:            decision,
		DecidedAt:           b.RemainingDecision.DecidedAt,
		TriggerApprovalRate: b.RemainingDecision.TriggerApprovalRate,
		SamplePercentage:    b.Config.SamplePercentage,
		ApprovalRules:       ruleSet(b.Config.ApprovalRules),
		ProcessingStartedAt: b.ProcessingStartedAt,
		CompletedAt:         b.CompletedAt,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.BatchRecord {
	if m == nil {
		return nil
	}

	return &domain.BatchRecord{
		ID:             m.ID,
		SurveyID:       m.SurveyID,
		InterviewerID:  m.InterviewerID,
		BatchDate:      m.BatchDate,
		Status:         m.Status,
		Responses:      []string(idSet(m.Responses)),
		TotalResponses: m.TotalResponses,
		Sample:         []string(idSet(m.Sample)),
		SampleSize:     m.SampleSize,
		Remaining:      []string(idSet(m.Remaining)),
		RemainingSize:  m.RemainingSize,
		SampleStats: domain.SampleStats{
			ApprovedCount:     m.ApprovedCount,
			RejectedCount:     m.RejectedCount,
			PendingCount:      m.PendingCount,
			ApprovalRate:      m.ApprovalRate,
			SampleCompletedAt: m.SampleCompletedAt,
		},
		RemainingDecision: domain.RemainingDecision{
			Decision:            m.Decision,
			DecidedAt:           m.DecidedAt,
			TriggerApprovalRate: m.TriggerApprovalRate,
		},
		Config: domain.BatchConfig{
			SamplePercentage: m.SamplePercentage,
			ApprovalRules:    []domain.ApprovalRule(ruleSet(m.ApprovalRules)),
		},
		ProcessingStartedAt: m.ProcessingStartedAt,
		CompletedAt:         m.CompletedAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func responseModelFromDomain(r *domain.Response) *ResponseModel {
	if r == nil {
		return nil
	}

	status := r.Status
	if status == "" {
		status = domain.ResponseStatusCollected
	}

	return &ResponseModel{
		ID:             r.ID,
		SurveyID:       r.SurveyID,
		InterviewerID:  r.InterviewerID,
		Mode:           r.Mode,
		Status:         status,
		QCBatchID:      r.QCBatchID,
		ReviewerID:     r.ReviewerID,
		LeaseGrantedAt: r.LeaseGrantedAt,
		LeaseExpiresAt: r.LeaseExpiresAt,
		VerifiedBy:     r.VerifiedBy,
		VerifiedAt:     r.VerifiedAt,
		Feedback:       r.Feedback,
		AutoApproved:   r.AutoApproved,
		CollectedAt:    r.CollectedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func responseModelToDomain(m *ResponseModel) *domain.Response {
	if m == nil {
		return nil
	}

	return &domain.Response{
		ID:             m.ID,
		SurveyID:       m.SurveyID,
		InterviewerID:  m.InterviewerID,
		Mode:           m.Mode,
		Status:         m.Status,
		QCBatchID:      m.QCBatchID,
		ReviewerID:     m.ReviewerID,
		LeaseGrantedAt: m.LeaseGrantedAt,
		LeaseExpiresAt: m.LeaseExpiresAt,
		VerifiedBy:     m.VerifiedBy,
		VerifiedAt:     m.VerifiedAt,
		Feedback:       m.Feedback,
		AutoApproved:   m.AutoApproved,
		CollectedAt:    m.CollectedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func surveyConfigModelToDomain(m *SurveyConfigModel) *domain.BatchConfig {
	if m == nil {
		return nil
	}

	return &domain.BatchConfig{
		SamplePercentage: m.SamplePercentage,
		ApprovalRules:    []domain.ApprovalRule(ruleSet(m.ApprovalRules)),
	}
}
