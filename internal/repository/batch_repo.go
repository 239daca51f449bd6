package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BatchListParams struct {
	SurveyID      string
	InterviewerID string
	Status        *domain.BatchStatus
	From          *string
	To            *string
	Page          int
	PageSize      int
}

type BatchRepository interface {
	Create(ctx context.Context, b *domain.BatchRecord) error
	GetByID(ctx context.Context, id string) (*domain.BatchRecord, error)
	FindOpen(ctx context.Context, surveyID, interviewerID, batchDate string) (*domain.BatchRecord, error)
	AppendResponse(ctx context.Context, batchID, responseID string) (*domain.BatchRecord, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) error
	SavePartition(ctx context.Context, b *domain.BatchRecord) error
	TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, at time.Time) error
	SaveSampleStats(ctx context.Context, id string, stats domain.SampleStats) error
	SaveDecision(ctx context.Context, id string, outcome domain.DecisionOutcome, at time.Time) error
	List(ctx context.Context, params BatchListParams) ([]domain.BatchRecord, int64, error)
	ListCollectingBefore(ctx context.Context, batchDate string, limit int) ([]domain.BatchRecord, error)
	ListAwaitingReconcile(ctx context.Context, afterID string, limit int) ([]domain.BatchRecord, error)
	ListStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]domain.BatchRecord, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// Create inserts a new batch. A concurrent open batch for the same key surfaces as ErrConflict.
func (r *GormBatchRepo) Create(ctx context.Context, b *domain.BatchRecord) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: open batch already exists for %s/%s/%s",
				domain.ErrConflict, b.SurveyID, b.InterviewerID, b.BatchDate)
		}
		return err
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.BatchRecord, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) FindOpen(ctx context.Context, surveyID, interviewerID, batchDate string) (*domain.BatchRecord, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).
		Where("survey_id = ? AND interviewer_id = ? AND batch_date = ? AND status = ?",
			surveyID, interviewerID, batchDate, domain.BatchStatusCollecting).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// AppendResponse adds a response id under a row lock so concurrent ingests
// for the same batch never lose an update, and stamps the response with the batch id.
func (r *GormBatchRepo) AppendResponse(ctx context.Context, batchID, responseID string) (*domain.BatchRecord, error) {
	var out *domain.BatchRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BatchModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", batchID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		batch := batchModelToDomain(&model)
		added, err := batch.AppendResponse(responseID)
		if err != nil {
			return err
		}
		out = batch

		if added {
			result := tx.Model(&BatchModel{}).
				Where("id = ? AND status = ?", batchID, domain.BatchStatusCollecting).
				Updates(map[string]any{
					"responses":       idSet(batch.Responses),
					"total_responses": batch.TotalResponses,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return domain.ErrBatchClosed
			}
		}

		// The back-reference is written in the same transaction so a response
		// can never be listed by one batch while pointing at another.
		link := tx.Model(&ResponseModel{}).
			Where("id = ? AND (qc_batch_id IS NULL OR qc_batch_id = ?)", responseID, batchID).
			Update("qc_batch_id", batchID)
		if link.Error != nil {
			return link.Error
		}
		if link.RowsAffected == 0 {
			return fmt.Errorf("%w: response %s is linked to another batch", domain.ErrConflict, responseID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkProcessing claims a collecting batch for the sampler.
func (r *GormBatchRepo) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusCollecting).
		Updates(map[string]any{
			"status":                domain.BatchStatusProcessing,
			"processing_started_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// SavePartition writes the sample split once. A second write is rejected.
func (r *GormBatchRepo) SavePartition(ctx context.Context, b *domain.BatchRecord) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ? AND sample_size = 0 AND remaining_size = 0", b.ID, domain.BatchStatusProcessing).
		Updates(map[string]any{
			"sample":         idSet(b.Sample),
			"sample_size":    len(b.Sample),
			"remaining":      idSet(b.Remaining),
			"remaining_size": len(b.Remaining),
			"pending_count":  b.SampleStats.PendingCount,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormBatchRepo) TransitionStatus(
	ctx context.Context,
	id string,
	from []domain.BatchStatus,
	to domain.BatchStatus,
	at time.Time,
) error {
	updates := map[string]any{"status": to}
	if to == domain.BatchStatusCompleted {
		updates["completed_at"] = at
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// SaveSampleStats overwrites the derived counters. sample_completed_at is only ever set once.
func (r *GormBatchRepo) SaveSampleStats(ctx context.Context, id string, stats domain.SampleStats) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"approved_count":      stats.ApprovedCount,
			"rejected_count":      stats.RejectedCount,
			"pending_count":       stats.PendingCount,
			"approval_rate":       stats.ApprovalRate,
			"sample_completed_at": gorm.Expr("COALESCE(sample_completed_at, ?)", stats.SampleCompletedAt),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveDecision records the remaining-subset outcome exactly once.
func (r *GormBatchRepo) SaveDecision(ctx context.Context, id string, outcome domain.DecisionOutcome, at time.Time) error {
	updates := map[string]any{
		"status":                outcome.Status,
		"decision":              outcome.Decision.Decision,
		"decided_at":            outcome.Decision.DecidedAt,
		"trigger_approval_rate": outcome.Decision.TriggerApprovalRate,
	}
	if outcome.Status == domain.BatchStatusCompleted || outcome.Status == domain.BatchStatusAutoApproved {
		updates["completed_at"] = at
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ? AND decision = ?", id, domain.BatchStatusQCInProgress, domain.DecisionPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormBatchRepo) List(ctx context.Context, params BatchListParams) ([]domain.BatchRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchModel{})

	if params.SurveyID != "" {
		query = query.Where("survey_id = ?", params.SurveyID)
	}
	if params.InterviewerID != "" {
		query = query.Where("interviewer_id = ?", params.InterviewerID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.From != nil {
		query = query.Where("batch_date >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("batch_date <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []BatchModel
	err := query.
		Order("batch_date DESC, created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return batchModelsToDomain(models), total, nil
}

// ListCollectingBefore returns open batches whose day has ended.
func (r *GormBatchRepo) ListCollectingBefore(ctx context.Context, batchDate string, limit int) ([]domain.BatchRecord, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND batch_date < ? AND total_responses > 0", domain.BatchStatusCollecting, batchDate).
		Order("batch_date ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return batchModelsToDomain(models), nil
}

// ListStuckProcessing returns batches claimed for sampling before startedBefore
// that never reached qc_in_progress.
func (r *GormBatchRepo) ListStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]domain.BatchRecord, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND processing_started_at < ?", domain.BatchStatusProcessing, startedBefore).
		Order("processing_started_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return batchModelsToDomain(models), nil
}

// ListAwaitingReconcile pages through batches that may still need stats or a decision.
func (r *GormBatchRepo) ListAwaitingReconcile(ctx context.Context, afterID string, limit int) ([]domain.BatchRecord, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", []domain.BatchStatus{domain.BatchStatusQCInProgress, domain.BatchStatusQueuedForQC})
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}

	var models []BatchModel
	if err := query.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return batchModelsToDomain(models), nil
}

func batchModelsToDomain(models []BatchModel) []domain.BatchRecord {
	batches := make([]domain.BatchRecord, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches
}
