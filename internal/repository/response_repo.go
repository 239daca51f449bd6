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

type ResponseRepository interface {
	Upsert(ctx context.Context, r *domain.Response) (*domain.Response, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Response, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Response, error)
	MarkPendingReview(ctx context.Context, ids []string) (int64, error)
	ApproveInBulk(ctx context.Context, ids []string, at time.Time) (int64, error)
	StatusesByIDs(ctx context.Context, ids []string) (map[string]domain.ResponseStatus, error)
	FindLeaseByReviewer(ctx context.Context, reviewerID string, now time.Time) (*domain.Response, error)
	FindReviewCandidates(ctx context.Context, filter domain.ReviewFilter, now time.Time, limit int) ([]string, error)
	GrantLease(ctx context.Context, id, reviewerID string, now, expiresAt time.Time) (*domain.Response, error)
	ReleaseLease(ctx context.Context, id, reviewerID string) error
	RecordVerdict(ctx context.Context, id, reviewerID string, verdict domain.Verdict, feedback *string, now time.Time) (*domain.Response, error)
}

type GormResponseRepo struct {
	db *gorm.DB
}

func NewGormResponseRepo(db *gorm.DB) *GormResponseRepo {
	return &GormResponseRepo{db: db}
}

// Upsert stores a response the first time it is seen and returns the stored row.
// The boolean reports whether this call created it.
func (r *GormResponseRepo) Upsert(ctx context.Context, resp *domain.Response) (*domain.Response, bool, error) {
	model := responseModelFromDomain(resp)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}

	stored, err := r.GetByID(ctx, resp.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, result.RowsAffected > 0, nil
}

func (r *GormResponseRepo) GetByID(ctx context.Context, id string) (*domain.Response, error) {
	var model ResponseModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return responseModelToDomain(&model), nil
}

func (r *GormResponseRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Response, error) {
	var models []ResponseModel
	err := r.db.WithContext(ctx).
		Where("qc_batch_id = ?", batchID).
		Order("collected_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	responses := make([]domain.Response, 0, len(models))
	for i := range models {
		responses = append(responses, *responseModelToDomain(&models[i]))
	}
	return responses, nil
}

func (r *GormResponseRepo) MarkPendingReview(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Where("id IN ? AND status = ?", ids, domain.ResponseStatusCollected).
		Update("status", domain.ResponseStatusPendingReview)
	return result.RowsAffected, result.Error
}

// ApproveInBulk auto-approves responses that do not yet carry a verdict.
func (r *GormResponseRepo) ApproveInBulk(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Where("id IN ? AND status IN ?", ids, []domain.ResponseStatus{
			domain.ResponseStatusCollected,
			domain.ResponseStatusPendingReview,
		}).
		Updates(map[string]any{
			"status":           domain.ResponseStatusApproved,
			"auto_approved":    true,
			"verified_at":      at,
			"reviewer_id":      nil,
			"lease_granted_at": nil,
			"lease_expires_at": nil,
		})
	return result.RowsAffected, result.Error
}

func (r *GormResponseRepo) StatusesByIDs(ctx context.Context, ids []string) (map[string]domain.ResponseStatus, error) {
	statuses := make(map[string]domain.ResponseStatus, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	var rows []struct {
		ID     string
		Status domain.ResponseStatus
	}
	err := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Select("id, status").
		Where("id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		statuses[row.ID] = row.Status
	}
	return statuses, nil
}

func (r *GormResponseRepo) FindLeaseByReviewer(ctx context.Context, reviewerID string, now time.Time) (*domain.Response, error) {
	var model ResponseModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND reviewer_id = ? AND lease_expires_at > ?", domain.ResponseStatusPendingReview, reviewerID, now).
		Order("lease_granted_at ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return responseModelToDomain(&model), nil
}

// FindReviewCandidates returns ids of unleased responses awaiting review, oldest first.
func (r *GormResponseRepo) FindReviewCandidates(
	ctx context.Context,
	filter domain.ReviewFilter,
	now time.Time,
	limit int,
) ([]string, error) {
	query := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Where("status = ?", domain.ResponseStatusPendingReview).
		Where("reviewer_id IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?", now)

	if filter.SurveyID != "" {
		query = query.Where("survey_id = ?", filter.SurveyID)
	}
	if filter.Mode != "" {
		query = query.Where("mode = ?", filter.Mode)
	}
	if filter.InterviewerID != "" {
		query = query.Where("interviewer_id = ?", filter.InterviewerID)
	}

	var ids []string
	err := query.
		Order("collected_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GrantLease claims a response for reviewerID with a single conditional update.
// It also renews a lease the reviewer already holds. Losing the race yields ErrConflict.
func (r *GormResponseRepo) GrantLease(ctx context.Context, id, reviewerID string, now, expiresAt time.Time) (*domain.Response, error) {
	result := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Where("id = ? AND status = ?", id, domain.ResponseStatusPendingReview).
		Where("reviewer_id IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ? OR reviewer_id = ?", now, reviewerID).
		Updates(map[string]any{
			"reviewer_id":      reviewerID,
			"lease_granted_at": now,
			"lease_expires_at": expiresAt,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrConflict
	}
	return r.GetByID(ctx, id)
}

func (r *GormResponseRepo) ReleaseLease(ctx context.Context, id, reviewerID string) error {
	result := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Where("id = ? AND status = ? AND reviewer_id = ?", id, domain.ResponseStatusPendingReview, reviewerID).
		Updates(map[string]any{
			"reviewer_id":      nil,
			"lease_granted_at": nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrLeaseNotHeld
}

// RecordVerdict finalizes a response. The caller must hold the lease, or no live lease may exist.
func (r *GormResponseRepo) RecordVerdict(
	ctx context.Context,
	id, reviewerID string,
	verdict domain.Verdict,
	feedback *string,
	now time.Time,
) (*domain.Response, error) {
	result := r.db.WithContext(ctx).
		Model(&ResponseModel{}).
		Where("id = ? AND status = ?", id, domain.ResponseStatusPendingReview).
		Where("reviewer_id IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ? OR reviewer_id = ?", now, reviewerID).
		Updates(map[string]any{
			"status":           verdict.Status(),
			"verified_by":      reviewerID,
			"verified_at":      now,
			"feedback":         feedback,
			"reviewer_id":      nil,
			"lease_granted_at": nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return nil, result.Error
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected > 0 {
		return current, nil
	}

	return nil, classifyVerdictFailure(current, reviewerID, now)
}

func classifyVerdictFailure(current *domain.Response, reviewerID string, now time.Time) error {
	switch {
	case current.Status.IsFinal():
		return fmt.Errorf("%w: response %s is %s", domain.ErrAlreadyFinalized, current.ID, current.Status)
	case current.Status != domain.ResponseStatusPendingReview:
		return fmt.Errorf("%w: response %s is not under review", domain.ErrConflict, current.ID)
	}

	if lease, ok := current.Lease(); ok && lease.Live(now) && lease.ReviewerID != reviewerID {
		return fmt.Errorf("%w: response %s", domain.ErrLeaseNotHeld, current.ID)
	}
	return domain.ErrConflict
}
