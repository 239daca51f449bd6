package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL       = time.Minute
	defaultCandidateLimit = 20
	maxAssignmentRounds   = 3

	assignmentSourceOwnLease = "own_lease"
	assignmentSourceCache    = "cache"
	assignmentSourceStore    = "store"
)

// AssignmentQueue hands out review work under exclusive, expiring leases.
// The response store decides every grant; the cache only suggests candidates.
type AssignmentQueue struct {
	responses      repository.ResponseRepository
	cache          CandidateCache
	logger         *zap.Logger
	metrics        *observability.Metrics
	leaseTTL       time.Duration
	candidateLimit int
	now            func() time.Time
}

func NewAssignmentQueue(
	responses repository.ResponseRepository,
	cache CandidateCache,
	leaseTTL time.Duration,
	candidateLimit int,
	logger *zap.Logger,
) (*AssignmentQueue, error) {
	if responses == nil {
		return nil, fmt.Errorf("response repository is required")
	}
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	if candidateLimit <= 0 {
		candidateLimit = defaultCandidateLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AssignmentQueue{
		responses:      responses,
		cache:          cache,
		logger:         logger,
		leaseTTL:       leaseTTL,
		candidateLimit: candidateLimit,
		now:            time.Now,
	}, nil
}

func (q *AssignmentQueue) SetMetrics(metrics *observability.Metrics) {
	if q == nil {
		return
	}
	q.metrics = metrics
}

// Next leases one response to reviewerID. It returns nil when nothing is available.
// A reviewer who already holds a live lease gets that response back with a renewed expiry.
func (q *AssignmentQueue) Next(ctx context.Context, reviewerID string, filter domain.ReviewFilter) (*domain.Response, error) {
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", domain.ErrValidation)
	}

	now := q.now().UTC()

	own, err := q.responses.FindLeaseByReviewer(ctx, reviewerID, now)
	switch {
	case err == nil:
		renewed, err := q.responses.GrantLease(ctx, own.ID, reviewerID, now, now.Add(q.leaseTTL))
		if err == nil {
			q.metrics.IncAssignment(assignmentSourceOwnLease)
			return renewed, nil
		}
		// The lease lapsed or the response was finalized in between; pick new work.
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("failed to renew lease: %w", err)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to look up reviewer lease: %w", err)
	}

	key := CandidateCacheKey(reviewerID, filter)

	if ids := q.cachedCandidates(ctx, key); len(ids) > 0 {
		resp, err := q.claimFirst(ctx, key, ids, reviewerID, now, assignmentSourceCache)
		if err != nil || resp != nil {
			return resp, err
		}
	}

	for round := 0; round < maxAssignmentRounds; round++ {
		ids, err := q.responses.FindReviewCandidates(ctx, filter, now, q.candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to find review candidates: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		q.storeCandidates(ctx, key, ids)

		resp, err := q.claimFirst(ctx, key, ids, reviewerID, now, assignmentSourceStore)
		if err != nil || resp != nil {
			return resp, err
		}
	}

	q.metrics.IncAssignmentEmpty()
	return nil, nil
}

// Release gives up a lease before its expiry.
func (q *AssignmentQueue) Release(ctx context.Context, responseID, reviewerID string) error {
	if strings.TrimSpace(responseID) == "" || strings.TrimSpace(reviewerID) == "" {
		return fmt.Errorf("%w: response id and reviewer id are required", domain.ErrValidation)
	}
	return q.responses.ReleaseLease(ctx, responseID, reviewerID)
}

// Complete records a verdict and drops the lease. It does not touch batch statistics.
func (q *AssignmentQueue) Complete(
	ctx context.Context,
	responseID, reviewerID string,
	verdict domain.Verdict,
	feedback *string,
) (*domain.Response, error) {
	if strings.TrimSpace(responseID) == "" || strings.TrimSpace(reviewerID) == "" {
		return nil, fmt.Errorf("%w: response id and reviewer id are required", domain.ErrValidation)
	}
	if !verdict.IsValid() {
		return nil, fmt.Errorf("%w: invalid verdict %q", domain.ErrValidation, verdict)
	}

	resp, err := q.responses.RecordVerdict(ctx, responseID, reviewerID, verdict, feedback, q.now().UTC())
	if err != nil {
		return nil, err
	}

	q.metrics.IncVerdict(verdict.String())
	return resp, nil
}

func (q *AssignmentQueue) claimFirst(
	ctx context.Context,
	key string,
	ids []string,
	reviewerID string,
	now time.Time,
	source string,
) (*domain.Response, error) {
	for _, id := range ids {
		resp, err := q.responses.GrantLease(ctx, id, reviewerID, now, now.Add(q.leaseTTL))
		if errors.Is(err, domain.ErrConflict) {
			q.metrics.IncLeaseContention()
			q.dropCandidate(ctx, key, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to grant lease on %s: %w", id, err)
		}

		q.dropCandidate(ctx, key, id)
		q.metrics.IncAssignment(source)
		return resp, nil
	}
	return nil, nil
}

// cachedCandidates treats any cache failure as a miss.
func (q *AssignmentQueue) cachedCandidates(ctx context.Context, key string) []string {
	if q.cache == nil {
		return nil
	}

	ids, err := q.cache.Candidates(ctx, key)
	if err != nil {
		q.metrics.IncCacheLookup("error")
		observability.WithContextLogger(q.logger, ctx).Warn("assignment cache unavailable, using store",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil
	}
	if len(ids) == 0 {
		q.metrics.IncCacheLookup("miss")
		return nil
	}

	q.metrics.IncCacheLookup("hit")
	return ids
}

func (q *AssignmentQueue) storeCandidates(ctx context.Context, key string, ids []string) {
	if q.cache == nil {
		return
	}
	if err := q.cache.StoreCandidates(ctx, key, ids); err != nil {
		observability.WithContextLogger(q.logger, ctx).Warn("failed to cache review candidates",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (q *AssignmentQueue) dropCandidate(ctx context.Context, key, id string) {
	if q.cache == nil {
		return
	}
	if err := q.cache.Remove(ctx, key, id); err != nil {
		q.logger.Debug("failed to drop cached candidate", zap.String("key", key), zap.Error(err))
	}
}

// CandidateCacheKey is reviewer:survey:mode:filterhash.
func CandidateCacheKey(reviewerID string, filter domain.ReviewFilter) string {
	canonical := strings.Join([]string{
		strings.TrimSpace(filter.SurveyID),
		strings.TrimSpace(filter.Mode),
		strings.TrimSpace(filter.InterviewerID),
	}, "\x1f")

	return fmt.Sprintf("%s:%s:%s:%016x",
		reviewerID,
		orWildcard(filter.SurveyID),
		orWildcard(filter.Mode),
		xxhash.Sum64String(canonical),
	)
}

func orWildcard(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "*"
	}
	return value
}
