package service

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/queue"
	"github.com/kursadbilgin/qc-engine/internal/repository"
)

// memStore backs the in-memory repositories. Batches and responses share one
// mutex so cross-entity updates stay atomic like the SQL transactions they replace.
type memStore struct {
	mu        sync.Mutex
	batches   map[string]*domain.BatchRecord
	responses map[string]*domain.Response
}

func newMemStore() *memStore {
	return &memStore{
		batches:   make(map[string]*domain.BatchRecord),
		responses: make(map[string]*domain.Response),
	}
}

func (s *memStore) batchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{store: s}
}

func (s *memStore) responseRepo() *fakeResponseRepo {
	return &fakeResponseRepo{store: s}
}

func (s *memStore) putBatch(b *domain.BatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = cloneBatch(b)
}

func (s *memStore) putResponse(r *domain.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[r.ID] = cloneResponse(r)
}

func (s *memStore) batch(id string) *domain.BatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok {
		return cloneBatch(b)
	}
	return nil
}

func (s *memStore) response(id string) *domain.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.responses[id]; ok {
		return cloneResponse(r)
	}
	return nil
}

func cloneBatch(b *domain.BatchRecord) *domain.BatchRecord {
	out := *b
	out.Responses = slices.Clone(b.Responses)
	out.Sample = slices.Clone(b.Sample)
	out.Remaining = slices.Clone(b.Remaining)
	out.Config = b.Config.Clone()
	return &out
}

func cloneResponse(r *domain.Response) *domain.Response {
	out := *r
	return &out
}

type fakeBatchRepo struct {
	store *memStore

	appendResponseFn func(ctx context.Context, batchID, responseID string) error
	saveDecisionFn   func(ctx context.Context, id string, outcome domain.DecisionOutcome, at time.Time) error
}

var _ repository.BatchRepository = (*fakeBatchRepo)(nil)

func (f *fakeBatchRepo) Create(ctx context.Context, b *domain.BatchRecord) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	for _, existing := range f.store.batches {
		if existing.Status == domain.BatchStatusCollecting &&
			existing.SurveyID == b.SurveyID &&
			existing.InterviewerID == b.InterviewerID &&
			existing.BatchDate == b.BatchDate {
			return domain.ErrConflict
		}
	}
	if _, ok := f.store.batches[b.ID]; ok {
		return domain.ErrConflict
	}

	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	f.store.batches[b.ID] = cloneBatch(b)
	return nil
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.BatchRecord, error) {
	if b := f.store.batch(id); b != nil {
		return b, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) FindOpen(ctx context.Context, surveyID, interviewerID, batchDate string) (*domain.BatchRecord, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	for _, b := range f.store.batches {
		if b.Status == domain.BatchStatusCollecting &&
			b.SurveyID == surveyID &&
			b.InterviewerID == interviewerID &&
			b.BatchDate == batchDate {
			return cloneBatch(b), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) AppendResponse(ctx context.Context, batchID, responseID string) (*domain.BatchRecord, error) {
	if f.appendResponseFn != nil {
		if err := f.appendResponseFn(ctx, batchID, responseID); err != nil {
			return nil, err
		}
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	stored, ok := f.store.batches[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	batch := cloneBatch(stored)
	if _, err := batch.AppendResponse(responseID); err != nil {
		return nil, err
	}

	if resp, ok := f.store.responses[responseID]; ok {
		if resp.QCBatchID != nil && *resp.QCBatchID != batchID {
			return nil, domain.ErrConflict
		}
		id := batchID
		resp.QCBatchID = &id
	}

	f.store.batches[batchID] = batch
	return cloneBatch(batch), nil
}

func (f *fakeBatchRepo) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	b, ok := f.store.batches[id]
	if !ok || b.Status != domain.BatchStatusCollecting {
		return domain.ErrConflict
	}
	b.Status = domain.BatchStatusProcessing
	b.ProcessingStartedAt = &at
	return nil
}

func (f *fakeBatchRepo) SavePartition(ctx context.Context, in *domain.BatchRecord) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	b, ok := f.store.batches[in.ID]
	if !ok || b.Status != domain.BatchStatusProcessing || b.SampleSize != 0 || b.RemainingSize != 0 {
		return domain.ErrConflict
	}
	b.Sample = slices.Clone(in.Sample)
	b.SampleSize = len(in.Sample)
	b.Remaining = slices.Clone(in.Remaining)
	b.RemainingSize = len(in.Remaining)
	b.SampleStats.PendingCount = in.SampleStats.PendingCount
	return nil
}

func (f *fakeBatchRepo) TransitionStatus(
	ctx context.Context,
	id string,
	from []domain.BatchStatus,
	to domain.BatchStatus,
	at time.Time,
) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	b, ok := f.store.batches[id]
	if !ok || !slices.Contains(from, b.Status) {
		return domain.ErrConflict
	}
	b.Status = to
	if to == domain.BatchStatusCompleted {
		b.CompletedAt = &at
	}
	return nil
}

func (f *fakeBatchRepo) SaveSampleStats(ctx context.Context, id string, stats domain.SampleStats) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	b, ok := f.store.batches[id]
	if !ok {
		return domain.ErrNotFound
	}
	completedAt := b.SampleStats.SampleCompletedAt
	if completedAt == nil {
		completedAt = stats.SampleCompletedAt
	}
	b.SampleStats = stats
	b.SampleStats.SampleCompletedAt = completedAt
	return nil
}

func (f *fakeBatchRepo) SaveDecision(ctx context.Context, id string, outcome domain.DecisionOutcome, at time.Time) error {
	if f.saveDecisionFn != nil {
		if err := f.saveDecisionFn(ctx, id, outcome, at); err != nil {
			return err
		}
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	b, ok := f.store.batches[id]
	if !ok || b.Status != domain.BatchStatusQCInProgress || b.RemainingDecision.Decision != domain.DecisionPending {
		return domain.ErrConflict
	}
	b.Status = outcome.Status
	b.RemainingDecision = outcome.Decision
	if outcome.Status == domain.BatchStatusCompleted || outcome.Status == domain.BatchStatusAutoApproved {
		b.CompletedAt = &at
	}
	return nil
}

func (f *fakeBatchRepo) List(ctx context.Context, params repository.BatchListParams) ([]domain.BatchRecord, int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var out []domain.BatchRecord
	for _, b := range f.store.batches {
		if params.SurveyID != "" && b.SurveyID != params.SurveyID {
			continue
		}
		if params.Status != nil && b.Status != *params.Status {
			continue
		}
		out = append(out, *cloneBatch(b))
	}
	sortBatches(out)
	return out, int64(len(out)), nil
}

func (f *fakeBatchRepo) ListCollectingBefore(ctx context.Context, batchDate string, limit int) ([]domain.BatchRecord, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var out []domain.BatchRecord
	for _, b := range f.store.batches {
		if b.Status == domain.BatchStatusCollecting && b.BatchDate < batchDate && b.TotalResponses > 0 {
			out = append(out, *cloneBatch(b))
		}
	}
	sortBatches(out)
	return out[:min(limit, len(out))], nil
}

func (f *fakeBatchRepo) ListStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]domain.BatchRecord, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var out []domain.BatchRecord
	for _, b := range f.store.batches {
		if b.Status == domain.BatchStatusProcessing &&
			b.ProcessingStartedAt != nil &&
			b.ProcessingStartedAt.Before(startedBefore) {
			out = append(out, *cloneBatch(b))
		}
	}
	sortBatches(out)
	return out[:min(limit, len(out))], nil
}

func (f *fakeBatchRepo) ListAwaitingReconcile(ctx context.Context, afterID string, limit int) ([]domain.BatchRecord, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var out []domain.BatchRecord
	for _, b := range f.store.batches {
		if b.Status != domain.BatchStatusQCInProgress && b.Status != domain.BatchStatusQueuedForQC {
			continue
		}
		if b.ID > afterID {
			out = append(out, *cloneBatch(b))
		}
	}
	sortBatches(out)
	return out[:min(limit, len(out))], nil
}

func sortBatches(batches []domain.BatchRecord) {
	slices.SortFunc(batches, func(a, b domain.BatchRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

type fakeResponseRepo struct {
	store *memStore

	approveInBulkFn     func(ctx context.Context, ids []string) error
	markPendingReviewFn func(ctx context.Context, ids []string) error
	statusesByIDsFn     func(ctx context.Context, ids []string) error
}

var _ repository.ResponseRepository = (*fakeResponseRepo)(nil)

func (f *fakeResponseRepo) Upsert(ctx context.Context, r *domain.Response) (*domain.Response, bool, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	if existing, ok := f.store.responses[r.ID]; ok {
		return cloneResponse(existing), false, nil
	}
	stored := cloneResponse(r)
	if stored.Status == "" {
		stored.Status = domain.ResponseStatusCollected
	}
	f.store.responses[r.ID] = stored
	return cloneResponse(stored), true, nil
}

func (f *fakeResponseRepo) GetByID(ctx context.Context, id string) (*domain.Response, error) {
	if r := f.store.response(id); r != nil {
		return r, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeResponseRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Response, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var out []domain.Response
	for _, r := range f.store.responses {
		if r.QCBatchID != nil && *r.QCBatchID == batchID {
			out = append(out, *cloneResponse(r))
		}
	}
	slices.SortFunc(out, func(a, b domain.Response) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (f *fakeResponseRepo) MarkPendingReview(ctx context.Context, ids []string) (int64, error) {
	if f.markPendingReviewFn != nil {
		if err := f.markPendingReviewFn(ctx, ids); err != nil {
			return 0, err
		}
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var n int64
	for _, id := range ids {
		if r, ok := f.store.responses[id]; ok && r.Status == domain.ResponseStatusCollected {
			r.Status = domain.ResponseStatusPendingReview
			n++
		}
	}
	return n, nil
}

func (f *fakeResponseRepo) ApproveInBulk(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if f.approveInBulkFn != nil {
		if err := f.approveInBulkFn(ctx, ids); err != nil {
			return 0, err
		}
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var n int64
	for _, id := range ids {
		r, ok := f.store.responses[id]
		if !ok || r.Status.IsFinal() {
			continue
		}
		r.Status = domain.ResponseStatusApproved
		r.AutoApproved = true
		r.VerifiedAt = &at
		r.ReviewerID, r.LeaseGrantedAt, r.LeaseExpiresAt = nil, nil, nil
		n++
	}
	return n, nil
}

func (f *fakeResponseRepo) StatusesByIDs(ctx context.Context, ids []string) (map[string]domain.ResponseStatus, error) {
	if f.statusesByIDsFn != nil {
		if err := f.statusesByIDsFn(ctx, ids); err != nil {
			return nil, err
		}
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	statuses := make(map[string]domain.ResponseStatus, len(ids))
	for _, id := range ids {
		if r, ok := f.store.responses[id]; ok {
			statuses[id] = r.Status
		}
	}
	return statuses, nil
}

func (f *fakeResponseRepo) FindLeaseByReviewer(ctx context.Context, reviewerID string, now time.Time) (*domain.Response, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	for _, r := range f.store.responses {
		if r.Status != domain.ResponseStatusPendingReview {
			continue
		}
		if lease, ok := r.Lease(); ok && lease.ReviewerID == reviewerID && lease.Live(now) {
			return cloneResponse(r), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeResponseRepo) FindReviewCandidates(
	ctx context.Context,
	filter domain.ReviewFilter,
	now time.Time,
	limit int,
) ([]string, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	var candidates []*domain.Response
	for _, r := range f.store.responses {
		if r.Status != domain.ResponseStatusPendingReview || leasedBySomeone(r, now) {
			continue
		}
		if filter.SurveyID != "" && r.SurveyID != filter.SurveyID {
			continue
		}
		if filter.Mode != "" && r.Mode != filter.Mode {
			continue
		}
		if filter.InterviewerID != "" && r.InterviewerID != filter.InterviewerID {
			continue
		}
		candidates = append(candidates, r)
	}
	slices.SortFunc(candidates, func(a, b *domain.Response) int {
		if c := a.CollectedAt.Compare(b.CollectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	ids := make([]string, 0, min(limit, len(candidates)))
	for _, r := range candidates[:min(limit, len(candidates))] {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (f *fakeResponseRepo) GrantLease(ctx context.Context, id, reviewerID string, now, expiresAt time.Time) (*domain.Response, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	r, ok := f.store.responses[id]
	if !ok || r.Status != domain.ResponseStatusPendingReview {
		return nil, domain.ErrConflict
	}
	if lease, held := r.Lease(); held && lease.Live(now) && lease.ReviewerID != reviewerID {
		return nil, domain.ErrConflict
	}

	reviewer := reviewerID
	r.ReviewerID = &reviewer
	r.LeaseGrantedAt = &now
	r.LeaseExpiresAt = &expiresAt
	return cloneResponse(r), nil
}

func (f *fakeResponseRepo) ReleaseLease(ctx context.Context, id, reviewerID string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	r, ok := f.store.responses[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.ResponseStatusPendingReview || r.ReviewerID == nil || *r.ReviewerID != reviewerID {
		return domain.ErrLeaseNotHeld
	}
	r.ReviewerID, r.LeaseGrantedAt, r.LeaseExpiresAt = nil, nil, nil
	return nil
}

func (f *fakeResponseRepo) RecordVerdict(
	ctx context.Context,
	id, reviewerID string,
	verdict domain.Verdict,
	feedback *string,
	now time.Time,
) (*domain.Response, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	r, ok := f.store.responses[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if r.Status.IsFinal() {
		return nil, fmt.Errorf("%w: response %s is %s", domain.ErrAlreadyFinalized, id, r.Status)
	}
	if r.Status != domain.ResponseStatusPendingReview {
		return nil, domain.ErrConflict
	}
	if lease, held := r.Lease(); held && lease.Live(now) && lease.ReviewerID != reviewerID {
		return nil, domain.ErrLeaseNotHeld
	}

	verifiedBy := reviewerID
	r.Status = verdict.Status()
	r.VerifiedBy = &verifiedBy
	r.VerifiedAt = &now
	r.Feedback = feedback
	r.ReviewerID, r.LeaseGrantedAt, r.LeaseExpiresAt = nil, nil, nil
	return cloneResponse(r), nil
}

func leasedBySomeone(r *domain.Response, now time.Time) bool {
	lease, ok := r.Lease()
	return ok && lease.Live(now)
}

type fakeConfigRepo struct {
	mu      sync.Mutex
	configs map[string]domain.BatchConfig
	getFn   func(ctx context.Context, surveyID string) error
}

func (f *fakeConfigRepo) Get(ctx context.Context, surveyID string) (*domain.BatchConfig, error) {
	if f.getFn != nil {
		if err := f.getFn(ctx, surveyID); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[surveyID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cfg.Clone()
	return &out, nil
}

func (f *fakeConfigRepo) Upsert(ctx context.Context, surveyID string, cfg domain.BatchConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configs == nil {
		f.configs = make(map[string]domain.BatchConfig)
	}
	f.configs[surveyID] = cfg.Clone()
	return nil
}

type fakeCandidateCache struct {
	mu      sync.Mutex
	entries map[string][]string

	candidatesFn func(ctx context.Context, key string) ([]string, error)
}

func (f *fakeCandidateCache) Candidates(ctx context.Context, key string) ([]string, error) {
	if f.candidatesFn != nil {
		return f.candidatesFn(ctx, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.entries[key]), nil
}

func (f *fakeCandidateCache) StoreCandidates(ctx context.Context, key string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string][]string)
	}
	f.entries[key] = slices.Clone(ids)
	return nil
}

func (f *fakeCandidateCache) Remove(ctx context.Context, key, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		return nil
	}
	f.entries[key] = slices.DeleteFunc(f.entries[key], func(v string) bool { return v == id })
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedJob

	publishFn func(ctx context.Context, queueName string, msg queue.BatchJobMessage) error
}

type publishedJob struct {
	queue string
	msg   queue.BatchJobMessage
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.BatchJobMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedJob{queue: queueName, msg: msg})
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

func (f *fakePublisher) jobs() []publishedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.published)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

type fakeSettler struct {
	settleFn func(ctx context.Context, batchID string) (*domain.BatchRecord, error)
}

func (f *fakeSettler) Settle(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	if f.settleFn != nil {
		return f.settleFn(ctx, batchID)
	}
	return &domain.BatchRecord{ID: batchID}, nil
}

type fakeSampler struct {
	closeAndSampleFn func(ctx context.Context, batchID string) (*domain.BatchRecord, error)
}

func (f *fakeSampler) CloseAndSample(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	if f.closeAndSampleFn != nil {
		return f.closeAndSampleFn(ctx, batchID)
	}
	return &domain.BatchRecord{ID: batchID}, nil
}

// seedBatch stores a qc_in_progress batch with the given sample and remaining
// responses, all pending review.
func seedBatch(t testing.TB, store *memStore, id string, sample, remaining []string, cfg domain.BatchConfig) *domain.BatchRecord {
	t.Helper()

	all := slices.Concat(sample, remaining)
	batch := domain.NewBatchRecord(id, "survey-1", "interviewer-1", "2026-10-16", cfg)
	batch.Status = domain.BatchStatusQCInProgress
	batch.Responses = all
	batch.TotalResponses = len(all)
	batch.Sample = slices.Clone(sample)
	batch.SampleSize = len(sample)
	batch.Remaining = slices.Clone(remaining)
	batch.RemainingSize = len(remaining)
	batch.SampleStats = domain.SampleStats{PendingCount: len(sample)}
	store.putBatch(batch)

	collectedAt := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	for i, rid := range all {
		batchID := id
		status := domain.ResponseStatusCollected
		if slices.Contains(sample, rid) {
			status = domain.ResponseStatusPendingReview
		}
		store.putResponse(&domain.Response{
			ID:            rid,
			SurveyID:      batch.SurveyID,
			InterviewerID: batch.InterviewerID,
			Mode:          "capi",
			Status:        status,
			QCBatchID:     &batchID,
			CollectedAt:   collectedAt.Add(time.Duration(i) * time.Minute),
		})
	}
	return batch
}

func ids(prefix string, n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("%s-%02d", prefix, i))
	}
	return out
}

// setStatus overwrites a response's status without going through a lease.
func (s *memStore) setStatus(id string, status domain.ResponseStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.responses[id]; ok {
		r.Status = status
	}
}

// assertMetric scrapes the metrics handler and expects an exact exposition line.
func assertMetric(t *testing.T, metrics *observability.Metrics, line string) {
	t.Helper()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	for _, got := range strings.Split(string(body), "\n") {
		if got == line {
			return
		}
	}
	t.Fatalf("metrics missing %q", line)
}
