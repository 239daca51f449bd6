package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/lock"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/queue"
	"go.uber.org/zap"
)

type verificationFixture struct {
	store     *memStore
	batches   *fakeBatchRepo
	responses *fakeResponseRepo
	publisher *fakePublisher
	decisions *DecisionEngine
	svc       *VerificationService
}

func newVerificationFixture(t *testing.T) *verificationFixture {
	t.Helper()

	store := newMemStore()
	batches := store.batchRepo()
	responses := store.responseRepo()
	locker := lock.NewKeyedMutex()
	publisher := &fakePublisher{}

	assignments, err := NewAssignmentQueue(responses, nil, 0, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAssignmentQueue() error = %v", err)
	}
	reconciler, err := NewReconciler(batches, responses, locker, zap.NewNop())
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	decisions, err := NewDecisionEngine(batches, responses, locker, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDecisionEngine() error = %v", err)
	}
	svc, err := NewVerificationService(assignments, reconciler, decisions, locker, publisher, zap.NewNop())
	if err != nil {
		t.Fatalf("NewVerificationService() error = %v", err)
	}

	return &verificationFixture{
		store:     store,
		batches:   batches,
		responses: responses,
		publisher: publisher,
		decisions: decisions,
		svc:       svc,
	}
}

func (f *verificationFixture) submitAll(t *testing.T, responseIDs []string, verdicts ...domain.Verdict) {
	t.Helper()

	for i, id := range responseIDs {
		if _, err := f.svc.Submit(context.Background(), id, "reviewer-a", verdicts[i], nil); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}
}

func TestVerificationServiceHighApprovalAutoApprovesRemaining(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	sample, remaining := ids("s", 4), ids("r", 6)
	seedBatch(t, f.store, "b1", sample, remaining, domain.DefaultBatchConfig())

	f.submitAll(t, sample, domain.VerdictApprove, domain.VerdictApprove, domain.VerdictApprove, domain.VerdictReject)

	batch := f.store.batch("b1")
	if batch.Status != domain.BatchStatusAutoApproved {
		t.Fatalf("status = %s, want auto_approved", batch.Status)
	}
	if batch.SampleStats.ApprovalRate != 75 {
		t.Fatalf("approval rate = %v, want 75", batch.SampleStats.ApprovalRate)
	}
	if batch.RemainingDecision.Decision != domain.DecisionAutoApproved {
		t.Fatalf("decision = %s, want auto_approved", batch.RemainingDecision.Decision)
	}
	if batch.RemainingDecision.TriggerApprovalRate == nil || *batch.RemainingDecision.TriggerApprovalRate != 75 {
		t.Fatalf("trigger rate = %v, want 75", batch.RemainingDecision.TriggerApprovalRate)
	}
	if batch.CompletedAt == nil {
		t.Fatal("completed at should be set")
	}
	for _, id := range remaining {
		resp := f.store.response(id)
		if resp.Status != domain.ResponseStatusApproved || !resp.AutoApproved {
			t.Fatalf("remaining %s = %s auto=%v, want auto-approved", id, resp.Status, resp.AutoApproved)
		}
	}
}

func TestVerificationServiceLowApprovalQueuesRemainingThenCompletes(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	sample, remaining := ids("s", 4), ids("r", 2)
	seedBatch(t, f.store, "b1", sample, remaining, domain.DefaultBatchConfig())

	f.submitAll(t, sample, domain.VerdictApprove, domain.VerdictReject, domain.VerdictReject, domain.VerdictReject)

	batch := f.store.batch("b1")
	if batch.Status != domain.BatchStatusQueuedForQC {
		t.Fatalf("status = %s, want queued_for_qc", batch.Status)
	}
	if batch.SampleStats.ApprovalRate != 25 {
		t.Fatalf("approval rate = %v, want 25", batch.SampleStats.ApprovalRate)
	}
	for _, id := range remaining {
		if got := f.store.response(id).Status; got != domain.ResponseStatusPendingReview {
			t.Fatalf("remaining %s status = %s, want pending_review", id, got)
		}
	}

	f.submitAll(t, remaining[:1], domain.VerdictApprove)
	if got := f.store.batch("b1").Status; got != domain.BatchStatusQueuedForQC {
		t.Fatalf("status after partial remaining review = %s, want queued_for_qc", got)
	}

	f.submitAll(t, remaining[1:], domain.VerdictReject)
	batch = f.store.batch("b1")
	if batch.Status != domain.BatchStatusCompleted {
		t.Fatalf("status after remaining review = %s, want completed", batch.Status)
	}
	if batch.SampleStats.ApprovalRate != 25 {
		t.Fatalf("sample approval rate changed to %v after remaining review", batch.SampleStats.ApprovalRate)
	}
}

func TestVerificationServiceSampleIncompleteKeepsBatchUndecided(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	sample := ids("s", 4)
	seedBatch(t, f.store, "b1", sample, ids("r", 4), domain.DefaultBatchConfig())

	f.submitAll(t, sample[:3], domain.VerdictApprove, domain.VerdictApprove, domain.VerdictReject)

	batch := f.store.batch("b1")
	if batch.Status != domain.BatchStatusQCInProgress {
		t.Fatalf("status = %s, want qc_in_progress", batch.Status)
	}
	if batch.SampleStats.PendingCount != 1 || batch.SampleStats.SampleCompletedAt != nil {
		t.Fatalf("stats = %+v, want one pending and no completion", batch.SampleStats)
	}

	if _, err := f.decisions.Evaluate(context.Background(), "b1"); !errors.Is(err, domain.ErrSampleIncomplete) {
		t.Fatalf("Evaluate() error = %v, want ErrSampleIncomplete", err)
	}
}

func TestVerificationServiceEmptyRemainingCompletesBatch(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	sample := ids("s", 2)
	seedBatch(t, f.store, "b1", sample, nil, domain.DefaultBatchConfig())

	f.submitAll(t, sample, domain.VerdictReject, domain.VerdictReject)

	batch := f.store.batch("b1")
	if batch.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", batch.Status)
	}
	if batch.RemainingDecision.Decision != domain.DecisionPending {
		t.Fatalf("decision = %s, want pending for empty remaining", batch.RemainingDecision.Decision)
	}
}

func TestVerificationServiceSettleFailureSchedulesReconcile(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	sample, remaining := ids("s", 2), ids("r", 3)
	seedBatch(t, f.store, "b1", sample, remaining, domain.DefaultBatchConfig())
	metrics := observability.NewMetrics()
	f.svc.SetMetrics(metrics)

	var failures atomic.Int32
	f.responses.approveInBulkFn = func(ctx context.Context, ids []string) error {
		if failures.Add(1) == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	f.submitAll(t, sample, domain.VerdictApprove, domain.VerdictApprove)

	batch := f.store.batch("b1")
	if batch.Status != domain.BatchStatusQCInProgress || batch.RemainingDecision.Decision != domain.DecisionPending {
		t.Fatalf("batch = %s/%s after failed decision, want qc_in_progress/pending",
			batch.Status, batch.RemainingDecision.Decision)
	}
	if got := f.store.response(sample[1]).Status; got != domain.ResponseStatusApproved {
		t.Fatalf("verdict status = %s, want approved despite settle failure", got)
	}

	jobs := f.publisher.jobs()
	if len(jobs) != 1 {
		t.Fatalf("published jobs = %d, want 1", len(jobs))
	}
	if jobs[0].queue != queue.QueueName(queue.ActionReconcile) || jobs[0].msg.BatchID != "b1" {
		t.Fatalf("published job = %+v, want reconcile for b1", jobs[0])
	}

	settled, err := f.svc.Settle(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if settled.Status != domain.BatchStatusAutoApproved {
		t.Fatalf("status after reconcile = %s, want auto_approved", settled.Status)
	}
	for _, id := range remaining {
		if got := f.store.response(id).Status; got != domain.ResponseStatusApproved {
			t.Fatalf("remaining %s = %s, want approved", id, got)
		}
	}
	assertMetric(t, metrics, "qc_engine_reconcile_retries_total 1")
}

func TestVerificationServiceNoMatchingRuleIsSurfaced(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	cfg := domain.BatchConfig{
		SamplePercentage: 40,
		ApprovalRules: []domain.ApprovalRule{
			{MinRate: 0, MaxRate: 50, Action: domain.DecisionQueuedForQC},
		},
	}
	sample := ids("s", 1)
	seedBatch(t, f.store, "b1", sample, ids("r", 2), cfg)

	_, err := f.svc.Submit(context.Background(), sample[0], "reviewer-a", domain.VerdictApprove, nil)
	if !errors.Is(err, domain.ErrNoMatchingRule) {
		t.Fatalf("Submit() error = %v, want ErrNoMatchingRule", err)
	}
	if got := f.store.batch("b1").Status; got != domain.BatchStatusQCInProgress {
		t.Fatalf("status = %s, want qc_in_progress", got)
	}
	if len(f.publisher.jobs()) != 0 {
		t.Fatal("rule gap should not schedule a reconcile retry")
	}
}

func TestVerificationServiceUnbatchedResponse(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	f.store.putResponse(&domain.Response{
		ID:            "loose",
		SurveyID:      "survey-1",
		InterviewerID: "interviewer-1",
		Status:        domain.ResponseStatusPendingReview,
	})

	resp, err := f.svc.Submit(context.Background(), "loose", "reviewer-a", domain.VerdictReject, nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if resp.Status != domain.ResponseStatusRejected {
		t.Fatalf("status = %s, want rejected", resp.Status)
	}
}

func TestDecisionEngineEvaluateIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	sample, remaining := ids("s", 2), ids("r", 2)
	seedBatch(t, f.store, "b1", sample, remaining, domain.DefaultBatchConfig())
	metrics := observability.NewMetrics()
	f.decisions.SetMetrics(metrics)

	var bulkCalls atomic.Int32
	f.responses.approveInBulkFn = func(ctx context.Context, ids []string) error {
		bulkCalls.Add(1)
		return nil
	}

	f.submitAll(t, sample, domain.VerdictApprove, domain.VerdictApprove)
	for range 3 {
		batch, err := f.decisions.Evaluate(context.Background(), "b1")
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if batch.Status != domain.BatchStatusAutoApproved {
			t.Fatalf("status = %s, want auto_approved", batch.Status)
		}
	}

	if got := bulkCalls.Load(); got != 1 {
		t.Fatalf("ApproveInBulk calls = %d, want 1", got)
	}
	assertMetric(t, metrics, `qc_engine_batch_decisions_total{status="auto_approved"} 1`)
}

func TestDecisionEngineLostSaveReloadsWinner(t *testing.T) {
	t.Parallel()

	f := newVerificationFixture(t)
	sample := ids("s", 1)
	seedBatch(t, f.store, "b1", sample, ids("r", 1), domain.DefaultBatchConfig())
	f.store.setStatus(sample[0], domain.ResponseStatusApproved)

	reconciler, err := NewReconciler(f.batches, f.responses, lock.NewKeyedMutex(), nil)
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	if _, err := reconciler.Recompute(context.Background(), "b1"); err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}

	f.batches.saveDecisionFn = func(ctx context.Context, id string, outcome domain.DecisionOutcome, at time.Time) error {
		return domain.ErrConflict
	}

	batch, err := f.decisions.Evaluate(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if batch.Status != domain.BatchStatusQCInProgress {
		t.Fatalf("status = %s, want reloaded qc_in_progress", batch.Status)
	}
}
