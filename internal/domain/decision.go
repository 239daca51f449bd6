package domain

import (
	"fmt"
	"time"
)

// DecisionOutcome is what the decision engine should persist for a batch.
type DecisionOutcome struct {
	Decision RemainingDecision
	Status   BatchStatus
	Rule     *ApprovalRule
}

// EvaluateRemaining decides the fate of the remaining subset from the batch's
// config snapshot. The sample must be fully reviewed.
func EvaluateRemaining(b *BatchRecord, now time.Time) (DecisionOutcome, error) {
	if b.SampleStats.SampleCompletedAt == nil || b.SampleStats.PendingCount > 0 {
		return DecisionOutcome{}, fmt.Errorf("%w: batch %s has %d pending sample responses",
			ErrSampleIncomplete, b.ID, b.SampleStats.PendingCount)
	}

	if len(b.Remaining) == 0 {
		return DecisionOutcome{
			Decision: RemainingDecision{Decision: DecisionPending},
			Status:   BatchStatusCompleted,
		}, nil
	}

	rate := b.SampleStats.ApprovalRate
	rule, err := MatchApprovalRule(b.Config.ApprovalRules, rate)
	if err != nil {
		return DecisionOutcome{}, fmt.Errorf("batch %s: %w", b.ID, err)
	}

	status := BatchStatusAutoApproved
	if rule.Action == DecisionQueuedForQC {
		status = BatchStatusQueuedForQC
	}

	decidedAt := now.UTC()
	return DecisionOutcome{
		Decision: RemainingDecision{
			Decision:            rule.Action,
			DecidedAt:           &decidedAt,
			TriggerApprovalRate: &rate,
		},
		Status: status,
		Rule:   &rule,
	}, nil
}
