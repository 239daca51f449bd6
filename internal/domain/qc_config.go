package domain

import (
	"fmt"
	"math"
	"slices"
)

const (
	DefaultSamplePercentage = 40.0
	minRateBound            = 0.0
	maxRateBound            = 100.0
)

// ApprovalRule maps an inclusive approval-rate range to a remaining-subset action.
type ApprovalRule struct {
	MinRate     float64      `json:"minRate"`
	MaxRate     float64      `json:"maxRate"`
	Action      DecisionKind `json:"action"`
	Description string       `json:"description,omitempty"`
}

func (r ApprovalRule) Contains(rate float64) bool {
	return rate >= r.MinRate && rate <= r.MaxRate
}

// BatchConfig is the QC policy in effect for a survey.
type BatchConfig struct {
	SamplePercentage float64        `json:"samplePercentage"`
	ApprovalRules    []ApprovalRule `json:"approvalRules"`
}

func DefaultApprovalRules() []ApprovalRule {
	return []ApprovalRule{
		{MinRate: 0, MaxRate: 50, Action: DecisionQueuedForQC, Description: "low approval rate, review remaining responses"},
		{MinRate: 50, MaxRate: 100, Action: DecisionAutoApproved, Description: "high approval rate, auto-approve remaining responses"},
	}
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		SamplePercentage: DefaultSamplePercentage,
		ApprovalRules:    DefaultApprovalRules(),
	}
}

func (c BatchConfig) Clone() BatchConfig {
	return BatchConfig{
		SamplePercentage: c.SamplePercentage,
		ApprovalRules:    slices.Clone(c.ApprovalRules),
	}
}

func (c BatchConfig) Validate() error {
	if math.IsNaN(c.SamplePercentage) || c.SamplePercentage <= 0 || c.SamplePercentage > 100 {
		return fmt.Errorf("%w: samplePercentage must be in (0, 100], got %v", ErrValidation, c.SamplePercentage)
	}
	return ValidateApprovalRules(c.ApprovalRules)
}

// ValidateApprovalRules checks that the ordered table covers [0,100] with no gaps.
// Adjacent rules may share a boundary value; the earlier rule wins at that value.
func ValidateApprovalRules(rules []ApprovalRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("%w: at least one approval rule is required", ErrValidation)
	}

	for i, rule := range rules {
		if !rule.Action.IsAction() {
			return fmt.Errorf("%w: rule %d has invalid action %q", ErrValidation, i, rule.Action)
		}
		if rule.MinRate < minRateBound || rule.MaxRate > maxRateBound || rule.MinRate > rule.MaxRate {
			return fmt.Errorf("%w: rule %d range [%v, %v] is invalid", ErrValidation, i, rule.MinRate, rule.MaxRate)
		}
		if i == 0 {
			continue
		}

		prev := rules[i-1]
		switch {
		case rule.MinRate > prev.MaxRate:
			return fmt.Errorf("%w: gap between rule %d and rule %d (%v..%v)", ErrValidation, i-1, i, prev.MaxRate, rule.MinRate)
		case rule.MinRate < prev.MaxRate:
			return fmt.Errorf("%w: rule %d overlaps rule %d", ErrValidation, i, i-1)
		}
	}

	if rules[0].MinRate != minRateBound {
		return fmt.Errorf("%w: first rule must start at %v", ErrValidation, minRateBound)
	}
	if rules[len(rules)-1].MaxRate != maxRateBound {
		return fmt.Errorf("%w: last rule must end at %v", ErrValidation, maxRateBound)
	}

	return nil
}

// MatchApprovalRule returns the first rule whose range contains rate.
func MatchApprovalRule(rules []ApprovalRule, rate float64) (ApprovalRule, error) {
	for _, rule := range rules {
		if rule.Contains(rate) {
			return rule, nil
		}
	}
	return ApprovalRule{}, fmt.Errorf("%w: rate %.2f", ErrNoMatchingRule, rate)
}
