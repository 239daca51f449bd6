package domain

import "time"

// ApprovalRate is approved / (approved + rejected) * 100, or 0 when nothing is decided.
func ApprovalRate(approved, rejected int) float64 {
	decided := approved + rejected
	if decided == 0 {
		return 0
	}
	return float64(approved) / float64(decided) * 100
}

// DeriveSampleStats aggregates the current status of every sample response.
// Responses missing from statuses count as pending. SampleCompletedAt is carried
// over from previous once set and is stamped with now the first time nothing is pending.
func DeriveSampleStats(sample []string, statuses map[string]ResponseStatus, previous SampleStats, now time.Time) SampleStats {
	var stats SampleStats
	for _, id := range sample {
		switch statuses[id] {
		case ResponseStatusApproved:
			stats.ApprovedCount++
		case ResponseStatusRejected:
			stats.RejectedCount++
		default:
			stats.PendingCount++
		}
	}

	stats.ApprovalRate = ApprovalRate(stats.ApprovedCount, stats.RejectedCount)

	switch {
	case previous.SampleCompletedAt != nil:
		completedAt := *previous.SampleCompletedAt
		stats.SampleCompletedAt = &completedAt
	case stats.PendingCount == 0 && len(sample) > 0:
		completedAt := now.UTC()
		stats.SampleCompletedAt = &completedAt
	}

	return stats
}

// SameCounts reports whether two stats carry identical derived values.
func (s SampleStats) SameCounts(other SampleStats) bool {
	if s.ApprovedCount != other.ApprovedCount ||
		s.RejectedCount != other.RejectedCount ||
		s.PendingCount != other.PendingCount ||
		s.ApprovalRate != other.ApprovalRate {
		return false
	}
	return (s.SampleCompletedAt == nil) == (other.SampleCompletedAt == nil)
}

// AllFinal reports whether every id in ids has a verdict.
func AllFinal(ids []string, statuses map[string]ResponseStatus) bool {
	for _, id := range ids {
		if !statuses[id].IsFinal() {
			return false
		}
	}
	return true
}
