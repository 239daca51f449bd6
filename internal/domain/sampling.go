package domain

import "math"

// ShuffleFunc matches rand.Shuffle.
type ShuffleFunc func(n int, swap func(i, j int))

// SampleSize returns ceil(total * percentage / 100), clamped to [0, total].
func SampleSize(total int, percentage float64) int {
	if total <= 0 || percentage <= 0 {
		return 0
	}
	if percentage >= 100 {
		return total
	}

	// Round away float noise such as 10*70/100 = 7.000000000000001 before ceil.
	exact := math.Round(float64(total)*percentage*1e6/100) / 1e6
	size := int(math.Ceil(exact))
	return min(max(size, 0), total)
}

// Partition selects SampleSize(len(responses), percentage) responses uniformly at
// random without replacement. Both subsets keep the original response order.
func Partition(responses []string, percentage float64, shuffle ShuffleFunc) (sample, remaining []string) {
	size := SampleSize(len(responses), percentage)

	order := make([]int, len(responses))
	for i := range order {
		order[i] = i
	}
	if shuffle != nil {
		shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	picked := make([]bool, len(responses))
	for _, idx := range order[:size] {
		picked[idx] = true
	}

	sample = make([]string, 0, size)
	remaining = make([]string, 0, len(responses)-size)
	for i, id := range responses {
		if picked[i] {
			sample = append(sample, id)
			continue
		}
		remaining = append(remaining, id)
	}

	return sample, remaining
}
