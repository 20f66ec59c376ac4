package scheduler

import (
	"math/rand/v2"
	"sort"
	"time"
)

// SelectWeighted picks one candidate with probability proportional to its
// weight. Candidates with non-positive weight are never picked unless every
// weight is non-positive, in which case the choice is uniform.
func SelectWeighted(cands []Candidate, r *rand.Rand) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	cumulative := make([]float64, len(cands))
	total := 0.0
	for i, c := range cands {
		if c.Weight > 0 {
			total += c.Weight
		}
		cumulative[i] = total
	}
	if total <= 0 {
		return cands[r.IntN(len(cands))], true
	}
	x := r.Float64() * total
	i := sort.Search(len(cumulative), func(i int) bool { return cumulative[i] > x })
	if i == len(cands) {
		i = len(cands) - 1
	}
	return cands[i], true
}

// TaskWeight scores a task reminder by priority (1-5, clamped) scaled by how
// close the due date is. A nil due date gets no proximity boost.
func TaskWeight(priority int, due *time.Time, now time.Time) float64 {
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	return float64(priority) * proximity(due, now)
}

func proximity(due *time.Time, now time.Time) float64 {
	if due == nil {
		return 1
	}
	left := due.Sub(now)
	switch {
	case left < 0:
		return 3
	case left < 24*time.Hour:
		return 2
	case left < 72*time.Hour:
		return 1.5
	default:
		return 1
	}
}
