package field

import "github.com/couchcryptid/etc-composites/internal/domain"

// Timeline lists every time step present in a year's SLP file, ascending.
// It separates a step with zero centres from a step missing from the data.
type Timeline []domain.JD

// Cadence returns the most common spacing between steps in hours, or
// fallback when the timeline has fewer than two steps.
func (tl Timeline) Cadence(fallback int64) int64 {
	if len(tl) < 2 {
		return fallback
	}
	counts := make(map[int64]int)
	best, bestN := fallback, 0
	for i := 1; i < len(tl); i++ {
		d := tl[i].Hours() - tl[i-1].Hours()
		counts[d]++
		if n := counts[d]; n > bestN || (n == bestN && d < best) {
			best, bestN = d, n
		}
	}
	return best
}

