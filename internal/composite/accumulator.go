package composite

import (
	"errors"
	"math"
)

// Accumulator holds per-bin sums and counts for one composite.
type Accumulator struct {
	Bins   Bins
	Sum    []float64
	Count  []int64
	Points int // track points that contributed
}

// NewAccumulator returns an empty accumulator over b.
func NewAccumulator(b Bins) *Accumulator {
	return &Accumulator{
		Bins:  b,
		Sum:   make([]float64, b.Len()),
		Count: make([]int64, b.Len()),
	}
}

// Add adds v to bin. NaN values are ignored.
func (a *Accumulator) Add(bin int, v float64) {
	if math.IsNaN(v) {
		return
	}
	a.Sum[bin] += v
	a.Count[bin]++
}

// Merge adds o into a. Both must share the same bins.
func (a *Accumulator) Merge(o *Accumulator) error {
	if !a.Bins.same(o.Bins) {
		return errors.New("merge of accumulators with different bins")
	}
	for i := range a.Sum {
		a.Sum[i] += o.Sum[i]
		a.Count[i] += o.Count[i]
	}
	a.Points += o.Points
	return nil
}

// Mean returns sum/count per bin, NaN where count is zero.
func (a *Accumulator) Mean() []float64 {
	out := make([]float64, len(a.Sum))
	for i, s := range a.Sum {
		if a.Count[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = s / float64(a.Count[i])
	}
	return out
}
