package composite

import (
	"fmt"
	"math"
	"path/filepath"
)

// Attr is one global attribute in write order.
type Attr struct {
	Key   string
	Value any
}

// Output is a finished composite laid out for writing: two dimensions with
// bin-centre coordinates and the sum, count and mean arrays indexed
// [dim0][dim1].
type Output struct {
	Dims       [2]string
	Coords     [2][]float64
	Units      [2]string
	ValueUnits string
	Sum        [][]float64
	Count      [][]int32
	Mean       [][]float64
	Attrs      []Attr
}

// Writer persists composite outputs.
type Writer interface {
	WriteComposite(path string, out Output) error
}

// Meta describes the run a composite came from.
type Meta struct {
	Model     string
	FirstYear int
	LastYear  int
}

// FileName returns the output file name of k.
func FileName(k Key, m Meta) string {
	return fmt.Sprintf("composite_%s_%s_%s_%s_%s_%d-%d.nc",
		k.Var, k.Hemisphere, k.Season, k.LandSea, k.Mode, m.FirstYear, m.LastYear)
}

// Output lays out the accumulator of k for writing.
func (s *Set) Output(k Key, m Meta) (Output, error) {
	acc := s.accs[k]
	if acc == nil {
		return Output{}, fmt.Errorf("no composite %s", k)
	}
	b := acc.Bins
	n0, n1 := b.Shape()
	mean := acc.Mean()
	out := Output{
		Dims:       b.Dims(),
		Coords:     b.Coords(),
		Units:      b.Units(),
		ValueUnits: s.Units[k.Var],
		Sum:        make([][]float64, n0),
		Count:      make([][]int32, n0),
		Mean:       make([][]float64, n0),
	}
	for i := range n0 {
		out.Sum[i] = acc.Sum[i*n1 : (i+1)*n1]
		out.Mean[i] = mean[i*n1 : (i+1)*n1]
		out.Count[i] = make([]int32, n1)
		for j := range n1 {
			c := acc.Count[i*n1+j]
			if c > math.MaxInt32 {
				return Output{}, fmt.Errorf("composite %s: bin (%d, %d) count %d overflows int32", k, i, j, c)
			}
			out.Count[i][j] = int32(c)
		}
	}
	if acc.Points > math.MaxInt32 {
		return Output{}, fmt.Errorf("composite %s: %d track points overflow int32", k, acc.Points)
	}
	out.Attrs = []Attr{
		{Key: "model", Value: m.Model},
		{Key: "first_year", Value: int32(m.FirstYear)},
		{Key: "last_year", Value: int32(m.LastYear)},
		{Key: "variable", Value: k.Var},
		{Key: "hemisphere", Value: string(k.Hemisphere)},
		{Key: "season", Value: string(k.Season)},
		{Key: "landsea", Value: string(k.LandSea)},
		{Key: "mode", Value: string(k.Mode)},
		{Key: "dist_div_km", Value: b.DistDiv / 1000},
		{Key: "dist_max_km", Value: b.DistMax / 1000},
		{Key: "track_points", Value: int32(acc.Points)},
	}
	if b.Mode == Circular {
		out.Attrs = append(out.Attrs, Attr{Key: "ang_div_deg", Value: b.AngDiv})
	}
	return out, nil
}

// WriteAll writes every composite of s into dir and returns the paths.
func WriteAll(w Writer, dir string, s *Set, m Meta) ([]string, error) {
	var paths []string
	for _, k := range s.Keys() {
		out, err := s.Output(k, m)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, FileName(k, m))
		if err := w.WriteComposite(path, out); err != nil {
			return paths, fmt.Errorf("write %s: %w", k, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
