package field_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeOpener struct {
	files map[string]*fakeDataset
}

func (o *fakeOpener) Open(path string) (field.Dataset, error) {
	ds, ok := o.files[path]
	if !ok {
		return nil, fmt.Errorf("no fake for %s", path)
	}
	return ds, nil
}

// add registers ds under dir/name and touches the file so os.Stat sees it.
func (o *fakeOpener) add(t *testing.T, dir, name string, ds *fakeDataset) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	if o.files == nil {
		o.files = make(map[string]*fakeDataset)
	}
	o.files[path] = ds
}

type fakeDataset struct {
	coords  map[string]field.Coord
	statics map[string]field.Frame
	frames  map[string]*fakeFrames
}

func (d *fakeDataset) Coord(name string) (field.Coord, error) {
	c, ok := d.coords[name]
	if !ok {
		return field.Coord{}, fmt.Errorf("%s: %w", name, field.ErrNoVariable)
	}
	return c, nil
}

func (d *fakeDataset) Static(name string) (field.Frame, error) {
	f, ok := d.statics[name]
	if !ok {
		return field.Frame{}, fmt.Errorf("%s: %w", name, field.ErrNoVariable)
	}
	return field.Frame{Values: append([]float64(nil), f.Values...), Units: f.Units}, nil
}

func (d *fakeDataset) Frames(name string) (field.FrameReader, error) {
	f, ok := d.frames[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, field.ErrNoVariable)
	}
	return f, nil
}

func (d *fakeDataset) Close() error { return nil }

type fakeFrames struct {
	units string
	steps [][]float64

	mu    sync.Mutex
	reads []int
}

func (f *fakeFrames) Len() int      { return len(f.steps) }
func (f *fakeFrames) Units() string { return f.units }

func (f *fakeFrames) Read(t int, dst []float64) error {
	f.mu.Lock()
	f.reads = append(f.reads, t)
	f.mu.Unlock()
	copy(dst, f.steps[t])
	return nil
}

// smallDataset builds a 5x4 global grid (lats -60..60 by 30, lons 0..270 by
// 90) with one frame per time offset, each filled with base+step.
func smallDataset(units string, timeUnits string, times []float64, base float64) *fakeDataset {
	steps := make([][]float64, len(times))
	for t := range times {
		steps[t] = make([]float64, 20)
		for k := range steps[t] {
			steps[t][k] = base + float64(t)
		}
	}
	return &fakeDataset{
		coords: map[string]field.Coord{
			"lat":  {Values: []float64{-60, -30, 0, 30, 60}},
			"lon":  {Values: []float64{0, 90, 180, 270}},
			"time": {Values: times, Units: timeUnits, Calendar: "standard"},
		},
		frames: map[string]*fakeFrames{"slp": {units: units, steps: steps}},
	}
}
