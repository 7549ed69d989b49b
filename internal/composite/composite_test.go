package composite_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/couchcryptid/etc-composites/internal/composite"
	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/grid"
	"github.com/couchcryptid/etc-composites/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type fakeField struct {
	g      *grid.Grid
	value  func(lat, lon float64) float64
	times  map[domain.JD]bool
	closed bool
}

func (f *fakeField) Grid() *grid.Grid { return f.g }
func (f *fakeField) Units() string    { return "kg m-2" }
func (f *fakeField) Close() error     { f.closed = true; return nil }

func (f *fakeField) Snapshot(jd domain.JD) ([]float64, error) {
	if !f.times[jd] {
		return nil, fmt.Errorf("jd %d: %w", jd, domain.ErrTimeMismatch)
	}
	out := make([]float64, f.g.Size())
	for k := range out {
		lat, lon := f.g.LatLon(k)
		out[k] = f.value(lat, lon)
	}
	return out, nil
}

type fakeOpener struct {
	fields map[string]*fakeField // keyed by "var/year"
	opened int
}

func (o *fakeOpener) Open(variable string, year int) (composite.YearField, error) {
	f, ok := o.fields[fmt.Sprintf("%s/%d", variable, year)]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", variable, year, domain.ErrFieldMissing)
	}
	o.opened++
	return f, nil
}

type recordingWriter struct {
	paths []string
	outs  []composite.Output
}

func (w *recordingWriter) WriteComposite(path string, out composite.Output) error {
	w.paths = append(w.paths, path)
	w.outs = append(w.outs, out)
	return nil
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var halfDegree = func() *grid.Grid {
	lats := make([]float64, 361)
	for j := range lats {
		lats[j] = -90 + 0.5*float64(j)
	}
	lons := make([]float64, 720)
	for i := range lons {
		lons[i] = 0.5 * float64(i)
	}
	g, err := grid.New(lats, lons)
	if err != nil {
		panic(err)
	}
	return g
}()

func ones(_, _ float64) float64 { return 1 }

func jd(hour int) domain.JD { return domain.NewJD(722815, hour) }

func point(n int64, hour, month int, lat, lon float64) domain.Centre {
	return domain.Centre{
		Year: 1980, Month: month, Day: 1, Hour: hour,
		JD:       jd(hour),
		LatCent:  domain.DegToCent(lat),
		LonCent:  domain.LonToCent(lon),
		TrackID:  domain.TrackID(1980, 1),
		CentreID: domain.CentreID(1980, n),
	}
}

func bins(t *testing.T) (composite.Bins, composite.Bins) {
	t.Helper()
	circ, err := composite.NewCircular(100e3, 20, 1500e3)
	require.NoError(t, err)
	rect, err := composite.NewRectangular(100e3, 1500e3)
	require.NoError(t, err)
	return circ, rect
}

func config(t *testing.T) composite.Config {
	circ, rect := bins(t)
	return composite.Config{
		Variables:     []string{"prw"},
		Hemispheres:   []domain.Hemisphere{domain.NH, domain.SH},
		Seasons:       []domain.Season{domain.SeasonAll, domain.SeasonDJF, domain.SeasonJJA},
		LandSea:       []domain.LandSea{domain.LandSeaAll, domain.Land, domain.Ocean},
		WarmMonths:    []int{5, 6, 7, 8, 9},
		Circular:      circ,
		Rectangular:   rect,
		LandThreshold: 0.5,
		CacheSize:     8,
	}
}

func seaInvariants(g *grid.Grid) *field.Invariants {
	return &field.Invariants{
		Elevation:    make([]float64, g.Size()),
		LandFraction: make([]float64, g.Size()),
	}
}

func opener(value func(lat, lon float64) float64, hours ...int) *fakeOpener {
	times := make(map[domain.JD]bool)
	for _, h := range hours {
		times[jd(h)] = true
	}
	return &fakeOpener{fields: map[string]*fakeField{
		"prw/1980": {g: halfDegree, value: value, times: times},
	}}
}

func key(hem domain.Hemisphere, season domain.Season, ls domain.LandSea, mode composite.Mode) composite.Key {
	return composite.Key{Var: "prw", Hemisphere: hem, Season: season, LandSea: ls, Mode: mode}
}

func total(a *composite.Accumulator) int64 {
	var n int64
	for _, c := range a.Count {
		n += c
	}
	return n
}

// bruteCount counts gridpoints whose offset from the centre falls in any bin.
func bruteCount(g *grid.Grid, b composite.Bins, lat0, lon0 float64) int64 {
	var n int64
	for k := range g.Size() {
		lat, lon := g.LatLon(k)
		d := grid.GCD(lat0, lon0, lat, lon)
		if _, ok := b.Bin(d, grid.Bearing(lat0, lon0, lat, lon)); ok {
			n++
		}
	}
	return n
}

// --- tests ---

func TestBins(t *testing.T) {
	circ, rect := bins(t)

	n0, n1 := circ.Shape()
	assert.Equal(t, 18, n0)
	assert.Equal(t, 15, n1)
	assert.Equal(t, 270, circ.Len())
	assert.Equal(t, 900, rect.Len())

	idx, ok := circ.Bin(150e3, 45*math.Pi/180)
	require.True(t, ok)
	assert.Equal(t, 2*15+1, idx)

	_, ok = circ.Bin(1500e3, 0)
	assert.False(t, ok, "dist_max is exclusive")

	idx, ok = rect.Bin(0, 0)
	require.True(t, ok)
	assert.Equal(t, 15*30+15, idx)

	// Due west 250 km lands two cells left of the centre column.
	idx, ok = rect.Bin(250e3, 1.5*math.Pi)
	require.True(t, ok)
	assert.Equal(t, 12*30+15, idx)

	_, ok = rect.Bin(1600e3, 0)
	assert.False(t, ok)

	coords := circ.Coords()
	assert.Equal(t, 10.0, coords[0][0])
	assert.Equal(t, 50.0, coords[1][0])
	assert.Equal(t, 1450.0, coords[1][14])
	coords = rect.Coords()
	assert.Equal(t, -1450.0, coords[0][0])
	assert.Equal(t, 1450.0, coords[1][29])

	assert.Equal(t, [2]string{"angle", "radius"}, circ.Dims())
	assert.Equal(t, [2]string{"x", "y"}, rect.Dims())
}

func TestBins_Invalid(t *testing.T) {
	_, err := composite.NewCircular(0, 20, 1500e3)
	assert.Error(t, err)
	_, err = composite.NewCircular(100e3, 25, 1500e3)
	assert.Error(t, err, "360 must be a multiple of ang_div")
	_, err = composite.NewCircular(100e3, 20, 1550e3)
	assert.Error(t, err)
	_, err = composite.NewRectangular(100e3, 1550e3)
	assert.Error(t, err)
}

func TestAccumulator(t *testing.T) {
	circ, rect := bins(t)
	a := composite.NewAccumulator(circ)
	a.Add(0, 2)
	a.Add(0, math.NaN())
	a.Add(0, 4)

	mean := a.Mean()
	assert.Equal(t, 3.0, mean[0])
	assert.Equal(t, int64(2), a.Count[0])
	assert.True(t, math.IsNaN(mean[1]), "empty bins are masked")

	b := composite.NewAccumulator(circ)
	b.Add(0, 6)
	b.Points = 1
	require.NoError(t, a.Merge(b))
	assert.Equal(t, 12.0, a.Sum[0])
	assert.Equal(t, int64(3), a.Count[0])
	assert.Equal(t, 1, a.Points)

	require.Error(t, a.Merge(composite.NewAccumulator(rect)))
}

func TestCompositor_UnitField(t *testing.T) {
	g := halfDegree
	cfg := config(t)
	op := opener(ones, 0)
	c := composite.New(cfg, g, seaInvariants(g), op, discardLogger(), nil)

	set, err := c.Year(context.Background(), 1980, []domain.Centre{point(1, 0, 1, 0.5, 0)})
	require.NoError(t, err)

	circ := set.Get(key(domain.NH, domain.SeasonAll, domain.LandSeaAll, composite.Circular))
	require.NotNil(t, circ)
	assert.Equal(t, 1, circ.Points)
	for i, m := range circ.Mean() {
		if circ.Count[i] > 0 {
			assert.Equal(t, 1.0, m, "bin %d", i)
		}
	}
	assert.Equal(t, bruteCount(g, cfg.Circular, 0.5, 0), total(circ), "every gridpoint in range is binned")

	// Counts follow bin area once rings hold enough cells.
	_, nr := cfg.Circular.Shape()
	cell := g.CellArea(181)
	for r := 7; r < nr; r++ {
		var count int64
		var area float64
		for a := range 18 {
			count += circ.Count[a*nr+r]
			area += cfg.Circular.Area(a*nr + r)
		}
		assert.InEpsilon(t, area/cell, float64(count), 0.15, "ring %d", r)
	}

	rect := set.Get(key(domain.NH, domain.SeasonAll, domain.LandSeaAll, composite.Rectangular))
	assert.Equal(t, bruteCount(g, cfg.Rectangular, 0.5, 0), total(rect))

	// Other selections: DJF matches January, JJA and SH do not.
	assert.Equal(t, total(circ), total(set.Get(key(domain.NH, domain.SeasonDJF, domain.Ocean, composite.Circular))))
	assert.Zero(t, total(set.Get(key(domain.NH, domain.SeasonJJA, domain.LandSeaAll, composite.Circular))))
	assert.Zero(t, total(set.Get(key(domain.SH, domain.SeasonAll, domain.LandSeaAll, composite.Circular))))
	assert.Zero(t, total(set.Get(key(domain.NH, domain.SeasonAll, domain.Land, composite.Circular))))
	assert.True(t, op.fields["prw/1980"].closed)
}

func TestCompositor_UnitFieldAtOrigin(t *testing.T) {
	g := halfDegree
	cfg := config(t)
	c := composite.New(cfg, g, seaInvariants(g), opener(ones, 0), discardLogger(), nil)

	set, err := c.Year(context.Background(), 1980, []domain.Centre{point(1, 0, 1, 0, 0)})
	require.NoError(t, err)

	circ := set.Get(key(domain.NH, domain.SeasonAll, domain.LandSeaAll, composite.Circular))
	require.NotNil(t, circ)
	assert.Equal(t, 1, circ.Points, "the equator is northern")
	assert.Equal(t, bruteCount(g, cfg.Circular, 0, 0), total(circ))
	assert.Zero(t, total(set.Get(key(domain.SH, domain.SeasonAll, domain.LandSeaAll, composite.Circular))))

	// Lattice counts scatter around the area ratio by up to a few cells in
	// the sectors aligned with grid rows and columns.
	cell := g.CellArea(180)
	mean := circ.Mean()
	for i, n := range circ.Count {
		ratio := cfg.Circular.Area(i) / cell
		assert.LessOrEqual(t, math.Abs(float64(n)-ratio), 1+2*math.Sqrt(ratio), "bin %d", i)
		if n > 0 {
			assert.Equal(t, 1.0, mean[i], "bin %d", i)
		} else {
			assert.True(t, math.IsNaN(mean[i]), "bin %d", i)
		}
	}
}

func TestCompositor_SeamAndHighLatitude(t *testing.T) {
	g := halfDegree
	cfg := config(t)
	for _, pos := range [][2]float64{{10, 359.5}, {75, 10}, {-80, 180}} {
		t.Run(fmt.Sprintf("%v", pos), func(t *testing.T) {
			c := composite.New(cfg, g, seaInvariants(g), opener(ones, 0), discardLogger(), nil)
			set, err := c.Year(context.Background(), 1980, []domain.Centre{point(1, 0, 1, pos[0], pos[1])})
			require.NoError(t, err)
			hem := domain.NH
			if pos[0] < 0 {
				hem = domain.SH
			}
			circ := set.Get(key(hem, domain.SeasonAll, domain.LandSeaAll, composite.Circular))
			rect := set.Get(key(hem, domain.SeasonAll, domain.LandSeaAll, composite.Rectangular))
			assert.Equal(t, bruteCount(g, cfg.Circular, pos[0], pos[1]), total(circ))
			assert.Equal(t, bruteCount(g, cfg.Rectangular, pos[0], pos[1]), total(rect))
		})
	}
}

func TestCompositor_NaNSkipped(t *testing.T) {
	g := halfDegree
	cfg := config(t)
	holes := func(lat, lon float64) float64 {
		if lat == 1 && lon == 1 {
			return math.NaN()
		}
		return 1
	}
	c := composite.New(cfg, g, seaInvariants(g), opener(holes, 0), discardLogger(), nil)
	set, err := c.Year(context.Background(), 1980, []domain.Centre{point(1, 0, 1, 0.5, 0)})
	require.NoError(t, err)

	circ := set.Get(key(domain.NH, domain.SeasonAll, domain.LandSeaAll, composite.Circular))
	assert.Equal(t, bruteCount(g, cfg.Circular, 0.5, 0)-1, total(circ))
	for i, m := range circ.Mean() {
		if circ.Count[i] > 0 {
			assert.Equal(t, 1.0, m, "bin %d", i)
		}
	}
}

func TestCompositor_LandClassification(t *testing.T) {
	g := halfDegree
	inv := seaInvariants(g)
	k, _, _ := g.Locate(20, 45)
	inv.LandFraction[k] = 0.7

	c := composite.New(config(t), g, inv, opener(ones, 0), discardLogger(), nil)
	set, err := c.Year(context.Background(), 1980, []domain.Centre{point(1, 0, 1, 45, 20)})
	require.NoError(t, err)
	assert.NotZero(t, total(set.Get(key(domain.NH, domain.SeasonAll, domain.Land, composite.Circular))))
	assert.Zero(t, total(set.Get(key(domain.NH, domain.SeasonAll, domain.Ocean, composite.Circular))))
}

func TestCompositor_Failures(t *testing.T) {
	g := halfDegree
	cfg := config(t)

	t.Run("missing field skips variable", func(t *testing.T) {
		op := &fakeOpener{}
		c := composite.New(cfg, g, seaInvariants(g), op, discardLogger(), nil)
		set, err := c.Year(context.Background(), 1980, []domain.Centre{point(1, 0, 1, 45, 20)})
		require.NoError(t, err)
		assert.Equal(t, []string{"prw"}, set.Skipped[1980])
		assert.Zero(t, total(set.Get(key(domain.NH, domain.SeasonAll, domain.LandSeaAll, composite.Circular))))
	})

	t.Run("time mismatch is fatal", func(t *testing.T) {
		c := composite.New(cfg, g, seaInvariants(g), opener(ones, 0), discardLogger(), nil)
		_, err := c.Year(context.Background(), 1980, []domain.Centre{point(1, 6, 1, 45, 20)})
		require.ErrorIs(t, err, domain.ErrTimeMismatch)
		assert.True(t, domain.Fatal(err))
	})

	t.Run("other years and sentinels ignored", func(t *testing.T) {
		c := composite.New(cfg, g, seaInvariants(g), opener(ones), discardLogger(), nil)
		other := point(1, 0, 1, 45, 20)
		other.Year = 1981
		sentinel := point(2, 0, 1, 45, 20)
		sentinel.Flags = domain.FlagTrackStart
		_, err := c.Year(context.Background(), 1980, []domain.Centre{other, sentinel})
		require.NoError(t, err)
	})
}

func TestCompositor_SnapshotCache(t *testing.T) {
	g := halfDegree
	metrics := observability.NewMetricsForTesting()
	c := composite.New(config(t), g, seaInvariants(g), opener(ones, 0, 6), discardLogger(), metrics)

	pts := []domain.Centre{
		point(1, 0, 1, 45, 20),
		point(2, 0, 1, -45, 200),
		point(3, 6, 1, 46, 22),
	}
	_, err := c.Year(context.Background(), 1980, pts)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SnapshotCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotCache.WithLabelValues("hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.CompositePoints.WithLabelValues("prw")))
}

func TestSet_MergeIsLinear(t *testing.T) {
	g := halfDegree
	cfg := config(t)
	wavy := func(lat, lon float64) float64 { return math.Sin(lat/7) + lon/360 }

	a := []domain.Centre{point(1, 0, 1, 45, 20), point(2, 6, 1, -30, 100)}
	b := []domain.Centre{point(3, 0, 1, 50, 25), point(4, 6, 7, 10, 359)}

	run := func(pts []domain.Centre) *composite.Set {
		c := composite.New(cfg, g, seaInvariants(g), opener(wavy, 0, 6), discardLogger(), nil)
		set, err := c.Year(context.Background(), 1980, pts)
		require.NoError(t, err)
		return set
	}

	merged := composite.NewSet(cfg)
	require.NoError(t, merged.Merge(run(a)))
	require.NoError(t, merged.Merge(run(b)))
	whole := run(append(append([]domain.Centre(nil), a...), b...))

	for _, k := range whole.Keys() {
		want, got := whole.Get(k), merged.Get(k)
		assert.Equal(t, want.Count, got.Count, k.String())
		assert.Equal(t, want.Points, got.Points, k.String())
		for i := range want.Sum {
			assert.InDelta(t, want.Sum[i], got.Sum[i], 1e-9, "%s bin %d", k, i)
		}
	}

	// Identical inputs give bitwise identical sums.
	again := composite.NewSet(cfg)
	require.NoError(t, again.Merge(run(a)))
	require.NoError(t, again.Merge(run(b)))
	for _, k := range merged.Keys() {
		assert.Equal(t, merged.Get(k).Sum, again.Get(k).Sum, k.String())
	}
}

func TestWriteAll(t *testing.T) {
	cfg := config(t)
	cfg.Hemispheres = []domain.Hemisphere{domain.NH}
	cfg.Seasons = []domain.Season{domain.SeasonAll}
	cfg.LandSea = []domain.LandSea{domain.LandSeaAll}
	set := composite.NewSet(cfg)
	set.Units["prw"] = "kg m-2"

	k := key(domain.NH, domain.SeasonAll, domain.LandSeaAll, composite.Circular)
	set.Get(k).Add(31, 5)

	w := &recordingWriter{}
	meta := composite.Meta{Model: "erai", FirstYear: 1980, LastYear: 1982}
	paths, err := composite.WriteAll(w, "/out", set, meta)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("/out", "composite_prw_NH_all_all_area_1980-1982.nc"),
		filepath.Join("/out", "composite_prw_NH_all_all_circ_1980-1982.nc"),
	}, paths)

	out := w.outs[1]
	assert.Equal(t, [2]string{"angle", "radius"}, out.Dims)
	require.Len(t, out.Sum, 18)
	require.Len(t, out.Sum[0], 15)
	assert.Equal(t, 5.0, out.Sum[2][1])
	assert.Equal(t, int32(1), out.Count[2][1])
	assert.Equal(t, 5.0, out.Mean[2][1])
	assert.True(t, math.IsNaN(out.Mean[0][0]))
	assert.Equal(t, "kg m-2", out.ValueUnits)
	assert.Contains(t, out.Attrs, composite.Attr{Key: "season", Value: "all"})
	assert.Contains(t, out.Attrs, composite.Attr{Key: "model", Value: "erai"})
}

func TestOutput_CountOverflow(t *testing.T) {
	cfg := config(t)
	set := composite.NewSet(cfg)
	k := key(domain.NH, domain.SeasonAll, domain.LandSeaAll, composite.Circular)
	meta := composite.Meta{Model: "erai", FirstYear: 1980, LastYear: 1980}

	set.Get(k).Count[4] = math.MaxInt32
	out, err := set.Output(k, meta)
	require.NoError(t, err)
	assert.Equal(t, int32(math.MaxInt32), out.Count[0][4])

	set.Get(k).Count[4] = math.MaxInt32 + 1
	_, err = set.Output(k, meta)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflows int32")
}
