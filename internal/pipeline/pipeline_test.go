package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/etc-composites/internal/composite"
	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/grid"
	"github.com/couchcryptid/etc-composites/internal/observability"
	"github.com/couchcryptid/etc-composites/internal/pipeline"
	"github.com/couchcryptid/etc-composites/internal/store"
	"github.com/couchcryptid/etc-composites/internal/tracks"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type fakeSource struct {
	years map[int][]field.Snapshot
	errs  map[int]error
	reads atomic.Int64
}

func (s *fakeSource) Timeline(year int) (field.Timeline, error) {
	if err, ok := s.errs[year]; ok {
		return nil, err
	}
	snaps, ok := s.years[year]
	if !ok {
		return nil, fmt.Errorf("year %d: %w", year, domain.ErrMissingYear)
	}
	tl := make(field.Timeline, len(snaps))
	for i, snap := range snaps {
		tl[i] = snap.JD
	}
	return tl, nil
}

func (s *fakeSource) YearFrom(ctx context.Context, year int, from domain.JD, fn func(field.Snapshot) error) error {
	for _, snap := range s.years[year] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if snap.JD < from {
			continue
		}
		s.reads.Add(1)
		if err := fn(snap); err != nil {
			return err
		}
	}
	return nil
}

type onesField struct{ g *grid.Grid }

func (f onesField) Grid() *grid.Grid { return f.g }
func (f onesField) Units() string    { return "kg m-2" }
func (f onesField) Close() error     { return nil }

func (f onesField) Snapshot(domain.JD) ([]float64, error) {
	v := make([]float64, f.g.Size())
	for k := range v {
		v[k] = 1
	}
	return v, nil
}

type recordingWriter struct {
	outputs map[string]composite.Output
}

func (w *recordingWriter) WriteComposite(path string, out composite.Output) error {
	if w.outputs == nil {
		w.outputs = make(map[string]composite.Output)
	}
	w.outputs[filepath.Base(path)] = out
	return nil
}

type recordingSinks struct {
	mu        sync.Mutex
	runIDs    []string
	entries   map[int][]store.IndexEntry
	published map[int][]domain.Track
}

func (r *recordingSinks) RecordYear(_ context.Context, runID string, year int, entries []store.IndexEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[int][]store.IndexEntry)
	}
	r.runIDs = append(r.runIDs, runID)
	r.entries[year] = entries
	return nil
}

func (r *recordingSinks) PublishTracks(_ context.Context, runID string, year int, ts []domain.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.published == nil {
		r.published = make(map[int][]domain.Track)
	}
	r.runIDs = append(r.runIDs, runID)
	r.published[year] = ts
	return nil
}

type recordingSummary struct {
	path   string
	report *pipeline.Report
}

func (s *recordingSummary) WriteSummary(path string, r *pipeline.Report) error {
	s.path, s.report = path, r
	return nil
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func oneDegreeGrid(t *testing.T) *grid.Grid {
	t.Helper()
	lats := make([]float64, 181)
	for j := range lats {
		lats[j] = float64(j - 90)
	}
	lons := make([]float64, 360)
	for i := range lons {
		lons[i] = float64(i)
	}
	g, err := grid.New(lats, lons)
	require.NoError(t, err)
	return g
}

func dimple(g *grid.Grid, lat0, lon0 float64) []float64 {
	slp := make([]float64, g.Size())
	for k := range slp {
		lat, lon := g.LatLon(k)
		d := grid.GCD(lat0, lon0, lat, lon)
		slp[k] = 1010 - 20*math.Exp(-d*d/(2*500e3*500e3))
	}
	return slp
}

// movingLow returns n six-hourly snapshots of one low at 45N drifting 3
// degrees east per step, starting on 1 January of year.
func movingLow(t *testing.T, g *grid.Grid, year, n int) []field.Snapshot {
	t.Helper()
	cal, err := domain.ParseCalendar("standard")
	require.NoError(t, err)
	snaps := make([]field.Snapshot, n)
	for i := range snaps {
		h := 6 * i
		stamp := domain.Stamp{Year: year, Month: 1, Day: 1 + h/24, Hour: h % 24}
		snaps[i] = field.Snapshot{Stamp: stamp, JD: stamp.JD(cal), SLP: dimple(g, 45, 180+3*float64(i))}
	}
	return snaps
}

func testConfig(t *testing.T, first, last int) *config.Config {
	t.Helper()
	defaults := tracks.DefaultConfig()
	cfg := &config.Config{
		Model:             "test",
		FirstYear:         first,
		LastYear:          last,
		Workspace:         t.TempDir(),
		CadenceHrs:        6,
		ThreshHgt:         1000,
		ThreshLSM:         0.5,
		LapCutoff:         0.05,
		ContourInterval:   2,
		DuplicateRadiusKm: 1000,
		MinCentres:        0,
		MaxCentres:        200,
		MaxCentresChange:  60,
		SearchBands:       defaults.Bands,
		WeightDistance:    defaults.WeightDistance,
		WeightPersistence: defaults.WeightPersistence,
		WeightSLP:         defaults.WeightSLP,
		WeightLaplacian:   defaults.WeightLaplacian,
		SLPScale:          defaults.SLPScale,
		LapScale:          defaults.LapScale,
		BridgeFactor:      1.5,
		MinTrackSteps:     6,
		CompositeVars:     []string{"prw"},
		Hemispheres:       []domain.Hemisphere{domain.NH},
		Seasons:           []domain.Season{domain.SeasonAll},
		LandSea:           []domain.LandSea{domain.LandSeaAll},
		CircDistDiv:       100,
		CircAngDiv:        90,
		CircDistMax:       500,
		AreaDistDiv:       100,
		AreaDistMax:       500,
		SnapshotCacheSize: 4,
		NumCores:          1,
		SummaryWorkbook:   true,
	}
	require.NoError(t, pipeline.PrepareWorkspace(cfg))
	return cfg
}

func inputs(g *grid.Grid, src pipeline.SnapshotSource, w *recordingWriter, sinks *recordingSinks) pipeline.Inputs {
	in := pipeline.Inputs{
		Grid: g,
		Invariants: &field.Invariants{
			Elevation:    make([]float64, g.Size()),
			LandFraction: make([]float64, g.Size()),
		},
		SLP: src,
		Fields: composite.OpenerFunc(func(string, int) (composite.YearField, error) {
			return onesField{g: g}, nil
		}),
		Composites: w,
	}
	if sinks != nil {
		in.Tracks = sinks
		in.Catalog = sinks
	}
	return in
}

func attr(out composite.Output, key string) any {
	for _, a := range out.Attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return nil
}

func freezeClock(t *testing.T) time.Time {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	return now
}

// --- tests ---

func TestRunner_HappyPath(t *testing.T) {
	now := freezeClock(t)
	g := oneDegreeGrid(t)
	cfg := testConfig(t, 1980, 1980)
	src := &fakeSource{years: map[int][]field.Snapshot{1980: movingLow(t, g, 1980, 8)}}
	w := &recordingWriter{}
	sinks := &recordingSinks{}
	summary := &recordingSummary{}
	metrics := observability.NewMetricsForTesting()

	r := pipeline.NewRunner(cfg, discardLogger(), metrics)
	require.Error(t, r.CheckReadiness(t.Context()))

	in := inputs(g, src, w, sinks)
	in.Summary = summary
	rep, err := r.Run(t.Context(), in)
	require.NoError(t, err)

	require.Len(t, rep.Years, 1)
	y := rep.Years[0]
	assert.Equal(t, pipeline.StatusOK, y.Status)
	assert.Equal(t, 8, y.Snapshots)
	assert.Equal(t, 8, y.Centres)
	assert.Equal(t, 1, y.Kept)
	assert.Zero(t, y.Discarded)
	assert.Equal(t, 8, y.LatBands[pipeline.LatBand(45)])
	assert.Equal(t, 0, rep.ExitCode())
	assert.Equal(t, now, rep.Started)
	assert.Equal(t, now, rep.Finished)
	assert.Equal(t, r.RunID(), rep.RunID)
	assert.Equal(t, pipeline.Progress{RunID: r.RunID(), Years: 1, Done: 1}, r.Progress())

	ts, err := store.ReadTracksFile(pipeline.StorePaths(cfg.FilesDir(), "test", 1980).Tracks, discardLogger())
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, domain.TrackID(1980, 1), ts[0].ID)
	assert.Equal(t, 8, ts[0].Len())
	require.NoError(t, tracks.DefaultConfig().Check(ts[0]))

	require.Len(t, w.outputs, 2)
	out, ok := w.outputs["composite_prw_NH_all_all_circ_1980-1980.nc"]
	require.True(t, ok)
	assert.Equal(t, int32(8), attr(out, "track_points"))
	assert.Equal(t, "kg m-2", out.ValueUnits)
	assert.Len(t, rep.Composites, 2)

	require.Len(t, sinks.entries[1980], 1)
	require.Len(t, sinks.published[1980], 1)
	for _, id := range sinks.runIDs {
		assert.Equal(t, r.RunID(), id)
	}

	assert.Equal(t, filepath.Join(cfg.OutDir(), "test_summary.xlsx"), summary.path)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Years.WithLabelValues("ok")))
	assert.Equal(t, 8.0, testutil.ToFloat64(metrics.CentresFound))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PipelineRunning))
	require.Error(t, r.CheckReadiness(t.Context()), "not ready after the run")
}

func TestRunner_ResumeAfterCrash(t *testing.T) {
	g := oneDegreeGrid(t)
	cfg := testConfig(t, 1980, 1980)
	snaps := movingLow(t, g, 1980, 8)
	paths := pipeline.StorePaths(cfg.FilesDir(), "test", 1980)

	first := &fakeSource{years: map[int][]field.Snapshot{1980: snaps}}
	_, err := pipeline.NewRunner(cfg, discardLogger(), observability.NewMetricsForTesting()).
		Run(t.Context(), inputs(g, first, &recordingWriter{}, nil))
	require.NoError(t, err)
	wantCentres, err := os.ReadFile(paths.Centres)
	require.NoError(t, err)
	wantTracks, err := os.ReadFile(paths.Tracks)
	require.NoError(t, err)

	// Keep six records and a torn seventh, as a killed run would.
	lines := strings.SplitAfter(string(wantCentres), "\n")
	torn := strings.Join(lines[:6], "") + lines[6][:20]
	require.NoError(t, os.WriteFile(paths.Centres, []byte(torn), 0o644))

	second := &fakeSource{years: map[int][]field.Snapshot{1980: snaps}}
	rep, err := pipeline.NewRunner(cfg, discardLogger(), observability.NewMetricsForTesting()).
		Run(t.Context(), inputs(g, second, &recordingWriter{}, nil))
	require.NoError(t, err)

	assert.True(t, rep.Years[0].Resumed)
	assert.Equal(t, int64(3), second.reads.Load(), "steps 6 to 8 are rescanned")

	gotCentres, err := os.ReadFile(paths.Centres)
	require.NoError(t, err)
	gotTracks, err := os.ReadFile(paths.Tracks)
	require.NoError(t, err)
	assert.Equal(t, string(wantCentres), string(gotCentres))
	assert.Equal(t, string(wantTracks), string(gotTracks))
}

func TestRunner_Deterministic(t *testing.T) {
	g := oneDegreeGrid(t)
	run := func() (string, composite.Output) {
		cfg := testConfig(t, 1980, 1981)
		cfg.NumCores = 2
		src := &fakeSource{years: map[int][]field.Snapshot{
			1980: movingLow(t, g, 1980, 8),
			1981: movingLow(t, g, 1981, 7),
		}}
		w := &recordingWriter{}
		_, err := pipeline.NewRunner(cfg, discardLogger(), observability.NewMetricsForTesting()).
			Run(t.Context(), inputs(g, src, w, nil))
		require.NoError(t, err)
		raw, err := os.ReadFile(pipeline.StorePaths(cfg.FilesDir(), "test", 1981).Tracks)
		require.NoError(t, err)
		return string(raw), w.outputs["composite_prw_NH_all_all_area_1980-1981.nc"]
	}

	tracksA, outA := run()
	tracksB, outB := run()
	assert.Equal(t, tracksA, tracksB)
	assert.Equal(t, outA.Sum, outB.Sum)
	assert.Equal(t, int32(15), attr(outA, "track_points"))
}

func TestRunner_MissingYearSkipped(t *testing.T) {
	g := oneDegreeGrid(t)
	cfg := testConfig(t, 1980, 1981)
	src := &fakeSource{years: map[int][]field.Snapshot{1980: movingLow(t, g, 1980, 8)}}
	metrics := observability.NewMetricsForTesting()

	rep, err := pipeline.NewRunner(cfg, discardLogger(), metrics).
		Run(t.Context(), inputs(g, src, &recordingWriter{}, nil))
	require.NoError(t, err)

	require.Len(t, rep.Years, 2)
	assert.Equal(t, pipeline.StatusOK, rep.Years[0].Status)
	assert.Equal(t, pipeline.StatusSkipped, rep.Years[1].Status)
	assert.Equal(t, "missing_year", rep.Years[1].Kind)
	assert.Equal(t, 0, rep.ExitCode())
	assert.Equal(t, map[pipeline.Status]int{pipeline.StatusOK: 1, pipeline.StatusSkipped: 1}, rep.Counts())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Years.WithLabelValues("skipped")))
}

func TestRunner_FailedYear(t *testing.T) {
	g := oneDegreeGrid(t)
	disorder := fmt.Errorf("time axis: %w", domain.ErrTimeDisorder)

	t.Run("continues by default", func(t *testing.T) {
		cfg := testConfig(t, 1980, 1981)
		src := &fakeSource{
			years: map[int][]field.Snapshot{1981: movingLow(t, g, 1981, 8)},
			errs:  map[int]error{1980: disorder},
		}
		w := &recordingWriter{}
		rep, err := pipeline.NewRunner(cfg, discardLogger(), observability.NewMetricsForTesting()).
			Run(t.Context(), inputs(g, src, w, nil))
		require.NoError(t, err)

		require.Len(t, rep.Years, 2)
		assert.Equal(t, pipeline.StatusFailed, rep.Years[0].Status)
		assert.Equal(t, "time_disorder", rep.Years[0].Kind)
		assert.Equal(t, pipeline.StatusOK, rep.Years[1].Status)
		assert.Equal(t, 2, rep.ExitCode())
		assert.Equal(t, int32(8), attr(w.outputs["composite_prw_NH_all_all_circ_1980-1981.nc"], "track_points"))
	})

	t.Run("strict single core aborts", func(t *testing.T) {
		cfg := testConfig(t, 1980, 1982)
		cfg.Strict = true
		src := &fakeSource{
			years: map[int][]field.Snapshot{1981: movingLow(t, g, 1981, 8)},
			errs:  map[int]error{1980: disorder},
		}
		w := &recordingWriter{}
		rep, err := pipeline.NewRunner(cfg, discardLogger(), observability.NewMetricsForTesting()).
			Run(t.Context(), inputs(g, src, w, nil))
		require.ErrorIs(t, err, domain.ErrTimeDisorder)

		assert.True(t, rep.Aborted)
		assert.Len(t, rep.Years, 1)
		assert.Equal(t, 2, rep.ExitCode())
		assert.Empty(t, w.outputs)
	})
}

func TestRunner_ExternalTracks(t *testing.T) {
	g := oneDegreeGrid(t)
	cfg := testConfig(t, 1980, 1980)
	cfg.UseExternalTracks = true
	cfg.ExternalTracksFile = filepath.Join(t.TempDir(), "tracks.txt")

	snaps := movingLow(t, g, 1980, 3)
	id := domain.TrackID(1980, 7)
	points := make([]domain.Centre, len(snaps))
	for i, s := range snaps {
		points[i] = domain.Centre{
			Year: s.Stamp.Year, Month: s.Stamp.Month, Day: s.Stamp.Day, Hour: s.Stamp.Hour, JD: s.JD,
			LatCent: 4500, LonCent: 18000 + 300*i,
			SLP: domain.UnitToMicro(990), RegionalMean: domain.UnitToMicro(995), Laplacian: domain.UnitToMicro(0.4),
			Prob: 100, CentreID: domain.CentreID(1980, int64(i+1)),
		}
	}
	for i := range points {
		var prev, next int64
		if i > 0 {
			prev = points[i-1].CentreID
		}
		if i < len(points)-1 {
			next = points[i+1].CentreID
		}
		points[i] = points[i].WithTrack(id, prev, next)
	}
	require.NoError(t, store.WriteFileAtomic(cfg.ExternalTracksFile,
		store.TrackRecords([]domain.Track{{ID: id, Points: points}})))

	w := &recordingWriter{}
	sinks := &recordingSinks{}
	in := inputs(g, nil, w, sinks)
	rep, err := pipeline.NewRunner(cfg, discardLogger(), observability.NewMetricsForTesting()).Run(t.Context(), in)
	require.NoError(t, err)

	require.Len(t, rep.Years, 1)
	assert.Equal(t, 1, rep.Years[0].Kept)
	assert.Equal(t, 3, rep.Years[0].Centres)
	assert.Equal(t, int32(3), attr(w.outputs["composite_prw_NH_all_all_circ_1980-1980.nc"], "track_points"))

	require.Len(t, sinks.published[1980], 1)
	for _, p := range sinks.published[1980][0].Points {
		assert.True(t, p.Flags.Has(domain.FlagExternal))
	}
	assert.NoFileExists(t, pipeline.StorePaths(cfg.FilesDir(), "test", 1980).Centres)
}

func TestRunner_ExternalTracksUnreadable(t *testing.T) {
	g := oneDegreeGrid(t)
	cfg := testConfig(t, 1980, 1980)
	cfg.UseExternalTracks = true
	cfg.ExternalTracksFile = filepath.Join(t.TempDir(), "absent.txt")

	_, err := pipeline.NewRunner(cfg, discardLogger(), observability.NewMetricsForTesting()).
		Run(t.Context(), inputs(g, nil, &recordingWriter{}, nil))
	require.Error(t, err)
}
