package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/couchcryptid/etc-composites/internal/centres"
	"github.com/couchcryptid/etc-composites/internal/composite"
	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/observability"
	"github.com/couchcryptid/etc-composites/internal/store"
	"github.com/couchcryptid/etc-composites/internal/tracks"
)

// YearRun carries one year through centre finding, stitching and
// compositing. It owns the year's stores and releases them on every exit
// path.
type YearRun struct {
	Year   int
	Paths  YearPaths
	Report YearReport

	cfg      *config.Config
	in       Inputs
	comp     *composite.Compositor
	external []domain.Track
	runID    string
	logger   *slog.Logger
	metrics  *observability.Metrics

	centres *store.CentreWriter
	entries []store.IndexEntry
}

// Run executes the year. The returned set is nil when nothing is
// composited. A missing SLP file marks the year skipped; any other error
// marks it failed.
func (y *YearRun) Run(ctx context.Context) (set *composite.Set, err error) {
	start := domain.Clock().Now()
	y.Report.Year = y.Year
	defer func() {
		if y.centres != nil {
			if cerr := y.centres.Close(); err == nil {
				err = cerr
			}
			y.centres = nil
		}
		y.Report.Duration = domain.Clock().Now().Sub(start)
		switch {
		case err == nil:
			y.Report.Status = StatusOK
		case errors.Is(err, domain.ErrMissingYear):
			y.Report.Status = StatusSkipped
		default:
			y.Report.Status = StatusFailed
		}
		if err != nil {
			y.Report.Kind = domain.Kind(err)
			y.Report.Error = err.Error()
		}
	}()

	ts, err := y.tracks(ctx)
	if err != nil {
		return nil, err
	}
	y.publish(ctx, ts)

	if y.comp == nil {
		return nil, nil
	}
	var points []domain.Centre
	for _, t := range ts {
		points = append(points, t.Points...)
	}
	set, err = y.comp.Year(ctx, y.Year, points)
	if err != nil {
		return nil, fmt.Errorf("composite: %w", err)
	}
	y.Report.SkippedVars = set.Skipped[y.Year]
	return set, nil
}

// tracks produces the year's kept tracks, either by finding and stitching
// centres or from the external track file.
func (y *YearRun) tracks(ctx context.Context) ([]domain.Track, error) {
	if y.cfg.UseExternalTracks {
		var all []domain.Centre
		for _, t := range y.external {
			all = append(all, t.Points...)
		}
		y.Report.Centres = len(all)
		y.Report.Kept = len(y.external)
		countBands(all, &y.Report.LatBands)
		y.entries = store.IndexEntries(y.external, nil)
		return y.external, nil
	}

	tl, err := y.in.SLP.Timeline(y.Year)
	if err != nil {
		return nil, err
	}
	if err := y.findCentres(ctx, tl); err != nil {
		return nil, err
	}
	if err := y.stitch(tl); err != nil {
		return nil, err
	}
	// Compositing reads the track store back, as it does an external file.
	return store.ReadTracksFile(y.Paths.Tracks, y.logger)
}

func (y *YearRun) findCentres(ctx context.Context, tl field.Timeline) error {
	res, err := store.RepairCentreStore(y.Paths.Centres, y.logger)
	if err != nil {
		return fmt.Errorf("repair centre store: %w", err)
	}

	finder := centres.NewFinder(y.in.Grid, y.in.Invariants, CentresConfig(y.cfg), y.Year, y.logger, y.metrics)
	if res.From > 0 {
		finder.Resume(res.LastID, resumeCount(tl, res))
		y.Report.Resumed = true
	}

	cw, err := store.OpenCentreWriter(y.Paths.Centres)
	if err != nil {
		return err
	}
	y.centres = cw

	err = y.in.SLP.YearFrom(ctx, y.Year, res.From, func(snap field.Snapshot) error {
		step, err := finder.Find(snap)
		if errors.Is(err, domain.ErrDuplicateCentre) {
			y.logger.Error("snapshot skipped",
				"stamp", snap.Stamp.String(), "kind", domain.Kind(err), "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("find centres at %s: %w", snap.Stamp, err)
		}
		y.Report.Snapshots++
		if step.Anomalous {
			y.Report.Anomalous++
		}
		return cw.Append(step.Centres)
	})
	if err != nil {
		return err
	}

	y.centres = nil
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close centre store: %w", err)
	}
	y.logger.Debug("centres found", "written", cw.Written(), "resumed_from", int64(res.From))
	return nil
}

// resumeCount is the centre count the density check compares the first
// reprocessed step against.
func resumeCount(tl field.Timeline, res store.Resume) int {
	i, _ := slices.BinarySearch(tl, res.From)
	if i == 0 {
		return -1
	}
	if res.Kept > 0 && tl[i-1] == res.LastKept {
		return res.PrevCount
	}
	// The preceding step had no centres.
	return 0
}

func (y *YearRun) stitch(tl field.Timeline) error {
	recs, _, err := store.ReadFile(y.Paths.Centres, y.logger)
	if err != nil {
		return err
	}

	cadence := tl.Cadence(int64(y.cfg.CadenceHrs))
	if cadence != int64(y.cfg.CadenceHrs) {
		y.logger.Warn("data cadence differs from cadence_hours, using data cadence",
			"data_hours", cadence, "configured_hours", y.cfg.CadenceHrs)
	}
	res := tracks.Stitch(TracksConfig(y.cfg, cadence), y.Year, tl, recs, y.logger, y.metrics)

	if err := store.WriteFileAtomic(y.Paths.Tracks, store.TrackRecords(res.Kept)); err != nil {
		return err
	}
	if err := store.WriteFileAtomic(y.Paths.Discards, store.PointRecords(res.Discarded)); err != nil {
		return err
	}
	y.entries = store.IndexEntries(res.Kept, res.Discarded)
	if err := store.WriteIndex(y.Paths.Index, y.entries); err != nil {
		return err
	}

	y.Report.Centres = len(recs)
	y.Report.Kept = len(res.Kept)
	y.Report.Discarded = len(res.Discarded)
	y.Report.Bridged = res.Bridged
	y.Report.Gaps = res.Gaps
	countBands(recs, &y.Report.LatBands)
	y.logger.Info("tracks stitched",
		"centres", len(recs), "kept", len(res.Kept), "discarded", len(res.Discarded),
		"bridged", res.Bridged, "gaps", res.Gaps)
	return nil
}

// publish hands the year's results to the optional sinks. Sink failures are
// logged and do not fail the year.
func (y *YearRun) publish(ctx context.Context, ts []domain.Track) {
	if y.in.Catalog != nil {
		if err := y.in.Catalog.RecordYear(ctx, y.runID, y.Year, y.entries); err != nil {
			y.logger.Error("catalog update failed", "error", err)
		}
	}
	if y.in.Tracks != nil && len(ts) > 0 {
		if err := y.in.Tracks.PublishTracks(ctx, y.runID, y.Year, ts); err != nil {
			y.logger.Error("track publish failed", "error", err)
		}
	}
}
