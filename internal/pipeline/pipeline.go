package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/couchcryptid/etc-composites/internal/composite"
	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/grid"
	"github.com/couchcryptid/etc-composites/internal/observability"
	"github.com/couchcryptid/etc-composites/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SnapshotSource streams the SLP snapshots of a year.
type SnapshotSource interface {
	Timeline(year int) (field.Timeline, error)
	YearFrom(ctx context.Context, year int, from domain.JD, fn func(field.Snapshot) error) error
}

// TrackPublisher receives the kept tracks of each finished year.
type TrackPublisher interface {
	PublishTracks(ctx context.Context, runID string, year int, tracks []domain.Track) error
}

// Catalog records the per-track index of each finished year.
type Catalog interface {
	RecordYear(ctx context.Context, runID string, year int, entries []store.IndexEntry) error
}

// SummaryWriter renders a run report to a file.
type SummaryWriter interface {
	WriteSummary(path string, r *Report) error
}

// Inputs are the loaded inputs and the output sinks of a run. Tracks,
// Catalog and Summary may be nil.
type Inputs struct {
	Grid       *grid.Grid
	Invariants *field.Invariants
	SLP        SnapshotSource
	Fields     composite.FieldOpener
	Composites composite.Writer

	Tracks  TrackPublisher
	Catalog Catalog
	Summary SummaryWriter
}

// Runner drives every configured year and merges their composites.
type Runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	runID   string
	ready   atomic.Bool

	total  atomic.Int64
	done   atomic.Int64
	failed atomic.Int64
}

// Progress is a snapshot of a run in flight.
type Progress struct {
	RunID  string `json:"run_id"`
	Years  int64  `json:"years"`
	Done   int64  `json:"done"`
	Failed int64  `json:"failed"`
}

// NewRunner creates a Runner with a fresh run id.
func NewRunner(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{cfg: cfg, logger: logger, metrics: metrics, runID: uuid.NewString()}
}

// RunID identifies this run in logs, the catalog and published messages.
func (r *Runner) RunID() string { return r.runID }

// Progress reports how many years have finished.
func (r *Runner) Progress() Progress {
	return Progress{
		RunID:  r.runID,
		Years:  r.total.Load(),
		Done:   r.done.Load(),
		Failed: r.failed.Load(),
	}
}

// CheckReadiness returns nil while a run with loaded inputs is in progress.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("grid and invariants not loaded")
	}
	return nil
}

// Run processes every year, at most num_cores at a time, then writes the
// merged composites and the summary. Year failures are recorded in the
// report; the returned error covers run-level failures and, with strict
// single-core runs, the first failed year.
func (r *Runner) Run(ctx context.Context, in Inputs) (*Report, error) {
	cfg := r.cfg
	r.metrics.PipelineRunning.Set(1)
	defer r.metrics.PipelineRunning.Set(0)

	rep := &Report{
		RunID:     r.runID,
		Model:     cfg.Model,
		FirstYear: cfg.FirstYear,
		LastYear:  cfg.LastYear,
		Started:   domain.Clock().Now(),
	}
	r.logger.Info("run started", "run_id", r.runID, "model", cfg.Model,
		"first_year", cfg.FirstYear, "last_year", cfg.LastYear, "num_cores", cfg.NumCores)

	if cfg.ObsLatDistr != "" {
		dist, err := ReadLatDistribution(cfg.ObsLatDistr)
		if err != nil {
			r.logger.Warn("reference latitude distribution unreadable", "file", cfg.ObsLatDistr, "error", err)
		} else {
			rep.ObsLatDistribution = dist
		}
	}

	var (
		comp *composite.Compositor
		ccfg composite.Config
	)
	if len(cfg.CompositeVars) > 0 {
		var err error
		if ccfg, err = CompositeConfig(cfg); err != nil {
			return rep, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
		}
		comp = composite.New(ccfg, in.Grid, in.Invariants, in.Fields, r.logger, r.metrics)
	}

	var external map[int][]domain.Track
	if cfg.UseExternalTracks {
		ts, err := store.ReadTracksFile(cfg.ExternalTracksFile, r.logger)
		if err != nil {
			return rep, fmt.Errorf("external tracks: %w", err)
		}
		external = SplitByYear(ts)
		r.logger.Info("external tracks loaded", "file", cfg.ExternalTracksFile, "tracks", len(ts))
	}

	r.ready.Store(true)
	defer r.ready.Store(false)

	years := cfg.Years()
	r.total.Store(int64(len(years)))
	runs := make([]*YearRun, len(years))
	sets := make([]*composite.Set, len(years))
	strict := cfg.Strict && cfg.NumCores == 1

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.NumCores)
	for i, year := range years {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			yr := r.newYearRun(year, in, comp, external[year])
			runs[i] = yr
			set, err := yr.Run(gctx)
			r.metrics.Years.WithLabelValues(string(yr.Report.Status)).Inc()
			r.metrics.YearDuration.Observe(yr.Report.Duration.Seconds())
			r.done.Add(1)
			switch yr.Report.Status {
			case StatusOK:
				sets[i] = set
			case StatusSkipped:
				r.logger.Warn("year skipped", "year", year, "kind", yr.Report.Kind, "error", err)
			case StatusFailed:
				r.failed.Add(1)
				r.logger.Error(fmt.Sprintf("year %d failed: %v", year, err), "year", year, "kind", yr.Report.Kind)
				if strict {
					return fmt.Errorf("year %d: %w", year, err)
				}
			}
			return nil
		})
	}
	runErr := g.Wait()
	rep.Aborted = runErr != nil || ctx.Err() != nil

	for _, yr := range runs {
		if yr == nil {
			continue
		}
		rep.Years = append(rep.Years, yr.Report)
		rep.Tracks = append(rep.Tracks, yr.entries...)
	}

	if comp != nil && !rep.Aborted {
		paths, err := r.writeComposites(in, ccfg, sets)
		rep.Composites = paths
		runErr = errors.Join(runErr, err)
	}

	rep.Finished = domain.Clock().Now()
	rep.Log(r.logger)

	if cfg.SummaryWorkbook && in.Summary != nil {
		path := filepath.Join(cfg.OutDir(), cfg.Model+"_summary.xlsx")
		if err := in.Summary.WriteSummary(path, rep); err != nil {
			r.logger.Error("summary workbook failed", "file", path, "error", err)
		}
	}
	return rep, runErr
}

func (r *Runner) newYearRun(year int, in Inputs, comp *composite.Compositor, external []domain.Track) *YearRun {
	return &YearRun{
		Year:     year,
		Paths:    StorePaths(r.cfg.FilesDir(), r.cfg.Model, year),
		cfg:      r.cfg,
		in:       in,
		comp:     comp,
		external: external,
		runID:    r.runID,
		logger:   r.logger.With("year", year),
		metrics:  r.metrics,
	}
}

// writeComposites merges the per-year sets in ascending year order and
// writes one file per composite.
func (r *Runner) writeComposites(in Inputs, ccfg composite.Config, sets []*composite.Set) ([]string, error) {
	if in.Composites == nil {
		r.logger.Warn("no composite writer configured, composites not written")
		return nil, nil
	}
	total := composite.NewSet(ccfg)
	for _, s := range sets {
		if s == nil {
			continue
		}
		if err := total.Merge(s); err != nil {
			return nil, err
		}
	}
	meta := composite.Meta{Model: r.cfg.Model, FirstYear: r.cfg.FirstYear, LastYear: r.cfg.LastYear}
	paths, err := composite.WriteAll(in.Composites, r.cfg.OutDir(), total, meta)
	if err != nil {
		return paths, fmt.Errorf("write composites: %w", err)
	}
	r.logger.Info("composites written", "files", len(paths), "dir", r.cfg.OutDir())
	return paths, nil
}
