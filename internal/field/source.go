package field

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/grid"
)

// Snapshot is one SLP field on the process grid. SLP is reused between
// calls and is only valid for the duration of the callback.
type Snapshot struct {
	Stamp domain.Stamp
	JD    domain.JD
	SLP   []float64 // hPa, normalised order
}

// SourceConfig locates the per-year SLP files.
type SourceConfig struct {
	Dir      string
	Pattern  string // e.g. "slp.{year}.nc"
	Variable string
	Calendar string // overrides the file's calendar attribute when set
}

// Source streams per-year SLP snapshots on the process grid.
type Source struct {
	opener Opener
	cfg    SourceConfig
	grid   *grid.Grid
	logger *slog.Logger
}

// NewSource creates a Source. Files whose normalised grid differs from g
// are rejected.
func NewSource(opener Opener, cfg SourceConfig, g *grid.Grid, logger *slog.Logger) *Source {
	return &Source{opener: opener, cfg: cfg, grid: g, logger: logger}
}

// Path returns the SLP file path for a year.
func (s *Source) Path(year int) string {
	return filepath.Join(s.cfg.Dir, ExpandPattern(s.cfg.Pattern, s.cfg.Variable, year))
}

// ExpandPattern substitutes {year} and {var} in a file name pattern.
func ExpandPattern(pattern, variable string, year int) string {
	return strings.NewReplacer("{year}", strconv.Itoa(year), "{var}", variable).Replace(pattern)
}

// yearFile is an opened SLP file with its decoded time axis.
type yearFile struct {
	ds     Dataset
	layout *Layout
	jds    []domain.JD
	cal    domain.Calendar
}

func (s *Source) open(year int) (*yearFile, error) {
	path := s.Path(year)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("year %d: %s: %w", year, path, domain.ErrMissingYear)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	ds, err := s.opener.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	yf, err := s.inspect(ds)
	if err != nil {
		_ = ds.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return yf, nil
}

func (s *Source) inspect(ds Dataset) (*yearFile, error) {
	layout, err := readLayout(ds)
	if err != nil {
		return nil, err
	}
	if !sameGrid(layout.Grid(), s.grid) {
		return nil, errors.New("grid differs from the invariants grid")
	}
	tc, err := findCoord(ds, "time")
	if err != nil {
		return nil, err
	}
	jds, cal, err := decodeTimes(tc, s.cfg.Calendar)
	if err != nil {
		return nil, err
	}
	return &yearFile{ds: ds, layout: layout, jds: jds, cal: cal}, nil
}

// Timeline decodes the time axis of a year's file, keeping only the steps
// that fall inside the year.
func (s *Source) Timeline(year int) (Timeline, error) {
	yf, err := s.open(year)
	if err != nil {
		return nil, err
	}
	defer yf.ds.Close()

	tl := make(Timeline, 0, len(yf.jds))
	for _, jd := range yf.jds {
		if domain.StampOf(yf.cal, jd).Year == year {
			tl = append(tl, jd)
		}
	}
	return tl, nil
}

// Year streams every snapshot of a year in increasing JD order.
func (s *Source) Year(ctx context.Context, year int, fn func(Snapshot) error) error {
	return s.YearFrom(ctx, year, 0, fn)
}

// YearFrom streams the snapshots of a year with JD >= from. Earlier steps
// are skipped without reading their data.
func (s *Source) YearFrom(ctx context.Context, year int, from domain.JD, fn func(Snapshot) error) error {
	yf, err := s.open(year)
	if err != nil {
		return err
	}
	defer yf.ds.Close()

	frames, err := yf.ds.Frames(s.cfg.Variable)
	if err != nil {
		return fmt.Errorf("year %d: %w", year, err)
	}
	if frames.Len() != len(yf.jds) {
		return fmt.Errorf("year %d: %s has %d steps, time axis has %d",
			year, s.cfg.Variable, frames.Len(), len(yf.jds))
	}

	scale := s.pressureScale(year, frames.Units())

	raw := make([]float64, s.grid.Size())
	snap := Snapshot{SLP: make([]float64, s.grid.Size())}
	skipped := 0
	for t, jd := range yf.jds {
		if err := ctx.Err(); err != nil {
			return err
		}
		stamp := domain.StampOf(yf.cal, jd)
		if stamp.Year != year {
			skipped++
			continue
		}
		if jd < from {
			continue
		}
		if err := frames.Read(t, raw); err != nil {
			return fmt.Errorf("year %d: read step %s: %w", year, stamp, err)
		}
		yf.layout.Apply(raw, snap.SLP)
		if scale != 1 {
			for k := range snap.SLP {
				snap.SLP[k] *= scale
			}
		}
		snap.Stamp, snap.JD = stamp, jd
		if err := fn(snap); err != nil {
			return err
		}
	}
	if skipped > 0 {
		s.logger.Warn("steps outside the file's year ignored", "year", year, "steps", skipped)
	}
	return nil
}

// pressureScale returns the factor converting the file's SLP units to hPa.
func (s *Source) pressureScale(year int, units string) float64 {
	switch strings.ToLower(strings.TrimSpace(units)) {
	case "hpa", "mb", "mbar", "millibar", "millibars":
		return 1
	case "pa", "pascal", "pascals":
		s.logger.Warn("slp in Pa, converting to hPa",
			"year", year, "kind", domain.ErrUnitWarning.Error(), "units", units)
		return 0.01
	default:
		s.logger.Warn("unrecognised slp units, using values as hPa",
			"year", year, "kind", domain.ErrUnitWarning.Error(), "units", units)
		return 1
	}
}
