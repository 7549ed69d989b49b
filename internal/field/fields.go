package field

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/grid"
)

// FieldConfig locates the per-year files of composite variables.
type FieldConfig struct {
	Dir      string
	Pattern  string // e.g. "{var}.{year}.nc"
	Calendar string
}

// Fields opens the per-year files of arbitrary composite variables.
type Fields struct {
	opener Opener
	cfg    FieldConfig
}

// NewFields creates a Fields reader.
func NewFields(opener Opener, cfg FieldConfig) *Fields {
	return &Fields{opener: opener, cfg: cfg}
}

// YearField is one variable's file for one year, indexed by JD.
type YearField struct {
	Variable string
	Year     int

	ds     Dataset
	frames FrameReader
	layout *Layout
	index  map[domain.JD]int
	raw    []float64
}

// Open opens variable's file for year. A missing file yields ErrFieldMissing.
func (f *Fields) Open(variable string, year int) (*YearField, error) {
	path := filepath.Join(f.cfg.Dir, ExpandPattern(f.cfg.Pattern, variable, year))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s %d: %s: %w", variable, year, path, domain.ErrFieldMissing)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	ds, err := f.opener.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	yf, err := f.inspect(ds, variable, year)
	if err != nil {
		_ = ds.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return yf, nil
}

func (f *Fields) inspect(ds Dataset, variable string, year int) (*YearField, error) {
	layout, err := readLayout(ds)
	if err != nil {
		return nil, err
	}
	tc, err := findCoord(ds, "time")
	if err != nil {
		return nil, err
	}
	jds, _, err := decodeTimes(tc, f.cfg.Calendar)
	if err != nil {
		return nil, err
	}
	frames, err := ds.Frames(variable)
	if err != nil {
		return nil, err
	}
	if frames.Len() != len(jds) {
		return nil, fmt.Errorf("%s has %d steps, time axis has %d", variable, frames.Len(), len(jds))
	}

	index := make(map[domain.JD]int, len(jds))
	for t, jd := range jds {
		index[jd] = t
	}
	return &YearField{
		Variable: variable,
		Year:     year,
		ds:       ds,
		frames:   frames,
		layout:   layout,
		index:    index,
		raw:      make([]float64, layout.Grid().Size()),
	}, nil
}

// Grid returns the variable's own normalised grid.
func (y *YearField) Grid() *grid.Grid { return y.layout.Grid() }

// Units returns the variable's units attribute.
func (y *YearField) Units() string { return y.frames.Units() }

// Snapshot reads the step at jd into a new normalised slice. A JD absent
// from the file's time axis yields ErrTimeMismatch.
func (y *YearField) Snapshot(jd domain.JD) ([]float64, error) {
	t, ok := y.index[jd]
	if !ok {
		return nil, fmt.Errorf("%s %d: jd %d not on the time axis: %w", y.Variable, y.Year, jd, domain.ErrTimeMismatch)
	}
	if err := y.frames.Read(t, y.raw); err != nil {
		return nil, fmt.Errorf("%s %d: read step %d: %w", y.Variable, y.Year, t, err)
	}
	out := make([]float64, len(y.raw))
	y.layout.Apply(y.raw, out)
	return out, nil
}

// Close releases the underlying file.
func (y *YearField) Close() error { return y.ds.Close() }
