package composite

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/grid"
	"github.com/couchcryptid/etc-composites/internal/observability"
)

// YearField is one variable's field file for one year.
type YearField interface {
	Grid() *grid.Grid
	Units() string
	// Snapshot returns the values at jd or an error wrapping
	// domain.ErrTimeMismatch when the file has no such step.
	Snapshot(jd domain.JD) ([]float64, error)
	Close() error
}

// FieldOpener opens a variable's field file for a year, failing with
// domain.ErrFieldMissing when it does not exist.
type FieldOpener interface {
	Open(variable string, year int) (YearField, error)
}

// OpenerFunc adapts a function to FieldOpener.
type OpenerFunc func(variable string, year int) (YearField, error)

// Open calls f.
func (f OpenerFunc) Open(variable string, year int) (YearField, error) { return f(variable, year) }

// Config selects what is composited and how.
type Config struct {
	Variables   []string
	Hemispheres []domain.Hemisphere
	Seasons     []domain.Season
	LandSea     []domain.LandSea
	WarmMonths  []int

	Circular    Bins
	Rectangular Bins

	LandThreshold float64
	CacheSize     int
}

// Key identifies one composite.
type Key struct {
	Var        string
	Hemisphere domain.Hemisphere
	Season     domain.Season
	LandSea    domain.LandSea
	Mode       Mode
}

func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s_%s_%s", k.Var, k.Hemisphere, k.Season, k.LandSea, k.Mode)
}

func compareKeys(a, b Key) int {
	return cmp.Or(
		cmp.Compare(a.Var, b.Var),
		cmp.Compare(a.Hemisphere, b.Hemisphere),
		cmp.Compare(a.Season, b.Season),
		cmp.Compare(a.LandSea, b.LandSea),
		cmp.Compare(a.Mode, b.Mode),
	)
}

// selection is one (hemisphere, season, land/sea) combination.
type selection struct {
	hem    domain.Hemisphere
	season domain.Season
	ls     domain.LandSea
}

// Set is the full collection of accumulators of one run or one year.
type Set struct {
	accs  map[Key]*Accumulator
	Units map[string]string
	// Skipped lists variables whose field file was missing, per year.
	Skipped map[int][]string
}

// NewSet returns empty accumulators for every configured key.
func NewSet(cfg Config) *Set {
	s := &Set{
		accs:    make(map[Key]*Accumulator),
		Units:   make(map[string]string),
		Skipped: make(map[int][]string),
	}
	for _, v := range cfg.Variables {
		for _, sel := range selections(cfg) {
			for _, b := range []Bins{cfg.Circular, cfg.Rectangular} {
				k := Key{Var: v, Hemisphere: sel.hem, Season: sel.season, LandSea: sel.ls, Mode: b.Mode}
				s.accs[k] = NewAccumulator(b)
			}
		}
	}
	return s
}

func selections(cfg Config) []selection {
	var out []selection
	for _, h := range cfg.Hemispheres {
		for _, se := range cfg.Seasons {
			for _, ls := range cfg.LandSea {
				out = append(out, selection{hem: h, season: se, ls: ls})
			}
		}
	}
	return out
}

// Keys returns every key in a stable order.
func (s *Set) Keys() []Key {
	keys := make([]Key, 0, len(s.accs))
	for k := range s.accs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Get returns the accumulator for k, or nil.
func (s *Set) Get(k Key) *Accumulator { return s.accs[k] }

// Merge adds o into s. Sets must be merged in ascending year order for the
// sums to be reproducible.
func (s *Set) Merge(o *Set) error {
	for _, k := range o.Keys() {
		acc, ok := s.accs[k]
		if !ok {
			return fmt.Errorf("merge: unknown composite %s", k)
		}
		if err := acc.Merge(o.accs[k]); err != nil {
			return fmt.Errorf("merge %s: %w", k, err)
		}
	}
	for v, u := range o.Units {
		if _, ok := s.Units[v]; !ok {
			s.Units[v] = u
		}
	}
	for y, vars := range o.Skipped {
		s.Skipped[y] = append(s.Skipped[y], vars...)
	}
	return nil
}

// Compositor accumulates track points into composites. The grid and
// invariants are the ones the centres were found on; they classify each
// point as land or sea.
type Compositor struct {
	cfg     Config
	grid    *grid.Grid
	inv     *field.Invariants
	fields  FieldOpener
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Compositor. metrics may be nil.
func New(cfg Config, g *grid.Grid, inv *field.Invariants, fields FieldOpener, logger *slog.Logger, metrics *observability.Metrics) *Compositor {
	return &Compositor{cfg: cfg, grid: g, inv: inv, fields: fields, logger: logger, metrics: metrics}
}

// Year composites the points of one year. Points from other years are
// ignored. A missing field file skips that variable for the year; a point
// whose time is absent from the field file fails the year with
// domain.ErrTimeMismatch.
func (c *Compositor) Year(ctx context.Context, year int, points []domain.Centre) (*Set, error) {
	set := NewSet(c.cfg)

	pts := make([]domain.Centre, 0, len(points))
	for _, p := range points {
		if p.Year == year && !p.Flags.Sentinel() {
			pts = append(pts, p)
		}
	}
	slices.SortStableFunc(pts, func(a, b domain.Centre) int {
		return cmp.Or(cmp.Compare(a.JD, b.JD), cmp.Compare(a.CentreID, b.CentreID))
	})

	sels := make([][]selection, len(pts))
	all := selections(c.cfg)
	for i, p := range pts {
		k, _, _ := c.grid.Locate(p.Lon(), p.Lat())
		land := c.inv.IsLand(k, c.cfg.LandThreshold)
		for _, s := range all {
			if s.hem.Contains(p.Lat()) && s.season.Contains(p.Month, c.cfg.WarmMonths) && s.ls.Contains(land) {
				sels[i] = append(sels[i], s)
			}
		}
	}

	for _, v := range c.cfg.Variables {
		if err := c.variable(ctx, set, v, year, pts, sels); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (c *Compositor) variable(ctx context.Context, set *Set, v string, year int, pts []domain.Centre, sels [][]selection) error {
	yf, err := c.fields.Open(v, year)
	if errors.Is(err, domain.ErrFieldMissing) {
		c.logger.Warn("field file missing, skipping variable",
			"year", year, "var", v, "kind", domain.Kind(err), "error", err)
		set.Skipped[year] = append(set.Skipped[year], v)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s %d: %w", v, year, err)
	}
	defer yf.Close()
	set.Units[v] = yf.Units()

	cached := newCachedField(yf, c.cfg.CacheSize, c.metrics)
	nb := newNeighbourhood(yf.Grid(), max(c.cfg.Circular.Reach(), c.cfg.Rectangular.Reach()))

	// Accumulators addressed per selection for this variable.
	circ := make(map[selection]*Accumulator)
	rect := make(map[selection]*Accumulator)
	for _, s := range selections(c.cfg) {
		circ[s] = set.accs[Key{Var: v, Hemisphere: s.hem, Season: s.season, LandSea: s.ls, Mode: Circular}]
		rect[s] = set.accs[Key{Var: v, Hemisphere: s.hem, Season: s.season, LandSea: s.ls, Mode: Rectangular}]
	}

	used := 0
	for i, p := range pts {
		if len(sels[i]) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, err := cached.Snapshot(p.JD)
		if err != nil {
			return fmt.Errorf("%s %d centre %d: %w", v, year, p.CentreID, err)
		}
		for _, s := range sels[i] {
			circ[s].Points++
			rect[s].Points++
		}
		lat0, lon0 := p.Lat(), p.Lon()
		nb.visit(lat0, lon0, func(k int, d, bearing float64) {
			val := snap[k]
			if math.IsNaN(val) {
				return
			}
			cb, cok := c.cfg.Circular.Bin(d, bearing)
			rb, rok := c.cfg.Rectangular.Bin(d, bearing)
			for _, s := range sels[i] {
				if cok {
					circ[s].Add(cb, val)
				}
				if rok {
					rect[s].Add(rb, val)
				}
			}
		})
		used++
	}
	if c.metrics != nil {
		c.metrics.CompositePoints.WithLabelValues(v).Add(float64(used))
	}
	c.logger.Debug("variable composited", "year", year, "var", v, "points", used, "cached", cached.cache.len())
	return nil
}

// neighbourhood enumerates the gridpoints within reach of a centre.
type neighbourhood struct {
	grid  *grid.Grid
	reach float64
	rows  int
}

func newNeighbourhood(g *grid.Grid, reach float64) *neighbourhood {
	rows := int(math.Ceil(reach/(grid.EarthRadius*g.DLat()*math.Pi/180))) + 1
	return &neighbourhood{grid: g, reach: reach, rows: rows}
}

// visit calls fn for every gridpoint within reach of (lat0, lon0) with its
// great-circle distance and initial bearing from the centre. Longitudes wrap
// through the grid, so a centre near the seam sees both sides.
func (n *neighbourhood) visit(lat0, lon0 float64, fn func(k int, d, bearing float64)) {
	g := n.grid
	i0, j0 := n.centre(lat0, lon0)

	// Longitude half-width of the spherical cap of radius reach.
	cols := g.NLon()
	if s, cl := math.Sin(n.reach/grid.EarthRadius), math.Cos(lat0*math.Pi/180); n.reach < math.Pi*grid.EarthRadius/2 && s < cl {
		half := math.Asin(s/cl) * 180 / math.Pi
		cols = 2*(int(math.Ceil(half/g.DLon()))+1) + 1
	}
	whole := cols >= g.NLon()

	for j := j0 - n.rows; j <= j0+n.rows; j++ {
		if j < 0 || j >= g.NLat() {
			continue
		}
		lat := g.Lat(j)
		visitCol := func(i int) {
			lon := g.Lon(i)
			d := grid.GCD(lat0, lon0, lat, lon)
			if d >= n.reach {
				return
			}
			k, _ := g.Index(i, j)
			fn(k, d, grid.Bearing(lat0, lon0, lat, lon))
		}
		if whole {
			for i := range g.NLon() {
				visitCol(i)
			}
			continue
		}
		half := cols / 2
		for di := -half; di <= half; di++ {
			visitCol(g.Wrap(i0 + di))
		}
	}
}

func (n *neighbourhood) centre(lat, lon float64) (i, j int) {
	k, _, _ := n.grid.Locate(lon, lat)
	i, j, _ = n.grid.IJ(k)
	return i, j
}
