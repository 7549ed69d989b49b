package centres

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/grid"
	"github.com/couchcryptid/etc-composites/internal/observability"
)

// Rejection reasons, used as metric labels and in Step.Rejected.
const (
	ReasonCutoff    = "cutoff"
	ReasonPolar     = "geometry_degenerate"
	ReasonMerged    = "merged"
	ReasonDuplicate = "duplicate_centre"
)

// Config holds the detection thresholds.
type Config struct {
	ElevationThreshold float64 // metres; cells at or above are masked
	LandThreshold      float64 // land fraction marking a centre as land
	LapCutoff          float64 // hPa per squared degree of latitude
	ContourInterval    float64 // hPa
	DuplicateRadius    float64 // metres

	MinCentres int
	MaxCentres int
	MaxChange  int
}

// Step is the outcome of scanning one snapshot.
type Step struct {
	Centres   []domain.Centre
	Rejected  map[string]int
	Anomalous bool
}

type candidate struct {
	k   int
	slp int64 // micro-hPa
	reg int64 // micro-hPa
	lap int64 // micro-hPa per squared degree
}

// Finder scans the snapshots of one year. It is not safe for concurrent use;
// each year gets its own Finder.
type Finder struct {
	grid    *grid.Grid
	inv     *field.Invariants
	cfg     Config
	year    int
	logger  *slog.Logger
	metrics *observability.Metrics

	lap       []float64
	quant     []int64
	missing   []bool
	seen      []bool
	group     []int
	mark      []uint32
	epoch     uint32
	queue     []int
	next      int64 // last CSI sequence number issued
	prevCount int   // centres in the previous step, -1 before the first
}

// NewFinder creates a Finder for year.
func NewFinder(g *grid.Grid, inv *field.Invariants, cfg Config, year int, logger *slog.Logger, metrics *observability.Metrics) *Finder {
	return &Finder{
		grid:      g,
		inv:       inv,
		cfg:       cfg,
		year:      year,
		logger:    logger,
		metrics:   metrics,
		lap:       make([]float64, g.Size()),
		quant:     make([]int64, g.Size()),
		missing:   make([]bool, g.Size()),
		seen:      make([]bool, g.Size()),
		mark:      make([]uint32, g.Size()),
		prevCount: -1,
	}
}

// Resume continues after a partially written store: ids carry on from
// lastID and the density check compares against prevCount.
func (f *Finder) Resume(lastID int64, prevCount int) {
	if lastID > 0 {
		f.next = lastID - domain.CentreID(f.year, 0)
	}
	f.prevCount = prevCount
}

// LastID returns the last centre id issued, or 0.
func (f *Finder) LastID() int64 {
	if f.next == 0 {
		return 0
	}
	return domain.CentreID(f.year, f.next)
}

// Find scans one snapshot. On error nothing is recorded for the snapshot and
// no ids are consumed.
func (f *Finder) Find(snap field.Snapshot) (Step, error) {
	step := Step{Rejected: make(map[string]int)}
	g := f.grid
	Laplacian(g, snap.SLP, f.lap)
	cutoff := domain.UnitToMicro(f.cfg.LapCutoff)

	var cands []candidate
	for _, k := range f.localMinima(snap.SLP) {
		_, j, _ := g.IJ(k)
		if g.NearPole(j) {
			step.Rejected[ReasonPolar]++
			continue
		}
		lap := domain.UnitToMicro(f.lap[k])
		if lap < cutoff {
			step.Rejected[ReasonCutoff]++
			continue
		}
		cands = append(cands, candidate{
			k:   k,
			slp: domain.UnitToMicro(snap.SLP[k]),
			reg: domain.UnitToMicro(regionalMean(g, snap.SLP, k)),
			lap: lap,
		})
	}

	survivors, merged, err := f.resolveDuplicates(snap.SLP, cands)
	if err != nil {
		step.Rejected[ReasonDuplicate] += len(cands)
		f.record(step)
		return Step{}, fmt.Errorf("%s: %w", snap.Stamp, err)
	}
	step.Rejected[ReasonMerged] += len(cands) - len(survivors)

	step.Anomalous = f.checkDensity(snap.Stamp, len(survivors))

	slices.SortFunc(survivors, func(a, b candidate) int { return cmp.Compare(a.k, b.k) })
	step.Centres = make([]domain.Centre, len(survivors))
	for i, c := range survivors {
		step.Centres[i] = f.centre(snap, c, merged[c.k], step.Anomalous, int64(i+1))
	}
	f.next += int64(len(survivors))
	f.record(step)
	return step, nil
}

func (f *Finder) centre(snap field.Snapshot, c candidate, merged, anomalous bool, seq int64) domain.Centre {
	lat, lon := f.grid.LatLon(c.k)
	var flags domain.Flags
	if f.inv.IsLand(c.k, f.cfg.LandThreshold) {
		flags |= domain.FlagLand
	}
	if merged {
		flags |= domain.FlagMerged
	}
	if anomalous {
		flags |= domain.FlagAnomaly
	}
	return domain.Centre{
		Year:         snap.Stamp.Year,
		Month:        snap.Stamp.Month,
		Day:          snap.Stamp.Day,
		Hour:         snap.Stamp.Hour,
		JD:           snap.JD,
		LatCent:      domain.DegToCent(lat),
		LonCent:      domain.LonToCent(lon),
		SLP:          c.slp,
		RegionalMean: c.reg,
		Laplacian:    c.lap,
		Flags:        flags,
		Prob:         Probability(domain.MicroToUnit(c.lap), f.cfg.LapCutoff),
		CentreID:     domain.CentreID(f.year, f.next+seq),
	}
}

// Probability maps a Laplacian to an integer confidence in [0, 100]:
// 50 at the cutoff, 100 at twice the cutoff and above.
func Probability(lap, cutoff float64) int {
	if cutoff <= 0 {
		return 100
	}
	p := math.Round(100 * lap / (2 * cutoff))
	return int(math.Max(0, math.Min(100, p)))
}

// resolveDuplicates keeps the deepest candidate of every closed contour.
// Candidates are visited by (slp, regional mean, k); each surviving seed
// floods the cells below seed+ContourInterval within DuplicateRadius and
// absorbs every later candidate it reaches.
func (f *Finder) resolveDuplicates(slp []float64, cands []candidate) ([]candidate, map[int]bool, error) {
	slices.SortFunc(cands, func(a, b candidate) int {
		return cmp.Or(cmp.Compare(a.slp, b.slp), cmp.Compare(a.reg, b.reg), cmp.Compare(a.k, b.k))
	})
	for i := 1; i < len(cands); i++ {
		a, b := cands[i-1], cands[i]
		if a.slp == b.slp && a.reg == b.reg && a.k == b.k {
			return nil, nil, fmt.Errorf("cell %d listed twice: %w", a.k, domain.ErrDuplicateCentre)
		}
	}

	rank := make(map[int]int, len(cands))
	for i, c := range cands {
		rank[c.k] = i
	}
	absorbed := make([]bool, len(cands))
	merged := make(map[int]bool)
	var survivors []candidate

	for i, seed := range cands {
		if absorbed[i] {
			continue
		}
		survivors = append(survivors, seed)
		limit := domain.MicroToUnit(seed.slp) + f.cfg.ContourInterval
		f.flood(slp, seed.k, limit, func(k int) {
			if r, ok := rank[k]; ok && r > i && !absorbed[r] {
				absorbed[r] = true
				merged[seed.k] = true
			}
		})
	}
	return survivors, merged, nil
}

// flood visits cells connected to seed through the neighbour graph whose
// SLP is below limit and which lie within DuplicateRadius of the seed.
func (f *Finder) flood(slp []float64, seed int, limit float64, visit func(k int)) {
	f.epoch++
	if f.epoch == 0 {
		clear(f.mark)
		f.epoch = 1
	}
	lat0, lon0 := f.grid.LatLon(seed)
	f.queue = append(f.queue[:0], seed)
	f.mark[seed] = f.epoch
	for len(f.queue) > 0 {
		k := f.queue[0]
		f.queue = f.queue[1:]
		visit(k)
		for _, n := range f.grid.Neighbours(k) {
			if f.mark[n] == f.epoch {
				continue
			}
			f.mark[n] = f.epoch
			if !(slp[n] < limit) {
				continue
			}
			lat, lon := f.grid.LatLon(n)
			if grid.GCD(lat0, lon0, lat, lon) > f.cfg.DuplicateRadius {
				continue
			}
			f.queue = append(f.queue, n)
		}
	}
}

// checkDensity logs an anomalous centre count and reports whether the step
// is anomalous. The step is kept either way.
func (f *Finder) checkDensity(stamp domain.Stamp, n int) bool {
	prev := f.prevCount
	f.prevCount = n

	var reason string
	switch {
	case n < f.cfg.MinCentres:
		reason = "below minimum"
	case f.cfg.MaxCentres > 0 && n > f.cfg.MaxCentres:
		reason = "above maximum"
	case prev >= 0 && f.cfg.MaxChange > 0 && abs(n-prev) > f.cfg.MaxChange:
		reason = "jump from previous step"
	default:
		return false
	}
	f.logger.Warn("anomalous centre count",
		"kind", domain.ErrAnomalousCount.Error(),
		"year", f.year,
		"step", stamp.String(),
		"count", n,
		"previous", prev,
		"reason", reason,
	)
	return true
}

func (f *Finder) record(step Step) {
	if f.metrics == nil {
		return
	}
	f.metrics.SnapshotsProcessed.Inc()
	f.metrics.CentresFound.Add(float64(len(step.Centres)))
	for reason, n := range step.Rejected {
		if n > 0 {
			f.metrics.CentresRejected.WithLabelValues(reason).Add(float64(n))
		}
	}
	if step.Anomalous {
		f.metrics.AnomalousSteps.Inc()
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
