package tracks

import (
	"cmp"
	"log/slog"
	"math"
	"slices"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/grid"
	"github.com/couchcryptid/etc-composites/internal/observability"
)

// State is the lifecycle of an open track.
type State int

const (
	Nascent State = iota // one point, seen at the current step
	Active               // two or more points, seen at the current step
	Stale                // not extended at the current step
	Closed               // terminal
)

func (s State) String() string {
	switch s {
	case Nascent:
		return "nascent"
	case Active:
		return "active"
	case Stale:
		return "stale"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type track struct {
	id     int64
	points []domain.Centre
	state  State
}

func (t *track) last() domain.Centre { return t.points[len(t.points)-1] }

// Result holds the closed tracks of a year split by the length filter.
type Result struct {
	Kept      []domain.Track
	Discarded []domain.Track
	Bridged   int
	Gaps      int
}

// Stitcher links one year's centres step by step. It is not safe for
// concurrent use.
type Stitcher struct {
	cfg     Config
	year    int
	logger  *slog.Logger
	metrics *observability.Metrics

	open    []*track
	next    int64 // last USI sequence number issued
	last    domain.JD
	started bool
	res     Result
}

// NewStitcher creates a Stitcher for year. metrics may be nil.
func NewStitcher(cfg Config, year int, logger *slog.Logger, metrics *observability.Metrics) *Stitcher {
	return &Stitcher{cfg: cfg, year: year, logger: logger, metrics: metrics}
}

type pair struct {
	t     *track
	c     int // index into the current step
	score float64
}

// Step advances to the time step jd with its centres. Steps must arrive in
// strictly increasing jd order and include steps that found no centres.
func (s *Stitcher) Step(jd domain.JD, centres []domain.Centre) {
	factor, flags := 1.0, domain.Flags(0)
	if s.started && s.cfg.Cadence > 0 {
		dh := jd.Hours() - s.last.Hours()
		gap := dh/s.cfg.Cadence - 1
		switch {
		case dh%s.cfg.Cadence != 0:
			s.res.Gaps++
			s.logger.Warn("off-cadence step closes open tracks",
				"year", s.year, "after_jd", int64(s.last), "jd", int64(jd), "hours", dh, "cadence", s.cfg.Cadence, "open", len(s.open))
			s.closeAll()
		case gap == 1 && s.cfg.Bridge:
			factor, flags = s.cfg.BridgeFactor, domain.FlagBridged
			s.res.Gaps++
			s.logger.Info("bridging data gap", "year", s.year, "after_jd", int64(s.last), "jd", int64(jd))
		case gap >= 1:
			s.res.Gaps++
			s.logger.Warn("data gap closes open tracks",
				"year", s.year, "after_jd", int64(s.last), "jd", int64(jd), "missing_steps", gap, "open", len(s.open))
			s.closeAll()
		}
	}

	// Tracks that went stale on the previous step close now.
	live := s.open[:0]
	for _, t := range s.open {
		if t.state == Stale {
			s.close(t)
			continue
		}
		live = append(live, t)
	}
	s.open = live

	cur := slices.Clone(centres)
	slices.SortFunc(cur, func(a, b domain.Centre) int { return cmp.Compare(a.CentreID, b.CentreID) })

	pairs := s.score(cur, factor, jd)
	slices.SortFunc(pairs, func(a, b pair) int {
		pa, pb := a.t.last(), b.t.last()
		return cmp.Or(
			cmp.Compare(a.score, b.score),
			cmp.Compare(a.t.id, b.t.id),
			cmp.Compare(pa.LatCent, pb.LatCent),
			cmp.Compare(pa.LonCent, pb.LonCent),
			cmp.Compare(cur[a.c].CentreID, cur[b.c].CentreID),
		)
	})

	claimed := make([]bool, len(cur))
	extended := make(map[*track]bool, len(s.open))
	for _, p := range pairs {
		if claimed[p.c] || extended[p.t] {
			continue
		}
		claimed[p.c] = true
		extended[p.t] = true
		s.extend(p.t, cur[p.c].WithFlags(flags))
		if flags != 0 {
			s.res.Bridged++
		}
	}

	for _, t := range s.open {
		if !extended[t] {
			t.state = Stale
		}
	}

	for i, c := range cur {
		if claimed[i] {
			continue
		}
		s.next++
		id := domain.TrackID(s.year, s.next)
		s.open = append(s.open, &track{
			id:     id,
			points: []domain.Centre{c.WithTrack(id, 0, 0)},
			state:  Nascent,
		})
	}

	s.last = jd
	s.started = true
}

func (s *Stitcher) score(cur []domain.Centre, factor float64, jd domain.JD) []pair {
	var pairs []pair
	for _, t := range s.open {
		p := t.last()
		radius := s.cfg.Radius(p.Lat()) * factor
		steps := float64(jd.Hours()-p.JD.Hours()) / float64(s.cfg.Cadence)

		predLat, predLon, havePred := 0.0, 0.0, false
		if len(t.points) >= 2 {
			q := t.points[len(t.points)-2]
			if b, d, err := grid.RhumbLine(q.Lat(), q.Lon(), p.Lat(), p.Lon()); err == nil {
				if lat, lon, err := grid.RhumbDestination(p.Lat(), p.Lon(), b, d*steps); err == nil {
					predLat, predLon, havePred = lat, lon, true
				}
			}
		}

		for i, c := range cur {
			d := grid.GCD(p.Lat(), p.Lon(), c.Lat(), c.Lon())
			if d > radius {
				continue
			}
			sc := s.cfg.WeightDistance * d / radius
			if havePred {
				sc += s.cfg.WeightPersistence * grid.GCD(predLat, predLon, c.Lat(), c.Lon()) / radius
			}
			if s.cfg.SLPScale > 0 {
				sc += s.cfg.WeightSLP * math.Abs(c.SLPhPa()-p.SLPhPa()) / s.cfg.SLPScale
			}
			if s.cfg.LapScale > 0 {
				sc += s.cfg.WeightLaplacian * math.Abs(c.LaplacianValue()-p.LaplacianValue()) / s.cfg.LapScale
			}
			pairs = append(pairs, pair{t: t, c: i, score: sc})
		}
	}
	return pairs
}

// extend appends c to t, replacing the previous tail with a copy linked
// forward to c.
func (s *Stitcher) extend(t *track, c domain.Centre) {
	n := len(t.points) - 1
	prev := t.points[n]
	t.points[n] = prev.WithTrack(t.id, prev.PrevID, c.CentreID)
	t.points = append(t.points, c.WithTrack(t.id, prev.CentreID, 0))
	t.state = Active
}

func (s *Stitcher) close(t *track) {
	t.state = Closed
	out := domain.Track{ID: t.id, Points: t.points}
	outcome := "kept"
	if out.Len() < s.cfg.MinSteps {
		outcome = "discarded"
		s.res.Discarded = append(s.res.Discarded, out)
	} else {
		s.res.Kept = append(s.res.Kept, out)
	}
	if s.metrics != nil {
		s.metrics.TracksClosed.WithLabelValues(outcome).Inc()
	}
}

func (s *Stitcher) closeAll() {
	for _, t := range s.open {
		s.close(t)
	}
	s.open = s.open[:0]
}

// Open returns the number of tracks that are not yet closed.
func (s *Stitcher) Open() int { return len(s.open) }

// Finish closes every open track and returns the year's tracks, each list
// ordered by track id.
func (s *Stitcher) Finish() Result {
	s.closeAll()
	byID := func(a, b domain.Track) int { return cmp.Compare(a.ID, b.ID) }
	slices.SortFunc(s.res.Kept, byID)
	slices.SortFunc(s.res.Discarded, byID)
	return s.res
}

// Stitch runs a Stitcher over a year. steps lists every time step present in
// the data, including those without centres; when nil the distinct centre
// times are used. Centres at times outside steps are ignored.
func Stitch(cfg Config, year int, steps []domain.JD, centres []domain.Centre, logger *slog.Logger, metrics *observability.Metrics) Result {
	byJD := make(map[domain.JD][]domain.Centre)
	for _, c := range centres {
		byJD[c.JD] = append(byJD[c.JD], c)
	}
	if steps == nil {
		for jd := range byJD {
			steps = append(steps, jd)
		}
	}
	steps = slices.Clone(steps)
	slices.Sort(steps)
	steps = slices.Compact(steps)

	s := NewStitcher(cfg, year, logger, metrics)
	for _, jd := range steps {
		s.Step(jd, byJD[jd])
		delete(byJD, jd)
	}
	if n := len(byJD); n > 0 {
		logger.Warn("centres outside the timeline ignored", "year", year, "steps", n)
	}
	return s.Finish()
}
