// Package tracks links the centres of consecutive time steps into tracks.
//
// Every step, each open track is paired with the current centres inside its
// search radius and each pair is scored (lower is more similar). Pairs are
// assigned greedily in ascending (score, track_id, past position,
// centre_id) order, so a current centre goes to its best-scoring rival and
// the older track wins ties. Tracks that find no partner go stale and are
// closed on the following step; unclaimed centres start new tracks.
package tracks

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/grid"
)

// Band sets the search radius for past centres at or below MaxLat degrees
// of absolute latitude.
type Band struct {
	MaxLat float64
	Radius float64 // metres
}

// ParseBands reads "lat:km, lat:km, ..." into bands sorted by latitude.
func ParseBands(s string) ([]Band, error) {
	var bands []Band
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lat, km, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("search band %q: want lat:km", part)
		}
		l, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
		if err != nil {
			return nil, fmt.Errorf("search band %q: %w", part, err)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(km), 64)
		if err != nil {
			return nil, fmt.Errorf("search band %q: %w", part, err)
		}
		if l <= 0 || l > 90 || r <= 0 {
			return nil, fmt.Errorf("search band %q out of range", part)
		}
		bands = append(bands, Band{MaxLat: l, Radius: r * 1000})
	}
	if len(bands) == 0 {
		return nil, errors.New("no search bands")
	}
	slices.SortFunc(bands, func(a, b Band) int { return cmp.Compare(a.MaxLat, b.MaxLat) })
	return bands, nil
}

// Config holds the matching parameters.
type Config struct {
	Bands []Band

	WeightDistance    float64
	WeightPersistence float64
	WeightSLP         float64
	WeightLaplacian   float64
	SLPScale          float64 // hPa
	LapScale          float64 // hPa per squared degree

	Bridge       bool
	BridgeFactor float64

	MinSteps int
	Cadence  int64 // hours
}

// DefaultConfig returns the stock weights and bands.
func DefaultConfig() Config {
	return Config{
		Bands:             []Band{{30, 800e3}, {60, 1200e3}, {90, 1000e3}},
		WeightDistance:    1,
		WeightPersistence: 0.5,
		WeightSLP:         0.25,
		WeightLaplacian:   0.25,
		SLPScale:          10,
		LapScale:          1,
		BridgeFactor:      1.5,
		MinSteps:          6,
		Cadence:           6,
	}
}

// Radius returns the search radius in metres for a past centre at lat.
func (c Config) Radius(lat float64) float64 {
	a := math.Abs(lat)
	for _, b := range c.Bands {
		if a <= b.MaxLat {
			return b.Radius
		}
	}
	return c.Bands[len(c.Bands)-1].Radius
}

// Check verifies the pair invariants of a finished track: each step is one
// cadence apart (two for a bridged point) and within the search radius of
// the previous point.
func (c Config) Check(t domain.Track) error {
	for i := 1; i < t.Len(); i++ {
		p, q := t.Points[i-1], t.Points[i]
		want, radius := c.Cadence, c.Radius(p.Lat())
		if q.Flags.Has(domain.FlagBridged) {
			want, radius = 2*c.Cadence, radius*c.BridgeFactor
		}
		if dt := q.JD.Hours() - p.JD.Hours(); dt != want {
			return fmt.Errorf("track %d: points %d and %d are %dh apart, want %dh", t.ID, p.CentreID, q.CentreID, dt, want)
		}
		if d := grid.GCD(p.Lat(), p.Lon(), q.Lat(), q.Lon()); d > radius {
			return fmt.Errorf("track %d: points %d and %d are %.0f km apart, radius %.0f km",
				t.ID, p.CentreID, q.CentreID, d/1000, radius/1000)
		}
		if p.TrackID != t.ID || q.TrackID != t.ID || p.NextID != q.CentreID || q.PrevID != p.CentreID {
			return fmt.Errorf("track %d: broken links between %d and %d", t.ID, p.CentreID, q.CentreID)
		}
	}
	return nil
}
