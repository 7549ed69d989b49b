package field

import (
	"fmt"
	"math"

	"github.com/couchcryptid/etc-composites/internal/grid"
)

// Layout maps an on-disk (lat, lon) array onto the normalised grid:
// latitudes ascending, longitudes ascending in [0, 360).
type Layout struct {
	nlat  int
	nlon  int
	flip  bool // on-disk latitudes descend
	shift int  // on-disk column of the normalised first longitude
	grid  *grid.Grid
}

// NewLayout inspects raw coordinate arrays and builds the normalised grid.
func NewLayout(lats, lons []float64) (*Layout, error) {
	nlat, nlon := len(lats), len(lons)
	if nlat < 2 || nlon < 2 {
		return nil, fmt.Errorf("coordinates too short: %d lats, %d lons", nlat, nlon)
	}

	l := &Layout{nlat: nlat, nlon: nlon, flip: lats[0] > lats[nlat-1]}

	normLats := make([]float64, nlat)
	for j := range nlat {
		normLats[j] = lats[l.srcRow(j)]
	}

	wrapped := make([]float64, nlon)
	for i, lon := range lons {
		wrapped[i] = math.Mod(lon, 360)
		if wrapped[i] < 0 {
			wrapped[i] += 360
		}
		if wrapped[i] < wrapped[l.shift] {
			l.shift = i
		}
	}
	normLons := make([]float64, nlon)
	for i := range nlon {
		normLons[i] = wrapped[(i+l.shift)%nlon]
	}

	g, err := grid.New(normLats, normLons)
	if err != nil {
		return nil, fmt.Errorf("normalise layout: %w", err)
	}
	l.grid = g
	return l, nil
}

// Grid returns the normalised grid.
func (l *Layout) Grid() *grid.Grid { return l.grid }

// Identity reports whether the on-disk order is already normalised.
func (l *Layout) Identity() bool { return !l.flip && l.shift == 0 }

func (l *Layout) srcRow(j int) int {
	if l.flip {
		return l.nlat - 1 - j
	}
	return j
}

// Apply reorders src (on-disk order) into dst (normalised order). Both must
// hold nlat*nlon values and must not alias.
func (l *Layout) Apply(src, dst []float64) {
	if l.Identity() {
		copy(dst, src)
		return
	}
	for j := range l.nlat {
		row := src[l.srcRow(j)*l.nlon : (l.srcRow(j)+1)*l.nlon]
		out := dst[j*l.nlon : (j+1)*l.nlon]
		n := copy(out, row[l.shift:])
		copy(out[n:], row[:l.shift])
	}
}

// sameGrid reports whether two grids share coordinates to within a
// millionth of a degree.
func sameGrid(a, b *grid.Grid) bool {
	if a.NLat() != b.NLat() || a.NLon() != b.NLon() {
		return false
	}
	for j := range a.NLat() {
		if math.Abs(a.Lat(j)-b.Lat(j)) > 1e-6 {
			return false
		}
	}
	for i := range a.NLon() {
		if math.Abs(a.Lon(i)-b.Lon(i)) > 1e-6 {
			return false
		}
	}
	return true
}
