// Package grid is the process-wide lon/lat grid: linear index arithmetic,
// the Moore-neighbour table, and nearest-point lookups. A Grid is immutable
// after New and safe for concurrent use.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

// Neighbour slots in the table returned by Neighbours.
const (
	East = iota
	West
	North
	South
	NorthEast
	NorthWest
	SouthEast
	SouthWest
)

// Grid is a global regular lon/lat rectangle with ascending latitudes and
// ascending longitudes in [0, 360). Cell k = j*nlon + i.
type Grid struct {
	lats []float64
	lons []float64
	nlat int
	nlon int
	dlat float64
	dlon float64

	rowStart   []int
	rowEnd     []int
	neighbours [][8]int
}

// New validates the coordinate arrays and precomputes the row and
// neighbour tables.
func New(lats, lons []float64) (*Grid, error) {
	if len(lats) < 3 || len(lons) < 3 {
		return nil, fmt.Errorf("grid needs at least 3x3 points, got %dx%d", len(lats), len(lons))
	}
	for j := 1; j < len(lats); j++ {
		if lats[j] <= lats[j-1] {
			return nil, fmt.Errorf("latitudes not strictly ascending at row %d", j)
		}
	}
	for i := 1; i < len(lons); i++ {
		if lons[i] <= lons[i-1] {
			return nil, fmt.Errorf("longitudes not strictly ascending at column %d", i)
		}
	}
	if lons[0] < 0 || lons[len(lons)-1] >= 360 {
		return nil, errors.New("longitudes must lie in [0, 360)")
	}
	if lats[0] < -90 || lats[len(lats)-1] > 90 {
		return nil, errors.New("latitudes must lie in [-90, 90]")
	}

	nlat, nlon := len(lats), len(lons)
	dlon := 360.0 / float64(nlon)
	if span := lons[nlon-1] - lons[0] + dlon; math.Abs(span-360) > dlon*0.01 {
		return nil, fmt.Errorf("longitudes do not span the globe (%.3f degrees)", span)
	}

	g := &Grid{
		lats: append([]float64(nil), lats...),
		lons: append([]float64(nil), lons...),
		nlat: nlat,
		nlon: nlon,
		dlat: (lats[nlat-1] - lats[0]) / float64(nlat-1),
		dlon: dlon,
	}
	g.rowStart, g.rowEnd = FirstLastLons(nlat, nlon)
	g.buildNeighbours()
	return g, nil
}

// FirstLastLons returns the first and last linear index of every row.
func FirstLastLons(nlat, nlon int) (rowStart, rowEnd []int) {
	rowStart = make([]int, nlat)
	rowEnd = make([]int, nlat)
	for j := range nlat {
		rowStart[j] = j * nlon
		rowEnd[j] = j*nlon + nlon - 1
	}
	return rowStart, rowEnd
}

func (g *Grid) buildNeighbours() {
	g.neighbours = make([][8]int, g.nlat*g.nlon)
	for j := range g.nlat {
		n, s := g.Clamp(j+1), g.Clamp(j-1)
		for i := range g.nlon {
			e, w := g.Wrap(i+1), g.Wrap(i-1)
			g.neighbours[g.rowStart[j]+i] = [8]int{
				East:      g.rowStart[j] + e,
				West:      g.rowStart[j] + w,
				North:     g.rowStart[n] + i,
				South:     g.rowStart[s] + i,
				NorthEast: g.rowStart[n] + e,
				NorthWest: g.rowStart[n] + w,
				SouthEast: g.rowStart[s] + e,
				SouthWest: g.rowStart[s] + w,
			}
		}
	}
}

func (g *Grid) NLat() int { return g.nlat }
func (g *Grid) NLon() int { return g.nlon }
func (g *Grid) Size() int { return g.nlat * g.nlon }
func (g *Grid) DLat() float64 { return g.dlat }
func (g *Grid) DLon() float64 { return g.dlon }
func (g *Grid) Lat(j int) float64 { return g.lats[j] }
func (g *Grid) Lon(i int) float64 { return g.lons[i] }

// Lats returns a copy of the latitude coordinates.
func (g *Grid) Lats() []float64 { return append([]float64(nil), g.lats...) }

// Lons returns a copy of the longitude coordinates.
func (g *Grid) Lons() []float64 { return append([]float64(nil), g.lons...) }

// RowStart returns the linear index of the first cell in row j.
func (g *Grid) RowStart(j int) int { return g.rowStart[j] }

// RowEnd returns the linear index of the last cell in row j.
func (g *Grid) RowEnd(j int) int { return g.rowEnd[j] }

// Wrap maps any column index onto [0, nlon).
func (g *Grid) Wrap(i int) int {
	return ((i % g.nlon) + g.nlon) % g.nlon
}

// Clamp limits a row index to [0, nlat).
func (g *Grid) Clamp(j int) int {
	return min(max(j, 0), g.nlat-1)
}

// Index converts (i, j) to a linear index.
func (g *Grid) Index(i, j int) (int, error) {
	if i < 0 || i >= g.nlon || j < 0 || j >= g.nlat {
		return 0, fmt.Errorf("cell (%d,%d): %w", i, j, domain.ErrInvalidIndex)
	}
	return g.rowStart[j] + i, nil
}

// IJ converts a linear index to (i, j).
func (g *Grid) IJ(k int) (i, j int, err error) {
	if k < 0 || k >= g.Size() {
		return 0, 0, fmt.Errorf("index %d: %w", k, domain.ErrInvalidIndex)
	}
	return k % g.nlon, k / g.nlon, nil
}

// Neighbours returns the 8 Moore neighbours of k, wrapping in longitude and
// clamping in latitude. Boundary rows list themselves as their own
// north/south neighbours.
func (g *Grid) Neighbours(k int) [8]int {
	return g.neighbours[k]
}

// LatLon returns the coordinates of cell k. k must be valid.
func (g *Grid) LatLon(k int) (lat, lon float64) {
	return g.lats[k/g.nlon], g.lons[k%g.nlon]
}

// Locate snaps (lon, lat) to the nearest cell centre. lon is wrapped to
// [0, 360) first; lat is clamped to the grid.
func (g *Grid) Locate(lon, lat float64) (k int, actualLon, actualLat float64) {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	i := g.Wrap(int(math.Round((lon - g.lons[0]) / g.dlon)))
	j := g.nearestRow(lat)
	return g.rowStart[j] + i, g.lons[i], g.lats[j]
}

func (g *Grid) nearestRow(lat float64) int {
	j := sort.SearchFloat64s(g.lats, lat)
	switch {
	case j <= 0:
		return 0
	case j >= g.nlat:
		return g.nlat - 1
	case lat-g.lats[j-1] <= g.lats[j]-lat:
		return j - 1
	default:
		return j
	}
}

// NearPole reports whether row j lies within one row of a pole.
func (g *Grid) NearPole(j int) bool {
	return 90-math.Abs(g.lats[j]) < g.dlat*(1+1e-6)
}

// CellArea returns the area in square metres of a cell in row j.
func (g *Grid) CellArea(j int) float64 {
	lat := g.lats[j]
	lo := math.Max(lat-g.dlat/2, -90)
	hi := math.Min(lat+g.dlat/2, 90)
	return GridArea(lo, hi, g.dlon)
}
