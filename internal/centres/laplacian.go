// Package centres scans SLP snapshots for candidate cyclone centres: local
// minima below the elevation mask whose Laplacian passes the cutoff,
// with shallower minima inside one closed contour merged into the deepest.
package centres

import (
	"math"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/grid"
)

// Laplacian fills lap with the 9-point discrete Laplacian of slp in hPa per
// squared degree of latitude. Longitudinal spacing is scaled by cos(lat) so
// both axes are in degrees of latitude. The stencil blends the 5-point and
// the diagonal estimates 2:1; both are exact for a quadratic bowl.
func Laplacian(g *grid.Grid, slp, lap []float64) {
	dy2 := g.DLat() * g.DLat()
	for j := range g.NLat() {
		dx := g.DLon() * math.Cos(g.Lat(j)*math.Pi/180)
		dx2 := dx * dx
		for k := g.RowStart(j); k <= g.RowEnd(j); k++ {
			if dx < 1e-9 {
				lap[k] = 0
				continue
			}
			nb := g.Neighbours(k)
			c := slp[k]
			l5 := (slp[nb[grid.East]]+slp[nb[grid.West]]-2*c)/dx2 +
				(slp[nb[grid.North]]+slp[nb[grid.South]]-2*c)/dy2
			ld := (slp[nb[grid.NorthEast]] + slp[nb[grid.NorthWest]] +
				slp[nb[grid.SouthEast]] + slp[nb[grid.SouthWest]] - 4*c) / (dx2 + dy2)
			lap[k] = (2*l5 + ld) / 3
		}
	}
}

// regionalMean returns the mean of cell k and its 8 neighbours.
func regionalMean(g *grid.Grid, slp []float64, k int) float64 {
	sum := slp[k]
	for _, n := range g.Neighbours(k) {
		sum += slp[n]
	}
	return sum / 9
}

// localMinima returns the unmasked cells whose SLP, in micro-hPa, is at or
// below every neighbour. Equal minima connected through the neighbour graph
// form one group and only its cell with the lowest regional mean, then the
// lowest index, is returned. A group touching a lower or missing cell is not
// a minimum.
func (f *Finder) localMinima(slp []float64) []int {
	g := f.grid
	for k, v := range slp {
		f.missing[k] = math.IsNaN(v)
		if !f.missing[k] {
			f.quant[k] = domain.UnitToMicro(v)
		}
	}
	clear(f.seen)

	var out []int
	for k := range g.Size() {
		if f.seen[k] || !f.atOrBelow(k) {
			continue
		}
		best, bestReg, whole := -1, int64(0), true
		for _, m := range f.plateau(k) {
			if !f.atOrBelow(m) {
				whole = false
				break
			}
			if f.inv.Elevation[m] >= f.cfg.ElevationThreshold {
				continue
			}
			reg := domain.UnitToMicro(regionalMean(g, slp, m))
			if best < 0 || reg < bestReg || (reg == bestReg && m < best) {
				best, bestReg = m, reg
			}
		}
		if whole && best >= 0 {
			out = append(out, best)
		}
	}
	return out
}

// atOrBelow reports whether cell k is no higher than any neighbour. Clamped
// boundary rows list themselves as neighbours; those slots are ignored.
func (f *Finder) atOrBelow(k int) bool {
	if f.missing[k] {
		return false
	}
	for _, n := range f.grid.Neighbours(k) {
		if n == k {
			continue
		}
		if f.missing[n] || f.quant[n] < f.quant[k] {
			return false
		}
	}
	return true
}

// plateau marks and returns the cells connected to k with the same value.
func (f *Finder) plateau(k int) []int {
	f.group = append(f.group[:0], k)
	f.seen[k] = true
	for i := 0; i < len(f.group); i++ {
		for _, n := range f.grid.Neighbours(f.group[i]) {
			if f.seen[n] || f.missing[n] || f.quant[n] != f.quant[k] {
				continue
			}
			f.seen[n] = true
			f.group = append(f.group, n)
		}
	}
	return f.group
}
