// Package composite bins field values around cyclone centres. Each selected
// track point contributes every gridpoint of its neighbourhood to a
// circular (angle x radius) and a rectangular (x x y) accumulator. Sums and
// counts are kept per year and merged in year order so results are
// reproducible bit for bit.
package composite

import (
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/etc-composites/internal/grid"
)

// Mode names a binning geometry.
type Mode string

const (
	Circular    Mode = "circ"
	Rectangular Mode = "area"
)

// Bins maps a (distance, bearing) offset from a centre to a bin index.
type Bins struct {
	Mode    Mode
	DistDiv float64 // metres
	DistMax float64 // metres
	AngDiv  float64 // degrees, circular only

	n0, n1 int
}

// NewCircular bins by radius rings of distDiv metres out to distMax and
// bearing sectors of angDiv degrees.
func NewCircular(distDiv, angDiv, distMax float64) (Bins, error) {
	if distDiv <= 0 || angDiv <= 0 || distMax <= 0 {
		return Bins{}, errors.New("circular bins need positive sizes")
	}
	nr, ok := divides(distMax, distDiv)
	if !ok {
		return Bins{}, fmt.Errorf("circular dist_max %.0f is not a multiple of dist_div %.0f", distMax, distDiv)
	}
	na, ok := divides(360, angDiv)
	if !ok {
		return Bins{}, fmt.Errorf("360 is not a multiple of ang_div %g", angDiv)
	}
	return Bins{Mode: Circular, DistDiv: distDiv, DistMax: distMax, AngDiv: angDiv, n0: na, n1: nr}, nil
}

// NewRectangular bins by square cells of distDiv metres covering
// ±distMax in both directions of the local tangent plane.
func NewRectangular(distDiv, distMax float64) (Bins, error) {
	if distDiv <= 0 || distMax <= 0 {
		return Bins{}, errors.New("rectangular bins need positive sizes")
	}
	n, ok := divides(distMax, distDiv)
	if !ok {
		return Bins{}, fmt.Errorf("area dist_max %.0f is not a multiple of dist_div %.0f", distMax, distDiv)
	}
	return Bins{Mode: Rectangular, DistDiv: distDiv, DistMax: distMax, n0: 2 * n, n1: 2 * n}, nil
}

func divides(total, div float64) (int, bool) {
	n := math.Round(total / div)
	return int(n), n >= 1 && math.Abs(n*div-total) <= 1e-9*total
}

// Shape returns the two dimension lengths: (angle, radius) or (x, y).
func (b Bins) Shape() (int, int) { return b.n0, b.n1 }

// Len returns the number of bins.
func (b Bins) Len() int { return b.n0 * b.n1 }

// Reach returns the largest distance in metres that can fall in a bin.
func (b Bins) Reach() float64 {
	if b.Mode == Rectangular {
		return b.DistMax * math.Sqrt2
	}
	return b.DistMax
}

// Bin returns the bin index of a gridpoint d metres from the centre at the
// given initial bearing (radians, clockwise from north).
func (b Bins) Bin(d, bearing float64) (int, bool) {
	switch b.Mode {
	case Circular:
		if d < 0 || d >= b.DistMax {
			return 0, false
		}
		r := int(d / b.DistDiv)
		a := int(grid.Degrees(bearing) / b.AngDiv)
		if a >= b.n0 {
			a = b.n0 - 1
		}
		if r >= b.n1 {
			return 0, false
		}
		return a*b.n1 + r, true
	case Rectangular:
		x := d * math.Sin(bearing)
		y := d * math.Cos(bearing)
		ix := int(math.Floor((x + b.DistMax) / b.DistDiv))
		iy := int(math.Floor((y + b.DistMax) / b.DistDiv))
		if ix < 0 || ix >= b.n0 || iy < 0 || iy >= b.n1 {
			return 0, false
		}
		return ix*b.n1 + iy, true
	}
	return 0, false
}

// Dims returns the dimension names.
func (b Bins) Dims() [2]string {
	if b.Mode == Rectangular {
		return [2]string{"x", "y"}
	}
	return [2]string{"angle", "radius"}
}

// Units returns the units of the two coordinates.
func (b Bins) Units() [2]string {
	if b.Mode == Rectangular {
		return [2]string{"km", "km"}
	}
	return [2]string{"degrees", "km"}
}

// Coords returns the bin-centre coordinates of both dimensions.
func (b Bins) Coords() [2][]float64 {
	c0 := make([]float64, b.n0)
	c1 := make([]float64, b.n1)
	div := b.DistDiv / 1000
	if b.Mode == Rectangular {
		lo := -b.DistMax / 1000
		for i := range c0 {
			c0[i] = lo + (float64(i)+0.5)*div
		}
		copy(c1, c0)
		return [2][]float64{c0, c1}
	}
	for i := range c0 {
		c0[i] = (float64(i) + 0.5) * b.AngDiv
	}
	for i := range c1 {
		c1[i] = (float64(i) + 0.5) * div
	}
	return [2][]float64{c0, c1}
}

// Area returns the spherical area in square metres of circular bin idx.
func (b Bins) Area(idx int) float64 {
	if b.Mode == Rectangular {
		return b.DistDiv * b.DistDiv
	}
	r := idx % b.n1
	return grid.BinArea(float64(r)*b.DistDiv, float64(r+1)*b.DistDiv, b.AngDiv*math.Pi/180)
}

func (b Bins) same(o Bins) bool {
	return b.Mode == o.Mode && b.DistDiv == o.DistDiv && b.DistMax == o.DistMax && b.AngDiv == o.AngDiv
}
