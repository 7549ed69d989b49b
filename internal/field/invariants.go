package field

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/grid"
)

const standardGravity = 9.80665

// Invariants holds the time-independent surface fields on the process grid.
type Invariants struct {
	Elevation    []float64 // metres
	LandFraction []float64 // 0..1
}

// IsLand reports whether cell k has land fraction >= thresh.
func (inv *Invariants) IsLand(k int, thresh float64) bool {
	return inv.LandFraction[k] >= thresh
}

// LoadInvariants reads the topography file once. Its coordinates define the
// process-wide grid.
func LoadInvariants(opener Opener, path string, logger *slog.Logger) (*grid.Grid, *Invariants, error) {
	ds, err := opener.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open invariants %s: %w", path, err)
	}
	defer ds.Close()

	layout, err := readLayout(ds)
	if err != nil {
		return nil, nil, fmt.Errorf("invariants %s: %w", path, err)
	}
	g := layout.Grid()

	hgt, err := readStatic(ds, layout, "hgt")
	if err != nil {
		return nil, nil, fmt.Errorf("invariants %s: %w", path, err)
	}
	switch u := strings.ToLower(strings.ReplaceAll(hgt.Units, " ", "")); u {
	case "m2s-2", "m2/s2", "m**2s**-2", "m^2/s^2":
		logger.Warn("hgt is geopotential, converting to metres", "kind", domain.ErrUnitWarning.Error(), "units", hgt.Units)
		scaleInPlace(hgt.Values, 1/standardGravity)
	case "km":
		scaleInPlace(hgt.Values, 1000)
	}

	lsm, err := readStatic(ds, layout, "lsm")
	if err != nil {
		return nil, nil, fmt.Errorf("invariants %s: %w", path, err)
	}
	if strings.TrimSpace(lsm.Units) == "%" {
		scaleInPlace(lsm.Values, 0.01)
	}

	// Missing elevations count as sea level and missing land fractions as sea.
	for k := range hgt.Values {
		if math.IsNaN(hgt.Values[k]) {
			hgt.Values[k] = 0
		}
		if math.IsNaN(lsm.Values[k]) {
			lsm.Values[k] = 0
		}
	}
	return g, &Invariants{Elevation: hgt.Values, LandFraction: lsm.Values}, nil
}

func readStatic(ds Dataset, layout *Layout, name string) (Frame, error) {
	raw, err := ds.Static(name)
	if err != nil {
		return Frame{}, fmt.Errorf("read %s: %w", name, err)
	}
	g := layout.Grid()
	if len(raw.Values) != g.Size() {
		return Frame{}, fmt.Errorf("%s has %d values, grid has %d", name, len(raw.Values), g.Size())
	}
	out := make([]float64, g.Size())
	layout.Apply(raw.Values, out)
	return Frame{Values: out, Units: raw.Units}, nil
}

func scaleInPlace(v []float64, f float64) {
	for i := range v {
		v[i] *= f
	}
}
