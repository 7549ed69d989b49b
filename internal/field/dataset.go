// Package field presents per-year gridded NetCDF files as a uniform stream of
// snapshots on the process grid, whatever their on-disk layout.
package field

import (
	"errors"
	"fmt"
)

// ErrNoVariable is returned by a Dataset when a variable is absent.
var ErrNoVariable = errors.New("variable not found")

// Opener opens gridded files for reading.
type Opener interface {
	Open(path string) (Dataset, error)
}

// Dataset is one opened file. Values are returned unpacked (scale_factor and
// add_offset applied) with fill and missing values replaced by NaN.
type Dataset interface {
	// Coord reads a 1-D coordinate variable.
	Coord(name string) (Coord, error)
	// Static reads a whole variable without a time dimension (or with a
	// single time step), flattened row-major in on-disk order.
	Static(name string) (Frame, error)
	// Frames opens a (time, lat, lon) variable for per-step reads.
	Frames(name string) (FrameReader, error)
	Close() error
}

// Coord is a coordinate variable with the attributes the decoders need.
type Coord struct {
	Values   []float64
	Units    string
	Calendar string
}

// Frame is a 2-D field in on-disk order.
type Frame struct {
	Values []float64
	Units  string
}

// FrameReader reads individual time steps of a 3-D variable.
type FrameReader interface {
	Len() int
	Units() string
	// Read fills dst (nlat*nlon, on-disk order) with step t.
	Read(t int, dst []float64) error
}

var coordAliases = map[string][]string{
	"lat":  {"lat", "latitude", "y"},
	"lon":  {"lon", "longitude", "x"},
	"time": {"time", "t"},
}

// findCoord reads the first alias of a canonical coordinate name present in ds.
func findCoord(ds Dataset, canonical string) (Coord, error) {
	names := coordAliases[canonical]
	for _, name := range names {
		c, err := ds.Coord(name)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNoVariable) {
			return Coord{}, fmt.Errorf("read %s: %w", name, err)
		}
	}
	return Coord{}, fmt.Errorf("coordinate %s (tried %v): %w", canonical, names, ErrNoVariable)
}

// readLayout reads the lat/lon coordinates of ds and derives its layout.
func readLayout(ds Dataset) (*Layout, error) {
	lats, err := findCoord(ds, "lat")
	if err != nil {
		return nil, err
	}
	lons, err := findCoord(ds, "lon")
	if err != nil {
		return nil, err
	}
	return NewLayout(lats.Values, lons.Values)
}
