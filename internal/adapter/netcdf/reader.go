// Package netcdf reads and writes gridded NetCDF files with the pure-Go
// go-native-netcdf library. It is the only package that touches the library
// API; the rest of the module sees field.Dataset and composite.Writer.
package netcdf

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"

	gonetcdf "github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/couchcryptid/etc-composites/internal/field"
)

// Opener opens NetCDF (CDF or HDF5) files. It implements field.Opener.
type Opener struct{}

// Open opens path for reading.
func (Opener) Open(path string) (field.Dataset, error) {
	g, err := gonetcdf.Open(path)
	if err != nil {
		return nil, err
	}
	return &dataset{group: g}, nil
}

type dataset struct {
	group api.Group
}

func (d *dataset) has(name string) bool {
	return slices.Contains(d.group.ListVariables(), name)
}

func (d *dataset) Coord(name string) (field.Coord, error) {
	if !d.has(name) {
		return field.Coord{}, fmt.Errorf("%s: %w", name, field.ErrNoVariable)
	}
	v, err := d.group.GetVariable(name)
	if err != nil {
		return field.Coord{}, fmt.Errorf("read %s: %w", name, err)
	}
	vals, err := flatten(v.Values, nil)
	if err != nil {
		return field.Coord{}, fmt.Errorf("%s: %w", name, err)
	}
	readPacking(v.Attributes).apply(vals)
	return field.Coord{
		Values:   vals,
		Units:    stringAttr(v.Attributes, "units"),
		Calendar: stringAttr(v.Attributes, "calendar"),
	}, nil
}

func (d *dataset) Static(name string) (field.Frame, error) {
	if !d.has(name) {
		return field.Frame{}, fmt.Errorf("%s: %w", name, field.ErrNoVariable)
	}
	v, err := d.group.GetVariable(name)
	if err != nil {
		return field.Frame{}, fmt.Errorf("read %s: %w", name, err)
	}
	vals, err := flatten(v.Values, nil)
	if err != nil {
		return field.Frame{}, fmt.Errorf("%s: %w", name, err)
	}
	readPacking(v.Attributes).apply(vals)
	return field.Frame{Values: vals, Units: stringAttr(v.Attributes, "units")}, nil
}

func (d *dataset) Frames(name string) (field.FrameReader, error) {
	if !d.has(name) {
		return nil, fmt.Errorf("%s: %w", name, field.ErrNoVariable)
	}
	vg, err := d.group.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if dims := vg.Dimensions(); len(dims) != 3 {
		return nil, fmt.Errorf("%s: want (time, lat, lon), got dimensions %v", name, d.shape(dims))
	}
	attrs := vg.Attributes()
	return &frames{
		name:    name,
		vg:      vg,
		units:   stringAttr(attrs, "units"),
		packing: readPacking(attrs),
	}, nil
}

// shape renders dimension names with their lengths from the file's
// dimension table.
func (d *dataset) shape(dims []string) []string {
	out := make([]string, len(dims))
	for i, name := range dims {
		n, _ := d.group.GetDimension(name)
		out[i] = fmt.Sprintf("%s=%d", name, n)
	}
	return out
}

func (d *dataset) Close() error {
	d.group.Close()
	return nil
}

type frames struct {
	name    string
	vg      api.VarGetter
	units   string
	packing packing
}

func (f *frames) Len() int      { return int(f.vg.Len()) }
func (f *frames) Units() string { return f.units }

func (f *frames) Read(t int, dst []float64) error {
	raw, err := f.vg.GetSlice(int64(t), int64(t+1))
	if err != nil {
		return fmt.Errorf("%s step %d: %w", f.name, t, err)
	}
	vals, err := flatten(raw, dst[:0])
	if err != nil {
		return fmt.Errorf("%s step %d: %w", f.name, t, err)
	}
	if len(vals) != len(dst) {
		return fmt.Errorf("%s step %d: %d values, want %d", f.name, t, len(vals), len(dst))
	}
	f.packing.apply(dst)
	return nil
}

// packing holds the CF packing and fill attributes of a variable.
type packing struct {
	scale  float64
	offset float64
	fills  []float64
}

func readPacking(attrs api.AttributeMap) packing {
	p := packing{scale: 1}
	if attrs == nil {
		return p
	}
	if v, ok := numberAttr(attrs, "scale_factor"); ok {
		p.scale = v
	}
	if v, ok := numberAttr(attrs, "add_offset"); ok {
		p.offset = v
	}
	for _, key := range []string{"_FillValue", "missing_value"} {
		if raw, ok := attrs.Get(key); ok {
			if vals, err := flatten(raw, nil); err == nil {
				p.fills = append(p.fills, vals...)
			}
		}
	}
	return p
}

// apply marks fill values as NaN and unpacks the rest in place. Fill values
// are compared in packed units.
func (p packing) apply(vals []float64) {
	for i, v := range vals {
		if slices.Contains(p.fills, v) {
			vals[i] = math.NaN()
			continue
		}
		vals[i] = v*p.scale + p.offset
	}
}

func stringAttr(attrs api.AttributeMap, key string) string {
	if attrs == nil {
		return ""
	}
	v, ok := attrs.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func numberAttr(attrs api.AttributeMap, key string) (float64, bool) {
	v, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	vals, err := flatten(v, nil)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

// flatten appends the numeric leaves of a scalar or (nested) slice to dst
// in row-major order.
func flatten(v any, dst []float64) ([]float64, error) {
	switch x := v.(type) {
	case []float32:
		for _, e := range x {
			dst = append(dst, float64(e))
		}
		return dst, nil
	case []float64:
		return append(dst, x...), nil
	case [][][]float32:
		for _, plane := range x {
			for _, row := range plane {
				for _, e := range row {
					dst = append(dst, float64(e))
				}
			}
		}
		return dst, nil
	case [][]float32:
		for _, row := range x {
			for _, e := range row {
				dst = append(dst, float64(e))
			}
		}
		return dst, nil
	}
	return flattenValue(reflect.ValueOf(v), dst)
}

func flattenValue(rv reflect.Value, dst []float64) ([]float64, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		var err error
		for i := range rv.Len() {
			if dst, err = flattenValue(rv.Index(i), dst); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case reflect.Float32, reflect.Float64:
		return append(dst, rv.Float()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return append(dst, float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return append(dst, float64(rv.Uint())), nil
	case reflect.Interface:
		return flattenValue(rv.Elem(), dst)
	case reflect.Invalid:
		return nil, errors.New("nil value")
	default:
		return nil, fmt.Errorf("unsupported value type %s", rv.Type())
	}
}
