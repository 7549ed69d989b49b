package netcdf

import (
	"fmt"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/couchcryptid/etc-composites/internal/composite"
)

// Attr is one attribute in write order.
type Attr struct {
	Key   string
	Value any
}

// File collects variables and global attributes and writes them as a
// classic CDF file on Close.
type File struct {
	path    string
	globals []Attr
	vars    []fileVar
}

type fileVar struct {
	name   string
	dims   []string
	values any
	attrs  []Attr
}

// Create starts a new file at path. Nothing is written until Close.
func Create(path string) *File {
	return &File{path: path}
}

// AddGlobal appends global attributes.
func (f *File) AddGlobal(attrs ...Attr) {
	f.globals = append(f.globals, attrs...)
}

// AddCoord adds a 1-D coordinate variable whose dimension shares its name.
func (f *File) AddCoord(name string, values []float64, attrs ...Attr) {
	f.AddVar(name, []string{name}, values, attrs...)
}

// AddVar adds a variable. values is a (nested) slice matching dims.
func (f *File) AddVar(name string, dims []string, values any, attrs ...Attr) {
	f.vars = append(f.vars, fileVar{name: name, dims: dims, values: values, attrs: attrs})
}

// Close writes the file.
func (f *File) Close() error {
	cw, err := cdf.OpenWriter(f.path)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.path, err)
	}

	if err := f.write(cw); err != nil {
		_ = cw.Close()
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	return nil
}

func (f *File) write(cw *cdf.CDFWriter) error {
	if len(f.globals) > 0 {
		globals, err := attributeMap(f.globals)
		if err != nil {
			return err
		}
		if err := cw.AddGlobalAttrs(globals); err != nil {
			return fmt.Errorf("global attributes: %w", err)
		}
	}
	for _, v := range f.vars {
		attrs, err := attributeMap(v.attrs)
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		err = cw.AddVar(v.name, api.Variable{
			Values:     v.values,
			Dimensions: v.dims,
			Attributes: attrs,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

func attributeMap(attrs []Attr) (api.AttributeMap, error) {
	keys := make([]string, 0, len(attrs))
	vals := make(map[string]any, len(attrs))
	for _, a := range attrs {
		if _, dup := vals[a.Key]; !dup {
			keys = append(keys, a.Key)
		}
		vals[a.Key] = a.Value
	}
	m, err := util.NewOrderedMap(keys, vals)
	if err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	return m, nil
}

// CompositeWriter writes composite outputs. It implements composite.Writer.
type CompositeWriter struct{}

// WriteComposite writes one composite with its bin-centre coordinates and
// the sum, count and mean variables.
func (CompositeWriter) WriteComposite(path string, out composite.Output) error {
	f := Create(path)
	for _, a := range out.Attrs {
		f.AddGlobal(Attr{Key: a.Key, Value: a.Value})
	}
	for d := range out.Dims {
		f.AddCoord(out.Dims[d], out.Coords[d], Attr{Key: "units", Value: out.Units[d]})
	}
	dims := []string{out.Dims[0], out.Dims[1]}
	f.AddVar("sum", dims, out.Sum, Attr{Key: "long_name", Value: "sum of field values per bin"})
	f.AddVar("count", dims, out.Count, Attr{Key: "long_name", Value: "number of contributing gridpoints per bin"})
	f.AddVar("mean", dims, out.Mean,
		Attr{Key: "long_name", Value: "bin mean (sum / count), NaN where count is 0"},
		Attr{Key: "units", Value: out.ValueUnits})
	return f.Close()
}
