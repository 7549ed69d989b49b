// Command genmock writes synthetic NetCDF inputs for demos and end-to-end
// runs: a topography file, one six-hourly SLP file per year with drifting
// lows in both hemispheres, and matching composite variable files. It also
// writes a defines file pointing at them.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock -first 1980 -last 1981 -days 31
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/adapter/netcdf"
	"github.com/couchcryptid/etc-composites/internal/grid"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

const (
	cadenceHours = 6
	lowDepthHPa  = 24
	lowRadiusKm  = 600
)

// low is one synthetic cyclone: it starts at (lat, lon) on startStep and
// drifts east for life steps.
type low struct {
	lat, lon  float64
	dlat      float64 // degrees per step
	dlon      float64
	startStep int
	life      int
}

type options struct {
	out      string
	first    int
	last     int
	days     int
	res      float64
	vars     []string
	calendar string
}

func main() {
	var opts options
	var vars string
	flag.StringVar(&opts.out, "out", "data/mock", "output directory")
	flag.IntVar(&opts.first, "first", 1980, "first year")
	flag.IntVar(&opts.last, "last", 1980, "last year")
	flag.IntVar(&opts.days, "days", 31, "days per year to generate")
	flag.Float64Var(&opts.res, "res", 2.5, "grid spacing in degrees")
	flag.StringVar(&vars, "vars", "prw", "comma-separated composite variables")
	flag.StringVar(&opts.calendar, "calendar", "noleap", "CF calendar of the time axis")
	flag.Parse()

	logger := sharedobs.NewLogger("info", "text")
	for _, v := range strings.Split(vars, ",") {
		if v = strings.TrimSpace(v); v != "" {
			opts.vars = append(opts.vars, v)
		}
	}
	if err := run(opts, logger); err != nil {
		logger.Error("genmock failed", "error", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	if opts.last < opts.first || opts.days < 1 || opts.res <= 0 || 180/opts.res != math.Trunc(180/opts.res) {
		return fmt.Errorf("invalid options: years %d-%d, days %d, res %g", opts.first, opts.last, opts.days, opts.res)
	}
	for _, dir := range []string{"slp", "var", "workspace"} {
		if err := os.MkdirAll(filepath.Join(opts.out, dir), 0o755); err != nil {
			return err
		}
	}

	lats, lons := axes(opts.res)
	topo := filepath.Join(opts.out, "topo.nc")
	if err := writeTopo(topo, lats, lons); err != nil {
		return err
	}
	logger.Info("wrote invariants", "file", topo, "nlat", len(lats), "nlon", len(lons))

	steps := opts.days * 24 / cadenceHours
	for year := opts.first; year <= opts.last; year++ {
		lows := yearLows(year, steps)
		slp := filepath.Join(opts.out, "slp", fmt.Sprintf("slp.%d.nc", year))
		if err := writeYear(slp, "slp", year, opts.calendar, lats, lons, steps, lows, slpValue); err != nil {
			return err
		}
		for _, v := range opts.vars {
			path := filepath.Join(opts.out, "var", fmt.Sprintf("%s.%d.nc", v, year))
			if err := writeYear(path, v, year, opts.calendar, lats, lons, steps, lows, plumeValue); err != nil {
				return err
			}
		}
		logger.Info("wrote year", "year", year, "steps", steps, "lows", len(lows), "vars", len(opts.vars))
	}

	defines := filepath.Join(opts.out, "defines.txt")
	if err := writeDefines(defines, opts); err != nil {
		return err
	}
	logger.Info("wrote defines", "file", defines)
	return nil
}

// axes returns north-to-south latitudes and 0-based longitudes, the usual
// reanalysis layout on disk.
func axes(res float64) (lats, lons []float64) {
	for lat := 90.0; lat >= -90; lat -= res {
		lats = append(lats, lat)
	}
	for lon := 0.0; lon < 360; lon += res {
		lons = append(lons, lon)
	}
	return lats, lons
}

// yearLows places a family of lows whose start points differ per year so
// track ids are exercised across years.
func yearLows(year, steps int) []low {
	var out []low
	life := min(steps, 24)
	shift := float64(year%7) * 10
	for n, start := 0, 0; start < steps; n, start = n+1, start+life/2 {
		out = append(out,
			low{lat: 40 + float64(n%3)*5, lon: math.Mod(shift+float64(n)*47, 360), dlat: 0.3, dlon: 2.5, startStep: start, life: life},
			low{lat: -50 - float64(n%2)*5, lon: math.Mod(shift+180+float64(n)*61, 360), dlat: -0.2, dlon: 3, startStep: start, life: life},
		)
	}
	return out
}

// influence returns the Gaussian weight of every active low at a point.
func influence(lows []low, step int, lat, lon float64) float64 {
	w := 0.0
	for _, l := range lows {
		age := step - l.startStep
		if age < 0 || age >= l.life {
			continue
		}
		clat := l.lat + l.dlat*float64(age)
		clon := math.Mod(l.lon+l.dlon*float64(age), 360)
		d := grid.GCD(clat, clon, lat, lon) / 1000
		// Deepen then fill over the low's life.
		phase := math.Sin(math.Pi * float64(age+1) / float64(l.life+1))
		w += phase * math.Exp(-d*d/(2*lowRadiusKm*lowRadiusKm))
	}
	return w
}

func slpValue(w, lat float64) float32 {
	// Pa, with a weak meridional gradient so the background is not flat.
	return float32(100*(1013+2*math.Cos(lat*math.Pi/90)-lowDepthHPa*w))
}

func plumeValue(w, lat float64) float32 {
	return float32(5 + 30*math.Cos(lat*math.Pi/180) + 25*w)
}

func writeYear(path, variable string, year int, calendar string, lats, lons []float64, steps int,
	lows []low, value func(w, lat float64) float32) error {
	times := make([]float64, steps)
	data := make([][][]float32, steps)
	for s := range steps {
		times[s] = float64(s * cadenceHours)
		data[s] = make([][]float32, len(lats))
		for j, lat := range lats {
			row := make([]float32, len(lons))
			for i, lon := range lons {
				row[i] = value(influence(lows, s, lat, lon), lat)
			}
			data[s][j] = row
		}
	}

	units := "kg m-2"
	if variable == "slp" {
		units = "Pa"
	}
	f := netcdf.Create(path)
	f.AddGlobal(netcdf.Attr{Key: "title", Value: "synthetic " + variable})
	f.AddCoord("lat", lats, netcdf.Attr{Key: "units", Value: "degrees_north"})
	f.AddCoord("lon", lons, netcdf.Attr{Key: "units", Value: "degrees_east"})
	f.AddCoord("time", times,
		netcdf.Attr{Key: "units", Value: fmt.Sprintf("hours since %04d-01-01 00:00:00", year)},
		netcdf.Attr{Key: "calendar", Value: calendar})
	f.AddVar(variable, []string{"time", "lat", "lon"}, data, netcdf.Attr{Key: "units", Value: units})
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeTopo writes one rectangular continent in each hemisphere.
func writeTopo(path string, lats, lons []float64) error {
	hgt := make([][]float32, len(lats))
	lsm := make([][]float32, len(lats))
	for j, lat := range lats {
		hgt[j] = make([]float32, len(lons))
		lsm[j] = make([]float32, len(lons))
		for i, lon := range lons {
			north := lat >= 25 && lat <= 60 && lon >= 240 && lon <= 290
			south := lat >= -40 && lat <= -20 && lon >= 290 && lon <= 320
			if north || south {
				hgt[j][i], lsm[j][i] = 400, 1
			}
		}
	}
	f := netcdf.Create(path)
	f.AddGlobal(netcdf.Attr{Key: "title", Value: "synthetic invariants"})
	f.AddCoord("lat", lats, netcdf.Attr{Key: "units", Value: "degrees_north"})
	f.AddCoord("lon", lons, netcdf.Attr{Key: "units", Value: "degrees_east"})
	f.AddVar("hgt", []string{"lat", "lon"}, hgt, netcdf.Attr{Key: "units", Value: "m"})
	f.AddVar("lsm", []string{"lat", "lon"}, lsm, netcdf.Attr{Key: "units", Value: "1"})
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeDefines(path string, opts options) error {
	abs, err := filepath.Abs(opts.out)
	if err != nil {
		return err
	}
	body := fmt.Sprintf(`# Generated by genmock.
model = mock
over_write_years = %d, %d
main_folder_location = %s
topo_file = %s
slp_data_directory = %s
var_data_directory = %s
composite_var_list = %s
composite_hem_list = NH, SH
composite_season_list = all
composite_landsea_list = all, ocean
min_track_steps = 4
`, opts.first, opts.last,
		filepath.Join(abs, "workspace"),
		filepath.Join(abs, "topo.nc"),
		filepath.Join(abs, "slp"),
		filepath.Join(abs, "var"),
		strings.Join(opts.vars, ", "))
	return os.WriteFile(path, []byte(body), 0o644)
}
