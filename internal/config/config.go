package config

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/tracks"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all run settings, read from a defines file and overridden by
// environment variables at the CLI boundary.
type Config struct {
	Model     string
	FirstYear int
	LastYear  int

	TopoFile    string
	SLPDir      string
	VarDir      string
	Workspace   string
	SLPPattern  string
	VarPattern  string
	SLPVar      string
	Calendar    string
	CadenceHrs  int
	PodHome     string // base of relative topo and calibration files
	ObsData     string // base of a relative reference distribution file
	ObsLatDistr string

	// Centre finding.
	ThreshHgt          float64
	ThreshLSM          float64
	LapCutoff          float64
	LapCalibrationFile string
	ContourInterval    float64
	DuplicateRadiusKm  float64
	MinCentres         int
	MaxCentres         int
	MaxCentresChange   int

	// Track stitching.
	SearchBands       []tracks.Band
	WeightDistance    float64
	WeightPersistence float64
	WeightSLP         float64
	WeightLaplacian   float64
	SLPScale          float64
	LapScale          float64
	BridgeGaps        bool
	BridgeFactor      float64
	MinTrackSteps     int

	// Compositing.
	CompositeVars     []string
	Hemispheres       []domain.Hemisphere
	Seasons           []domain.Season
	LandSea           []domain.LandSea
	WarmMonths        []int
	CircDistDiv       float64 // km
	CircAngDiv        float64 // degrees
	CircDistMax       float64 // km
	AreaDistDiv       float64 // km
	AreaDistMax       float64 // km
	SnapshotCacheSize int

	NumCores           int
	Strict             bool
	HardCopy           bool
	UseExternalTracks  bool
	ExternalTracksFile string
	CatalogDB          string
	SummaryWorkbook    bool

	LogLevel        string
	LogFormat       string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	KafkaBrokers    []string
	KafkaTrackTopic string
}

var defaults = map[string]string{
	"model":                        "model",
	"slp_file_pattern":             "slp.{year}.nc",
	"var_file_pattern":             "{var}.{year}.nc",
	"slp_var":                      "slp",
	"calendar":                     "",
	"cadence_hours":                "6",
	"thresh_landsea_hgt":           "1000",
	"thresh_landsea_lsm":           "0.5",
	"lapp_cutoff":                  "0.05",
	"lapp_calibration_file":        "",
	"contour_interval_hpa":         "2.0",
	"duplicate_radius_km":          "1000",
	"min_centres_per_tstep":        "1",
	"max_centres_per_tstep":        "200",
	"max_centres_per_tstep_change": "60",
	"search_radius_bands":          "30:800, 60:1200, 90:1000",
	"score_weight_distance":        "1.0",
	"score_weight_persistence":     "0.5",
	"score_weight_slp":             "0.25",
	"score_weight_laplacian":       "0.25",
	"score_slp_scale_hpa":          "10",
	"score_lap_scale":              "1.0",
	"bridge_gaps":                  "false",
	"bridge_radius_factor":         "1.5",
	"min_track_steps":              "6",
	"composite_var_list":           "prw",
	"composite_hem_list":           "NH, SH",
	"composite_season_list":        "all, djf, mam, jja, son, warm",
	"composite_landsea_list":       "all, land, ocean",
	"warm_season_months":           "5,6,7,8,9",
	"circ.dist_div":                "100",
	"circ.ang_div":                 "20",
	"circ.dist_max":                "1500",
	"area.dist_div":                "100",
	"area.dist_max":                "1500",
	"num_cores":                    "1",
	"strict":                       "false",
	"hard_copy":                    "false",
	"use_external_tracks":          "false",
	"external_tracks_file":         "",
	"snapshot_cache_size":          "64",
	"catalog_db":                   "",
	"summary_workbook":             "true",
	"obs_lat_distrib_file":         "",
	"over_write_years":             "",
	"topo_file":                    "",
	"slp_data_directory":           "",
	"var_data_directory":           "",
	"main_folder_location":         "",
}

// envOverrides maps environment variables to the defines keys they replace.
var envOverrides = []struct{ env, key string }{
	{"WK_DIR", "main_folder_location"},
	{"DATADIR", "slp_data_directory"},
	{"DATADIR", "var_data_directory"},
	{"CASENAME", "model"},
	{"topo_file", "topo_file"},
	{"obs_lat_distrib_file", "obs_lat_distrib_file"},
	{"slp_var", "slp_var"},
}

// Load reads the defines file at path, applies environment overrides and
// validates the result. Every failure wraps domain.ErrConfigInvalid.
func Load(path string) (*Config, error) {
	vals := make(map[string]string, len(defaults))
	for k, v := range defaults {
		vals[k] = v
	}
	if path != "" {
		if err := readDefines(path, vals); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
		}
	}
	applyEnv(vals)

	cfg, err := build(vals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return cfg, nil
}

func readDefines(path string, vals map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("%s:%d: want key = value", path, n)
		}
		key = strings.TrimSpace(key)
		if _, known := defaults[key]; !known {
			return fmt.Errorf("%s:%d: unknown key %q", path, n, key)
		}
		vals[key] = strings.TrimSpace(val)
	}
	return sc.Err()
}

func applyEnv(vals map[string]string) {
	for _, o := range envOverrides {
		vals[o.key] = sharedcfg.EnvOrDefault(o.env, vals[o.key])
	}
	first, last, _ := strings.Cut(vals["over_write_years"], ",")
	first = sharedcfg.EnvOrDefault("FIRSTYR", strings.TrimSpace(first))
	last = sharedcfg.EnvOrDefault("LASTYR", strings.TrimSpace(last))
	if first != "" || last != "" {
		vals["over_write_years"] = first + "," + last
	}
}

// parser converts raw values and keeps the first error per key.
type parser struct {
	vals map[string]string
	errs []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
}

func (p *parser) str(key string) string { return p.vals[key] }

func (p *parser) int(key string) int {
	n, err := strconv.Atoi(p.vals[key])
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func (p *parser) float(key string) float64 {
	v, err := strconv.ParseFloat(p.vals[key], 64)
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) bool(key string) bool {
	v, err := strconv.ParseBool(p.vals[key])
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) list(key string) []string {
	return splitList(p.vals[key])
}

// splitList splits a comma-separated value, trimming each item and dropping
// empty ones.
func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) ints(key string) []int {
	var out []int
	for _, s := range p.list(key) {
		n, err := strconv.Atoi(s)
		if err != nil {
			p.fail(key, err)
			return nil
		}
		out = append(out, n)
	}
	return out
}

func parseAll[T any](p *parser, key string, parse func(string) (T, error)) []T {
	var out []T
	for _, s := range p.list(key) {
		v, err := parse(s)
		if err != nil {
			p.fail(key, err)
			return nil
		}
		out = append(out, v)
	}
	return out
}

func build(vals map[string]string) (*Config, error) {
	p := &parser{vals: vals}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		p.errs = append(p.errs, err)
	}

	cfg := &Config{
		Model:       p.str("model"),
		TopoFile:    p.str("topo_file"),
		SLPDir:      p.str("slp_data_directory"),
		VarDir:      p.str("var_data_directory"),
		Workspace:   p.str("main_folder_location"),
		SLPPattern:  p.str("slp_file_pattern"),
		VarPattern:  p.str("var_file_pattern"),
		SLPVar:      p.str("slp_var"),
		Calendar:    p.str("calendar"),
		CadenceHrs:  p.int("cadence_hours"),
		PodHome:     sharedcfg.EnvOrDefault("POD_HOME", ""),
		ObsData:     sharedcfg.EnvOrDefault("OBS_DATA", ""),
		ObsLatDistr: p.str("obs_lat_distrib_file"),

		ThreshHgt:          p.float("thresh_landsea_hgt"),
		ThreshLSM:          p.float("thresh_landsea_lsm"),
		LapCutoff:          p.float("lapp_cutoff"),
		LapCalibrationFile: p.str("lapp_calibration_file"),
		ContourInterval:    p.float("contour_interval_hpa"),
		DuplicateRadiusKm:  p.float("duplicate_radius_km"),
		MinCentres:         p.int("min_centres_per_tstep"),
		MaxCentres:         p.int("max_centres_per_tstep"),
		MaxCentresChange:   p.int("max_centres_per_tstep_change"),

		WeightDistance:    p.float("score_weight_distance"),
		WeightPersistence: p.float("score_weight_persistence"),
		WeightSLP:         p.float("score_weight_slp"),
		WeightLaplacian:   p.float("score_weight_laplacian"),
		SLPScale:          p.float("score_slp_scale_hpa"),
		LapScale:          p.float("score_lap_scale"),
		BridgeGaps:        p.bool("bridge_gaps"),
		BridgeFactor:      p.float("bridge_radius_factor"),
		MinTrackSteps:     p.int("min_track_steps"),

		CompositeVars:     p.list("composite_var_list"),
		Hemispheres:       parseAll(p, "composite_hem_list", domain.ParseHemisphere),
		Seasons:           parseAll(p, "composite_season_list", domain.ParseSeason),
		LandSea:           parseAll(p, "composite_landsea_list", domain.ParseLandSea),
		WarmMonths:        p.ints("warm_season_months"),
		CircDistDiv:       p.float("circ.dist_div"),
		CircAngDiv:        p.float("circ.ang_div"),
		CircDistMax:       p.float("circ.dist_max"),
		AreaDistDiv:       p.float("area.dist_div"),
		AreaDistMax:       p.float("area.dist_max"),
		SnapshotCacheSize: p.int("snapshot_cache_size"),

		NumCores:           p.int("num_cores"),
		Strict:             p.bool("strict"),
		HardCopy:           p.bool("hard_copy"),
		UseExternalTracks:  p.bool("use_external_tracks"),
		ExternalTracksFile: p.str("external_tracks_file"),
		CatalogDB:          p.str("catalog_db"),
		SummaryWorkbook:    p.bool("summary_workbook"),

		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "text"),
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ""),
		ShutdownTimeout: shutdownTimeout,
		KafkaBrokers:    sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "")),
		KafkaTrackTopic: sharedcfg.EnvOrDefault("KAFKA_TRACK_TOPIC", "etc-tracks"),
	}

	if bands, err := tracks.ParseBands(p.str("search_radius_bands")); err != nil {
		p.fail("search_radius_bands", err)
	} else {
		cfg.SearchBands = bands
	}

	years := p.list("over_write_years")
	if len(years) != 2 {
		p.fail("over_write_years", errors.New("want first, last"))
	} else {
		var err1, err2 error
		cfg.FirstYear, err1 = strconv.Atoi(years[0])
		cfg.LastYear, err2 = strconv.Atoi(years[1])
		if err := errors.Join(err1, err2); err != nil {
			p.fail("over_write_years", err)
		}
	}

	cfg.TopoFile = under(cfg.PodHome, cfg.TopoFile)
	cfg.LapCalibrationFile = under(cfg.PodHome, cfg.LapCalibrationFile)
	cfg.ObsLatDistr = under(cfg.ObsData, cfg.ObsLatDistr)

	if cfg.LapCalibrationFile != "" {
		cutoff, err := readCalibration(cfg.LapCalibrationFile)
		if err != nil {
			p.fail("lapp_calibration_file", err)
		} else {
			cfg.LapCutoff = cutoff
		}
	}

	if cfg.CatalogDB == "" && cfg.Workspace != "" {
		cfg.CatalogDB = filepath.Join(cfg.OutDir(), cfg.Model+"_tracks.db")
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// under joins a relative path onto base. Empty and absolute paths are
// returned unchanged, as is everything when base is empty.
func under(base, path string) string {
	if base == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// readCalibration reads a Laplacian cutoff from a file holding either a
// bare number or a "lapp_cutoff = value" line.
func readCalibration(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for line := range strings.Lines(string(raw)) {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, v, ok := strings.Cut(line, "="); ok {
			line = strings.TrimSpace(v)
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("%s: no cutoff value", path)
}

func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.FirstYear <= c.LastYear, "over_write_years: first %d after last %d", c.FirstYear, c.LastYear)
	check(c.NumCores >= 1, "num_cores must be at least 1")
	check(c.CadenceHrs > 0, "cadence_hours must be positive")
	if _, err := domain.ParseCalendar(c.Calendar); err != nil {
		errs = append(errs, fmt.Errorf("calendar: %w", err))
	}
	check(c.Workspace != "", "main_folder_location is required")
	check(c.TopoFile != "", "topo_file is required")
	check(c.UseExternalTracks || c.SLPDir != "", "slp_data_directory is required")
	check(len(c.CompositeVars) == 0 || c.VarDir != "", "var_data_directory is required")
	check(!c.UseExternalTracks || c.ExternalTracksFile != "", "use_external_tracks needs external_tracks_file")
	check(c.LapCutoff >= 0, "lapp_cutoff must not be negative")
	check(c.ContourInterval >= 0, "contour_interval_hpa must not be negative")
	check(c.DuplicateRadiusKm > 0, "duplicate_radius_km must be positive")
	check(c.MinCentres >= 0 && c.MaxCentres >= c.MinCentres, "centre bounds out of order")
	check(c.BridgeFactor >= 1, "bridge_radius_factor must be at least 1")
	check(c.MinTrackSteps >= 1, "min_track_steps must be at least 1")
	check(c.SnapshotCacheSize >= 1, "snapshot_cache_size must be at least 1")
	for _, m := range c.WarmMonths {
		check(m >= 1 && m <= 12, "warm_season_months: bad month %d", m)
	}

	check(c.CircDistDiv > 0 && c.CircAngDiv > 0 && c.CircDistMax > 0, "circ bin sizes must be positive")
	check(c.AreaDistDiv > 0 && c.AreaDistMax > 0, "area bin sizes must be positive")
	if c.CircDistDiv > 0 {
		check(multiple(c.CircDistMax, c.CircDistDiv), "circ.dist_max must be a multiple of circ.dist_div")
	}
	if c.CircAngDiv > 0 {
		check(multiple(360, c.CircAngDiv), "360 must be a multiple of circ.ang_div")
	}
	if c.AreaDistDiv > 0 {
		check(multiple(c.AreaDistMax, c.AreaDistDiv), "area.dist_max must be a multiple of area.dist_div")
	}

	return errors.Join(errs...)
}

func multiple(total, div float64) bool {
	n := math.Round(total / div)
	return n >= 1 && math.Abs(n*div-total) <= 1e-9*total
}

// Years returns the inclusive year range.
func (c *Config) Years() []int {
	years := make([]int, 0, c.LastYear-c.FirstYear+1)
	for y := c.FirstYear; y <= c.LastYear; y++ {
		years = append(years, y)
	}
	return years
}

// ReadDir is the workspace directory holding staged inputs.
func (c *Config) ReadDir() string {
	return filepath.Join(c.Workspace, "read_"+c.Model)
}

// OutDir is the workspace output directory.
func (c *Config) OutDir() string {
	return filepath.Join(c.Workspace, "out_"+c.Model)
}

// FilesDir holds the per-year stores.
func (c *Config) FilesDir() string {
	return filepath.Join(c.OutDir(), c.Model+"_files")
}

// WorkspaceDirs lists every directory created before a run.
func (c *Config) WorkspaceDirs() []string {
	return []string{
		filepath.Join(c.Workspace, "CODE"),
		filepath.Join(c.Workspace, "data"),
		filepath.Join(c.Workspace, "var_data"),
		c.ReadDir(),
		c.FilesDir(),
	}
}
