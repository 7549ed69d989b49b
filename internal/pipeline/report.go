package pipeline

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/store"
)

// Status is the outcome of one year.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Latitude bands used for the centre distribution.
const (
	LatBandWidth = 5.0
	NumLatBands  = 36
)

// LatBand returns the 5 degree band of lat, counted from the south pole.
func LatBand(lat float64) int {
	b := int(math.Floor((lat + 90) / LatBandWidth))
	return min(max(b, 0), NumLatBands-1)
}

// YearReport summarises one year.
type YearReport struct {
	Year   int
	Status Status
	Kind   string // error taxonomy tag when not ok
	Error  string

	Snapshots   int
	Centres     int
	Anomalous   int
	Kept        int
	Discarded   int
	Bridged     int
	Gaps        int
	Resumed     bool
	SkippedVars []string
	LatBands    [NumLatBands]int

	Duration time.Duration
}

// Report summarises a run.
type Report struct {
	RunID     string
	Model     string
	FirstYear int
	LastYear  int
	Started   time.Time
	Finished  time.Time
	Aborted   bool

	Years      []YearReport
	Tracks     []store.IndexEntry
	Composites []string

	// ObsLatDistribution is the reference fraction of centres per band,
	// nil when no reference was given.
	ObsLatDistribution []float64
}

// Failed reports whether any year failed or the run was aborted.
func (r *Report) Failed() bool {
	if r.Aborted {
		return true
	}
	for _, y := range r.Years {
		if y.Status == StatusFailed {
			return true
		}
	}
	return false
}

// ExitCode is 0 on full success and 2 when any year failed.
func (r *Report) ExitCode() int {
	if r.Failed() {
		return 2
	}
	return 0
}

// Counts tallies years by status.
func (r *Report) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, y := range r.Years {
		out[y.Status]++
	}
	return out
}

// LatDistribution returns the fraction of centres per band over all years.
func (r *Report) LatDistribution() []float64 {
	var counts [NumLatBands]float64
	for _, y := range r.Years {
		for b, n := range y.LatBands {
			counts[b] += float64(n)
		}
	}
	return normalise(counts[:])
}

// Log writes the report to logger, one line per year and a run total.
func (r *Report) Log(logger *slog.Logger) {
	for _, y := range r.Years {
		attrs := []any{
			"year", y.Year,
			"status", string(y.Status),
			"snapshots", y.Snapshots,
			"centres", y.Centres,
			"kept", y.Kept,
			"discarded", y.Discarded,
			"duration", y.Duration,
		}
		switch y.Status {
		case StatusFailed:
			logger.Error("year report", append(attrs, "kind", y.Kind, "error", y.Error)...)
		case StatusSkipped:
			logger.Warn("year report", append(attrs, "kind", y.Kind, "error", y.Error)...)
		default:
			logger.Info("year report", attrs...)
		}
	}
	counts := r.Counts()
	logger.Info("run report",
		"run_id", r.RunID,
		"model", r.Model,
		"ok", counts[StatusOK],
		"skipped", counts[StatusSkipped],
		"failed", counts[StatusFailed],
		"aborted", r.Aborted,
		"composites", len(r.Composites),
		"started", r.Started,
		"finished", r.Finished,
	)
}

// ReadLatDistribution reads a reference latitude distribution: one
// "latitude value" pair per line, '#' comments allowed. Values are summed
// into 5 degree bands and normalised to fractions.
func ReadLatDistribution(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	counts := make([]float64, NumLatBands)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line, _, _ := strings.Cut(sc.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: want latitude and value", path, n)
		}
		lat, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		counts[LatBand(lat)] += v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return normalise(counts), nil
}

func normalise(v []float64) []float64 {
	total := 0.0
	for _, x := range v {
		total += x
	}
	out := make([]float64, len(v))
	if total == 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / total
	}
	return out
}

func countBands(points []domain.Centre, bands *[NumLatBands]int) {
	for _, p := range points {
		if !p.Flags.Sentinel() {
			bands[LatBand(p.Lat())]++
		}
	}
}
