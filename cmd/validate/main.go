// Command validate checks the stores of a finished run: centre-store
// invariants, track invariants, that tracks and discards partition the
// centres, that re-sorting every store reproduces it byte for byte, and that
// the track index agrees with the track stores.
//
// Usage:
//
//	go run ./cmd/validate -defines defines.txt
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/pipeline"
	"github.com/couchcryptid/etc-composites/internal/store"
	"github.com/couchcryptid/etc-composites/internal/tracks"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// yearStores holds the parsed stores of one year.
type yearStores struct {
	year      int
	paths     pipeline.YearPaths
	centres   []domain.Centre
	kept      []domain.Track
	discarded []domain.Track
	index     []store.IndexEntry
	hasIndex  bool
}

func main() {
	defines := flag.String("defines", sharedcfg.EnvOrDefault("DEFINES_FILE", "defines.txt"), "path to the defines file")
	flag.Parse()

	logger := sharedobs.NewLogger("warn", "text")
	cfg, err := config.Load(*defines)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *slog.Logger) int {
	fmt.Println("=== ETC Store Validation ===")
	fmt.Println()

	var years []yearStores
	for _, year := range cfg.Years() {
		ys, err := load(cfg, year, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %d: %v\n", year, err)
			return 1
		}
		if ys == nil {
			fmt.Printf("  Note: no stores for %d, skipped\n", year)
			continue
		}
		years = append(years, *ys)
	}

	phases := []*phase{
		validateCentres(years, domain.UnitToMicro(cfg.LapCutoff)),
		validateTracks(years, tracksConfig(cfg)),
		validatePartition(years),
		validateResort(years),
		validateIndex(years),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	var nc, nk, nd int
	for _, y := range years {
		nc += len(y.centres)
		nk += len(y.kept)
		nd += len(y.discarded)
	}
	fmt.Println()
	fmt.Printf("Years: %d, centres: %d, kept tracks: %d, discarded tracks: %d\n", len(years), nc, nk, nd)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// load reads one year's stores. It returns nil when the year has no
// centre store.
func load(cfg *config.Config, year int, logger *slog.Logger) (*yearStores, error) {
	paths := pipeline.StorePaths(cfg.FilesDir(), cfg.Model, year)
	if !store.Exists(paths.Centres) {
		return nil, nil
	}
	cs, _, err := store.ReadFile(paths.Centres, logger)
	if err != nil {
		return nil, fmt.Errorf("centres: %w", err)
	}
	kept, err := store.ReadTracksFile(paths.Tracks, logger)
	if err != nil {
		return nil, fmt.Errorf("tracks: %w", err)
	}
	var discarded []domain.Track
	if store.Exists(paths.Discards) {
		if discarded, err = store.ReadTracksFile(paths.Discards, logger); err != nil {
			return nil, fmt.Errorf("discards: %w", err)
		}
	}
	ys := &yearStores{year: year, paths: paths, centres: cs, kept: kept, discarded: discarded}
	if store.Exists(paths.Index) {
		if ys.index, err = store.ReadIndex(paths.Index); err != nil {
			return nil, fmt.Errorf("index: %w", err)
		}
		ys.hasIndex = true
	}
	return ys, nil
}

// tracksConfig rebuilds the stitcher parameters at the configured cadence.
func tracksConfig(cfg *config.Config) tracks.Config {
	return pipeline.TracksConfig(cfg, int64(cfg.CadenceHrs))
}

// ── Phase 1: Centre store ──

func validateCentres(years []yearStores, cutoff int64) *phase {
	p := &phase{name: "Phase 1: Centre store invariants"}
	for _, y := range years {
		type site struct {
			jd       domain.JD
			lat, lon int
		}
		seen := make(map[site]int64, len(y.centres))
		for i, c := range y.centres {
			if i > 0 {
				prev := y.centres[i-1]
				if c.JD < prev.JD || (c.JD == prev.JD && c.CentreID <= prev.CentreID) {
					p.errorf("%d: centre %d out of order after %d", y.year, c.CentreID, prev.CentreID)
				}
			}
			if c.Laplacian < cutoff {
				p.errorf("%d: centre %d laplacian %.6f below cutoff", y.year, c.CentreID, c.LaplacianValue())
			}
			if c.Year != y.year || c.CentreID/domain.CentreIDBase != int64(y.year) {
				p.errorf("%d: centre %d belongs to another year", y.year, c.CentreID)
			}
			k := site{c.JD, c.LatCent, c.LonCent}
			if other, dup := seen[k]; dup {
				p.errorf("%d: centres %d and %d share jd %d at (%.2f, %.2f)", y.year, other, c.CentreID, c.JD, c.Lat(), c.Lon())
			}
			seen[k] = c.CentreID
		}
	}
	return p
}

// ── Phase 2: Tracks ──

func validateTracks(years []yearStores, cfg tracks.Config) *phase {
	p := &phase{name: "Phase 2: Track invariants"}
	for _, y := range years {
		for _, t := range y.kept {
			if t.Len() < cfg.MinSteps {
				p.errorf("%d: kept track %d has %d points, minimum %d", y.year, t.ID, t.Len(), cfg.MinSteps)
			}
			if err := cfg.Check(t); err != nil {
				p.errorf("%d: %v", y.year, err)
			}
		}
		for _, t := range y.discarded {
			if t.Len() >= cfg.MinSteps {
				p.errorf("%d: discarded track %d has %d points, minimum %d", y.year, t.ID, t.Len(), cfg.MinSteps)
			}
		}
	}
	return p
}

// ── Phase 3: Partition ──

func validatePartition(years []yearStores) *phase {
	p := &phase{name: "Phase 3: Tracks and discards partition centres"}
	for _, y := range years {
		want := make([]int64, 0, len(y.centres))
		for _, c := range y.centres {
			want = append(want, c.CentreID)
		}
		var got []int64
		for _, ts := range [][]domain.Track{y.kept, y.discarded} {
			for _, t := range ts {
				for _, c := range t.Points {
					got = append(got, c.CentreID)
				}
			}
		}
		slices.Sort(want)
		slices.Sort(got)
		if !slices.Equal(want, got) {
			missing, extra := diff(want, got)
			p.errorf("%d: %d centres, %d track points; %d missing from tracks, %d not in centres",
				y.year, len(want), len(got), missing, extra)
		}
	}
	return p
}

// diff counts the elements of sorted a absent from sorted b and vice versa.
func diff(a, b []int64) (onlyA, onlyB int) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case a[i] < b[j]:
			onlyA++
			i++
		default:
			onlyB++
			j++
		}
	}
	return onlyA + len(a) - i, onlyB + len(b) - j
}

// ── Phase 4: Resort ──

func validateResort(years []yearStores) *phase {
	p := &phase{name: "Phase 4: Resort idempotence"}
	for _, y := range years {
		cs := slices.Clone(y.centres)
		store.SortCentreOrder(cs)
		checkBytes(p, y.paths.Centres, cs)
		checkBytes(p, y.paths.Tracks, store.TrackRecords(y.kept))
		if len(y.discarded) > 0 {
			checkBytes(p, y.paths.Discards, store.PointRecords(y.discarded))
		}
	}
	return p
}

func checkBytes(p *phase, path string, recs []domain.Centre) {
	want, err := os.ReadFile(path)
	if err != nil {
		p.errorf("%s: %v", path, err)
		return
	}
	var buf bytes.Buffer
	if err := store.Write(&buf, recs); err != nil {
		p.errorf("%s: %v", path, err)
		return
	}
	if !bytes.Equal(want, buf.Bytes()) {
		p.errorf("%s: re-sorted records differ from the file (%d vs %d bytes)", path, buf.Len(), len(want))
	}
}

// ── Phase 5: Index ──

func validateIndex(years []yearStores) *phase {
	p := &phase{name: "Phase 5: Index matches track stores"}
	for _, y := range years {
		if !y.hasIndex {
			p.errorf("%d: no index file", y.year)
			continue
		}
		want := store.IndexEntries(y.kept, y.discarded)
		if len(want) != len(y.index) {
			p.errorf("%d: index has %d entries, stores hold %d tracks", y.year, len(y.index), len(want))
			continue
		}
		for i, e := range y.index {
			if e != want[i] {
				p.errorf("%d: index entry %d is %+v, stores give %+v", y.year, i+1, e, want[i])
			}
		}
	}
	return p
}
