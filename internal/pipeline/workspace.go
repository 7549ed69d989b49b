package pipeline

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/field"
)

// StagedDir returns a workspace subdirectory.
func StagedDir(cfg *config.Config, name string) string {
	return filepath.Join(cfg.Workspace, name)
}

// YearPaths are the per-year store files.
type YearPaths struct {
	Centres  string
	Tracks   string
	Discards string
	Index    string
}

// StorePaths returns the store files of year under dir.
func StorePaths(dir, model string, year int) YearPaths {
	base := func(kind string) string {
		return filepath.Join(dir, fmt.Sprintf("%s_%s_%d.txt", model, kind, year))
	}
	return YearPaths{
		Centres:  base("centres"),
		Tracks:   base("tracks"),
		Discards: base("discards"),
		Index:    base("index"),
	}
}

// PrepareWorkspace creates every workspace directory that is missing.
func PrepareWorkspace(cfg *config.Config) error {
	for _, dir := range cfg.WorkspaceDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}
	return nil
}

// StageInputs places the per-year SLP and variable files into the workspace
// data directories, as symlinks or, with hard_copy, as copies. Files that do
// not exist are left for the year run to report.
func StageInputs(cfg *config.Config, logger *slog.Logger) (int, error) {
	staged := 0
	stage := func(srcDir, dstDir, name string) error {
		ok, err := stageFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name), cfg.HardCopy)
		if err != nil {
			return err
		}
		if ok {
			staged++
		} else {
			logger.Debug("input not found, not staged", "file", name, "dir", srcDir)
		}
		return nil
	}

	for _, year := range cfg.Years() {
		if !cfg.UseExternalTracks {
			name := field.ExpandPattern(cfg.SLPPattern, cfg.SLPVar, year)
			if err := stage(cfg.SLPDir, StagedDir(cfg, "data"), name); err != nil {
				return staged, err
			}
		}
		for _, v := range cfg.CompositeVars {
			name := field.ExpandPattern(cfg.VarPattern, v, year)
			if err := stage(cfg.VarDir, StagedDir(cfg, "var_data"), name); err != nil {
				return staged, err
			}
		}
	}
	logger.Info("inputs staged", "files", staged, "hard_copy", cfg.HardCopy)
	return staged, nil
}

func stageFile(src, dst string, hardCopy bool) (bool, error) {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return false, err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(srcAbs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stage %s: %w", src, err)
	}
	if srcAbs == dstAbs {
		return true, nil
	}
	if err := os.Remove(dstAbs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stage %s: %w", dst, err)
	}
	if !hardCopy {
		if err := os.Symlink(srcAbs, dstAbs); err != nil {
			return false, fmt.Errorf("stage %s: %w", dst, err)
		}
		return true, nil
	}
	if err := copyFile(srcAbs, dstAbs); err != nil {
		return false, fmt.Errorf("stage %s: %w", dst, err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// SplitByYear divides externally supplied tracks by the year of each
// record. A track spanning a year boundary contributes a part to each year.
// Every point is flagged as external.
func SplitByYear(ts []domain.Track) map[int][]domain.Track {
	out := make(map[int][]domain.Track)
	for _, t := range ts {
		parts := make(map[int][]domain.Centre)
		var order []int
		for _, p := range t.Points {
			if _, ok := parts[p.Year]; !ok {
				order = append(order, p.Year)
			}
			parts[p.Year] = append(parts[p.Year], p.WithFlags(domain.FlagExternal))
		}
		for _, y := range order {
			out[y] = append(out[y], domain.Track{ID: t.ID, Points: parts[y]})
		}
	}
	return out
}
