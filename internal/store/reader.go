package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

// CorruptFraction is the share of malformed lines at which a store is
// rejected as corrupt.
const CorruptFraction = 0.01

// ReadStats counts the lines seen by a reader.
type ReadStats struct {
	Lines     int
	Malformed int
}

// Read decodes every record from r. Malformed lines are skipped with a
// warning; when they reach CorruptFraction of all lines the read fails with
// ErrStoreCorrupt.
func Read(r io.Reader, name string, logger *slog.Logger) ([]domain.Centre, ReadStats, error) {
	var out []domain.Centre
	stats, err := scan(r, name, logger, func(c domain.Centre) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

// ReadFile opens and reads a store file.
func ReadFile(path string, logger *slog.Logger) ([]domain.Centre, ReadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ReadStats{}, err
	}
	defer f.Close()
	return Read(f, path, logger)
}

func scan(r io.Reader, name string, logger *slog.Logger, fn func(domain.Centre) error) (ReadStats, error) {
	var stats ReadStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		stats.Lines++
		c, err := Parse(sc.Text())
		if err != nil {
			stats.Malformed++
			logger.Warn("skipping malformed record", "store", name, "line", stats.Lines, "error", err)
			continue
		}
		if err := fn(c); err != nil {
			return stats, err
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("read %s: %w", name, err)
	}
	if stats.Malformed > 0 && float64(stats.Malformed) >= CorruptFraction*float64(stats.Lines) {
		return stats, fmt.Errorf("%s: %d of %d lines malformed: %w", name, stats.Malformed, stats.Lines, domain.ErrStoreCorrupt)
	}
	return stats, nil
}

// ReadTracks groups a track-format store into tracks ordered by track id.
// Sentinel records are checked against the points they bracket; files
// without sentinels (external track files) are accepted too.
func ReadTracks(r io.Reader, name string, logger *slog.Logger) ([]domain.Track, error) {
	recs, _, err := Read(r, name, logger)
	if err != nil {
		return nil, err
	}
	SortTrackOrder(recs)

	var tracks []domain.Track
	starts := make(map[int64]domain.Centre)
	for _, c := range recs {
		if c.TrackID == 0 {
			return nil, fmt.Errorf("%s: centre %d has no track id: %w", name, c.CentreID, domain.ErrStoreCorrupt)
		}
		if c.Flags.Has(domain.FlagTrackStart) {
			starts[c.TrackID] = c
			continue
		}
		if c.Flags.Has(domain.FlagTrackEnd) {
			continue
		}
		if n := len(tracks); n == 0 || tracks[n-1].ID != c.TrackID {
			tracks = append(tracks, domain.Track{ID: c.TrackID})
		}
		t := &tracks[len(tracks)-1]
		t.Points = append(t.Points, c)
	}

	for _, t := range tracks {
		s, ok := starts[t.ID]
		if !ok {
			continue
		}
		if s.Prob != SentinelCount(t) || s.PrevID != t.First().CentreID || s.NextID != t.Last().CentreID {
			return nil, fmt.Errorf("%s: track %d sentinel disagrees with its %d points: %w",
				name, t.ID, t.Len(), domain.ErrStoreCorrupt)
		}
	}
	return tracks, nil
}

// ReadTracksFile opens and reads a track-format store.
func ReadTracksFile(path string, logger *slog.Logger) ([]domain.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTracks(f, path, logger)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
