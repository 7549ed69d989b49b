package store

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

// SortCentreOrder sorts records by (jd, centre_id).
func SortCentreOrder(cs []domain.Centre) {
	slices.SortStableFunc(cs, func(a, b domain.Centre) int {
		return cmp.Or(cmp.Compare(a.JD, b.JD), cmp.Compare(a.CentreID, b.CentreID))
	})
}

// SortTrackOrder sorts records by (track_id, jd) with each track's start
// sentinel first and end sentinel last.
func SortTrackOrder(cs []domain.Centre) {
	slices.SortStableFunc(cs, func(a, b domain.Centre) int {
		return cmp.Or(
			cmp.Compare(a.TrackID, b.TrackID),
			cmp.Compare(kind(a), kind(b)),
			cmp.Compare(a.JD, b.JD),
			cmp.Compare(a.CentreID, b.CentreID),
		)
	})
}

// kind orders start sentinels before points before end sentinels.
func kind(c domain.Centre) int {
	switch {
	case c.Flags.Has(domain.FlagTrackStart):
		return 0
	case c.Flags.Has(domain.FlagTrackEnd):
		return 2
	default:
		return 1
	}
}

// Write renders records to w, one line each.
func Write(w io.Writer, cs []domain.Centre) error {
	bw := bufio.NewWriter(w)
	for _, c := range cs {
		line, err := Format(c)
		if err != nil {
			return err
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFileAtomic writes records to path through a temporary file in the
// same directory, so readers never observe a partial store.
func WriteFileAtomic(path string, cs []domain.Centre) error {
	return atomicWrite(path, func(w io.Writer) error { return Write(w, cs) })
}

func atomicWrite(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// MaxSentinelCount is the largest point count the prob_centre column holds.
// Longer tracks record this value in their sentinels.
const MaxSentinelCount = 999

// SentinelCount returns the point count recorded in a sentinel of t.
func SentinelCount(t domain.Track) int { return min(t.Len(), MaxSentinelCount) }

// Sentinels returns the start and end sentinel records of a track. Both
// carry the track's point count, capped at MaxSentinelCount, in prob_centre
// and its first and last CSI in prev_uci and next_uci; centre_id is 0.
func Sentinels(t domain.Track) (start, end domain.Centre) {
	flags := t.Flags()
	mk := func(p domain.Centre, f domain.Flags) domain.Centre {
		s := p.WithTrack(t.ID, t.First().CentreID, t.Last().CentreID)
		s.CentreID = 0
		s.Flags = flags | f
		s.Prob = SentinelCount(t)
		return s
	}
	return mk(t.First(), domain.FlagTrackStart), mk(t.Last(), domain.FlagTrackEnd)
}

// TrackRecords flattens tracks into track-store order with sentinels.
func TrackRecords(tracks []domain.Track) []domain.Centre {
	var out []domain.Centre
	for _, t := range tracks {
		if t.Len() == 0 {
			continue
		}
		start, end := Sentinels(t)
		out = append(out, start)
		out = append(out, t.Points...)
		out = append(out, end)
	}
	SortTrackOrder(out)
	return out
}

// PointRecords flattens tracks into (track_id, jd) order without sentinels,
// the layout of the discards file.
func PointRecords(tracks []domain.Track) []domain.Centre {
	var out []domain.Centre
	for _, t := range tracks {
		out = append(out, t.Points...)
	}
	SortTrackOrder(out)
	return out
}
