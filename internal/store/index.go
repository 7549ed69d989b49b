package store

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

const indexFormat = "%12d %10d %10d %6d %4d %1d"

// IndexEntry is one line of the per-track index.
type IndexEntry struct {
	TrackID   int64
	FirstJD   domain.JD
	LastJD    domain.JD
	Points    int
	Flags     domain.Flags
	Discarded bool
}

// Entry summarises a track.
func Entry(t domain.Track, discarded bool) IndexEntry {
	return IndexEntry{
		TrackID:   t.ID,
		FirstJD:   t.First().JD,
		LastJD:    t.Last().JD,
		Points:    t.Len(),
		Flags:     t.Flags(),
		Discarded: discarded,
	}
}

// IndexEntries summarises kept and discarded tracks in track_id order.
func IndexEntries(kept, discarded []domain.Track) []IndexEntry {
	out := make([]IndexEntry, 0, len(kept)+len(discarded))
	for _, t := range kept {
		out = append(out, Entry(t, false))
	}
	for _, t := range discarded {
		out = append(out, Entry(t, true))
	}
	slices.SortFunc(out, func(a, b IndexEntry) int { return cmp.Compare(a.TrackID, b.TrackID) })
	return out
}

// WriteIndex writes entries atomically to path.
func WriteIndex(path string, entries []IndexEntry) error {
	return atomicWrite(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, e := range entries {
			d := 0
			if e.Discarded {
				d = 1
			}
			if _, err := fmt.Fprintf(bw, indexFormat+"\n",
				e.TrackID, int64(e.FirstJD), int64(e.LastJD), e.Points, int(e.Flags), d); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
}

// ReadIndex reads an index file.
func ReadIndex(path string) ([]IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []IndexEntry
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		var (
			e           IndexEntry
			first, last int64
			flags, d    int
		)
		if _, err := fmt.Sscanf(strings.TrimSpace(sc.Text()), "%d %d %d %d %d %d",
			&e.TrackID, &first, &last, &e.Points, &flags, &d); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, n, ErrMalformed)
		}
		e.FirstJD, e.LastJD = domain.JD(first), domain.JD(last)
		e.Flags = domain.Flags(flags)
		e.Discarded = d == 1
		out = append(out, e)
	}
	return out, sc.Err()
}
