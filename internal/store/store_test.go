package store_test

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func centre(hour int, n int64, lat, lon int) domain.Centre {
	return domain.Centre{
		Year: 1980, Month: 1, Day: 1, Hour: hour,
		JD:           domain.NewJD(722815, hour),
		LatCent:      lat,
		LonCent:      lon,
		SLP:          domain.UnitToMicro(990.25),
		RegionalMean: domain.UnitToMicro(992.5),
		Laplacian:    domain.UnitToMicro(0.731),
		Prob:         100,
		CentreID:     domain.CentreID(1980, n),
	}
}

func render(t *testing.T, cs []domain.Centre) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, store.Write(&buf, cs))
	return buf.Bytes()
}

// --- tests ---

func TestFormatParse(t *testing.T) {
	c := centre(18, 42, -4525, 35999)
	c.Flags = domain.FlagLand | domain.FlagMerged
	c = c.WithTrack(domain.TrackID(1980, 7), domain.CentreID(1980, 41), 0)

	line, err := store.Format(c)
	require.NoError(t, err)
	assert.Len(t, line, store.RecordWidth)

	got, err := store.Parse(line + "\n")
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFormat_Overflow(t *testing.T) {
	c := centre(0, 1, 4500, 18000)
	c.Prob = 1000
	_, err := store.Format(c)
	require.Error(t, err)
}

func TestParse_Malformed(t *testing.T) {
	good, err := store.Format(centre(6, 1, 4500, 18000))
	require.NoError(t, err)

	tests := []struct {
		name string
		line string
	}{
		{"truncated", good[:len(good)-5]},
		{"padded", good + " "},
		{"letters", strings.Replace(good, "1980", "19x0", 1)},
		{"bad month", strings.Replace(good, "1980 01", "1980 13", 1)},
		{"hour disagrees with jd", strings.Replace(good, "01 01 06", "01 01 12", 1)},
		{"empty", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Parse(tc.line)
			require.ErrorIs(t, err, store.ErrMalformed)
		})
	}
}

func TestWriteReadResort_ByteIdentical(t *testing.T) {
	cs := []domain.Centre{
		centre(6, 3, 4600, 18500),
		centre(0, 1, 4500, 18000),
		centre(6, 4, -3000, 100),
		centre(0, 2, -3100, 35900),
	}
	store.SortCentreOrder(cs)
	first := render(t, cs)

	path := filepath.Join(t.TempDir(), "centres.txt")
	require.NoError(t, os.WriteFile(path, first, 0o644))
	back, stats, err := store.ReadFile(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Lines)

	store.SortCentreOrder(back)
	assert.Equal(t, first, render(t, back))

	// Sorting is idempotent.
	store.SortCentreOrder(back)
	assert.Equal(t, first, render(t, back))
}

func TestRead_CorruptThreshold(t *testing.T) {
	build := func(n int) string {
		var cs []domain.Centre
		for i := range n {
			cs = append(cs, centre(0, int64(i+1), 4500, 18000))
		}
		return string(render(t, cs))
	}

	t.Run("below threshold skips", func(t *testing.T) {
		text := build(199) + "garbage\n"
		got, stats, err := store.Read(strings.NewReader(text), "mem", discardLogger())
		require.NoError(t, err)
		assert.Len(t, got, 199)
		assert.Equal(t, 1, stats.Malformed)
	})

	t.Run("one percent fails", func(t *testing.T) {
		text := build(99) + "garbage\n"
		_, _, err := store.Read(strings.NewReader(text), "mem", discardLogger())
		require.ErrorIs(t, err, domain.ErrStoreCorrupt)
	})
}

func TestRepairCentreStore(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing store", func(t *testing.T) {
		res, err := store.RepairCentreStore(filepath.Join(dir, "none.txt"), discardLogger())
		require.NoError(t, err)
		assert.False(t, res.Found)
	})

	t.Run("partial line and last step dropped", func(t *testing.T) {
		path := filepath.Join(dir, "centres.txt")
		cs := []domain.Centre{
			centre(0, 1, 4500, 18000),
			centre(0, 2, -3000, 100),
			centre(6, 3, 4600, 18500),
			centre(12, 4, 4700, 19000),
		}
		body := render(t, cs)
		partial, err := store.Format(centre(12, 5, 4800, 19500))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, append(body, partial[:40]...), 0o644))

		res, err := store.RepairCentreStore(path, discardLogger())
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.True(t, res.Truncated)
		assert.Equal(t, domain.NewJD(722815, 12), res.From)
		assert.Equal(t, domain.CentreID(1980, 3), res.LastID)
		assert.Equal(t, 1, res.PrevCount)
		assert.Equal(t, 3, res.Kept)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, render(t, cs[:3]), raw)

		// Appending after repair continues cleanly.
		w, err := store.OpenCentreWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.Append(cs[3:]))
		require.NoError(t, w.Close())
		assert.Equal(t, 1, w.Written())

		raw, err = os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, body, raw)
	})
}

func TestTrackRecords_Sentinels(t *testing.T) {
	usi := domain.TrackID(1980, 1)
	a := centre(0, 1, 4500, 18000).WithTrack(usi, 0, domain.CentreID(1980, 2))
	b := centre(6, 2, 4600, 18500).WithTrack(usi, domain.CentreID(1980, 1), 0)
	b.Flags = domain.FlagLand
	tr := domain.Track{ID: usi, Points: []domain.Centre{a, b}}

	recs := store.TrackRecords([]domain.Track{tr})
	require.Len(t, recs, 4)

	start, end := recs[0], recs[3]
	assert.True(t, start.Flags.Has(domain.FlagTrackStart|domain.FlagLand))
	assert.True(t, end.Flags.Has(domain.FlagTrackEnd))
	assert.Zero(t, start.CentreID)
	assert.Equal(t, 2, start.Prob)
	assert.Equal(t, a.CentreID, start.PrevID)
	assert.Equal(t, b.CentreID, start.NextID)
	assert.Equal(t, a.JD, start.JD)
	assert.Equal(t, b.JD, end.JD)

	text := render(t, recs)
	tracks, err := store.ReadTracks(bytes.NewReader(text), "mem", discardLogger())
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	if diff := cmp.Diff(tr, tracks[0]); diff != "" {
		t.Errorf("track mismatch (-want +got):\n%s", diff)
	}

	t.Run("without sentinels", func(t *testing.T) {
		text := render(t, store.PointRecords([]domain.Track{tr}))
		tracks, err := store.ReadTracks(bytes.NewReader(text), "ext", discardLogger())
		require.NoError(t, err)
		require.Len(t, tracks, 1)
		assert.Equal(t, 2, tracks[0].Len())
	})

	t.Run("inconsistent sentinel", func(t *testing.T) {
		bad := store.TrackRecords([]domain.Track{tr})
		bad[0].Prob = 5
		_, err := store.ReadTracks(bytes.NewReader(render(t, bad)), "mem", discardLogger())
		require.ErrorIs(t, err, domain.ErrStoreCorrupt)
	})

	t.Run("untracked record", func(t *testing.T) {
		text := render(t, []domain.Centre{centre(0, 1, 4500, 18000)})
		_, err := store.ReadTracks(bytes.NewReader(text), "mem", discardLogger())
		require.ErrorIs(t, err, domain.ErrStoreCorrupt)
	})
}

func TestTrackRecords_LongTrack(t *testing.T) {
	usi := domain.TrackID(1980, 1)
	n := store.MaxSentinelCount + 5
	pts := make([]domain.Centre, n)
	for i := range pts {
		c := centre(0, int64(i+1), 4500, 18000)
		c.JD = domain.JDFromHours(722815*24 + int64(6*i))
		c.Hour = 6 * i % 24
		prev, next := int64(0), int64(0)
		if i > 0 {
			prev = domain.CentreID(1980, int64(i))
		}
		if i < n-1 {
			next = domain.CentreID(1980, int64(i+2))
		}
		pts[i] = c.WithTrack(usi, prev, next)
	}
	tr := domain.Track{ID: usi, Points: pts}

	recs := store.TrackRecords([]domain.Track{tr})
	require.Len(t, recs, n+2)
	assert.Equal(t, store.MaxSentinelCount, recs[0].Prob)

	text := render(t, recs)
	tracks, err := store.ReadTracks(bytes.NewReader(text), "mem", discardLogger())
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, n, tracks[0].Len())
}

func TestIndex(t *testing.T) {
	mk := func(m int64, hours ...int) domain.Track {
		tr := domain.Track{ID: domain.TrackID(1980, m)}
		for i, h := range hours {
			tr.Points = append(tr.Points, centre(h, m*10+int64(i), 4500, 18000))
		}
		return tr
	}
	entries := store.IndexEntries(
		[]domain.Track{mk(2, 0, 6, 12)},
		[]domain.Track{mk(1, 6)},
	)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.TrackID(1980, 1), entries[0].TrackID)
	assert.True(t, entries[0].Discarded)
	assert.Equal(t, 3, entries[1].Points)
	assert.Equal(t, domain.NewJD(722815, 12), entries[1].LastJD)

	path := filepath.Join(t.TempDir(), "index.txt")
	require.NoError(t, store.WriteIndex(path, entries))
	back, err := store.ReadIndex(path)
	require.NoError(t, err)
	assert.Equal(t, entries, back)
}
