package main

import (
	"path/filepath"
	"testing"

	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/domain"
	"github.com/couchcryptid/etc-composites/internal/store"
	"github.com/couchcryptid/etc-composites/internal/tracks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

// stationary builds a linked track of n points at 6 hour steps.
func stationary(id int64, first int64, n int) domain.Track {
	t := domain.Track{ID: id}
	for i := range n {
		c := domain.Centre{
			Year:     1980,
			JD:       domain.NewJD(722815, 6*i),
			LatCent:  4500,
			LonCent:  18000,
			CentreID: domain.CentreID(1980, first+int64(i)),
			TrackID:  id,
		}
		if i > 0 {
			c.PrevID = domain.CentreID(1980, first+int64(i)-1)
		}
		if i < n-1 {
			c.NextID = domain.CentreID(1980, first+int64(i)+1)
		}
		t.Points = append(t.Points, c)
	}
	return t
}

// --- tests ---

func TestTracksConfigUsesCadence(t *testing.T) {
	cfg := &config.Config{CadenceHrs: 6, MinTrackSteps: 4}
	tcfg := tracksConfig(cfg)
	assert.Equal(t, int64(6), tcfg.Cadence)
	assert.Equal(t, 4, tcfg.MinSteps)
}

func TestValidateTracks(t *testing.T) {
	tcfg := tracksConfig(&config.Config{
		CadenceHrs:    6,
		MinTrackSteps: 3,
		SearchBands:   []tracks.Band{{MaxLat: 90, Radius: 500e3}},
	})

	ok := []yearStores{{
		year:      1980,
		kept:      []domain.Track{stationary(domain.TrackID(1980, 1), 1, 3)},
		discarded: []domain.Track{stationary(domain.TrackID(1980, 2), 4, 2)},
	}}
	assert.True(t, validateTracks(ok, tcfg).passed())

	bad := []yearStores{{
		year:      1980,
		kept:      []domain.Track{stationary(domain.TrackID(1980, 1), 1, 2)},
		discarded: []domain.Track{stationary(domain.TrackID(1980, 2), 4, 3)},
	}}
	p := validateTracks(bad, tcfg)
	require.Len(t, p.errors, 2)
	assert.Contains(t, p.errors[0], "kept track")
	assert.Contains(t, p.errors[1], "discarded track")
}

func TestValidateIndex(t *testing.T) {
	kept := []domain.Track{stationary(domain.TrackID(1980, 1), 1, 3)}
	discarded := []domain.Track{stationary(domain.TrackID(1980, 2), 4, 2)}
	path := filepath.Join(t.TempDir(), "index.txt")
	require.NoError(t, store.WriteIndex(path, store.IndexEntries(kept, discarded)))

	index, err := store.ReadIndex(path)
	require.NoError(t, err)
	y := yearStores{year: 1980, kept: kept, discarded: discarded, index: index, hasIndex: true}
	assert.True(t, validateIndex([]yearStores{y}).passed())

	y.index[1].Points = 5
	p := validateIndex([]yearStores{y})
	require.Len(t, p.errors, 1)
	assert.Contains(t, p.errors[0], "index entry 2")

	y.index = y.index[:1]
	p = validateIndex([]yearStores{y})
	require.Len(t, p.errors, 1)
	assert.Contains(t, p.errors[0], "index has 1 entries")

	y.hasIndex = false
	p = validateIndex([]yearStores{y})
	require.Len(t, p.errors, 1)
	assert.Contains(t, p.errors[0], "no index file")
}
