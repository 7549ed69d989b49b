package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Hemisphere selects track points by the sign of their latitude.
type Hemisphere string

const (
	NH Hemisphere = "NH"
	SH Hemisphere = "SH"
)

// ParseHemisphere accepts NH or SH in any case.
func ParseHemisphere(s string) (Hemisphere, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NH":
		return NH, nil
	case "SH":
		return SH, nil
	default:
		return "", fmt.Errorf("unknown hemisphere %q", s)
	}
}

// Contains reports whether lat belongs to the hemisphere. The equator
// belongs to the northern hemisphere.
func (h Hemisphere) Contains(lat float64) bool {
	switch h {
	case NH:
		return lat >= 0
	case SH:
		return lat < 0
	default:
		return false
	}
}

// Season selects track points by calendar month.
type Season string

const (
	SeasonAll  Season = "all"
	SeasonDJF  Season = "djf"
	SeasonMAM  Season = "mam"
	SeasonJJA  Season = "jja"
	SeasonSON  Season = "son"
	SeasonWarm Season = "warm"
)

var seasonMonths = map[Season][]int{
	SeasonDJF: {12, 1, 2},
	SeasonMAM: {3, 4, 5},
	SeasonJJA: {6, 7, 8},
	SeasonSON: {9, 10, 11},
}

// ParseSeason accepts the season tokens in any case.
func ParseSeason(s string) (Season, error) {
	season := Season(strings.ToLower(strings.TrimSpace(s)))
	switch season {
	case SeasonAll, SeasonDJF, SeasonMAM, SeasonJJA, SeasonSON, SeasonWarm:
		return season, nil
	default:
		return "", fmt.Errorf("unknown season %q", s)
	}
}

// Contains reports whether month falls in the season. warm is the
// dataset-specific month set used by SeasonWarm.
func (s Season) Contains(month int, warm []int) bool {
	switch s {
	case SeasonAll:
		return true
	case SeasonWarm:
		return slices.Contains(warm, month)
	default:
		return slices.Contains(seasonMonths[s], month)
	}
}

// LandSea selects track points by the land fraction at the centre.
type LandSea string

const (
	LandSeaAll LandSea = "all"
	Land       LandSea = "land"
	Ocean      LandSea = "ocean"
)

// ParseLandSea accepts all, land, or ocean (sea is an alias of ocean).
func ParseLandSea(s string) (LandSea, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all":
		return LandSeaAll, nil
	case "land":
		return Land, nil
	case "ocean", "sea":
		return Ocean, nil
	default:
		return "", fmt.Errorf("unknown land/sea class %q", s)
	}
}

// Contains reports whether a point with the given land classification
// belongs to the class.
func (c LandSea) Contains(isLand bool) bool {
	switch c {
	case Land:
		return isLand
	case Ocean:
		return !isLand
	default:
		return true
	}
}
