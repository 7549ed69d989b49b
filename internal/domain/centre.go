package domain

import "math"

// Flags encode provenance and classification bits on a centre record.
type Flags int

const (
	FlagLand       Flags = 1 << iota // centre gridpoint classified as land
	FlagMerged                       // absorbed shallower candidates in its contour
	FlagBridged                      // linked across a one-step data gap
	FlagExternal                     // read from an externally supplied track file
	FlagAnomaly                      // snapshot had an anomalous centre count
	FlagTrackStart                   // track store start sentinel
	FlagTrackEnd                     // track store end sentinel
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Sentinel reports whether the flags mark a track start/end sentinel record.
func (f Flags) Sentinel() bool { return f&(FlagTrackStart|FlagTrackEnd) != 0 }

// Centre is one candidate cyclone centre. It is a value type: stages derive
// new records through the With* methods instead of mutating shared ones.
type Centre struct {
	Year  int
	Month int
	Day   int
	Hour  int
	JD    JD

	LatCent int // hundredths of a degree
	LonCent int // hundredths of a degree, [0, 36000)

	SLP          int64 // micro-hPa
	RegionalMean int64 // micro-hPa
	Laplacian    int64 // micro-hPa per squared degree of latitude

	Flags Flags
	Prob  int

	TrackID  int64 // USI, 0 until stitched
	CentreID int64 // CSI
	PrevID   int64 // CSI of the previous point in the track
	NextID   int64 // CSI of the next point in the track
}

// Lat returns the centre latitude in degrees.
func (c Centre) Lat() float64 { return float64(c.LatCent) / 100 }

// Lon returns the centre longitude in degrees, [0, 360).
func (c Centre) Lon() float64 { return float64(c.LonCent) / 100 }

// SLPhPa returns the gridpoint pressure in hPa.
func (c Centre) SLPhPa() float64 { return MicroToUnit(c.SLP) }

// LaplacianValue returns the Laplacian in hPa per squared degree of latitude.
func (c Centre) LaplacianValue() float64 { return MicroToUnit(c.Laplacian) }

// Stamp returns the centre's calendar timestamp.
func (c Centre) Stamp() Stamp {
	return Stamp{Year: c.Year, Month: c.Month, Day: c.Day, Hour: c.Hour}
}

// WithTrack returns a copy linked into a track.
func (c Centre) WithTrack(trackID, prevID, nextID int64) Centre {
	c.TrackID = trackID
	c.PrevID = prevID
	c.NextID = nextID
	return c
}

// WithFlags returns a copy with the extra flag bits set.
func (c Centre) WithFlags(f Flags) Centre {
	c.Flags |= f
	return c
}

// UnitToMicro quantises a value to integer millionths.
func UnitToMicro(v float64) int64 {
	return int64(math.Round(v * 1e6))
}

// MicroToUnit is the inverse of UnitToMicro.
func MicroToUnit(v int64) float64 {
	return float64(v) / 1e6
}

// DegToCent quantises degrees to integer hundredths.
func DegToCent(v float64) int {
	return int(math.Round(v * 100))
}

// LonToCent quantises a longitude to hundredths of a degree in [0, 36000).
func LonToCent(lon float64) int {
	c := DegToCent(lon) % 36000
	if c < 0 {
		c += 36000
	}
	return c
}

// TrackIDBase and CentreIDBase scale the year into run-unique ids.
const (
	TrackIDBase  int64 = 1_000_000
	CentreIDBase int64 = 10_000_000
)

// CentreID returns the n-th centre id of a year.
func CentreID(year int, n int64) int64 { return int64(year)*CentreIDBase + n }

// TrackID returns the m-th track id of a year.
func TrackID(year int, m int64) int64 { return int64(year)*TrackIDBase + m }
