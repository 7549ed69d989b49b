package grid

import (
	"fmt"
	"math"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

// EarthRadius is the sphere radius in metres used by all geodesy helpers.
const EarthRadius = 6371000.0

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
	poleEps = 1e-9
)

// GCD returns the great-circle distance in metres (haversine).
func GCD(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := lat1*deg2rad, lat2*deg2rad
	dp := p2 - p1
	dl := (lon2 - lon1) * deg2rad
	a := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Bearing returns the initial great-circle bearing from point 1 to point 2
// in radians, clockwise from north in [0, 2π). Coincident points give 0.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := lat1*deg2rad, lat2*deg2rad
	dl := (lon2 - lon1) * deg2rad
	y := math.Sin(dl) * math.Cos(p2)
	x := math.Cos(p1)*math.Sin(p2) - math.Sin(p1)*math.Cos(p2)*math.Cos(dl)
	if y == 0 && x == 0 {
		return 0
	}
	return normaliseAngle(math.Atan2(y, x))
}

// RhumbLine returns the loxodrome bearing (radians, [0, 2π)) and distance
// (metres) from point 1 to point 2. Endpoints at a pole, or longitudes
// exactly 180° apart, have no unique rhumb line.
func RhumbLine(lat1, lon1, lat2, lon2 float64) (bearing, dist float64, err error) {
	if math.Abs(lat1) >= 90-poleEps || math.Abs(lat2) >= 90-poleEps {
		return 0, 0, fmt.Errorf("rhumb line at pole: %w", domain.ErrGeometryDegenerate)
	}
	p1, p2 := lat1*deg2rad, lat2*deg2rad
	dp := p2 - p1
	dl := math.Remainder((lon2-lon1)*deg2rad, 2*math.Pi)
	if math.Abs(math.Abs(dl)-math.Pi) < 1e-12 {
		return 0, 0, fmt.Errorf("rhumb line between antipodal meridians: %w", domain.ErrGeometryDegenerate)
	}
	if dp == 0 && dl == 0 {
		return 0, 0, nil
	}

	dpsi := math.Log(math.Tan(math.Pi/4+p2/2) / math.Tan(math.Pi/4+p1/2))
	q := math.Cos(p1)
	if math.Abs(dpsi) > 1e-12 {
		q = dp / dpsi
	}
	dist = math.Sqrt(dp*dp+q*q*dl*dl) * EarthRadius
	return normaliseAngle(math.Atan2(dl, dpsi)), dist, nil
}

// RhumbDestination travels dist metres from (lat, lon) on a constant
// bearing (radians).
func RhumbDestination(lat, lon, bearing, dist float64) (float64, float64, error) {
	p1 := lat * deg2rad
	d := dist / EarthRadius
	dp := d * math.Cos(bearing)
	p2 := p1 + dp
	if math.Abs(p2) >= math.Pi/2-poleEps*deg2rad {
		return 0, 0, fmt.Errorf("rhumb destination crosses a pole: %w", domain.ErrGeometryDegenerate)
	}
	dpsi := math.Log(math.Tan(math.Pi/4+p2/2) / math.Tan(math.Pi/4+p1/2))
	q := math.Cos(p1)
	if math.Abs(dpsi) > 1e-12 {
		q = dp / dpsi
	}
	dl := d * math.Sin(bearing) / q
	return p2 * rad2deg, wrapLon(lon + dl*rad2deg), nil
}

// GridArea returns the area in square metres of the zonal band between two
// latitudes, dlon degrees wide.
func GridArea(lat1, lat2, dlon float64) float64 {
	return EarthRadius * EarthRadius * dlon * deg2rad * math.Abs(math.Sin(lat2*deg2rad)-math.Sin(lat1*deg2rad))
}

// BinArea returns the area in square metres of a spherical annular sector
// between geodesic radii r1 < r2 (metres) spanning angWidth radians.
func BinArea(r1, r2, angWidth float64) float64 {
	return EarthRadius * EarthRadius * angWidth * (math.Cos(r1/EarthRadius) - math.Cos(r2/EarthRadius))
}

func normaliseAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}

func wrapLon(lon float64) float64 {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	return lon
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * rad2deg }
