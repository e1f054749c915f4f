// Package geo holds the coordinate math shared by the index and the query
// engine: validation of WGS84 coordinates, geometry decoding, great-circle
// distance and the bounding boxes used to pre-filter radius searches.
package geo

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/kass/go-geo-points/pkg/models"
)

const (
	// EarthRadiusKm is the mean Earth radius used for all distance math.
	EarthRadiusKm = 6371.0
	// MaxRadiusKm bounds every radius search regardless of the request.
	MaxRadiusKm = 1000.0
	// DefaultRadiusKm applies when a search omits the radius.
	DefaultRadiusKm = 10.0

	// boundsPad widens query boxes slightly so points sitting exactly on the
	// cap edge survive floating point error in the box math.
	boundsPad = 1e-9
)

// Distance calculates the Haversine distance between two points in kilometers
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceBetween is Distance for two locations.
func DistanceBetween(a, b models.Location) float64 {
	return Distance(a.Lat, a.Lon, b.Lat, b.Lon)
}

// RadiusBounds returns the boxes that together cover every location within
// radiusKm of center. The latitude span is exact; the longitude span is widened
// by the latitude of the center. A cap that reaches a pole covers all
// longitudes, and a cap crossing the antimeridian is split in two boxes.
func RadiusBounds(center models.Location, radiusKm float64) []models.BoundingBox {
	angular := radiusKm / EarthRadiusKm
	dLat := angular * 180 / math.Pi

	minLat := center.Lat - dLat
	maxLat := center.Lat + dLat
	ratio := math.Sin(angular) / math.Cos(center.Lat*math.Pi/180)
	if minLat <= -90 || maxLat >= 90 || ratio >= 1 || angular >= math.Pi/2 {
		return []models.BoundingBox{toBox(orb.Bound{
			Min: orb.Point{-180, math.Max(minLat, -90)},
			Max: orb.Point{180, math.Min(maxLat, 90)},
		})}
	}

	dLon := math.Asin(ratio) * 180 / math.Pi
	bound := orb.Bound{
		Min: orb.Point{center.Lon - dLon, minLat},
		Max: orb.Point{center.Lon + dLon, maxLat},
	}.Pad(boundsPad)

	switch {
	case bound.Min.Lon() < -180:
		return []models.BoundingBox{
			toBox(orb.Bound{Min: orb.Point{bound.Min.Lon() + 360, bound.Min.Lat()}, Max: orb.Point{180, bound.Max.Lat()}}),
			toBox(orb.Bound{Min: orb.Point{-180, bound.Min.Lat()}, Max: bound.Max}),
		}
	case bound.Max.Lon() > 180:
		return []models.BoundingBox{
			toBox(orb.Bound{Min: bound.Min, Max: orb.Point{180, bound.Max.Lat()}}),
			toBox(orb.Bound{Min: orb.Point{-180, bound.Min.Lat()}, Max: orb.Point{bound.Max.Lon() - 360, bound.Max.Lat()}}),
		}
	default:
		return []models.BoundingBox{toBox(bound)}
	}
}

func toBox(b orb.Bound) models.BoundingBox {
	return models.BoundingBox{
		BottomLeft: models.Location{Lat: math.Max(b.Min.Lat(), -90), Lon: b.Min.Lon()},
		TopRight:   models.Location{Lat: math.Min(b.Max.Lat(), 90), Lon: b.Max.Lon()},
	}
}

// ClampRadius validates a requested search radius and caps it at MaxRadiusKm.
func ClampRadius(radiusKm float64) (float64, error) {
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0 {
		return 0, models.Invalid(models.CodeInvalidRadius, "radius",
			"radius must be a positive number of kilometers")
	}
	return math.Min(radiusKm, MaxRadiusKm), nil
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
