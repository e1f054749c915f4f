package geo

import (
	"math"
	"math/rand"

	"github.com/kass/go-geo-points/pkg/models"
)

const kmPerDegree = 111.195

// RandomAround returns a coordinate drawn uniformly from the disk of radiusKm
// around center, rounded to the stored precision. Offsets use a local flat
// approximation, so points near the rim may land slightly outside the disk.
func RandomAround(r *rand.Rand, center models.Location, radiusKm float64) models.Location {
	d := radiusKm * math.Sqrt(r.Float64())
	bearing := r.Float64() * 2 * math.Pi

	lat := center.Lat + d/kmPerDegree*math.Cos(bearing)
	lon := center.Lon + d/(kmPerDegree*math.Max(math.Cos(center.Lat*math.Pi/180), 0.01))*math.Sin(bearing)
	lat = math.Max(-90, math.Min(90, lat))
	if lon > 180 {
		lon -= 360
	} else if lon < -180 {
		lon += 360
	}
	return models.Location{Lat: Round(lat, 6), Lon: Round(lon, 6)}
}
