package geo

import (
	"math"

	"github.com/kass/go-geo-points/pkg/models"
)

// NewLocation validates a latitude/longitude pair in WGS84 degrees.
func NewLocation(lat, lon float64) (models.Location, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return models.Location{}, models.Invalid(models.CodeLatitudeOutOfRange, "latitude",
			"latitude must be between -90 and 90")
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return models.Location{}, models.Invalid(models.CodeLongitudeOutOfRange, "longitude",
			"longitude must be between -180 and 180")
	}
	return models.Location{Lat: lat, Lon: lon}, nil
}

// ParseCoordinateInput resolves the coordinate forms a caller supplied into a
// single WGS84 location. When required is false and nothing was supplied the
// result is nil, meaning the coordinate stays unchanged.
func ParseCoordinateInput(in models.CoordinateInput, required bool) (*models.Location, error) {
	hasPair := in.Latitude != nil || in.Longitude != nil

	switch {
	case hasPair && in.HasGeometry():
		return nil, models.Invalid(models.CodeConflictingInput, "location",
			"supply either latitude and longitude or location, not both")
	case in.IsZero():
		if required {
			return nil, models.Invalid(models.CodeMissingCoordinate, "location",
				"latitude and longitude are required")
		}
		return nil, nil
	case hasPair && (in.Latitude == nil || in.Longitude == nil):
		return nil, models.Invalid(models.CodeIncompleteCoordinatePair, "location",
			"both latitude and longitude must be given")
	case hasPair:
		loc, err := NewLocation(*in.Latitude, *in.Longitude)
		if err != nil {
			return nil, err
		}
		return &loc, nil
	}

	loc, err := ParseGeometry(in.Geometry)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}
