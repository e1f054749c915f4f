package geo

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"github.com/kass/go-geo-points/pkg/models"
)

// SRIDWGS84 is the only reference frame coordinates are stored in.
const SRIDWGS84 = 4326

// Web Mercator has been published under several codes.
var webMercatorSRIDs = map[int]struct{}{
	3857:   {},
	3785:   {},
	900913: {},
	102100: {},
}

// ParseGeometry decodes a raw geometry value into a WGS84 location.
//
// Accepted forms are a GeoJSON Point object, optionally carrying a named
// "crs" member, and a JSON string holding WKT or EWKT ("SRID=3857;POINT(x y)").
// Web Mercator input is reprojected; any other non-WGS84 frame is rejected.
func ParseGeometry(raw json.RawMessage) (models.Location, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return models.Location{}, invalidGeometry("location is empty")
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return models.Location{}, invalidGeometry("location is not a valid string")
		}
		return parseWKT(text)
	case '{':
		return parseGeoJSON(trimmed)
	default:
		return models.Location{}, invalidGeometry("location must be a GeoJSON object or a WKT string")
	}
}

func parseWKT(text string) (models.Location, error) {
	text = strings.TrimSpace(text)
	srid := SRIDWGS84

	if strings.HasPrefix(strings.ToUpper(text), "SRID=") {
		sep := strings.Index(text, ";")
		if sep < 0 {
			return models.Location{}, invalidGeometry("EWKT is missing ';' after SRID")
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(text[len("SRID="):sep]))
		if err != nil {
			return models.Location{}, invalidGeometry("EWKT SRID is not an integer")
		}
		srid = parsed
		text = text[sep+1:]
	}

	geom, err := wkt.Unmarshal(text)
	if err != nil {
		return models.Location{}, invalidGeometry("location is not valid WKT")
	}
	point, ok := geom.(orb.Point)
	if !ok {
		return models.Location{}, invalidGeometry("only point geometries are supported, got %s", geom.GeoJSONType())
	}
	return toWGS84(point, srid)
}

type crsMember struct {
	CRS *struct {
		Type       string `json:"type"`
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
}

func parseGeoJSON(raw []byte) (models.Location, error) {
	var member crsMember
	if err := json.Unmarshal(raw, &member); err != nil {
		return models.Location{}, invalidGeometry("location is not valid GeoJSON")
	}

	srid := SRIDWGS84
	if member.CRS != nil {
		parsed, err := sridFromCRSName(member.CRS.Properties.Name)
		if err != nil {
			return models.Location{}, err
		}
		srid = parsed
	}

	geometry, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return models.Location{}, invalidGeometry("location is not valid GeoJSON")
	}
	point, ok := geometry.Geometry().(orb.Point)
	if !ok {
		return models.Location{}, invalidGeometry("only point geometries are supported, got %s", geometry.Type)
	}
	return toWGS84(point, srid)
}

// sridFromCRSName understands "EPSG:3857", "urn:ogc:def:crs:EPSG::3857" and CRS84.
func sridFromCRSName(name string) (int, error) {
	name = strings.TrimSpace(name)
	if strings.HasSuffix(strings.ToUpper(name), "CRS84") {
		return SRIDWGS84, nil
	}
	code := name[strings.LastIndex(name, ":")+1:]
	srid, err := strconv.Atoi(code)
	if err != nil {
		return 0, invalidGeometry("unrecognised crs name %q", name)
	}
	return srid, nil
}

func toWGS84(point orb.Point, srid int) (models.Location, error) {
	if _, ok := webMercatorSRIDs[srid]; ok {
		point = project.Mercator.ToWGS84(point)
	} else if srid != SRIDWGS84 {
		return models.Location{}, models.Invalid(models.CodeUnsupportedSRID, "location",
			"SRID %d is not supported, use 4326 or 3857", srid)
	}
	return NewLocation(point.Lat(), point.Lon())
}

func invalidGeometry(format string, args ...any) error {
	return models.Invalid(models.CodeInvalidGeometry, "location", format, args...)
}
