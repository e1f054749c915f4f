package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/models"
)

const (
	coordinatePlaces = 6
	distancePlaces   = 2
)

type pointPayload struct {
	Name      *string         `json:"name"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Location  json.RawMessage `json:"location"`
}

func (p pointPayload) coordinate() models.CoordinateInput {
	return models.CoordinateInput{Latitude: p.Latitude, Longitude: p.Longitude, Geometry: p.Location}
}

type messagePayload struct {
	PointID int64  `json:"point_id"`
	Text    string `json:"text"`
}

type pointResponse struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	DistanceKm *float64  `json:"distance_km,omitempty"`
}

func newPointResponse(p models.Point) pointResponse {
	return pointResponse{
		ID:        p.ID,
		Name:      p.Name,
		Latitude:  geo.Round(p.Location.Lat, coordinatePlaces),
		Longitude: geo.Round(p.Location.Lon, coordinatePlaces),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func newPointHitResponse(hit models.PointHit) pointResponse {
	resp := newPointResponse(hit.Point)
	d := geo.Round(hit.DistanceKm, distancePlaces)
	resp.DistanceKm = &d
	return resp
}

type pointSummaryResponse struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func newPointSummaryResponse(s models.PointSummary) pointSummaryResponse {
	return pointSummaryResponse{
		ID:        s.ID,
		Name:      s.Name,
		Latitude:  geo.Round(s.Location.Lat, coordinatePlaces),
		Longitude: geo.Round(s.Location.Lon, coordinatePlaces),
	}
}

type messageResponse struct {
	ID              int64                `json:"id"`
	Text            string               `json:"text"`
	Point           pointSummaryResponse `json:"point"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	PointDistanceKm *float64             `json:"point_distance_km,omitempty"`
}

func newMessageResponse(m models.Message, point models.PointSummary) messageResponse {
	return messageResponse{
		ID:        m.ID,
		Text:      m.Text,
		Point:     newPointSummaryResponse(point),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func newMessageHitResponse(hit models.MessageHit) messageResponse {
	resp := newMessageResponse(hit.Message, hit.Point)
	d := geo.Round(hit.DistanceKm, distancePlaces)
	resp.PointDistanceKm = &d
	return resp
}

type pageResponse[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// newPageResponse renders a page with next/previous links built from the
// request path and query, page number replaced.
func newPageResponse[In, Out any](r *http.Request, page models.Page[In], convert func(In) Out) pageResponse[Out] {
	results := make([]Out, 0, len(page.Items))
	for _, item := range page.Items {
		results = append(results, convert(item))
	}
	resp := pageResponse[Out]{Count: page.Count, Results: results}
	if page.HasNext() {
		link := pageLink(r, page.Page+1)
		resp.Next = &link
	}
	if page.HasPrevious() {
		link := pageLink(r, page.Page-1)
		resp.Previous = &link
	}
	return resp
}

func pageLink(r *http.Request, page int) string {
	values := url.Values{}
	for k, v := range r.URL.Query() {
		values[k] = v
	}
	if page == 1 {
		values.Del("page")
	} else {
		values.Set("page", strconv.Itoa(page))
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}
