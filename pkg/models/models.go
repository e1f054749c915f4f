package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Location represents a geographic location with latitude and longitude
// in WGS84 degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft Location
	TopRight   Location
}

// Point is a named geographic point owned by the user who created it.
type Point struct {
	ID        int64
	Name      string
	Location  Location
	OwnerID   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns the point name, or a generated one when the name is blank.
func (p Point) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("Point #%d", p.ID)
}

// Summary projects the point onto the lightweight form embedded in messages.
func (p Point) Summary() PointSummary {
	return PointSummary{ID: p.ID, Name: p.DisplayName(), Location: p.Location}
}

// PointSummary is the lightweight projection of a Point.
type PointSummary struct {
	ID       int64
	Name     string
	Location Location
}

// Message is a free-text note attached to exactly one Point.
type Message struct {
	ID        int64
	PointID   int64
	Text      string
	AuthorID  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CoordinateInput carries the two mutually exclusive ways a caller can supply
// a coordinate: an explicit latitude/longitude pair or a raw geometry value.
type CoordinateInput struct {
	Latitude  *float64
	Longitude *float64
	Geometry  json.RawMessage
}

// HasGeometry reports whether a geometry value was supplied. A JSON null
// counts as absent.
func (c CoordinateInput) HasGeometry() bool {
	raw := bytes.TrimSpace(c.Geometry)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// IsZero reports whether no coordinate form was supplied at all.
func (c CoordinateInput) IsZero() bool {
	return c.Latitude == nil && c.Longitude == nil && !c.HasGeometry()
}

// PointInput is the unvalidated payload of a point creation.
type PointInput struct {
	Name       string
	Coordinate CoordinateInput
}

// PointPatch holds the fields of a point update; nil or empty fields stay unchanged.
type PointPatch struct {
	Name       *string
	Coordinate CoordinateInput
}

// MessageInput is the unvalidated payload of a message creation.
type MessageInput struct {
	PointID int64
	Text    string
}

// SearchQuery is a validated proximity search request.
type SearchQuery struct {
	Center   Location
	RadiusKm float64
	Page     int
	PageSize int
}

// PointHit is a search result: a point and its distance to the query center.
type PointHit struct {
	Point      Point
	DistanceKm float64
}

// MessageHit is a message search result. The distance is measured to the
// message's point.
type MessageHit struct {
	Message    Message
	Point      PointSummary
	DistanceKm float64
}

// Page is one page of an ordered result set.
type Page[T any] struct {
	Count    int
	Page     int
	PageSize int
	Items    []T
}

// HasNext reports whether another page follows this one.
func (p Page[T]) HasNext() bool {
	return p.Page*p.PageSize < p.Count
}

// HasPrevious reports whether a page precedes this one.
func (p Page[T]) HasPrevious() bool {
	return p.Page > 1
}
