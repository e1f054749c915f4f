// Package store owns point and message records. A Backend persists them; the
// Store wraps a Backend with validation, ownership rules and the spatial index
// that must mirror every committed point coordinate.
package store

import (
	"context"

	"github.com/kass/go-geo-points/pkg/models"
)

// Backend is the durable record store.
//
// Implementations assign ids and timestamps, report absent records with
// models.ErrNotFound and delete a point's messages together with the point.
// Listings are ordered newest first.
type Backend interface {
	InsertPoint(ctx context.Context, p models.Point) (models.Point, error)
	UpdatePoint(ctx context.Context, p models.Point) (models.Point, error)
	// DeletePoint removes the point and its messages, returning how many
	// messages went with it.
	DeletePoint(ctx context.Context, id int64) (int64, error)
	GetPoint(ctx context.Context, id int64) (models.Point, error)
	ListPointsByOwner(ctx context.Context, ownerID int64) ([]models.Point, error)
	// PointsByIDs skips ids that do not exist. Order is unspecified.
	PointsByIDs(ctx context.Context, ids []int64) ([]models.Point, error)
	AllPoints(ctx context.Context) ([]models.Point, error)

	// InsertMessage fails with models.ErrNotFound when the point is gone.
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	GetMessage(ctx context.Context, id int64) (models.Message, error)
	ListMessagesByAuthor(ctx context.Context, authorID int64) ([]models.Message, error)
	MessagesByPointIDs(ctx context.Context, pointIDs []int64) ([]models.Message, error)

	Ping(ctx context.Context) error
}
