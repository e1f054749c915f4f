// Package events publishes point and message lifecycle events to NATS.
// Events are an outbound audit feed: a failed publish is logged and never
// fails the write that produced it.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kass/go-geo-points/pkg/models"
)

type Type string

const (
	PointCreated   Type = "point.created"
	PointUpdated   Type = "point.updated"
	PointDeleted   Type = "point.deleted"
	MessageCreated Type = "message.created"
	MessageDeleted Type = "message.deleted"
)

// Event describes one committed write.
type Event struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	OccurredAt time.Time        `json:"occurred_at"`
	ActorID    int64            `json:"actor_id"`
	PointID    int64            `json:"point_id"`
	MessageID  int64            `json:"message_id,omitempty"`
	Location   *models.Location `json:"location,omitempty"`
	// CascadedMessages is set on point.deleted.
	CascadedMessages int64 `json:"cascaded_messages,omitempty"`
}

// New returns an event of the given type with a fresh id.
func New(typ Type, actorID int64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		ActorID:    actorID,
	}
}

// Publisher delivers events. Implementations must not block writers for long
// and must swallow their own failures.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close()
}

// Nop drops every event. It is used when no NATS url is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}
