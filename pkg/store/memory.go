package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kass/go-geo-points/pkg/models"
)

// MemoryBackend keeps records in process memory. It backs development runs,
// the demo and tests; contents are lost on exit.
type MemoryBackend struct {
	mu       sync.RWMutex
	points   map[int64]models.Point
	messages map[int64]models.Message

	nextPointID   int64
	nextMessageID int64

	now  func() time.Time
	last time.Time
}

type MemoryOption func(*MemoryBackend)

// WithClock replaces the wall clock used for record timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.now = now }
}

func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		points:   make(map[int64]models.Point),
		messages: make(map[int64]models.Message),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// stamp returns the current time, never earlier than a previously issued one.
// Callers hold mu.
func (b *MemoryBackend) stamp() time.Time {
	t := b.now().UTC().Truncate(time.Microsecond)
	if t.Before(b.last) {
		t = b.last
	}
	b.last = t
	return t
}

func (b *MemoryBackend) InsertPoint(_ context.Context, p models.Point) (models.Point, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextPointID++
	p.ID = b.nextPointID
	p.CreatedAt = b.stamp()
	p.UpdatedAt = p.CreatedAt
	b.points[p.ID] = p
	return p, nil
}

func (b *MemoryBackend) UpdatePoint(_ context.Context, p models.Point) (models.Point, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.points[p.ID]
	if !ok {
		return models.Point{}, fmt.Errorf("point %d: %w", p.ID, models.ErrNotFound)
	}
	current.Name = p.Name
	current.Location = p.Location
	current.UpdatedAt = b.stamp()
	b.points[p.ID] = current
	return current, nil
}

func (b *MemoryBackend) DeletePoint(_ context.Context, id int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.points[id]; !ok {
		return 0, fmt.Errorf("point %d: %w", id, models.ErrNotFound)
	}
	var cascaded int64
	for msgID, m := range b.messages {
		if m.PointID == id {
			delete(b.messages, msgID)
			cascaded++
		}
	}
	delete(b.points, id)
	return cascaded, nil
}

func (b *MemoryBackend) GetPoint(_ context.Context, id int64) (models.Point, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.points[id]
	if !ok {
		return models.Point{}, fmt.Errorf("point %d: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (b *MemoryBackend) ListPointsByOwner(_ context.Context, ownerID int64) ([]models.Point, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	points := make([]models.Point, 0)
	for _, p := range b.points {
		if p.OwnerID == ownerID {
			points = append(points, p)
		}
	}
	slices.SortFunc(points, func(a, c models.Point) int {
		return newestFirst(a.CreatedAt, c.CreatedAt, a.ID, c.ID)
	})
	return points, nil
}

func (b *MemoryBackend) PointsByIDs(_ context.Context, ids []int64) ([]models.Point, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	points := make([]models.Point, 0, len(ids))
	for _, id := range ids {
		if p, ok := b.points[id]; ok {
			points = append(points, p)
		}
	}
	return points, nil
}

func (b *MemoryBackend) AllPoints(_ context.Context) ([]models.Point, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	points := make([]models.Point, 0, len(b.points))
	for _, p := range b.points {
		points = append(points, p)
	}
	return points, nil
}

func (b *MemoryBackend) InsertMessage(_ context.Context, m models.Message) (models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.points[m.PointID]; !ok {
		return models.Message{}, fmt.Errorf("point %d: %w", m.PointID, models.ErrNotFound)
	}
	b.nextMessageID++
	m.ID = b.nextMessageID
	m.CreatedAt = b.stamp()
	m.UpdatedAt = m.CreatedAt
	b.messages[m.ID] = m
	return m, nil
}

func (b *MemoryBackend) DeleteMessage(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.messages[id]; !ok {
		return fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	delete(b.messages, id)
	return nil
}

func (b *MemoryBackend) GetMessage(_ context.Context, id int64) (models.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.messages[id]
	if !ok {
		return models.Message{}, fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	return m, nil
}

func (b *MemoryBackend) ListMessagesByAuthor(_ context.Context, authorID int64) ([]models.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	messages := make([]models.Message, 0)
	for _, m := range b.messages {
		if m.AuthorID == authorID {
			messages = append(messages, m)
		}
	}
	slices.SortFunc(messages, func(a, c models.Message) int {
		return newestFirst(a.CreatedAt, c.CreatedAt, a.ID, c.ID)
	})
	return messages, nil
}

func (b *MemoryBackend) MessagesByPointIDs(_ context.Context, pointIDs []int64) ([]models.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wanted := make(map[int64]struct{}, len(pointIDs))
	for _, id := range pointIDs {
		wanted[id] = struct{}{}
	}
	messages := make([]models.Message, 0)
	for _, m := range b.messages {
		if _, ok := wanted[m.PointID]; ok {
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

func newestFirst(aTime, bTime time.Time, aID, bID int64) int {
	if c := bTime.Compare(aTime); c != 0 {
		return c
	}
	switch {
	case aID > bID:
		return -1
	case aID < bID:
		return 1
	}
	return 0
}
