package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kass/go-geo-points/pkg/events"
	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/metrics"
	"github.com/kass/go-geo-points/pkg/models"
	"github.com/kass/go-geo-points/pkg/rtree"
)

const stripeCount = 64

// Index is the spatial index the Store keeps in step with the backend.
type Index interface {
	Upsert(e rtree.Entry) error
	Remove(id int64) error
	Rebuild(entries []rtree.Entry) error
	QueryRadius(center models.Location, radiusKm float64) ([]rtree.Match, error)
	NearestNeighbors(center models.Location, n int) []rtree.Match
	Count() int64
}

// indexFailure marks a write that committed in the backend but could not be
// mirrored into the index.
type indexFailure struct {
	err error
}

func (e *indexFailure) Error() string { return e.err.Error() }
func (e *indexFailure) Unwrap() error { return e.err }

// Store is the entity store: validated, owner-checked access to points and
// messages with the spatial index updated synchronously on every point write.
type Store struct {
	backend   Backend
	index     Index
	log       *slog.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics

	// guard is held shared by writes and index reads, exclusively by rebuilds,
	// so nothing reads or writes the index while it is being reloaded.
	guard sync.RWMutex
	// stale is set when a forced rebuild failed; the index is not queried
	// again until a rebuild succeeds. Guarded by guard.
	stale   bool
	stripes [stripeCount]sync.Mutex
}

type Option func(*Store)

func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store. The index is expected to be empty or already in step
// with the backend; call Rebuild to load it.
func New(backend Backend, index Index, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		index:     index,
		log:       log,
		publisher: events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePoint validates and stores a new point owned by ownerID.
func (s *Store) CreatePoint(ctx context.Context, ownerID int64, in models.PointInput) (models.Point, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return models.Point{}, s.count("point", "create", err)
	}
	loc, err := geo.ParseCoordinateInput(in.Coordinate, true)
	if err != nil {
		return models.Point{}, s.count("point", "create", err)
	}

	var created models.Point
	err = s.write(ctx, func() error {
		p, err := s.backend.InsertPoint(ctx, models.Point{Name: name, Location: *loc, OwnerID: ownerID})
		if err != nil {
			return fmt.Errorf("failed to insert point: %w", err)
		}
		created = p

		unlock := s.lockPoint(p.ID)
		defer unlock()

		// Re-read under the point lock: a writer that guessed the new id may
		// already have moved or deleted it.
		current, err := s.backend.GetPoint(ctx, p.ID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to reload point %d: %w", p.ID, err)
		}
		return s.indexUpsert(current)
	})
	if err != nil {
		return models.Point{}, s.count("point", "create", err)
	}

	s.log.DebugContext(ctx, "Point created", "id", created.ID, "owner", ownerID)
	ev := events.New(events.PointCreated, ownerID)
	ev.PointID = created.ID
	ev.Location = &created.Location
	s.publisher.Publish(ctx, ev)
	return created, s.count("point", "create", nil)
}

// UpdatePoint applies a patch to a point owned by actorID.
func (s *Store) UpdatePoint(ctx context.Context, id, actorID int64, patch models.PointPatch) (models.Point, error) {
	var name *string
	if patch.Name != nil {
		n, err := normalizeName(*patch.Name)
		if err != nil {
			return models.Point{}, s.count("point", "update", err)
		}
		name = &n
	}
	loc, err := geo.ParseCoordinateInput(patch.Coordinate, false)
	if err != nil {
		return models.Point{}, s.count("point", "update", err)
	}

	var updated models.Point
	err = s.write(ctx, func() error {
		unlock := s.lockPoint(id)
		defer unlock()

		current, err := s.backend.GetPoint(ctx, id)
		if err != nil {
			return err
		}
		if current.OwnerID != actorID {
			return fmt.Errorf("point %d: %w", id, models.ErrForbidden)
		}
		if name != nil {
			current.Name = *name
		}
		if loc != nil {
			current.Location = *loc
		}

		updated, err = s.backend.UpdatePoint(ctx, current)
		if err != nil {
			return fmt.Errorf("failed to update point %d: %w", id, err)
		}
		return s.indexUpsert(updated)
	})
	if err != nil {
		return models.Point{}, s.count("point", "update", err)
	}

	ev := events.New(events.PointUpdated, actorID)
	ev.PointID = updated.ID
	ev.Location = &updated.Location
	s.publisher.Publish(ctx, ev)
	return updated, s.count("point", "update", nil)
}

// DeletePoint removes a point owned by actorID together with its messages.
func (s *Store) DeletePoint(ctx context.Context, id, actorID int64) error {
	var cascaded int64
	err := s.write(ctx, func() error {
		unlock := s.lockPoint(id)
		defer unlock()

		current, err := s.backend.GetPoint(ctx, id)
		if err != nil {
			return err
		}
		if current.OwnerID != actorID {
			return fmt.Errorf("point %d: %w", id, models.ErrForbidden)
		}

		cascaded, err = s.backend.DeletePoint(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to delete point %d: %w", id, err)
		}

		err = s.index.Remove(id)
		if errors.Is(err, rtree.ErrNotIndexed) {
			s.log.DebugContext(ctx, "Deleted point was not indexed", "id", id)
			return nil
		}
		if err != nil {
			return &indexFailure{err: err}
		}
		return nil
	})
	if err != nil {
		return s.count("point", "delete", err)
	}

	s.log.DebugContext(ctx, "Point deleted", "id", id, "messages", cascaded)
	ev := events.New(events.PointDeleted, actorID)
	ev.PointID = id
	ev.CascadedMessages = cascaded
	s.publisher.Publish(ctx, ev)
	return s.count("point", "delete", nil)
}

// GetPoint returns any point by id.
func (s *Store) GetPoint(ctx context.Context, id int64) (models.Point, error) {
	return s.backend.GetPoint(ctx, id)
}

// GetOwnedPoint returns a point only to its owner.
func (s *Store) GetOwnedPoint(ctx context.Context, id, ownerID int64) (models.Point, error) {
	p, err := s.backend.GetPoint(ctx, id)
	if err != nil {
		return models.Point{}, err
	}
	if p.OwnerID != ownerID {
		return models.Point{}, fmt.Errorf("point %d: %w", id, models.ErrForbidden)
	}
	return p, nil
}

func (s *Store) ListPointsByOwner(ctx context.Context, ownerID int64) ([]models.Point, error) {
	return s.backend.ListPointsByOwner(ctx, ownerID)
}

func (s *Store) PointsByIDs(ctx context.Context, ids []int64) ([]models.Point, error) {
	return s.backend.PointsByIDs(ctx, ids)
}

// CreateMessage attaches a message by authorID to an existing point. Any
// authenticated user may write on any point.
func (s *Store) CreateMessage(ctx context.Context, authorID int64, in models.MessageInput) (models.Message, error) {
	text, err := normalizeText(in.Text)
	if err != nil {
		return models.Message{}, s.count("message", "create", err)
	}
	if in.PointID <= 0 {
		return models.Message{}, s.count("message", "create",
			models.Invalid(models.CodeInvalidPayload, "point_id", "this field is required"))
	}

	m, err := s.backend.InsertMessage(ctx, models.Message{PointID: in.PointID, Text: text, AuthorID: authorID})
	if err != nil {
		return models.Message{}, s.count("message", "create", fmt.Errorf("failed to insert message: %w", err))
	}

	ev := events.New(events.MessageCreated, authorID)
	ev.PointID = m.PointID
	ev.MessageID = m.ID
	s.publisher.Publish(ctx, ev)
	return m, s.count("message", "create", nil)
}

// DeleteMessage removes a message written by actorID.
func (s *Store) DeleteMessage(ctx context.Context, id, actorID int64) error {
	m, err := s.backend.GetMessage(ctx, id)
	if err != nil {
		return s.count("message", "delete", err)
	}
	if m.AuthorID != actorID {
		return s.count("message", "delete", fmt.Errorf("message %d: %w", id, models.ErrForbidden))
	}
	if err := s.backend.DeleteMessage(ctx, id); err != nil {
		return s.count("message", "delete", fmt.Errorf("failed to delete message %d: %w", id, err))
	}

	ev := events.New(events.MessageDeleted, actorID)
	ev.PointID = m.PointID
	ev.MessageID = m.ID
	s.publisher.Publish(ctx, ev)
	return s.count("message", "delete", nil)
}

func (s *Store) GetMessage(ctx context.Context, id int64) (models.Message, error) {
	return s.backend.GetMessage(ctx, id)
}

// GetOwnedMessage returns a message only to its author.
func (s *Store) GetOwnedMessage(ctx context.Context, id, authorID int64) (models.Message, error) {
	m, err := s.backend.GetMessage(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	if m.AuthorID != authorID {
		return models.Message{}, fmt.Errorf("message %d: %w", id, models.ErrForbidden)
	}
	return m, nil
}

func (s *Store) ListMessagesByAuthor(ctx context.Context, authorID int64) ([]models.Message, error) {
	return s.backend.ListMessagesByAuthor(ctx, authorID)
}

func (s *Store) MessagesByPointIDs(ctx context.Context, pointIDs []int64) ([]models.Message, error) {
	return s.backend.MessagesByPointIDs(ctx, pointIDs)
}

// QueryRadius returns the indexed points within radiusKm of center.
func (s *Store) QueryRadius(ctx context.Context, center models.Location, radiusKm float64) ([]rtree.Match, error) {
	var matches []rtree.Match
	err := s.readIndex(ctx, func() error {
		var err error
		matches, err = s.index.QueryRadius(center, radiusKm)
		return err
	})
	return matches, err
}

// Nearest returns the n indexed points closest to center.
func (s *Store) Nearest(ctx context.Context, center models.Location, n int) ([]rtree.Match, error) {
	var matches []rtree.Match
	err := s.readIndex(ctx, func() error {
		matches = s.index.NearestNeighbors(center, n)
		return nil
	})
	return matches, err
}

// readIndex runs fn under the shared guard. A stale index is rebuilt first,
// and reads fail with ErrIndexInconsistent until a rebuild succeeds.
func (s *Store) readIndex(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.guard.RLock()
	if !s.stale {
		defer s.guard.RUnlock()
		return fn()
	}
	s.guard.RUnlock()

	s.guard.Lock()
	defer s.guard.Unlock()
	if s.stale {
		if s.metrics != nil {
			s.metrics.IndexRebuilds.Inc()
		}
		n, err := s.rebuildLocked(context.WithoutCancel(ctx))
		if err != nil {
			s.log.ErrorContext(ctx, "Spatial index still stale, rebuild failed", "error", err)
			return fmt.Errorf("%w: %w", models.ErrIndexInconsistent, err)
		}
		s.log.InfoContext(ctx, "Spatial index rebuilt", "points", n)
	}
	return fn()
}

// IndexedCount returns how many points the index holds.
func (s *Store) IndexedCount() int64 {
	return s.index.Count()
}

// Rebuild reloads the index from the backend. Writes and index reads wait
// until it completes.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.rebuildLocked(ctx)
}

func (s *Store) rebuildLocked(ctx context.Context) (int, error) {
	points, err := s.backend.AllPoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load points for index rebuild: %w", err)
	}
	entries := make([]rtree.Entry, 0, len(points))
	for _, p := range points {
		entries = append(entries, rtree.Entry{ID: p.ID, Location: p.Location})
	}
	if err := s.index.Rebuild(entries); err != nil {
		return 0, fmt.Errorf("failed to rebuild index: %w", err)
	}
	s.stale = false
	s.setIndexedGauge()
	return len(entries), nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// write runs fn under the shared guard. When fn reports an index failure the
// index is rebuilt from the backend before the error is returned; if that
// rebuild fails too the index is marked stale.
func (s *Store) write(ctx context.Context, fn func() error) error {
	s.guard.RLock()
	err := fn()
	s.guard.RUnlock()

	var failure *indexFailure
	if !errors.As(err, &failure) {
		if err == nil {
			s.setIndexedGauge()
		}
		return err
	}

	s.log.ErrorContext(ctx, "Spatial index update failed, rebuilding from store", "error", failure.err)
	if s.metrics != nil {
		s.metrics.IndexRebuilds.Inc()
	}

	s.guard.Lock()
	n, rebuildErr := s.rebuildLocked(context.WithoutCancel(ctx))
	if rebuildErr != nil {
		s.stale = true
	}
	s.guard.Unlock()
	if rebuildErr != nil {
		s.log.ErrorContext(ctx, "Spatial index rebuild failed", "error", rebuildErr)
	} else {
		s.log.InfoContext(ctx, "Spatial index rebuilt", "points", n)
	}
	return fmt.Errorf("%w: %w", models.ErrIndexInconsistent, failure.err)
}

func (s *Store) indexUpsert(p models.Point) error {
	if err := s.index.Upsert(rtree.Entry{ID: p.ID, Location: p.Location}); err != nil {
		return &indexFailure{err: err}
	}
	return nil
}

func (s *Store) lockPoint(id int64) func() {
	m := &s.stripes[uint64(id)%stripeCount]
	m.Lock()
	return m.Unlock
}

func (s *Store) setIndexedGauge() {
	if s.metrics != nil {
		s.metrics.IndexedPoints.Set(float64(s.index.Count()))
	}
}

// count records the outcome of a write and passes err through.
func (s *Store) count(entity, op string, err error) error {
	if s.metrics != nil {
		s.metrics.Writes.WithLabelValues(entity, op, writeStatus(err)).Inc()
	}
	return err
}

func writeStatus(err error) string {
	var ve *models.ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}
