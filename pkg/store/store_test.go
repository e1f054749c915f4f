package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-points/pkg/events"
	"github.com/kass/go-geo-points/pkg/metrics"
	"github.com/kass/go-geo-points/pkg/models"
	"github.com/kass/go-geo-points/pkg/rtree"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) Close() {}

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// flakyIndex fails the next upsert when armed.
type flakyIndex struct {
	*rtree.GeoIndex
	failNext bool
}

func (f *flakyIndex) Upsert(e rtree.Entry) error {
	if f.failNext {
		f.failNext = false
		return errors.New("index node split failed")
	}
	return f.GeoIndex.Upsert(e)
}

// unloadableBackend fails AllPoints while broken is set.
type unloadableBackend struct {
	*MemoryBackend
	broken bool
}

func (b *unloadableBackend) AllPoints(ctx context.Context) ([]models.Point, error) {
	if b.broken {
		return nil, errors.New("connection reset")
	}
	return b.MemoryBackend.AllPoints(ctx)
}

func ptr[T any](v T) *T { return &v }

func pair(lat, lon float64) models.CoordinateInput {
	return models.CoordinateInput{Latitude: ptr(lat), Longitude: ptr(lon)}
}

type fixture struct {
	store     *Store
	backend   *MemoryBackend
	index     *rtree.GeoIndex
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	backend := NewMemoryBackend()
	index := rtree.NewGeoIndexWithPartitions(4)
	pub := &recordingPublisher{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{
		store:     New(backend, index, log, WithPublisher(pub), WithMetrics(m)),
		backend:   backend,
		index:     index,
		publisher: pub,
		metrics:   m,
	}
}

func TestCreatePoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePoint(ctx, 1, models.PointInput{Name: "  Центр ", Coordinate: pair(52.370216, 4.895168)})
	require.NoError(t, err)
	assert.Equal(t, "Центр", p.Name)
	assert.Equal(t, int64(1), p.OwnerID)
	assert.InDelta(t, 52.370216, p.Location.Lat, 1e-6)
	assert.InDelta(t, 4.895168, p.Location.Lon, 1e-6)
	assert.False(t, p.CreatedAt.IsZero())
	assert.True(t, f.index.Contains(p.ID))

	stored, err := f.store.GetPoint(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, stored)

	assert.Equal(t, []events.Type{events.PointCreated}, f.publisher.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Writes.WithLabelValues("point", "create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexedPoints))
}

func TestCreatePointValidation(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name  string
		in    models.PointInput
		err   error
		field string
	}{
		{"missing coordinate", models.PointInput{Name: "x"}, models.ErrMissingCoordinate, "location"},
		{"conflicting input", models.PointInput{Coordinate: models.CoordinateInput{
			Latitude: ptr(1.0), Longitude: ptr(2.0), Geometry: []byte(`"POINT(2 1)"`),
		}}, models.ErrConflictingInput, "location"},
		{"latitude out of range", models.PointInput{Coordinate: pair(-90.5, 0)}, models.ErrLatitudeOutOfRange, "latitude"},
		{"name too long", models.PointInput{Name: strings.Repeat("я", 256), Coordinate: pair(0, 0)}, models.ErrNameTooLong, "name"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.store.CreatePoint(ctx, 1, tc.in)
			require.ErrorIs(t, err, tc.err)

			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)

			all, err := f.backend.AllPoints(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Equal(t, int64(0), f.index.Count())
			assert.Empty(t, f.publisher.types())
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Writes.WithLabelValues("point", "create", "invalid")))
		})
	}

	t.Run("name of exactly 255 characters", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.store.CreatePoint(ctx, 1, models.PointInput{Name: strings.Repeat("я", 255), Coordinate: pair(0, 0)})
		assert.NoError(t, err)
	})
}

func TestCreatePointFromGeometry(t *testing.T) {
	f := newFixture(t)

	p, err := f.store.CreatePoint(context.Background(), 1, models.PointInput{
		Coordinate: models.CoordinateInput{Geometry: []byte(`"SRID=3857;POINT(1492237.7 6894699.8)"`)},
	})
	require.NoError(t, err)
	assert.InDelta(t, 52.52, p.Location.Lat, 1e-4)
	assert.InDelta(t, 13.405, p.Location.Lon, 1e-4)
}

func TestUpdatePoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePoint(ctx, 1, models.PointInput{Name: "home", Coordinate: pair(52.37, 4.89)})
	require.NoError(t, err)

	t.Run("rename keeps the coordinate", func(t *testing.T) {
		updated, err := f.store.UpdatePoint(ctx, p.ID, 1, models.PointPatch{Name: ptr("work")})
		require.NoError(t, err)
		assert.Equal(t, "work", updated.Name)
		assert.Equal(t, p.Location, updated.Location)
		assert.False(t, updated.UpdatedAt.Before(p.UpdatedAt))
		assert.Equal(t, p.CreatedAt, updated.CreatedAt)
	})

	t.Run("move updates the index", func(t *testing.T) {
		updated, err := f.store.UpdatePoint(ctx, p.ID, 1, models.PointPatch{Coordinate: pair(52.52, 13.405)})
		require.NoError(t, err)
		assert.Equal(t, "work", updated.Name)

		near, err := f.store.QueryRadius(ctx, models.Location{Lat: 52.52, Lon: 13.405}, 1)
		require.NoError(t, err)
		require.Len(t, near, 1)
		assert.Equal(t, p.ID, near[0].ID)

		old, err := f.store.QueryRadius(ctx, models.Location{Lat: 52.37, Lon: 4.89}, 1)
		require.NoError(t, err)
		assert.Empty(t, old)
	})

	t.Run("other user is forbidden", func(t *testing.T) {
		_, err := f.store.UpdatePoint(ctx, p.ID, 2, models.PointPatch{Name: ptr("mine")})
		assert.ErrorIs(t, err, models.ErrForbidden)

		current, err := f.store.GetPoint(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "work", current.Name)
	})

	t.Run("unknown point", func(t *testing.T) {
		_, err := f.store.UpdatePoint(ctx, 999, 1, models.PointPatch{Name: ptr("x")})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("incomplete pair is rejected before lookup", func(t *testing.T) {
		_, err := f.store.UpdatePoint(ctx, 999, 1, models.PointPatch{Coordinate: models.CoordinateInput{Latitude: ptr(1.0)}})
		assert.ErrorIs(t, err, models.ErrIncompleteCoordinatePair)
	})
}

func TestDeletePointCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePoint(ctx, 1, models.PointInput{Coordinate: pair(52.37, 4.89)})
	require.NoError(t, err)
	m, err := f.store.CreateMessage(ctx, 2, models.MessageInput{PointID: p.ID, Text: "hello"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.store.DeletePoint(ctx, p.ID, 2), models.ErrForbidden)

	require.NoError(t, f.store.DeletePoint(ctx, p.ID, 1))

	_, err = f.store.GetPoint(ctx, p.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetMessage(ctx, m.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, f.index.Contains(p.ID))

	matches, err := f.store.QueryRadius(ctx, models.Location{Lat: 52.37, Lon: 4.89}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)

	assert.ErrorIs(t, f.store.DeletePoint(ctx, p.ID, 1), models.ErrNotFound)

	assert.Equal(t, []events.Type{events.PointCreated, events.MessageCreated, events.PointDeleted}, f.publisher.types())
	assert.Equal(t, int64(1), f.publisher.events[2].CascadedMessages)
}

func TestGetOwned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePoint(ctx, 1, models.PointInput{Coordinate: pair(1, 1)})
	require.NoError(t, err)
	m, err := f.store.CreateMessage(ctx, 2, models.MessageInput{PointID: p.ID, Text: "note"})
	require.NoError(t, err)

	_, err = f.store.GetOwnedPoint(ctx, p.ID, 1)
	assert.NoError(t, err)
	_, err = f.store.GetOwnedPoint(ctx, p.ID, 2)
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.store.GetOwnedPoint(ctx, 404, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.store.GetOwnedMessage(ctx, m.ID, 2)
	assert.NoError(t, err)
	_, err = f.store.GetOwnedMessage(ctx, m.ID, 1)
	assert.ErrorIs(t, err, models.ErrForbidden)

	points, err := f.store.ListPointsByOwner(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, points, 1)
	msgs, err := f.store.ListMessagesByAuthor(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCreateMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePoint(ctx, 1, models.PointInput{Coordinate: pair(1, 1)})
	require.NoError(t, err)

	t.Run("text is trimmed", func(t *testing.T) {
		m, err := f.store.CreateMessage(ctx, 3, models.MessageInput{PointID: p.ID, Text: "  hi there \n"})
		require.NoError(t, err)
		assert.Equal(t, "hi there", m.Text)
		assert.Equal(t, int64(3), m.AuthorID)
		assert.Equal(t, p.ID, m.PointID)
	})

	testCases := []struct {
		name  string
		in    models.MessageInput
		err   error
		field string
	}{
		{"empty text", models.MessageInput{PointID: p.ID, Text: ""}, models.ErrEmptyText, "text"},
		{"whitespace text", models.MessageInput{PointID: p.ID, Text: " \t\n "}, models.ErrEmptyText, "text"},
		{"text too long", models.MessageInput{PointID: p.ID, Text: strings.Repeat("a", 2001)}, models.ErrTextTooLong, "text"},
		{"missing point", models.MessageInput{Text: "x"}, models.ErrInvalidPayload, "point_id"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.CreateMessage(ctx, 3, tc.in)
			require.ErrorIs(t, err, tc.err)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	t.Run("text of exactly 2000 characters", func(t *testing.T) {
		_, err := f.store.CreateMessage(ctx, 3, models.MessageInput{PointID: p.ID, Text: strings.Repeat("ж", 2000)})
		assert.NoError(t, err)
	})

	t.Run("unknown point", func(t *testing.T) {
		_, err := f.store.CreateMessage(ctx, 3, models.MessageInput{PointID: 999, Text: "x"})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePoint(ctx, 1, models.PointInput{Coordinate: pair(1, 1)})
	require.NoError(t, err)
	m, err := f.store.CreateMessage(ctx, 2, models.MessageInput{PointID: p.ID, Text: "x"})
	require.NoError(t, err)

	// The point owner is not the author.
	assert.ErrorIs(t, f.store.DeleteMessage(ctx, m.ID, 1), models.ErrForbidden)
	require.NoError(t, f.store.DeleteMessage(ctx, m.ID, 2))
	assert.ErrorIs(t, f.store.DeleteMessage(ctx, m.ID, 2), models.ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Writes.WithLabelValues("message", "delete", "forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Writes.WithLabelValues("message", "delete", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Writes.WithLabelValues("message", "delete", "not_found")))
}

func TestIndexFailureTriggersRebuild(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	index := &flakyIndex{GeoIndex: rtree.NewGeoIndexWithPartitions(2)}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s := New(backend, index, slog.New(slog.NewTextHandler(io.Discard, nil)), WithMetrics(m))

	p, err := s.CreatePoint(ctx, 1, models.PointInput{Coordinate: pair(10, 10)})
	require.NoError(t, err)

	index.failNext = true
	_, err = s.UpdatePoint(ctx, p.ID, 1, models.PointPatch{Coordinate: pair(20, 20)})
	require.ErrorIs(t, err, models.ErrIndexInconsistent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexRebuilds))

	// The backend committed the move, so the rebuilt index must reflect it.
	matches, err := s.QueryRadius(ctx, models.Location{Lat: 20, Lon: 20}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, p.ID, matches[0].ID)

	stale, err := s.QueryRadius(ctx, models.Location{Lat: 10, Lon: 10}, 1)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestFailedRebuildKeepsIndexUntrusted(t *testing.T) {
	ctx := context.Background()
	backend := &unloadableBackend{MemoryBackend: NewMemoryBackend()}
	index := &flakyIndex{GeoIndex: rtree.NewGeoIndexWithPartitions(2)}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s := New(backend, index, slog.New(slog.NewTextHandler(io.Discard, nil)), WithMetrics(m))

	p, err := s.CreatePoint(ctx, 1, models.PointInput{Coordinate: pair(10, 10)})
	require.NoError(t, err)

	index.failNext = true
	backend.broken = true
	_, err = s.UpdatePoint(ctx, p.ID, 1, models.PointPatch{Coordinate: pair(20, 20)})
	require.ErrorIs(t, err, models.ErrIndexInconsistent)

	// The index still holds the old location, so it must not answer.
	_, err = s.QueryRadius(ctx, models.Location{Lat: 10, Lon: 10}, 1)
	require.ErrorIs(t, err, models.ErrIndexInconsistent)
	_, err = s.Nearest(ctx, models.Location{Lat: 20, Lon: 20}, 1)
	require.ErrorIs(t, err, models.ErrIndexInconsistent)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.IndexRebuilds))

	backend.broken = false
	matches, err := s.QueryRadius(ctx, models.Location{Lat: 20, Lon: 20}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, p.ID, matches[0].ID)

	stale, err := s.QueryRadius(ctx, models.Location{Lat: 10, Lon: 10}, 1)
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.IndexRebuilds))
}

func TestRebuildLoadsBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	for i := 0; i < 5; i++ {
		_, err := backend.InsertPoint(ctx, models.Point{OwnerID: 1, Location: models.Location{Lat: float64(i), Lon: float64(i)}})
		require.NoError(t, err)
	}

	s := New(backend, rtree.NewGeoIndexWithPartitions(2), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, int64(0), s.IndexedCount())

	n, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), s.IndexedCount())

	nearest, err := s.Nearest(ctx, models.Location{Lat: 0, Lon: 0}, 2)
	require.NoError(t, err)
	require.Len(t, nearest, 2)
	assert.Equal(t, int64(1), nearest[0].ID)
	assert.NoError(t, s.Ping(ctx))
}

// Concurrent movers of the same point must leave the index agreeing with the backend.
func TestConcurrentUpdatesKeepIndexInStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePoint(ctx, 1, models.PointInput{Coordinate: pair(0, 0)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				lon := float64(w*20 - 80)
				_, err := f.store.UpdatePoint(ctx, p.ID, 1, models.PointPatch{Coordinate: pair(float64(i%10), lon)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stored, err := f.store.GetPoint(ctx, p.ID)
	require.NoError(t, err)
	entries := f.index.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, stored.Location, entries[0].Location)
}
