package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-points/pkg/models"
)

func TestMemoryBackendTimestampsNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
	i := 0
	b := NewMemoryBackend(WithClock(func() time.Time {
		now := ticks[i%len(ticks)]
		i++
		return now
	}))

	p, err := b.InsertPoint(ctx, models.Point{Name: "a", OwnerID: 1})
	require.NoError(t, err)
	assert.Equal(t, base, p.CreatedAt)
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)

	// The clock jumped back an hour; the record must not.
	updated, err := b.UpdatePoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, base, updated.UpdatedAt)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)

	updated, err = b.UpdatePoint(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Second), updated.UpdatedAt)
}

func TestMemoryBackendCascade(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	p1, err := b.InsertPoint(ctx, models.Point{OwnerID: 1})
	require.NoError(t, err)
	p2, err := b.InsertPoint(ctx, models.Point{OwnerID: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.InsertMessage(ctx, models.Message{PointID: p1.ID, Text: "x", AuthorID: 2})
		require.NoError(t, err)
	}
	kept, err := b.InsertMessage(ctx, models.Message{PointID: p2.ID, Text: "y", AuthorID: 2})
	require.NoError(t, err)

	n, err := b.DeletePoint(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	msgs, err := b.MessagesByPointIDs(ctx, []int64{p1.ID, p2.ID})
	require.NoError(t, err)
	assert.Equal(t, []models.Message{kept}, msgs)

	_, err = b.DeletePoint(ctx, p1.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = b.InsertMessage(ctx, models.Message{PointID: p1.ID, Text: "late"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryBackendListingsNewestFirst(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	var ids []int64
	for i := 0; i < 3; i++ {
		p, err := b.InsertPoint(ctx, models.Point{OwnerID: 7})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	_, err := b.InsertPoint(ctx, models.Point{OwnerID: 8})
	require.NoError(t, err)

	points, err := b.ListPointsByOwner(ctx, 7)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, []int64{ids[2], ids[1], ids[0]}, []int64{points[0].ID, points[1].ID, points[2].ID})

	none, err := b.ListPointsByOwner(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := b.PointsByIDs(ctx, []int64{ids[0], 12345})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[0], got[0].ID)
}
