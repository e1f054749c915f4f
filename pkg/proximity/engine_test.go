package proximity

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/metrics"
	"github.com/kass/go-geo-points/pkg/models"
	"github.com/kass/go-geo-points/pkg/rtree"
	"github.com/kass/go-geo-points/pkg/store"
)

func ptr(v float64) *float64 { return &v }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, cfg Config) (*Engine, *store.Store, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s := store.New(store.NewMemoryBackend(), rtree.NewGeoIndexWithPartitions(4), discard(), store.WithMetrics(m))
	return NewEngine(s, discard(), m, cfg), s, m
}

func mustPoint(t *testing.T, s *store.Store, owner int64, name string, lat, lon float64) models.Point {
	t.Helper()
	p, err := s.CreatePoint(context.Background(), owner, models.PointInput{
		Name:       name,
		Coordinate: models.CoordinateInput{Latitude: ptr(lat), Longitude: ptr(lon)},
	})
	require.NoError(t, err)
	return p
}

func mustMessage(t *testing.T, s *store.Store, author, pointID int64, text string) models.Message {
	t.Helper()
	m, err := s.CreateMessage(context.Background(), author, models.MessageInput{PointID: pointID, Text: text})
	require.NoError(t, err)
	return m
}

func amsterdam(t *testing.T, s *store.Store) (centre, airport, berlin models.Point) {
	centre = mustPoint(t, s, 1, "Центр", 52.370216, 4.895168)
	airport = mustPoint(t, s, 2, "Аэропорт", 52.308056, 4.763889)
	berlin = mustPoint(t, s, 3, "Берлин", 52.5200, 13.4050)
	return
}

func TestSearchPointsScenario(t *testing.T) {
	ctx := context.Background()
	e, s, m := newEngine(t, Config{})
	centre, airport, _ := amsterdam(t, s)

	page, err := e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 52.37, Lon: 4.89}, RadiusKm: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, centre.ID, page.Items[0].Point.ID)
	assert.Equal(t, "Центр", page.Items[0].Point.Name)
	assert.InDelta(t, 0.35, page.Items[0].DistanceKm, 0.01)

	// Points of every owner are returned.
	page, err = e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 52.37, Lon: 4.89}, RadiusKm: 20})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, []int64{centre.ID, airport.ID}, []int64{page.Items[0].Point.ID, page.Items[1].Point.ID})
	assert.Equal(t, 2, page.Count)
	assert.False(t, page.HasNext())
	assert.False(t, page.HasPrevious())

	assert.Equal(t, 1, testutil.CollectAndCount(m.SearchSeconds))
}

func TestSearchPointsOrdering(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Config{})

	// Two points at the same spot tie on distance and must come out by id.
	a := mustPoint(t, s, 1, "a", 10, 10.01)
	b := mustPoint(t, s, 2, "b", 10, 10.01)
	near := mustPoint(t, s, 1, "near", 10, 10.001)

	page, err := e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 10, Lon: 10}, RadiusKm: 5})
	require.NoError(t, err)
	got := make([]int64, 0, len(page.Items))
	for _, hit := range page.Items {
		got = append(got, hit.Point.ID)
	}
	assert.Equal(t, []int64{near.ID, a.ID, b.ID}, got)
}

// Every point within r is returned, nothing farther, in non-decreasing distance.
func TestSearchPointsCompleteness(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Config{MaxPageSize: 100, PageSize: 100})
	rng := rand.New(rand.NewSource(7))

	var all []models.Point
	for i := 0; i < 300; i++ {
		all = append(all, mustPoint(t, s, int64(i%5+1), "", 52+rng.Float64()*2-1, 5+rng.Float64()*4-2))
	}
	center := models.Location{Lat: 52, Lon: 5}
	const radius = 50.0

	want := map[int64]bool{}
	for _, p := range all {
		if geo.DistanceBetween(center, p.Location) <= radius {
			want[p.ID] = true
		}
	}

	got := map[int64]bool{}
	last := -1.0
	for pageNo := 1; ; pageNo++ {
		page, err := e.SearchPoints(ctx, models.SearchQuery{Center: center, RadiusKm: radius, Page: pageNo, PageSize: 25})
		require.NoError(t, err)
		for _, hit := range page.Items {
			assert.LessOrEqual(t, hit.DistanceKm, radius)
			assert.GreaterOrEqual(t, hit.DistanceKm, last)
			last = hit.DistanceKm
			got[hit.Point.ID] = true
		}
		if !page.HasNext() {
			break
		}
	}
	assert.Equal(t, want, got)
}

func TestSearchPointsValidation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t, Config{})

	_, err := e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 52, Lon: 5}, RadiusKm: 0})
	assert.ErrorIs(t, err, models.ErrInvalidRadius)

	_, err = e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 52, Lon: 5}, RadiusKm: -3})
	assert.ErrorIs(t, err, models.ErrInvalidRadius)

	_, err = e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 100, Lon: 5}, RadiusKm: 1})
	assert.ErrorIs(t, err, models.ErrLatitudeOutOfRange)

	_, err = e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 0, Lon: 5}, RadiusKm: 1, Page: 2})
	assert.ErrorIs(t, err, models.ErrNotFound)

	page, err := e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 0, Lon: 5}, RadiusKm: 1})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 0, page.Count)
}

func TestSearchPointsClampsRadius(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Config{})

	// ~1110 km apart: inside 5000 km, outside the 1000 km cap.
	mustPoint(t, s, 1, "far", 10, 0)
	near := mustPoint(t, s, 1, "near", 1, 0)

	page, err := e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 0, Lon: 0}, RadiusKm: 5000})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, near.ID, page.Items[0].Point.ID)
}

func TestSearchPointsAfterDelete(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Config{})
	centre, _, _ := amsterdam(t, s)
	mustMessage(t, s, 2, centre.ID, "hello")

	require.NoError(t, s.DeletePoint(ctx, centre.ID, 1))

	page, err := e.SearchPoints(ctx, models.SearchQuery{Center: models.Location{Lat: 52.37, Lon: 4.89}, RadiusKm: 1})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	msgs, err := e.SearchMessages(ctx, models.SearchQuery{Center: models.Location{Lat: 52.37, Lon: 4.89}, RadiusKm: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs.Items)
}

func TestSearchMessages(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Config{PageSize: 2})
	centre, airport, berlin := amsterdam(t, s)
	unnamed := mustPoint(t, s, 4, "", 52.3701, 4.8950)

	m1 := mustMessage(t, s, 5, airport.ID, "landing")
	m2 := mustMessage(t, s, 6, centre.ID, "dam square")
	m3 := mustMessage(t, s, 7, centre.ID, "canals")
	mustMessage(t, s, 5, berlin.ID, "too far")
	m5 := mustMessage(t, s, 5, unnamed.ID, "here")

	q := models.SearchQuery{Center: models.Location{Lat: 52.370216, Lon: 4.895168}, RadiusKm: 20}

	first, err := e.SearchMessages(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Count)
	assert.True(t, first.HasNext())
	require.Len(t, first.Items, 2)
	assert.Equal(t, m2.ID, first.Items[0].Message.ID)
	assert.Equal(t, m3.ID, first.Items[1].Message.ID)
	assert.Equal(t, "Центр", first.Items[0].Point.Name)
	assert.Equal(t, first.Items[0].DistanceKm, first.Items[1].DistanceKm)

	q.Page = 2
	second, err := e.SearchMessages(ctx, q)
	require.NoError(t, err)
	assert.True(t, second.HasPrevious())
	assert.False(t, second.HasNext())
	require.Len(t, second.Items, 2)
	assert.Equal(t, m5.ID, second.Items[0].Message.ID)
	assert.Equal(t, fmtPointName(unnamed.ID), second.Items[0].Point.Name)
	assert.Equal(t, m1.ID, second.Items[1].Message.ID)
	assert.InDelta(t, 11.28, second.Items[1].DistanceKm, 0.01)

	q.Page = 3
	_, err = e.SearchMessages(ctx, q)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func fmtPointName(id int64) string {
	return models.Point{ID: id}.DisplayName()
}

func TestNearestPoints(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Config{})
	centre, airport, _ := amsterdam(t, s)

	hits, err := e.NearestPoints(ctx, models.Location{Lat: 52.37, Lon: 4.89}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, centre.ID, hits[0].Point.ID)
	assert.Equal(t, airport.ID, hits[1].Point.ID)

	_, err = e.NearestPoints(ctx, models.Location{Lat: 52.37, Lon: 4.89}, 0)
	assert.ErrorIs(t, err, models.ErrInvalidQueryParameters)
}

func TestParseSearchParams(t *testing.T) {
	e, _, _ := newEngine(t, Config{PageSize: 20, MaxPageSize: 50})

	testCases := []struct {
		name  string
		query string
		want  models.SearchQuery
		err   error
		field string
	}{
		{
			name:  "defaults",
			query: "latitude=52.37&longitude=4.89",
			want:  models.SearchQuery{Center: models.Location{Lat: 52.37, Lon: 4.89}, RadiusKm: 10, Page: 1, PageSize: 20},
		},
		{
			name:  "everything given",
			query: "latitude=-33.5&longitude=151.2&radius=2.5&page=3&page_size=10",
			want:  models.SearchQuery{Center: models.Location{Lat: -33.5, Lon: 151.2}, RadiusKm: 2.5, Page: 3, PageSize: 10},
		},
		{
			name:  "radius and page size capped",
			query: "latitude=0&longitude=0&radius=20000&page_size=500",
			want:  models.SearchQuery{Center: models.Location{}, RadiusKm: 1000, Page: 1, PageSize: 50},
		},
		{name: "missing latitude", query: "longitude=4.89", err: models.ErrInvalidQueryParameters, field: "latitude"},
		{name: "missing longitude", query: "latitude=4.89", err: models.ErrInvalidQueryParameters, field: "longitude"},
		{name: "latitude not a number", query: "latitude=north&longitude=4.89", err: models.ErrInvalidQueryParameters, field: "latitude"},
		{name: "latitude out of range", query: "latitude=91&longitude=4.89", err: models.ErrLatitudeOutOfRange, field: "latitude"},
		{name: "longitude out of range", query: "latitude=1&longitude=-181", err: models.ErrLongitudeOutOfRange, field: "longitude"},
		{name: "radius zero", query: "latitude=1&longitude=1&radius=0", err: models.ErrInvalidRadius, field: "radius"},
		{name: "radius negative", query: "latitude=1&longitude=1&radius=-5", err: models.ErrInvalidRadius, field: "radius"},
		{name: "radius garbage", query: "latitude=1&longitude=1&radius=far", err: models.ErrInvalidQueryParameters, field: "radius"},
		{name: "radius infinite", query: "latitude=1&longitude=1&radius=inf", err: models.ErrInvalidQueryParameters, field: "radius"},
		{name: "radius nan", query: "latitude=1&longitude=1&radius=NaN", err: models.ErrInvalidQueryParameters, field: "radius"},
		{name: "latitude infinite", query: "latitude=-Infinity&longitude=1", err: models.ErrInvalidQueryParameters, field: "latitude"},
		{name: "page zero", query: "latitude=1&longitude=1&page=0", err: models.ErrInvalidQueryParameters, field: "page"},
		{name: "page size garbage", query: "latitude=1&longitude=1&page_size=lots", err: models.ErrInvalidQueryParameters, field: "page_size"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			values, err := url.ParseQuery(tc.query)
			require.NoError(t, err)

			got, err := e.ParseSearchParams(values)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				var ve *models.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tc.field, ve.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
