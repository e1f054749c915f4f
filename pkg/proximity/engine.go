// Package proximity answers "what is near here" questions: distance-ranked,
// paginated searches for points and for the messages attached to them.
package proximity

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/metrics"
	"github.com/kass/go-geo-points/pkg/models"
	"github.com/kass/go-geo-points/pkg/rtree"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Source supplies index candidates and the records behind them.
type Source interface {
	QueryRadius(ctx context.Context, center models.Location, radiusKm float64) ([]rtree.Match, error)
	Nearest(ctx context.Context, center models.Location, n int) ([]rtree.Match, error)
	PointsByIDs(ctx context.Context, ids []int64) ([]models.Point, error)
	MessagesByPointIDs(ctx context.Context, pointIDs []int64) ([]models.Message, error)
}

type Config struct {
	PageSize    int
	MaxPageSize int
}

// Engine is stateless between calls and safe for concurrent use.
type Engine struct {
	src     Source
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// NewEngine creates an engine. Zero page sizes fall back to the defaults; m may be nil.
func NewEngine(src Source, log *slog.Logger, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = MaxPageSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	cfg.PageSize = min(cfg.PageSize, cfg.MaxPageSize)
	return &Engine{src: src, log: log, metrics: m, cfg: cfg}
}

// SearchPoints returns points of every owner within the query radius,
// nearest first with ties broken by ascending point id.
func (e *Engine) SearchPoints(ctx context.Context, q models.SearchQuery) (models.Page[models.PointHit], error) {
	start := time.Now()

	q, err := e.normalize(q)
	if err != nil {
		return models.Page[models.PointHit]{}, err
	}

	matches, err := e.src.QueryRadius(ctx, q.Center, q.RadiusKm)
	if err != nil {
		return models.Page[models.PointHit]{}, fmt.Errorf("failed to query index: %w", err)
	}
	rtree.SortMatches(matches)

	page := models.Page[models.PointHit]{Count: len(matches), Page: q.Page, PageSize: q.PageSize}
	lo, hi, err := bounds(len(matches), q.Page, q.PageSize)
	if err != nil {
		return models.Page[models.PointHit]{}, err
	}
	window := matches[lo:hi]

	ids := make([]int64, len(window))
	for i, m := range window {
		ids[i] = m.ID
	}
	points, err := e.src.PointsByIDs(ctx, ids)
	if err != nil {
		return models.Page[models.PointHit]{}, fmt.Errorf("failed to load points: %w", err)
	}
	byID := make(map[int64]models.Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}

	page.Items = make([]models.PointHit, 0, len(window))
	for _, m := range window {
		p, ok := byID[m.ID]
		if !ok {
			// deleted between the index lookup and the fetch
			continue
		}
		page.Items = append(page.Items, models.PointHit{Point: p, DistanceKm: m.DistanceKm})
	}

	e.observe(ctx, "points", start, q, len(matches))
	return page, nil
}

// SearchMessages returns messages whose point lies within the query radius,
// ordered by the distance of that point, ties broken by ascending message id.
func (e *Engine) SearchMessages(ctx context.Context, q models.SearchQuery) (models.Page[models.MessageHit], error) {
	start := time.Now()

	q, err := e.normalize(q)
	if err != nil {
		return models.Page[models.MessageHit]{}, err
	}

	matches, err := e.src.QueryRadius(ctx, q.Center, q.RadiusKm)
	if err != nil {
		return models.Page[models.MessageHit]{}, fmt.Errorf("failed to query index: %w", err)
	}
	distance := make(map[int64]float64, len(matches))
	pointIDs := make([]int64, len(matches))
	for i, m := range matches {
		distance[m.ID] = m.DistanceKm
		pointIDs[i] = m.ID
	}

	var messages []models.Message
	if len(pointIDs) > 0 {
		messages, err = e.src.MessagesByPointIDs(ctx, pointIDs)
		if err != nil {
			return models.Page[models.MessageHit]{}, fmt.Errorf("failed to load messages: %w", err)
		}
	}
	slices.SortFunc(messages, func(a, b models.Message) int {
		da, db := distance[a.PointID], distance[b.PointID]
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	page := models.Page[models.MessageHit]{Count: len(messages), Page: q.Page, PageSize: q.PageSize}
	lo, hi, err := bounds(len(messages), q.Page, q.PageSize)
	if err != nil {
		return models.Page[models.MessageHit]{}, err
	}
	window := messages[lo:hi]

	pagePoints := make([]int64, 0, len(window))
	for _, m := range window {
		pagePoints = append(pagePoints, m.PointID)
	}
	slices.Sort(pagePoints)
	pagePoints = slices.Compact(pagePoints)

	points, err := e.src.PointsByIDs(ctx, pagePoints)
	if err != nil {
		return models.Page[models.MessageHit]{}, fmt.Errorf("failed to load points: %w", err)
	}
	summaries := make(map[int64]models.PointSummary, len(points))
	for _, p := range points {
		summaries[p.ID] = p.Summary()
	}

	page.Items = make([]models.MessageHit, 0, len(window))
	for _, m := range window {
		summary, ok := summaries[m.PointID]
		if !ok {
			continue
		}
		page.Items = append(page.Items, models.MessageHit{Message: m, Point: summary, DistanceKm: distance[m.PointID]})
	}

	e.observe(ctx, "messages", start, q, len(messages))
	return page, nil
}

// NearestPoints returns the k points closest to center regardless of distance.
func (e *Engine) NearestPoints(ctx context.Context, center models.Location, k int) ([]models.PointHit, error) {
	if _, err := geo.NewLocation(center.Lat, center.Lon); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, models.Invalid(models.CodeInvalidQueryParameters, "k", "k must be a positive integer")
	}

	matches, err := e.src.Nearest(ctx, center, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	points, err := e.src.PointsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load points: %w", err)
	}
	byID := make(map[int64]models.Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}

	hits := make([]models.PointHit, 0, len(matches))
	for _, m := range matches {
		if p, ok := byID[m.ID]; ok {
			hits = append(hits, models.PointHit{Point: p, DistanceKm: m.DistanceKm})
		}
	}
	return hits, nil
}

// normalize validates a query built outside ParseSearchParams and fills defaults.
func (e *Engine) normalize(q models.SearchQuery) (models.SearchQuery, error) {
	if _, err := geo.NewLocation(q.Center.Lat, q.Center.Lon); err != nil {
		return q, err
	}
	r, err := geo.ClampRadius(q.RadiusKm)
	if err != nil {
		return q, err
	}
	q.RadiusKm = r

	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 0 {
		return q, models.Invalid(models.CodeInvalidQueryParameters, "page", "page must be a positive integer")
	}
	if q.PageSize == 0 {
		q.PageSize = e.cfg.PageSize
	}
	if q.PageSize < 0 {
		return q, models.Invalid(models.CodeInvalidQueryParameters, "page_size", "page_size must be a positive integer")
	}
	q.PageSize = min(q.PageSize, e.cfg.MaxPageSize)
	return q, nil
}

// bounds returns the slice window of a page. The first page always exists;
// any later page past the end does not.
func bounds(count, page, size int) (int, int, error) {
	lo := (page - 1) * size
	if page > 1 && lo >= count {
		return 0, 0, fmt.Errorf("page %d: %w", page, models.ErrNotFound)
	}
	lo = min(lo, count)
	return lo, min(lo+size, count), nil
}

func (e *Engine) observe(ctx context.Context, kind string, start time.Time, q models.SearchQuery, found int) {
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.SearchSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
		e.metrics.SearchResults.WithLabelValues(kind).Observe(float64(found))
	}
	e.log.DebugContext(ctx, "Proximity search",
		"kind", kind, "lat", q.Center.Lat, "lon", q.Center.Lon, "radius_km", q.RadiusKm,
		"found", found, "page", q.Page, "took", elapsed)
}
