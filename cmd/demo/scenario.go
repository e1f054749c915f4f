package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/metrics"
	"github.com/kass/go-geo-points/pkg/models"
	"github.com/kass/go-geo-points/pkg/proximity"
	"github.com/kass/go-geo-points/pkg/rtree"
	"github.com/kass/go-geo-points/pkg/store"
)

// Scenario describes a demo run. Keys missing from the YAML file keep their defaults.
type Scenario struct {
	Name             string  `yaml:"name"`
	Latitude         float64 `yaml:"latitude"`
	Longitude        float64 `yaml:"longitude"`
	SpreadKm         float64 `yaml:"spread_km"`
	Users            int     `yaml:"users"`
	Points           int     `yaml:"points"`
	MessagesPerPoint int     `yaml:"messages_per_point"`
	Searches         int     `yaml:"searches"`
	RadiusKm         float64 `yaml:"radius_km"`
	PageSize         int     `yaml:"page_size"`
	Neighbors        int     `yaml:"neighbors"`
	Partitions       int     `yaml:"partitions"`
	Seed             int64   `yaml:"seed"`
}

func defaultScenario() Scenario {
	return Scenario{
		Name:             "Amsterdam",
		Latitude:         52.370216,
		Longitude:        4.895168,
		SpreadKm:         30,
		Users:            4,
		Points:           5000,
		MessagesPerPoint: 2,
		Searches:         500,
		RadiusKm:         5,
		PageSize:         20,
		Neighbors:        10,
		Partitions:       4,
	}
}

func loadScenario(path string) (Scenario, error) {
	sc := defaultScenario()
	if path == "" {
		return sc, sc.validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read scenario: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("failed to parse scenario: %w", err)
	}
	return sc, sc.validate()
}

func (s Scenario) validate() error {
	if _, err := geo.NewLocation(s.Latitude, s.Longitude); err != nil {
		return err
	}
	if _, err := geo.ClampRadius(s.RadiusKm); err != nil {
		return err
	}
	switch {
	case s.Users <= 0:
		return errors.New("users must be positive")
	case s.Points <= 0:
		return errors.New("points must be positive")
	case s.MessagesPerPoint < 0:
		return errors.New("messages_per_point must not be negative")
	case s.Searches <= 0:
		return errors.New("searches must be positive")
	case s.SpreadKm <= 0:
		return errors.New("spread_km must be positive")
	case s.PageSize <= 0 || s.PageSize > proximity.MaxPageSize:
		return fmt.Errorf("page_size must be between 1 and %d", proximity.MaxPageSize)
	case s.Neighbors <= 0:
		return errors.New("neighbors must be positive")
	}
	return nil
}

// stageResult summarizes one demo stage. Mismatches counts results that
// disagreed with a brute-force scan of the seeded points.
type stageResult struct {
	Name       string
	Ops        int
	Results    int64
	Duration   time.Duration
	Mismatches int
}

func (r stageResult) perSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Duration.Seconds()
}

func (r stageResult) avgResults() float64 {
	if r.Ops == 0 {
		return 0
	}
	return float64(r.Results) / float64(r.Ops)
}

type progressFunc func(done, total int)

// runner drives a scenario against an in-memory store.
type runner struct {
	sc     Scenario
	center models.Location
	rand   *rand.Rand
	store  *store.Store
	engine *proximity.Engine
	points []models.Point
}

func newRunner(sc Scenario, log *slog.Logger) *runner {
	seed := sc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m := metrics.NewMetrics(metrics.NewRegistry())
	index := rtree.NewGeoIndexWithPartitions(sc.Partitions)
	s := store.New(store.NewMemoryBackend(), index, log, store.WithMetrics(m))

	return &runner{
		sc:     sc,
		center: models.Location{Lat: sc.Latitude, Lon: sc.Longitude},
		rand:   rand.New(rand.NewSource(seed)),
		store:  s,
		engine: proximity.NewEngine(s, log, m, proximity.Config{PageSize: sc.PageSize}),
	}
}

func (r *runner) stages() []stage {
	return []stage{
		{"Seeding points and messages", r.seed},
		{"Point radius searches", r.searchPoints},
		{"Message radius searches", r.searchMessages},
		{"Nearest neighbor lookups", r.nearest},
	}
}

type stage struct {
	title string
	run   func(context.Context, progressFunc) (stageResult, error)
}

func (r *runner) seed(ctx context.Context, progress progressFunc) (stageResult, error) {
	res := stageResult{Name: "seed"}
	start := time.Now()
	r.points = make([]models.Point, 0, r.sc.Points)

	for i := range r.sc.Points {
		owner := int64(i%r.sc.Users) + 1
		loc := geo.RandomAround(r.rand, r.center, r.sc.SpreadKm)
		p, err := r.store.CreatePoint(ctx, owner, models.PointInput{
			Name:       fmt.Sprintf("%s %d", r.sc.Name, i+1),
			Coordinate: models.CoordinateInput{Latitude: &loc.Lat, Longitude: &loc.Lon},
		})
		if err != nil {
			return res, fmt.Errorf("failed to create point %d: %w", i+1, err)
		}
		r.points = append(r.points, p)
		res.Ops++

		for j := range r.sc.MessagesPerPoint {
			author := int64((i+j+1)%r.sc.Users) + 1
			_, err := r.store.CreateMessage(ctx, author, models.MessageInput{
				PointID: p.ID,
				Text:    fmt.Sprintf("Message %d at %s", j+1, p.DisplayName()),
			})
			if err != nil {
				return res, fmt.Errorf("failed to create message on point %d: %w", p.ID, err)
			}
			res.Results++
		}
		progress(i+1, r.sc.Points)
	}

	if got := r.store.IndexedCount(); got != int64(len(r.points)) {
		res.Mismatches = int(int64(len(r.points)) - got)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (r *runner) searchPoints(ctx context.Context, progress progressFunc) (stageResult, error) {
	res := stageResult{Name: "points"}
	var elapsed time.Duration

	for i := range r.sc.Searches {
		center := geo.RandomAround(r.rand, r.center, r.sc.SpreadKm)
		start := time.Now()
		page, err := r.engine.SearchPoints(ctx, models.SearchQuery{Center: center, RadiusKm: r.sc.RadiusKm})
		elapsed += time.Since(start)
		if err != nil {
			return res, err
		}

		res.Ops++
		res.Results += int64(page.Count)
		if page.Count != r.within(center) || !ordered(page.Items) {
			res.Mismatches++
		}
		progress(i+1, r.sc.Searches)
	}

	res.Duration = elapsed
	return res, nil
}

func (r *runner) searchMessages(ctx context.Context, progress progressFunc) (stageResult, error) {
	res := stageResult{Name: "messages"}
	var elapsed time.Duration

	for i := range r.sc.Searches {
		center := geo.RandomAround(r.rand, r.center, r.sc.SpreadKm)
		start := time.Now()
		page, err := r.engine.SearchMessages(ctx, models.SearchQuery{Center: center, RadiusKm: r.sc.RadiusKm})
		elapsed += time.Since(start)
		if err != nil {
			return res, err
		}

		res.Ops++
		res.Results += int64(page.Count)
		if page.Count != r.within(center)*r.sc.MessagesPerPoint {
			res.Mismatches++
		}
		progress(i+1, r.sc.Searches)
	}

	res.Duration = elapsed
	return res, nil
}

func (r *runner) nearest(ctx context.Context, progress progressFunc) (stageResult, error) {
	res := stageResult{Name: "nearest"}
	var elapsed time.Duration
	want := min(r.sc.Neighbors, len(r.points))

	for i := range r.sc.Searches {
		center := geo.RandomAround(r.rand, r.center, r.sc.SpreadKm)
		start := time.Now()
		hits, err := r.engine.NearestPoints(ctx, center, r.sc.Neighbors)
		elapsed += time.Since(start)
		if err != nil {
			return res, err
		}

		res.Ops++
		res.Results += int64(len(hits))
		if len(hits) != want || !ordered(hits) {
			res.Mismatches++
		}
		progress(i+1, r.sc.Searches)
	}

	res.Duration = elapsed
	return res, nil
}

// within counts seeded points inside the search radius by scanning all of them.
func (r *runner) within(center models.Location) int {
	n := 0
	for _, p := range r.points {
		if geo.DistanceBetween(center, p.Location) <= r.sc.RadiusKm {
			n++
		}
	}
	return n
}

func ordered(hits []models.PointHit) bool {
	for i := 1; i < len(hits); i++ {
		prev, cur := hits[i-1], hits[i]
		if cur.DistanceKm < prev.DistanceKm || (cur.DistanceKm == prev.DistanceKm && cur.Point.ID < prev.Point.ID) {
			return false
		}
	}
	return true
}
