package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kass/go-geo-points/pkg/models"
	"github.com/kass/go-geo-points/pkg/rtree"
)

type BenchmarkResult struct {
	QueryType     string
	TotalQueries  int
	TotalDuration time.Duration
	AvgDuration   time.Duration
	P50Duration   time.Duration
	P99Duration   time.Duration
	QueriesPerSec float64
	MinDuration   time.Duration
	MaxDuration   time.Duration
	TotalResults  int64
	AvgResults    float64
	Writes        int64
}

type area struct {
	minLat, maxLat, minLon, maxLon float64
}

func (a area) random(r *rand.Rand) models.Location {
	return models.Location{
		Lat: a.minLat + r.Float64()*(a.maxLat-a.minLat),
		Lon: a.minLon + r.Float64()*(a.maxLon-a.minLon),
	}
}

// query runs one search and returns the number of results.
type query func(r *rand.Rand) (int, error)

func main() {
	var (
		indexFile  = flag.String("i", "", "Index snapshot (gob) to load; empty generates random points")
		numPoints  = flag.Int("p", 100000, "Random points to generate when no snapshot is given")
		partitions = flag.Int("partitions", runtime.NumCPU(), "Index partitions for generated points")
		queryType  = flag.String("t", "box", "Query type: box, radius, nearest, mixed")
		numQueries = flag.Int("n", 1000, "Number of queries to run")
		workers    = flag.Int("w", runtime.NumCPU(), "Number of concurrent query workers")
		writers    = flag.Int("writers", 0, "Concurrent writers moving points while queries run")
		// Geographic bounds for random queries and points (default: roughly Europe)
		minLat = flag.Float64("min-lat", 36.0, "Minimum latitude")
		maxLat = flag.Float64("max-lat", 70.0, "Maximum latitude")
		minLon = flag.Float64("min-lon", -10.0, "Minimum longitude")
		maxLon = flag.Float64("max-lon", 40.0, "Maximum longitude")
		// Query-specific parameters
		boxSize = flag.Float64("box-size", 1.0, "Box size in degrees (for box queries)")
		radius  = flag.Float64("radius", 50.0, "Radius in km (for radius queries)")
		k       = flag.Int("k", 100, "Number of nearest neighbors")
	)
	flag.Parse()

	bounds := area{*minLat, *maxLat, *minLon, *maxLon}
	index := loadIndex(*indexFile, *numPoints, *partitions, bounds)

	queries := map[string]query{
		"box": func(r *rand.Rand) (int, error) {
			lat := bounds.minLat + r.Float64()*(bounds.maxLat-bounds.minLat-*boxSize)
			lon := bounds.minLon + r.Float64()*(bounds.maxLon-bounds.minLon-*boxSize)
			results, err := index.QueryBox(models.BoundingBox{
				BottomLeft: models.Location{Lat: lat, Lon: lon},
				TopRight:   models.Location{Lat: lat + *boxSize, Lon: lon + *boxSize},
			})
			return len(results), err
		},
		"radius": func(r *rand.Rand) (int, error) {
			results, err := index.QueryRadius(bounds.random(r), *radius)
			return len(results), err
		},
		"nearest": func(r *rand.Rand) (int, error) {
			return len(index.NearestNeighbors(bounds.random(r), *k)), nil
		},
	}

	log.Printf("Running %d %s queries with %d workers and %d writers...\n", *numQueries, *queryType, *workers, *writers)

	var result BenchmarkResult
	switch *queryType {
	case "box", "radius", "nearest":
		result = run(index, *queryType, queries[*queryType], *numQueries, *workers, *writers, bounds)
	case "mixed":
		perType := max(*numQueries/3, 1)
		log.Println("Running mixed benchmark (33% each type)...")
		result = combine(
			run(index, "box", queries["box"], perType, *workers, *writers, bounds),
			run(index, "radius", queries["radius"], perType, *workers, *writers, bounds),
			run(index, "nearest", queries["nearest"], perType, *workers, *writers, bounds),
		)
	default:
		log.Fatalf("Unknown query type: %s", *queryType)
	}

	fmt.Println("\n=== Benchmark Results ===")
	fmt.Printf("Query Type: %s\n", result.QueryType)
	fmt.Printf("Indexed Points: %d\n", index.Count())
	fmt.Printf("Total Queries: %d\n", result.TotalQueries)
	fmt.Printf("Total Duration: %v\n", result.TotalDuration)
	fmt.Printf("Average Duration: %v\n", result.AvgDuration)
	if result.P50Duration > 0 {
		fmt.Printf("p50 / p99: %v / %v\n", result.P50Duration, result.P99Duration)
	}
	fmt.Printf("Queries/Second: %.2f\n", result.QueriesPerSec)
	fmt.Printf("Min Duration: %v\n", result.MinDuration)
	fmt.Printf("Max Duration: %v\n", result.MaxDuration)
	fmt.Printf("Total Results: %d\n", result.TotalResults)
	fmt.Printf("Avg Results/Query: %.2f\n", result.AvgResults)
	fmt.Printf("Concurrent Writes: %d\n", result.Writes)
	fmt.Printf("Workers Used: %d\n", *workers)
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
}

func loadIndex(file string, numPoints, partitions int, bounds area) *rtree.GeoIndex {
	index := rtree.NewGeoIndexWithPartitions(partitions)
	if file != "" {
		log.Printf("Loading index from %s...\n", file)
		if err := index.LoadFromFile(file); err != nil {
			log.Fatalf("Failed to load index: %v", err)
		}
		log.Printf("Index loaded with %d points\n", index.Count())
		return index
	}

	log.Printf("Generating %d random points...\n", numPoints)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	entries := make([]rtree.Entry, numPoints)
	for i := range entries {
		entries[i] = rtree.Entry{ID: int64(i + 1), Location: bounds.random(r)}
	}

	start := time.Now()
	if err := index.IndexPoints(entries); err != nil {
		log.Fatalf("Failed to index points: %v", err)
	}
	elapsed := time.Since(start)
	log.Printf("Indexed %d points in %v (%.0f points/s)\n", index.Count(), elapsed, float64(numPoints)/elapsed.Seconds())
	return index
}

// run executes numQueries queries on a worker pool while writers keep moving
// existing points, then reports latencies.
func run(index *rtree.GeoIndex, name string, q query, numQueries, workers, writers int, bounds area) BenchmarkResult {
	var (
		totalResults atomic.Int64
		writes       atomic.Int64
		durations    = make([]time.Duration, 0, numQueries)
		mu           sync.Mutex
	)

	done := make(chan struct{})
	var writersWG sync.WaitGroup
	count := index.Count()
	for w := 0; w < writers && count > 0; w++ {
		writersWG.Add(1)
		go func() {
			defer writersWG.Done()
			r := rand.New(rand.NewSource(rand.Int63()))
			for {
				select {
				case <-done:
					return
				default:
				}
				e := rtree.Entry{ID: r.Int63n(count) + 1, Location: bounds.random(r)}
				if err := index.Upsert(e); err == nil {
					writes.Add(1)
				}
			}
		}()
	}

	startTime := time.Now()
	queryCh := make(chan int, numQueries)
	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(rand.Int63()))

			for range queryCh {
				queryStart := time.Now()
				n, err := q(r)
				queryDuration := time.Since(queryStart)
				if err != nil {
					log.Printf("%s query failed: %v", name, err)
					continue
				}
				totalResults.Add(int64(n))

				mu.Lock()
				durations = append(durations, queryDuration)
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < numQueries; i++ {
		queryCh <- i
	}
	close(queryCh)

	wg.Wait()
	totalDuration := time.Since(startTime)
	close(done)
	writersWG.Wait()

	result := BenchmarkResult{
		QueryType:     name,
		TotalQueries:  len(durations),
		TotalDuration: totalDuration,
		QueriesPerSec: float64(len(durations)) / totalDuration.Seconds(),
		TotalResults:  totalResults.Load(),
		Writes:        writes.Load(),
	}
	if len(durations) == 0 {
		return result
	}

	slices.Sort(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	result.AvgDuration = sum / time.Duration(len(durations))
	result.MinDuration = durations[0]
	result.MaxDuration = durations[len(durations)-1]
	result.P50Duration = durations[len(durations)/2]
	result.P99Duration = durations[len(durations)*99/100]
	result.AvgResults = float64(result.TotalResults) / float64(len(durations))
	return result
}

func combine(results ...BenchmarkResult) BenchmarkResult {
	combined := BenchmarkResult{QueryType: "mixed", MinDuration: time.Hour}
	for _, r := range results {
		combined.TotalQueries += r.TotalQueries
		combined.TotalDuration += r.TotalDuration
		combined.TotalResults += r.TotalResults
		combined.Writes += r.Writes
		combined.MinDuration = min(combined.MinDuration, r.MinDuration)
		combined.MaxDuration = max(combined.MaxDuration, r.MaxDuration)
	}
	if combined.TotalQueries > 0 {
		combined.AvgDuration = combined.TotalDuration / time.Duration(combined.TotalQueries)
		combined.QueriesPerSec = float64(combined.TotalQueries) / combined.TotalDuration.Seconds()
		combined.AvgResults = float64(combined.TotalResults) / float64(combined.TotalQueries)
	}
	return combined
}
