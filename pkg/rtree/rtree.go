// Package rtree implements a partitioned R-Tree for geo-spatial indexing of
// point coordinates. The world is split into longitude bands, each band being
// an independent tree with its own lock, so writers in unrelated regions never
// contend and queries fan out to the bands they touch in parallel.
package rtree

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"

	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/models"
)

const (
	tolerance   = 1e-7
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
	stripeCount = 64
)

// ErrNotIndexed is returned when removing an id the index does not hold.
var ErrNotIndexed = errors.New("point not indexed")

// Entry is what the index stores for a point: its id and coordinate.
type Entry struct {
	ID       int64
	Location models.Location
}

// Match is an entry annotated with its great-circle distance to a query center.
type Match struct {
	Entry
	DistanceKm float64
}

// item wraps an entry to implement the rtreego.Spatial interface
type item struct {
	Entry
	rect *rtreego.Rect
}

func (it *item) Bounds() *rtreego.Rect {
	return it.rect
}

func newItem(e Entry) *item {
	return &item{Entry: e, rect: rtreego.Point{e.Location.Lat, e.Location.Lon}.ToRect(tolerance)}
}

type partition struct {
	mu     sync.RWMutex
	tree   *rtreego.Rtree
	items  map[int64]*item
	bounds models.BoundingBox
}

func newPartition(bounds models.BoundingBox) *partition {
	return &partition{
		tree:   rtreego.NewTree(dimensions, minChildren, maxChildren),
		items:  make(map[int64]*item),
		bounds: bounds,
	}
}

// GeoIndex represents a thread-safe R-Tree based geographic index.
//
// Lock order: structure lock, id stripe, partitions in ascending order,
// location map. Queries and single-point writes share the structure lock;
// bulk loads and rebuilds hold it exclusively.
type GeoIndex struct {
	mu         sync.RWMutex
	partitions []*partition
	lonRange   float64

	stripes [stripeCount]sync.Mutex

	locMu sync.Mutex
	where map[int64]int

	itemCount atomic.Int64
}

// NewGeoIndex creates a new geographic index with one partition per CPU.
func NewGeoIndex() *GeoIndex {
	return NewGeoIndexWithPartitions(runtime.NumCPU())
}

// NewGeoIndexWithPartitions creates a new geographic index with the given
// number of longitude bands. Non-positive counts fall back to the CPU count.
func NewGeoIndexWithPartitions(numPartitions int) *GeoIndex {
	if numPartitions <= 0 {
		numPartitions = runtime.NumCPU()
	}
	g := &GeoIndex{
		lonRange: 360.0 / float64(numPartitions),
		where:    make(map[int64]int),
	}
	g.partitions = g.emptyPartitions(numPartitions)
	return g
}

func (g *GeoIndex) emptyPartitions(n int) []*partition {
	partitions := make([]*partition, n)
	for i := 0; i < n; i++ {
		minLon := -180.0 + float64(i)*g.lonRange
		maxLon := minLon + g.lonRange
		if i == n-1 {
			maxLon = 180.0
		}
		partitions[i] = newPartition(models.BoundingBox{
			BottomLeft: models.Location{Lat: -90, Lon: minLon},
			TopRight:   models.Location{Lat: 90, Lon: maxLon},
		})
	}
	return partitions
}

// Partitions returns the number of longitude bands.
func (g *GeoIndex) Partitions() int {
	return len(g.partitions)
}

// PartitionSizes returns the number of entries held by every band.
func (g *GeoIndex) PartitionSizes() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sizes := make([]int, len(g.partitions))
	for i, p := range g.partitions {
		p.mu.RLock()
		sizes[i] = len(p.items)
		p.mu.RUnlock()
	}
	return sizes
}

// Upsert inserts the entry, or moves it when the id is already indexed.
func (g *GeoIndex) Upsert(e Entry) error {
	if err := validEntry(e); err != nil {
		return err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	stripe := g.stripe(e.ID)
	stripe.Lock()
	defer stripe.Unlock()

	newIdx := g.partitionFor(e.Location.Lon)
	g.locMu.Lock()
	oldIdx, exists := g.where[e.ID]
	g.locMu.Unlock()

	touched := []int{newIdx}
	if exists && oldIdx != newIdx {
		touched = append(touched, oldIdx)
	}
	unlock := g.lockPartitions(touched)
	defer unlock()

	if exists {
		if err := g.partitions[oldIdx].remove(e.ID); err != nil {
			return err
		}
	}
	g.partitions[newIdx].insert(newItem(e))

	g.locMu.Lock()
	g.where[e.ID] = newIdx
	g.locMu.Unlock()

	if !exists {
		g.itemCount.Add(1)
	}
	return nil
}

// Remove deletes the entry with the given id.
func (g *GeoIndex) Remove(id int64) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stripe := g.stripe(id)
	stripe.Lock()
	defer stripe.Unlock()

	g.locMu.Lock()
	idx, exists := g.where[id]
	g.locMu.Unlock()
	if !exists {
		return fmt.Errorf("remove %d: %w", id, ErrNotIndexed)
	}

	unlock := g.lockPartitions([]int{idx})
	defer unlock()

	if err := g.partitions[idx].remove(id); err != nil {
		return err
	}

	g.locMu.Lock()
	delete(g.where, id)
	g.locMu.Unlock()

	g.itemCount.Add(-1)
	return nil
}

// Contains reports whether the id is indexed.
func (g *GeoIndex) Contains(id int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	g.locMu.Lock()
	defer g.locMu.Unlock()
	_, ok := g.where[id]
	return ok
}

// IndexPoints bulk-loads entries, replacing any already indexed under the same id.
// Nothing is indexed when an entry carries an invalid coordinate.
func (g *GeoIndex) IndexPoints(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := validEntry(e); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	latest := make(map[int64]Entry, len(entries))
	for _, e := range entries {
		latest[e.ID] = e
	}
	for id := range latest {
		if idx, ok := g.where[id]; ok {
			if err := g.partitions[idx].remove(id); err != nil {
				return err
			}
			delete(g.where, id)
			g.itemCount.Add(-1)
		}
	}

	g.fill(g.partitions, latest)
	return nil
}

// Rebuild atomically replaces the whole content of the index. Queries either
// see the previous content or the rebuilt one.
func (g *GeoIndex) Rebuild(entries []Entry) error {
	latest := make(map[int64]Entry, len(entries))
	for _, e := range entries {
		if err := validEntry(e); err != nil {
			return err
		}
		latest[e.ID] = e
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	partitions := g.emptyPartitions(len(g.partitions))
	g.where = make(map[int64]int, len(latest))
	g.itemCount.Store(0)
	g.fill(partitions, latest)
	g.partitions = partitions
	return nil
}

// fill inserts entries into the partitions in parallel. Callers hold the
// structure lock exclusively.
func (g *GeoIndex) fill(partitions []*partition, entries map[int64]Entry) {
	grouped := make([][]*item, len(partitions))
	for id, e := range entries {
		idx := g.partitionFor(e.Location.Lon)
		grouped[idx] = append(grouped[idx], newItem(e))
		g.where[id] = idx
	}

	var wg sync.WaitGroup
	for i, items := range grouped {
		if len(items) == 0 {
			continue
		}
		wg.Add(1)
		go func(p *partition, items []*item) {
			defer wg.Done()
			for _, it := range items {
				p.insert(it)
			}
		}(partitions[i], items)
	}
	wg.Wait()
	g.itemCount.Add(int64(len(entries)))
}

// Clear removes all points from the index
func (g *GeoIndex) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.partitions = g.emptyPartitions(len(g.partitions))
	g.where = make(map[int64]int)
	g.itemCount.Store(0)
}

// QueryBox returns all entries within the given bounding box.
func (g *GeoIndex) QueryBox(box models.BoundingBox) ([]Entry, error) {
	if box.BottomLeft.Lat > box.TopRight.Lat || box.BottomLeft.Lon > box.TopRight.Lon {
		return nil, fmt.Errorf("invalid bounding box: bottom left %v is above or right of top right %v",
			box.BottomLeft, box.TopRight)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	found, err := g.search([]models.BoundingBox{box})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(found))
	for _, it := range found {
		entries = append(entries, it.Entry)
	}
	return entries, nil
}

// QueryRadius returns every entry within radiusKm of center with its exact
// great-circle distance. Candidates come from the bounding boxes of the search
// cap and are filtered by haversine distance.
func (g *GeoIndex) QueryRadius(center models.Location, radiusKm float64) ([]Match, error) {
	if math.IsNaN(radiusKm) || radiusKm < 0 {
		return nil, fmt.Errorf("invalid radius %v", radiusKm)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	found, err := g.search(geo.RadiusBounds(center, radiusKm))
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(found))
	for _, it := range found {
		dist := geo.DistanceBetween(center, it.Location)
		if dist <= radiusKm {
			matches = append(matches, Match{Entry: it.Entry, DistanceKm: dist})
		}
	}
	return matches, nil
}

// NearestNeighbors returns the n entries nearest to center, closest first.
func (g *GeoIndex) NearestNeighbors(center models.Location, n int) []Match {
	if n <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	all := make([]int, len(g.partitions))
	for i := range all {
		all[i] = i
	}
	unlock := g.rlockPartitions(all)
	defer unlock()

	// Search all partitions in parallel
	resultsChan := make(chan []Match, len(g.partitions))
	queryPoint := rtreego.Point{center.Lat, center.Lon}
	for _, p := range g.partitions {
		go func(p *partition) {
			// Tree distance is planar, so over-fetch before ranking by haversine
			found := p.tree.NearestNeighbors(n*2, queryPoint)
			matches := make([]Match, 0, len(found))
			for _, s := range found {
				it, ok := s.(*item)
				if !ok || it == nil {
					continue
				}
				matches = append(matches, Match{Entry: it.Entry, DistanceKm: geo.DistanceBetween(center, it.Location)})
			}
			resultsChan <- matches
		}(p)
	}

	var allResults []Match
	for range g.partitions {
		allResults = append(allResults, <-resultsChan...)
	}
	SortMatches(allResults)
	if len(allResults) > n {
		allResults = allResults[:n]
	}
	return allResults
}

// Count returns the number of indexed points
func (g *GeoIndex) Count() int64 {
	return g.itemCount.Load()
}

// SortMatches orders matches by distance, ties broken by ascending id.
func SortMatches(matches []Match) {
	slices.SortFunc(matches, func(a, b Match) int {
		if a.DistanceKm < b.DistanceKm {
			return -1
		}
		if a.DistanceKm > b.DistanceKm {
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// search read-locks every partition the boxes touch, in ascending order, and
// collects the items inside any box. Callers hold the structure lock.
func (g *GeoIndex) search(boxes []models.BoundingBox) ([]*item, error) {
	perPartition := make(map[int][]models.BoundingBox)
	for _, box := range boxes {
		for _, idx := range g.getRelevantPartitions(box) {
			perPartition[idx] = append(perPartition[idx], box)
		}
	}
	relevant := make([]int, 0, len(perPartition))
	for idx := range perPartition {
		relevant = append(relevant, idx)
	}

	unlock := g.rlockPartitions(relevant)
	defer unlock()

	type result struct {
		items []*item
		err   error
	}
	resultsChan := make(chan result, len(relevant))
	for _, idx := range relevant {
		go func(p *partition, boxes []models.BoundingBox) {
			seen := make(map[int64]struct{})
			var items []*item
			for _, box := range boxes {
				rect, err := searchRect(box)
				if err != nil {
					resultsChan <- result{err: err}
					return
				}
				for _, s := range p.tree.SearchIntersect(rect) {
					it, ok := s.(*item)
					if !ok || !inBox(it.Location, box) {
						continue
					}
					if _, dup := seen[it.ID]; dup {
						continue
					}
					seen[it.ID] = struct{}{}
					items = append(items, it)
				}
			}
			resultsChan <- result{items: items}
		}(g.partitions[idx], perPartition[idx])
	}

	var all []*item
	var firstErr error
	for range relevant {
		r := <-resultsChan
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		all = append(all, r.items...)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return all, nil
}

// lockPartitions write-locks the given partitions in ascending order.
func (g *GeoIndex) lockPartitions(idxs []int) func() {
	idxs = slices.Clone(idxs)
	slices.Sort(idxs)
	idxs = slices.Compact(idxs)
	for _, idx := range idxs {
		g.partitions[idx].mu.Lock()
	}
	return func() {
		for i := len(idxs) - 1; i >= 0; i-- {
			g.partitions[idxs[i]].mu.Unlock()
		}
	}
}

// rlockPartitions read-locks the given partitions in ascending order.
func (g *GeoIndex) rlockPartitions(idxs []int) func() {
	idxs = slices.Clone(idxs)
	slices.Sort(idxs)
	idxs = slices.Compact(idxs)
	for _, idx := range idxs {
		g.partitions[idx].mu.RLock()
	}
	return func() {
		for i := len(idxs) - 1; i >= 0; i-- {
			g.partitions[idxs[i]].mu.RUnlock()
		}
	}
}

func (g *GeoIndex) stripe(id int64) *sync.Mutex {
	return &g.stripes[uint64(id)%stripeCount]
}

func (g *GeoIndex) partitionFor(lon float64) int {
	idx := int((lon + 180.0) / g.lonRange)
	if idx >= len(g.partitions) {
		idx = len(g.partitions) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// getRelevantPartitions returns the indices of partitions that intersect with the given bounding box
func (g *GeoIndex) getRelevantPartitions(box models.BoundingBox) []int {
	var relevant []int
	for i, p := range g.partitions {
		if box.BottomLeft.Lon <= p.bounds.TopRight.Lon &&
			box.TopRight.Lon >= p.bounds.BottomLeft.Lon {
			relevant = append(relevant, i)
		}
	}
	return relevant
}

func (p *partition) insert(it *item) {
	p.tree.Insert(it)
	p.items[it.ID] = it
}

func (p *partition) remove(id int64) error {
	it, ok := p.items[id]
	if !ok {
		return fmt.Errorf("partition lost track of point %d", id)
	}
	if !p.tree.Delete(it) {
		return fmt.Errorf("point %d missing from its partition tree", id)
	}
	delete(p.items, id)
	return nil
}

// searchRect converts a box into a search rectangle; rtreego rejects zero
// lengths, so degenerate boxes get the item tolerance as their extent.
func searchRect(box models.BoundingBox) (*rtreego.Rect, error) {
	bottomLeft := rtreego.Point{box.BottomLeft.Lat - tolerance, box.BottomLeft.Lon - tolerance}
	rectSize := []float64{
		box.TopRight.Lat - box.BottomLeft.Lat + 2*tolerance,
		box.TopRight.Lon - box.BottomLeft.Lon + 2*tolerance,
	}
	return rtreego.NewRect(bottomLeft, rectSize)
}

func inBox(loc models.Location, box models.BoundingBox) bool {
	return loc.Lat >= box.BottomLeft.Lat && loc.Lat <= box.TopRight.Lat &&
		loc.Lon >= box.BottomLeft.Lon && loc.Lon <= box.TopRight.Lon
}

func validEntry(e Entry) error {
	if _, err := geo.NewLocation(e.Location.Lat, e.Location.Lon); err != nil {
		return fmt.Errorf("index point %d: %w", e.ID, err)
	}
	return nil
}
