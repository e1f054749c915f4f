package rtree

import (
	"encoding/gob"
	"fmt"
	"os"
)

// IndexData represents the serializable form of the geo index
type IndexData struct {
	Entries []Entry
	Count   int64
}

// Entries returns a copy of every indexed entry, in no particular order.
func (g *GeoIndex) Entries() []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	all := make([]int, len(g.partitions))
	for i := range all {
		all[i] = i
	}
	unlock := g.rlockPartitions(all)
	defer unlock()

	entries := make([]Entry, 0, g.itemCount.Load())
	for _, p := range g.partitions {
		for _, it := range p.items {
			entries = append(entries, it.Entry)
		}
	}
	return entries
}

// SaveToFile writes a snapshot of the index to a gob file. Snapshots serve
// benchmarks and demos; the entity store stays the source of truth.
func (g *GeoIndex) SaveToFile(filename string) error {
	entries := g.Entries()
	data := IndexData{
		Entries: entries,
		Count:   int64(len(entries)),
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return file.Close()
}

// LoadFromFile replaces the index content with a snapshot written by SaveToFile.
func (g *GeoIndex) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var data IndexData
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&data); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	if int64(len(data.Entries)) != data.Count {
		return fmt.Errorf("snapshot is truncated: header says %d entries, found %d", data.Count, len(data.Entries))
	}

	if err := g.Rebuild(data.Entries); err != nil {
		return fmt.Errorf("failed to index points: %w", err)
	}

	return nil
}
