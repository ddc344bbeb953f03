package mcdb

import (
	"sync"

	"github.com/df-mc/voxelstore/server/world"
)

// Stats holds the counters of a Provider for a single Dimension.
type Stats struct {
	// Loads is the amount of chunks read from the database.
	Loads uint64
	// Generations is the amount of chunks that were not found in the
	// database and were generated instead.
	Generations uint64
	// Corrupt is the amount of records that could not be decoded and were
	// treated as absent.
	Corrupt uint64
	// Writes is the amount of chunks written to the database.
	Writes uint64
	// Evictions is the amount of chunks removed from memory.
	Evictions uint64
}

// Metrics tracks per-dimension counters for observability.
type Metrics struct {
	mu    sync.Mutex
	stats map[world.Dimension]*Stats
}

// NewMetrics creates an empty metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{stats: make(map[world.Dimension]*Stats)}
}

// update calls f with the Stats of the Dimension passed while holding the
// lock.
func (m *Metrics) update(dim world.Dimension, f func(s *Stats)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[dim]
	if !ok {
		s = &Stats{}
		m.stats[dim] = s
	}
	f(s)
}

// IncLoads increments the load counter for a dimension.
func (m *Metrics) IncLoads(dim world.Dimension) {
	m.update(dim, func(s *Stats) { s.Loads++ })
}

// IncGenerations increments the generation counter for a dimension.
func (m *Metrics) IncGenerations(dim world.Dimension) {
	m.update(dim, func(s *Stats) { s.Generations++ })
}

// IncCorrupt increments the corrupt record counter for a dimension.
func (m *Metrics) IncCorrupt(dim world.Dimension) {
	m.update(dim, func(s *Stats) { s.Corrupt++ })
}

// IncWrites increments the write counter for a dimension.
func (m *Metrics) IncWrites(dim world.Dimension) {
	m.update(dim, func(s *Stats) { s.Writes++ })
}

// AddEvictions adds n to the eviction counter for a dimension.
func (m *Metrics) AddEvictions(dim world.Dimension, n uint64) {
	if n == 0 {
		return
	}
	m.update(dim, func(s *Stats) { s.Evictions += n })
}

// Snapshot returns a copy of the counters of every dimension that has any.
func (m *Metrics) Snapshot() map[world.Dimension]Stats {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[world.Dimension]Stats, len(m.stats))
	for dim, s := range m.stats {
		snapshot[dim] = *s
	}
	return snapshot
}

// Total returns the sum of the counters of all dimensions.
func (m *Metrics) Total() Stats {
	var total Stats
	for _, s := range m.Snapshot() {
		total.Loads += s.Loads
		total.Generations += s.Generations
		total.Corrupt += s.Corrupt
		total.Writes += s.Writes
		total.Evictions += s.Evictions
	}
	return total
}
