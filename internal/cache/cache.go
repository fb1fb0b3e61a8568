// Package cache holds the last raw snapshot and derived rate per node,
// bounded by a TTL so stale data never leaks into fleet totals. It is the
// only mutable state shared between the poller, the rate calculator, and
// the API handlers.
package cache

import (
	"sync"
	"time"

	"github.com/skaldin/vigil/internal/models"
)

// DefaultTTL bounds staleness when the caller passes no explicit TTL.
const DefaultTTL = 10 * time.Minute

type snapshotEntry struct {
	expiresAt time.Time
	snapshot  models.Snapshot
}

type rateEntry struct {
	expiresAt time.Time
	rate      models.RateSample
}

// Store is a per-node TTL cache. Reads and writes for different nodes never
// contend beyond the map lock; polling per node is serialized upstream, so
// last-writer-wins per key is acceptable.
type Store struct {
	snapshots map[string]snapshotEntry
	rates     map[string]rateEntry
	ttl       time.Duration
	mu        sync.RWMutex

	stop chan struct{}
	once sync.Once
}

// New creates a Store with the given default TTL and starts the janitor.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Store{
		snapshots: make(map[string]snapshotEntry),
		rates:     make(map[string]rateEntry),
		ttl:       ttl,
		stop:      make(chan struct{}),
	}
	go s.janitor()

	return s
}

// Close stops the janitor goroutine.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

// PutSnapshot stores the raw snapshot for a node.
func (s *Store) PutSnapshot(nodeID string, snap models.Snapshot) {
	s.mu.Lock()
	s.snapshots[nodeID] = snapshotEntry{
		snapshot:  snap,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
}

// Snapshot returns the cached snapshot for a node, or false when absent or
// expired. Expiry is also checked on read so the janitor interval does not
// widen the staleness bound.
func (s *Store) Snapshot(nodeID string) (models.Snapshot, bool) {
	s.mu.RLock()
	entry, ok := s.snapshots[nodeID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return models.Snapshot{}, false
	}

	return entry.snapshot, true
}

// PutRate stores the derived rate for a node.
func (s *Store) PutRate(nodeID string, rate models.RateSample) {
	s.mu.Lock()
	s.rates[nodeID] = rateEntry{
		rate:      rate,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
}

// Rate returns the cached rate sample for a node, or false when absent or
// expired.
func (s *Store) Rate(nodeID string) (models.RateSample, bool) {
	s.mu.RLock()
	entry, ok := s.rates[nodeID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return models.RateSample{}, false
	}

	return entry.rate, true
}

// Rates returns every unexpired rate sample, for fleet-wide aggregation.
func (s *Store) Rates() []models.RateSample {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rates := make([]models.RateSample, 0, len(s.rates))
	for _, entry := range s.rates {
		if now.After(entry.expiresAt) {
			continue
		}
		rates = append(rates, entry.rate)
	}

	return rates
}

// janitor drops expired entries so idle nodes do not pin memory.
func (s *Store) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, entry := range s.snapshots {
				if now.After(entry.expiresAt) {
					delete(s.snapshots, id)
				}
			}
			for id, entry := range s.rates {
				if now.After(entry.expiresAt) {
					delete(s.rates, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
