// Package rates derives throughput metrics from successive snapshots of the
// same node. The previous snapshot lives in the shared cache, never in
// package state, so calculators stay restart- and test-friendly.
package rates

import (
	"math"

	"github.com/skaldin/vigil/internal/cache"
	"github.com/skaldin/vigil/internal/models"
)

// DefaultDutyCycleHours is the assumed client usage duration per day used
// for the monthly volume projection.
const DefaultDutyCycleHours = 3

// Calculator computes rate samples against the snapshot history in the
// cache.
type Calculator struct {
	cache *cache.Store

	// dutyCycleHours scales the monthly projection: how many hours per
	// day a typical client is actually moving traffic.
	dutyCycleHours float64
}

// New returns a Calculator bound to the given cache.
func New(store *cache.Store, dutyCycleHours float64) *Calculator {
	if dutyCycleHours <= 0 {
		dutyCycleHours = DefaultDutyCycleHours
	}

	return &Calculator{cache: store, dutyCycleHours: dutyCycleHours}
}

// Compute derives a rate sample from the cached previous snapshot and
// current. The first observation after a cache miss or TTL expiry yields
// nil (insufficient history). Counter resets from node restarts clamp the
// deltas to zero, and clock skew clamps the elapsed window to one second.
// The cached previous snapshot is always replaced by current, whether or
// not a rate was produced.
func (c *Calculator) Compute(nodeID string, current models.Snapshot) *models.RateSample {
	previous, ok := c.cache.Snapshot(nodeID)
	c.cache.PutSnapshot(nodeID, current)

	if !ok {
		return nil
	}

	elapsed := current.ObservedAt.Sub(previous.ObservedAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}

	deltaRecv := current.Totals.Recv - previous.Totals.Recv
	if deltaRecv < 0 {
		deltaRecv = 0
	}
	deltaSent := current.Totals.Sent - previous.Totals.Sent
	if deltaSent < 0 {
		deltaSent = 0
	}

	gbPerHourUp := float64(deltaSent) / (1 << 30) / elapsed * 3600

	sample := &models.RateSample{
		NodeID:           nodeID,
		MbpsDown:         round2(float64(deltaRecv) * 8 / elapsed / 1e6),
		MbpsUp:           round2(float64(deltaSent) * 8 / elapsed / 1e6),
		GBPerHourUp:      gbPerHourUp,
		ProjectedTBMonth: gbPerHourUp * c.dutyCycleHours * 30 / 1024,
		SampledOverSec:   int64(elapsed),
	}

	c.cache.PutRate(nodeID, *sample)

	return sample
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
