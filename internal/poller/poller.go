// Package poller drives the periodic status collection across the fleet.
// Every node gets its own goroutine, so a slow or dead node never delays
// the others, while polls of the same node stay strictly serialized: rate
// computation must observe snapshots in arrival order.
package poller

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/broadcast"
	"github.com/skaldin/vigil/internal/cache"
	"github.com/skaldin/vigil/internal/fleet"
	"github.com/skaldin/vigil/internal/models"
	"github.com/skaldin/vigil/internal/rates"
	"github.com/skaldin/vigil/internal/status"
)

// StatusClient fetches raw status text from a node. Satisfied by
// *mgmt.Client.
type StatusClient interface {
	Status(ctx context.Context, node fleet.Node) (string, error)
	WgDump(ctx context.Context, node fleet.Node) (string, error)
}

// StatusStore persists the last known state per node. Satisfied by
// *storage.Repository.
type StatusStore interface {
	UpsertNodeStatus(s models.NodeStatus) error
}

// Poller owns the per-node polling loops.
type Poller struct {
	inv      *fleet.Inventory
	client   StatusClient
	calc     *rates.Calculator
	cache    *cache.Store
	bcast    *broadcast.Broadcaster
	store    StatusStore
	interval time.Duration
	timeout  time.Duration

	// nodeLocks serializes polls per node id so an on-demand sync can
	// never interleave with the scheduled poll of the same node.
	nodeLocks sync.Map

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New wires a Poller. timeout bounds one node poll end to end.
func New(inv *fleet.Inventory, client StatusClient, calc *rates.Calculator, store *cache.Store, bcast *broadcast.Broadcaster, repo StatusStore, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Poller{
		inv:      inv,
		client:   client,
		calc:     calc,
		cache:    store,
		bcast:    bcast,
		store:    repo,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

// Start launches one polling loop per inventory node.
func (p *Poller) Start() {
	nodes := p.inv.All()
	for _, node := range nodes {
		p.wg.Add(1)
		go p.loop(node)
	}

	log.Info().Int("nodes", len(nodes)).Dur("interval", p.interval).Msg("Fleet polling started")
}

// Stop terminates the loops and waits for in-flight polls to finish.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Poller) loop(node fleet.Node) {
	defer p.wg.Done()

	// Jitter the first poll so a large fleet does not hammer the panel
	// host all at once.
	jitter := time.Duration(rand.Int63n(int64(p.interval)))
	select {
	case <-p.stop:
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(node, models.SourcePoller)

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.pollOnce(node, models.SourcePoller)
		}
	}
}

// SyncNode polls one node immediately, outside the schedule, and returns
// the fresh snapshot. Used by the on-demand refresh API.
func (p *Poller) SyncNode(ctx context.Context, nodeID string) (models.Snapshot, error) {
	node, ok := p.inv.Get(nodeID)
	if !ok {
		return models.Snapshot{}, fmt.Errorf("unknown node %q", nodeID)
	}

	if err := p.poll(ctx, node, models.SourceSync); err != nil {
		return models.Snapshot{}, err
	}

	snap, _ := p.cache.Snapshot(nodeID)

	return snap, nil
}

// RefreshAfterDisconnect re-polls a node whose sessions were just
// terminated, so dashboards see the disconnect without waiting for the
// next schedule tick. Failures are not reported back: the kick already
// succeeded and the next tick will catch up.
func (p *Poller) RefreshAfterDisconnect(ctx context.Context, nodeID string) {
	node, ok := p.inv.Get(nodeID)
	if !ok {
		return
	}

	if err := p.poll(ctx, node, models.SourceDisconnect); err != nil {
		log.Debug().Err(err).Str("node", nodeID).Msg("Post-kick refresh failed")
	}
}

func (p *Poller) pollOnce(node fleet.Node, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.poll(ctx, node, source); err != nil {
		log.Warn().Err(err).Str("node", node.ID).Msg("Poll failed")
	}
}

// poll runs one full cycle for a node: fetch, parse, derive, cache,
// publish, persist. A failed fetch commits no partial snapshot.
func (p *Poller) poll(ctx context.Context, node fleet.Node, source string) error {
	lock := p.lockFor(node.ID)
	lock.Lock()
	defer lock.Unlock()

	raw, err := p.fetch(ctx, node)
	if err != nil {
		p.persistFailure(node, err)
		return err
	}
	if raw == "" {
		// Empty after the protocol-level retry: no data this tick.
		log.Debug().Str("node", node.ID).Msg("Node returned no status data")
		return nil
	}

	var snap models.Snapshot
	if node.Kind == fleet.KindWireGuard {
		snap = status.ParseWgDump(node.ID, raw)
	} else {
		snap = status.Parse(node.ID, raw)
	}

	sample := p.calc.Compute(node.ID, snap)
	p.bcast.Publish(node.ID, snap, source)
	p.persistSuccess(node, snap, sample)

	log.Debug().
		Str("node", node.ID).
		Str("source", source).
		Int("sessions", len(snap.Sessions)).
		Bool("rated", sample != nil).
		Msg("Poll completed")

	return nil
}

func (p *Poller) fetch(ctx context.Context, node fleet.Node) (string, error) {
	if node.Kind == fleet.KindWireGuard {
		return p.client.WgDump(ctx, node)
	}

	return p.client.Status(ctx, node)
}

func (p *Poller) lockFor(nodeID string) *sync.Mutex {
	lock, _ := p.nodeLocks.LoadOrStore(nodeID, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

func (p *Poller) persistSuccess(node fleet.Node, snap models.Snapshot, sample *models.RateSample) {
	now := time.Now().UTC()
	st := models.NodeStatus{
		NodeID:       node.ID,
		Kind:         node.Kind,
		SessionCount: len(snap.Sessions),
		BytesRecv:    snap.Totals.Recv,
		BytesSent:    snap.Totals.Sent,
		Reachable:    true,
		ObservedAt:   snap.ObservedAt,
		FirstSeen:    now,
		LastSeen:     now,
	}
	if sample != nil {
		st.MbpsUp = sample.MbpsUp
		st.MbpsDown = sample.MbpsDown
	}

	if err := p.store.UpsertNodeStatus(st); err != nil {
		log.Error().Err(err).Str("node", node.ID).Msg("Failed to persist node status")
	}
}

func (p *Poller) persistFailure(node fleet.Node, cause error) {
	now := time.Now().UTC()
	st := models.NodeStatus{
		NodeID:    node.ID,
		Kind:      node.Kind,
		Reachable: false,
		LastError: cause.Error(),
		FirstSeen: now,
		LastSeen:  now,
	}

	if err := p.store.UpsertNodeStatus(st); err != nil {
		log.Error().Err(err).Str("node", node.ID).Msg("Failed to persist node status")
	}
}
