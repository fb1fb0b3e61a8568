package server

import (
	"context"
	"sync"
	"time"

	"github.com/skaldin/vigil/internal/bus"
	"github.com/skaldin/vigil/internal/cache"
	"github.com/skaldin/vigil/internal/models"
)

// Kicker executes session termination requests. Satisfied by
// *kick.Service.
type Kicker interface {
	Kick(ctx context.Context, req models.KickRequest) models.KickResult
}

// Syncer refreshes one node outside the poll schedule. Satisfied by
// *poller.Poller.
type Syncer interface {
	SyncNode(ctx context.Context, nodeID string) (models.Snapshot, error)
	RefreshAfterDisconnect(ctx context.Context, nodeID string)
}

// Store is the persistence surface the handlers read from. Satisfied by
// *storage.Repository.
type Store interface {
	GetNodeStatuses() ([]models.NodeStatus, error)
	GetNodeStatus(nodeID string) (*models.NodeStatus, error)
	ListKickAudit(limit int) ([]models.KickAudit, error)
}

// Server holds the dependencies, configuration, and runtime state required
// to handle HTTP requests.
type Server struct {
	// store provides access to the persistent database layer.
	store Store

	// cache serves live snapshots and rate samples without touching nodes.
	cache *cache.Store

	// kicker executes kick requests against the fleet.
	kicker Kicker

	// syncer triggers on-demand node refreshes.
	syncer Syncer

	// events is subscribed to by the SSE handler for dashboard pushes.
	events *bus.Bus

	// operators is a set of hashed operator names (xxhash) allowed to
	// initiate kicks. Empty means any authenticated caller may kick.
	operators map[uint64]struct{}

	// authToken is the secret token required on every API endpoint.
	authToken string

	// maxBody bounds incoming request bodies.
	maxBody int64

	// hardLimitCount / hardLimitWin parameterize the per-IP rate limiter.
	hardLimitCount int
	hardLimitWin   time.Duration

	// trustProxy enables X-Forwarded-For / CF-Connecting-IP handling.
	trustProxy bool

	// done stops background goroutines, such as the rate limiter janitor.
	done      chan struct{}
	closeOnce sync.Once
}

// Close stops the server's background goroutines. The HTTP listener itself
// is owned and shut down by the caller.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
