// Package server implements the HTTP API: kick requests, fleet overview,
// node detail with on-demand sync, the audit trail, and the dashboard event
// stream.
package server

import (
	"net/http"

	"github.com/cespare/xxhash/v2"
	"github.com/skaldin/vigil/internal/bus"
	"github.com/skaldin/vigil/internal/cache"
	"github.com/skaldin/vigil/internal/config"
)

// New creates a Server instance wired to its collaborators.
func New(store Store, snapshots *cache.Store, kicker Kicker, syncer Syncer, events *bus.Bus, cfg *config.Config) *Server {
	operators := make(map[uint64]struct{})
	for _, name := range cfg.Server.Operators {
		operators[xxhash.Sum64String(name)] = struct{}{}
	}

	return &Server{
		store:          store,
		cache:          snapshots,
		kicker:         kicker,
		syncer:         syncer,
		events:         events,
		operators:      operators,
		authToken:      cfg.Server.AuthToken,
		maxBody:        cfg.Server.MaxBodySize,
		trustProxy:     cfg.Server.TrustProxy,
		hardLimitCount: cfg.RateLimit.HardLimitCount,
		hardLimitWin:   cfg.RateLimit.HardLimitWin,
		done:           make(chan struct{}),
	}
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/kick", s.RateLimitMiddleware(AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleKick))))
	mux.Handle("GET /api/fleet", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleFleet)))
	mux.Handle("GET /api/node", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleNode)))
	mux.Handle("GET /api/audit", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleAudit)))
	mux.Handle("GET /api/events", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /api/version", http.HandlerFunc(s.handleVersion))

	return s.LoggingMiddleware(mux)
}

// allowedOperator reports whether the named operator may initiate kicks.
func (s *Server) allowedOperator(name string) bool {
	if len(s.operators) == 0 {
		return true
	}

	_, ok := s.operators[xxhash.Sum64String(name)]

	return ok
}
