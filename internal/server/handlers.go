package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/broadcast"
	"github.com/skaldin/vigil/internal/models"
	"github.com/skaldin/vigil/internal/vars"
)

// handleKick processes a session termination request. The caller is already
// authenticated; the operator whitelist adds a second gate on who may kick.
func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var req models.KickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.TargetUser == "" {
		http.Error(w, "target_username is required", http.StatusBadRequest)
		return
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "api"
	}

	if !s.allowedOperator(req.InitiatedBy) {
		log.Warn().
			Str("operator", req.InitiatedBy).
			Str("user", req.TargetUser).
			Msg("Kick denied for unlisted operator")

		http.Error(w, "Operator not allowed", http.StatusForbidden)
		return
	}

	result := s.kicker.Kick(r.Context(), req)

	// Refresh the affected nodes so dashboards see the disconnect now,
	// not on the next poll tick.
	for _, attempt := range result.Attempts {
		if attempt.Outcome == models.OutcomeKicked {
			s.syncer.RefreshAfterDisconnect(r.Context(), attempt.NodeID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// fleetOverview is the response shape of GET /api/fleet.
type fleetOverview struct {
	Nodes         []models.NodeStatus `json:"nodes"`
	Rates         []models.RateSample `json:"rates"`
	TotalMbpsUp   float64             `json:"total_mbps_up"`
	TotalMbpsDown float64             `json:"total_mbps_down"`
}

// handleFleet returns the persisted per-node statuses plus the live rate
// samples and their fleet-wide aggregate.
func (s *Server) handleFleet(w http.ResponseWriter, _ *http.Request) {
	nodes, err := s.store.GetNodeStatuses()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch node statuses")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []models.NodeStatus{}
	}

	overview := fleetOverview{
		Nodes: nodes,
		Rates: s.cache.Rates(),
	}
	for _, sample := range overview.Rates {
		overview.TotalMbpsUp += sample.MbpsUp
		overview.TotalMbpsDown += sample.MbpsDown
	}
	overview.TotalMbpsUp = math.Round(overview.TotalMbpsUp*100) / 100
	overview.TotalMbpsDown = math.Round(overview.TotalMbpsDown*100) / 100

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(overview)
}

// nodeDetail is the response shape of GET /api/node.
type nodeDetail struct {
	Status   *models.NodeStatus `json:"status,omitempty"`
	Snapshot *models.Snapshot   `json:"snapshot,omitempty"`
	Rate     *models.RateSample `json:"rate,omitempty"`
}

// handleNode returns cached state for one node. With ?sync=1 the node is
// polled immediately instead of waiting for the next schedule tick.
// Query params: ?id=ams-1&sync=1
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing id", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("sync") == "1" {
		if _, err := s.syncer.SyncNode(r.Context(), id); err != nil {
			log.Warn().Err(err).Str("node", id).Msg("On-demand sync failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGatewayTimeout)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
	}

	detail := nodeDetail{}
	if snap, ok := s.cache.Snapshot(id); ok {
		detail.Snapshot = &snap
	}
	if sample, ok := s.cache.Rate(id); ok {
		detail.Rate = &sample
	}

	status, err := s.store.GetNodeStatus(id)
	if err != nil {
		log.Error().Err(err).Str("node", id).Msg("Failed to fetch node status")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}
	detail.Status = status

	if detail.Status == nil && detail.Snapshot == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(detail)
}

// handleAudit returns the kick audit trail, newest first.
// Query params: ?limit=50
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.ListKickAudit(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch audit entries")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.KickAudit{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

// handleEvents streams fleet dashboard events over SSE. Delivery follows
// the bus contract: a client that falls behind misses events and catches up
// on the next poll cycle.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.events.Subscribe(broadcast.TopicFleet)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-events:
			if !open {
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleVersion reports build metadata. Unauthenticated on purpose, for
// deploy checks.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(vars.Info())
}
