// Package models defines the data structures shared between the protocol,
// cache, broadcast, and persistence layers.
package models

import "time"

// Event sources identify which path produced a fleet event, mainly for
// debugging fan-out races between the poller and on-demand refreshes.
const (
	SourcePoller     = "poller"
	SourceSync       = "on-demand-sync"
	SourceDisconnect = "disconnect"
)

// Session is one point-in-time observation of a client session on a node.
// Records are superseded by the next poll, never mutated in place.
type Session struct {
	ConnectedSince time.Time `json:"connected_since"`
	DisplayName    string    `json:"display_name"`
	RealAddress    string    `json:"real_address"`
	VirtualAddress string    `json:"virtual_address,omitempty"`
	VirtualAddrV6  string    `json:"virtual_address_v6,omitempty"`
	Username       string    `json:"username,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	PeerID         string    `json:"peer_id,omitempty"`
	Cipher         string    `json:"cipher,omitempty"`
	BytesReceived  int64     `json:"bytes_received"`
	BytesSent      int64     `json:"bytes_sent"`
}

// Totals holds the aggregate byte counters of one snapshot.
type Totals struct {
	Recv int64 `json:"recv"`
	Sent int64 `json:"sent"`
}

// Snapshot is one parsed status response for a node: the session list plus
// aggregate counters. Totals always equal the sum over Sessions.
type Snapshot struct {
	ObservedAt time.Time `json:"observed_at"`
	NodeID     string    `json:"node_id"`
	Sessions   []Session `json:"sessions"`
	Totals     Totals    `json:"totals"`
}

// RateSample holds throughput metrics derived from two successive snapshots
// of the same node. Advisory only, never authoritative.
type RateSample struct {
	NodeID           string  `json:"node_id"`
	MbpsUp           float64 `json:"mbps_up"`
	MbpsDown         float64 `json:"mbps_down"`
	GBPerHourUp      float64 `json:"gb_per_hour_up"`
	ProjectedTBMonth float64 `json:"projected_tb_month"`
	SampledOverSec   int64   `json:"sampled_over_seconds"`
}

// EventUser is the canonical session shape published to dashboards.
// Optional fields are omitted rather than null-filled.
type EventUser struct {
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
	Name           string     `json:"name"`
	RealAddress    string     `json:"real_address,omitempty"`
	VirtualAddress string     `json:"virtual_address,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	Country        string     `json:"country,omitempty"`
	BytesReceived  int64      `json:"bytes_received"`
	BytesSent      int64      `json:"bytes_sent"`
}

// FleetEvent is the payload published to the per-node and fleet-wide topics.
type FleetEvent struct {
	ObservedAt   time.Time   `json:"observed_at"`
	NodeID       string      `json:"node_id"`
	Source       string      `json:"source"`
	Users        []EventUser `json:"users"`
	SessionCount int         `json:"session_count"`
}

// KickRequest asks for termination of every live session of one user.
// The caller is already authenticated and authorized.
type KickRequest struct {
	TargetUser  string `json:"target_username"`
	Reason      string `json:"reason,omitempty"`
	InitiatedBy string `json:"initiated_by"`
}

// Kick attempt methods and outcomes recorded per node.
const (
	KickMethodMgmt    = "mgmt"
	KickMethodProcess = "process"

	OutcomeKicked    = "kicked"
	OutcomeNoSession = "no-session"
	OutcomeFailed    = "failed"
	OutcomeNodeError = "node-error"
)

// NodeAttempt is the outcome of one kick attempt on one node.
type NodeAttempt struct {
	NodeID  string `json:"node_id"`
	Method  string `json:"method,omitempty"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// KickResult aggregates per-node outcomes for one kick request.
// Success means at least one node attempt terminated a session.
type KickResult struct {
	Success       bool          `json:"success"`
	KickedCount   int           `json:"kicked_count"`
	TotalSessions int           `json:"total_sessions"`
	Errors        []string      `json:"errors"`
	Attempts      []NodeAttempt `json:"attempts,omitempty"`
}

// KickAudit is one immutable audit row, written once per node attempt.
// The only durable artifact of this subsystem.
type KickAudit struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`
	TargetUser  string    `json:"target_user"`
	NodeID      string    `json:"node_id,omitempty"`
	InitiatedBy string    `json:"initiated_by"`
	Reason      string    `json:"reason,omitempty"`
	Outcome     string    `json:"outcome"`
}

// NodeStatus is the last known poll outcome for a node, persisted for the
// fleet overview so restarts do not blank the dashboard.
type NodeStatus struct {
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	ObservedAt   time.Time `json:"observed_at"`
	NodeID       string    `json:"node_id"`
	Kind         string    `json:"kind"`
	LastError    string    `json:"last_error,omitempty"`
	BytesRecv    int64     `json:"bytes_recv"`
	BytesSent    int64     `json:"bytes_sent"`
	MbpsUp       float64   `json:"mbps_up"`
	MbpsDown     float64   `json:"mbps_down"`
	SessionCount int       `json:"session_count"`
	Reachable    bool      `json:"reachable"`
}
