// Package broadcast normalizes node snapshots into canonical fleet events
// and fans them out over the message bus. Delivery inherits the bus
// contract: at-most-once, no redelivery.
package broadcast

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/bus"
	"github.com/skaldin/vigil/internal/models"
)

// TopicFleet receives every node's events for fleet-wide dashboards.
const TopicFleet = "fleet.dashboard"

// TopicNode returns the per-node topic name.
func TopicNode(nodeID string) string {
	return "node." + nodeID
}

// CountryResolver maps a session real address to an ISO country code. May
// be nil when GeoIP is disabled.
type CountryResolver interface {
	CountryCode(addr string) string
}

// Broadcaster publishes canonical session events.
type Broadcaster struct {
	pub bus.Publisher
	geo CountryResolver
}

// New returns a Broadcaster. geo may be nil.
func New(pub bus.Publisher, geo CountryResolver) *Broadcaster {
	return &Broadcaster{pub: pub, geo: geo}
}

// Publish canonicalizes the snapshot's session list and publishes one event
// to the node's own topic and the fleet-wide topic. source labels the
// producing path for fan-out debugging.
func (b *Broadcaster) Publish(nodeID string, snap models.Snapshot, source string) {
	event := models.FleetEvent{
		NodeID:       nodeID,
		ObservedAt:   snap.ObservedAt,
		SessionCount: len(snap.Sessions),
		Users:        make([]models.EventUser, 0, len(snap.Sessions)),
		Source:       source,
	}

	for _, sess := range snap.Sessions {
		event.Users = append(event.Users, b.canonicalize(sess))
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("Failed to encode fleet event")
		return
	}

	b.pub.Publish(TopicNode(nodeID), payload)
	b.pub.Publish(TopicFleet, payload)

	log.Trace().
		Str("node", nodeID).
		Str("source", source).
		Int("sessions", event.SessionCount).
		Msg("Fleet event published")
}

// canonicalize maps a session record to the event-user shape: display name
// upper-cased for dashboard consistency, optional fields passed through as
// absent rather than sentinel-filled.
func (b *Broadcaster) canonicalize(sess models.Session) models.EventUser {
	user := models.EventUser{
		Name:           strings.ToUpper(sess.DisplayName),
		RealAddress:    sess.RealAddress,
		VirtualAddress: sess.VirtualAddress,
		ClientID:       sess.ClientID,
		BytesReceived:  sess.BytesReceived,
		BytesSent:      sess.BytesSent,
	}

	if !sess.ConnectedSince.IsZero() {
		since := sess.ConnectedSince
		user.ConnectedSince = &since
	}

	if b.geo != nil && sess.RealAddress != "" {
		user.Country = b.geo.CountryCode(sess.RealAddress)
	}

	return user
}
