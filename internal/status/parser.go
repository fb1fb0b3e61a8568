// Package status parses raw gateway status output into canonical snapshots.
// Two OpenVPN wire-format generations and the WireGuard dump format are
// recognized; anything else is skipped line by line, never fatal.
package status

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/models"
)

// Markers of the OpenVPN status output.
const (
	markerClient = "CLIENT_LIST"
	markerTime   = "TIME"
	markerEnd    = "END"
)

// Column counts (marker included) selecting the parser variant. The modern
// layout carries virtual-address-v6, epoch, username, client-id, peer-id and
// cipher on top of the legacy fields.
const (
	modernColumns = 13
	legacyColumns = 7
)

// sinceLayout is the human-readable connection timestamp of legacy nodes.
const sinceLayout = "Mon Jan 2 15:04:05 2006"

// Parse turns one raw OpenVPN status response into a snapshot for nodeID.
// Session lines with unrecognized column counts are dropped, malformed
// numeric fields read as zero, and aggregate totals are summed in the same
// pass over the session lines. A missing TIME marker falls back to the
// local clock.
func Parse(nodeID, raw string) models.Snapshot {
	snap := models.Snapshot{
		NodeID:     nodeID,
		ObservedAt: time.Now(),
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := splitFields(line)
		switch fields[0] {
		case markerClient:
			if sess, ok := parseSession(fields); ok {
				snap.Sessions = append(snap.Sessions, sess)
				snap.Totals.Recv += sess.BytesReceived
				snap.Totals.Sent += sess.BytesSent
			} else {
				log.Debug().
					Str("node", nodeID).
					Int("columns", len(fields)).
					Msg("Skipping session line with unknown column count")
			}
		case markerTime:
			if len(fields) >= 3 {
				if epoch := parseInt(fields[2]); epoch > 0 {
					snap.ObservedAt = time.Unix(epoch, 0)
				}
			}
		case markerEnd:
			return snap
		}
	}

	return snap
}

// splitFields splits a status line on tab when present, comma otherwise.
// Which separator a node emits depends on its software generation.
func splitFields(line string) []string {
	if strings.Contains(line, "\t") {
		return strings.Split(line, "\t")
	}

	return strings.Split(line, ",")
}

// parseSession dispatches on column count. Layouts (marker first):
//
//	modern: name, real-address, virtual-address, virtual-address-v6,
//	        bytes-received, bytes-sent, since-string, since-epoch,
//	        username, client-id, peer-id, cipher
//	legacy: name, real-address, virtual-address, bytes-received,
//	        bytes-sent, since-string
func parseSession(fields []string) (models.Session, bool) {
	switch {
	case len(fields) >= modernColumns:
		return models.Session{
			DisplayName:    fields[1],
			RealAddress:    fields[2],
			VirtualAddress: fields[3],
			VirtualAddrV6:  fields[4],
			BytesReceived:  parseInt(fields[5]),
			BytesSent:      parseInt(fields[6]),
			ConnectedSince: parseSince(fields[8], fields[7]),
			Username:       fields[9],
			ClientID:       fields[10],
			PeerID:         fields[11],
			Cipher:         fields[12],
		}, true

	case len(fields) >= legacyColumns:
		return models.Session{
			DisplayName:    fields[1],
			RealAddress:    fields[2],
			VirtualAddress: fields[3],
			BytesReceived:  parseInt(fields[4]),
			BytesSent:      parseInt(fields[5]),
			ConnectedSince: parseSince("", fields[6]),
		}, true
	}

	return models.Session{}, false
}

// parseInt reads a counter defensively: malformed upstream output must not
// abort the whole snapshot.
func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}

	return n
}

// parseSince prefers the epoch column, falling back to the date string.
func parseSince(epoch, since string) time.Time {
	if n := parseInt(epoch); n > 0 {
		return time.Unix(n, 0)
	}

	if t, err := time.Parse(sinceLayout, strings.TrimSpace(since)); err == nil {
		return t
	}

	return time.Time{}
}

// ParseWgDump turns `wg show <iface> dump` output into a snapshot. The
// first line describes the interface itself; each following line is one
// peer: public-key, preshared-key, endpoint, allowed-ips, latest-handshake,
// rx, tx, keepalive. Peers without an endpoint have never connected and are
// not sessions.
func ParseWgDump(nodeID, raw string) models.Snapshot {
	snap := models.Snapshot{
		NodeID:     nodeID,
		ObservedAt: time.Now(),
	}

	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) < 2 {
		return snap
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 7 {
			continue
		}

		endpoint := fields[2]
		if endpoint == "" || endpoint == "(none)" {
			continue
		}

		sess := models.Session{
			DisplayName:    fields[0],
			PeerID:         fields[0],
			RealAddress:    endpoint,
			VirtualAddress: fields[3],
			ConnectedSince: handshakeTime(fields[4]),
			BytesReceived:  parseInt(fields[5]),
			BytesSent:      parseInt(fields[6]),
		}

		snap.Sessions = append(snap.Sessions, sess)
		snap.Totals.Recv += sess.BytesReceived
		snap.Totals.Sent += sess.BytesSent
	}

	return snap
}

func handshakeTime(epoch string) time.Time {
	if n := parseInt(epoch); n > 0 {
		return time.Unix(n, 0)
	}

	return time.Time{}
}
