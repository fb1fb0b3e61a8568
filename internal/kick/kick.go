// Package kick terminates a user's live sessions across the fleet. Per node
// it tries the management protocol first and falls back to signaling the
// session's OS process; every node attempt is recorded in the durable audit
// trail regardless of outcome.
package kick

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/fleet"
	"github.com/skaldin/vigil/internal/mgmt"
	"github.com/skaldin/vigil/internal/models"
	"github.com/skaldin/vigil/internal/sshexec"
	"github.com/skaldin/vigil/internal/status"
)

// NodeResolver maps a username to the nodes it is assigned to.
type NodeResolver interface {
	NodesFor(username string) []fleet.Node
}

// ProtocolClient is the management protocol surface the kick path needs.
// Satisfied by *mgmt.Client.
type ProtocolClient interface {
	Status(ctx context.Context, node fleet.Node) (string, error)
	Kill(ctx context.Context, node fleet.Node, name string) (string, error)
	ClientKill(ctx context.Context, node fleet.Node, clientID string) (string, error)
	WgDump(ctx context.Context, node fleet.Node) (string, error)
}

// AuditStore persists immutable kick audit entries.
type AuditStore interface {
	InsertKickAudit(entry models.KickAudit) error
}

// Service executes kick requests.
type Service struct {
	resolver NodeResolver
	client   ProtocolClient
	runner   sshexec.Runner
	audit    AuditStore
}

// New wires a kick Service.
func New(resolver NodeResolver, client ProtocolClient, runner sshexec.Runner, audit AuditStore) *Service {
	return &Service{resolver: resolver, client: client, runner: runner, audit: audit}
}

// Kick terminates every live session of the target user. Each assigned node
// is attempted independently: a failure on one never aborts the others, and
// a failed protocol kill never skips the process-kill fallback on the same
// node. The request succeeds when at least one attempt kicked a session.
func (s *Service) Kick(ctx context.Context, req models.KickRequest) models.KickResult {
	result := models.KickResult{Errors: []string{}}

	nodes := s.resolver.NodesFor(req.TargetUser)
	if len(nodes) == 0 {
		log.Info().Str("user", req.TargetUser).Msg("Kick requested for user with no assigned nodes")
		s.record(req, "", models.OutcomeNoSession)
		return result
	}

	for _, node := range nodes {
		attempt := s.kickOnNode(ctx, node, req, &result)
		result.Attempts = append(result.Attempts, attempt)

		outcome := attempt.Outcome
		if attempt.Outcome == models.OutcomeKicked {
			result.KickedCount++
		} else if attempt.Error != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", node.ID, attempt.Error))
		}
		s.record(req, node.ID, outcome)
	}

	result.Success = result.KickedCount > 0

	log.Info().
		Str("user", req.TargetUser).
		Str("by", req.InitiatedBy).
		Int("kicked", result.KickedCount).
		Int("sessions", result.TotalSessions).
		Int("errors", len(result.Errors)).
		Msg("Kick request finished")

	return result
}

// kickOnNode runs the per-node state machine: lookup, protocol kill,
// process-kill fallback.
func (s *Service) kickOnNode(ctx context.Context, node fleet.Node, req models.KickRequest, result *models.KickResult) models.NodeAttempt {
	attempt := models.NodeAttempt{NodeID: node.ID}

	sess, found, err := s.lookupSession(ctx, node, req.TargetUser)
	if err != nil {
		// Status unavailable: the session may still exist, so fall
		// through to the process kill rather than giving up.
		log.Warn().Err(err).Str("node", node.ID).Msg("Status lookup failed, trying process kill")
		attempt = s.processKill(ctx, node, req.TargetUser, attempt)
		if attempt.Outcome == models.OutcomeFailed {
			// Neither path reached the node: the node, not the
			// session, is the problem.
			attempt.Outcome = models.OutcomeNodeError
		}
		return attempt
	}

	if !found {
		attempt.Outcome = models.OutcomeNoSession
		return attempt
	}
	result.TotalSessions++

	response, err := s.protocolKill(ctx, node, sess)
	if err == nil && mgmt.IsSuccess(response) {
		attempt.Method = models.KickMethodMgmt
		attempt.Outcome = models.OutcomeKicked
		return attempt
	}
	if err != nil {
		log.Debug().Err(err).Str("node", node.ID).Msg("Protocol kill failed")
	} else {
		log.Debug().Str("node", node.ID).Str("response", response).Msg("Protocol kill not acknowledged")
	}

	return s.processKill(ctx, node, req.TargetUser, attempt)
}

// lookupSession fetches live status and locates the target's session.
// Client-id matches are preferred over display names, which can collide.
func (s *Service) lookupSession(ctx context.Context, node fleet.Node, username string) (models.Session, bool, error) {
	var snap models.Snapshot

	switch node.Kind {
	case fleet.KindWireGuard:
		raw, err := s.client.WgDump(ctx, node)
		if err != nil {
			return models.Session{}, false, err
		}
		snap = status.ParseWgDump(node.ID, raw)
	default:
		raw, err := s.client.Status(ctx, node)
		if err != nil {
			return models.Session{}, false, err
		}
		snap = status.Parse(node.ID, raw)
	}

	for _, sess := range snap.Sessions {
		if sess.Username == username || sess.DisplayName == username {
			return sess, true, nil
		}
	}

	return models.Session{}, false, nil
}

// protocolKill issues the management kill command for the session and
// returns the raw response.
func (s *Service) protocolKill(ctx context.Context, node fleet.Node, sess models.Session) (string, error) {
	if node.Kind == fleet.KindWireGuard {
		res := s.runner.Run(ctx, node, "wg set "+sshexec.QuoteArg(node.WgIface)+" peer "+sshexec.QuoteArg(sess.PeerID)+" remove")
		if res.Failed() {
			return "", fmt.Errorf("wg peer remove: %s", res.StderrText())
		}
		return "SUCCESS", nil
	}

	if sess.ClientID != "" {
		return s.client.ClientKill(ctx, node, sess.ClientID)
	}

	return s.client.Kill(ctx, node, sess.DisplayName)
}

// processKill is the last-resort fallback: terminate the OS process serving
// the user's session. The pattern anchors on the exact username token; the
// username is the only untrusted field and is shell-escaped.
func (s *Service) processKill(ctx context.Context, node fleet.Node, username string, attempt models.NodeAttempt) models.NodeAttempt {
	attempt.Method = models.KickMethodProcess

	res := s.runner.Run(ctx, node, "pkill -TERM -f -- "+sshexec.QuoteArg(username))
	if res.Failed() {
		attempt.Outcome = models.OutcomeFailed
		attempt.Error = firstNonEmpty(res.Stderr, "no matching process")
		return attempt
	}

	attempt.Outcome = models.OutcomeKicked

	return attempt
}

// record writes one audit entry for a node attempt. Audit failures are
// logged but never fail the kick itself.
func (s *Service) record(req models.KickRequest, nodeID, outcome string) {
	entry := models.KickAudit{
		ID:          uuid.NewString(),
		TargetUser:  req.TargetUser,
		NodeID:      nodeID,
		InitiatedBy: req.InitiatedBy,
		Reason:      req.Reason,
		Outcome:     outcome,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.audit.InsertKickAudit(entry); err != nil {
		log.Error().Err(err).Str("user", req.TargetUser).Msg("Failed to write kick audit entry")
	}
}

func firstNonEmpty(lines []string, fallback string) string {
	for _, line := range lines {
		if line != "" {
			return line
		}
	}

	return fallback
}
