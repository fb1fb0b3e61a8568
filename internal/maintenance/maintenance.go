// Package maintenance provides one-shot housekeeping tasks: pruning the
// audit trail and probing fleet reachability.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/config"
	"github.com/skaldin/vigil/internal/fleet"
	"github.com/skaldin/vigil/internal/models"
	"github.com/skaldin/vigil/internal/sshexec"
	"github.com/skaldin/vigil/internal/storage"
)

// probeWorkers bounds concurrent SSH probes during a fleet check.
const probeWorkers = 10

// Run checks if any maintenance flags are set and executes the
// corresponding tasks. Returns true if a maintenance task was executed
// (indicating the program should exit).
func Run(cfg *config.Config, store *storage.Repository, inv *fleet.Inventory, runner sshexec.Runner) bool {
	if cfg.Storage.PruneAudit > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -int(cfg.Storage.PruneAudit))
		log.Info().Time("cutoff", cutoff).Msg("Pruning kick audit entries...")

		count, err := store.DeleteOldAudit(cutoff)
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune audit entries")
		} else {
			log.Info().Int64("deleted", count).Msg("Prune finished")
		}

		return true
	}

	if cfg.Storage.CheckAll {
		nodes := inv.All()
		if len(nodes) == 0 {
			log.Info().Msg("No nodes in inventory")
			return true
		}

		log.Info().Int("count", len(nodes)).Msg("Probing fleet reachability...")
		probeFleet(nodes, store, runner, cfg.SSH.Timeout)
		log.Info().Msg("Fleet check completed")

		return true
	}

	return false
}

func probeFleet(nodes []fleet.Node, store *storage.Repository, runner sshexec.Runner, timeout time.Duration) {
	jobs := make(chan fleet.Node, len(nodes))
	var wg sync.WaitGroup

	for i := 0; i < probeWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for node := range jobs {
				probeNode(node, store, runner, timeout)
			}
		}()
	}

	for _, n := range nodes {
		jobs <- n
	}
	close(jobs)

	wg.Wait()
}

func probeNode(node fleet.Node, store *storage.Repository, runner sshexec.Runner, timeout time.Duration) {
	logCtx := log.With().Str("node", node.ID).Str("host", node.Host).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res := runner.Run(ctx, node, "true")

	now := time.Now().UTC()
	status := models.NodeStatus{
		NodeID:    node.ID,
		Kind:      node.Kind,
		Reachable: !res.Failed(),
		FirstSeen: now,
		LastSeen:  now,
	}
	if res.Failed() {
		status.LastError = firstLine(res.Stderr)
		logCtx.Warn().Str("error", status.LastError).Msg("Node unreachable")
	} else {
		logCtx.Info().Msg("Node reachable")
	}

	if err := store.UpsertNodeStatus(status); err != nil {
		logCtx.Error().Err(err).Msg("Failed to record probe result")
	}
}

func firstLine(lines []string) string {
	if len(lines) == 0 {
		return "probe failed"
	}

	return lines[0]
}
