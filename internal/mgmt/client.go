// Package mgmt speaks the line-oriented management protocol of a gateway
// node. The management socket is bound to loopback on the node, so every
// exchange is tunneled through a remote command that pipes the queries into
// a local socket forwarder.
package mgmt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/fleet"
	"github.com/skaldin/vigil/internal/sshexec"
)

// Pacing delays around each command. The management socket is line-buffered
// and slow to flush; writing without pauses loses responses.
const (
	preDelay  = "0.3"
	postDelay = "0.5"
)

// retryDelay is waited before the single retry after an empty response.
const retryDelay = 2 * time.Second

// Client issues management protocol queries against fleet nodes.
type Client struct {
	runner sshexec.Runner

	// sleep is replaced in tests to avoid real delays.
	sleep func(time.Duration)
}

// NewClient returns a Client backed by the given runner.
func NewClient(runner sshexec.Runner) *Client {
	return &Client{runner: runner, sleep: time.Sleep}
}

// Query sends the commands newline-terminated in sequence and returns the
// raw response text. An empty response is retried exactly once after a short
// delay; a still-empty response is returned as an empty string with no
// error, since the socket legitimately answers nothing on some commands.
// Callers must treat empty as "no data", not failure.
func (c *Client) Query(ctx context.Context, node fleet.Node, commands ...string) (string, error) {
	remote := buildPipeline(node.MgmtPort, commands)

	out, err := c.exchange(ctx, node, remote)
	if err != nil {
		return "", err
	}
	if out != "" {
		return out, nil
	}

	// One retry: the socket occasionally returns nothing on the first
	// read after idle.
	log.Debug().Str("node", node.ID).Msg("Empty management response, retrying once")
	c.sleep(retryDelay)

	return c.exchange(ctx, node, remote)
}

func (c *Client) exchange(ctx context.Context, node fleet.Node, remote string) (string, error) {
	res := c.runner.Run(ctx, node, remote)
	if res.ExitStatus == sshexec.SyntheticExitStatus {
		return "", fmt.Errorf("management query on %s: %s", node.ID, strings.Join(res.Stderr, "; "))
	}

	// Non-zero exits from nc with partial output still carry usable data.
	return strings.TrimSpace(res.StdoutText()), nil
}

// buildPipeline assembles the paced command sequence piped into the local
// socket forwarder on the node. Commands are emitted via printf %s so the
// remote shell never interprets their content.
func buildPipeline(port int, commands []string) string {
	var b strings.Builder
	b.WriteString("{ sleep " + preDelay + "; ")
	for _, cmd := range commands {
		b.WriteString("printf '%s\\n' " + sshexec.QuoteArg(cmd) + "; ")
		b.WriteString("sleep " + postDelay + "; ")
	}
	b.WriteString("} | nc -w 5 127.0.0.1 " + fmt.Sprintf("%d", port))

	return b.String()
}

// Status fetches the version-3 status dump.
func (c *Client) Status(ctx context.Context, node fleet.Node) (string, error) {
	return c.Query(ctx, node, "status 3", "quit")
}

// Kill terminates a session by display name and returns the raw response.
func (c *Client) Kill(ctx context.Context, node fleet.Node, name string) (string, error) {
	return c.Query(ctx, node, "kill "+name, "quit")
}

// ClientKill terminates a session by protocol-assigned client id. Preferred
// over Kill since display names can collide.
func (c *Client) ClientKill(ctx context.Context, node fleet.Node, clientID string) (string, error) {
	return c.Query(ctx, node, "client-kill "+clientID, "quit")
}

// WgDump reads the peer table of a WireGuard node. There is no management
// socket; the dump command runs directly.
func (c *Client) WgDump(ctx context.Context, node fleet.Node) (string, error) {
	res := c.runner.Run(ctx, node, "wg show "+sshexec.QuoteArg(node.WgIface)+" dump")
	if res.Failed() {
		return "", fmt.Errorf("wg dump on %s: %s", node.ID, strings.Join(res.Stderr, "; "))
	}

	return res.StdoutText(), nil
}

// IsSuccess reports whether a management response acknowledges the command.
func IsSuccess(response string) bool {
	for _, line := range strings.Split(response, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "SUCCESS") {
			return true
		}
	}

	return false
}
