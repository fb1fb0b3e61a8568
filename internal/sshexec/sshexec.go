// Package sshexec runs commands on fleet nodes over SSH. No agent is
// installed on the nodes; everything the panel knows it learns through
// short-lived command executions.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/fleet"
	"golang.org/x/crypto/ssh"
)

// SyntheticExitStatus marks results that never reached the remote command:
// unreachable host, failed auth, timeout.
const SyntheticExitStatus = 255

// DefaultTimeout bounds one remote command round-trip.
const DefaultTimeout = 15 * time.Second

// Result carries the outcome of one remote command. Stdout and Stderr are
// kept strictly separate so diagnostic noise can never corrupt payload text
// being read from stdout.
type Result struct {
	Stdout     []string
	Stderr     []string
	ExitStatus int
}

// Failed reports whether the command did not exit cleanly.
func (r Result) Failed() bool {
	return r.ExitStatus != 0
}

// StdoutText returns stdout joined back into one newline-separated blob.
func (r Result) StdoutText() string {
	return strings.Join(r.Stdout, "\n")
}

// StderrText returns stderr joined back into one newline-separated blob.
func (r Result) StderrText() string {
	return strings.Join(r.Stderr, "\n")
}

// Runner executes a command on a node. Implementations must never panic on
// transport failures; those are reported through the synthetic exit status.
type Runner interface {
	Run(ctx context.Context, node fleet.Node, command string) Result
}

// SSHRunner is the production Runner. Key auth is preferred, password is the
// fallback. Host keys are not verified and never recorded: the fleet is
// operator-controlled and a changed host key must not block automation.
type SSHRunner struct {
	// DefaultKeyFile is used when the node descriptor sets no key of its own.
	DefaultKeyFile string

	// Timeout bounds the whole exchange when the caller's context carries
	// no earlier deadline.
	Timeout time.Duration
}

// NewRunner returns an SSHRunner with the given defaults.
func NewRunner(defaultKeyFile string, timeout time.Duration) *SSHRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &SSHRunner{DefaultKeyFile: defaultKeyFile, Timeout: timeout}
}

// Run executes command on node. Transport failures surface as a synthetic
// exit status with the reason on stderr, never as a panic or mixed stream.
func (r *SSHRunner) Run(ctx context.Context, node fleet.Node, command string) Result {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(r.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	client, err := r.dial(ctx, node, time.Until(deadline))
	if err != nil {
		return synthetic(fmt.Sprintf("connect %s: %v", node.Host, err))
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return synthetic(fmt.Sprintf("session %s: %v", node.Host, err))
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	err, timedOut := awaitCommand(ctx, done, func() { _ = client.Close() })
	if timedOut {
		res := synthetic(fmt.Sprintf("timeout on %s: %v", node.Host, err))
		res.Stderr = append(splitLines(stderr.String()), res.Stderr...)
		return res
	}

	res := Result{
		Stdout: splitLines(stdout.String()),
		Stderr: splitLines(stderr.String()),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
		} else {
			res.ExitStatus = SyntheticExitStatus
			res.Stderr = append(res.Stderr, err.Error())
		}
	}

	return res
}

// awaitCommand waits for the command goroutine or the context, whichever
// fires first. On expiry it calls abort to tear the transport down and then
// drains done: the session's output copiers keep writing into the buffers
// until the command goroutine returns, so reading them any earlier races.
func awaitCommand(ctx context.Context, done <-chan error, abort func()) (err error, timedOut bool) {
	select {
	case err = <-done:
		return err, false
	case <-ctx.Done():
		abort()
		<-done
		return ctx.Err(), true
	}
}

func (r *SSHRunner) dial(ctx context.Context, node fleet.Node, timeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            node.User,
		Auth:            r.authMethods(node),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(node.Host, fmt.Sprintf("%d", node.Port))

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return ssh.NewClient(c, chans, reqs), nil
}

// authMethods builds the auth chain: node key, panel default key, password.
func (r *SSHRunner) authMethods(node fleet.Node) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	for _, path := range []string{node.KeyFile, r.DefaultKeyFile} {
		if path == "" {
			continue
		}
		signer, err := loadSigner(path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Skipping unusable SSH key")
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
		break
	}

	if node.Password != "" {
		methods = append(methods, ssh.Password(node.Password))
	}

	return methods
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ssh.ParsePrivateKey(data)
}

func synthetic(reason string) Result {
	return Result{
		ExitStatus: SyntheticExitStatus,
		Stderr:     []string{reason},
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}

	return strings.Split(s, "\n")
}

// QuoteArg single-quotes an untrusted value for safe embedding in a remote
// command line. Usernames are the only untrusted field that ever crosses
// this boundary.
func QuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
