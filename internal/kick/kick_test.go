package kick

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skaldin/vigil/internal/fleet"
	"github.com/skaldin/vigil/internal/models"
	"github.com/skaldin/vigil/internal/sshexec"
)

type staticResolver map[string][]fleet.Node

func (r staticResolver) NodesFor(username string) []fleet.Node { return r[username] }

// fakeProtocol scripts management responses per node.
type fakeProtocol struct {
	statusByNode map[string]string
	statusErr    map[string]error
	killResp     map[string]string
	killErr      map[string]error
	killCalls    []string
}

func (f *fakeProtocol) Status(_ context.Context, node fleet.Node) (string, error) {
	if err := f.statusErr[node.ID]; err != nil {
		return "", err
	}
	return f.statusByNode[node.ID], nil
}

func (f *fakeProtocol) WgDump(_ context.Context, node fleet.Node) (string, error) {
	return f.Status(context.Background(), node)
}

func (f *fakeProtocol) Kill(_ context.Context, node fleet.Node, name string) (string, error) {
	f.killCalls = append(f.killCalls, node.ID+"/kill/"+name)
	if err := f.killErr[node.ID]; err != nil {
		return "", err
	}
	return f.killResp[node.ID], nil
}

func (f *fakeProtocol) ClientKill(_ context.Context, node fleet.Node, clientID string) (string, error) {
	f.killCalls = append(f.killCalls, node.ID+"/client-kill/"+clientID)
	if err := f.killErr[node.ID]; err != nil {
		return "", err
	}
	return f.killResp[node.ID], nil
}

// scriptedRunner returns results per command substring.
type scriptedRunner struct {
	exitByMatch   map[string]int
	stderrByMatch map[string][]string
	commands      []string
}

func (r *scriptedRunner) Run(_ context.Context, _ fleet.Node, command string) sshexec.Result {
	r.commands = append(r.commands, command)
	for match, exit := range r.exitByMatch {
		if strings.Contains(command, match) {
			return sshexec.Result{ExitStatus: exit, Stderr: r.stderrByMatch[match]}
		}
	}
	return sshexec.Result{}
}

type memAudit struct {
	entries []models.KickAudit
	fail    bool
}

func (m *memAudit) InsertKickAudit(entry models.KickAudit) error {
	if m.fail {
		return errors.New("db closed")
	}
	m.entries = append(m.entries, entry)
	return nil
}

func ovpnNode(id string) fleet.Node {
	return fleet.Node{ID: id, Host: id + ".example", Port: 22, Kind: fleet.KindOpenVPN, MgmtPort: 7505}
}

const aliceStatus = "CLIENT_LIST,alice,1.2.3.4:5000,10.0.0.2,,1000,2000,Mon Jan 1 00:00:00 2024,1704067200,alice,CID7,PID1,AES\nEND"

func request() models.KickRequest {
	return models.KickRequest{TargetUser: "alice", InitiatedBy: "admin", Reason: "abuse"}
}

func TestKick_ProtocolSuccess(t *testing.T) {
	t.Parallel()

	proto := &fakeProtocol{
		statusByNode: map[string]string{"ams-1": aliceStatus},
		killResp:     map[string]string{"ams-1": "SUCCESS: 1 client(s) killed"},
	}
	audit := &memAudit{}
	svc := New(staticResolver{"alice": {ovpnNode("ams-1")}}, proto, &scriptedRunner{}, audit)

	result := svc.Kick(context.Background(), request())

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.KickedCount)
	assert.Equal(t, 1, result.TotalSessions)
	assert.Empty(t, result.Errors)

	// Client-id kill preferred over display name.
	require.Len(t, proto.killCalls, 1)
	assert.Equal(t, "ams-1/client-kill/CID7", proto.killCalls[0])

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.OutcomeKicked, audit.entries[0].Outcome)
	assert.Equal(t, "admin", audit.entries[0].InitiatedBy)
}

func TestKick_FallbackAndMixedNodes(t *testing.T) {
	t.Parallel()

	// Node A protocol kill fails, process kill succeeds; node B protocol
	// kill succeeds. Overall: success, 2 kicked, no errors, 2 audit rows.
	proto := &fakeProtocol{
		statusByNode: map[string]string{"ams-1": aliceStatus, "fra-1": aliceStatus},
		killErr:      map[string]error{"ams-1": errors.New("management socket reset")},
		killResp:     map[string]string{"fra-1": "SUCCESS: 1 client(s) killed"},
	}
	runner := &scriptedRunner{}
	audit := &memAudit{}
	svc := New(staticResolver{"alice": {ovpnNode("ams-1"), ovpnNode("fra-1")}}, proto, runner, audit)

	result := svc.Kick(context.Background(), request())

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.KickedCount)
	assert.Equal(t, 2, result.TotalSessions)
	assert.Empty(t, result.Errors)
	assert.Len(t, audit.entries, 2)

	// The fallback ran exactly once, with the username escaped.
	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "pkill -TERM -f -- 'alice'")
}

func TestKick_AllStrategiesFail(t *testing.T) {
	t.Parallel()

	proto := &fakeProtocol{
		statusByNode: map[string]string{"ams-1": aliceStatus},
		killResp:     map[string]string{"ams-1": "ERROR: common name not found"},
	}
	runner := &scriptedRunner{exitByMatch: map[string]int{"pkill": 1}}
	audit := &memAudit{}
	svc := New(staticResolver{"alice": {ovpnNode("ams-1")}}, proto, runner, audit)

	result := svc.Kick(context.Background(), request())

	assert.False(t, result.Success)
	assert.Zero(t, result.KickedCount)
	assert.Equal(t, 1, result.TotalSessions)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "ams-1")

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.OutcomeFailed, audit.entries[0].Outcome)
}

func TestKick_NoActiveSessions(t *testing.T) {
	t.Parallel()

	proto := &fakeProtocol{statusByNode: map[string]string{"ams-1": "TITLE,OpenVPN\nEND"}}
	audit := &memAudit{}
	svc := New(staticResolver{"alice": {ovpnNode("ams-1")}}, proto, &scriptedRunner{}, audit)

	result := svc.Kick(context.Background(), request())

	assert.False(t, result.Success)
	assert.Zero(t, result.KickedCount)
	assert.Zero(t, result.TotalSessions)
	assert.Empty(t, result.Errors, "no session is not an error")

	require.Len(t, result.Attempts, 1)
	assert.Equal(t, models.OutcomeNoSession, result.Attempts[0].Outcome)
	assert.Len(t, audit.entries, 1)
}

func TestKick_UnknownUser(t *testing.T) {
	t.Parallel()

	audit := &memAudit{}
	svc := New(staticResolver{}, &fakeProtocol{}, &scriptedRunner{}, audit)

	result := svc.Kick(context.Background(), request())

	assert.False(t, result.Success)
	assert.Empty(t, result.Errors)
	require.Len(t, audit.entries, 1)
	assert.Empty(t, audit.entries[0].NodeID)
}

func TestKick_StatusFailureStillTriesProcessKill(t *testing.T) {
	t.Parallel()

	proto := &fakeProtocol{statusErr: map[string]error{"ams-1": errors.New("connect timeout")}}
	runner := &scriptedRunner{}
	audit := &memAudit{}
	svc := New(staticResolver{"alice": {ovpnNode("ams-1")}}, proto, runner, audit)

	result := svc.Kick(context.Background(), request())

	assert.True(t, result.Success)
	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "pkill")
	assert.Equal(t, models.KickMethodProcess, result.Attempts[0].Method)
}

func TestKick_NodeErrorWhenNodeUnreachable(t *testing.T) {
	t.Parallel()

	// Status lookup and the process-kill fallback both fail: the node
	// itself is the problem, and the attempt says so.
	proto := &fakeProtocol{statusErr: map[string]error{"ams-1": errors.New("connect timeout")}}
	runner := &scriptedRunner{
		exitByMatch:   map[string]int{"pkill": sshexec.SyntheticExitStatus},
		stderrByMatch: map[string][]string{"pkill": {"connect ams-1.example: connection refused"}},
	}
	audit := &memAudit{}
	svc := New(staticResolver{"alice": {ovpnNode("ams-1")}}, proto, runner, audit)

	result := svc.Kick(context.Background(), request())

	assert.False(t, result.Success)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, models.OutcomeNodeError, result.Attempts[0].Outcome)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "connection refused")

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.OutcomeNodeError, audit.entries[0].Outcome)
}

func TestProtocolKill_WireGuardFailureReportsStderr(t *testing.T) {
	t.Parallel()

	// wg writes its failure reason to stderr; the error must carry it.
	runner := &scriptedRunner{
		exitByMatch:   map[string]int{"wg set": 1},
		stderrByMatch: map[string][]string{"wg set": {"Unable to modify interface: Operation not permitted"}},
	}
	svc := New(staticResolver{}, &fakeProtocol{}, runner, &memAudit{})
	node := fleet.Node{ID: "fra-1", Kind: fleet.KindWireGuard, WgIface: "wg0"}

	_, err := svc.protocolKill(context.Background(), node, models.Session{PeerID: "pubkey"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Operation not permitted")
}

func TestKick_WireGuardPeerRemove(t *testing.T) {
	t.Parallel()

	wgDump := "privkey\tpubself\t51820\toff\n" +
		"alice\t(none)\t203.0.113.5:51821\t10.8.0.2/32\t1704067200\t10\t20\t25\n"

	proto := &fakeProtocol{statusByNode: map[string]string{"fra-1": wgDump}}
	runner := &scriptedRunner{}
	audit := &memAudit{}
	node := fleet.Node{ID: "fra-1", Host: "fra.example", Port: 22, Kind: fleet.KindWireGuard, WgIface: "wg0"}
	svc := New(staticResolver{"alice": {node}}, proto, runner, audit)

	result := svc.Kick(context.Background(), request())

	assert.True(t, result.Success)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "wg set 'wg0' peer 'alice' remove", runner.commands[0])
	assert.Equal(t, models.KickMethodMgmt, result.Attempts[0].Method)
}

func TestKick_AuditFailureDoesNotFailKick(t *testing.T) {
	t.Parallel()

	proto := &fakeProtocol{
		statusByNode: map[string]string{"ams-1": aliceStatus},
		killResp:     map[string]string{"ams-1": "SUCCESS"},
	}
	svc := New(staticResolver{"alice": {ovpnNode("ams-1")}}, proto, &scriptedRunner{}, &memAudit{fail: true})

	result := svc.Kick(context.Background(), request())
	assert.True(t, result.Success)
}
