package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skaldin/vigil/internal/bus"
	"github.com/skaldin/vigil/internal/cache"
	"github.com/skaldin/vigil/internal/config"
	"github.com/skaldin/vigil/internal/models"
)

type fakeKicker struct {
	lastReq models.KickRequest
	result  models.KickResult
}

func (f *fakeKicker) Kick(_ context.Context, req models.KickRequest) models.KickResult {
	f.lastReq = req
	return f.result
}

type fakeSyncer struct {
	snap      models.Snapshot
	err       error
	synced    []string
	refreshed []string
}

func (f *fakeSyncer) SyncNode(_ context.Context, nodeID string) (models.Snapshot, error) {
	f.synced = append(f.synced, nodeID)
	return f.snap, f.err
}

func (f *fakeSyncer) RefreshAfterDisconnect(_ context.Context, nodeID string) {
	f.refreshed = append(f.refreshed, nodeID)
}

type fakeStore struct {
	statuses []models.NodeStatus
	audit    []models.KickAudit
}

func (f *fakeStore) GetNodeStatuses() ([]models.NodeStatus, error) { return f.statuses, nil }

func (f *fakeStore) GetNodeStatus(nodeID string) (*models.NodeStatus, error) {
	for i := range f.statuses {
		if f.statuses[i].NodeID == nodeID {
			return &f.statuses[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListKickAudit(limit int) ([]models.KickAudit, error) {
	if limit < len(f.audit) {
		return f.audit[:limit], nil
	}
	return f.audit, nil
}

func testConfig(operators ...string) *config.Config {
	return &config.Config{
		Server: config.Server{
			AuthToken:   "secret",
			Operators:   operators,
			MaxBodySize: 4096,
		},
		RateLimit: config.RateLimit{HardLimitCount: 100, HardLimitWin: time.Minute},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, kicker Kicker, syncer Syncer, store Store) (*Server, http.Handler) {
	t.Helper()

	snapshots := cache.New(time.Minute)
	t.Cleanup(snapshots.Close)
	events := bus.New()
	t.Cleanup(events.Close)

	srv := New(store, snapshots, kicker, syncer, events, cfg)
	t.Cleanup(srv.Close)

	return srv, srv.Run()
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer secret")
	return req
}

func TestKickEndpoint(t *testing.T) {
	t.Parallel()

	kicker := &fakeKicker{result: models.KickResult{Success: true, KickedCount: 1, TotalSessions: 1, Errors: []string{}}}
	_, handler := newTestServer(t, testConfig(), kicker, &fakeSyncer{}, &fakeStore{})

	body := `{"target_username":"alice","reason":"abuse","initiated_by":"admin"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/kick", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result models.KickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.KickedCount)
	assert.Equal(t, "alice", kicker.lastReq.TargetUser)
}

func TestKickEndpoint_RefreshesKickedNodes(t *testing.T) {
	t.Parallel()

	kicker := &fakeKicker{result: models.KickResult{
		Success:     true,
		KickedCount: 1,
		Errors:      []string{},
		Attempts: []models.NodeAttempt{
			{NodeID: "ams-1", Outcome: models.OutcomeKicked},
			{NodeID: "fra-1", Outcome: models.OutcomeNoSession},
		},
	}}
	syncer := &fakeSyncer{}
	_, handler := newTestServer(t, testConfig(), kicker, syncer, &fakeStore{})

	body := `{"target_username":"alice","initiated_by":"admin"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/kick", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	// Only the node that lost a session gets the immediate refresh.
	assert.Equal(t, []string{"ams-1"}, syncer.refreshed)
	assert.Empty(t, syncer.synced)
}

func TestKickEndpoint_AuthRequired(t *testing.T) {
	t.Parallel()

	_, handler := newTestServer(t, testConfig(), &fakeKicker{}, &fakeSyncer{}, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/kick", strings.NewReader(`{"target_username":"alice"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKickEndpoint_OperatorWhitelist(t *testing.T) {
	t.Parallel()

	kicker := &fakeKicker{}
	_, handler := newTestServer(t, testConfig("admin"), kicker, &fakeSyncer{}, &fakeStore{})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/kick",
		strings.NewReader(`{"target_username":"alice","initiated_by":"intruder"}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = authed(httptest.NewRequest(http.MethodPost, "/api/kick",
		strings.NewReader(`{"target_username":"alice","initiated_by":"admin"}`)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestKickEndpoint_MissingTarget(t *testing.T) {
	t.Parallel()

	_, handler := newTestServer(t, testConfig(), &fakeKicker{}, &fakeSyncer{}, &fakeStore{})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/kick", strings.NewReader(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFleetEndpoint(t *testing.T) {
	t.Parallel()

	store := &fakeStore{statuses: []models.NodeStatus{
		{NodeID: "ams-1", SessionCount: 2, Reachable: true},
		{NodeID: "fra-1", Reachable: false},
	}}
	srv, handler := newTestServer(t, testConfig(), &fakeKicker{}, &fakeSyncer{}, store)

	srv.cache.PutRate("ams-1", models.RateSample{NodeID: "ams-1", MbpsUp: 1.25, MbpsDown: 2.5})

	req := authed(httptest.NewRequest(http.MethodGet, "/api/fleet", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var overview fleetOverview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Len(t, overview.Nodes, 2)
	require.Len(t, overview.Rates, 1)
	assert.Equal(t, 1.25, overview.TotalMbpsUp)
	assert.Equal(t, 2.5, overview.TotalMbpsDown)
}

func TestNodeEndpoint_CachedAndSync(t *testing.T) {
	t.Parallel()

	store := &fakeStore{statuses: []models.NodeStatus{{NodeID: "ams-1", Reachable: true}}}
	syncer := &fakeSyncer{}
	srv, handler := newTestServer(t, testConfig(), &fakeKicker{}, syncer, store)

	srv.cache.PutSnapshot("ams-1", models.Snapshot{NodeID: "ams-1", Totals: models.Totals{Recv: 7}})

	// Cached read, no sync.
	req := authed(httptest.NewRequest(http.MethodGet, "/api/node?id=ams-1", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, syncer.synced)

	var detail nodeDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.NotNil(t, detail.Snapshot)
	assert.Equal(t, int64(7), detail.Snapshot.Totals.Recv)

	// Forced sync.
	req = authed(httptest.NewRequest(http.MethodGet, "/api/node?id=ams-1&sync=1", nil))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ams-1"}, syncer.synced)
}

func TestNodeEndpoint_NotFound(t *testing.T) {
	t.Parallel()

	_, handler := newTestServer(t, testConfig(), &fakeKicker{}, &fakeSyncer{}, &fakeStore{})

	req := authed(httptest.NewRequest(http.MethodGet, "/api/node?id=ghost", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	t.Parallel()

	store := &fakeStore{audit: []models.KickAudit{
		{ID: "1", TargetUser: "alice", Outcome: models.OutcomeKicked},
		{ID: "2", TargetUser: "bob", Outcome: models.OutcomeFailed},
	}}
	_, handler := newTestServer(t, testConfig(), &fakeKicker{}, &fakeSyncer{}, store)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/audit?limit=1", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var entries []models.KickAudit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

func TestServerClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv, handler := newTestServer(t, testConfig(), &fakeKicker{}, &fakeSyncer{}, &fakeStore{})

	// Close stops the limiter janitor; a second Close must be a no-op,
	// and in-flight request handling keeps working.
	srv.Close()
	srv.Close()

	req := authed(httptest.NewRequest(http.MethodGet, "/api/fleet", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersionEndpoint_NoAuth(t *testing.T) {
	t.Parallel()

	_, handler := newTestServer(t, testConfig(), &fakeKicker{}, &fakeSyncer{}, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
