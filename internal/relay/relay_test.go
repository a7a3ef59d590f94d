package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripdesk/internal/config"
	"tripdesk/internal/db"
	"tripdesk/internal/domain"
	"tripdesk/internal/engine"
	"tripdesk/internal/events"
	"tripdesk/internal/migrate"
	"tripdesk/internal/relay"
)

type delivery struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu     sync.Mutex
	got    []delivery
	status int
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.status != 0 {
		w.WriteHeader(rc.status)
		return
	}
	rc.got = append(rc.got, delivery{header: r.Header.Clone(), body: body})
}

func (rc *receiver) deliveries() []delivery {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]delivery(nil), rc.got...)
}

func (rc *receiver) setStatus(code int) {
	rc.mu.Lock()
	rc.status = code
	rc.mu.Unlock()
}

func newEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(conn, cfg, nil)
}

const budgetBody = `{"totalBudget":900,"breakdown":[{"category":"Lodging","amount":900,"percentage":100}]}`

func TestRelayPostsDecisionToOrchestrator(t *testing.T) {
	orch := &receiver{}
	srv := httptest.NewServer(orch)
	defer srv.Close()

	cfg := config.Default()
	cfg.Orchestrator.ResponseURL = srv.URL
	eng := newEngine(t, cfg)
	ctx := context.Background()

	s, err := eng.CreateSession(ctx, "s1", "", "tester")
	require.NoError(t, err)
	r := relay.New(eng.Repo, cfg, nil)
	assert.Equal(t, []string{"orchestrator"}, r.Targets())
	r.DispatchOnce(ctx)

	_, _, err = eng.AppendMessage(ctx, s.ID, domain.TextResult(domain.A2ACapability, domain.A2AResponsePrefix+budgetBody), "agent")
	require.NoError(t, err)
	r.DispatchOnce(ctx)
	assert.Empty(t, orch.deliveries(), "only decisions reach the orchestrator")

	_, err = eng.Approve(ctx, s.ID, "budget-900", "traveler", "go ahead")
	require.NoError(t, err)
	r.DispatchOnce(ctx)
	r.DispatchOnce(ctx)

	got := orch.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].header.Get("X-Tripdesk-Session"))
	assert.Equal(t, "budget-900", got[0].header.Get("X-Tripdesk-Approval-Key"))
	var d domain.Decision
	require.NoError(t, json.Unmarshal(got[0].body, &d))
	assert.Equal(t, domain.Decision{Approved: true, Message: "go ahead"}, d)
}

func TestRelayRetriesFailedWebhook(t *testing.T) {
	hook := &receiver{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.Webhook{{URL: srv.URL, Events: []string{events.SessionCreated}, Secret: "s3cret"}}
	eng := newEngine(t, cfg)
	ctx := context.Background()

	r := relay.New(eng.Repo, cfg, nil)
	r.DispatchOnce(ctx)

	_, err := eng.CreateSession(ctx, "s1", "first", "tester")
	require.NoError(t, err)
	r.DispatchOnce(ctx)
	assert.Empty(t, hook.deliveries())

	hook.setStatus(0)
	_, err = eng.CreateSession(ctx, "s2", "second", "tester")
	require.NoError(t, err)
	r.DispatchOnce(ctx)

	got := hook.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "s3cret", got[0].header.Get("X-Tripdesk-Secret"))
	var first, second relay.Envelope
	require.NoError(t, json.Unmarshal(got[0].body, &first))
	require.NoError(t, json.Unmarshal(got[1].body, &second))
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, "s2", second.SessionID)
	assert.Equal(t, events.SessionCreated, first.Type)
	assert.JSONEq(t, `{"title":"first"}`, string(first.Payload))
}

func TestRelayWithoutTargetsReturns(t *testing.T) {
	cfg := config.Default()
	eng := newEngine(t, cfg)
	r := relay.New(eng.Repo, cfg, nil)
	assert.Empty(t, r.Targets())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Start(ctx)
}

func TestRelaySendsDecisionRecordedBeforeStart(t *testing.T) {
	orch := &receiver{}
	srv := httptest.NewServer(orch)
	defer srv.Close()

	cfg := config.Default()
	cfg.Orchestrator.ResponseURL = srv.URL
	eng := newEngine(t, cfg)
	ctx := context.Background()

	s, err := eng.CreateSession(ctx, "s1", "", "tester")
	require.NoError(t, err)
	_, _, err = eng.AppendMessage(ctx, s.ID, domain.TextResult(domain.A2ACapability, domain.A2AResponsePrefix+budgetBody), "agent")
	require.NoError(t, err)
	_, err = eng.Reject(ctx, s.ID, "budget-900", "traveler", "too much")
	require.NoError(t, err)

	r := relay.New(eng.Repo, cfg, nil)
	r.DispatchOnce(ctx)
	r.DispatchOnce(ctx)

	got := orch.deliveries()
	require.Len(t, got, 1)
	var d domain.Decision
	require.NoError(t, json.Unmarshal(got[0].body, &d))
	assert.Equal(t, domain.Decision{Approved: false, Message: "too much"}, d)

	stored, ok, err := eng.Repo.RelayCursor(ctx, "orchestrator")
	require.NoError(t, err)
	require.True(t, ok)
	latest, err := eng.Repo.LatestEventID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, latest, stored)
}

func TestRelayResumesFromStoredCursor(t *testing.T) {
	orch := &receiver{}
	srv := httptest.NewServer(orch)
	defer srv.Close()

	cfg := config.Default()
	cfg.Orchestrator.ResponseURL = srv.URL
	eng := newEngine(t, cfg)
	ctx := context.Background()

	s, err := eng.CreateSession(ctx, "s1", "", "tester")
	require.NoError(t, err)
	_, err = eng.Approve(ctx, s.ID, "budget-900", "traveler", "")
	require.NoError(t, err)
	relay.New(eng.Repo, cfg, nil).DispatchOnce(ctx)
	require.Len(t, orch.deliveries(), 1)

	// a decision made while no relay runs
	_, err = eng.Approve(ctx, s.ID, "budget-1200", "traveler", "second")
	require.NoError(t, err)

	relay.New(eng.Repo, cfg, nil).DispatchOnce(ctx)
	got := orch.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "budget-1200", got[1].header.Get("X-Tripdesk-Approval-Key"))
}
