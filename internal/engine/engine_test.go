package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripdesk/internal/approval"
	"tripdesk/internal/config"
	"tripdesk/internal/db"
	"tripdesk/internal/domain"
	"tripdesk/internal/engine"
	"tripdesk/internal/events"
	"tripdesk/internal/metrics"
	"tripdesk/internal/migrate"
	"tripdesk/internal/repo"
	"tripdesk/internal/session"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Session domain.Session
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")

	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	s, err := eng.CreateSession(ctx, "sess-1", "Kyoto in spring", "tester")
	require.NoError(t, err, "create session")
	return testEnv{Engine: eng, Ctx: ctx, Session: s}
}

const budgetBody = `{"totalBudget":1500,"breakdown":[{"category":"Lodging","amount":900,"percentage":60},{"category":"Food","amount":600,"percentage":40}],"currency":"USD"}`

func a2a(body string) domain.MessageEvent {
	return domain.TextResult(domain.A2ACapability, domain.A2AResponsePrefix+body)
}

func eventTypes(t *testing.T, env testEnv) []string {
	t.Helper()
	evts, err := env.Engine.ListEvents(env.Ctx, env.Session.ID, 100, 0)
	require.NoError(t, err)
	var out []string
	for i := len(evts) - 1; i >= 0; i-- {
		out = append(out, evts[i].Type)
	}
	return out
}

func TestAppendMessageKeepsOrder(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{
		`{"destination":"Kyoto","itinerary":[{"day":1}]}`,
		`{"destination":"Kyoto","forecast":[{"day":1}]}`,
	} {
		_, _, err := env.Engine.AppendMessage(env.Ctx, env.Session.ID, a2a(body), "agent")
		require.NoError(t, err)
	}
	_, _, err := env.Engine.AppendMessage(env.Ctx, env.Session.ID, domain.MessageEvent{Type: "text", Name: "assistant"}, "agent")
	require.NoError(t, err)

	msgs, err := env.Engine.ListMessages(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
	assert.Equal(t, domain.A2ACapability, msgs[0].Event.Name)
	assert.Empty(t, msgs[2].Event.Result)

	view, err := env.Engine.Display(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kyoto", view.Display.Itinerary.Destination)
	assert.Equal(t, "Kyoto", view.Display.Weather.Destination)
	assert.Nil(t, view.Display.Budget)
}

func TestBudgetWaitsForApproval(t *testing.T) {
	env := newTestEnv(t)
	_, report, err := env.Engine.AppendMessage(env.Ctx, env.Session.ID, a2a(budgetBody), "agent")
	require.NoError(t, err)
	assert.Equal(t, []string{"budget-1500"}, report.Pending())

	view, err := env.Engine.Display(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Display.Budget)
	assert.Empty(t, view.Scan.Requested, "pending record is created once")

	res, err := env.Engine.Approve(env.Ctx, env.Session.ID, "budget-1500", "traveler", "")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.ApprovalApproved, res.Approval.Status())
	assert.Equal(t, 1500.0, res.Approval.TotalBudget)
	assert.Equal(t, "traveler", res.Approval.DecidedBy)

	view, err = env.Engine.Display(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Display.Budget)
	assert.Equal(t, "USD", view.Display.Budget.Currency)
	assert.Len(t, view.Display.Budget.Breakdown, 2)

	assert.Equal(t, []string{
		events.SessionCreated,
		events.MessageAppended,
		events.ApprovalRequested,
		events.ApprovalApproved,
	}, eventTypes(t, env))
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.AppendMessage(env.Ctx, env.Session.ID, a2a(budgetBody), "agent")
	require.NoError(t, err)

	res, err := env.Engine.Reject(env.Ctx, env.Session.ID, "budget-1500", "traveler", "too much")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, res.Approval.Status())
	assert.Equal(t, "too much", res.Approval.Message)

	res, err = env.Engine.Reject(env.Ctx, env.Session.ID, "budget-1500", "traveler", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = env.Engine.Approve(env.Ctx, env.Session.ID, "budget-1500", "traveler", "")
	require.ErrorIs(t, err, approval.ErrAlreadyDecided)

	view, err := env.Engine.Display(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Display.Budget)

	rec, err := env.Engine.GetApproval(env.Ctx, env.Session.ID, "budget-1500")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, rec.Status())

	evts, err := env.Engine.ListEvents(env.Ctx, env.Session.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.ApprovalRejected, evts[0].Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(evts[0].Payload), &payload))
	assert.Equal(t, false, payload["approved"])
	assert.Equal(t, "too much", payload["message"])
	assert.Equal(t, 1500.0, payload["total_budget"])
}

func TestUnseenApprovalIsPending(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.GetApproval(env.Ctx, env.Session.ID, "budget-42")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, rec.Status())
	assert.Equal(t, env.Session.ID, rec.SessionID)

	list, err := env.Engine.ListApprovals(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApprovalsAreScopedToSession(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.CreateSession(env.Ctx, "", "", "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, other.ID)

	for _, id := range []string{env.Session.ID, other.ID} {
		_, _, err := env.Engine.AppendMessage(env.Ctx, id, a2a(budgetBody), "agent")
		require.NoError(t, err)
	}
	_, err = env.Engine.Approve(env.Ctx, env.Session.ID, "budget-1500", "traveler", "")
	require.NoError(t, err)

	rec, err := env.Engine.GetApproval(env.Ctx, other.ID, "budget-1500")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, rec.Status())
}

func TestMissingSession(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.AppendMessage(env.Ctx, "nope", a2a(budgetBody), "agent")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Approve(env.Ctx, "nope", "budget-1500", "traveler", "")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Display(env.Ctx, "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.ListEvents(env.Ctx, "nope", 10, 0)
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, env.Engine.DeleteSession(env.Ctx, "nope", "tester"), repo.ErrNotFound)
}

func TestInvalidKeyIsRefused(t *testing.T) {
	env := newTestEnv(t)
	for _, key := range []string{"budget-1e3", "budget-NaN", "budget-Inf", "trip-1"} {
		_, err := env.Engine.Approve(env.Ctx, env.Session.ID, key, "traveler", "")
		require.ErrorIs(t, err, approval.ErrInvalidKey, key)
	}
	list, err := env.Engine.ListApprovals(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteSessionRecordsEvent(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.AppendMessage(env.Ctx, env.Session.ID, a2a(budgetBody), "agent")
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteSession(env.Ctx, env.Session.ID, "tester"))
	_, err = env.Engine.GetSession(env.Ctx, env.Session.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 1, 0, repo.EventFilter{SessionID: env.Session.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.SessionDeleted, evts[0].Type)
	assert.Equal(t, events.KindSession, evts[0].EntityKind)
	assert.Equal(t, "tester", evts[0].ActorID)
}

func TestDefaultDecisionMessages(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Approve(env.Ctx, env.Session.ID, "budget-10", "traveler", "")
	require.NoError(t, err)
	assert.Equal(t, session.DefaultApprovedMessage, res.Approval.Message)
}

func TestClassifyIsStateless(t *testing.T) {
	env := newTestEnv(t)
	p, reason := env.Engine.Classify(a2a(budgetBody))
	assert.Empty(t, reason)
	assert.Equal(t, domain.KindBudget, p.Kind)

	list, err := env.Engine.ListApprovals(env.Ctx, env.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestDecisionCountedOnlyWhenRecorded(t *testing.T) {
	env := newTestEnv(t)
	rejected := metrics.ApprovalsDecided.WithLabelValues(string(domain.ApprovalRejected))
	before := counterValue(t, rejected)

	_, err := env.Engine.Reject(env.Ctx, env.Session.ID, "budget-1e3", "traveler", "")
	require.ErrorIs(t, err, approval.ErrInvalidKey)
	assert.Equal(t, before, counterValue(t, rejected))

	_, err = env.Engine.Reject(env.Ctx, env.Session.ID, "budget-1000", "traveler", "")
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, rejected))

	res, err := env.Engine.Reject(env.Ctx, env.Session.ID, "budget-1000", "traveler", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, before+1, counterValue(t, rejected))
}
