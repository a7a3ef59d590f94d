package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripdesk/internal/approval"
	"tripdesk/internal/classify"
	"tripdesk/internal/display"
	"tripdesk/internal/domain"
	"tripdesk/internal/session"
)

const budgetBody = `{"totalBudget":1500,"breakdown":[{"category":"Lodging","amount":900,"percentage":60},{"category":"Food","amount":600,"percentage":40}],"currency":"USD"}`

type recorder struct {
	itinerary  []*domain.Itinerary
	budget     []*domain.Budget
	weather    []*domain.Weather
	restaurant []*domain.Restaurant
}

func (r *recorder) OnItineraryUpdate(v *domain.Itinerary)   { r.itinerary = append(r.itinerary, v) }
func (r *recorder) OnBudgetUpdate(v *domain.Budget)         { r.budget = append(r.budget, v) }
func (r *recorder) OnWeatherUpdate(v *domain.Weather)       { r.weather = append(r.weather, v) }
func (r *recorder) OnRestaurantUpdate(v *domain.Restaurant) { r.restaurant = append(r.restaurant, v) }

func a2a(body string) domain.MessageEvent {
	return domain.TextResult(domain.A2ACapability, domain.A2AResponsePrefix+body)
}

func TestBudgetApprovalEndToEnd(t *testing.T) {
	ctx := context.Background()
	c := classify.New(classify.DefaultOptions(), nil)
	history := []domain.MessageEvent{a2a(budgetBody)}

	t.Run("approve", func(t *testing.T) {
		g := approval.NewGate(approval.NewMemoryStore(), nil)
		rec := &recorder{}

		report, err := session.Scan(ctx, history, c, g, rec, nil)
		require.NoError(t, err)
		assert.Empty(t, rec.budget)
		assert.Equal(t, []string{"budget-1500"}, report.Pending())
		require.Len(t, report.Requested, 1)

		_, err = g.RecordApproval(ctx, "budget-1500")
		require.NoError(t, err)
		report, err = session.Scan(ctx, history, c, g, rec, nil)
		require.NoError(t, err)
		require.Len(t, rec.budget, 1)
		assert.Equal(t, 1500.0, rec.budget[0].TotalBudget)
		assert.Equal(t, "USD", rec.budget[0].Currency)
		assert.Len(t, rec.budget[0].Breakdown, 2)
		assert.JSONEq(t, budgetBody, string(rec.budget[0].Raw))
		assert.Empty(t, report.Pending())
		assert.Empty(t, report.Requested)
	})

	t.Run("reject", func(t *testing.T) {
		g := approval.NewGate(approval.NewMemoryStore(), nil)
		rec := &recorder{}

		_, err := session.Scan(ctx, history, c, g, rec, nil)
		require.NoError(t, err)
		_, err = g.RecordRejection(ctx, "budget-1500")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err = session.Scan(ctx, history, c, g, rec, nil)
			require.NoError(t, err)
		}
		assert.Empty(t, rec.budget)

		state, err := g.Lookup(ctx, "budget-1500")
		require.NoError(t, err)
		assert.Equal(t, domain.ApprovalRejected, state.Status())
	})
}

func TestRescanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := session.New(rec)

	_, err := s.Append(ctx, a2a(`{"destination":"Tokyo","itinerary":[{"day":1}]}`))
	require.NoError(t, err)
	require.Len(t, rec.itinerary, 1)
	first := rec.itinerary[0]

	report, err := s.Append(ctx, domain.MessageEvent{Type: "text", Name: "assistant"})
	require.NoError(t, err)
	require.Len(t, rec.itinerary, 2)
	assert.Equal(t, first, rec.itinerary[1])
	require.Len(t, report.Items, 1)
	assert.Equal(t, domain.KindItinerary, report.Items[0].Kind)
	assert.True(t, report.Items[0].Forwarded)
}

func TestSessionRoutesEveryKind(t *testing.T) {
	ctx := context.Background()
	board := &display.Board{}
	s := session.New(board)

	report, err := s.Append(ctx,
		a2a(`{"destination":"Paris","itinerary":[{"day":1}]}`),
		a2a(`{"destination":"Paris","forecast":[{"day":1,"high":21}]}`),
		a2a(`{"destination":"Paris","meals":[{"day":1}]}`),
		a2a(budgetBody),
		a2a(`{not json`),
		domain.TextResult("other_tool", `{"destination":"Paris","meals":[]}`),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discarded)
	assert.Len(t, report.Items, 4)

	snap := board.Snapshot()
	assert.Equal(t, "Paris", snap.Itinerary.Destination)
	assert.Equal(t, "Paris", snap.Weather.Destination)
	assert.Equal(t, "Paris", snap.Restaurant.Destination)
	assert.Nil(t, snap.Budget)

	_, err = s.Approve(ctx, "budget-1500", "")
	require.NoError(t, err)
	snap = board.Snapshot()
	require.NotNil(t, snap.Budget)
	assert.Equal(t, 1500.0, snap.Budget.TotalBudget)

	s.Clear()
	assert.Equal(t, display.Snapshot{}, board.Snapshot())
}

func TestApproveSubmitsDecisionOnce(t *testing.T) {
	ctx := context.Background()
	type call struct {
		key string
		d   domain.Decision
	}
	var calls []call
	rec := &recorder{}
	s := session.New(rec, session.WithResponder(func(_ context.Context, key string, d domain.Decision) error {
		calls = append(calls, call{key, d})
		return nil
	}))

	_, err := s.Append(ctx, a2a(budgetBody))
	require.NoError(t, err)

	state, err := s.Approval(ctx, "budget-1500")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, state.Status())

	state, err = s.Approve(ctx, "budget-1500", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, state.Status())
	require.Len(t, rec.budget, 1)

	_, err = s.Approve(ctx, "budget-1500", "")
	require.NoError(t, err)
	_, err = s.Reject(ctx, "budget-1500", "changed my mind")
	require.ErrorIs(t, err, approval.ErrAlreadyDecided)

	require.Len(t, calls, 1)
	assert.Equal(t, "budget-1500", calls[0].key)
	assert.Equal(t, domain.Decision{Approved: true, Message: session.DefaultApprovedMessage}, calls[0].d)
	assert.Len(t, rec.budget, 1)
}

func TestRejectedBudgetRevisedUnderNewTotal(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := session.New(rec)

	_, err := s.Append(ctx, a2a(budgetBody))
	require.NoError(t, err)
	_, err = s.Reject(ctx, "budget-1500", "too expensive")
	require.NoError(t, err)

	report, err := s.Append(ctx, a2a(`{"totalBudget":1200,"breakdown":[{"category":"Lodging","amount":700,"percentage":58.3}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"budget-1200"}, report.Pending())
	assert.Empty(t, rec.budget)

	_, err = s.Approve(ctx, "budget-1200", "")
	require.NoError(t, err)
	require.Len(t, rec.budget, 1)
	assert.Equal(t, 1200.0, rec.budget[0].TotalBudget)
}

func TestApproveRetriesAfterResponderFailure(t *testing.T) {
	ctx := context.Background()
	unavailable := errors.New("orchestrator unavailable")
	var sent []domain.Decision
	fail := true
	board := &display.Board{}
	s := session.New(board, session.WithResponder(func(_ context.Context, _ string, d domain.Decision) error {
		if fail {
			fail = false
			return unavailable
		}
		sent = append(sent, d)
		return nil
	}))

	_, err := s.Append(ctx, a2a(budgetBody))
	require.NoError(t, err)

	_, err = s.Approve(ctx, "budget-1500", "")
	require.ErrorIs(t, err, unavailable)
	state, err := s.Approval(ctx, "budget-1500")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, state.Status())
	assert.Nil(t, board.Snapshot().Budget)

	state, err = s.Approve(ctx, "budget-1500", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, state.Status())
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Approved)
	require.NotNil(t, board.Snapshot().Budget)
	assert.Equal(t, 1500.0, board.Snapshot().Budget.TotalBudget)
}
