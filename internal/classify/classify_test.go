package classify_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripdesk/internal/classify"
	"tripdesk/internal/domain"
)

func newClassifier() *classify.Classifier {
	return classify.New(classify.DefaultOptions(), nil)
}

func TestClassifyPrefixedAndPlainText(t *testing.T) {
	c := newClassifier()
	body := `{"destination":"Tokyo","forecast":[]}`

	prefixed, reason := c.ClassifyEvent(domain.TextResult(domain.A2ACapability, "A2A Agent Response: "+body))
	require.Empty(t, reason)
	require.Equal(t, domain.KindWeather, prefixed.Kind)
	require.NotNil(t, prefixed.Weather)
	assert.Equal(t, "Tokyo", prefixed.Weather.Destination)
	assert.NotNil(t, prefixed.Weather.Forecast)
	assert.Empty(t, prefixed.Weather.Forecast)

	plain, reason := c.ClassifyEvent(domain.TextResult(domain.A2ACapability, body))
	require.Empty(t, reason)
	assert.Equal(t, prefixed, plain)
}

func TestClassifyObjectResult(t *testing.T) {
	c := newClassifier()
	evt, err := domain.ObjectResult(domain.A2ACapability, map[string]any{
		"destination": "Lisbon",
		"meals":       []any{map[string]any{"day": 1, "lunch": "Time Out Market"}},
	})
	require.NoError(t, err)

	p, reason := c.ClassifyEvent(evt)
	require.Empty(t, reason)
	require.Equal(t, domain.KindRestaurant, p.Kind)
	assert.Equal(t, "Lisbon", p.Restaurant.Destination)
	assert.Len(t, p.Restaurant.Meals, 1)
	assert.JSONEq(t, string(evt.Result), string(p.Raw()))
}

func TestClassifyPriorityOrder(t *testing.T) {
	c := newClassifier()
	body := `{"destination":"Rome","itinerary":[{"day":1}],"totalBudget":900,"breakdown":[],"forecast":[],"meals":[]}`

	p, reason := c.ClassifyEvent(domain.TextResult(domain.A2ACapability, body))
	require.Empty(t, reason)
	assert.Equal(t, domain.KindItinerary, p.Kind)
	assert.Nil(t, p.Budget)

	noItinerary := `{"destination":"Rome","totalBudget":900,"breakdown":[],"forecast":[],"meals":[]}`
	p, reason = c.ClassifyEvent(domain.TextResult(domain.A2ACapability, noItinerary))
	require.Empty(t, reason)
	assert.Equal(t, domain.KindBudget, p.Kind)

	weatherAndMeals := `{"destination":"Rome","forecast":[],"meals":[]}`
	p, reason = c.ClassifyEvent(domain.TextResult(domain.A2ACapability, weatherAndMeals))
	require.Empty(t, reason)
	assert.Equal(t, domain.KindWeather, p.Kind)
}

func TestClassifyBudget(t *testing.T) {
	c := newClassifier()
	body := `{"totalBudget":1500,"currency":"USD","breakdown":[{"category":"Lodging","amount":900,"percentage":60},{"category":"Food","amount":600,"percentage":40}]}`

	p, reason := c.ClassifyEvent(domain.TextResult(domain.A2ACapability, domain.A2AResponsePrefix+body))
	require.Empty(t, reason)
	require.Equal(t, domain.KindBudget, p.Kind)
	assert.Equal(t, 1500.0, p.Budget.TotalBudget)
	assert.Equal(t, "USD", p.Budget.Currency)
	assert.Equal(t, []domain.BudgetCategory{
		{Category: "Lodging", Amount: 900, Percentage: 60},
		{Category: "Food", Amount: 600, Percentage: 40},
	}, p.Budget.Breakdown)
	assert.JSONEq(t, body, string(p.Raw()))
}

func TestClassifyZeroBudget(t *testing.T) {
	body := `{"totalBudget":0,"breakdown":[]}`

	p, reason := newClassifier().ClassifyEvent(domain.TextResult(domain.A2ACapability, body))
	assert.Equal(t, classify.ReasonUnrecognized, reason)
	assert.Equal(t, domain.KindUnrecognized, p.Kind)

	opts := classify.DefaultOptions()
	opts.AllowZeroBudget = true
	p, reason = classify.New(opts, nil).ClassifyEvent(domain.TextResult(domain.A2ACapability, body))
	require.Empty(t, reason)
	assert.Equal(t, domain.KindBudget, p.Kind)
}

func TestClassifyDiscards(t *testing.T) {
	c := newClassifier()
	cases := []struct {
		name   string
		evt    domain.MessageEvent
		reason classify.Reason
	}{
		{"malformed after prefix", domain.TextResult(domain.A2ACapability, "A2A Agent Response: {not json"), classify.ReasonMalformed},
		{"empty text", domain.TextResult(domain.A2ACapability, ""), classify.ReasonMalformed},
		{"plain prose", domain.TextResult(domain.A2ACapability, "Here is your plan!"), classify.ReasonMalformed},
		{"missing result", domain.MessageEvent{Type: domain.ResultEventType, Name: domain.A2ACapability}, classify.ReasonMalformed},
		{"array payload", domain.TextResult(domain.A2ACapability, `[1,2,3]`), classify.ReasonUnrecognized},
		{"unknown shape", domain.TextResult(domain.A2ACapability, `{"hello":"world"}`), classify.ReasonUnrecognized},
		{"destination without sequence", domain.TextResult(domain.A2ACapability, `{"destination":"Oslo","forecast":"sunny"}`), classify.ReasonUnrecognized},
		{"empty destination", domain.TextResult(domain.A2ACapability, `{"destination":"","forecast":[]}`), classify.ReasonUnrecognized},
		{"budget total as string", domain.TextResult(domain.A2ACapability, `{"totalBudget":"1500","breakdown":[]}`), classify.ReasonUnrecognized},
		{"budget entry with wrong types", domain.TextResult(domain.A2ACapability, `{"totalBudget":1500,"breakdown":[{"category":"Food","amount":"lots"}]}`), classify.ReasonUnrecognized},
		{"other tool", domain.TextResult("search_flights", `{"destination":"Oslo","forecast":[]}`), classify.ReasonIgnored},
		{"not a result", domain.MessageEvent{Type: "text", Name: domain.A2ACapability, Result: json.RawMessage(`"hi"`)}, classify.ReasonIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p domain.ClassifiedPayload
			var reason classify.Reason
			require.NotPanics(t, func() { p, reason = c.ClassifyEvent(tc.evt) })
			assert.Equal(t, tc.reason, reason)
			assert.Equal(t, domain.KindUnrecognized, p.Kind)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := newClassifier()
	evt := domain.TextResult(domain.A2ACapability, `{"destination":"Kyoto","itinerary":[{"day":1},{"day":2}]}`)

	first, r1 := c.ClassifyEvent(evt)
	second, r2 := c.ClassifyEvent(evt)
	assert.Equal(t, r1, r2)
	assert.Equal(t, first, second)
}

func TestClassifyCustomCapabilityAndPrefix(t *testing.T) {
	c := classify.New(classify.Options{Capability: "relay", Prefixes: []string{"Agent says: "}}, nil)

	p, reason := c.ClassifyEvent(domain.TextResult("relay", `Agent says: {"destination":"Nice","meals":[]}`))
	require.Empty(t, reason)
	assert.Equal(t, domain.KindRestaurant, p.Kind)

	_, reason = c.ClassifyEvent(domain.TextResult(domain.A2ACapability, `{"destination":"Nice","meals":[]}`))
	assert.Equal(t, classify.ReasonIgnored, reason)
}
