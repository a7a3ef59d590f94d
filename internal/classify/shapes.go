package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"tripdesk/internal/domain"
)

var errNoShape = errors.New("no payload shape matched")

// shape is one recognized payload variant. Shapes are tried in slice order and the
// first whose predicate holds wins.
type shape struct {
	kind  domain.PayloadKind
	match func(obj map[string]json.RawMessage, allowZero bool) bool
	build func(raw []byte) (domain.ClassifiedPayload, error)
}

var shapes = []shape{
	{
		kind: domain.KindItinerary,
		match: func(obj map[string]json.RawMessage, _ bool) bool {
			return hasText(obj, "destination") && isArray(obj, "itinerary")
		},
		build: func(raw []byte) (domain.ClassifiedPayload, error) {
			var v domain.Itinerary
			if err := json.Unmarshal(raw, &v); err != nil {
				return domain.ClassifiedPayload{}, err
			}
			v.Raw = raw
			return domain.ClassifiedPayload{Kind: domain.KindItinerary, Itinerary: &v}, nil
		},
	},
	{
		kind: domain.KindBudget,
		match: func(obj map[string]json.RawMessage, allowZero bool) bool {
			return hasTotal(obj, "totalBudget", allowZero) && isArray(obj, "breakdown")
		},
		build: func(raw []byte) (domain.ClassifiedPayload, error) {
			var v domain.Budget
			if err := json.Unmarshal(raw, &v); err != nil {
				return domain.ClassifiedPayload{}, err
			}
			v.Raw = raw
			return domain.ClassifiedPayload{Kind: domain.KindBudget, Budget: &v}, nil
		},
	},
	{
		kind: domain.KindWeather,
		match: func(obj map[string]json.RawMessage, _ bool) bool {
			return hasText(obj, "destination") && isArray(obj, "forecast")
		},
		build: func(raw []byte) (domain.ClassifiedPayload, error) {
			var v domain.Weather
			if err := json.Unmarshal(raw, &v); err != nil {
				return domain.ClassifiedPayload{}, err
			}
			v.Raw = raw
			return domain.ClassifiedPayload{Kind: domain.KindWeather, Weather: &v}, nil
		},
	},
	{
		kind: domain.KindRestaurant,
		match: func(obj map[string]json.RawMessage, _ bool) bool {
			return hasText(obj, "destination") && isArray(obj, "meals")
		},
		build: func(raw []byte) (domain.ClassifiedPayload, error) {
			var v domain.Restaurant
			if err := json.Unmarshal(raw, &v); err != nil {
				return domain.ClassifiedPayload{}, err
			}
			v.Raw = raw
			return domain.ClassifiedPayload{Kind: domain.KindRestaurant, Restaurant: &v}, nil
		},
	},
}

// ClassifyObject runs the shape predicates over a JSON object in priority order:
// itinerary, budget, weather, restaurant. A payload whose first matching shape fails to
// decode into its typed form is unrecognized; later shapes are not tried.
func ClassifyObject(raw []byte, allowZeroBudget bool) (domain.ClassifiedPayload, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return unrecognized(), fmt.Errorf("decode payload object: %w", err)
	}
	if obj == nil {
		return unrecognized(), errNoShape
	}
	for _, s := range shapes {
		if !s.match(obj, allowZeroBudget) {
			continue
		}
		p, err := s.build(raw)
		if err != nil {
			return unrecognized(), fmt.Errorf("%s payload: %w", s.kind, err)
		}
		return p, nil
	}
	return unrecognized(), errNoShape
}

// hasText requires a non-empty string; empty strings are falsy to the agents' consumers.
func hasText(obj map[string]json.RawMessage, key string) bool {
	raw, ok := obj[key]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s != ""
}

// hasTotal requires a JSON number. Zero counts as absent unless allowZero is set.
func hasTotal(obj map[string]json.RawMessage, key string, allowZero bool) bool {
	raw, ok := obj[key]
	if !ok {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !(trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		return false
	}
	var n float64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return false
	}
	return allowZero || n != 0
}

func isArray(obj map[string]json.RawMessage, key string) bool {
	raw, ok := obj[key]
	if !ok {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
