package domain

import "encoding/json"

const (
	// ResultEventType marks a message event that carries a tool execution result.
	ResultEventType = "result"
	// A2ACapability is the orchestrator tool that relays remote agent responses.
	A2ACapability = "send_message_to_a2a_agent"
	// A2AResponsePrefix is the marker the orchestrator prepends to relayed agent text.
	A2AResponsePrefix = "A2A Agent Response: "
)

// MessageEvent is one item of the chat transport's visible message stream.
// Result holds either a JSON string or an already-parsed JSON value.
type MessageEvent struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TextResult builds a result event whose payload is a plain string.
func TextResult(name, text string) MessageEvent {
	b, _ := json.Marshal(text)
	return MessageEvent{Type: ResultEventType, Name: name, Result: b}
}

// ObjectResult builds a result event whose payload is an already-parsed value.
func ObjectResult(name string, v any) (MessageEvent, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return MessageEvent{}, err
	}
	return MessageEvent{Type: ResultEventType, Name: name, Result: b}, nil
}

type PayloadKind string

const (
	KindItinerary    PayloadKind = "itinerary"
	KindBudget       PayloadKind = "budget"
	KindWeather      PayloadKind = "weather"
	KindRestaurant   PayloadKind = "restaurant"
	KindUnrecognized PayloadKind = "unrecognized"
)

// Itinerary is a day-by-day plan produced by the itinerary agent.
type Itinerary struct {
	Destination string            `json:"destination"`
	Itinerary   []json.RawMessage `json:"itinerary"`
	Raw         json.RawMessage   `json:"-"`
}

// Budget is a cost proposal produced by the budget agent.
type Budget struct {
	TotalBudget float64          `json:"totalBudget"`
	Currency    string           `json:"currency,omitempty"`
	Breakdown   []BudgetCategory `json:"breakdown"`
	Raw         json.RawMessage  `json:"-"`
}

type BudgetCategory struct {
	Category   string  `json:"category"`
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// Weather is a daily forecast produced by the weather agent.
type Weather struct {
	Destination string            `json:"destination"`
	Forecast    []json.RawMessage `json:"forecast"`
	Raw         json.RawMessage   `json:"-"`
}

// Restaurant holds day-keyed meal recommendations.
type Restaurant struct {
	Destination string            `json:"destination"`
	Meals       []json.RawMessage `json:"meals"`
	Raw         json.RawMessage   `json:"-"`
}

// ClassifiedPayload is a tagged union over the four recognized payload shapes.
// Exactly one variant pointer is set unless Kind is KindUnrecognized.
type ClassifiedPayload struct {
	Kind       PayloadKind `json:"kind"`
	Itinerary  *Itinerary  `json:"itinerary,omitempty"`
	Budget     *Budget     `json:"budget,omitempty"`
	Weather    *Weather    `json:"weather,omitempty"`
	Restaurant *Restaurant `json:"restaurant,omitempty"`
}

// Raw returns the payload object exactly as the agent produced it.
func (p ClassifiedPayload) Raw() json.RawMessage {
	switch p.Kind {
	case KindItinerary:
		return p.Itinerary.Raw
	case KindBudget:
		return p.Budget.Raw
	case KindWeather:
		return p.Weather.Raw
	case KindRestaurant:
		return p.Restaurant.Raw
	}
	return nil
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRecord is the human decision for one budget key.
type ApprovalRecord struct {
	Key         string  `json:"key"`
	SessionID   string  `json:"session_id,omitempty"`
	TotalBudget float64 `json:"total_budget"`
	Approved    bool    `json:"approved"`
	Rejected    bool    `json:"rejected"`
	DecidedBy   string  `json:"decided_by,omitempty"`
	Message     string  `json:"message,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty" format:"date-time"`
	DecidedAt   string  `json:"decided_at,omitempty" format:"date-time"`
}

func (r ApprovalRecord) Status() ApprovalStatus {
	switch {
	case r.Approved:
		return ApprovalApproved
	case r.Rejected:
		return ApprovalRejected
	default:
		return ApprovalPending
	}
}

// Decided reports whether either action has been taken for the key.
func (r ApprovalRecord) Decided() bool {
	return r.Approved || r.Rejected
}

// Decision is what the approval widget sends back to the orchestration layer.
type Decision struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message"`
}

type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Message is a MessageEvent stored in a session's history.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Seq       int64        `json:"seq"`
	Event     MessageEvent `json:"event"`
	ActorID   string       `json:"actor_id"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
