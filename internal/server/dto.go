package server

import (
	"encoding/json"

	"tripdesk/internal/config"
	"tripdesk/internal/domain"
	"tripdesk/internal/session"
)

// Request payloads

type CreateSessionRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// MessageRequest is one chat message event. Result may be a string or any JSON value.
type MessageRequest struct {
	Type   string          `json:"type" example:"result"`
	Name   string          `json:"name,omitempty" example:"send_message_to_a2a_agent"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (m MessageRequest) event() domain.MessageEvent {
	return domain.MessageEvent{Type: m.Type, Name: m.Name, Result: m.Result}
}

type DecisionRequest struct {
	Message string `json:"message,omitempty" example:"Looks good, go ahead."`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type MessageResponse struct {
	Message domain.Message `json:"message"`
	Scan    session.Report `json:"scan"`
}

type ClassifyResponse struct {
	Kind    domain.PayloadKind `json:"kind"`
	Reason  string             `json:"reason,omitempty" enum:"ignored,malformed,unrecognized"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

type ApprovalResponse struct {
	domain.ApprovalRecord
	Status domain.ApprovalStatus `json:"status" enum:"pending,approved,rejected"`
}

type DecisionResponse struct {
	Approval ApprovalResponse `json:"approval"`
	Changed  bool             `json:"changed"`
}

type AgentResponse struct {
	Name string `json:"name"`
	config.Agent
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func approvalResponse(a domain.ApprovalRecord) ApprovalResponse {
	return ApprovalResponse{ApprovalRecord: a, Status: a.Status()}
}

func approvalResponses(items []domain.ApprovalRecord) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		out = append(out, approvalResponse(a))
	}
	return out
}

func classifyResponse(p domain.ClassifiedPayload, reason string) ClassifyResponse {
	res := ClassifyResponse{Kind: p.Kind, Reason: reason}
	if raw := p.Raw(); len(raw) > 0 {
		res.Payload = raw
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
