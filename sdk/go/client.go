package tripdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tripdesk HTTP API client bound to one chat session.
type Client struct {
	BaseURL     string
	SessionID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   10 * time.Second,
	}
}

type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// MessageEvent is one chat message as the orchestrator emits it.
type MessageEvent struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// AgentResult builds the result event of an orchestrator call relaying text from a remote agent.
func AgentResult(text string) MessageEvent {
	b, _ := json.Marshal("A2A Agent Response: " + text)
	return MessageEvent{Type: "result", Name: "send_message_to_a2a_agent", Result: b}
}

type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Seq       int64        `json:"seq"`
	Event     MessageEvent `json:"event"`
	ActorID   string       `json:"actor_id"`
	CreatedAt string       `json:"created_at"`
}

type ScanItem struct {
	Index     int    `json:"index"`
	Kind      string `json:"kind"`
	Key       string `json:"key,omitempty"`
	Status    string `json:"status,omitempty"`
	Forwarded bool   `json:"forwarded"`
}

type ScanReport struct {
	Items     []ScanItem `json:"items"`
	Discarded int        `json:"discarded"`
}

type AppendResult struct {
	Message Message    `json:"message"`
	Scan    ScanReport `json:"scan"`
}

// Display is the current content of the four panels. Nil panels have nothing to show.
type Display struct {
	Itinerary  json.RawMessage `json:"itinerary"`
	Budget     json.RawMessage `json:"budget"`
	Weather    json.RawMessage `json:"weather"`
	Restaurant json.RawMessage `json:"restaurant"`
}

// HasBudget reports whether an approved budget is on display.
func (d Display) HasBudget() bool {
	return len(d.Budget) > 0 && string(d.Budget) != "null"
}

type Approval struct {
	Key         string  `json:"key"`
	SessionID   string  `json:"session_id"`
	TotalBudget float64 `json:"total_budget"`
	Approved    bool    `json:"approved"`
	Rejected    bool    `json:"rejected"`
	DecidedBy   string  `json:"decided_by,omitempty"`
	Message     string  `json:"message,omitempty"`
	Status      string  `json:"status"`
}

type Decision struct {
	Approval Approval `json:"approval"`
	Changed  bool     `json:"changed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsAlreadyDecided reports whether err is the conflict returned when a budget already has the opposite decision.
func IsAlreadyDecided(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Code == "already_decided"
}

// CreateSession creates the client's session, or a new one with a generated id when SessionID is empty.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	body := map[string]any{"id": c.SessionID, "title": title}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp); err != nil {
		return Session{}, err
	}
	if c.SessionID == "" {
		c.SessionID = resp.ID
	}
	return resp, nil
}

// AppendMessage stores one chat message and returns the rescan report.
func (c *Client) AppendMessage(ctx context.Context, evt MessageEvent) (AppendResult, error) {
	var resp AppendResult
	err := c.do(ctx, http.MethodPost, c.sessionPath("messages"), evt, &resp)
	return resp, err
}

func (c *Client) Messages(ctx context.Context) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, c.sessionPath("messages"), nil, &resp)
	return resp, err
}

// Display returns what the panels currently show.
func (c *Client) Display(ctx context.Context) (Display, error) {
	var resp struct {
		Display Display `json:"display"`
	}
	err := c.do(ctx, http.MethodGet, c.sessionPath("display"), nil, &resp)
	return resp.Display, err
}

// ListApprovals returns every approval record of the session.
func (c *Client) ListApprovals(ctx context.Context) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, c.sessionPath("approvals"), nil, &resp)
	return resp, err
}

func (c *Client) Approval(ctx context.Context, key string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, c.sessionPath("approvals/"+url.PathEscape(key)), nil, &resp)
	return resp, err
}

// Approve records a positive decision for the budget key. An empty message uses the server default.
func (c *Client) Approve(ctx context.Context, key, message string) (Decision, error) {
	return c.decide(ctx, key, "approve", message)
}

// Reject records a negative decision for the budget key.
func (c *Client) Reject(ctx context.Context, key, message string) (Decision, error) {
	return c.decide(ctx, key, "reject", message)
}

func (c *Client) decide(ctx context.Context, key, verb, message string) (Decision, error) {
	body := map[string]any{}
	if message != "" {
		body["message"] = message
	}
	var resp Decision
	endpoint := c.sessionPath(fmt.Sprintf("approvals/%s/%s", url.PathEscape(key), verb))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.sessionPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(p string) string {
	return fmt.Sprintf("v0/sessions/%s/%s", url.PathEscape(c.SessionID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
