// Package relay delivers recorded events to the orchestrator and configured webhooks.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tripdesk/internal/config"
	"tripdesk/internal/domain"
	"tripdesk/internal/events"
	"tripdesk/internal/metrics"
	"tripdesk/internal/repo"
)

const (
	DefaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// EventSource is the read side of the event log plus the per-target delivery cursors.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.Event, error)
	LatestEventID(ctx context.Context, sessionID string) (int64, error)
	RelayCursor(ctx context.Context, target string) (int64, bool, error)
	SetRelayCursor(ctx context.Context, target string, id int64) error
}

type target struct {
	name    string
	url     string
	secret  string
	timeout time.Duration
	filter  eventFilter
	// decision targets receive the {approved,message} body instead of the event envelope.
	decision bool
}

// Relay polls the event log and posts new events to every target. Each target keeps
// its own cursor in the database, so deliveries resume across restarts. A failed
// delivery stops that target's batch and is retried from the same event on the next pass.
type Relay struct {
	source   EventSource
	targets  []target
	client   *http.Client
	logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
}

func New(source EventSource, cfg *config.Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		source:   source,
		client:   &http.Client{},
		logger:   logger,
		Interval: DefaultInterval,
		cursors:  make(map[string]int64),
	}
	if cfg == nil {
		return r
	}
	if u := strings.TrimSpace(cfg.Orchestrator.ResponseURL); u != "" {
		r.targets = append(r.targets, target{
			name:     "orchestrator",
			url:      u,
			timeout:  defaultTimeout,
			filter:   newEventFilter([]string{events.ApprovalApproved, events.ApprovalRejected}),
			decision: true,
		})
	}
	for i, hook := range cfg.Webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		r.targets = append(r.targets, target{
			name:    fmt.Sprintf("webhook-%d", i),
			url:     hook.URL,
			secret:  hook.Secret,
			timeout: timeout,
			filter:  newEventFilter(hook.Events),
		})
	}
	return r
}

// Targets returns the names of the configured targets.
func (r *Relay) Targets() []string {
	names := make([]string, len(r.targets))
	for i, t := range r.targets {
		names[i] = t.name
	}
	return names
}

// Start delivers until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	if len(r.targets) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one delivery pass over every target. A target without a stored
// cursor starts from the first event when it takes decisions, and after the newest
// event otherwise.
func (r *Relay) DispatchOnce(ctx context.Context) {
	for _, t := range r.targets {
		if ctx.Err() != nil {
			return
		}
		r.dispatch(ctx, t)
	}
}

func (r *Relay) dispatch(ctx context.Context, t target) {
	cursor, ok := r.cursorFor(ctx, t)
	if !ok {
		return
	}
	evts, err := r.source.EventsAfter(ctx, defaultBatch, cursor, repo.EventFilter{})
	if err != nil {
		r.logger.Warn("relay: fetch events failed", slog.String("target", t.name), slog.String("error", err.Error()))
		return
	}
	last := cursor
	defer func() {
		if last != cursor {
			r.setCursor(ctx, t.name, last)
		}
	}()
	for _, evt := range evts {
		if !t.filter.match(evt.Type) {
			last = evt.ID
			continue
		}
		if err := r.post(ctx, t, evt); err != nil {
			metrics.RelayDeliveries.WithLabelValues(t.name, "failed").Inc()
			r.logger.Warn("relay: delivery failed",
				slog.String("target", t.name),
				slog.Int64("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		metrics.RelayDeliveries.WithLabelValues(t.name, "delivered").Inc()
		last = evt.ID
		r.setCursor(ctx, t.name, last)
		cursor = last
	}
}

func (r *Relay) cursorFor(ctx context.Context, t target) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cursors[t.name]; ok {
		return cur, true
	}
	cur, stored, err := r.source.RelayCursor(ctx, t.name)
	if err != nil {
		r.logger.Warn("relay: load cursor failed", slog.String("target", t.name), slog.String("error", err.Error()))
		return 0, false
	}
	if !stored && !t.decision {
		cur, err = r.source.LatestEventID(ctx, "")
		if err != nil {
			r.logger.Warn("relay: init cursor failed", slog.String("target", t.name), slog.String("error", err.Error()))
			return 0, false
		}
		if err := r.source.SetRelayCursor(ctx, t.name, cur); err != nil {
			r.logger.Warn("relay: store cursor failed", slog.String("target", t.name), slog.String("error", err.Error()))
		}
	}
	r.cursors[t.name] = cur
	return cur, true
}

// setCursor advances the in-memory cursor and stores it. If the store fails the
// target may see the same event again after a restart.
func (r *Relay) setCursor(ctx context.Context, name string, value int64) {
	r.mu.Lock()
	r.cursors[name] = value
	r.mu.Unlock()
	if err := r.source.SetRelayCursor(ctx, name, value); err != nil {
		r.logger.Warn("relay: store cursor failed", slog.String("target", name), slog.String("error", err.Error()))
	}
}

// Envelope is the body posted to webhooks.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func envelope(evt domain.Event) Envelope {
	env := Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			env.Payload = json.RawMessage(evt.Payload)
		} else {
			env.PayloadRaw = evt.Payload
		}
	}
	return env
}

func decisionBody(evt domain.Event) (domain.Decision, error) {
	var d domain.Decision
	if err := json.Unmarshal([]byte(evt.Payload), &d); err != nil {
		return d, fmt.Errorf("decode decision payload of event %d: %w", evt.ID, err)
	}
	return d, nil
}

func (r *Relay) post(ctx context.Context, t target, evt domain.Event) error {
	var body any = envelope(evt)
	if t.decision {
		d, err := decisionBody(evt)
		if err != nil {
			return err
		}
		body = d
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tripdesk-Event", evt.Type)
	req.Header.Set("X-Tripdesk-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Tripdesk-Session", evt.SessionID)
	if evt.EntityKind == events.KindApproval {
		req.Header.Set("X-Tripdesk-Approval-Key", evt.EntityID)
	}
	if strings.TrimSpace(t.secret) != "" {
		req.Header.Set("X-Tripdesk-Secret", t.secret)
	}
	res, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(evts []string) eventFilter {
	set := make(map[string]struct{}, len(evts))
	for _, evt := range evts {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
