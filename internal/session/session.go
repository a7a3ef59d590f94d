// Package session runs the classifier and approval gate over one chat session held in
// memory.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tripdesk/internal/approval"
	"tripdesk/internal/classify"
	"tripdesk/internal/display"
	"tripdesk/internal/domain"
)

// ResponseFunc submits a decision to the orchestration layer for the pending approval key.
type ResponseFunc func(ctx context.Context, key string, d domain.Decision) error

const (
	DefaultApprovedMessage = "The user approved the proposed budget."
	DefaultRejectedMessage = "The user rejected the proposed budget."
)

// DecisionMessage returns msg, or the default wording for the decision when msg is empty.
func DecisionMessage(approved bool, msg string) string {
	if msg != "" {
		return msg
	}
	if approved {
		return DefaultApprovedMessage
	}
	return DefaultRejectedMessage
}

type Option func(*Session)

func WithClassifier(c *classify.Classifier) Option {
	return func(s *Session) { s.classifier = c }
}

func WithStore(store approval.Store) Option {
	return func(s *Session) { s.store = store }
}

// WithResponder sets the decision sender. It runs while the approval record is being
// updated and must not call back into the session.
func WithResponder(fn ResponseFunc) Option {
	return func(s *Session) { s.respond = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session owns a message history and its approval state. Every change (new messages,
// a decision) triggers a full rescan. Sink callbacks run while the session is locked and
// must not call back into it.
type Session struct {
	mu         sync.Mutex
	history    []domain.MessageEvent
	classifier *classify.Classifier
	store      approval.Store
	gate       *approval.Gate
	sink       display.Sink
	respond    ResponseFunc
	logger     *slog.Logger
}

func New(sink display.Sink, opts ...Option) *Session {
	s := &Session{sink: sink}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.classifier == nil {
		s.classifier = classify.New(classify.DefaultOptions(), s.logger)
	}
	if s.store == nil {
		s.store = approval.NewMemoryStore()
	}
	if s.sink == nil {
		s.sink = display.Funcs{}
	}
	s.gate = approval.NewGate(s.store, s.logger)
	return s
}

func (s *Session) Gate() *approval.Gate {
	return s.gate
}

// History returns a copy of the messages seen so far.
func (s *Session) History() []domain.MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MessageEvent(nil), s.history...)
}

// Append adds events to the history and rescans it.
func (s *Session) Append(ctx context.Context, evts ...domain.MessageEvent) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, evts...)
	return s.scanLocked(ctx)
}

func (s *Session) Rescan(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanLocked(ctx)
}

func (s *Session) scanLocked(ctx context.Context) (Report, error) {
	return Scan(ctx, s.history, s.classifier, s.gate, s.sink, s.logger)
}

// Approval returns the widget state for key.
func (s *Session) Approval(ctx context.Context, key string) (domain.ApprovalRecord, error) {
	return s.gate.Lookup(ctx, key)
}

func (s *Session) Approve(ctx context.Context, key, message string) (domain.ApprovalRecord, error) {
	return s.decide(ctx, key, domain.Decision{Approved: true, Message: DecisionMessage(true, message)})
}

func (s *Session) Reject(ctx context.Context, key, message string) (domain.ApprovalRecord, error) {
	return s.decide(ctx, key, domain.Decision{Approved: false, Message: DecisionMessage(false, message)})
}

// decide sends the decision to the orchestration layer and records it, then rescans so
// an approved budget reaches the display. If the send fails nothing is recorded and the
// same call can be retried.
func (s *Session) decide(ctx context.Context, key string, d domain.Decision) (domain.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, changed, err := s.gate.DecideThen(ctx, key, d, "", func(domain.ApprovalRecord) error {
		if s.respond == nil {
			return nil
		}
		if err := s.respond(ctx, key, d); err != nil {
			return fmt.Errorf("submit decision for %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	if !changed {
		return rec, nil
	}
	approval.Decided(s.logger, rec, "")
	if _, err := s.scanLocked(ctx); err != nil {
		return rec, err
	}
	return rec, nil
}

// Clear resets every display panel without touching history or approvals.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	display.Clear(s.sink)
}
