// Package approval gates budget payloads behind an explicit human decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"tripdesk/internal/domain"
	"tripdesk/internal/metrics"
)

// ErrAlreadyDecided is returned when a key already carries the opposite decision.
var ErrAlreadyDecided = errors.New("approval already decided")

// ErrInvalidKey is returned for keys DeriveKey could not have produced.
var ErrInvalidKey = errors.New("invalid approval key")

// Store holds approval records for one session.
type Store interface {
	Get(ctx context.Context, key string) (domain.ApprovalRecord, bool, error)
	// Update runs fn against the current record (zero value with Key set when absent) and
	// persists the result atomically. Nothing is written when fn returns an error.
	Update(ctx context.Context, key string, fn func(rec *domain.ApprovalRecord, exists bool) error) (domain.ApprovalRecord, error)
	List(ctx context.Context) ([]domain.ApprovalRecord, error)
}

// DeriveKey identifies a budget proposal by its total only, so two proposals with the
// same total share one approval record.
func DeriveKey(b domain.Budget) string {
	return keyPrefix + strconv.FormatFloat(b.TotalBudget, 'f', -1, 64)
}

const keyPrefix = "budget-"

// ParseKey recovers the total a key was derived from. Only keys DeriveKey can produce
// parse: the total must be finite and written the way DeriveKey writes it.
func ParseKey(key string) (float64, bool) {
	s, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if strconv.FormatFloat(v, 'f', -1, 64) != s {
		return 0, false
	}
	return v, true
}

type Gate struct {
	store  Store
	logger *slog.Logger
	Now    func() time.Time
}

func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger, Now: time.Now}
}

func (g *Gate) now() string {
	if g.Now != nil {
		return g.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Lookup returns the record for key, or a pending record when none exists.
func (g *Gate) Lookup(ctx context.Context, key string) (domain.ApprovalRecord, error) {
	rec, ok, err := g.store.Get(ctx, key)
	if err != nil {
		return domain.ApprovalRecord{}, fmt.Errorf("get approval %s: %w", key, err)
	}
	if !ok {
		return domain.ApprovalRecord{Key: key}, nil
	}
	return rec, nil
}

func (g *Gate) IsApproved(ctx context.Context, key string) (bool, error) {
	rec, err := g.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return rec.Approved, nil
}

func (g *Gate) List(ctx context.Context) ([]domain.ApprovalRecord, error) {
	return g.store.List(ctx)
}

// Ensure creates a pending record for the budget's key when the approval widget first
// renders it. created is false when a record already existed.
func (g *Gate) Ensure(ctx context.Context, b domain.Budget) (rec domain.ApprovalRecord, created bool, err error) {
	key := DeriveKey(b)
	rec, err = g.store.Update(ctx, key, func(r *domain.ApprovalRecord, exists bool) error {
		if exists {
			return errUnchanged
		}
		r.TotalBudget = b.TotalBudget
		r.CreatedAt = g.now()
		created = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		rec, err = g.Lookup(ctx, key)
	}
	return rec, created, err
}

// RecordApproval overwrites the record for key with an approval.
func (g *Gate) RecordApproval(ctx context.Context, key string) (domain.ApprovalRecord, error) {
	return g.record(ctx, key, true, "", "")
}

// RecordRejection overwrites the record for key with a rejection.
func (g *Gate) RecordRejection(ctx context.Context, key string) (domain.ApprovalRecord, error) {
	return g.record(ctx, key, false, "", "")
}

func (g *Gate) record(ctx context.Context, key string, approved bool, actorID, message string) (domain.ApprovalRecord, error) {
	return g.store.Update(ctx, key, func(r *domain.ApprovalRecord, _ bool) error {
		g.apply(r, approved, actorID, message)
		return nil
	})
}

func (g *Gate) apply(r *domain.ApprovalRecord, approved bool, actorID, message string) {
	r.Approved = approved
	r.Rejected = !approved
	r.DecidedBy = actorID
	r.Message = message
	r.DecidedAt = g.now()
	if r.TotalBudget == 0 {
		r.TotalBudget, _ = ParseKey(r.Key)
	}
	if r.CreatedAt == "" {
		r.CreatedAt = r.DecidedAt
	}
}

// Decide is the approval widget's action. Once a key is decided the opposite action is
// refused with ErrAlreadyDecided and repeating the same action changes nothing; changed
// reports whether this call recorded the decision.
func (g *Gate) Decide(ctx context.Context, key string, d domain.Decision, actorID string) (rec domain.ApprovalRecord, changed bool, err error) {
	return g.DecideThen(ctx, key, d, actorID, nil)
}

// DecideThen is Decide with a hook that runs after the decision is applied and before
// it is stored. An error from then leaves the key undecided.
func (g *Gate) DecideThen(ctx context.Context, key string, d domain.Decision, actorID string, then func(domain.ApprovalRecord) error) (rec domain.ApprovalRecord, changed bool, err error) {
	rec, err = g.store.Update(ctx, key, func(r *domain.ApprovalRecord, _ bool) error {
		if r.Decided() {
			if r.Approved == d.Approved {
				return errUnchanged
			}
			return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, key, r.Status())
		}
		g.apply(r, d.Approved, actorID, d.Message)
		if then != nil {
			return then(*r)
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		rec, err = g.Lookup(ctx, key)
		return rec, false, err
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// Decided counts and logs a decision once it is durable.
func Decided(logger *slog.Logger, rec domain.ApprovalRecord, actorID string) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.ApprovalsDecided.WithLabelValues(string(rec.Status())).Inc()
	logger.Info("approval decided",
		slog.String("key", rec.Key),
		slog.String("status", string(rec.Status())),
		slog.String("actor_id", actorID),
	)
}

// OnClassifiedBudget forwards b when its key has been approved and reports whether it did.
func (g *Gate) OnClassifiedBudget(ctx context.Context, b *domain.Budget, forward func(*domain.Budget)) (bool, error) {
	ok, err := g.IsApproved(ctx, DeriveKey(*b))
	if err != nil || !ok {
		return false, err
	}
	forward(b)
	return true, nil
}

var errUnchanged = errors.New("unchanged")
