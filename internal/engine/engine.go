package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tripdesk/internal/approval"
	"tripdesk/internal/classify"
	"tripdesk/internal/config"
	"tripdesk/internal/display"
	"tripdesk/internal/domain"
	"tripdesk/internal/events"
	"tripdesk/internal/repo"
	"tripdesk/internal/session"
	"tripdesk/internal/telemetry"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Classifier *classify.Classifier
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Classifier: classify.New(cfg.ClassifierOptions(), logger),
		Logger:     logger,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) gate(store approval.Store) *approval.Gate {
	g := approval.NewGate(store, e.Logger)
	g.Now = e.now
	return g
}

func (e Engine) span(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(attribute.String("session.id", sessionID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateSession starts a chat session. An empty id gets a generated one.
func (e Engine) CreateSession(ctx context.Context, id, title, actorID string) (domain.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := domain.Session{
		ID:        id,
		Title:     title,
		CreatedBy: actorID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.SessionCreated, s.ID, events.KindSession, s.ID, actorID, events.EventPayload{"title": title}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// DeleteSession removes a session with its messages and approvals. The event log keeps
// its history and gains a session.deleted entry.
func (e Engine) DeleteSession(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSessionTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.SessionDeleted, id, events.KindSession, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return e.Repo.GetSession(ctx, id)
}

func (e Engine) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx, limit)
}

func (e Engine) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, sessionID)
}

// AppendMessage stores evt at the end of the session history and rescans the whole
// history, so newly seen budgets get their pending approval records.
func (e Engine) AppendMessage(ctx context.Context, sessionID string, evt domain.MessageEvent, actorID string) (msg domain.Message, report session.Report, err error) {
	ctx, span := e.span(ctx, "engine.AppendMessage", sessionID)
	defer func() { endSpan(span, err) }()

	if evt.Type == "" {
		return msg, report, errors.New("event type is required")
	}
	if _, err = e.Repo.GetSession(ctx, sessionID); err != nil {
		return msg, report, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return msg, report, err
	}
	defer tx.Rollback()
	seq, err := e.Repo.NextMessageSeqTx(ctx, tx, sessionID)
	if err != nil {
		return msg, report, err
	}
	msg = domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Event:     evt,
		ActorID:   actorID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err = e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return msg, report, fmt.Errorf("insert message: %w", err)
	}
	if err = e.events().Append(ctx, tx, events.MessageAppended, sessionID, events.KindMessage, msg.ID, actorID, events.EventPayload{
		"seq": seq, "type": evt.Type, "name": evt.Name,
	}); err != nil {
		return msg, report, err
	}
	if err = tx.Commit(); err != nil {
		return msg, report, err
	}
	span.SetAttributes(attribute.Int64("message.seq", seq))

	report, err = e.Scan(ctx, sessionID, nil)
	return msg, report, err
}

// Scan re-classifies the stored history of a session and pushes every payload to sink
// (nil discards them). Budgets seen for the first time get a pending approval record and
// an approval.requested event, in one transaction.
func (e Engine) Scan(ctx context.Context, sessionID string, sink display.Sink) (report session.Report, err error) {
	ctx, span := e.span(ctx, "engine.Scan", sessionID)
	defer func() { endSpan(span, err) }()

	history, err := e.Repo.History(ctx, sessionID)
	if err != nil {
		return report, err
	}
	if sink == nil {
		sink = display.Funcs{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	store := repo.ApprovalStore{Repo: e.Repo, SessionID: sessionID, Tx: tx}
	report, err = session.Scan(ctx, history, e.Classifier, e.gate(store), sink, e.Logger)
	if err != nil {
		return report, err
	}
	for _, rec := range report.Requested {
		if err = e.events().Append(ctx, tx, events.ApprovalRequested, sessionID, events.KindApproval, rec.Key, "system", events.EventPayload{
			"key": rec.Key, "total_budget": rec.TotalBudget,
		}); err != nil {
			return report, err
		}
	}
	if err = tx.Commit(); err != nil {
		return report, err
	}
	span.SetAttributes(attribute.Int("scan.items", len(report.Items)), attribute.Int("scan.discarded", report.Discarded))
	return report, nil
}

// DisplayView is what the four panels show for a session, plus the scan behind it.
type DisplayView struct {
	Display display.Snapshot `json:"display"`
	Scan    session.Report   `json:"scan"`
}

// Display rescans the session into a fresh board.
func (e Engine) Display(ctx context.Context, sessionID string) (DisplayView, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return DisplayView{}, err
	}
	board := &display.Board{}
	report, err := e.Scan(ctx, sessionID, board)
	if err != nil {
		return DisplayView{}, err
	}
	return DisplayView{Display: board.Snapshot(), Scan: report}, nil
}

// Classify runs the classifier on one event without touching any session.
func (e Engine) Classify(evt domain.MessageEvent) (domain.ClassifiedPayload, classify.Reason) {
	return e.Classifier.ClassifyEvent(evt)
}

func (e Engine) ListApprovals(ctx context.Context, sessionID string) ([]domain.ApprovalRecord, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListApprovals(ctx, sessionID)
}

// GetApproval returns the record for key; a key never seen reads as pending.
func (e Engine) GetApproval(ctx context.Context, sessionID, key string) (domain.ApprovalRecord, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return domain.ApprovalRecord{}, err
	}
	rec, err := e.gate(repo.ApprovalStore{Repo: e.Repo, SessionID: sessionID}).Lookup(ctx, key)
	rec.SessionID = sessionID
	return rec, err
}

// DecisionResult is the outcome of Approve or Reject. Changed is false when the same
// decision had already been recorded.
type DecisionResult struct {
	Approval domain.ApprovalRecord `json:"approval"`
	Changed  bool                  `json:"changed"`
}

func (e Engine) Approve(ctx context.Context, sessionID, key, actorID, message string) (DecisionResult, error) {
	return e.decide(ctx, sessionID, key, actorID, domain.Decision{Approved: true, Message: session.DecisionMessage(true, message)})
}

func (e Engine) Reject(ctx context.Context, sessionID, key, actorID, message string) (DecisionResult, error) {
	return e.decide(ctx, sessionID, key, actorID, domain.Decision{Approved: false, Message: session.DecisionMessage(false, message)})
}

// decide records the decision and its event in one transaction. A conflicting decision
// fails with approval.ErrAlreadyDecided.
func (e Engine) decide(ctx context.Context, sessionID, key, actorID string, d domain.Decision) (res DecisionResult, err error) {
	ctx, span := e.span(ctx, "engine.Decide", sessionID)
	span.SetAttributes(attribute.String("approval.key", key), attribute.Bool("approval.approved", d.Approved))
	defer func() { endSpan(span, err) }()

	if key == "" {
		return res, errors.New("approval key is required")
	}
	if _, ok := approval.ParseKey(key); !ok {
		return res, fmt.Errorf("%w: %q", approval.ErrInvalidKey, key)
	}
	if _, err = e.Repo.GetSession(ctx, sessionID); err != nil {
		return res, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	store := repo.ApprovalStore{Repo: e.Repo, SessionID: sessionID, Tx: tx}
	rec, changed, err := e.gate(store).Decide(ctx, key, d, actorID)
	if err != nil {
		return res, err
	}
	res = DecisionResult{Approval: rec, Changed: changed}
	if !changed {
		return res, nil
	}
	evtType := events.ApprovalRejected
	if d.Approved {
		evtType = events.ApprovalApproved
	}
	if err = e.events().Append(ctx, tx, evtType, sessionID, events.KindApproval, key, actorID, events.EventPayload{
		"approved":     d.Approved,
		"message":      d.Message,
		"key":          key,
		"total_budget": rec.TotalBudget,
	}); err != nil {
		return res, err
	}
	if err = tx.Commit(); err != nil {
		return res, err
	}
	approval.Decided(e.Logger, rec, actorID)
	return res, nil
}

// ListEvents returns up to limit events of a session older than cursor, newest first.
func (e Engine) ListEvents(ctx context.Context, sessionID string, limit int, cursor int64) ([]domain.Event, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, repo.EventFilter{SessionID: sessionID})
}
