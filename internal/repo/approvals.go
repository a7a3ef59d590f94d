package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tripdesk/internal/domain"
)

const approvalColumns = `key,session_id,total_budget,approved,rejected,COALESCE(decided_by,''),COALESCE(message,''),created_at,COALESCE(decided_at,'')`

func scanApproval(row interface{ Scan(...any) error }) (domain.ApprovalRecord, error) {
	var a domain.ApprovalRecord
	var approved, rejected int
	err := row.Scan(&a.Key, &a.SessionID, &a.TotalBudget, &approved, &rejected, &a.DecidedBy, &a.Message, &a.CreatedAt, &a.DecidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Approved = approved == 1
	a.Rejected = rejected == 1
	return a, err
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, sessionID, key string) (domain.ApprovalRecord, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE session_id=? AND key=?`, sessionID, key))
}

func (r Repo) UpsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals(session_id,key,total_budget,approved,rejected,decided_by,message,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id,key) DO UPDATE SET total_budget=excluded.total_budget, approved=excluded.approved, rejected=excluded.rejected,
decided_by=excluded.decided_by, message=excluded.message, decided_at=excluded.decided_at`,
		a.SessionID, a.Key, a.TotalBudget, boolInt(a.Approved), boolInt(a.Rejected), nullable(a.DecidedBy), nullable(a.Message), a.CreatedAt, nullable(a.DecidedAt))
	return err
}

// ListApprovals returns a session's approval records ordered by key.
func (r Repo) ListApprovals(ctx context.Context, sessionID string) ([]domain.ApprovalRecord, error) {
	return r.ListApprovalsTx(ctx, nil, sessionID)
}

func (r Repo) ListApprovalsTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.ApprovalRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE session_id=? ORDER BY key ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ApprovalRecord{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ApprovalStore is the approval.Store of one session. When Tx is set every read and
// write goes through it and the caller commits; otherwise each Update runs in its own
// transaction.
type ApprovalStore struct {
	Repo      Repo
	SessionID string
	Tx        *sql.Tx
}

func (s ApprovalStore) Get(ctx context.Context, key string) (domain.ApprovalRecord, bool, error) {
	a, err := s.Repo.GetApprovalTx(ctx, s.Tx, s.SessionID, key)
	if errors.Is(err, ErrNotFound) {
		return domain.ApprovalRecord{}, false, nil
	}
	if err != nil {
		return domain.ApprovalRecord{}, false, err
	}
	return a, true, nil
}

func (s ApprovalStore) Update(ctx context.Context, key string, fn func(rec *domain.ApprovalRecord, exists bool) error) (domain.ApprovalRecord, error) {
	tx := s.Tx
	if tx == nil {
		var err error
		tx, err = s.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.ApprovalRecord{}, err
		}
		defer tx.Rollback()
	}
	rec, err := s.Repo.GetApprovalTx(ctx, tx, s.SessionID, key)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.ApprovalRecord{}, err
	}
	if !exists {
		rec = domain.ApprovalRecord{Key: key, SessionID: s.SessionID}
	}
	if err := fn(&rec, exists); err != nil {
		return rec, err
	}
	rec.Key = key
	rec.SessionID = s.SessionID
	if err := s.Repo.UpsertApprovalTx(ctx, tx, rec); err != nil {
		return rec, fmt.Errorf("write approval %s: %w", key, err)
	}
	if s.Tx == nil {
		if err := tx.Commit(); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (s ApprovalStore) List(ctx context.Context) ([]domain.ApprovalRecord, error) {
	return s.Repo.ListApprovalsTx(ctx, s.Tx, s.SessionID)
}
