package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"tripdesk/internal/domain"
)

// NextMessageSeqTx returns the sequence number the next message of a session gets.
func (r Repo) NextMessageSeqTx(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	var seq int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE session_id=?`, sessionID).Scan(&seq)
	return seq, err
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	var result any
	if len(m.Event.Result) > 0 {
		result = string(m.Event.Result)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(id,session_id,seq,type,name,result_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.Seq, m.Event.Type, m.Event.Name, result, m.ActorID, m.CreatedAt)
	return err
}

// ListMessages returns the session history in append order.
func (r Repo) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,seq,type,name,result_json,actor_id,created_at FROM messages WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var result sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Event.Type, &m.Event.Name, &result, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if result.Valid {
			m.Event.Result = json.RawMessage(result.String)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// History returns just the events of a session, oldest first.
func (r Repo) History(ctx context.Context, sessionID string) ([]domain.MessageEvent, error) {
	msgs, err := r.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.MessageEvent, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out, nil
}
