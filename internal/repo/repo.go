package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,phase,active_role,created_at,updated_at,archived_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Phase, nullable(s.ActiveRole), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.ArchivedAt))
	return err
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET phase=?, active_role=?, updated_at=?, archived_at=? WHERE id=?`,
		s.Phase, nullable(s.ActiveRole), s.UpdatedAt, nullableStringPtr(s.ArchivedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var activeRole, archivedAt sql.NullString
	err := scan(&s.ID, &s.Phase, &activeRole, &s.CreatedAt, &s.UpdatedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if activeRole.Valid {
		s.ActiveRole = activeRole.String
	}
	if archivedAt.Valid {
		s.ArchivedAt = &archivedAt.String
	}
	return s, nil
}

const sessionCols = `id,phase,active_role,created_at,updated_at,archived_at`

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

type SessionFilters struct {
	Phase           string
	Archived        *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.Archived != nil {
		if *f.Archived {
			clauses = append(clauses, "archived_at IS NOT NULL")
		} else {
			clauses = append(clauses, "archived_at IS NULL")
		}
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + sessionCols + ` FROM sessions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(session_id,seq,event,from_phase,to_phase,created_at) VALUES (?,?,?,?,?,?)`,
		t.SessionID, t.Seq, t.Event, t.FromPhase, t.ToPhase, t.CreatedAt)
	return err
}

func (r Repo) NextTransitionSeq(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM transitions WHERE session_id=?`, sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) ListTransitions(ctx context.Context, sessionID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,seq,event,from_phase,to_phase,created_at FROM transitions WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Event, &t.FromPhase, &t.ToPhase, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertHandoff(ctx context.Context, tx *sql.Tx, h domain.Handoff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO handoffs(session_id,seq,from_role,to_role,context,created_at) VALUES (?,?,?,?,?,?)`,
		h.SessionID, h.Seq, nullable(h.FromRole), h.ToRole, nullable(h.Context), h.CreatedAt)
	return err
}

func (r Repo) NextHandoffSeq(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM handoffs WHERE session_id=?`, sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func scanHandoffs(rows *sql.Rows) ([]domain.Handoff, error) {
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		var h domain.Handoff
		var fromRole, hctx sql.NullString
		if err := rows.Scan(&h.ID, &h.SessionID, &h.Seq, &fromRole, &h.ToRole, &hctx, &h.CreatedAt); err != nil {
			return nil, err
		}
		if fromRole.Valid {
			h.FromRole = fromRole.String
		}
		if hctx.Valid {
			h.Context = hctx.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

const handoffCols = `id,session_id,seq,from_role,to_role,context,created_at`

func (r Repo) ListHandoffs(ctx context.Context, sessionID string) ([]domain.Handoff, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+handoffCols+` FROM handoffs WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanHandoffs(rows)
}

func (r Repo) ListHandoffsTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.Handoff, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+handoffCols+` FROM handoffs WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanHandoffs(rows)
}

func (r Repo) GetFailureRecordTx(ctx context.Context, tx *sql.Tx, sessionID, operation string) (domain.FailureRecord, error) {
	var f domain.FailureRecord
	var lastError sql.NullString
	var escalated int
	err := tx.QueryRowContext(ctx, `SELECT session_id,operation,count,last_error,escalated,updated_at FROM failure_records WHERE session_id=? AND operation=?`,
		sessionID, operation).Scan(&f.SessionID, &f.Operation, &f.Count, &lastError, &escalated, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if lastError.Valid {
		f.LastError = lastError.String
	}
	f.Escalated = escalated != 0
	return f, nil
}

func (r Repo) UpsertFailureRecord(ctx context.Context, tx *sql.Tx, f domain.FailureRecord) error {
	escalated := 0
	if f.Escalated {
		escalated = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO failure_records(session_id,operation,count,last_error,escalated,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(session_id,operation) DO UPDATE SET count=excluded.count, last_error=excluded.last_error, escalated=excluded.escalated, updated_at=excluded.updated_at`,
		f.SessionID, f.Operation, f.Count, nullable(f.LastError), escalated, f.UpdatedAt)
	return err
}

func (r Repo) ListFailureRecords(ctx context.Context, sessionID string) ([]domain.FailureRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,operation,count,last_error,escalated,updated_at FROM failure_records WHERE session_id=? ORDER BY operation ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FailureRecord
	for rows.Next() {
		var f domain.FailureRecord
		var lastError sql.NullString
		var escalated int
		if err := rows.Scan(&f.SessionID, &f.Operation, &f.Count, &lastError, &escalated, &f.UpdatedAt); err != nil {
			return nil, err
		}
		if lastError.Valid {
			f.LastError = lastError.String
		}
		f.Escalated = escalated != 0
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, sessionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, sessionID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, sessionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,session_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var sessionID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &sessionID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			e.SessionID = sessionID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to a session.
func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	var id int64
	var err error
	if sessionID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE session_id=?`, sessionID).Scan(&id)
	}
	return id, err
}

func (r Repo) CountSessionsByPhase(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase, count(*) FROM sessions GROUP BY phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, err
		}
		res[phase] = count
	}
	return res, rows.Err()
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
