package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
	"crewline/internal/roster"
)

// Engine is the synchronous decision core: a request/response state
// container with no autonomous scheduling. Every mutation is one SQLite
// transaction and is serialized per session id.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Roster *roster.Registry
	Now    func() time.Time

	locks *sessionLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Roster: roster.New(),
		Now:    time.Now,
		locks:  newSessionLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// sessionLocks serializes mutating calls per session id. Distinct sessions
// share no mutable state and proceed without coordination.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// CreateSession starts a new workflow session in the analyze phase with
// no active role.
func (e Engine) CreateSession(ctx context.Context, actorID string) (domain.Session, error) {
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Session{
		ID:        uuid.New().String(),
		Phase:     PhaseAnalyze,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.created", s.ID, "session", s.ID, actorID, events.EventPayload{"phase": s.Phase}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// SubmitEvent applies one workflow event to the session. It either
// transitions and appends a sequenced log entry, or fails explicitly.
func (e Engine) SubmitEvent(ctx context.Context, sessionID, event, actorID string) (domain.Session, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, ErrUnknownSession
		}
		return domain.Session{}, err
	}
	// Done and halted are absorbing.
	if terminalPhase(s.Phase) {
		return s, InvalidTransitionError{Phase: s.Phase, Event: event}
	}
	to, err := nextPhase(s.Phase, event)
	if err != nil {
		return s, err
	}
	if event == EventConfirm {
		history, err := e.Repo.ListHandoffsTx(ctx, tx, sessionID)
		if err != nil {
			return s, err
		}
		if !e.reviewDone(history) {
			return s, HandoffRejectedError{
				Rule:   RuleReviewBeforeDone,
				Reason: "no approve-capable handoff after the most recent write-capable handoff",
			}
		}
	}

	seq, err := e.Repo.NextTransitionSeq(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := s.Phase
	s.Phase = to
	s.UpdatedAt = now
	if terminalPhase(to) {
		// Archived, not deleted: terminal sessions stay inspectable.
		s.ArchivedAt = &now
	}
	if err := e.Repo.InsertTransition(ctx, tx, domain.Transition{
		SessionID: sessionID,
		Seq:       seq,
		Event:     event,
		FromPhase: from,
		ToPhase:   to,
		CreatedAt: now,
	}); err != nil {
		return s, err
	}
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.phase.changed", s.ID, "session", s.ID, actorID, events.EventPayload{
		"event": event,
		"from":  from,
		"to":    to,
		"seq":   seq,
	}); err != nil {
		return s, err
	}
	if terminalPhase(to) {
		if err := e.Events.Append(ctx, tx, "session.archived", s.ID, "session", s.ID, actorID, events.EventPayload{"phase": to}); err != nil {
			return s, err
		}
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// RequestHandoff validates and, if permitted, applies a transfer of the
// active role. Rejected handoffs leave the session untouched.
func (e Engine) RequestHandoff(ctx context.Context, req HandoffRequest, actorID string) (domain.Handoff, error) {
	unlock := e.locks.lock(req.SessionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Handoff{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, req.SessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Handoff{}, ErrUnknownSession
		}
		return domain.Handoff{}, err
	}
	history, err := e.Repo.ListHandoffsTx(ctx, tx, req.SessionID)
	if err != nil {
		return domain.Handoff{}, err
	}
	target, err := e.validateHandoff(s, history, req)
	if err != nil {
		return domain.Handoff{}, err
	}

	seq, err := e.Repo.NextHandoffSeq(ctx, tx, req.SessionID)
	if err != nil {
		return domain.Handoff{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	h := domain.Handoff{
		SessionID: req.SessionID,
		Seq:       seq,
		FromRole:  req.FromRole,
		ToRole:    req.ToRole,
		Context:   req.Context,
		CreatedAt: now,
	}
	if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
		return domain.Handoff{}, err
	}
	s.ActiveRole = target.Name
	s.UpdatedAt = now
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.Handoff{}, err
	}
	if err := e.Events.Append(ctx, tx, "handoff.accepted", s.ID, "handoff", s.ID, actorID, events.EventPayload{
		"from": req.FromRole,
		"to":   req.ToRole,
		"seq":  seq,
	}); err != nil {
		return domain.Handoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Handoff{}, err
	}
	return h, nil
}

// RecordOperationResult updates the consecutive-failure counter for
// (session, operation) and classifies the outcome. Classification only:
// escalation never transitions the session by itself.
func (e Engine) RecordOperationResult(ctx context.Context, sessionID, operation string, success bool, errorText, actorID string) (Disposition, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetSessionTx(ctx, tx, sessionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrUnknownSession
		}
		return "", err
	}
	rec, err := e.Repo.GetFailureRecordTx(ctx, tx, sessionID, operation)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	rec.SessionID = sessionID
	rec.Operation = operation
	now := e.now().UTC().Format(time.RFC3339)
	rec.UpdatedAt = now

	var disposition Disposition
	if success {
		recovered := rec.Count > 0 || rec.Escalated
		rec.Count = 0
		rec.LastError = ""
		rec.Escalated = false
		disposition = DispositionOK
		if err := e.Repo.UpsertFailureRecord(ctx, tx, rec); err != nil {
			return "", err
		}
		if recovered {
			if err := e.Events.Append(ctx, tx, "operation.recovered", sessionID, "operation", operation, actorID, nil); err != nil {
				return "", err
			}
		}
	} else {
		rec.Count++
		rec.LastError = errorText
		if rec.Count >= e.escalationThreshold() {
			disposition = DispositionEscalate
		} else {
			disposition = DispositionRetry
		}
		firstEscalation := disposition == DispositionEscalate && !rec.Escalated
		if disposition == DispositionEscalate {
			rec.Escalated = true
		}
		if err := e.Repo.UpsertFailureRecord(ctx, tx, rec); err != nil {
			return "", err
		}
		if err := e.Events.Append(ctx, tx, "operation.failed", sessionID, "operation", operation, actorID, events.EventPayload{
			"count":       rec.Count,
			"disposition": string(disposition),
		}); err != nil {
			return "", err
		}
		// Idempotent: repeated escalations re-report, never re-trigger.
		if firstEscalation {
			if err := e.Events.Append(ctx, tx, "operation.escalated", sessionID, "operation", operation, actorID, events.EventPayload{
				"error": errorText,
			}); err != nil {
				return "", err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return disposition, nil
}

// GetState returns a read-only snapshot of the session.
func (e Engine) GetState(ctx context.Context, sessionID string) (domain.SessionState, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.SessionState{}, ErrUnknownSession
		}
		return domain.SessionState{}, err
	}
	transitions, err := e.Repo.ListTransitions(ctx, sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	handoffs, err := e.Repo.ListHandoffs(ctx, sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	failures, err := e.Repo.ListFailureRecords(ctx, sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	return domain.SessionState{
		Session:     s,
		Transitions: transitions,
		Handoffs:    handoffs,
		Failures:    failures,
	}, nil
}
