package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func newSession(t *testing.T, env testEnv) string {
	t.Helper()
	s, err := env.Engine.CreateSession(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if s.Phase != engine.PhaseAnalyze {
		t.Fatalf("expected initial phase analyze, got %s", s.Phase)
	}
	return s.ID
}

func handoff(t *testing.T, env testEnv, sessionID, from, to string) {
	t.Helper()
	_, err := env.Engine.RequestHandoff(env.Ctx, engine.HandoffRequest{
		SessionID: sessionID,
		FromRole:  from,
		ToRole:    to,
	}, "tester")
	if err != nil {
		t.Fatalf("handoff %s -> %s: %v", from, to, err)
	}
}

func rejectedRule(t *testing.T, err error) string {
	t.Helper()
	var hre engine.HandoffRejectedError
	if !errors.As(err, &hre) {
		t.Fatalf("expected HandoffRejectedError, got %v", err)
	}
	return hre.Rule
}

func TestPhaseWalk(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	s, err := env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	if err != nil || s.Phase != engine.PhasePlan {
		t.Fatalf("analyze approve: phase=%s err=%v", s.Phase, err)
	}
	s, err = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	if err != nil || s.Phase != engine.PhaseImplement {
		t.Fatalf("plan approve: phase=%s err=%v", s.Phase, err)
	}
	s, err = env.Engine.SubmitEvent(env.Ctx, id, engine.EventReject, "tester")
	if err != nil || s.Phase != engine.PhasePlan {
		t.Fatalf("implement reject: phase=%s err=%v", s.Phase, err)
	}
	s, err = env.Engine.SubmitEvent(env.Ctx, id, engine.EventReject, "tester")
	if err != nil || s.Phase != engine.PhaseAnalyze {
		t.Fatalf("plan reject: phase=%s err=%v", s.Phase, err)
	}

	state, err := env.Engine.GetState(env.Ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if len(state.Transitions) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(state.Transitions))
	}
	for i, tr := range state.Transitions {
		if tr.Seq != i+1 {
			t.Fatalf("expected seq %d, got %d", i+1, tr.Seq)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, err := env.Engine.SubmitEvent(env.Ctx, id, engine.EventConfirm, "tester")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	_, err = env.Engine.SubmitEvent(env.Ctx, id, engine.EventReject, "tester")
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError for reject in analyze, got %v", err)
	}
	_, err = env.Engine.SubmitEvent(env.Ctx, id, "made-up", "tester")
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError for unknown event, got %v", err)
	}
}

func TestHaltedIsAbsorbing(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	s, err := env.Engine.SubmitEvent(env.Ctx, id, engine.EventHalt, "tester")
	if err != nil || s.Phase != engine.PhaseHalted {
		t.Fatalf("halt: phase=%s err=%v", s.Phase, err)
	}
	if s.ArchivedAt == nil {
		t.Fatalf("expected halted session to be archived")
	}
	for _, event := range []string{engine.EventApprove, engine.EventReset, engine.EventHalt} {
		if _, err := env.Engine.SubmitEvent(env.Ctx, id, event, "tester"); err == nil {
			t.Fatalf("expected %s to be refused in halted", event)
		}
	}
	// Inspection still works.
	if _, err := env.Engine.GetState(env.Ctx, id); err != nil {
		t.Fatalf("get state after halt: %v", err)
	}
}

func TestResetReturnsToAnalyze(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	s, err := env.Engine.SubmitEvent(env.Ctx, id, engine.EventReset, "tester")
	if err != nil || s.Phase != engine.PhaseAnalyze {
		t.Fatalf("reset: phase=%s err=%v", s.Phase, err)
	}
}

func TestFirstHandoffTarget(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, err := env.Engine.RequestHandoff(env.Ctx, engine.HandoffRequest{SessionID: id, ToRole: "implementer"}, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleFirstHandoffTarget {
		t.Fatalf("expected rule %s, got %s", engine.RuleFirstHandoffTarget, rule)
	}
	handoff(t, env, id, "", "researcher")

	state, err := env.Engine.GetState(env.Ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Session.ActiveRole != "researcher" {
		t.Fatalf("expected active role researcher, got %s", state.Session.ActiveRole)
	}
}

func TestResearchBeforeWrite(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	handoff(t, env, id, "", "clarifier")
	_, err := env.Engine.RequestHandoff(env.Ctx, engine.HandoffRequest{SessionID: id, FromRole: "clarifier", ToRole: "implementer"}, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleResearchBeforeWrite {
		t.Fatalf("expected rule %s, got %s", engine.RuleResearchBeforeWrite, rule)
	}
	handoff(t, env, id, "clarifier", "researcher")
	handoff(t, env, id, "researcher", "implementer")
}

func TestSelfHandoffRejectedReviewerCycleAllowed(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	handoff(t, env, id, "", "researcher")
	handoff(t, env, id, "researcher", "implementer")

	_, err := env.Engine.RequestHandoff(env.Ctx, engine.HandoffRequest{SessionID: id, FromRole: "implementer", ToRole: "implementer"}, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleSelfHandoff {
		t.Fatalf("expected rule %s, got %s", engine.RuleSelfHandoff, rule)
	}

	handoff(t, env, id, "implementer", "reviewer")
	// Reviewer sending the change set back is the one permitted cycle.
	handoff(t, env, id, "reviewer", "implementer")
}

func TestHandoffRequiresActiveRole(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	handoff(t, env, id, "", "researcher")
	_, err := env.Engine.RequestHandoff(env.Ctx, engine.HandoffRequest{SessionID: id, FromRole: "planner", ToRole: "clarifier"}, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleNotActiveRole {
		t.Fatalf("expected rule %s, got %s", engine.RuleNotActiveRole, rule)
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, err := env.Engine.RequestHandoff(env.Ctx, engine.HandoffRequest{SessionID: id, ToRole: "wizard"}, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleUnknownRole {
		t.Fatalf("expected rule %s, got %s", engine.RuleUnknownRole, rule)
	}
}

func TestConfirmGatedOnReview(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	handoff(t, env, id, "", "researcher")
	handoff(t, env, id, "researcher", "implementer")

	_, err := env.Engine.SubmitEvent(env.Ctx, id, engine.EventConfirm, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleReviewBeforeDone {
		t.Fatalf("expected rule %s, got %s", engine.RuleReviewBeforeDone, rule)
	}

	handoff(t, env, id, "implementer", "reviewer")
	s, err := env.Engine.SubmitEvent(env.Ctx, id, engine.EventConfirm, "tester")
	if err != nil || s.Phase != engine.PhaseDone {
		t.Fatalf("confirm after review: phase=%s err=%v", s.Phase, err)
	}
	if s.ArchivedAt == nil {
		t.Fatalf("expected done session to be archived")
	}
}

func TestConfirmWithoutAnyReviewRefused(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	// No handoffs at all: the review invariant still fails.
	_, err := env.Engine.SubmitEvent(env.Ctx, id, engine.EventConfirm, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleReviewBeforeDone {
		t.Fatalf("expected rule %s, got %s", engine.RuleReviewBeforeDone, rule)
	}
}

func TestHandoffRefusedOnTerminalSession(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventHalt, "tester")
	_, err := env.Engine.RequestHandoff(env.Ctx, engine.HandoffRequest{SessionID: id, ToRole: "researcher"}, "tester")
	if rule := rejectedRule(t, err); rule != engine.RuleTerminalSession {
		t.Fatalf("expected rule %s, got %s", engine.RuleTerminalSession, rule)
	}
}

func TestFailureEscalation(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	record := func(success bool) engine.Disposition {
		d, err := env.Engine.RecordOperationResult(env.Ctx, id, "run-tests", success, "boom", "tester")
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		return d
	}

	if d := record(false); d != engine.DispositionRetry {
		t.Fatalf("first failure: expected retry, got %s", d)
	}
	if d := record(false); d != engine.DispositionRetry {
		t.Fatalf("second failure: expected retry, got %s", d)
	}
	if d := record(false); d != engine.DispositionEscalate {
		t.Fatalf("third failure: expected escalate, got %s", d)
	}
	if d := record(false); d != engine.DispositionEscalate {
		t.Fatalf("fourth failure: expected escalate, got %s", d)
	}

	// Escalation is idempotent: one escalated event despite two escalations.
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, id, "operation.escalated", "", "")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected 1 escalated event, got %d", len(evts))
	}

	if d := record(true); d != engine.DispositionOK {
		t.Fatalf("success: expected ok, got %s", d)
	}
	// Counter reset: the next failure retries again.
	if d := record(false); d != engine.DispositionRetry {
		t.Fatalf("failure after reset: expected retry, got %s", d)
	}
}

func TestEscalationDoesNotTouchPhase(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	for i := 0; i < 4; i++ {
		if _, err := env.Engine.RecordOperationResult(env.Ctx, id, "build", false, "nope", "tester"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	state, err := env.Engine.GetState(env.Ctx, id)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Session.Phase != engine.PhaseAnalyze {
		t.Fatalf("expected phase unchanged, got %s", state.Session.Phase)
	}
	if len(state.Failures) != 1 || !state.Failures[0].Escalated {
		t.Fatalf("expected one escalated failure record, got %+v", state.Failures)
	}
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.SubmitEvent(env.Ctx, "nope", engine.EventApprove, "tester"); !errors.Is(err, engine.ErrUnknownSession) {
		t.Fatalf("submit: expected ErrUnknownSession, got %v", err)
	}
	if _, err := env.Engine.GetState(env.Ctx, "nope"); !errors.Is(err, engine.ErrUnknownSession) {
		t.Fatalf("state: expected ErrUnknownSession, got %v", err)
	}
	if _, err := env.Engine.RecordOperationResult(env.Ctx, "nope", "op", false, "", "tester"); !errors.Is(err, engine.ErrUnknownSession) {
		t.Fatalf("record: expected ErrUnknownSession, got %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	id := newSession(t, env)

	_, _ = env.Engine.SubmitEvent(env.Ctx, id, engine.EventApprove, "tester")
	handoff(t, env, id, "", "researcher")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE session_id=?`, id)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected multiple events, got %d", count)
	}
}
