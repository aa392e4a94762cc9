package engine

import (
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/roster"
)

// HandoffRequest is a proposed transfer of the active role.
type HandoffRequest struct {
	SessionID string
	FromRole  string
	ToRole    string
	Context   string
}

// validateHandoff applies the handoff rules in order. It never mutates
// anything; callers persist accepted handoffs.
func (e Engine) validateHandoff(s domain.Session, history []domain.Handoff, req HandoffRequest) (roster.Role, error) {
	if s.ArchivedAt != nil {
		return roster.Role{}, HandoffRejectedError{
			Rule:   RuleTerminalSession,
			Reason: fmt.Sprintf("session is %s and accepts no further handoffs", s.Phase),
		}
	}

	// Rule 1: cannot hand off on someone else's behalf. The first handoff
	// of a session has no active role yet and is constrained by rule 4
	// instead.
	if len(history) > 0 && req.FromRole != s.ActiveRole {
		return roster.Role{}, HandoffRejectedError{
			Rule:   RuleNotActiveRole,
			Reason: fmt.Sprintf("from-role %s is not the active role %s", req.FromRole, s.ActiveRole),
		}
	}
	if req.FromRole != "" {
		if _, err := e.Roster.Lookup(req.FromRole); err != nil {
			return roster.Role{}, HandoffRejectedError{Rule: RuleUnknownRole, Reason: err.Error()}
		}
	}

	// Rule 2: target must exist.
	target, err := e.Roster.Lookup(req.ToRole)
	if err != nil {
		return roster.Role{}, HandoffRejectedError{Rule: RuleUnknownRole, Reason: err.Error()}
	}

	// Rule 3: no self-handoff, and no immediate bounce-back unless the
	// pair is on the allowed-cycle list (reviewer sending work back).
	if req.FromRole == req.ToRole {
		return roster.Role{}, HandoffRejectedError{
			Rule:   RuleSelfHandoff,
			Reason: fmt.Sprintf("role %s cannot hand off to itself", req.ToRole),
		}
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		if last.FromRole == req.ToRole && last.ToRole == req.FromRole && !e.Config.CycleAllowed(req.FromRole, req.ToRole) {
			return roster.Role{}, HandoffRejectedError{
				Rule:   RuleSelfHandoff,
				Reason: fmt.Sprintf("cycle %s -> %s is not on the allowed-cycle list", req.FromRole, req.ToRole),
			}
		}
	}

	// Rule 4: never jump to implementation.
	if len(history) == 0 && !e.Config.FirstTarget(req.ToRole) {
		return roster.Role{}, HandoffRejectedError{
			Rule:   RuleFirstHandoffTarget,
			Reason: fmt.Sprintf("first handoff must target one of %v, got %s", e.Config.Handoffs.FirstTargets, req.ToRole),
		}
	}

	// Rule 5: never skip research.
	if target.CanWrite() && !e.researchDone(history) {
		return roster.Role{}, HandoffRejectedError{
			Rule:   RuleResearchBeforeWrite,
			Reason: fmt.Sprintf("no research-capable role handled this session before write-capable %s", req.ToRole),
		}
	}

	return target, nil
}

// researchDone reports whether any prior handoff targeted a role with
// both read and web capability.
func (e Engine) researchDone(history []domain.Handoff) bool {
	for _, h := range history {
		role, err := e.Roster.Lookup(h.ToRole)
		if err != nil {
			continue
		}
		if role.Has(roster.CapRead) && role.Has(roster.CapWeb) {
			return true
		}
	}
	return false
}

// reviewDone reports whether an approve-capable role handled the session
// after the most recent write-capable handoff. With no approve handoff at
// all the invariant fails, even if nothing was ever written.
func (e Engine) reviewDone(history []domain.Handoff) bool {
	lastWrite := -1
	lastApprove := -1
	for i, h := range history {
		role, err := e.Roster.Lookup(h.ToRole)
		if err != nil {
			continue
		}
		if role.CanWrite() {
			lastWrite = i
		}
		if role.Has(roster.CapApprove) {
			lastApprove = i
		}
	}
	return lastApprove > lastWrite
}
