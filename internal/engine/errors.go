package engine

import (
	"errors"
	"fmt"
)

// ErrUnknownSession is returned when a session id does not exist.
var ErrUnknownSession = errors.New("unknown session")

// InvalidTransitionError indicates no transition-table row matches the
// (phase, event) pair.
type InvalidTransitionError struct {
	Phase string
	Event string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s in phase %s", e.Event, e.Phase)
}

// Handoff rejection rule ids. Rejections always carry the specific rule
// that was violated, never a generic failure.
const (
	RuleTerminalSession    = "terminal_session"
	RuleNotActiveRole      = "not_active_role"
	RuleUnknownRole        = "unknown_role"
	RuleSelfHandoff        = "self_handoff"
	RuleFirstHandoffTarget = "first_handoff_target"
	RuleResearchBeforeWrite = "research_before_write"
	RuleReviewBeforeDone   = "review_before_done"
)

// HandoffRejectedError reports the violated rule and a human-readable reason.
type HandoffRejectedError struct {
	Rule   string
	Reason string
}

func (e HandoffRejectedError) Error() string {
	return fmt.Sprintf("handoff rejected (%s): %s", e.Rule, e.Reason)
}
