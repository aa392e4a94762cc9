package engine

// Workflow phases.
const (
	PhaseAnalyze   = "analyze"
	PhasePlan      = "plan"
	PhaseImplement = "implement"
	PhaseDone      = "done"
	PhaseHalted    = "halted"
)

// Workflow events.
const (
	EventApprove = "approve"
	EventReject  = "reject"
	EventHalt    = "halt"
	EventConfirm = "all-edits-confirmed"
	EventReset   = "reset"
)

// KnownEvents lists every accepted event name.
var KnownEvents = []string{EventApprove, EventReject, EventHalt, EventConfirm, EventReset}

func terminalPhase(phase string) bool {
	return phase == PhaseDone || phase == PhaseHalted
}

// nextPhase applies the fixed transition table. Every call either yields
// the next phase or fails; no event is silently ignored.
func nextPhase(phase, event string) (string, error) {
	if !terminalPhase(phase) && event == EventReset {
		return PhaseAnalyze, nil
	}
	switch phase {
	case PhaseAnalyze:
		switch event {
		case EventApprove:
			return PhasePlan, nil
		case EventHalt:
			return PhaseHalted, nil
		}
	case PhasePlan:
		switch event {
		case EventApprove:
			return PhaseImplement, nil
		case EventReject:
			return PhaseAnalyze, nil
		case EventHalt:
			return PhaseHalted, nil
		}
	case PhaseImplement:
		switch event {
		case EventConfirm:
			return PhaseDone, nil
		case EventReject:
			return PhasePlan, nil
		case EventHalt:
			return PhaseHalted, nil
		}
	}
	return "", InvalidTransitionError{Phase: phase, Event: event}
}
