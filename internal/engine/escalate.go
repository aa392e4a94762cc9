package engine

// Disposition classifies the outcome of recording an operation result.
// Escalate is advisory: the tracker never transitions the workflow itself,
// the caller decides whether to submit a halt event.
type Disposition string

const (
	DispositionOK       Disposition = "ok"
	DispositionRetry    Disposition = "retry"
	DispositionEscalate Disposition = "escalate"
)

func (e Engine) escalationThreshold() int {
	if e.Config != nil && e.Config.Workflow.EscalationThreshold > 0 {
		return e.Config.Workflow.EscalationThreshold
	}
	return 3
}
