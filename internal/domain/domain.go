package domain

// Session is one in-flight task being shepherded through the workflow.
type Session struct {
	ID         string `json:"id"`
	Phase      string `json:"phase" enum:"analyze,plan,implement,done,halted"`
	ActiveRole string `json:"active_role,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
	// ArchivedAt is set when the session reaches a terminal phase.
	// Archived sessions are kept for inspection, never deleted.
	ArchivedAt *string `json:"archived_at,omitempty" format:"date-time"`
}

// Transition is one accepted phase change, sequenced per session.
type Transition struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Event     string `json:"event"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Handoff is an accepted transfer of the active role.
type Handoff struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	FromRole  string `json:"from_role,omitempty"`
	ToRole    string `json:"to_role"`
	Context   string `json:"context,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FailureRecord counts consecutive failures of a named operation
// within a session. Reset on success.
type FailureRecord struct {
	SessionID string `json:"session_id"`
	Operation string `json:"operation"`
	Count     int    `json:"count"`
	LastError string `json:"last_error,omitempty"`
	Escalated bool   `json:"escalated"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// SessionState is the read-only snapshot returned by get-state calls.
type SessionState struct {
	Session     Session         `json:"session"`
	Transitions []Transition    `json:"transitions"`
	Handoffs    []Handoff       `json:"handoffs"`
	Failures    []FailureRecord `json:"failures,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
