package server

import (
	"encoding/json"

	"crewline/internal/domain"
	"crewline/internal/roster"
)

// Request payloads

type SubmitEventRequest struct {
	Event string `json:"event" enum:"approve,reject,halt,all-edits-confirmed,reset"`
}

type RequestHandoffRequest struct {
	FromRole string         `json:"from_role,omitempty"`
	ToRole   string         `json:"to_role"`
	Context  map[string]any `json:"context,omitempty"`
}

type OperationResultRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type SessionResponse struct {
	ID         string  `json:"id"`
	Phase      string  `json:"phase" enum:"analyze,plan,implement,done,halted"`
	ActiveRole string  `json:"active_role,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
	ArchivedAt *string `json:"archived_at,omitempty" format:"date-time"`
}

type TransitionResponse struct {
	Seq       int    `json:"seq"`
	Event     string `json:"event"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type HandoffResponse struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       int            `json:"seq"`
	FromRole  string         `json:"from_role,omitempty"`
	ToRole    string         `json:"to_role"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type FailureRecordResponse struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
	LastError string `json:"last_error,omitempty"`
	Escalated bool   `json:"escalated"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type SessionStateResponse struct {
	Session     SessionResponse         `json:"session"`
	Transitions []TransitionResponse    `json:"transitions"`
	Handoffs    []HandoffResponse       `json:"handoffs"`
	Failures    []FailureRecordResponse `json:"failures"`
}

type OperationResultResponse struct {
	Operation   string `json:"operation"`
	Disposition string `json:"disposition" enum:"ok,retry,escalate"`
}

type RoleResponse struct {
	Name         string   `json:"name"`
	Tier         string   `json:"tier"`
	Capabilities []string `json:"capabilities"`
	Job          string   `json:"job"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedSessions struct {
	Items      []SessionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse(s)
}

func transitionResponse(t domain.Transition) TransitionResponse {
	return TransitionResponse{
		Seq:       t.Seq,
		Event:     t.Event,
		FromPhase: t.FromPhase,
		ToPhase:   t.ToPhase,
		CreatedAt: t.CreatedAt,
	}
}

func handoffResponse(h domain.Handoff) HandoffResponse {
	return HandoffResponse{
		ID:        h.ID,
		SessionID: h.SessionID,
		Seq:       h.Seq,
		FromRole:  h.FromRole,
		ToRole:    h.ToRole,
		Context:   decodeJSONMap(strPtr(h.Context)),
		CreatedAt: h.CreatedAt,
	}
}

func failureResponse(f domain.FailureRecord) FailureRecordResponse {
	return FailureRecordResponse{
		Operation: f.Operation,
		Count:     f.Count,
		LastError: f.LastError,
		Escalated: f.Escalated,
		UpdatedAt: f.UpdatedAt,
	}
}

func stateResponse(st domain.SessionState) SessionStateResponse {
	resp := SessionStateResponse{
		Session:     sessionResponse(st.Session),
		Transitions: []TransitionResponse{},
		Handoffs:    []HandoffResponse{},
		Failures:    []FailureRecordResponse{},
	}
	for _, t := range st.Transitions {
		resp.Transitions = append(resp.Transitions, transitionResponse(t))
	}
	for _, h := range st.Handoffs {
		resp.Handoffs = append(resp.Handoffs, handoffResponse(h))
	}
	for _, f := range st.Failures {
		resp.Failures = append(resp.Failures, failureResponse(f))
	}
	return resp
}

func roleResponse(r roster.Role) RoleResponse {
	caps := make([]string, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		caps = append(caps, string(c))
	}
	return RoleResponse{
		Name:         r.Name,
		Tier:         r.TierName,
		Capabilities: caps,
		Job:          r.Job,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func strPtr(in string) *string {
	return &in
}
