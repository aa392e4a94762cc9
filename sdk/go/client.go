package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID         string  `json:"id"`
	Phase      string  `json:"phase"`
	ActiveRole string  `json:"active_role,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	ArchivedAt *string `json:"archived_at,omitempty"`
}

// Transition is one accepted phase change.
type Transition struct {
	Seq       int    `json:"seq"`
	Event     string `json:"event"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	CreatedAt string `json:"created_at"`
}

// Handoff is an accepted role transfer.
type Handoff struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       int            `json:"seq"`
	FromRole  string         `json:"from_role,omitempty"`
	ToRole    string         `json:"to_role"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// FailureRecord is the consecutive-failure counter for one operation.
type FailureRecord struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
	LastError string `json:"last_error,omitempty"`
	Escalated bool   `json:"escalated"`
	UpdatedAt string `json:"updated_at"`
}

// SessionState is the full session snapshot.
type SessionState struct {
	Session     Session         `json:"session"`
	Transitions []Transition    `json:"transitions"`
	Handoffs    []Handoff       `json:"handoffs"`
	Failures    []FailureRecord `json:"failures"`
}

// OperationResult classifies a recorded operation outcome.
type OperationResult struct {
	Operation   string `json:"operation"`
	Disposition string `json:"disposition"`
}

// Role describes one workflow participant.
type Role struct {
	Name         string   `json:"name"`
	Tier         string   `json:"tier"`
	Capabilities []string `json:"capabilities"`
	Job          string   `json:"job"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedSessions wraps session listings with cursors.
type PaginatedSessions struct {
	Items      []Session `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateSession starts a new workflow session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", nil, &resp)
	return resp, err
}

// Sessions returns a paginated session listing.
func (c *Client) Sessions(ctx context.Context, phase string, limit int, cursor string) (PaginatedSessions, error) {
	endpoint := "v0/sessions"
	params := url.Values{}
	if phase != "" {
		params.Set("phase", phase)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedSessions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// State fetches the full session snapshot.
func (c *Client) State(ctx context.Context, sessionID string) (SessionState, error) {
	var resp SessionState
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, ""), nil, &resp)
	return resp, err
}

// SubmitEvent applies one workflow event to a session.
func (c *Client) SubmitEvent(ctx context.Context, sessionID, event string) (Session, error) {
	body := map[string]any{"event": event}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "events"), body, &resp)
	return resp, err
}

// RequestHandoff asks the session to transfer the active role.
func (c *Client) RequestHandoff(ctx context.Context, sessionID, fromRole, toRole string, handoffContext map[string]any) (Handoff, error) {
	body := map[string]any{
		"from_role": fromRole,
		"to_role":   toRole,
	}
	if handoffContext != nil {
		body["context"] = handoffContext
	}
	var resp Handoff
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "handoffs"), body, &resp)
	return resp, err
}

// Handoffs lists a session's accepted handoffs.
func (c *Client) Handoffs(ctx context.Context, sessionID string) ([]Handoff, error) {
	var resp []Handoff
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "handoffs"), nil, &resp)
	return resp, err
}

// RecordOperationResult reports an operation outcome and returns its
// disposition.
func (c *Client) RecordOperationResult(ctx context.Context, sessionID, operation string, success bool, errText string) (OperationResult, error) {
	body := map[string]any{"success": success}
	if errText != "" {
		body["error"] = errText
	}
	endpoint := c.sessionPath(sessionID, fmt.Sprintf("operations/%s/result", url.PathEscape(operation)))
	var resp OperationResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Roles returns the full role roster.
func (c *Client) Roles(ctx context.Context) ([]Role, error) {
	var resp []Role
	err := c.do(ctx, http.MethodGet, "v0/roles", nil, &resp)
	return resp, err
}

// Role fetches one role by name.
func (c *Client) Role(ctx context.Context, name string) (Role, error) {
	var resp Role
	err := c.do(ctx, http.MethodGet, "v0/roles/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(sessionID, p string) string {
	base := fmt.Sprintf("v0/sessions/%s", url.PathEscape(sessionID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
