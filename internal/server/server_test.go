package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createSession(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var created SessionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if created.Phase != "analyze" {
		t.Fatalf("expected new session in analyze, got %s", created.Phase)
	}
	return created.ID
}

func TestSessionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+id+"/events", map[string]any{
		"event": "approve",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var s SessionResponse
	_ = json.Unmarshal(data, &s)
	if s.Phase != "plan" {
		t.Fatalf("expected plan after approve, got %s", s.Phase)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get session status %d: %s", res.StatusCode, string(data))
	}
	var state SessionStateResponse
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if len(state.Transitions) != 1 || state.Transitions[0].ToPhase != "plan" {
		t.Fatalf("unexpected transitions: %+v", state.Transitions)
	}
}

func TestInvalidEventConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createSession(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+id+"/events", map[string]any{
		"event": "reject",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", envelope.Error.Code)
	}
}

func TestHandoffRejectedCarriesRule(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createSession(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+id+"/handoffs", map[string]any{
		"to_role": "implementer",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "handoff_rejected" {
		t.Fatalf("expected handoff_rejected, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["rule"] != "first_handoff_target" {
		t.Fatalf("expected rule first_handoff_target, got %v", envelope.Error.Details["rule"])
	}
}

func TestHandoffAcceptedAndListed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+id+"/handoffs", map[string]any{
		"to_role": "researcher",
		"context": map[string]any{"brief": "explore the codebase"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("handoff status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+id+"/handoffs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list handoffs status %d: %s", res.StatusCode, string(data))
	}
	var items []HandoffResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal handoffs: %v", err)
	}
	if len(items) != 1 || items[0].ToRole != "researcher" {
		t.Fatalf("unexpected handoffs: %+v", items)
	}
	if items[0].Context["brief"] != "explore the codebase" {
		t.Fatalf("expected handoff context round-trip, got %+v", items[0].Context)
	}
}

func TestOperationResultDisposition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)

	for i, want := range []string{"retry", "retry", "escalate"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+id+"/operations/run-tests/result", map[string]any{
			"success": false,
			"error":   "boom",
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("record %d status %d: %s", i, res.StatusCode, string(data))
		}
		var out OperationResultResponse
		_ = json.Unmarshal(data, &out)
		if out.Disposition != want {
			t.Fatalf("failure %d: expected %s, got %s", i+1, want, out.Disposition)
		}
	}
}

func TestRolesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/roles", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list roles status %d: %s", res.StatusCode, string(data))
	}
	var roles []RoleResponse
	if err := json.Unmarshal(data, &roles); err != nil {
		t.Fatalf("unmarshal roles: %v", err)
	}
	if len(roles) != 14 {
		t.Fatalf("expected 14 roles, got %d", len(roles))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/roles/reviewer", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get role status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/roles/wizard", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown role, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/sessions", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected a token")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", nil, map[string]string{
		"X-Actor-Id":    "",
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with token status %d: %s", res.StatusCode, string(data))
	}
}
