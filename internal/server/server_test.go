package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/migrate"
	"flowboard/internal/server"
)

const testSecret = "server-test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test-board"))
	ctx := context.Background()
	if err := eng.SetAdmin(ctx, "root", true); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return testServer{Server: ts, Engine: eng}
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (ts testServer) doJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func seedBoard(t *testing.T, ts testServer, token string) {
	t.Helper()
	if code := ts.doJSON(t, http.MethodPost, "/v0/processes", token, map[string]any{
		"id": "support", "name": "Support",
	}, nil); code != http.StatusCreated {
		t.Fatalf("create process: status %d", code)
	}
	for _, s := range []map[string]any{
		{"id": "new", "name": "New", "is_initial": true},
		{"id": "review", "name": "Review"},
		{"id": "done", "name": "Done", "is_final": true},
	} {
		if code := ts.doJSON(t, http.MethodPost, "/v0/processes/support/stages", token, s, nil); code != http.StatusCreated {
			t.Fatalf("create stage %v: status %d", s["id"], code)
		}
	}
	for _, edge := range [][2]string{{"new", "review"}, {"review", "done"}} {
		if code := ts.doJSON(t, http.MethodPut, "/v0/stages/"+edge[0]+"/transitions/"+edge[1], token, nil, nil); code != http.StatusNoContent {
			t.Fatalf("allow %s -> %s: status %d", edge[0], edge[1], code)
		}
	}
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	code := ts.doJSON(t, http.MethodGet, "/v0/health", "", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("health: status %d", code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t)
	var env errorEnvelope
	code := ts.doJSON(t, http.MethodGet, "/v0/processes", "", nil, &env)
	if code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", code)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestBadTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "root"}).
		SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}
	code := ts.doJSON(t, http.MethodGet, "/v0/processes", forged, nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", code)
	}
}

func TestAdminRequiredForBoardSetup(t *testing.T) {
	ts := newTestServer(t)
	alice := mintToken(t, "alice")
	var env errorEnvelope
	code := ts.doJSON(t, http.MethodPost, "/v0/processes", alice, map[string]any{"name": "Nope"}, &env)
	if code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", code)
	}
	if env.Error.Code != "permission_denied" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestTicketLifecycle(t *testing.T) {
	ts := newTestServer(t)
	root := mintToken(t, "root")
	seedBoard(t, ts, root)

	var ticket domain.Ticket
	code := ts.doJSON(t, http.MethodPost, "/v0/processes/support/tickets", root, map[string]any{
		"title": "printer on fire",
	}, &ticket)
	if code != http.StatusCreated {
		t.Fatalf("create ticket: status %d", code)
	}
	if ticket.CurrentStageID != "new" {
		t.Fatalf("ticket born in %s, want the initial stage", ticket.CurrentStageID)
	}

	var moved server.MoveTicketResponse
	code = ts.doJSON(t, http.MethodPost, "/v0/tickets/"+ticket.ID+"/move", root, map[string]any{
		"target_stage_id": "review", "comment": "triaged",
	}, &moved)
	if code != http.StatusOK {
		t.Fatalf("move: status %d", code)
	}
	if moved.Ticket.CurrentStageID != "review" {
		t.Fatalf("stage %s after move", moved.Ticket.CurrentStageID)
	}
	if moved.Activity.Type != "stage_changed" || moved.Activity.Comment != "triaged" {
		t.Fatalf("unexpected activity: %+v", moved.Activity)
	}

	var bucket server.StageBucketResponse
	code = ts.doJSON(t, http.MethodGet, "/v0/processes/support/stages/review/tickets", root, nil, &bucket)
	if code != http.StatusOK {
		t.Fatalf("bucket: status %d", code)
	}
	if len(bucket.Tickets) != 1 || bucket.Tickets[0].ID != ticket.ID {
		t.Fatalf("unexpected bucket: %+v", bucket.Tickets)
	}
	if bucket.HasMore {
		t.Fatal("HasMore on a single-ticket bucket")
	}
}

func TestIllegalMoveReturns422(t *testing.T) {
	ts := newTestServer(t)
	root := mintToken(t, "root")
	seedBoard(t, ts, root)

	var ticket domain.Ticket
	ts.doJSON(t, http.MethodPost, "/v0/processes/support/tickets", root, map[string]any{"title": "t"}, &ticket)

	var env errorEnvelope
	code := ts.doJSON(t, http.MethodPost, "/v0/tickets/"+ticket.ID+"/move", root, map[string]any{
		"target_stage_id": "done",
	}, &env)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", code)
	}
	if env.Error.Code != "illegal_transition" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if env.Error.Details["to_stage_id"] != "done" {
		t.Fatalf("details %+v", env.Error.Details)
	}

	var got domain.Ticket
	ts.doJSON(t, http.MethodGet, "/v0/tickets/"+ticket.ID, root, nil, &got)
	if got.CurrentStageID != "new" {
		t.Fatalf("rejected move changed the stage to %s", got.CurrentStageID)
	}
}

func TestValidateProbeDoesNotError(t *testing.T) {
	ts := newTestServer(t)
	root := mintToken(t, "root")
	seedBoard(t, ts, root)

	var ticket domain.Ticket
	ts.doJSON(t, http.MethodPost, "/v0/processes/support/tickets", root, map[string]any{"title": "t"}, &ticket)

	var res server.ValidateTransitionResponse
	code := ts.doJSON(t, http.MethodGet, "/v0/tickets/"+ticket.ID+"/validate?target_stage_id=done", root, nil, &res)
	if code != http.StatusOK {
		t.Fatalf("status %d, want 200 with allowed=false", code)
	}
	if res.Allowed || res.Reason != "illegal_transition" {
		t.Fatalf("unexpected result: %+v", res)
	}

	code = ts.doJSON(t, http.MethodGet, "/v0/tickets/"+ticket.ID+"/validate?target_stage_id=review", root, nil, &res)
	if code != http.StatusOK || !res.Allowed {
		t.Fatalf("legal probe: status %d, result %+v", code, res)
	}
}

func TestStagePermissionEnforcedOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	root := mintToken(t, "root")
	alice := mintToken(t, "alice")

	ts.doJSON(t, http.MethodPost, "/v0/processes", root, map[string]any{"id": "support", "name": "Support"}, nil)
	ts.doJSON(t, http.MethodPost, "/v0/processes/support/stages", root, map[string]any{
		"id": "new", "name": "New", "is_initial": true,
	}, nil)
	ts.doJSON(t, http.MethodPost, "/v0/processes/support/stages", root, map[string]any{
		"id": "review", "name": "Review",
		"required_permissions": []map[string]string{{"resource": "board", "action": "approve"}},
	}, nil)
	ts.doJSON(t, http.MethodPut, "/v0/stages/new/transitions/review", root, nil, nil)

	var ticket domain.Ticket
	ts.doJSON(t, http.MethodPost, "/v0/processes/support/tickets", alice, map[string]any{"title": "t"}, &ticket)

	var env errorEnvelope
	code := ts.doJSON(t, http.MethodPost, "/v0/tickets/"+ticket.ID+"/move", alice, map[string]any{
		"target_stage_id": "review",
	}, &env)
	if code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", code)
	}
	if env.Error.Code != "permission_denied" || env.Error.Details["action"] != "approve" {
		t.Fatalf("unexpected error: %+v", env.Error)
	}

	code = ts.doJSON(t, http.MethodPost, "/v0/grants", root, map[string]any{
		"user_id": "alice", "resource": "board", "action": "approve", "stage_id": "review",
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("grant: status %d", code)
	}

	var moved server.MoveTicketResponse
	code = ts.doJSON(t, http.MethodPost, "/v0/tickets/"+ticket.ID+"/move", alice, map[string]any{
		"target_stage_id": "review",
	}, &moved)
	if code != http.StatusOK {
		t.Fatalf("move after grant: status %d", code)
	}
	if moved.Ticket.CurrentStageID != "review" {
		t.Fatalf("stage %s", moved.Ticket.CurrentStageID)
	}
}

func TestLegacyUserHeader(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test-board"))
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testSecret, AllowLegacyUserHeader: true},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v0/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-User-Id", "local-dev")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("legacy header with flag on: status %d", resp.StatusCode)
	}
	var me server.MeResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.UserID != "local-dev" || me.Source != "legacy_header" {
		t.Fatalf("unexpected identity: %+v", me)
	}
}

func TestLegacyUserHeaderOffByDefault(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v0/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-User-Id", "local-dev")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header without the flag: status %d, want 401", resp.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	root := mintToken(t, "root")

	var created server.APIKeyResponse
	code := ts.doJSON(t, http.MethodPost, "/v0/apikeys", root, map[string]any{
		"user_id": "root", "name": "ci",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create key: status %d", code)
	}
	if created.Key == "" {
		t.Fatal("plaintext key not returned on create")
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v0/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", created.Key)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: status %d", resp.StatusCode)
	}
	var me server.MeResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.UserID != "root" || me.Source != "api_key" {
		t.Fatalf("unexpected identity: %+v", me)
	}
}
