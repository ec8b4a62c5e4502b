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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"worktab/internal/config"
	"worktab/internal/db"
	"worktab/internal/domain"
	"worktab/internal/engine"
	"worktab/internal/migrate"
	"worktab/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{Owner: "u-owner"}
	cfg.Workers = []config.SeedWorker{
		{ID: "u-owner", Name: "Owner", Roles: []string{domain.RoleOwner}},
		{ID: "u-admin", Name: "Admin", Roles: []string{domain.RoleAdmin}},
		{ID: "u-sara", Name: "Sara", Rate: "4.5"},
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	if err := e.SeedWorkers(context.Background()); err != nil {
		t.Fatalf("seed workers: %v", err)
	}
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func TestRequestCompletionReportFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/request", map[string]any{
		"sender_id":   "u-sara",
		"text":        "نحتاج ٥٠ قطعة",
		"message_ref": "msg-1",
	}, asActor("u-sara"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request status %d: %s", res.StatusCode, data)
	}
	var created OrderResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if created.Quantity != 50 || created.Status != domain.OrderPending {
		t.Fatalf("created order = %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/completion", map[string]any{
		"sender_id":            "u-sara",
		"reply_to_message_ref": "msg-1",
	}, asActor("u-sara"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion status %d: %s", res.StatusCode, data)
	}
	var done OrderResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if done.Status != domain.OrderCompleted || done.WorkerID == nil || *done.WorkerID != "u-sara" {
		t.Fatalf("completed order = %+v", done)
	}

	// replaying the completion reply is expected transport noise
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/completion", map[string]any{
		"sender_id":            "u-sara",
		"reply_to_message_ref": "msg-1",
	}, asActor("u-sara"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("replay status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/report?start=2024-06-01&end=2024-06-01", nil, asActor("u-admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, data)
	}
	var rep ReportResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(rep.Rows) != 1 || rep.Rows[0].TotalQuantity != 50 || rep.Rows[0].Wage != "2.25" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRequestWithoutQuantity(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/request", map[string]any{
		"sender_id":   "u-sara",
		"text":        "صباح الخير",
		"message_ref": "msg-1",
	}, asActor("u-sara"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "no_quantity" {
		t.Fatalf("code = %s: %s", envelope.Error.Code, data)
	}
}

func TestReportForbiddenForWorker(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/report", nil, asActor("u-sara"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestResetConfirmHandshake(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/request", map[string]any{
		"sender_id": "u-sara", "text": "30", "message_ref": "msg-1",
	}, asActor("u-sara"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/reset", map[string]any{
		"confirmed": false,
	}, asActor("u-owner"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("unconfirmed status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ledger/reset", map[string]any{
		"confirmed": true,
	}, asActor("u-owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirmed status %d: %s", res.StatusCode, data)
	}
	var reset ResetResponse
	if err := json.Unmarshal(data, &reset); err != nil {
		t.Fatalf("unmarshal reset: %v", err)
	}
	if reset.Scope != engine.ResetUnpaid || reset.Removed != 1 {
		t.Fatalf("reset = %+v", reset)
	}
}

func TestWorkerAdminEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	asOwner := asActor("u-owner")

	// no caller_id in any body: the authenticated principal acts for itself
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers", map[string]any{
		"id": "u-nour", "name": "Nour", "rate": "3",
	}, asOwner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add worker status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/workers/u-nour/rate", map[string]any{
		"rate": "5",
	}, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set rate status %d: %s", res.StatusCode, data)
	}
	var w WorkerResponse
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}
	if w.Rate != "5" {
		t.Fatalf("rate = %s, want 5", w.Rate)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/u-sara/promote", map[string]any{}, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promote status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}
	hasAdmin := false
	for _, role := range w.Roles {
		if role == domain.RoleAdmin {
			hasAdmin = true
		}
	}
	if !hasAdmin {
		t.Fatalf("promoted roles = %v", w.Roles)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers/u-sara/demote", map[string]any{}, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("demote status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}
	for _, role := range w.Roles {
		if role == domain.RoleAdmin {
			t.Fatalf("admin role survived demote: %v", w.Roles)
		}
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/workers/u-nour", nil, asOwner)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("remove worker status %d: %s", res.StatusCode, data)
	}
}

func TestMarkPaidWithPrincipalBody(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/request", map[string]any{
		"sender_id": "u-sara", "text": "40", "message_ref": "msg-1",
	}, asActor("u-sara"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/completion", map[string]any{
		"sender_id": "u-sara", "reply_to_message_ref": "msg-1",
	}, asActor("u-sara"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/paid", map[string]any{}, asActor("u-admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark paid status %d: %s", res.StatusCode, data)
	}
	var summary PaidSummaryResponse
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Count != 1 || summary.TotalQuantity != 40 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workers", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials status %d", res.StatusCode)
	}
	// health stays open for probes
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u-admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	// the authenticated principal acts for itself when no caller_id is given
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/report", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt report status %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/report", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	secret := uuid.NewString()
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: "u-admin",
		Name:    "test",
		KeyHash: repo.HashAPIKey(secret),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/report", nil,
		map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key report status %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/report", nil,
		map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
}
