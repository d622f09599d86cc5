package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/auth"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/dedupe"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/delegate"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/metrics"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/pipeline"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/ratelimit"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/registry"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/router"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/store"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/stream"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/whitelist"
)

const testSecret = "test-signing-secret"

type stubDelegator struct {
	result delegate.Result
	calls  int
}

func (d *stubDelegator) Execute(ctx context.Context, target string, params delegate.ExecuteParams, correlationID string) delegate.Result {
	d.calls++
	return d.result
}

func completedResult(text string) delegate.Result {
	return delegate.Result{
		Task:  models.DelegationTask{State: models.TaskCompleted},
		Agent: models.AgentResult{Status: models.AgentStatusSuccess, ResponseText: text},
	}
}

func testServer(t *testing.T, delegator pipeline.Delegator) *Server {
	t.Helper()
	t.Setenv("WHITELIST_JSON", `{"tenants":["T1"],"users":["U1"],"channels":["C1"]}`)
	cache := store.NewMemoryCache()
	agents := registry.Load(context.Background(), `{"echo":"http://agent-echo"}`, nil)
	pl := &pipeline.Pipeline{
		Signatures: auth.Verifier{Secret: testSecret},
		Dedupe:     dedupe.New(cache),
		Whitelist:  &whitelist.Authorizer{Loader: whitelist.NewLoader(whitelist.EnvSource{Var: "WHITELIST_JSON"})},
		Limiter:    ratelimit.NewInMemory(),
		RateLimit:  100,
		RateWindow: time.Minute,
		Router:     &router.Router{Registry: agents},
		Registry:   agents,
		Delegate:   delegator,
	}
	return &Server{
		Pipeline:            pl,
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Registry:            agents,
		MaxRequestBodyBytes: 1 << 20,
	}
}

func signedEventRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Signature", auth.ComputeSignature(testSecret, ts, body))
	return req
}

func TestHandleEventsSingle(t *testing.T) {
	d := &stubDelegator{result: completedResult("pong")}
	s := testServer(t, d)
	body := []byte(`{"tenant_id":"T1","user_id":"U1","channel_id":"C1","text":"ping","event_id":"ev-1"}`)

	rec := httptest.NewRecorder()
	s.handleEvents(rec, signedEventRequest(t, body))

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var res models.PipelineResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != models.StatusCompleted || res.Text != "pong" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if d.calls != 1 {
		t.Fatalf("expected 1 delegation, got %d", d.calls)
	}
}

func TestHandleEventsBadSignature(t *testing.T) {
	s := testServer(t, &stubDelegator{result: completedResult("pong")})
	body := []byte(`{"tenant_id":"T1","user_id":"U1","channel_id":"C1","text":"ping","event_id":"ev-1"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Signature", "v0=deadbeef")

	rec := httptest.NewRecorder()
	s.handleEvents(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	var res models.PipelineResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if res.ErrorCode != pipeline.CodeAuthFailed {
		t.Fatalf("error code %q", res.ErrorCode)
	}
}

func TestHandleEventsValidation(t *testing.T) {
	s := testServer(t, &stubDelegator{result: completedResult("pong")})
	body := []byte(`{"tenant_id":"T1","user_id":"U1","channel_id":"C1","event_id":"ev-1"}`)

	rec := httptest.NewRecorder()
	s.handleEvents(rec, signedEventRequest(t, body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "text required") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleEventsBatchRejectsWholeOnInvalidEvent(t *testing.T) {
	d := &stubDelegator{result: completedResult("pong")}
	s := testServer(t, d)
	body := []byte(`{"events":[
		{"tenant_id":"T1","user_id":"U1","channel_id":"C1","text":"ok","event_id":"ev-1"},
		{"tenant_id":"T1","user_id":"U1","channel_id":"C1","event_id":"ev-2"}
	]}`)

	rec := httptest.NewRecorder()
	s.handleEvents(rec, signedEventRequest(t, body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if d.calls != 0 {
		t.Fatalf("no event should run, got %d delegations", d.calls)
	}
}

func TestHandleEventsBatchAggregates(t *testing.T) {
	d := &stubDelegator{result: completedResult("pong")}
	s := testServer(t, d)
	// ev-2 is outside the whitelist, so the batch reports it failed.
	body := []byte(`{"events":[
		{"tenant_id":"T1","user_id":"U1","channel_id":"C1","text":"ok","event_id":"ev-1"},
		{"tenant_id":"T2","user_id":"U1","channel_id":"C1","text":"ok","event_id":"ev-2"}
	]}`)

	rec := httptest.NewRecorder()
	s.handleEvents(rec, signedEventRequest(t, body))

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Processed != 2 {
		t.Fatalf("processed %d, want 2", out.Processed)
	}
	if len(out.FailedIDs) != 1 || out.FailedIDs[0] != "ev-2" {
		t.Fatalf("failed ids %v", out.FailedIDs)
	}
	if len(out.Results) != 2 {
		t.Fatalf("results %d, want 2", len(out.Results))
	}
}

func TestHandleEventsDuplicateSilentlyCompleted(t *testing.T) {
	d := &stubDelegator{result: completedResult("pong")}
	s := testServer(t, d)
	body := []byte(`{"tenant_id":"T1","user_id":"U1","channel_id":"C1","text":"ping","event_id":"ev-dup"}`)

	first := httptest.NewRecorder()
	s.handleEvents(first, signedEventRequest(t, body))
	second := httptest.NewRecorder()
	s.handleEvents(second, signedEventRequest(t, body))

	if second.Code != 200 {
		t.Fatalf("status %d", second.Code)
	}
	var res models.PipelineResult
	_ = json.Unmarshal(second.Body.Bytes(), &res)
	if res.Status != models.StatusCompleted || res.ErrorCode != "" {
		t.Fatalf("duplicate should complete silently: %+v", res)
	}
	if d.calls != 1 {
		t.Fatalf("expected 1 delegation total, got %d", d.calls)
	}
}

func TestHandleHealthz(t *testing.T) {
	s := testServer(t, &stubDelegator{result: completedResult("pong")})
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["status"] != "ok" {
		t.Fatalf("status %q, want ok", out["status"])
	}
}

func TestLimitRequestBodyMiddleware(t *testing.T) {
	s := testServer(t, &stubDelegator{result: completedResult("pong")})
	s.MaxRequestBodyBytes = 16
	handler := s.limitRequestBodyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := readRequestBody(w, r); !ok {
			return
		}
		w.WriteHeader(200)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(strings.Repeat("x", 64)))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", rec.Code)
	}
}

func TestParseKeywordRules(t *testing.T) {
	rules := parseKeywordRules("billing=invoice|refund; ops=deploy ;broken")
	if len(rules) != 2 {
		t.Fatalf("rules %d, want 2", len(rules))
	}
	if rules[0].AgentID != "billing" || len(rules[0].Keywords) != 2 {
		t.Fatalf("rule 0: %+v", rules[0])
	}
	if rules[1].AgentID != "ops" || rules[1].Keywords[0] != "deploy" {
		t.Fatalf("rule 1: %+v", rules[1])
	}
	if parseKeywordRules("") != nil {
		t.Fatal("empty input should yield no rules")
	}
}

func TestWsOriginPatterns(t *testing.T) {
	got := wsOriginPatterns(" a.example.com , ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("patterns %v", got)
	}
	if wsOriginPatterns("  ") != nil {
		t.Fatal("blank input should yield nil")
	}
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return pgx.ErrNoRows
}

type fakeDB struct {
	execs  []string
	closed bool
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{}
}

func (db *fakeDB) Close() { db.closed = true }

func TestRunGatewayWiresFullStack(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req delegate.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"status": "success", "response_text": "hello from agent"},
		})
	}))
	defer agent.Close()
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer directory.Close()

	t.Setenv("SIGNING_SECRET", testSecret)
	t.Setenv("WHITELIST_JSON", `{"tenants":["T1"],"users":["U1"],"channels":["C1"]}`)
	t.Setenv("AGENTS_JSON", `{"echo":"`+agent.URL+`"}`)
	t.Setenv("EXISTENCE_API_URL", directory.URL)
	t.Setenv("OPS_TOKEN", "ops-secret")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("KAFKA_BROKERS", "")

	db := &fakeDB{}
	var captured *http.Server
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return db, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
		nil,
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil {
		t.Fatal("listen never called")
	}
	if len(db.execs) == 0 || !strings.Contains(db.execs[0], "CREATE TABLE") {
		t.Fatalf("schema not ensured: %v", db.execs)
	}

	// Health endpoint through the real router.
	rec := httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz status %d", rec.Code)
	}

	// Metrics require the ops bearer token.
	rec = httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("metrics without token: status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	captured.Handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("metrics with token: status %d", rec.Code)
	}

	// A signed event travels the full pipeline to the mock agent.
	body := []byte(`{"tenant_id":"T1","user_id":"U1","channel_id":"C1","text":"hi","event_id":"ev-e2e","credential":"tok"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req = httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Signature", auth.ComputeSignature(testSecret, ts, body))
	rec = httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("event status %d: %s", rec.Code, rec.Body.String())
	}
	var res models.PipelineResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != models.StatusCompleted || res.Text != "hello from agent" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunGatewayRequiresSigningSecret(t *testing.T) {
	t.Setenv("SIGNING_SECRET", "")
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return &fakeDB{}, nil },
		nil,
		nil,
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "SIGNING_SECRET") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}
