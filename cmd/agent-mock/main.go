// Command agent-mock is a stand-in execution agent for local development and
// e2e tests. It speaks the execute_task / get_result JSON-RPC contract,
// serves a capability card, and echoes the delegated text back. AGENT_ASYNC
// switches it to accept-then-poll mode.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/delegate"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/httpx"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runAgentMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type mockAgent struct {
	Async bool
	// Number of get_result calls before an async task completes.
	PollsToComplete int

	mu    sync.Mutex
	tasks map[string]*mockTask
}

type mockTask struct {
	text  string
	polls int
}

func newMockAgent() *mockAgent {
	return &mockAgent{
		Async:           env("AGENT_ASYNC", "false") == "true",
		PollsToComplete: envInt("AGENT_ASYNC_POLLS", 1),
		tasks:           map[string]*mockTask{},
	}
}

func (a *mockAgent) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req delegate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "", delegate.CodeParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, delegate.CodeInvalidRequest, "invalid request", nil)
		return
	}
	switch req.Method {
	case delegate.MethodExecuteTask:
		a.executeTask(w, req)
	case delegate.MethodGetResult:
		a.getResult(w, req)
	default:
		writeRPCError(w, req.ID, delegate.CodeUnknownMethod, "unknown method", nil)
	}
}

func (a *mockAgent) executeTask(w http.ResponseWriter, req delegate.Request) {
	var params delegate.ExecuteParams
	_ = json.Unmarshal(req.Params, &params)
	var missing []string
	if params.Channel == "" {
		missing = append(missing, "channel")
	}
	if params.Text == "" {
		missing = append(missing, "text")
	}
	if params.Credential == "" {
		missing = append(missing, "credential")
	}
	if len(missing) > 0 {
		data, _ := json.Marshal(delegate.InvalidParamsData{Missing: missing})
		writeRPCError(w, req.ID, delegate.CodeInvalidParams, "missing required params", data)
		return
	}

	if a.Async {
		taskID := uuid.NewString()
		a.mu.Lock()
		a.tasks[taskID] = &mockTask{text: params.Text}
		a.mu.Unlock()
		writeRPCResult(w, req.ID, models.AgentResult{Status: models.AgentStatusAccepted, TaskID: taskID})
		return
	}
	writeRPCResult(w, req.ID, models.AgentResult{
		Status:       models.AgentStatusSuccess,
		ResponseText: "echo: " + params.Text,
	})
}

func (a *mockAgent) getResult(w http.ResponseWriter, req delegate.Request) {
	var params delegate.GetResultParams
	_ = json.Unmarshal(req.Params, &params)
	a.mu.Lock()
	task, ok := a.tasks[params.TaskID]
	if ok {
		task.polls++
	}
	a.mu.Unlock()
	if !ok {
		writeRPCError(w, req.ID, delegate.CodeInvalidParams, "unknown task", nil)
		return
	}
	if task.polls < a.PollsToComplete {
		writeRPCResult(w, req.ID, models.AgentResult{Status: "processing", TaskID: params.TaskID})
		return
	}
	writeRPCResult(w, req.ID, models.AgentResult{
		Status:       models.AgentStatusSuccess,
		ResponseText: "echo: " + task.text,
		TaskID:       params.TaskID,
	})
}

func writeRPCResult(w http.ResponseWriter, id string, result models.AgentResult) {
	raw, _ := json.Marshal(result)
	httpx.WriteJSON(w, 200, delegate.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func writeRPCError(w http.ResponseWriter, id string, code int, message string, data json.RawMessage) {
	httpx.WriteJSON(w, 200, delegate.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &delegate.Error{Code: code, Message: message, Data: data},
	})
}

func handleCard(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, models.AgentCard{
		Name:         env("AGENT_NAME", "agent-mock"),
		Description:  "echoing mock execution agent",
		Capabilities: []string{"echo"},
		Version:      "0.1.0",
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runAgentMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "agent-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	agent := newMockAgent()
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("agent-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "agent-mock"})
	})
	r.Get("/.well-known/agent.json", handleCard)
	r.Post("/", agent.handleRPC)

	addr := env("ADDR", ":8085")
	log.Printf("agent-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
