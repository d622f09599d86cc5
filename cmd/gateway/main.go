// Command gateway is the inbound edge of the delegation platform. It
// receives signed platform events, runs them through the verification
// pipeline and hands accepted requests to the routed execution agent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/audit"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/auth"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/dedupe"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/delegate"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/existence"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/httpx"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/metrics"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/pipeline"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/ratelimit"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/registry"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/router"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/statebus"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/store"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/stream"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/telemetry"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/whitelist"
)

// Server holds the wired components behind the HTTP surface.
type Server struct {
	Pipeline *pipeline.Pipeline
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Registry *registry.Registry
	Audit    *audit.Writer
	Bus      *statebus.Runner

	OpsToken            string
	MaxRequestBodyBytes int64
	CardRefreshInterval time.Duration
}

type gatewayDBCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.cardRefreshLoop(context.Background())
		go s.metricsLoop(context.Background())
		if s.Bus != nil {
			go func() { _ = s.Bus.Run(context.Background()) }()
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	signingSecret := env("SIGNING_SECRET", "")
	if signingSecret == "" {
		return errors.New("SIGNING_SECRET required")
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000)),
	})

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	auditWriter := &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact}
	if err := auditWriter.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}

	dedupeFilter := dedupe.New(cache)
	if ttl := envDurationSec("DEDUPE_TTL_SEC", 0); ttl > 0 {
		dedupeFilter.TTL = ttl
	}

	existenceVerifier := existence.NewVerifier(
		existence.NewHTTPAPIClient(env("EXISTENCE_API_URL", "http://localhost:8081"), httpClient),
		cache,
	)
	if ttl := envDurationSec("EXISTENCE_CACHE_TTL_SEC", 0); ttl > 0 {
		existenceVerifier.CacheTTL = ttl
	}

	sources := []whitelist.Source{whitelist.EnvSource{Var: "WHITELIST_JSON"}}
	if p := env("WHITELIST_FILE", ""); p != "" {
		sources = append(sources, whitelist.FileSource{Path: p})
	}
	if u := env("WHITELIST_URL", ""); u != "" {
		sources = append(sources, whitelist.HTTPSource{URL: u, Client: httpClient})
	}
	if k := env("WHITELIST_STORE_KEY", ""); k != "" {
		sources = append(sources, whitelist.StoreSource{Cache: cache, Key: k})
	}
	loader := whitelist.NewLoader(sources...)
	if ttl := envDurationSec("WHITELIST_TTL_SEC", 0); ttl > 0 {
		loader.TTL = ttl
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient)
		} else {
			limiter = ratelimit.NewInMemory()
		}
	}

	agents := registry.Load(ctx, env("AGENTS_JSON", "{}"), registry.NewHTTPDiscoverer(httpClient))

	var classifier router.Classifier = router.RuleClassifier{}
	if key := env("ANTHROPIC_API_KEY", ""); key != "" {
		classifier = router.NewModelClassifier(key, env("ROUTER_MODEL", ""))
	}
	agentRouter := &router.Router{
		Registry:     agents,
		Classifier:   classifier,
		DefaultAgent: env("DEFAULT_AGENT", ""),
		Heuristics:   parseKeywordRules(env("ROUTER_KEYWORDS", "")),
	}

	delegator := delegate.NewClient(httpClient)
	if budget := envDurationSec("DELEGATION_BUDGET_SEC", 0); budget > 0 {
		delegator.Budget = budget
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	pl := &pipeline.Pipeline{
		Signatures: auth.Verifier{Secret: signingSecret},
		Dedupe:     dedupeFilter,
		Existence:  existenceVerifier,
		Whitelist:  &whitelist.Authorizer{Loader: loader},
		Limiter:    limiter,
		RateLimit:  envInt("RATE_LIMIT_PER_MINUTE", 60),
		RateWindow: rateLimitWindow,
		Router:     agentRouter,
		Registry:   agents,
		Delegate:   delegator,
		Observer:   reg,
		Recorder:   auditWriter,
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	s := &Server{
		Pipeline:            pl,
		Events:              hub,
		Metrics:             reg,
		Registry:            agents,
		Audit:               auditWriter,
		OpsToken:            env("OPS_TOKEN", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		CardRefreshInterval: envDurationSec("CARD_REFRESH_INTERVAL_SEC", 60),
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers:         strings.Split(brokers, ","),
			Topic:           env("KAFKA_TOPIC", "platform-events"),
			GroupID:         env("KAFKA_GROUP_ID", "gateway"),
			MaxMessageBytes: int64(envInt("KAFKA_MAX_MESSAGE_BYTES", 0)),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		// Bus producers are inside the trust boundary and bus messages
		// carry no signature headers, so the signature gate is skipped.
		s.Bus = &statebus.Runner{
			Consumer: consumer,
			Handle:   pl.HandleVerified,
			OnBatch: func(b models.BatchResult) {
				if len(b.FailedIDs) > 0 {
					log.Printf("bus batch: %d processed, failed: %s", b.Processed, strings.Join(b.FailedIDs, ","))
				}
			},
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", s.handleHealthz)
	r.Post("/v1/events", s.handleEvents)

	opsRouter := chi.NewRouter()
	opsRouter.Use(auth.BearerMiddleware(s.OpsToken))
	opsRouter.Get("/metrics", s.Metrics.Handler())
	opsRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	opsRouter.Get("/v1/stream", s.streamEvents)
	opsRouter.Get("/v1/decisions/{correlation_id}", s.getDecision)
	r.Mount("/", opsRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 150),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type batchResponse struct {
	models.BatchResult
	Results []models.PipelineResult `json:"results"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	timestamp := r.Header.Get("X-Request-Timestamp")
	signature := r.Header.Get("X-Signature")

	var envelope struct {
		Events []json.RawMessage `json:"events"`
	}
	_ = json.Unmarshal(body, &envelope)
	batch := len(envelope.Events) > 0
	raws := envelope.Events
	if !batch {
		raws = []json.RawMessage{body}
	}

	// Decode and validate everything before the first event runs, so a
	// malformed batch is rejected whole instead of half-processed.
	reqs := make([]models.IncomingRequest, 0, len(raws))
	for _, raw := range raws {
		var req models.IncomingRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := req.Validate(); err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		// The signature covers the wire body, not the individual event.
		req.RawBody = body
		req.TimestampHeader = timestamp
		req.SignatureHeader = signature
		reqs = append(reqs, req)
	}

	var agg models.BatchResult
	results := make([]models.PipelineResult, 0, len(reqs))
	for _, req := range reqs {
		res := s.Pipeline.Handle(r.Context(), req)
		s.Events.PublishResult(res)
		agg.Add(req.EventID, res)
		results = append(results, res)
	}

	if batch {
		httpx.WriteJSON(w, http.StatusOK, batchResponse{BatchResult: agg, Results: results})
		return
	}
	res := results[0]
	status := http.StatusOK
	if res.ErrorCode == pipeline.CodeAuthFailed {
		status = http.StatusUnauthorized
	}
	httpx.WriteJSON(w, status, res)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.Pipeline.Busy() {
		status = "busy"
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": status, "service": "gateway"})
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "decision log unavailable")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "correlation_id"), r.URL.Query().Get("tenant"))
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"correlation_id": rec.CorrelationID,
		"tenant":         rec.Tenant,
		"user_hash":      rec.UserHash,
		"channel":        rec.Channel,
		"gate":           rec.Gate,
		"code":           rec.Code,
		"agent_id":       rec.AgentID,
		"status":         rec.Status,
		"created_at":     rec.CreatedAt,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeywordRules parses "agent-a=invoice|billing;agent-b=deploy" into
// prioritized keyword rules, first rule wins.
func parseKeywordRules(raw string) []router.KeywordRule {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var rules []router.KeywordRule
	for _, entry := range strings.Split(raw, ";") {
		agentID, keywords, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(agentID) == "" {
			continue
		}
		var kws []string
		for _, kw := range strings.Split(keywords, "|") {
			if kw = strings.TrimSpace(kw); kw != "" {
				kws = append(kws, kw)
			}
		}
		if len(kws) > 0 {
			rules = append(rules, router.KeywordRule{AgentID: strings.TrimSpace(agentID), Keywords: kws})
		}
	}
	return rules
}

func (s *Server) cardRefreshLoop(ctx context.Context) {
	interval := s.CardRefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if s.Registry.RefreshMissingCards(ctx) {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Registry.RefreshMissingCards(ctx) {
				return
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil {
		return
	}
	s.Metrics.SetGauge("agents_configured", float64(s.Registry.Len()))
	s.Metrics.SetGauge("agent_cards_loaded", float64(len(s.Registry.Cards())))
	busy := 0.0
	if s.Pipeline.Busy() {
		busy = 1
	}
	s.Metrics.SetGauge("pipeline_busy", busy)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
