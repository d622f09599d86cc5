package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry aggregates gateway counters: per-endpoint request stats, per-gate
// pipeline outcomes, per-agent delegation counts and delegation latency.
type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	gateOutcome       map[string]int64
	agentDelegations  map[string]int64
	gauges            map[string]float64
	delegationLatency DelegationLatencyStat
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type DelegationLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	GateOutcomes        map[string]int64        `json:"gate_outcomes"`
	AgentDelegations    map[string]int64        `json:"agent_delegations"`
	Gauges              map[string]float64      `json:"gauges"`
	DelegationLatencyMS DelegationLatencyStat   `json:"delegation_latency_ms"`
	Histograms          []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		gateOutcome:      map[string]int64{},
		agentDelegations: map[string]int64{},
		gauges:           map[string]float64{},
		Histograms:       NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncGate counts one pipeline gate outcome, keyed gate|outcome.
func (r *Registry) IncGate(gate, outcome string) {
	gate = strings.TrimSpace(gate)
	outcome = strings.TrimSpace(outcome)
	if gate == "" {
		return
	}
	if outcome == "" {
		outcome = "UNKNOWN"
	}
	key := gate + "|" + outcome
	r.mu.Lock()
	r.gateOutcome[key]++
	r.mu.Unlock()
}

// IncAgentDelegation counts one delegation dispatched to agentID.
func (r *Registry) IncAgentDelegation(agentID string) {
	if agentID == "" {
		return
	}
	r.mu.Lock()
	r.agentDelegations[agentID]++
	r.mu.Unlock()
}

func (r *Registry) ObserveDelegation(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegationLatency.Count++
	r.delegationLatency.TotalMS += ms
	r.delegationLatency.LastMS = ms
	if ms > r.delegationLatency.MaxMS {
		r.delegationLatency.MaxMS = ms
	}
	r.delegationLatency.AvgMS = float64(r.delegationLatency.TotalMS) / float64(r.delegationLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		GateOutcomes:     make(map[string]int64, len(r.gateOutcome)),
		AgentDelegations: make(map[string]int64, len(r.agentDelegations)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		DelegationLatencyMS: DelegationLatencyStat{
			Count:   r.delegationLatency.Count,
			TotalMS: r.delegationLatency.TotalMS,
			MaxMS:   r.delegationLatency.MaxMS,
			LastMS:  r.delegationLatency.LastMS,
			AvgMS:   r.delegationLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gateOutcome {
		out.GateOutcomes[k] = v
	}
	for k, v := range r.agentDelegations {
		out.AgentDelegations[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP gateway_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE gateway_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP gateway_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE gateway_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP gateway_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE gateway_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP gateway_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE gateway_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}

		b.WriteString("# HELP gateway_gate_outcome_total pipeline gate outcomes by gate and outcome\n")
		b.WriteString("# TYPE gateway_gate_outcome_total counter\n")
		for _, key := range SortedKeys(snap.GateOutcomes) {
			parts := strings.SplitN(key, "|", 2)
			gate := parts[0]
			outcome := "UNKNOWN"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "gateway_gate_outcome_total{gate=%q,outcome=%q} %d\n", gate, outcome, snap.GateOutcomes[key])
		}

		b.WriteString("# HELP gateway_agent_delegations_total delegations dispatched by agent\n")
		b.WriteString("# TYPE gateway_agent_delegations_total counter\n")
		for _, agent := range SortedKeys(snap.AgentDelegations) {
			fmt.Fprintf(b, "gateway_agent_delegations_total{agent=%q} %d\n", agent, snap.AgentDelegations[agent])
		}

		b.WriteString("# HELP gateway_delegation_latency_ms delegation latency in ms\n")
		b.WriteString("# TYPE gateway_delegation_latency_ms gauge\n")
		fmt.Fprintf(b, "gateway_delegation_latency_ms{stat=%q} %d\n", "last", snap.DelegationLatencyMS.LastMS)
		fmt.Fprintf(b, "gateway_delegation_latency_ms{stat=%q} %.3f\n", "avg", snap.DelegationLatencyMS.AvgMS)
		fmt.Fprintf(b, "gateway_delegation_latency_ms{stat=%q} %d\n", "max", snap.DelegationLatencyMS.MaxMS)

		b.WriteString("# HELP gateway_gauge operational gauge metrics\n")
		b.WriteString("# TYPE gateway_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "gateway_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		for _, h := range snap.Histograms {
			b.WriteString("# HELP gateway_latency_seconds latency histogram\n")
			b.WriteString("# TYPE gateway_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "gateway_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "gateway_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gateway_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "gateway_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gateway_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "gateway_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "gateway_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
