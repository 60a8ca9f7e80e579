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

// Registry collects in-process counters for the HTTP front, the control
// servers and the decision engine.
type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*Stat
	action     map[string]*Stat
	errorKind  map[string]int64
	decision   map[string]int64
	stageFail  map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type Stat struct {
	Count         int64   `json:"count"`
	ErrorCount    int64   `json:"error_count"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
	LastStatus    string  `json:"last_status"`
}

type Snapshot struct {
	GeneratedAt   string              `json:"generated_at"`
	Endpoints     map[string]Stat     `json:"endpoints"`
	Actions       map[string]Stat     `json:"actions"`
	ErrorKinds    map[string]int64    `json:"error_kinds"`
	Decisions     map[string]int64    `json:"decisions"`
	StageFailures map[string]int64    `json:"stage_failures"`
	Gauges        map[string]float64  `json:"gauges"`
	Histograms    []HistogramSnapshot `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*Stat{},
		action:     map[string]*Stat{},
		errorKind:  map[string]int64{},
		decision:   map[string]int64{},
		stageFail:  map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func observe(m map[string]*Stat, key string, failed bool, status string, d time.Duration) {
	millis := d.Milliseconds()
	stat, ok := m[key]
	if !ok {
		stat = &Stat{}
		m[key] = stat
	}
	stat.Count++
	if failed {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatus = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveHTTP records one HTTP request by route pattern.
func (r *Registry) ObserveHTTP(path string, status int, d time.Duration) {
	r.mu.Lock()
	observe(r.endpoint, path, status >= 400, fmt.Sprint(status), d)
	r.mu.Unlock()
	r.Histograms.ObserveDuration("http:"+path, d)
}

// ObserveAction records one control-server action. kind is empty on success.
func (r *Registry) ObserveAction(name, kind string, d time.Duration) {
	status := "ok"
	if kind != "" {
		status = kind
	}
	r.mu.Lock()
	observe(r.action, name, kind != "", status, d)
	if kind != "" {
		r.errorKind[kind]++
	}
	r.mu.Unlock()
	r.Histograms.ObserveDuration(name, d)
}

func (r *Registry) IncDecision(finalAction string) {
	finalAction = strings.TrimSpace(finalAction)
	if finalAction == "" {
		return
	}
	r.mu.Lock()
	r.decision[finalAction]++
	r.mu.Unlock()
}

func (r *Registry) IncStageFailure(stage string) {
	if stage == "" {
		return
	}
	r.mu.Lock()
	r.stageFail[stage]++
	r.mu.Unlock()
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
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     copyStats(r.endpoint),
		Actions:       copyStats(r.action),
		ErrorKinds:    copyCounts(r.errorKind),
		Decisions:     copyCounts(r.decision),
		StageFailures: copyCounts(r.stageFail),
		Gauges:        make(map[string]float64, len(r.gauges)),
		Histograms:    r.Histograms.Snapshots(),
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func copyStats(in map[string]*Stat) map[string]Stat {
	out := make(map[string]Stat, len(in))
	for k, v := range in {
		out[k] = *v
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		writeStats(b, "returnflow_http", "endpoint", snap.Endpoints)
		writeStats(b, "returnflow_action", "action", snap.Actions)
		writeCounter(b, "returnflow_error_kind_total", "control server failures by error kind", "kind", snap.ErrorKinds)
		writeCounter(b, "returnflow_decision_total", "engine decisions by final action", "final_action", snap.Decisions)
		writeCounter(b, "returnflow_stage_failure_total", "engine stage failures", "stage", snap.StageFailures)
		b.WriteString("# HELP returnflow_gauge operational gauges\n")
		b.WriteString("# TYPE returnflow_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "returnflow_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		sort.Slice(snap.Histograms, func(i, j int) bool { return snap.Histograms[i].Name < snap.Histograms[j].Name })
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP returnflow_latency_seconds latency histogram\n")
			b.WriteString("# TYPE returnflow_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "returnflow_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "returnflow_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "returnflow_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "returnflow_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeStats(b *strings.Builder, prefix, label string, stats map[string]Stat) {
	keys := SortedKeys(stats)
	fmt.Fprintf(b, "# HELP %s_count total requests by %s\n# TYPE %s_count counter\n", prefix, label, prefix)
	for _, k := range keys {
		fmt.Fprintf(b, "%s_count{%s=%q} %d\n", prefix, label, k, stats[k].Count)
	}
	fmt.Fprintf(b, "# HELP %s_error_count failed requests by %s\n# TYPE %s_error_count counter\n", prefix, label, prefix)
	for _, k := range keys {
		fmt.Fprintf(b, "%s_error_count{%s=%q} %d\n", prefix, label, k, stats[k].ErrorCount)
	}
	fmt.Fprintf(b, "# HELP %s_avg_millis average latency in milliseconds\n# TYPE %s_avg_millis gauge\n", prefix, prefix)
	for _, k := range keys {
		fmt.Fprintf(b, "%s_avg_millis{%s=%q} %.3f\n", prefix, label, k, stats[k].AverageMillis)
	}
	fmt.Fprintf(b, "# HELP %s_max_millis max latency in milliseconds\n# TYPE %s_max_millis gauge\n", prefix, prefix)
	for _, k := range keys {
		fmt.Fprintf(b, "%s_max_millis{%s=%q} %d\n", prefix, label, k, stats[k].MaxMillis)
	}
}

func writeCounter(b *strings.Builder, name, help, label string, counts map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, k := range SortedKeys(counts) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, counts[k])
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
