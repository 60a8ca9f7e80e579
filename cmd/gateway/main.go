package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"returnflow/pkg/app"
	"returnflow/pkg/audit"
	"returnflow/pkg/config"
	"returnflow/pkg/controlserver"
	"returnflow/pkg/engine"
	"returnflow/pkg/hardening"
	"returnflow/pkg/httpx"
	"returnflow/pkg/metrics"
	"returnflow/pkg/store"
	"returnflow/pkg/stream"
	"returnflow/pkg/telemetry"
)

type decider interface {
	Decide(ctx context.Context, in engine.Request) engine.Result
}

// auditReader serves the decision audit log; only set when postgres
// storage has audit enabled.
type auditReader interface {
	Get(ctx context.Context, businessID, decisionID string) (audit.Record, error)
	List(ctx context.Context, businessID string, limit int) ([]audit.Record, error)
}

type Server struct {
	Servers         map[string]controlserver.Caller
	Engine          decider
	Audit           auditReader
	Cache           store.Cache
	Events          *stream.Hub
	Metrics         *metrics.Registry
	Gauges          func() map[string]float64
	BodyLimit       int64
	DedupTTL        time.Duration
	WSOrigins       []string
	DefaultAgentID  string
	DefaultUserRole string
}

type gatewayLoadConfigFunc func(path string) (*config.Config, error)
type gatewayInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error)
type gatewayBuildFunc func(ctx context.Context, cfg *config.Config) (*app.App, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigG    = config.Load
	initTelemetryG = telemetry.Init
	buildAppG      = func(ctx context.Context, cfg *config.Config) (*app.App, error) {
		return app.Build(ctx, cfg, app.DefaultOpeners())
	}
	listenFnG = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(os.Getenv("RETURNFLOW_CONFIG"), loadConfigG, initTelemetryG, buildAppG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	configPath string,
	loadConfig gatewayLoadConfigFunc,
	initTelemetry gatewayInitTelemetryFunc,
	build gatewayBuildFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction("gateway", cfg); err != nil {
		return err
	}
	cfg.Telemetry.ServiceName = "gateway"
	shutdown, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s := newServer(a)
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go s.metricsLoop(loopCtx, cfg.Gateway.MetricsInterval)

	log.Printf("gateway listening on %s (storage=%s triage=%s)", cfg.Gateway.Addr, cfg.Storage, cfg.Triage.Provider)
	server := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           s.routes(cfg.Gateway.CORSAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func newServer(a *app.App) *Server {
	cfg := a.Config
	s := &Server{
		Servers:   a.Servers(),
		Engine:    a.Engine,
		Cache:     a.Cache,
		Events:    a.Hub,
		Metrics:   a.Metrics,
		BodyLimit: cfg.Gateway.BodyLimit,
		DedupTTL:  cfg.Gateway.DecisionDedupTTL,
		WSOrigins: splitList(cfg.Gateway.WSAllowedOrigins),
		Gauges: func() map[string]float64 {
			return map[string]float64{
				"active_calls":         float64(len(a.Sessions.ActiveCalls(""))),
				"active_conversations": float64(len(a.Sessions.ActiveConversations(""))),
				"stream_subscribers":   float64(a.Hub.Len()),
			}
		},
		DefaultAgentID:  cfg.Engine.AgentID,
		DefaultUserRole: cfg.Engine.UserRole,
	}
	if a.Audit != nil {
		s.Audit = a.Audit
	}
	return s
}

func (s *Server) routes(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "gateway", "servers": len(s.Servers)})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/v1/control/{server}", s.handleControl)
	r.Post("/v1/decisions", s.handleDecision)
	r.Get("/v1/stream", s.streamEvents)
	r.Get("/v1/audit/{businessId}", s.listAudit)
	r.Get("/v1/audit/{businessId}/{decisionId}", s.getAudit)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets the websocket upgrade pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		s.Metrics.ObserveHTTP(r.Method+" "+path, rec.code, time.Since(start))
	})
}

func (s *Server) metricsLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.Gauges == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.updateGauges()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) updateGauges() {
	for name, v := range s.Gauges() {
		s.Metrics.SetGauge(name, v)
	}
}

func splitList(raw string) []string {
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
