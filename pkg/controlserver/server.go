package controlserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"returnflow/pkg/breaker"
	"returnflow/pkg/metrics"
	"returnflow/pkg/models"
	"returnflow/pkg/ratelimit"
	"returnflow/pkg/telemetry"
)

type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityElevated SecurityLevel = "elevated"
	SecurityHigh     SecurityLevel = "high"
)

const (
	DefaultRateLimit = 100
	DefaultTimeout   = 10 * time.Second
)

// Handler executes one action. The returned value becomes Response.Data.
type Handler func(ctx context.Context, req models.Request) (interface{}, error)

// Caller is anything that turns a request envelope into a response envelope.
type Caller interface {
	HandleRequest(ctx context.Context, req models.Request) models.Response
}

type Options struct {
	Name      string
	Security  SecurityLevel
	Limiter   ratelimit.Limiter
	RateLimit int
	Breaker   *breaker.Breaker
	Timeout   time.Duration
	Metrics   *metrics.Registry
	Now       func() time.Time
}

// Server runs the validate, rate-limit, circuit-break and dispatch pipeline
// in front of an action table. The table keys are the allow-list.
type Server struct {
	name     string
	security SecurityLevel
	handlers map[models.Action]Handler
	limiter  ratelimit.Limiter
	limit    int
	breaker  *breaker.Breaker
	timeout  time.Duration
	metrics  *metrics.Registry
	now      func() time.Time
}

func New(opts Options, handlers map[models.Action]Handler) *Server {
	s := &Server{
		name:     opts.Name,
		security: opts.Security,
		handlers: handlers,
		limiter:  opts.Limiter,
		limit:    opts.RateLimit,
		breaker:  opts.Breaker,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if s.security == "" {
		s.security = SecurityStandard
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewInMemory(time.Minute)
	}
	if s.limit <= 0 {
		s.limit = DefaultRateLimit
	}
	if s.breaker == nil {
		s.breaker = breaker.New(breaker.DefaultThreshold, breaker.DefaultOpenFor)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Server) Name() string { return s.name }

func (s *Server) Security() SecurityLevel { return s.security }

// Actions lists the allow-list in sorted order.
func (s *Server) Actions() []models.Action {
	out := make([]models.Action, 0, len(s.handlers))
	for a := range s.handlers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Server) HandleRequest(ctx context.Context, req models.Request) models.Response {
	start := s.now()
	flags := s.securityFlags(req)
	ctx, span := telemetry.Start(ctx, "controlserver."+s.name+"."+string(req.Action),
		attribute.String("agent.id", req.AgentID),
		attribute.String("business.id", req.BusinessID),
		attribute.StringSlice("security.flags", flags),
	)
	data, err := s.process(ctx, req)
	telemetry.End(span, err)

	elapsed := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.ObserveAction(s.name+"."+string(req.Action), string(models.KindOf(err)), elapsed)
		s.metrics.SetGauge("breaker_open."+s.name, float64(s.breaker.OpenCount()))
	}
	resp := models.Response{
		ID:        req.ID,
		Timestamp: s.now().UTC(),
		AuditTrail: models.AuditTrail{
			RequestID:     req.ID,
			AgentID:       req.AgentID,
			BusinessID:    req.BusinessID,
			Action:        req.Action,
			SecurityFlags: flags,
			CallSessionID: req.Context.CallSessionID,
			CallType:      req.Context.CallType,
			Provider:      req.Context.Provider,
		},
	}
	if err != nil {
		log.Printf("%s: %s from agent %q failed: %v", s.name, req.Action, req.AgentID, err)
		resp.Error = err.Error()
		resp.ErrorCode = models.KindOf(err)
		return resp
	}
	resp.Success = true
	resp.Data = data
	resp.AuditTrail.Duration = elapsed.Milliseconds()
	return resp
}

func (s *Server) process(ctx context.Context, req models.Request) (json.RawMessage, error) {
	if err := s.validate(req); err != nil {
		if req.AgentID != "" {
			s.breaker.Failure(req.AgentID)
		}
		return nil, err
	}
	if d := s.limiter.Allow(req.AgentID, s.limit); !d.Allowed {
		return nil, models.Errorf(models.KindRateLimitExceeded, "agent %s exceeded %d requests per window, retry after %s",
			req.AgentID, d.Limit, d.ResetAt.UTC().Format(time.RFC3339))
	}
	if ok, until := s.breaker.Allow(req.AgentID); !ok {
		return nil, models.Errorf(models.KindServiceUnavailable, "circuit open for agent %s until %s",
			req.AgentID, until.UTC().Format(time.RFC3339))
	}
	out, err := s.dispatch(ctx, req)
	if err != nil {
		if s.breaker.Failure(req.AgentID) {
			log.Printf("%s: circuit opened for agent %q", s.name, req.AgentID)
		}
		return nil, err
	}
	s.breaker.Success(req.AgentID)
	if out == nil {
		return nil, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err, "encode response")
	}
	return raw, nil
}

func (s *Server) validate(req models.Request) error {
	var missing []string
	if strings.TrimSpace(req.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(req.AgentID) == "" {
		missing = append(missing, "agentId")
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		missing = append(missing, "businessId")
	}
	if req.Action == "" {
		missing = append(missing, "action")
	}
	if strings.TrimSpace(req.Context.UserRole) == "" {
		missing = append(missing, "context.userRole")
	}
	if len(missing) > 0 {
		return models.Errorf(models.KindInvalidRequest, "missing %s", strings.Join(missing, ", "))
	}
	if _, ok := s.handlers[req.Action]; !ok {
		return models.Errorf(models.KindInvalidRequest, "action %q not supported by %s", req.Action, s.name)
	}
	if req.Context.IsCallInteraction && strings.TrimSpace(req.Context.CallSessionID) == "" {
		return models.Errorf(models.KindInvalidRequest, "call interaction requires context.callSessionId")
	}
	return nil
}

type result struct {
	out interface{}
	err error
}

// dispatch runs the handler under the server timeout. A handler that ignores
// ctx keeps running in the background but its result is discarded.
func (s *Server) dispatch(ctx context.Context, req models.Request) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: models.Errorf(models.KindInternal, "handler panic: %v", p)}
			}
		}()
		out, err := s.handlers[req.Action](ctx, req)
		done <- result{out: out, err: err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, models.Wrap(models.KindUpstreamFailure, ctx.Err(), fmt.Sprintf("%s timed out", req.Action))
	}
}

var elevatedRoles = map[string]bool{"admin": true, "business_owner": true, "manager": true, "supervisor": true}

func (s *Server) securityFlags(req models.Request) []string {
	flags := make([]string, 0, 4)
	if req.Context.IsCallInteraction {
		flags = append(flags, "call_interaction")
	}
	if req.Context.StreamingEnabled {
		flags = append(flags, "streaming")
	}
	if elevatedRoles[strings.ToLower(req.Context.UserRole)] {
		flags = append(flags, "elevated_role")
	}
	return append(flags, "security_level:"+string(s.security))
}
