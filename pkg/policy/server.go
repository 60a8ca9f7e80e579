// Package policy is the Policy control server. It owns the cached active
// policy per business and every compliance and call-permission check made
// against it.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"returnflow/pkg/compliance"
	"returnflow/pkg/controlserver"
	"returnflow/pkg/models"
	"returnflow/pkg/repository"
	"returnflow/pkg/sessions"
	"returnflow/pkg/store"
	"returnflow/pkg/stream"
)

const (
	Name            = "policy"
	DefaultCacheTTL = 5 * time.Minute
)

type Deps struct {
	Store    repository.Store
	Cache    store.Cache
	CacheTTL time.Duration
	Hub      *stream.Hub
	Sessions *sessions.Store
}

type Server struct {
	*controlserver.Server
	store    repository.Store
	cache    store.Cache
	ttl      time.Duration
	hub      *stream.Hub
	sessions *sessions.Store
	now      func() time.Time

	mu        sync.Mutex
	subs      map[string]Subscription
	analytics map[string]*Analytics
}

type Subscription struct {
	ID         string    `json:"subscriptionId"`
	BusinessID string    `json:"businessId"`
	AgentID    string    `json:"agentId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func New(opts controlserver.Options, deps Deps) *Server {
	if opts.Name == "" {
		opts.Name = Name
	}
	opts.Security = controlserver.SecurityHigh
	s := &Server{
		store:     deps.Store,
		cache:     deps.Cache,
		ttl:       deps.CacheTTL,
		hub:       deps.Hub,
		sessions:  deps.Sessions,
		now:       opts.Now,
		subs:      map[string]Subscription{},
		analytics: map[string]*Analytics{},
	}
	if s.cache == nil {
		s.cache = store.NewMemoryCache()
	}
	if s.ttl <= 0 {
		s.ttl = DefaultCacheTTL
	}
	if s.sessions == nil {
		s.sessions = sessions.NewStore()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.Server = controlserver.New(opts, map[models.Action]controlserver.Handler{
		models.ActionGetActivePolicy:              s.getActivePolicy,
		models.ActionValidateRequest:              s.validateRequest,
		models.ActionGetPolicyRules:               s.getPolicyRules,
		models.ActionCheckCompliance:              s.checkCompliance,
		models.ActionValidateCallRequest:          s.validateCallRequest,
		models.ActionGetCallPolicy:                s.getCallPolicy,
		models.ActionSubscribePolicyUpdates:       s.subscribe,
		models.ActionUnsubscribePolicyUpdates:     s.unsubscribe,
		models.ActionGetRealTimeCompliance:        s.getRealTimeCompliance,
		models.ActionValidateStreamingRequest:     s.validateStreamingRequest,
		models.ActionGetPolicyAnalytics:           s.getPolicyAnalytics,
		models.ActionGetPolicyCallAnalytics:       s.getPolicyCallAnalytics,
		models.ActionGetPolicyRealTimeMetrics:     s.getPolicyRealTimeMetrics,
		models.ActionValidatePolicyCallPermission: s.validateCallPermissions,
	})
	return s
}

func cacheKey(businessID string) string { return "policy:" + businessID }

// ActivePolicy returns the business's active policy, served from the cache
// for up to the cache TTL. A load from the store publishes policy_refreshed.
func (s *Server) ActivePolicy(ctx context.Context, businessID string) (models.Policy, error) {
	var p models.Policy
	raw, err := s.cache.Get(ctx, cacheKey(businessID))
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
			s.record(businessID, func(a *Analytics) { a.CacheHits++ })
			return p, nil
		}
	} else if !errors.Is(err, store.ErrMiss) {
		log.Printf("policy: cache read for %s failed: %v", businessID, err)
	}
	s.record(businessID, func(a *Analytics) { a.CacheMisses++ })

	loaded, err := s.store.ActivePolicy(ctx, businessID)
	if err != nil {
		return p, err
	}
	encoded, err := json.Marshal(loaded)
	if err != nil {
		return p, models.Wrap(models.KindInternal, err, "encode policy")
	}
	if err := s.cache.Set(ctx, cacheKey(businessID), string(encoded), s.ttl); err != nil {
		log.Printf("policy: cache write for %s failed: %v", businessID, err)
	}
	if err := json.Unmarshal(encoded, &p); err != nil {
		return p, models.Wrap(models.KindInternal, err, "decode policy")
	}
	s.hub.Publish(stream.NewEvent(stream.EventPolicyRefreshed, businessID, map[string]string{
		"policyId": p.ID,
		"version":  p.Version,
	}))
	return p, nil
}

// Invalidate drops the cached policy so the next lookup reloads it.
func (s *Server) Invalidate(ctx context.Context, businessID string) error {
	return s.cache.Del(ctx, cacheKey(businessID))
}

func (s *Server) getActivePolicy(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		Refresh bool `json:"refresh"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.Refresh {
		if err := s.Invalidate(ctx, req.BusinessID); err != nil {
			log.Printf("policy: invalidate %s failed: %v", req.BusinessID, err)
		}
	}
	return s.ActivePolicy(ctx, req.BusinessID)
}

func (s *Server) getPolicyRules(ctx context.Context, req models.Request) (interface{}, error) {
	p, err := s.ActivePolicy(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	return p.Rules, nil
}

// ComplianceInput is the return data the compliance actions evaluate.
// DaysSincePurchase wins over PurchaseDate when both are set.
type ComplianceInput struct {
	OrderValue        float64    `json:"orderValue"`
	Reason            string     `json:"reason"`
	EvidenceURLs      []string   `json:"evidenceUrls,omitempty"`
	PurchaseDate      *time.Time `json:"purchaseDate,omitempty"`
	DaysSincePurchase *int       `json:"daysSincePurchase,omitempty"`
}

func (in ComplianceInput) evaluate(rules models.PolicyRules, now time.Time) models.ComplianceResult {
	days := in.DaysSincePurchase
	if days == nil {
		days = compliance.DaysSince(in.PurchaseDate, now)
	}
	return compliance.Evaluate(rules, compliance.Input{
		DaysSincePurchase: days,
		Reason:            in.Reason,
		EvidenceURLs:      in.EvidenceURLs,
		OrderValue:        in.OrderValue,
	})
}

func (s *Server) evaluate(ctx context.Context, req models.Request) (models.Policy, models.ComplianceResult, error) {
	in, err := controlserver.Decode[ComplianceInput](req)
	if err != nil {
		return models.Policy{}, models.ComplianceResult{}, err
	}
	p, err := s.ActivePolicy(ctx, req.BusinessID)
	if err != nil {
		return p, models.ComplianceResult{}, err
	}
	res := in.evaluate(p.Rules, s.now())
	s.record(req.BusinessID, func(a *Analytics) { a.addCheck(res) })
	return p, res, nil
}

func (s *Server) checkCompliance(ctx context.Context, req models.Request) (interface{}, error) {
	_, res, err := s.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

type Validation struct {
	Valid         bool              `json:"valid"`
	PolicyID      string            `json:"policyId"`
	PolicyVersion string            `json:"policyVersion"`
	Compliance    models.Compliance `json:"compliance"`
	Violations    []string          `json:"violations"`
}

func (s *Server) validateRequest(ctx context.Context, req models.Request) (interface{}, error) {
	p, res, err := s.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return Validation{
		Valid:         res.Compliance.Compliant(),
		PolicyID:      p.ID,
		PolicyVersion: p.Version,
		Compliance:    res.Compliance,
		Violations:    res.Violations,
	}, nil
}

type CallPolicy struct {
	AllowVoiceCalls         bool                  `json:"allowVoiceCalls"`
	AllowVideoCalls         bool                  `json:"allowVideoCalls"`
	MaxCallDuration         int                   `json:"maxCallDuration"`
	AutoEscalationThreshold float64               `json:"autoEscalationThreshold"`
	AutoApproveThreshold    float64               `json:"autoApproveThreshold"`
	BusinessHours           *models.BusinessHours `json:"businessHours,omitempty"`
}

func (s *Server) getCallPolicy(ctx context.Context, req models.Request) (interface{}, error) {
	p, err := s.ActivePolicy(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	r := p.Rules
	return CallPolicy{
		AllowVoiceCalls:         r.AllowVoiceCalls,
		AllowVideoCalls:         r.AllowVideoCalls,
		MaxCallDuration:         r.MaxCallDuration,
		AutoEscalationThreshold: r.AutoEscalationThreshold,
		AutoApproveThreshold:    r.AutoApproveThreshold,
		BusinessHours:           r.BusinessHours,
	}, nil
}

type CallCheckInput struct {
	CallType     models.CallType `json:"callType"`
	Reason       string          `json:"reason"`
	OrderValue   float64         `json:"orderValue"`
	CallDuration int             `json:"callDuration"`
}

type CallCheck struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	CanHandleInCall bool   `json:"canHandleInCall"`
	ShouldEscalate  bool   `json:"shouldEscalate"`
}

func (s *Server) validateCallRequest(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[CallCheckInput](req)
	if err != nil {
		return nil, err
	}
	if in.CallType == "" {
		in.CallType = req.Context.CallType
	}
	p, err := s.ActivePolicy(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	perm := compliance.CheckCallPermission(p.Rules, in.CallType, s.now())
	out := CallCheck{
		Allowed:         perm.Allowed,
		Reason:          perm.Reason,
		CanHandleInCall: compliance.CanHandleInCall(p.Rules, in.Reason, in.OrderValue),
		ShouldEscalate:  compliance.ShouldEscalateCall(p.Rules, in.Reason, in.OrderValue, time.Duration(in.CallDuration)*time.Second),
	}
	s.record(req.BusinessID, func(a *Analytics) { a.addCallCheck(out) })
	return out, nil
}

func (s *Server) validateCallPermissions(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		CallType models.CallType `json:"callType"`
		At       *time.Time      `json:"at,omitempty"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.CallType == "" {
		in.CallType = req.Context.CallType
	}
	p, err := s.ActivePolicy(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if in.At != nil {
		at = *in.At
	}
	return compliance.CheckCallPermission(p.Rules, in.CallType, at), nil
}

type RealTimeCompliance struct {
	models.ComplianceResult
	CallSessionID   string  `json:"callSessionId"`
	CallDuration    float64 `json:"callDuration"`
	CanHandleInCall bool    `json:"canHandleInCall"`
	ShouldEscalate  bool    `json:"shouldEscalate"`
}

// getRealTimeCompliance evaluates a return raised during a live call, using
// the call's elapsed time for the escalation check.
func (s *Server) getRealTimeCompliance(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		ComplianceInput
		CallSessionID string `json:"callSessionId"`
	}](req)
	if err != nil {
		return nil, err
	}
	callID := in.CallSessionID
	if callID == "" {
		callID = req.Context.CallSessionID
	}
	if callID == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "callSessionId is required")
	}
	call, err := s.businessCall(req, callID)
	if err != nil {
		return nil, err
	}
	p, err := s.ActivePolicy(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	res := in.ComplianceInput.evaluate(p.Rules, now)
	elapsed := call.Duration(now)
	out := RealTimeCompliance{
		ComplianceResult: res,
		CallSessionID:    callID,
		CallDuration:     elapsed.Seconds(),
		CanHandleInCall:  compliance.CanHandleInCall(p.Rules, in.Reason, in.OrderValue),
		ShouldEscalate:   compliance.ShouldEscalateCall(p.Rules, in.Reason, in.OrderValue, elapsed),
	}
	s.record(req.BusinessID, func(a *Analytics) {
		a.addCheck(res)
		if out.ShouldEscalate {
			a.Escalations++
		}
	})
	return out, nil
}

func (s *Server) validateStreamingRequest(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		CallSessionID string          `json:"callSessionId"`
		CallType      models.CallType `json:"callType"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.CallSessionID == "" {
		in.CallSessionID = req.Context.CallSessionID
	}
	if in.CallType == "" {
		in.CallType = req.Context.CallType
	}
	if in.CallSessionID != "" {
		call, err := s.businessCall(req, in.CallSessionID)
		if err != nil {
			return nil, err
		}
		if call.CallStatus == models.CallEnded {
			return compliance.CallPermission{Reason: "call has ended"}, nil
		}
		if in.CallType == "" {
			in.CallType = call.CallType
		}
	}
	p, err := s.ActivePolicy(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	return compliance.CheckCallPermission(p.Rules, in.CallType, s.now()), nil
}

// businessCall loads a call session owned by the requesting business. Other
// businesses' calls are reported as missing.
func (s *Server) businessCall(req models.Request, id string) (models.CallSession, error) {
	call, err := s.sessions.Calls.Get(id)
	if err != nil {
		return models.CallSession{}, err
	}
	if call.BusinessID != req.BusinessID {
		return models.CallSession{}, models.Errorf(models.KindSessionNotFound, "call session %s", id)
	}
	return call, nil
}

func (s *Server) subscribe(_ context.Context, req models.Request) (interface{}, error) {
	sub := Subscription{ID: uuid.NewString(), BusinessID: req.BusinessID, AgentID: req.AgentID, CreatedAt: s.now().UTC()}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return sub, nil
}

func (s *Server) unsubscribe(_ context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		SubscriptionID string `json:"subscriptionId"`
	}](req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[in.SubscriptionID]
	if !ok || sub.BusinessID != req.BusinessID {
		return nil, models.Errorf(models.KindInvalidRequest, "unknown subscription %q", in.SubscriptionID)
	}
	delete(s.subs, in.SubscriptionID)
	return map[string]interface{}{"subscriptionId": sub.ID, "unsubscribed": true}, nil
}

// Subscriptions lists the live subscriptions of a business.
func (s *Server) Subscriptions(businessID string) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.BusinessID == businessID {
			out = append(out, sub)
		}
	}
	return out
}
