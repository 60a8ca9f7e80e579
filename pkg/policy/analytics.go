package policy

import (
	"context"
	"maps"

	"returnflow/pkg/models"
)

// Analytics are per-business counters kept since process start.
type Analytics struct {
	Checks          int            `json:"checks"`
	Compliant       int            `json:"compliant"`
	Violations      map[string]int `json:"violations"`
	CallValidations int            `json:"callValidations"`
	CallsAllowed    int            `json:"callsAllowed"`
	CallsDenied     int            `json:"callsDenied"`
	InCallHandled   int            `json:"inCallHandled"`
	Escalations     int            `json:"escalations"`
	CacheHits       int            `json:"cacheHits"`
	CacheMisses     int            `json:"cacheMisses"`
}

func (a *Analytics) addCheck(res models.ComplianceResult) {
	a.Checks++
	if res.Compliance.Compliant() {
		a.Compliant++
	}
	for _, v := range res.Violations {
		a.Violations[v]++
	}
}

func (a *Analytics) addCallCheck(c CallCheck) {
	a.CallValidations++
	if c.Allowed {
		a.CallsAllowed++
	} else {
		a.CallsDenied++
	}
	if c.CanHandleInCall {
		a.InCallHandled++
	}
	if c.ShouldEscalate {
		a.Escalations++
	}
}

func (s *Server) record(businessID string, fn func(*Analytics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analytics[businessID]
	if !ok {
		a = &Analytics{Violations: map[string]int{}}
		s.analytics[businessID] = a
	}
	fn(a)
}

// Snapshot copies the counters of one business.
func (s *Server) Snapshot(businessID string) Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analytics[businessID]
	if !ok {
		return Analytics{Violations: map[string]int{}}
	}
	out := *a
	out.Violations = maps.Clone(a.Violations)
	return out
}

type ComplianceAnalytics struct {
	Checks         int            `json:"checks"`
	Compliant      int            `json:"compliant"`
	ComplianceRate float64        `json:"complianceRate"`
	Violations     map[string]int `json:"violations"`
}

func (s *Server) getPolicyAnalytics(_ context.Context, req models.Request) (interface{}, error) {
	a := s.Snapshot(req.BusinessID)
	out := ComplianceAnalytics{Checks: a.Checks, Compliant: a.Compliant, Violations: a.Violations}
	if a.Checks > 0 {
		out.ComplianceRate = float64(a.Compliant) / float64(a.Checks)
	}
	return out, nil
}

type CallAnalytics struct {
	CallValidations int `json:"callValidations"`
	CallsAllowed    int `json:"callsAllowed"`
	CallsDenied     int `json:"callsDenied"`
	InCallHandled   int `json:"inCallHandled"`
	Escalations     int `json:"escalations"`
}

func (s *Server) getPolicyCallAnalytics(_ context.Context, req models.Request) (interface{}, error) {
	a := s.Snapshot(req.BusinessID)
	return CallAnalytics{
		CallValidations: a.CallValidations,
		CallsAllowed:    a.CallsAllowed,
		CallsDenied:     a.CallsDenied,
		InCallHandled:   a.InCallHandled,
		Escalations:     a.Escalations,
	}, nil
}

type RealTimeMetrics struct {
	PolicyID      string `json:"policyId,omitempty"`
	PolicyVersion string `json:"policyVersion,omitempty"`
	CacheHits     int    `json:"cacheHits"`
	CacheMisses   int    `json:"cacheMisses"`
	Subscriptions int    `json:"subscriptions"`
	ActiveCalls   int    `json:"activeCalls"`
}

// getPolicyRealTimeMetrics reports cache and subscription state; a missing
// policy leaves the policy fields empty rather than failing.
func (s *Server) getPolicyRealTimeMetrics(ctx context.Context, req models.Request) (interface{}, error) {
	out := RealTimeMetrics{
		Subscriptions: len(s.Subscriptions(req.BusinessID)),
		ActiveCalls:   len(s.sessions.ActiveCalls(req.BusinessID)),
	}
	if p, err := s.ActivePolicy(ctx, req.BusinessID); err == nil {
		out.PolicyID, out.PolicyVersion = p.ID, p.Version
	}
	a := s.Snapshot(req.BusinessID)
	out.CacheHits, out.CacheMisses = a.CacheHits, a.CacheMisses
	return out, nil
}
