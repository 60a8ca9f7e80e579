// Package requests is the Request control server: return-request CRUD,
// customer history and the live metrics rollup.
package requests

import (
	"context"
	"math"
	"strings"
	"time"

	"returnflow/pkg/controlserver"
	"returnflow/pkg/models"
	"returnflow/pkg/repository"
	"returnflow/pkg/sessions"
	"returnflow/pkg/stream"
)

const Name = "request"

type Server struct {
	*controlserver.Server
	store    repository.Store
	sessions *sessions.Store
	hub      *stream.Hub
	now      func() time.Time
}

func New(opts controlserver.Options, st repository.Store, sess *sessions.Store, hub *stream.Hub) *Server {
	if opts.Name == "" {
		opts.Name = Name
	}
	opts.Security = controlserver.SecurityElevated
	s := &Server{store: st, sessions: sess, hub: hub, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	s.Server = controlserver.New(opts, map[models.Action]controlserver.Handler{
		models.ActionGetRequests:        s.getRequests,
		models.ActionGetRequestDetails:  s.getRequestDetails,
		models.ActionCreateRequest:      s.createRequest,
		models.ActionUpdateRequest:      s.updateRequest,
		models.ActionDeleteRequest:      s.deleteRequest,
		models.ActionGetCustomerHistory: s.getCustomerHistory,
		models.ActionCreateCallRequest:  s.createCallRequest,
		models.ActionUpdateCallRequest:  s.updateCallRequest,
		models.ActionGetCallRequests:    s.getCallRequests,
		models.ActionGetRealTimeMetrics: s.getRealTimeMetrics,
	})
	return s
}

type RequestList struct {
	Requests []models.ReturnRequest `json:"requests"`
	Total    int                    `json:"total"`
}

type publicIDInput struct {
	PublicID string `json:"publicId"`
}

type updateInput struct {
	PublicID string `json:"publicId"`
	models.ReturnRequestPatch
}

func requirePublicID(id string) error {
	if strings.TrimSpace(id) == "" {
		return models.Errorf(models.KindInvalidRequest, "publicId is required")
	}
	return nil
}

func (s *Server) getRequests(ctx context.Context, req models.Request) (interface{}, error) {
	f, err := controlserver.Decode[repository.ReturnFilter](req)
	if err != nil {
		return nil, err
	}
	list, err := s.store.ListReturns(ctx, req.BusinessID, f)
	if err != nil {
		return nil, err
	}
	return RequestList{Requests: list, Total: len(list)}, nil
}

func (s *Server) getRequestDetails(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[publicIDInput](req)
	if err != nil {
		return nil, err
	}
	if err := requirePublicID(in.PublicID); err != nil {
		return nil, err
	}
	return s.store.GetReturn(ctx, req.BusinessID, in.PublicID)
}

func (s *Server) createRequest(ctx context.Context, req models.Request) (interface{}, error) {
	r, err := controlserver.Decode[models.ReturnRequest](req)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, req.BusinessID, r)
}

func (s *Server) create(ctx context.Context, businessID string, r models.ReturnRequest) (models.ReturnRequest, error) {
	r.BusinessID = businessID
	created, err := s.store.CreateReturn(ctx, r)
	if err != nil {
		return created, err
	}
	s.hub.Publish(stream.NewEvent(stream.EventRequestCreated, businessID, created))
	return created, nil
}

func (s *Server) updateRequest(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[updateInput](req)
	if err != nil {
		return nil, err
	}
	if err := requirePublicID(in.PublicID); err != nil {
		return nil, err
	}
	return s.store.UpdateReturn(ctx, req.BusinessID, in.PublicID, in.ReturnRequestPatch)
}

func (s *Server) deleteRequest(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[publicIDInput](req)
	if err != nil {
		return nil, err
	}
	if err := requirePublicID(in.PublicID); err != nil {
		return nil, err
	}
	if err := s.store.DeleteReturn(ctx, req.BusinessID, in.PublicID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"publicId": in.PublicID, "deleted": true}, nil
}

// CustomerHistory summarises one customer's returns for a business.
type CustomerHistory struct {
	CustomerEmail string                 `json:"customerEmail"`
	TotalReturns  int                    `json:"totalReturns"`
	Approved      int                    `json:"approved"`
	Denied        int                    `json:"denied"`
	Pending       int                    `json:"pending"`
	RiskScore     float64                `json:"riskScore"`
	Requests      []models.ReturnRequest `json:"requests"`
}

func (s *Server) getCustomerHistory(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		CustomerEmail string `json:"customerEmail"`
	}](req)
	if err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(in.CustomerEmail))
	if email == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "customerEmail is required")
	}
	list, err := s.store.ListReturns(ctx, req.BusinessID, repository.ReturnFilter{CustomerEmail: email, Limit: repository.MaxListLimit})
	if err != nil {
		return nil, err
	}
	return BuildHistory(email, list), nil
}

// BuildHistory counts outcomes and derives the risk score
//
//	clamp((denied + 0.5*flagged)/max(total,1) + 0.05*max(total-3,0), 0, 1)
//
// where flagged counts open requests the AI sent to review or denied.
func BuildHistory(email string, list []models.ReturnRequest) CustomerHistory {
	h := CustomerHistory{CustomerEmail: email, TotalReturns: len(list), Requests: list}
	flagged := 0
	for _, r := range list {
		switch r.Status {
		case models.ReturnApproved, models.ReturnCompleted:
			h.Approved++
		case models.ReturnDenied:
			h.Denied++
		case models.ReturnPending, models.ReturnUnderReview:
			h.Pending++
			if r.Status == models.ReturnUnderReview || r.AIDecision == models.DecisionHumanReview || r.AIDecision == models.DecisionAutoDeny {
				flagged++
			}
		}
	}
	score := (float64(h.Denied)+0.5*float64(flagged))/float64(max(h.TotalReturns, 1)) + 0.05*float64(max(h.TotalReturns-3, 0))
	h.RiskScore = math.Max(0, math.Min(1, score))
	return h
}

func (s *Server) createCallRequest(ctx context.Context, req models.Request) (interface{}, error) {
	r, err := controlserver.Decode[models.ReturnRequest](req)
	if err != nil {
		return nil, err
	}
	if r.CallSessionID == "" {
		r.CallSessionID = req.Context.CallSessionID
	}
	if r.CallSessionID == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "callSessionId is required")
	}
	call, err := s.sessions.Calls.Get(r.CallSessionID)
	if err != nil {
		return nil, err
	}
	if call.BusinessID != req.BusinessID {
		return nil, models.Errorf(models.KindSessionNotFound, "call %s", r.CallSessionID)
	}
	created, err := s.create(ctx, req.BusinessID, r)
	if err != nil {
		return nil, err
	}
	_, _ = s.sessions.Calls.Update(r.CallSessionID, func(c *models.CallSession) error {
		c.Events = append(c.Events, models.CallEvent{Type: "return_request_created", At: s.now().UTC(), Participant: req.AgentID})
		return nil
	})
	return created, nil
}

func (s *Server) updateCallRequest(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[updateInput](req)
	if err != nil {
		return nil, err
	}
	if err := requirePublicID(in.PublicID); err != nil {
		return nil, err
	}
	current, err := s.store.GetReturn(ctx, req.BusinessID, in.PublicID)
	if err != nil {
		return nil, err
	}
	if current.CallSessionID == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "return request %s was not created from a call", in.PublicID)
	}
	return s.store.UpdateReturn(ctx, req.BusinessID, in.PublicID, in.ReturnRequestPatch)
}

func (s *Server) getCallRequests(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		CallSessionID string `json:"callSessionId"`
		Limit         int    `json:"limit"`
	}](req)
	if err != nil {
		return nil, err
	}
	f := repository.ReturnFilter{CallSessionID: in.CallSessionID, CallOnly: true, Limit: in.Limit}
	list, err := s.store.ListReturns(ctx, req.BusinessID, f)
	if err != nil {
		return nil, err
	}
	return RequestList{Requests: list, Total: len(list)}, nil
}

// RealTimeMetrics is the live rollup served by get_real_time_metrics.
type RealTimeMetrics struct {
	ActiveCalls         int     `json:"activeCalls"`
	ActiveConversations int     `json:"activeConversations"`
	PendingRequests     int     `json:"pendingRequests"`
	AverageCallDuration float64 `json:"averageCallDuration"`
	SystemLoad          int     `json:"systemLoad"`
}

// SystemLoad is min(100, calls*5 + conversations*2).
func SystemLoad(activeCalls, activeConversations int) int {
	return min(100, activeCalls*5+activeConversations*2)
}

func (s *Server) getRealTimeMetrics(ctx context.Context, req models.Request) (interface{}, error) {
	calls := s.sessions.ActiveCalls(req.BusinessID)
	convs := s.sessions.ActiveConversations(req.BusinessID)
	pending, err := s.store.ListReturns(ctx, req.BusinessID, repository.ReturnFilter{Status: models.ReturnPending, Limit: repository.MaxListLimit})
	if err != nil {
		return nil, err
	}
	now := s.now()
	var total time.Duration
	for _, c := range calls {
		total += c.Duration(now)
	}
	m := RealTimeMetrics{
		ActiveCalls:         len(calls),
		ActiveConversations: len(convs),
		PendingRequests:     len(pending),
		SystemLoad:          SystemLoad(len(calls), len(convs)),
	}
	if len(calls) > 0 {
		m.AverageCallDuration = math.Round(total.Seconds()/float64(len(calls))*10) / 10
	}
	return m, nil
}
