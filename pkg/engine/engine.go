// Package engine runs the four-stage return decision pipeline: data
// collection, policy validation, AI analysis and action execution.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"returnflow/pkg/audit"
	"returnflow/pkg/calls"
	"returnflow/pkg/compliance"
	"returnflow/pkg/controlserver"
	"returnflow/pkg/metrics"
	"returnflow/pkg/models"
	"returnflow/pkg/policy"
	"returnflow/pkg/requests"
	"returnflow/pkg/stream"
	"returnflow/pkg/telemetry"
	"returnflow/pkg/triage"
)

const DefaultStageTimeout = 15 * time.Second

// AuditSink receives the finished audit record of every decision, once.
// *audit.Writer satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Announcer speaks a decision back into a live call. Failures never change
// the decision.
type Announcer interface {
	Announce(ctx context.Context, businessID, callSessionID, text string) error
}

type Deps struct {
	Requests     controlserver.Caller
	Policy       controlserver.Caller
	Calls        controlserver.Caller
	Analyzer     triage.Analyzer
	Responder    triage.Responder
	Audit        AuditSink
	Announcer    Announcer
	Hub          *stream.Hub
	Metrics      *metrics.Registry
	StageTimeout time.Duration
	Now          func() time.Time
}

type Engine struct {
	requests     controlserver.Caller
	policy       controlserver.Caller
	calls        controlserver.Caller
	analyzer     triage.Analyzer
	responder    triage.Responder
	audit        AuditSink
	announcer    Announcer
	hub          *stream.Hub
	metrics      *metrics.Registry
	stageTimeout time.Duration
	now          func() time.Time
}

func New(d Deps) *Engine {
	e := &Engine{
		requests:     d.Requests,
		policy:       d.Policy,
		calls:        d.Calls,
		analyzer:     d.Analyzer,
		responder:    d.Responder,
		audit:        d.Audit,
		announcer:    d.Announcer,
		hub:          d.Hub,
		metrics:      d.Metrics,
		stageTimeout: d.StageTimeout,
		now:          d.Now,
	}
	if e.stageTimeout <= 0 {
		e.stageTimeout = DefaultStageTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.analyzer == nil {
		e.analyzer = triage.RuleAnalyzer{}
	}
	if e.responder == nil {
		e.responder = triage.RuleResponder{}
	}
	return e
}

// commit applies a stage's output to the decision context. Stages compute
// off to the side and only the engine goroutine writes the context.
type commit func(dc *DecisionContext)

type stageFunc func(ctx context.Context, dc *DecisionContext) (commit, string, error)

type stageResult struct {
	apply  commit
	detail string
	err    error
}

// Decide runs the pipeline. The first failing stage ends the decision; the
// result then carries that stage's error and the trail so far.
func (e *Engine) Decide(ctx context.Context, in Request) Result {
	if in.DecisionID == "" {
		in.DecisionID = uuid.NewString()
	}
	dc := newContext(in)
	ctx, span := telemetry.Start(ctx, "engine.decide",
		attribute.String("decision.id", dc.DecisionID),
		attribute.String("business.id", dc.BusinessID),
		attribute.Bool("call.interaction", dc.IsCallInteraction),
	)
	stages := []struct {
		name Stage
		run  stageFunc
	}{
		{StageDataCollection, e.collectData},
		{StagePolicyValidation, e.validatePolicy},
		{StageAIAnalysis, e.analyze},
		{StageActionExecution, e.execute},
	}
	for _, st := range stages {
		if err := e.runStage(ctx, dc, st.name, st.run); err != nil {
			if e.metrics != nil {
				e.metrics.IncStageFailure(string(st.name))
			}
			res := failed(dc, st.name, err)
			e.flush(ctx, dc, res)
			telemetry.End(span, err)
			return res
		}
	}
	res := Result{
		DecisionID:    dc.DecisionID,
		BusinessID:    dc.BusinessID,
		Success:       true,
		FinalDecision: dc.FinalDecision,
		Compliance:    &dc.PolicyData.Compliance,
		Violations:    dc.PolicyData.Violations,
		AIAnalysis:    dc.AIAnalysis,
		AuditTrail:    dc.AuditTrail,
	}
	if e.metrics != nil {
		e.metrics.IncDecision(string(dc.FinalDecision.Action))
	}
	e.hub.Publish(stream.NewEvent(stream.EventDecision, dc.BusinessID, res))
	e.flush(ctx, dc, res)
	telemetry.End(span, nil)
	return res
}

func failed(dc *DecisionContext, stage Stage, err error) Result {
	return Result{
		DecisionID:  dc.DecisionID,
		BusinessID:  dc.BusinessID,
		Error:       err.Error(),
		ErrorCode:   models.KindOf(err),
		FailedStage: stage,
		AuditTrail:  dc.AuditTrail,
	}
}

// runStage runs one stage under the stage timeout and appends its trail
// entry. A stage that outlives the timeout keeps running in the background
// but its output is dropped.
func (e *Engine) runStage(ctx context.Context, dc *DecisionContext, name Stage, run stageFunc) error {
	ctx, span := telemetry.Start(ctx, "engine.stage."+string(name))
	ctx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()
	started := e.now()
	done := make(chan stageResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stageResult{err: models.Errorf(models.KindInternal, "%s panic: %v", name, p)}
			}
		}()
		apply, detail, err := run(ctx, dc)
		done <- stageResult{apply: apply, detail: detail, err: err}
	}()
	var r stageResult
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = models.Wrap(models.KindUpstreamFailure, ctx.Err(), fmt.Sprintf("%s timed out", name))
	}
	entry := StageEntry{
		Stage:     name,
		Status:    StatusCompleted,
		StartedAt: started.UTC(),
		Duration:  float64(e.now().Sub(started).Microseconds()) / 1000,
		Detail:    r.detail,
	}
	if r.err != nil {
		entry.Status = StatusFailed
		entry.Error = r.err.Error()
		log.Printf("decision %s: %s failed: %v", dc.DecisionID, name, r.err)
	} else if r.apply != nil {
		r.apply(dc)
	}
	dc.appendEntry(entry)
	telemetry.End(span, r.err)
	return r.err
}

func (e *Engine) identity(dc *DecisionContext) controlserver.Identity {
	return controlserver.Identity{AgentID: dc.AgentID, UserRole: dc.UserRole}
}

func (e *Engine) callServer(ctx context.Context, c controlserver.Caller, dc *DecisionContext, action models.Action, data interface{}, out interface{}) error {
	rc := models.RequestContext{
		SessionID:         dc.SessionID,
		RequestID:         dc.DecisionID,
		CallSessionID:     dc.CallSessionID,
		IsCallInteraction: dc.IsCallInteraction,
	}
	return controlserver.Call(ctx, c, e.identity(dc), dc.BusinessID, action, data, rc, out)
}

func (e *Engine) collectData(ctx context.Context, dc *DecisionContext) (commit, string, error) {
	raw := dc.RawData
	if strings.TrimSpace(raw.OrderID) == "" {
		return nil, "", models.Errorf(models.KindInvalidRequest, "orderId is required")
	}
	if strings.TrimSpace(raw.Reason) == "" {
		return nil, "", models.Errorf(models.KindInvalidRequest, "reason is required")
	}
	if dc.IsCallInteraction && dc.CallSessionID == "" {
		return nil, "", models.Errorf(models.KindInvalidRequest, "callSessionId is required for call interactions")
	}
	enriched := EnrichedData{ReturnData: raw, DaysSincePurchase: raw.DaysSincePurchase}
	if enriched.DaysSincePurchase == nil {
		enriched.DaysSincePurchase = compliance.DaysSince(raw.PurchaseDate, e.now())
	}
	if raw.CustomerEmail != "" {
		var hist requests.CustomerHistory
		err := e.callServer(ctx, e.requests, dc, models.ActionGetCustomerHistory, map[string]string{"customerEmail": raw.CustomerEmail}, &hist)
		if err != nil {
			return nil, "", fmt.Errorf("customer history: %w", err)
		}
		enriched.CustomerHistory = &hist
		enriched.CustomerRiskScore = hist.RiskScore
		enriched.ReturnHistory = hist.TotalReturns
	}
	if raw.CustomerRiskScore != nil {
		enriched.CustomerRiskScore = *raw.CustomerRiskScore
	}
	if dc.CallSessionID != "" {
		var st calls.Status
		err := e.callServer(ctx, e.calls, dc, models.ActionGetCallStatus, map[string]string{"callSessionId": dc.CallSessionID}, &st)
		if err != nil {
			return nil, "", fmt.Errorf("call status: %w", err)
		}
		enriched.Call = &st.CallSession
		enriched.CallDuration = st.Duration
	}
	detail := fmt.Sprintf("history=%d call=%t", enriched.ReturnHistory, enriched.Call != nil)
	return func(dc *DecisionContext) { dc.EnrichedData = &enriched }, detail, nil
}

func (e *Engine) validatePolicy(ctx context.Context, dc *DecisionContext) (commit, string, error) {
	var p models.Policy
	if err := e.callServer(ctx, e.policy, dc, models.ActionGetActivePolicy, nil, &p); err != nil {
		return nil, "", fmt.Errorf("active policy: %w", err)
	}
	d := dc.EnrichedData
	in := policy.ComplianceInput{
		OrderValue:        d.OrderValue,
		Reason:            d.Reason,
		EvidenceURLs:      d.EvidenceURLs,
		PurchaseDate:      d.PurchaseDate,
		DaysSincePurchase: d.DaysSincePurchase,
	}
	var res models.ComplianceResult
	if err := e.callServer(ctx, e.policy, dc, models.ActionCheckCompliance, in, &res); err != nil {
		return nil, "", fmt.Errorf("compliance: %w", err)
	}
	data := PolicyData{Policy: p, ComplianceResult: res}
	detail := fmt.Sprintf("policy=%s violations=%d", p.ID, len(res.Violations))
	return func(dc *DecisionContext) { dc.PolicyData = &data }, detail, nil
}

func (e *Engine) analyze(ctx context.Context, dc *DecisionContext) (commit, string, error) {
	d := dc.EnrichedData
	rules := dc.PolicyData.Policy.Rules
	var a triage.Assessment
	source := "risk"
	if dc.IsCallInteraction {
		source = "conversation"
		reply, err := e.responder.Respond(ctx, triage.ConversationInput{
			BusinessID:    dc.BusinessID,
			CallSessionID: dc.CallSessionID,
			UserRole:      dc.UserRole,
			Message:       firstNonEmpty(d.Message, d.Description, d.Reason),
			History:       transcriptTurns(d.Call),
			Reason:        d.Reason,
			OrderValue:    d.OrderValue,
			CallDuration:  time.Duration(d.CallDuration * float64(time.Second)),
			Rules:         rules,
		})
		if err != nil {
			return nil, "", err
		}
		a = triage.FromReply(reply)
	} else {
		var err error
		a, err = e.analyzer.Analyze(ctx, triage.RiskInput{
			OrderID:           d.OrderID,
			CustomerEmail:     d.CustomerEmail,
			Reason:            d.Reason,
			OrderValue:        d.OrderValue,
			DaysSincePurchase: d.DaysSincePurchase,
			EvidenceURLs:      d.EvidenceURLs,
			CustomerRiskScore: d.CustomerRiskScore,
			ReturnHistory:     d.ReturnHistory,
			ProductCategory:   d.ProductCategory,
		}, rules)
		if err != nil {
			return nil, "", err
		}
		a = triage.Normalize(a)
	}
	detail := fmt.Sprintf("%s decision=%s confidence=%.2f", source, a.Decision, a.Confidence)
	return func(dc *DecisionContext) { dc.AIAnalysis = &a }, detail, nil
}

func transcriptTurns(c *models.CallSession) []triage.Turn {
	if c == nil {
		return nil
	}
	turns := make([]triage.Turn, 0, len(c.Transcript))
	for _, line := range c.Transcript {
		turns = append(turns, triage.Turn{Role: line.Speaker, Content: line.Text})
	}
	return turns
}

func (e *Engine) execute(ctx context.Context, dc *DecisionContext) (commit, string, error) {
	a := dc.AIAnalysis
	action, review := Combine(dc.PolicyData.Compliance, a.Decision, a.Confidence)
	fd := FinalDecision{
		Action:              action,
		RequiresHumanReview: review,
		AIDecision:          a.Decision,
		Confidence:          a.Confidence,
		Reasoning:           a.Reasoning,
	}
	if action == models.FinalCreateReturnRequest {
		created, err := e.createReturn(ctx, dc, fd)
		if err != nil {
			return nil, "", err
		}
		fd.ReturnRequest = &created
	}
	if dc.CallSessionID != "" && e.announcer != nil {
		if err := e.announcer.Announce(ctx, dc.BusinessID, dc.CallSessionID, announcement(fd)); err != nil {
			log.Printf("decision %s: announce on call %s: %v", dc.DecisionID, dc.CallSessionID, err)
		}
	}
	detail := fmt.Sprintf("action=%s review=%t", fd.Action, fd.RequiresHumanReview)
	return func(dc *DecisionContext) { dc.FinalDecision = &fd }, detail, nil
}

func (e *Engine) createReturn(ctx context.Context, dc *DecisionContext, fd FinalDecision) (models.ReturnRequest, error) {
	d := dc.EnrichedData
	status := models.ReturnApproved
	if fd.RequiresHumanReview {
		status = models.ReturnPending
	}
	r := models.ReturnRequest{
		OrderID:         d.OrderID,
		CustomerEmail:   d.CustomerEmail,
		Reason:          d.Reason,
		Description:     d.Description,
		OrderValue:      d.OrderValue,
		PurchaseDate:    d.PurchaseDate,
		ProductCategory: d.ProductCategory,
		EvidenceURLs:    d.EvidenceURLs,
		Status:          status,
		AIDecision:      fd.AIDecision,
		AIConfidence:    fd.Confidence,
		AIReasoning:     fd.Reasoning,
	}
	action := models.ActionCreateRequest
	if d.Call != nil {
		action = models.ActionCreateCallRequest
		r.CallSessionID = dc.CallSessionID
	}
	var created models.ReturnRequest
	if err := e.callServer(ctx, e.requests, dc, action, r, &created); err != nil {
		return created, fmt.Errorf("%s: %w", action, err)
	}
	return created, nil
}

func announcement(fd FinalDecision) string {
	switch {
	case fd.Action == models.FinalCreateReturnRequest && !fd.RequiresHumanReview:
		return "Your return has been approved. You will receive the return instructions by email."
	case fd.Action == models.FinalCreateReturnRequest:
		return "Your return request has been created and will be reviewed shortly."
	default:
		return "A member of our team will review your return request and follow up."
	}
}

// flush writes the decision's audit record. A sink failure is logged; the
// decision stands.
func (e *Engine) flush(ctx context.Context, dc *DecisionContext, res Result) {
	if e.audit == nil {
		return
	}
	input, err := json.Marshal(dc.RawData)
	if err != nil {
		log.Printf("decision %s: encode audit input: %v", dc.DecisionID, err)
		return
	}
	trail, err := json.Marshal(dc.AuditTrail)
	if err != nil {
		log.Printf("decision %s: encode audit trail: %v", dc.DecisionID, err)
		return
	}
	rec := audit.Record{
		DecisionID:    dc.DecisionID,
		BusinessID:    dc.BusinessID,
		AgentID:       dc.AgentID,
		SessionID:     dc.SessionID,
		CallSessionID: dc.CallSessionID,
		Outcome:       "failed",
		FailedStage:   string(res.FailedStage),
		Input:         input,
		Trail:         trail,
		CreatedAt:     e.now().UTC(),
	}
	if res.FinalDecision != nil {
		rec.Outcome = string(res.FinalDecision.Action)
		rec.RequiresHumanReview = res.FinalDecision.RequiresHumanReview
	}
	if err := e.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("decision %s: audit append: %v", dc.DecisionID, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
