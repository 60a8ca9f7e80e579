// Package triage holds the AI collaborators of the decision engine: a
// risk/triage analyzer and a conversational responder, plus the
// normalisation both results go through before the engine trusts them.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"returnflow/pkg/models"
)

// RiskInput is what a triage analyzer sees about one return.
type RiskInput struct {
	OrderID           string   `json:"orderId"`
	CustomerEmail     string   `json:"customerEmail,omitempty"`
	Reason            string   `json:"reason"`
	OrderValue        float64  `json:"orderValue"`
	DaysSincePurchase *int     `json:"daysSincePurchase,omitempty"`
	EvidenceURLs      []string `json:"evidenceUrls,omitempty"`
	CustomerRiskScore float64  `json:"customerRiskScore"`
	ReturnHistory     int      `json:"returnHistory"`
	ProductCategory   string   `json:"productCategory,omitempty"`
}

// Assessment is the normalised AI result.
type Assessment struct {
	Decision         models.Decision `json:"decision"`
	Confidence       float64         `json:"confidence"`
	Reasoning        string          `json:"reasoning"`
	RiskFactors      []string        `json:"riskFactors,omitempty"`
	PolicyViolations []string        `json:"policyViolations,omitempty"`
	NextSteps        []string        `json:"nextSteps,omitempty"`
}

type Analyzer interface {
	Analyze(ctx context.Context, in RiskInput, rules models.PolicyRules) (Assessment, error)
}

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationInput carries one in-call utterance with its context.
type ConversationInput struct {
	BusinessID    string             `json:"businessId"`
	CallSessionID string             `json:"callSessionId,omitempty"`
	UserRole      string             `json:"userRole"`
	Message       string             `json:"message"`
	History       []Turn             `json:"history,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	OrderValue    float64            `json:"orderValue"`
	CallDuration  time.Duration      `json:"-"`
	Rules         models.PolicyRules `json:"rules"`
}

type ReplyData struct {
	NextAction    string          `json:"nextAction,omitempty"`
	Decision      string          `json:"decision,omitempty"`
	Confidence    *float64        `json:"confidence,omitempty"`
	Reasoning     string          `json:"reasoning,omitempty"`
	ReturnRequest json.RawMessage `json:"returnRequest,omitempty"`
}

type Reply struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    *ReplyData `json:"data,omitempty"`
}

type Responder interface {
	Respond(ctx context.Context, in ConversationInput) (Reply, error)
}

// DefaultReplyConfidence is assumed when a conversational reply carries no
// confidence of its own.
const DefaultReplyConfidence = 0.5

// Normalize clamps confidence into [0,1] and maps unknown decisions to
// human_review.
func Normalize(a Assessment) Assessment {
	a.Decision = models.ParseDecision(strings.ToLower(strings.TrimSpace(string(a.Decision))))
	switch {
	case math.IsNaN(a.Confidence) || a.Confidence < 0:
		a.Confidence = 0
	case a.Confidence > 1:
		a.Confidence = 1
	}
	return a
}

type wireAssessment struct {
	Decision         string          `json:"decision"`
	Confidence       json.RawMessage `json:"confidence"`
	Reasoning        string          `json:"reasoning"`
	RiskFactors      []string        `json:"riskFactors"`
	PolicyViolations []string        `json:"policyViolations"`
	NextSteps        []string        `json:"nextSteps"`
}

// ParseResult decodes a raw analyzer payload. Anything that does not parse
// becomes a zero-confidence human_review.
func ParseResult(raw []byte) Assessment {
	raw = stripFence(raw)
	var w wireAssessment
	if err := json.Unmarshal(raw, &w); err != nil {
		return Assessment{
			Decision:  models.DecisionHumanReview,
			Reasoning: "unparseable triage result: " + err.Error(),
		}
	}
	var conf float64
	if err := json.Unmarshal(w.Confidence, &conf); err != nil {
		var s string
		if json.Unmarshal(w.Confidence, &s) == nil {
			conf, _ = strconv.ParseFloat(strings.TrimSpace(s), 64)
		}
	}
	return Normalize(Assessment{
		Decision:         models.Decision(w.Decision),
		Confidence:       conf,
		Reasoning:        w.Reasoning,
		RiskFactors:      w.RiskFactors,
		PolicyViolations: w.PolicyViolations,
		NextSteps:        w.NextSteps,
	})
}

// FromReply turns a conversational reply into an assessment. An explicit
// decision wins over the suggested next action.
func FromReply(r Reply) Assessment {
	a := Assessment{Decision: models.DecisionHumanReview, Confidence: DefaultReplyConfidence, Reasoning: r.Message}
	if !r.Success || r.Data == nil {
		return Normalize(a)
	}
	if r.Data.Reasoning != "" {
		a.Reasoning = r.Data.Reasoning
	}
	if r.Data.Confidence != nil {
		a.Confidence = *r.Data.Confidence
	}
	switch {
	case r.Data.Decision != "":
		a.Decision = models.Decision(r.Data.Decision)
	case r.Data.NextAction == NextProcessReturn:
		a.Decision = models.DecisionAutoApprove
	case r.Data.NextAction == NextDenyReturn:
		a.Decision = models.DecisionAutoDeny
	}
	if r.Data.NextAction != "" {
		a.NextSteps = []string{r.Data.NextAction}
	}
	return Normalize(a)
}

const (
	NextProcessReturn  = "process_return"
	NextDenyReturn     = "deny_return"
	NextEscalate       = "escalate"
	NextCollectDetails = "collect_details"
)

func stripFence(raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	if !bytes.HasPrefix(raw, []byte("```")) {
		return raw
	}
	raw = bytes.TrimPrefix(raw, []byte("```"))
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[i+1:]
	}
	raw = bytes.TrimSuffix(bytes.TrimSpace(raw), []byte("```"))
	return bytes.TrimSpace(raw)
}
