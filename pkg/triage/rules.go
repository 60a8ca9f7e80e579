package triage

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"returnflow/pkg/compliance"
	"returnflow/pkg/intent"
	"returnflow/pkg/models"
)

// HighCustomerRisk is the customer risk score at which the rule analyzer
// stops auto-approving.
const HighCustomerRisk = 0.7

// RuleAnalyzer is a deterministic analyzer used when no model is configured.
type RuleAnalyzer struct{}

func (RuleAnalyzer) Analyze(_ context.Context, in RiskInput, rules models.PolicyRules) (Assessment, error) {
	res := compliance.Evaluate(rules, compliance.Input{
		DaysSincePurchase: in.DaysSincePurchase,
		Reason:            in.Reason,
		EvidenceURLs:      in.EvidenceURLs,
		OrderValue:        in.OrderValue,
	})
	var factors []string
	if in.CustomerRiskScore >= HighCustomerRisk {
		factors = append(factors, "high_customer_risk")
	}
	if in.ProductCategory != "" && containsFold(rules.HighRiskCategories, in.ProductCategory) {
		factors = append(factors, "high_risk_category")
	}
	if in.ReturnHistory > 5 {
		factors = append(factors, "frequent_returner")
	}
	a := Assessment{RiskFactors: factors, PolicyViolations: res.Violations}

	switch {
	case !res.Compliance.WithinReturnWindow:
		a.Decision = models.DecisionAutoDeny
		a.Confidence = 0.8
		a.Reasoning = "return requested outside the policy window"
		a.NextSteps = []string{"notify_customer"}
	case !res.Compliance.ValidReason || !res.Compliance.HasRequiredEvidence:
		a.Decision = models.DecisionHumanReview
		a.Confidence = 0.6
		a.Reasoning = "reason or evidence needs manual verification"
		a.NextSteps = []string{"request_evidence"}
	case len(factors) > 0:
		a.Decision = models.DecisionHumanReview
		a.Confidence = 0.6
		a.Reasoning = "risk factors present: " + strings.Join(factors, ", ")
		a.NextSteps = []string{"manual_review"}
	case !res.Compliance.BelowThreshold:
		a.Decision = models.DecisionHumanReview
		a.Confidence = 0.75
		a.Reasoning = fmt.Sprintf("order value %.2f exceeds auto-approve threshold %.2f", in.OrderValue, rules.AutoApproveThreshold)
		a.NextSteps = []string{"manual_review"}
	default:
		a.Decision = models.DecisionAutoApprove
		a.Confidence = 0.9 - 0.2*in.CustomerRiskScore
		a.Reasoning = "compliant return with low customer risk"
		a.NextSteps = []string{"issue_return_label"}
	}
	return Normalize(a), nil
}

// RuleResponder answers in-call utterances from intent and policy alone.
type RuleResponder struct{}

func (RuleResponder) Respond(_ context.Context, in ConversationInput) (Reply, error) {
	cls := intent.Classify(in.Message)
	reason := in.Reason
	if reason == "" {
		reason = in.Message
	}
	data := &ReplyData{}
	var msg string
	switch {
	case cls.Intent == intent.HumanAgent || compliance.ShouldEscalateCall(in.Rules, reason, in.OrderValue, in.CallDuration):
		data.NextAction = NextEscalate
		data.Decision = string(models.DecisionHumanReview)
		data.Reasoning = "call requires a human agent"
		msg = "I'm connecting you with a member of our team who can help further."
	case in.Reason != "" && compliance.CanHandleInCall(in.Rules, in.Reason, in.OrderValue):
		conf := 0.8
		data.NextAction = NextProcessReturn
		data.Decision = string(models.DecisionAutoApprove)
		data.Confidence = &conf
		data.Reasoning = "simple reason within the in-call threshold"
		msg = "I can process that return for you right now."
	default:
		data.NextAction = NextCollectDetails
		data.Reasoning = "more details needed"
		msg = "Could you share your order number and the reason for the return?"
	}
	return Reply{Success: true, Message: msg, Data: data}, nil
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
