package models

import "time"

// Decision is the normalized outcome of AI triage.
type Decision string

const (
	DecisionAutoApprove Decision = "auto_approve"
	DecisionAutoDeny    Decision = "auto_deny"
	DecisionHumanReview Decision = "human_review"
)

// ParseDecision maps free-form labels onto a Decision. Anything it does not
// recognise is human_review.
func ParseDecision(raw string) Decision {
	switch Decision(raw) {
	case DecisionAutoApprove, DecisionAutoDeny, DecisionHumanReview:
		return Decision(raw)
	}
	switch raw {
	case "approve", "approved", "auto-approve":
		return DecisionAutoApprove
	case "deny", "denied", "auto-deny", "reject":
		return DecisionAutoDeny
	}
	return DecisionHumanReview
}

// FinalAction is what the decision engine does with a request.
type FinalAction string

const (
	FinalCreateReturnRequest FinalAction = "create_return_request"
	FinalHumanReview         FinalAction = "human_review"
)

type ReturnStatus string

const (
	ReturnPending     ReturnStatus = "pending"
	ReturnUnderReview ReturnStatus = "under_review"
	ReturnApproved    ReturnStatus = "approved"
	ReturnDenied      ReturnStatus = "denied"
	ReturnCompleted   ReturnStatus = "completed"
)

type ReturnRequest struct {
	PublicID        string       `json:"publicId"`
	BusinessID      string       `json:"businessId"`
	OrderID         string       `json:"orderId"`
	CustomerEmail   string       `json:"customerEmail"`
	Reason          string       `json:"reason"`
	Description     string       `json:"description,omitempty"`
	OrderValue      float64      `json:"orderValue"`
	PurchaseDate    *time.Time   `json:"purchaseDate,omitempty"`
	ProductCategory string       `json:"productCategory,omitempty"`
	EvidenceURLs    []string     `json:"evidenceUrls,omitempty"`
	Status          ReturnStatus `json:"status"`
	CallSessionID   string       `json:"callSessionId,omitempty"`
	AIDecision      Decision     `json:"aiDecision,omitempty"`
	AIConfidence    float64      `json:"aiConfidence,omitempty"`
	AIReasoning     string       `json:"aiReasoning,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// ReturnRequestPatch carries the mutable fields of a return request; nil
// fields are left untouched.
type ReturnRequestPatch struct {
	Status       *ReturnStatus `json:"status,omitempty"`
	Reason       *string       `json:"reason,omitempty"`
	Description  *string       `json:"description,omitempty"`
	EvidenceURLs []string      `json:"evidenceUrls,omitempty"`
	AIDecision   *Decision     `json:"aiDecision,omitempty"`
	AIConfidence *float64      `json:"aiConfidence,omitempty"`
	AIReasoning  *string       `json:"aiReasoning,omitempty"`
}

// Apply merges the patch into r.
func (p ReturnRequestPatch) Apply(r *ReturnRequest) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Reason != nil {
		r.Reason = *p.Reason
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if len(p.EvidenceURLs) > 0 {
		r.EvidenceURLs = append([]string(nil), p.EvidenceURLs...)
	}
	if p.AIDecision != nil {
		r.AIDecision = *p.AIDecision
	}
	if p.AIConfidence != nil {
		r.AIConfidence = *p.AIConfidence
	}
	if p.AIReasoning != nil {
		r.AIReasoning = *p.AIReasoning
	}
}

type BusinessHours struct {
	StartHour int    `json:"start_hour" yaml:"start_hour"`
	EndHour   int    `json:"end_hour" yaml:"end_hour"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

type PolicyRules struct {
	ReturnWindowDays        int            `json:"return_window_days" yaml:"return_window_days"`
	AutoApproveThreshold    float64        `json:"auto_approve_threshold" yaml:"auto_approve_threshold"`
	RequiredEvidence        []string       `json:"required_evidence" yaml:"required_evidence"`
	AcceptableReasons       []string       `json:"acceptable_reasons" yaml:"acceptable_reasons"`
	HighRiskCategories      []string       `json:"high_risk_categories" yaml:"high_risk_categories"`
	FraudFlags              []string       `json:"fraud_flags" yaml:"fraud_flags"`
	AllowVoiceCalls         bool           `json:"allow_voice_calls" yaml:"allow_voice_calls"`
	AllowVideoCalls         bool           `json:"allow_video_calls" yaml:"allow_video_calls"`
	MaxCallDuration         int            `json:"max_call_duration" yaml:"max_call_duration"`
	AutoEscalationThreshold float64        `json:"auto_escalation_threshold" yaml:"auto_escalation_threshold"`
	BusinessHours           *BusinessHours `json:"business_hours,omitempty" yaml:"business_hours,omitempty"`
}

type Policy struct {
	ID         string      `json:"id" yaml:"id"`
	BusinessID string      `json:"businessId" yaml:"business_id"`
	Version    string      `json:"version" yaml:"version"`
	Active     bool        `json:"active" yaml:"active"`
	Rules      PolicyRules `json:"rules" yaml:"rules"`
	CreatedAt  time.Time   `json:"createdAt" yaml:"created_at"`
}

type Compliance struct {
	WithinReturnWindow  bool `json:"withinReturnWindow"`
	ValidReason         bool `json:"validReason"`
	HasRequiredEvidence bool `json:"hasRequiredEvidence"`
	BelowThreshold      bool `json:"belowThreshold"`
}

type ComplianceResult struct {
	Compliance Compliance `json:"compliance"`
	Violations []string   `json:"violations"`
}

// Compliant is true when all four checks pass.
func (c Compliance) Compliant() bool {
	return c.WithinReturnWindow && c.ValidReason && c.HasRequiredEvidence && c.BelowThreshold
}
