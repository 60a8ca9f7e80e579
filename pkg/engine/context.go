package engine

import (
	"time"

	"returnflow/pkg/models"
	"returnflow/pkg/requests"
	"returnflow/pkg/triage"
)

type Stage string

const (
	StageDataCollection   Stage = "data_collection"
	StagePolicyValidation Stage = "policy_validation"
	StageAIAnalysis       Stage = "ai_analysis"
	StageActionExecution  Stage = "action_execution"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ReturnData is the raw payload of a decision request.
type ReturnData struct {
	OrderID           string     `json:"orderId"`
	CustomerEmail     string     `json:"customerEmail,omitempty"`
	Reason            string     `json:"reason"`
	Description       string     `json:"description,omitempty"`
	OrderValue        float64    `json:"orderValue"`
	PurchaseDate      *time.Time `json:"purchaseDate,omitempty"`
	DaysSincePurchase *int       `json:"daysSincePurchase,omitempty"`
	ProductCategory   string     `json:"productCategory,omitempty"`
	EvidenceURLs      []string   `json:"evidenceUrls,omitempty"`
	CustomerRiskScore *float64   `json:"customerRiskScore,omitempty"`
	// Message is the customer's utterance on live-call interactions.
	Message string `json:"message,omitempty"`
}

// Request is one top-level decision request.
type Request struct {
	DecisionID        string     `json:"decisionId,omitempty"`
	BusinessID        string     `json:"businessId"`
	AgentID           string     `json:"agentId"`
	UserRole          string     `json:"userRole"`
	SessionID         string     `json:"sessionId,omitempty"`
	CallSessionID     string     `json:"callSessionId,omitempty"`
	IsCallInteraction bool       `json:"isCallInteraction,omitempty"`
	Data              ReturnData `json:"data"`
}

// EnrichedData is the Data Collection output.
type EnrichedData struct {
	ReturnData
	DaysSincePurchase *int                      `json:"daysSincePurchase,omitempty"`
	CustomerRiskScore float64                   `json:"customerRiskScore"`
	ReturnHistory     int                       `json:"returnHistory"`
	CustomerHistory   *requests.CustomerHistory `json:"customerHistory,omitempty"`
	Call              *models.CallSession       `json:"call,omitempty"`
	CallDuration      float64                   `json:"callDuration,omitempty"`
}

// PolicyData is the Policy Validation output.
type PolicyData struct {
	Policy models.Policy `json:"policy"`
	models.ComplianceResult
}

type FinalDecision struct {
	Action              models.FinalAction    `json:"finalAction"`
	RequiresHumanReview bool                  `json:"requiresHumanReview"`
	AIDecision          models.Decision       `json:"aiDecision"`
	Confidence          float64               `json:"confidence"`
	Reasoning           string                `json:"reasoning,omitempty"`
	ReturnRequest       *models.ReturnRequest `json:"returnRequest,omitempty"`
}

// StageEntry is one audit trail line. Duration is in milliseconds.
type StageEntry struct {
	Stage     Stage     `json:"stage"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	Duration  float64   `json:"duration"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// DecisionContext accumulates the output of each stage. Every stage sets
// exactly one of the output fields and appends one trail entry; nothing
// outside the engine writes to it.
type DecisionContext struct {
	DecisionID        string             `json:"decisionId"`
	BusinessID        string             `json:"businessId"`
	AgentID           string             `json:"agentId"`
	UserRole          string             `json:"userRole"`
	SessionID         string             `json:"sessionId,omitempty"`
	CallSessionID     string             `json:"callSessionId,omitempty"`
	IsCallInteraction bool               `json:"isCallInteraction,omitempty"`
	RawData           ReturnData         `json:"rawData"`
	EnrichedData      *EnrichedData      `json:"enrichedData,omitempty"`
	PolicyData        *PolicyData        `json:"policyData,omitempty"`
	AIAnalysis        *triage.Assessment `json:"aiAnalysis,omitempty"`
	FinalDecision     *FinalDecision     `json:"finalDecision,omitempty"`
	AuditTrail        []StageEntry       `json:"auditTrail"`
}

func newContext(in Request) *DecisionContext {
	return &DecisionContext{
		DecisionID:        in.DecisionID,
		BusinessID:        in.BusinessID,
		AgentID:           in.AgentID,
		UserRole:          in.UserRole,
		SessionID:         in.SessionID,
		CallSessionID:     in.CallSessionID,
		IsCallInteraction: in.IsCallInteraction,
		RawData:           in.Data,
		AuditTrail:        []StageEntry{},
	}
}

func (dc *DecisionContext) appendEntry(e StageEntry) {
	dc.AuditTrail = append(dc.AuditTrail, e)
}

// Result is what a caller gets back. A failed decision carries the trail
// accumulated up to and including the failing stage.
type Result struct {
	DecisionID    string             `json:"decisionId"`
	BusinessID    string             `json:"businessId"`
	Success       bool               `json:"success"`
	FinalDecision *FinalDecision     `json:"finalDecision,omitempty"`
	Compliance    *models.Compliance `json:"compliance,omitempty"`
	Violations    []string           `json:"violations,omitempty"`
	AIAnalysis    *triage.Assessment `json:"aiAnalysis,omitempty"`
	Error         string             `json:"error,omitempty"`
	ErrorCode     models.Kind        `json:"errorCode,omitempty"`
	FailedStage   Stage              `json:"failedStage,omitempty"`
	AuditTrail    []StageEntry       `json:"auditTrail"`
}
