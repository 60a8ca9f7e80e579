package compliance

import (
	"strings"
	"time"
	_ "time/tzdata"

	"returnflow/pkg/models"
)

// Violation names reported by Evaluate.
const (
	ViolationReturnWindow = "outside_return_window"
	ViolationReason       = "reason_not_acceptable"
	ViolationEvidence     = "missing_required_evidence"
	ViolationThreshold    = "exceeds_auto_approve_threshold"
)

// complexReasons need a human or an inspection and cannot be settled on a
// live call.
var complexReasons = map[string]bool{
	"defective":        true,
	"damaged":          true,
	"wrong_item":       true,
	"not_as_described": true,
}

// Input is the subset of a return request the checks look at.
// DaysSincePurchase is nil when the purchase date is unknown.
type Input struct {
	DaysSincePurchase *int     `json:"daysSincePurchase,omitempty"`
	Reason            string   `json:"reason"`
	EvidenceURLs      []string `json:"evidenceUrls,omitempty"`
	OrderValue        float64  `json:"orderValue"`
}

// NormalizeReason lowercases r and folds spaces and hyphens to underscores.
func NormalizeReason(r string) string {
	r = strings.ToLower(strings.TrimSpace(r))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(r)
}

func IsComplexReason(reason string) bool {
	return complexReasons[NormalizeReason(reason)]
}

// Evaluate runs the four independent checks. An unknown purchase date fails
// the window check.
func Evaluate(rules models.PolicyRules, in Input) models.ComplianceResult {
	c := models.Compliance{
		WithinReturnWindow:  in.DaysSincePurchase != nil && *in.DaysSincePurchase >= 0 && *in.DaysSincePurchase <= rules.ReturnWindowDays,
		ValidReason:         reasonAccepted(rules.AcceptableReasons, in.Reason),
		HasRequiredEvidence: countEvidence(in.EvidenceURLs) >= len(rules.RequiredEvidence),
		BelowThreshold:      in.OrderValue <= rules.AutoApproveThreshold,
	}
	violations := []string{}
	if !c.WithinReturnWindow {
		violations = append(violations, ViolationReturnWindow)
	}
	if !c.ValidReason {
		violations = append(violations, ViolationReason)
	}
	if !c.HasRequiredEvidence {
		violations = append(violations, ViolationEvidence)
	}
	if !c.BelowThreshold {
		violations = append(violations, ViolationThreshold)
	}
	return models.ComplianceResult{Compliance: c, Violations: violations}
}

func reasonAccepted(acceptable []string, reason string) bool {
	r := NormalizeReason(reason)
	if r == "" {
		return false
	}
	for _, a := range acceptable {
		if NormalizeReason(a) == r {
			return true
		}
	}
	return false
}

func countEvidence(urls []string) int {
	n := 0
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			n++
		}
	}
	return n
}

// CanHandleInCall reports whether a return can be settled on the call
// itself: a simple reason and a value within the auto-approve threshold.
func CanHandleInCall(rules models.PolicyRules, reason string, orderValue float64) bool {
	return !IsComplexReason(reason) && orderValue <= rules.AutoApproveThreshold
}

// ShouldEscalateCall reports whether a live call should go to a human.
func ShouldEscalateCall(rules models.PolicyRules, reason string, orderValue float64, callDuration time.Duration) bool {
	if orderValue > rules.AutoApproveThreshold {
		return true
	}
	if rules.MaxCallDuration > 0 && callDuration > time.Duration(rules.MaxCallDuration)*time.Second {
		return true
	}
	return IsComplexReason(reason)
}

// CallPermission is the outcome of CheckCallPermission.
type CallPermission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CheckCallPermission applies the call-type switches and, when configured,
// business hours evaluated in the policy's timezone.
func CheckCallPermission(rules models.PolicyRules, callType models.CallType, at time.Time) CallPermission {
	switch callType {
	case models.CallVoice:
		if !rules.AllowVoiceCalls {
			return CallPermission{Reason: "voice calls not allowed by policy"}
		}
	case models.CallVideo:
		if !rules.AllowVideoCalls {
			return CallPermission{Reason: "video calls not allowed by policy"}
		}
	default:
		return CallPermission{Reason: "unknown call type " + string(callType)}
	}
	if bh := rules.BusinessHours; bh != nil {
		loc := time.UTC
		if bh.Timezone != "" {
			if l, err := time.LoadLocation(bh.Timezone); err == nil {
				loc = l
			}
		}
		hour := at.In(loc).Hour()
		if hour < bh.StartHour || hour >= bh.EndHour {
			return CallPermission{Reason: "outside business hours"}
		}
	}
	return CallPermission{Allowed: true}
}

// DaysSince returns whole days between purchase and now, or nil when the
// purchase date is unknown.
func DaysSince(purchase *time.Time, now time.Time) *int {
	if purchase == nil || purchase.IsZero() {
		return nil
	}
	d := int(now.Sub(*purchase).Hours() / 24)
	return &d
}
