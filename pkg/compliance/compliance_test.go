package compliance

import (
	"reflect"
	"testing"
	"time"

	"returnflow/pkg/models"
)

func rules() models.PolicyRules {
	return models.PolicyRules{
		ReturnWindowDays:     30,
		AutoApproveThreshold: 100,
		RequiredEvidence:     []string{"photo"},
		AcceptableReasons:    []string{"defective", "changed_mind", "Wrong Item"},
		AllowVoiceCalls:      true,
		MaxCallDuration:      600,
	}
}

func days(n int) *int { return &n }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		violations []string
	}{
		{
			name:       "compliant",
			in:         Input{DaysSincePurchase: days(10), Reason: "Changed Mind", EvidenceURLs: []string{"https://img/1"}, OrderValue: 50},
			violations: []string{},
		},
		{
			name:       "window boundary",
			in:         Input{DaysSincePurchase: days(30), Reason: "wrong-item", EvidenceURLs: []string{"u"}, OrderValue: 100},
			violations: []string{},
		},
		{
			name:       "everything wrong",
			in:         Input{DaysSincePurchase: days(31), Reason: "bored", EvidenceURLs: []string{" "}, OrderValue: 100.01},
			violations: []string{ViolationReturnWindow, ViolationReason, ViolationEvidence, ViolationThreshold},
		},
		{
			name:       "unknown purchase date",
			in:         Input{Reason: "defective", EvidenceURLs: []string{"u"}, OrderValue: 1},
			violations: []string{ViolationReturnWindow},
		},
	}
	for _, tt := range tests {
		got := Evaluate(rules(), tt.in)
		if !reflect.DeepEqual(got.Violations, tt.violations) {
			t.Fatalf("%s: violations=%v want %v", tt.name, got.Violations, tt.violations)
		}
		if got.Compliance.Compliant() != (len(tt.violations) == 0) {
			t.Fatalf("%s: compliant flag mismatch", tt.name)
		}
	}
}

func TestCallDecisions(t *testing.T) {
	r := rules()
	if !CanHandleInCall(r, "changed_mind", 40) {
		t.Fatal("simple low-value return should be handled in call")
	}
	if CanHandleInCall(r, "Not as described", 40) {
		t.Fatal("complex reason must not be handled in call")
	}
	if CanHandleInCall(r, "changed_mind", 400) {
		t.Fatal("high value must not be handled in call")
	}
	if ShouldEscalateCall(r, "changed_mind", 40, 5*time.Minute) {
		t.Fatal("unexpected escalation")
	}
	if !ShouldEscalateCall(r, "changed_mind", 40, 11*time.Minute) {
		t.Fatal("long call should escalate")
	}
	if !ShouldEscalateCall(r, "damaged", 40, time.Minute) || !ShouldEscalateCall(r, "changed_mind", 101, 0) {
		t.Fatal("complex reason or high value should escalate")
	}
}

func TestCheckCallPermission(t *testing.T) {
	r := rules()
	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	if p := CheckCallPermission(r, models.CallVoice, noon); !p.Allowed {
		t.Fatalf("voice should be allowed: %+v", p)
	}
	if p := CheckCallPermission(r, models.CallVideo, noon); p.Allowed {
		t.Fatal("video disabled by policy")
	}
	if p := CheckCallPermission(r, "fax", noon); p.Allowed {
		t.Fatal("unknown call type must be rejected")
	}
	r.BusinessHours = &models.BusinessHours{StartHour: 9, EndHour: 17}
	if p := CheckCallPermission(r, models.CallVoice, noon.Add(6*time.Hour)); p.Allowed || p.Reason != "outside business hours" {
		t.Fatalf("18:00 should be outside hours: %+v", p)
	}
	r.BusinessHours.Timezone = "America/New_York"
	if p := CheckCallPermission(r, models.CallVoice, noon.Add(2*time.Hour)); !p.Allowed {
		t.Fatalf("14:00 UTC is 09:00 in New York and should be allowed: %+v", p)
	}
}

func TestDaysSince(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	p := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if d := DaysSince(&p, now); d == nil || *d != 9 {
		t.Fatalf("expected 9 whole days, got %v", d)
	}
	if DaysSince(nil, now) != nil {
		t.Fatal("nil purchase must give nil")
	}
}
