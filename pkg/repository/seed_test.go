package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const seedYAML = `
policies:
  - id: pol-acme-1
    business_id: acme
    version: "1"
    active: true
    rules:
      return_window_days: 30
      auto_approve_threshold: 150
      required_evidence: [photo]
      acceptable_reasons: [defective, wrong_size, changed_mind]
      high_risk_categories: [electronics]
      allow_voice_calls: true
      allow_video_calls: false
      max_call_duration: 900
      auto_escalation_threshold: 0.6
      business_hours:
        start_hour: 9
        end_hour: 17
        timezone: America/New_York
`

func TestLoadPoliciesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	policies, err := LoadPoliciesYAML(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected one policy, got %d", len(policies))
	}
	r := policies[0].Rules
	if r.ReturnWindowDays != 30 || r.AutoApproveThreshold != 150 || len(r.AcceptableReasons) != 3 || !r.AllowVoiceCalls || r.AllowVideoCalls {
		t.Fatalf("unexpected rules: %+v", r)
	}
	if r.BusinessHours == nil || r.BusinessHours.Timezone != "America/New_York" || r.BusinessHours.EndHour != 17 {
		t.Fatalf("unexpected business hours: %+v", r.BusinessHours)
	}

	m := NewMemory()
	if err := SeedPolicies(context.Background(), m, policies); err != nil {
		t.Fatal(err)
	}
	if p, err := m.ActivePolicy(context.Background(), "acme"); err != nil || p.ID != "pol-acme-1" {
		t.Fatalf("seeded policy not active: %+v %v", p, err)
	}
}

func TestParsePoliciesYAMLRejectsIncomplete(t *testing.T) {
	if _, err := ParsePoliciesYAML([]byte("policies:\n  - version: \"1\"\n")); err == nil {
		t.Fatal("expected missing id error")
	}
	if _, err := ParsePoliciesYAML([]byte("policies: [")); err == nil {
		t.Fatal("expected yaml error")
	}
	if _, err := LoadPoliciesYAML(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestOpenMemoryWithSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	_ = os.WriteFile(path, []byte(seedYAML), 0o600)
	s, err := Open(context.Background(), "memory", nil, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActivePolicy(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), "sqlite", nil, ""); err == nil {
		t.Fatal("expected unknown storage error")
	}
	if _, err := Open(context.Background(), "postgres", nil, ""); err == nil {
		t.Fatal("expected missing pool error")
	}
}
