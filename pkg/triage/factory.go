package triage

import (
	"fmt"
	"net/http"

	"returnflow/pkg/config"
	"returnflow/pkg/telemetry"
)

// NewAnalyzer builds the analyzer selected by cfg.Provider.
func NewAnalyzer(cfg config.TriageConfig) (Analyzer, error) {
	switch cfg.Provider {
	case "", "rules":
		return RuleAnalyzer{}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai triage requires an API key")
		}
		return NewOpenAIAnalyzer(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "http":
		if cfg.RiskURL == "" {
			return nil, fmt.Errorf("http triage requires a risk service URL")
		}
		client := &http.Client{Timeout: cfg.Timeout}
		telemetry.InstrumentClient(client)
		return &HTTPAnalyzer{URL: cfg.RiskURL, Client: client, Retries: cfg.RiskRetries}, nil
	}
	return nil, fmt.Errorf("unknown triage provider %q", cfg.Provider)
}

// NewResponder builds the conversational responder. Only the openai provider
// has a model-backed responder; everything else answers from rules.
func NewResponder(cfg config.TriageConfig) (Responder, error) {
	if cfg.Provider == "openai" {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai responder requires an API key")
		}
		return NewOpenAIResponder(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	}
	return RuleResponder{}, nil
}
