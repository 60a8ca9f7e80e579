package triage

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"returnflow/pkg/httpx"
	"returnflow/pkg/models"
)

// HTTPAnalyzer delegates triage to a remote risk service. The service
// receives {"request": RiskInput, "policy": PolicyRules} and answers with an
// assessment object.
type HTTPAnalyzer struct {
	URL        string
	Client     *http.Client
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h *HTTPAnalyzer) Analyze(ctx context.Context, in RiskInput, rules models.PolicyRules) (Assessment, error) {
	body, err := json.Marshal(map[string]interface{}{"request": in, "policy": rules})
	if err != nil {
		return Assessment{}, err
	}
	delay := h.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	status, resp, err := httpx.RequestJSON(ctx, h.Client, http.MethodPost, h.URL, body, h.Headers, h.Retries, delay)
	if err != nil {
		return Assessment{}, models.Wrap(models.KindUpstreamFailure, err, "risk service")
	}
	if status < 200 || status >= 300 {
		return Assessment{}, models.Errorf(models.KindUpstreamFailure, "risk service returned %d", status)
	}
	return ParseResult(resp), nil
}

var _ Analyzer = (*HTTPAnalyzer)(nil)
