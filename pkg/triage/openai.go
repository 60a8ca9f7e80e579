package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"returnflow/pkg/models"
)

const analyzerPrompt = `You triage e-commerce return requests against a store's return policy.
Respond with a JSON object: {"decision": "auto_approve"|"auto_deny"|"human_review",
"confidence": number between 0 and 1, "reasoning": string, "riskFactors": [string],
"policyViolations": [string], "nextSteps": [string]}.
Prefer human_review whenever the evidence is ambiguous.`

const responderPrompt = `You are a returns agent speaking with a customer on a live call.
Respond with a JSON object: {"message": string, "nextAction": "process_return"|"deny_return"|"escalate"|"collect_details",
"decision": "auto_approve"|"auto_deny"|"human_review", "confidence": number between 0 and 1, "reasoning": string}.
Never promise a refund the policy does not allow.`

// OpenAIAnalyzer asks a chat model for a triage decision in JSON mode.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
}

func newClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func NewOpenAIAnalyzer(apiKey, model, baseURL string) *OpenAIAnalyzer {
	return &OpenAIAnalyzer{client: newClient(apiKey, baseURL), model: model}
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, in RiskInput, rules models.PolicyRules) (Assessment, error) {
	payload, err := json.Marshal(map[string]interface{}{"request": in, "policy": rules})
	if err != nil {
		return Assessment{}, err
	}
	content, err := complete(ctx, a.client, a.model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: analyzerPrompt},
		{Role: openai.ChatMessageRoleUser, Content: string(payload)},
	})
	if err != nil {
		return Assessment{}, models.Wrap(models.KindUpstreamFailure, err, "openai triage")
	}
	return ParseResult([]byte(content)), nil
}

// OpenAIResponder produces the next utterance on a live call.
type OpenAIResponder struct {
	client *openai.Client
	model  string
}

func NewOpenAIResponder(apiKey, model, baseURL string) *OpenAIResponder {
	return &OpenAIResponder{client: newClient(apiKey, baseURL), model: model}
}

func (r *OpenAIResponder) Respond(ctx context.Context, in ConversationInput) (Reply, error) {
	policy, err := json.Marshal(map[string]interface{}{
		"businessId":  in.BusinessID,
		"userRole":    in.UserRole,
		"reason":      in.Reason,
		"orderValue":  in.OrderValue,
		"callSeconds": int(in.CallDuration.Seconds()),
		"policy":      in.Rules,
	})
	if err != nil {
		return Reply{}, err
	}
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: responderPrompt},
		{Role: openai.ChatMessageRoleSystem, Content: "Context: " + string(policy)},
	}
	for _, t := range in.History {
		role := openai.ChatMessageRoleUser
		if t.Role == "agent" || t.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.Message})

	content, err := complete(ctx, r.client, r.model, msgs)
	if err != nil {
		return Reply{}, models.Wrap(models.KindUpstreamFailure, err, "openai responder")
	}
	var data ReplyData
	var body struct {
		Message string `json:"message"`
	}
	raw := stripFence([]byte(content))
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{Success: false, Message: content}, nil
	}
	_ = json.Unmarshal(raw, &data)
	return Reply{Success: true, Message: body.Message, Data: &data}, nil
}

func complete(ctx context.Context, client *openai.Client, model string, msgs []openai.ChatCompletionMessage) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   1024,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonLength {
		return "", fmt.Errorf("completion truncated after %d tokens", resp.Usage.CompletionTokens)
	}
	return resp.Choices[0].Message.Content, nil
}
