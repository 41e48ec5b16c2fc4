// Package llm wraps the two external model services: the interpretation
// adapter (with quota-aware fallback) and the silent clinical evaluator.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/llm/prompts"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/scenario"
)

// ErrUnavailable marks a non-quota failure of an external model service.
// Callers recover locally: the turn is still logged, with a null
// interpretation and a user-safe notice.
var ErrUnavailable = errors.New("model service unavailable")

// CaseContext carries the case and session state an external call needs.
type CaseContext struct {
	Case  model.Case
	State model.SessionState
}

// Client wraps an OpenAI-compatible API client for one model service.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a client for one OpenAI-compatible endpoint.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping verifies the endpoint accepts requests.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("model endpoint %s: %w", c.model, err)
	}
	return nil
}

// Interpret maps raw student text to one of the case's known action keys.
//
// On a recognized quota signal it returns the deterministic keyword
// fallback instead of an error, so the pipeline stays usable end to end
// when the external service is exhausted. Any other failure wraps
// ErrUnavailable. No retries: this is a synchronous, user-facing call.
func (c *Client) Interpret(ctx context.Context, rawText string, cc CaseContext) (*model.InterpretedAction, error) {
	ic := prompts.InterpreterContext{
		CaseID:           cc.Case.ID,
		PatientAge:       cc.Case.Patient.Age,
		ChiefComplaint:   cc.Case.Patient.ChiefComplaint,
		RevealedFindings: cc.State.RevealedFindings,
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.BuildInterpreterSystem(scenario.ActionKeys(cc.Case))},
			{Role: openai.ChatMessageRoleUser, Content: prompts.BuildInterpreterUser(rawText, ic)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		if isQuotaErr(err) {
			slog.Warn("interpretation quota exhausted, using keyword fallback", "case", cc.Case.ID)
			return FallbackInterpret(rawText), nil
		}
		return nil, fmt.Errorf("%w: interpret: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: interpret: no choices", ErrUnavailable)
	}

	raw := resp.Choices[0].Message.Content
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		// Short plain text means the model chatted instead of classifying;
		// the original system treats that as a CHAT turn.
		if raw != "" && len(raw) < 200 {
			return &model.InterpretedAction{
				Intent:         model.IntentChat,
				ActionKey:      prompts.ActionGeneralChat,
				Confidence:     0.3,
				ClinicalIntent: "other",
				Priority:       "low",
				Rationale:      strings.TrimSpace(raw),
			}, nil
		}
		return nil, fmt.Errorf("%w: interpret: no JSON in response", ErrUnavailable)
	}

	var action model.InterpretedAction
	if err := json.Unmarshal([]byte(jsonStr), &action); err != nil {
		return nil, fmt.Errorf("%w: parse interpretation: %v", ErrUnavailable, err)
	}
	normalize(&action)
	return &action, nil
}

// EvaluateClinically runs the advisory clinical-accuracy check.
// Failures are returned to the caller, which degrades to an absence
// marker; nothing here is ever shown to the student.
func (c *Client) EvaluateClinically(ctx context.Context, rawText string, cc CaseContext) (*model.ClinicalNote, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.BuildClinicalSystem()},
			{Role: openai.ChatMessageRoleUser, Content: prompts.BuildClinicalUser(rawText, cc.Case, cc.State)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("clinical evaluation: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("clinical evaluation: no choices")
	}

	jsonStr := extractJSON(resp.Choices[0].Message.Content)
	if jsonStr == "" {
		return nil, errors.New("clinical evaluation: no JSON in response")
	}
	var note model.ClinicalNote
	if err := json.Unmarshal([]byte(jsonStr), &note); err != nil {
		return nil, fmt.Errorf("parse clinical note: %w", err)
	}
	return &note, nil
}

// PatientReply generates the first-person patient response shown to the
// student. Higher temperature for natural, varied phrasing.
func (c *Client) PatientReply(ctx context.Context, studentQuestion string, cc CaseContext) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompts.BuildPatientPrompt(scenario.Persona(cc.Case), studentQuestion)},
		},
		Temperature: 0.7,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("patient reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("patient reply: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func normalize(a *model.InterpretedAction) {
	a.ActionKey = strings.TrimSpace(a.ActionKey)
	if a.Intent != model.IntentChat && a.Intent != model.IntentAction {
		a.Intent = model.IntentAction
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	} else if a.Confidence > 1 {
		a.Confidence = 1
	}
	if a.ClinicalIntent = strings.TrimSpace(a.ClinicalIntent); a.ClinicalIntent == "" {
		a.ClinicalIntent = "other"
	}
	if a.Priority = strings.TrimSpace(a.Priority); a.Priority == "" {
		a.Priority = "medium"
	}
	a.Rationale = strings.TrimSpace(a.Rationale)
}

// isQuotaErr recognizes the quota/rate-limit failure signal.
func isQuotaErr(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "429")
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON digs a JSON object out of a model response that may wrap
// it in prose or code fences. Returns "" if nothing parses.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return text
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	// Greedy first-to-last brace.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}
