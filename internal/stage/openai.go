package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/zulandar/switchboard/internal/normalize"
)

const systemPrompt = "You are a medical call transcript analyzer. Classify each message by conversation stage."

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// OpenAIClassifier classifies transcripts through an OpenAI-compatible
// chat-completions endpoint using a strict JSON schema response format.
type OpenAIClassifier struct {
	client openaigo.Client
	model  string
}

// OpenAIOpts holds parameters for creating an OpenAIClassifier.
type OpenAIOpts struct {
	APIKey  string
	APIBase string // defaults to https://api.openai.com/v1
	Model   string // defaults to gpt-4o-mini
	// For testing: inject a client pointed at a fake server.
	HTTPClient *http.Client
}

// NewOpenAIClassifier creates a classifier for an OpenAI-compatible API.
// Requests are not retried; the caller's context bounds each attempt.
func NewOpenAIClassifier(opts OpenAIOpts) (*OpenAIClassifier, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stage: api key is required")
	}
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}

	client := openaigo.NewClient(
		option.WithBaseURL(apiBase+"/"),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return &OpenAIClassifier{client: client, model: model}, nil
}

// labelSet is the structured output requested from the model.
type labelSet struct {
	Labels []struct {
		Index int   `json:"index"`
		Stage Stage `json:"conversation_stage"`
	} `json:"labels"`
}

// Classify sends the transcript to the model and maps the returned labels
// back onto the input entries by their 1-based index.
func (c *OpenAIClassifier) Classify(ctx context.Context, sessionID string, entries []normalize.Entry) (*Transcript, error) {
	out := &Transcript{SessionID: sessionID, Entries: []Entry{}}
	if len(entries) == 0 {
		return out, nil
	}

	resp, err := c.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(c.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(systemPrompt),
			openaigo.UserMessage(buildPrompt(entries)),
		},
		Temperature:    openaigo.Float(0),
		ResponseFormat: responseFormat(),
	})
	if err != nil {
		var apiErr *openaigo.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("stage: API error (status %d): %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("stage: chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("stage: response has no choices")
	}

	var labels labelSet
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &labels); err != nil {
		return nil, fmt.Errorf("stage: parse labels: %w", err)
	}

	stages, err := assignLabels(len(entries), labels)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		out.Entries = append(out.Entries, Entry{Entry: e, Stage: stages[i]})
	}
	out.MessageCount = len(out.Entries)
	return out, nil
}

// assignLabels validates that every entry got exactly one known label.
func assignLabels(n int, labels labelSet) ([]Stage, error) {
	stages := make([]Stage, n)
	for _, l := range labels.Labels {
		if l.Index < 1 || l.Index > n {
			return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidLabel, l.Index)
		}
		if !l.Stage.Valid() {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidLabel, l.Stage)
		}
		stages[l.Index-1] = l.Stage
	}
	for i, s := range stages {
		if s == "" {
			return nil, fmt.Errorf("%w: message %d not labeled", ErrInvalidLabel, i+1)
		}
	}
	return stages, nil
}

func buildPrompt(entries []normalize.Entry) string {
	var b strings.Builder
	b.WriteString("You are analyzing a medical authorization call transcript. ")
	b.WriteString("Please classify each message according to these conversation stages:\n\n")
	for i, s := range Stages {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, s, stageHints[s])
	}
	b.WriteString("\nHere is the transcript:\n")
	for i, e := range entries {
		role := "User"
		if e.Role == "agent" {
			role = "Agent"
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, role, e.Message)
	}
	b.WriteString("\nReturn one label per message, referencing each message by its number.")
	return b.String()
}

func responseFormat() openaigo.ChatCompletionNewParamsResponseFormatUnion {
	enum := make([]string, len(Stages))
	for i, s := range Stages {
		enum[i] = string(s)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"labels": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"index":              map[string]any{"type": "integer"},
						"conversation_stage": map[string]any{"type": "string", "enum": enum},
					},
					"required":             []string{"index", "conversation_stage"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"labels"},
		"additionalProperties": false,
	}
	return openaigo.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "classified_transcript",
				Strict: openaigo.Bool(true),
				Schema: schema,
			},
		},
	}
}
