package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/zulandar/switchboard/internal/normalize"
)

var testEntries = []normalize.Entry{
	{Role: "agent", Message: "Hello, this is Clara from the care team.", TimeInCallSecs: 0},
	{Role: "user", Message: "Hi, yes this is Jane.", TimeInCallSecs: 3},
	{Role: "agent", Message: "Thanks, goodbye.", TimeInCallSecs: 40},
}

// capturedRequest is the part of a chat-completions request body the tests
// inspect.
type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat map[string]any `json:"response_format"`
}

// fakeCompletions serves a chat-completions endpoint that answers with the
// given labels JSON and records the last request body.
func fakeCompletions(t *testing.T, status int, content string, got *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"boom","type":"rate_limit_exceeded"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1750000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClassifier(t *testing.T, url string) *OpenAIClassifier {
	t.Helper()
	c, err := NewOpenAIClassifier(OpenAIOpts{APIKey: "sk-test", APIBase: url + "/"})
	if err != nil {
		t.Fatalf("NewOpenAIClassifier: %v", err)
	}
	return c
}

func TestNewOpenAIClassifier_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClassifier(OpenAIOpts{})
	if err == nil || !strings.Contains(err.Error(), "api key is required") {
		t.Fatalf("err = %v, want api key error", err)
	}
}

func TestClassify_MapsLabelsByIndex(t *testing.T) {
	content := `{"labels":[
		{"index":3,"conversation_stage":"Closing"},
		{"index":1,"conversation_stage":"Greeting & Identification"},
		{"index":2,"conversation_stage":"Recipient Verification"}]}`
	var req capturedRequest
	srv := fakeCompletions(t, http.StatusOK, content, &req)
	defer srv.Close()

	out, err := newTestClassifier(t, srv.URL).Classify(context.Background(), "sess-1", testEntries)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.SessionID != "sess-1" || out.MessageCount != 3 {
		t.Errorf("out = %+v", out)
	}
	want := []Stage{GreetingIdentification, RecipientVerification, Closing}
	for i, e := range out.Entries {
		if e.Stage != want[i] {
			t.Errorf("Entries[%d].Stage = %q, want %q", i, e.Stage, want[i])
		}
		if e.Message != testEntries[i].Message {
			t.Errorf("Entries[%d].Message = %q, want input preserved", i, e.Message)
		}
	}

	if req.Model != "gpt-4o-mini" {
		t.Errorf("request model = %q, want default gpt-4o-mini", req.Model)
	}
	if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "2. User: Hi, yes this is Jane.") {
		t.Errorf("prompt does not number the transcript: %+v", req.Messages)
	}
	if req.ResponseFormat["type"] != "json_schema" {
		t.Errorf("response_format = %v", req.ResponseFormat)
	}
	schema, _ := req.ResponseFormat["json_schema"].(map[string]any)
	if schema["name"] != "classified_transcript" || schema["strict"] != true {
		t.Errorf("json_schema = %v", schema)
	}
}

func TestClassify_EntryJSONFlattensMessage(t *testing.T) {
	e := Entry{Entry: testEntries[0], Stage: GreetingIdentification}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"message":"Hello, this is Clara from the care team."`) ||
		!strings.Contains(s, `"conversation_stage":"Greeting & Identification"`) {
		t.Errorf("Entry JSON = %s", s)
	}
}

func TestClassify_InvalidLabels(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown stage", `{"labels":[{"index":1,"conversation_stage":"Small Talk"},{"index":2,"conversation_stage":"Closing"},{"index":3,"conversation_stage":"Closing"}]}`},
		{"missing message", `{"labels":[{"index":1,"conversation_stage":"Closing"},{"index":3,"conversation_stage":"Closing"}]}`},
		{"index out of range", `{"labels":[{"index":4,"conversation_stage":"Closing"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeCompletions(t, http.StatusOK, tt.content, nil)
			defer srv.Close()

			_, err := newTestClassifier(t, srv.URL).Classify(context.Background(), "s", testEntries)
			if !errors.Is(err, ErrInvalidLabel) {
				t.Fatalf("err = %v, want ErrInvalidLabel", err)
			}
		})
	}
}

func TestClassify_APIError(t *testing.T) {
	srv := fakeCompletions(t, http.StatusTooManyRequests, "", nil)
	defer srv.Close()

	_, err := newTestClassifier(t, srv.URL).Classify(context.Background(), "s", testEntries)
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("err = %v, want status 429", err)
	}
	var apiErr *openaigo.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("err does not wrap the API error: %v", err)
	}
}

func TestClassify_MalformedContent(t *testing.T) {
	srv := fakeCompletions(t, http.StatusOK, "not json", nil)
	defer srv.Close()

	_, err := newTestClassifier(t, srv.URL).Classify(context.Background(), "s", testEntries)
	if err == nil || !strings.Contains(err.Error(), "parse labels") {
		t.Fatalf("err = %v, want parse labels error", err)
	}
}

func TestClassify_EmptyTranscriptSkipsCall(t *testing.T) {
	c, _ := NewOpenAIClassifier(OpenAIOpts{APIKey: "k", APIBase: "http://127.0.0.1:1"})
	out, err := c.Classify(context.Background(), "s", nil)
	if err != nil {
		t.Fatalf("Classify(empty): %v", err)
	}
	if out.MessageCount != 0 || len(out.Entries) != 0 {
		t.Errorf("out = %+v, want empty", out)
	}
}

func TestClassify_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClassifier(t, srv.URL).Classify(ctx, "s", testEntries)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestStage_Valid(t *testing.T) {
	for _, s := range Stages {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Stage("Chit Chat").Valid() {
		t.Error("unknown stage reported valid")
	}
	if len(Stages) != 8 {
		t.Errorf("len(Stages) = %d, want 8", len(Stages))
	}
}
