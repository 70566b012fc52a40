// Package normalize converts raw provider callback payloads into the stable
// transcript, statistics and analysis blocks the rest of Switchboard works
// with. Every function here is pure: no I/O, no shared state.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TypePostCallTranscription is the terminal callback type that carries the
// full transcript, metadata and analysis of a finished call.
const TypePostCallTranscription = "post_call_transcription"

// ErrUnexpectedType is reported when a payload other than a post-call
// transcription is handed to Normalize.
var ErrUnexpectedType = errors.New("unexpected webhook type")

// Result is the outcome of normalizing one callback. When Error is set the
// three blocks are nil and Raw still holds the payload untouched.
type Result struct {
	WebhookType string          `json:"webhook_type,omitempty"`
	CallID      string          `json:"conversation_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Transcript  *Transcript     `json:"transcript,omitempty"`
	Statistics  *Statistics     `json:"statistics,omitempty"`
	Analysis    *Analysis       `json:"analysis,omitempty"`
	Error       string          `json:"error,omitempty"`
	Raw         json.RawMessage `json:"raw_data,omitempty"`
}

// Failed reports whether normalization produced an error-tagged result.
func (r *Result) Failed() bool {
	return r == nil || r.Error != ""
}

// envelope is the outer shape of every provider callback.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// payloadData is the subset of a post-call transcription's data object that
// the normalizer reads. Pointers distinguish absent fields from zero values.
type payloadData struct {
	CallID     *string           `json:"conversation_id"`
	AgentID    *string           `json:"agent_id"`
	Transcript []json.RawMessage `json:"transcript"`
	Metadata   *rawMetadata      `json:"metadata"`
	Analysis   *rawAnalysis      `json:"analysis"`
}

// Normalize extracts the transcript, statistics and analysis blocks from a
// raw post-call transcription body. It never returns an error; failures are
// recorded in Result.Error with the raw payload preserved.
func Normalize(raw []byte) *Result {
	res := &Result{Raw: cloneRaw(raw)}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		res.Error = fmt.Sprintf("Error processing webhook: %v", err)
		return res
	}
	res.WebhookType = env.Type
	if env.Type != TypePostCallTranscription {
		res.Error = fmt.Sprintf("%v: %s", ErrUnexpectedType, env.Type)
		return res
	}

	var data payloadData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			res.Error = fmt.Sprintf("Error processing webhook: %v", err)
			return res
		}
	}

	transcript, err := extractTranscript(&data)
	if err != nil {
		res.Error = fmt.Sprintf("Error processing webhook: %v", err)
		return res
	}

	res.CallID = transcript.CallID
	res.AgentID = transcript.AgentID
	res.Transcript = transcript
	res.Statistics = extractStatistics(data.Metadata)
	res.Analysis = extractAnalysis(data.Analysis)
	return res
}

func cloneRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func derefString(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
