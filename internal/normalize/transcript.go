package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Entry is one normalized transcript message.
type Entry struct {
	Role           string `json:"role"`
	Message        string `json:"message"`
	TimeInCallSecs int    `json:"time_in_call_secs"`
	Interrupted    bool   `json:"interrupted"`
	SourceMedium   string `json:"source_medium"`
}

// Transcript is the normalized transcript block. Entries excludes messages
// with empty text; Raw keeps every original entry for auditing.
type Transcript struct {
	CallID       string            `json:"conversation_id"`
	AgentID      string            `json:"agent_id"`
	Entries      []Entry           `json:"transcript"`
	MessageCount int               `json:"message_count"`
	Raw          []json.RawMessage `json:"raw_transcript"`
}

type rawEntry struct {
	Role           *string  `json:"role"`
	Message        *string  `json:"message"`
	TimeInCallSecs *float64 `json:"time_in_call_secs"`
	Interrupted    *bool    `json:"interrupted"`
	SourceMedium   *string  `json:"source_medium"`
}

func extractTranscript(data *payloadData) (*Transcript, error) {
	t := &Transcript{
		CallID:  derefString(data.CallID, ""),
		AgentID: derefString(data.AgentID, ""),
		Entries: []Entry{},
		Raw:     []json.RawMessage{},
	}

	for i, raw := range data.Transcript {
		t.Raw = append(t.Raw, cloneRaw(raw))

		var re rawEntry
		if err := json.Unmarshal(raw, &re); err != nil {
			return nil, fmt.Errorf("transcript[%d]: %w", i, err)
		}
		e := Entry{
			Role:         derefString(re.Role, "unknown"),
			Message:      derefString(re.Message, ""),
			SourceMedium: derefString(re.SourceMedium, "unknown"),
		}
		if re.TimeInCallSecs != nil {
			e.TimeInCallSecs = int(*re.TimeInCallSecs)
		}
		if re.Interrupted != nil {
			e.Interrupted = *re.Interrupted
		}
		if e.Message == "" {
			continue
		}
		t.Entries = append(t.Entries, e)
	}
	t.MessageCount = len(t.Entries)
	return t, nil
}

// FormatTranscriptText renders entries as "[<time>] ROLE: message" blocks
// separated by blank lines. Entries with empty text are skipped.
func FormatTranscriptText(entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Message == "" {
			continue
		}
		role := e.Role
		if role == "" {
			role = "unknown"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			FormatDuration(e.TimeInCallSecs), strings.ToUpper(role), e.Message))
	}
	return strings.Join(lines, "\n\n")
}
