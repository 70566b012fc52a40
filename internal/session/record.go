// Package session holds the in-memory registry of call sessions and the
// reverse index from external call id to session.
package session

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/zulandar/switchboard/internal/normalize"
	"github.com/zulandar/switchboard/internal/stage"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusErrored      Status = "error"
)

// Terminal reports whether s is Completed or Errored.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// Open lists the statuses eligible for fallback correlation.
var Open = []Status{StatusInitializing, StatusActive}

var (
	ErrNotFound        = errors.New("session: not found")
	ErrBindConflict    = errors.New("session: call id bind conflict")
	ErrCallIDImmutable = errors.New("session: call id can only change through BindCall")
	ErrRawEventsShrunk = errors.New("session: raw events are append-only")
	ErrInvalidCallID   = errors.New("session: call id is required")
)

// RawEvent is one callback as received, tagged with its receipt sequence.
type RawEvent struct {
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	ReceivedAt time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"data"`
}

// Derived is the normalized output of the most recent post-call callback.
// It is replaced as a whole on each callback; only Classified and
// ClassifyError are filled in later, and only while SourceSeq still matches.
type Derived struct {
	SourceSeq     uint64                `json:"source_seq"`
	ProcessedAt   time.Time             `json:"processed_at"`
	CallID        string                `json:"conversation_id,omitempty"`
	AgentID       string                `json:"agent_id,omitempty"`
	Transcript    *normalize.Transcript `json:"transcript,omitempty"`
	Statistics    *normalize.Statistics `json:"statistics,omitempty"`
	Analysis      *normalize.Analysis   `json:"analysis,omitempty"`
	Error         string                `json:"error,omitempty"`
	Classified    *stage.Transcript     `json:"classified_transcript,omitempty"`
	ClassifyError string                `json:"classification_error,omitempty"`
}

// Failed reports whether normalization of the source callback failed.
func (d *Derived) Failed() bool { return d != nil && d.Error != "" }

// Summary returns the compact digest of d pushed to realtime subscribers.
func (d *Derived) Summary() normalize.Summary {
	if d == nil || d.Failed() {
		return normalize.Summarize(nil)
	}
	return normalize.Summarize(&normalize.Result{
		Transcript: d.Transcript,
		Statistics: d.Statistics,
		Analysis:   d.Analysis,
	})
}

// DerivedFrom builds the derived block for a normalized callback.
func DerivedFrom(seq uint64, at time.Time, res *normalize.Result) *Derived {
	d := &Derived{SourceSeq: seq, ProcessedAt: at}
	if res == nil {
		d.Error = "Error processing webhook: empty result"
		return d
	}
	if res.Failed() {
		d.Error = res.Error
		return d
	}
	d.CallID = res.CallID
	d.AgentID = res.AgentID
	d.Transcript = res.Transcript
	d.Statistics = res.Statistics
	d.Analysis = res.Analysis
	return d
}

// Record is a snapshot of one session. Records returned by the Store are
// copies; changing them has no effect on stored state.
type Record struct {
	ID        string            `json:"session_id"`
	AgentID   string            `json:"agent_id"`
	CallID    string            `json:"conversation_id,omitempty"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RawEvents []RawEvent        `json:"webhook_data"`
	Derived   *Derived          `json:"processed_data,omitempty"`
}

// clone copies the parts of r a mutator may change. Raw payload bytes and
// the normalized blocks under Derived are never modified after they are
// stored, so they are shared.
func (r Record) clone() Record {
	out := r
	out.Metadata = maps.Clone(r.Metadata)
	out.RawEvents = append([]RawEvent(nil), r.RawEvents...)
	if r.Derived != nil {
		d := *r.Derived
		out.Derived = &d
	}
	return out
}

// AddEvent inserts ev into the raw event log ordered by Seq.
func (r *Record) AddEvent(ev RawEvent) {
	i := sort.Search(len(r.RawEvents), func(i int) bool { return r.RawEvents[i].Seq > ev.Seq })
	r.RawEvents = slices.Insert(r.RawEvents, i, ev)
}

// LastEvent returns the most recently received raw event, if any.
func (r Record) LastEvent() (RawEvent, bool) {
	if len(r.RawEvents) == 0 {
		return RawEvent{}, false
	}
	return r.RawEvents[len(r.RawEvents)-1], true
}
