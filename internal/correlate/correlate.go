// Package correlate attributes inbound provider callbacks to sessions.
//
// Matching runs in order and the first hit wins:
//
//  1. exact: the session already bound to the callback's call id.
//  2. agent: for completion callbacks, the newest open session of the
//     declared agent that has no call id yet.
//  3. recency: for completion callbacks when step 2 found no candidate, the
//     newest open unbound session of any agent created within the recency
//     window.
//
// Steps 2 and 3 bind the call id to the chosen session and promote it to
// Active. Step 3 is lossy: with several concurrent sessions it can attribute
// a call to the wrong one. It exists because provider callbacks can arrive
// before the client has announced the call id.
package correlate

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/switchboard/internal/normalize"
	"github.com/zulandar/switchboard/internal/session"
)

// TypeConversationCompleted signals the end of a call without the full
// post-call payload.
const TypeConversationCompleted = "conversation.completed"

// DefaultRecencyWindow bounds the recency fallback.
const DefaultRecencyWindow = 300 * time.Second

// ErrMiss is returned when no session matches a callback.
var ErrMiss = errors.New("correlate: no matching session")

// Method names the step that produced a match.
type Method string

const (
	MethodExact   Method = "exact"
	MethodAgent   Method = "agent"
	MethodRecency Method = "recency"
	MethodNone    Method = "none"
)

// IsCompletion reports whether a callback type signals the end of a call.
func IsCompletion(typ string) bool {
	return typ == normalize.TypePostCallTranscription || typ == TypeConversationCompleted
}

// Callback is the identity a callback declares about itself. Empty fields
// are absent.
type Callback struct {
	Type    string
	CallID  string
	AgentID string
}

// Match is a successful correlation.
type Match struct {
	Session session.Record
	Method  Method
}

// Engine correlates callbacks against a session store.
type Engine struct {
	store  *session.Store
	window time.Duration
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Store         *session.Store
	RecencyWindow time.Duration // defaults to DefaultRecencyWindow
}

// New creates a correlation engine.
func New(opts Opts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("correlate: store is required")
	}
	window := opts.RecencyWindow
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Engine{store: opts.Store, window: window}, nil
}

// Correlate finds the session cb belongs to. It returns ErrMiss when no
// session matches, including when a fallback bind loses a race to another
// callback.
func (e *Engine) Correlate(cb Callback) (Match, error) {
	if m, ok := e.exact(cb.CallID); ok {
		return m, nil
	}
	if !IsCompletion(cb.Type) || cb.CallID == "" {
		return Match{Method: MethodNone}, ErrMiss
	}

	if cb.AgentID != "" {
		cands := e.store.ListCandidates(session.Filter{AgentID: cb.AgentID, Statuses: session.Open, Unbound: true})
		if len(cands) > 0 {
			log.Printf("correlate: call %s: no exact match, binding newest session of agent %s", cb.CallID, cb.AgentID)
			return e.bind(cands[0], cb, MethodAgent)
		}
	}

	cands := e.store.ListCandidates(session.Filter{Statuses: session.Open, MaxAge: e.window, Unbound: true})
	if len(cands) > 0 {
		log.Printf("correlate: call %s: using most recent session %s (agent mismatch: expected %q, got %q)",
			cb.CallID, cands[0].ID, cb.AgentID, cands[0].AgentID)
		return e.bind(cands[0], cb, MethodRecency)
	}

	log.Printf("correlate: call %s: no open sessions for agent %q within %s", cb.CallID, cb.AgentID, e.window)
	return Match{Method: MethodNone}, ErrMiss
}

func (e *Engine) exact(callID string) (Match, bool) {
	if callID == "" {
		return Match{}, false
	}
	rec, err := e.store.FindByCallID(callID)
	if err != nil {
		return Match{}, false
	}
	return Match{Session: rec, Method: MethodExact}, true
}

// bind claims cand for the callback's call id, conditional on cand still
// having no call id. A session bound by another call is never taken over.
func (e *Engine) bind(cand session.Record, cb Callback, method Method) (Match, error) {
	expect := ""
	rec, err := e.store.BindCall(cand.ID, cb.CallID, session.BindOptions{
		ExpectCallID: &expect,
		Statuses:     session.Open,
		Activate:     true,
	})
	if err == nil {
		log.Printf("correlate: linked call %s to session %s (%s)", cb.CallID, rec.ID, method)
		return Match{Session: rec, Method: method}, nil
	}
	if errors.Is(err, session.ErrBindConflict) {
		// Another callback may have bound this very call id meanwhile.
		if m, ok := e.exact(cb.CallID); ok {
			return m, nil
		}
		log.Printf("correlate: call %s: lost bind race for session %s", cb.CallID, cand.ID)
		return Match{Method: MethodNone}, ErrMiss
	}
	if errors.Is(err, session.ErrNotFound) {
		return Match{Method: MethodNone}, ErrMiss
	}
	return Match{Method: MethodNone}, fmt.Errorf("correlate: bind call %s: %w", cb.CallID, err)
}
