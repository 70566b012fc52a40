package session

import (
	"fmt"
	"log"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative in-memory session registry.
//
// Locking: mu guards the sessions map and the byCall index. Each entry has
// its own mutex guarding its record. When both are needed, mu is acquired
// first. Mutate takes only the entry lock, which is why it may not change
// CallID; call id changes go through BindCall, which holds both.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byCall   map[string]string

	strict bool
	now    func() time.Time
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	removed bool
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	// StrictTransitions forbids leaving Completed or Errored.
	StrictTransitions bool
	// For testing: override the clock.
	Now func() time.Time
}

// NewStore creates an empty store.
func NewStore(opts StoreOpts) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions: make(map[string]*entry),
		byCall:   make(map[string]string),
		strict:   opts.StrictTransitions,
		now:      now,
	}
}

// Create registers a new Initializing session for agentID.
func (s *Store) Create(agentID string, metadata map[string]string) Record {
	now := s.now()
	rec := Record{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Status:    StatusInitializing,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  maps.Clone(metadata),
		RawEvents: []RawEvent{},
	}

	s.mu.Lock()
	s.sessions[rec.ID] = &entry{rec: rec}
	s.mu.Unlock()

	return rec.clone()
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.rec.clone(), nil
}

// FindByCallID returns the session currently bound to callID.
func (s *Store) FindByCallID(callID string) (Record, error) {
	if callID == "" {
		return Record{}, fmt.Errorf("%w: empty call id", ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCall[callID]
	if !ok {
		return Record{}, fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	e := s.sessions[id]
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// Filter selects sessions for ListCandidates. Zero fields match everything.
type Filter struct {
	AgentID  string
	Statuses []Status
	// MaxAge excludes sessions created more than MaxAge before now.
	MaxAge time.Duration
	// Unbound excludes sessions that already carry a call id.
	Unbound bool
}

// ListCandidates returns snapshots of matching sessions, newest first.
func (s *Store) ListCandidates(f Filter) []Record {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, e := range s.sessions {
		e.mu.Lock()
		rec := e.rec
		match := f.AgentID == "" || rec.AgentID == f.AgentID
		if match && len(f.Statuses) > 0 {
			match = slices.Contains(f.Statuses, rec.Status)
		}
		if match && f.Unbound {
			match = rec.CallID == ""
		}
		if match && f.MaxAge > 0 {
			match = now.Sub(rec.CreatedAt) <= f.MaxAge
		}
		if match {
			out = append(out, rec.clone())
		}
		e.mu.Unlock()
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of sessions, and of those the number in an open
// status.
func (s *Store) Count() (total, open int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.sessions {
		e.mu.Lock()
		if !e.rec.Status.Terminal() {
			open++
		}
		e.mu.Unlock()
	}
	return len(s.sessions), open
}

// Mutate runs fn with exclusive access to a working copy of the session and
// commits the copy if fn returns nil. Identity fields are restored, CallID
// changes are rejected and, under strict transitions, a status change out of
// a terminal status is reverted while the rest of the mutation commits.
func (s *Store) Mutate(id string, fn func(*Record) error) (Record, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	old := e.rec
	work := old.clone()
	if err := fn(&work); err != nil {
		return old.clone(), err
	}

	if work.CallID != old.CallID {
		return old.clone(), ErrCallIDImmutable
	}
	if len(work.RawEvents) < len(old.RawEvents) {
		return old.clone(), ErrRawEventsShrunk
	}
	work.ID = old.ID
	work.AgentID = old.AgentID
	work.CreatedAt = old.CreatedAt
	work.Status = s.checkTransition(id, old.Status, work.Status)
	work.UpdatedAt = s.now()

	e.rec = work
	return work.clone(), nil
}

func (s *Store) checkTransition(id string, from, to Status) Status {
	if s.strict && from.Terminal() && to != from {
		log.Printf("session: %s: ignoring transition %s -> %s", id, from, to)
		return from
	}
	return to
}

// AppendEvent inserts ev into the session's raw event log ordered by Seq, so
// the log reflects receipt order even when appends race.
func (s *Store) AppendEvent(id string, ev RawEvent) (Record, error) {
	return s.Mutate(id, func(r *Record) error {
		r.AddEvent(ev)
		return nil
	})
}

// SetStatus moves the session to st, subject to strict transitions.
func (s *Store) SetStatus(id string, st Status) (Record, error) {
	return s.Mutate(id, func(r *Record) error {
		r.Status = st
		return nil
	})
}

// BindOptions constrain BindCall.
type BindOptions struct {
	// ExpectCallID, when set, makes the bind conditional on the session's
	// current call id still being this value.
	ExpectCallID *string
	// Statuses, when set, makes the bind conditional on the session's status.
	Statuses []Status
	// Activate promotes the session to Active.
	Activate bool
}

// conditional reports whether a bind must lose to an existing owner of the
// call id rather than take it over.
func (o BindOptions) conditional() bool {
	return o.ExpectCallID != nil || len(o.Statuses) > 0
}

// BindCall points callID at session id and updates the reverse index.
//
// A conditional bind fails with ErrBindConflict when its preconditions no
// longer hold or when another session already owns callID. An unconditional
// bind takes callID over from any previous owner, whose call id is cleared.
func (s *Store) BindCall(id, callID string, opts BindOptions) (Record, error) {
	if callID == "" {
		return Record{}, ErrInvalidCallID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	owner, owned := s.byCall[callID]
	if owned && owner != id && opts.conditional() {
		return Record{}, fmt.Errorf("%w: call %s already bound to %s", ErrBindConflict, callID, owner)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if opts.ExpectCallID != nil && e.rec.CallID != *opts.ExpectCallID {
		return e.rec.clone(), fmt.Errorf("%w: session %s call id changed", ErrBindConflict, id)
	}
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, e.rec.Status) {
		return e.rec.clone(), fmt.Errorf("%w: session %s is %s", ErrBindConflict, id, e.rec.Status)
	}

	if owned && owner != id {
		prev := s.sessions[owner]
		prev.mu.Lock()
		prev.rec.CallID = ""
		prev.rec.UpdatedAt = s.now()
		prev.mu.Unlock()
		log.Printf("session: call %s moved from %s to %s", callID, owner, id)
	}
	if old := e.rec.CallID; old != "" && old != callID && s.byCall[old] == id {
		delete(s.byCall, old)
	}

	e.rec.CallID = callID
	s.byCall[callID] = id
	if opts.Activate {
		e.rec.Status = s.checkTransition(id, e.rec.Status, StatusActive)
	}
	e.rec.UpdatedAt = s.now()
	return e.rec.clone(), nil
}

// Reap removes sessions created more than maxAge ago and returns how many
// were removed.
func (s *Store) Reap(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		if e.rec.CreatedAt.Before(cutoff) {
			if c := e.rec.CallID; c != "" && s.byCall[c] == id {
				delete(s.byCall, c)
			}
			e.removed = true
			delete(s.sessions, id)
			n++
		}
		e.mu.Unlock()
	}
	return n
}
