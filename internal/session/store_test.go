package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for store tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, strict bool) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewStore(StoreOpts{StrictTransitions: strict, Now: clock.Now}), clock
}

// assertIndexConsistent checks that every bound call id resolves to the
// session that claims it and that the index holds nothing else.
func assertIndexConsistent(t *testing.T, s *Store) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()

	bound := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		callID := e.rec.CallID
		e.mu.Unlock()
		if callID == "" {
			continue
		}
		bound++
		if got := s.byCall[callID]; got != id {
			t.Errorf("byCall[%q] = %q, want %q", callID, got, id)
		}
	}
	if len(s.byCall) != bound {
		t.Errorf("byCall has %d entries, want %d", len(s.byCall), bound)
	}
}

func TestCreate_Defaults(t *testing.T) {
	s, clock := newTestStore(t, false)
	meta := map[string]string{"agent_name": "Clara"}
	rec := s.Create("agent-x", meta)

	if rec.ID == "" {
		t.Fatal("expected generated id")
	}
	if rec.Status != StatusInitializing {
		t.Errorf("Status = %q, want initializing", rec.Status)
	}
	if !rec.CreatedAt.Equal(clock.Now()) || !rec.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("timestamps = %v/%v", rec.CreatedAt, rec.UpdatedAt)
	}
	meta["agent_name"] = "changed"
	got, _ := s.Get(rec.ID)
	if got.Metadata["agent_name"] != "Clara" {
		t.Error("store shares caller's metadata map")
	}
}

func TestCreate_UniqueIDs(t *testing.T) {
	s, _ := newTestStore(t, false)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := s.Create("a", nil).ID
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t, false)
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Mutate("missing", func(*Record) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Mutate err = %v, want ErrNotFound", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", map[string]string{"k": "v"})
	s.AppendEvent(rec.ID, RawEvent{Seq: 1, Type: "x"})

	snap, _ := s.Get(rec.ID)
	snap.Metadata["k"] = "mutated"
	snap.RawEvents[0].Type = "mutated"
	snap.Status = StatusErrored

	again, _ := s.Get(rec.ID)
	if again.Metadata["k"] != "v" || again.RawEvents[0].Type != "x" || again.Status != StatusInitializing {
		t.Errorf("snapshot changes leaked into store: %+v", again)
	}
}

func TestMutate_ErrorDoesNotCommit(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)
	boom := errors.New("boom")
	_, err := s.Mutate(rec.ID, func(r *Record) error {
		r.Status = StatusCompleted
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := s.Get(rec.ID)
	if got.Status != StatusInitializing {
		t.Errorf("Status = %q, want unchanged", got.Status)
	}
}

func TestMutate_CallIDImmutable(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)
	_, err := s.Mutate(rec.ID, func(r *Record) error {
		r.CallID = "conv-1"
		return nil
	})
	if !errors.Is(err, ErrCallIDImmutable) {
		t.Fatalf("err = %v, want ErrCallIDImmutable", err)
	}
	if _, err := s.FindByCallID("conv-1"); !errors.Is(err, ErrNotFound) {
		t.Error("call id leaked into index")
	}
}

func TestMutate_RawEventsAppendOnly(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)
	s.AppendEvent(rec.ID, RawEvent{Seq: 1})
	_, err := s.Mutate(rec.ID, func(r *Record) error {
		r.RawEvents = nil
		return nil
	})
	if !errors.Is(err, ErrRawEventsShrunk) {
		t.Fatalf("err = %v, want ErrRawEventsShrunk", err)
	}
}

func TestMutate_IdentityRestoredAndUpdatedAtBumped(t *testing.T) {
	s, clock := newTestStore(t, false)
	rec := s.Create("a", nil)
	clock.Advance(time.Minute)

	got, err := s.Mutate(rec.ID, func(r *Record) error {
		r.ID = "other"
		r.AgentID = "other"
		r.Status = StatusActive
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID || got.AgentID != "a" {
		t.Errorf("identity changed: %+v", got)
	}
	if !got.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, clock.Now())
	}
}

func TestSetStatus_PermissiveAllowsBackwards(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)
	s.SetStatus(rec.ID, StatusCompleted)
	got, _ := s.SetStatus(rec.ID, StatusActive)
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
}

func TestSetStatus_StrictKeepsTerminal(t *testing.T) {
	s, _ := newTestStore(t, true)
	rec := s.Create("a", nil)
	s.SetStatus(rec.ID, StatusCompleted)

	got, err := s.Mutate(rec.ID, func(r *Record) error {
		r.Status = StatusActive
		r.Metadata = map[string]string{"note": "kept"}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Metadata["note"] != "kept" {
		t.Error("rest of the mutation should commit")
	}
}

func TestAppendEvent_OrdersBySeq(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)
	for _, seq := range []uint64{3, 1, 2} {
		if _, err := s.AppendEvent(rec.ID, RawEvent{Seq: seq}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.Get(rec.ID)
	for i, ev := range got.RawEvents {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("RawEvents order = %v", got.RawEvents)
		}
	}
}

func TestAppendEvent_ConcurrentNoLostUpdate(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)

	const n = 200
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq))
			if _, err := s.AppendEvent(rec.ID, RawEvent{Seq: seq, Payload: payload}); err != nil {
				t.Error(err)
			}
		}(uint64(i))
	}
	wg.Wait()

	got, _ := s.Get(rec.ID)
	if len(got.RawEvents) != n {
		t.Fatalf("len(RawEvents) = %d, want %d", len(got.RawEvents), n)
	}
	for i, ev := range got.RawEvents {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("RawEvents[%d].Seq = %d", i, ev.Seq)
		}
	}
}

func TestBindCall_IndexesAndActivates(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)

	got, err := s.BindCall(rec.ID, "conv-1", BindOptions{Activate: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.CallID != "conv-1" || got.Status != StatusActive {
		t.Errorf("got = %+v", got)
	}
	found, err := s.FindByCallID("conv-1")
	if err != nil || found.ID != rec.ID {
		t.Fatalf("FindByCallID = %v, %v", found.ID, err)
	}
	assertIndexConsistent(t, s)
}

func TestBindCall_RebindDropsOldIndex(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)
	s.BindCall(rec.ID, "conv-1", BindOptions{})
	s.BindCall(rec.ID, "conv-2", BindOptions{})

	if _, err := s.FindByCallID("conv-1"); !errors.Is(err, ErrNotFound) {
		t.Error("old call id still indexed")
	}
	assertIndexConsistent(t, s)
}

func TestBindCall_UnconditionalTakesOver(t *testing.T) {
	s, _ := newTestStore(t, false)
	a := s.Create("a", nil)
	b := s.Create("b", nil)
	s.BindCall(a.ID, "conv-1", BindOptions{})

	if _, err := s.BindCall(b.ID, "conv-1", BindOptions{}); err != nil {
		t.Fatal(err)
	}
	gotA, _ := s.Get(a.ID)
	if gotA.CallID != "" {
		t.Errorf("previous owner kept call id %q", gotA.CallID)
	}
	found, _ := s.FindByCallID("conv-1")
	if found.ID != b.ID {
		t.Errorf("conv-1 -> %s, want %s", found.ID, b.ID)
	}
	assertIndexConsistent(t, s)
}

func TestBindCall_ConditionalConflicts(t *testing.T) {
	s, _ := newTestStore(t, false)
	a := s.Create("a", nil)
	b := s.Create("b", nil)
	s.BindCall(a.ID, "conv-1", BindOptions{})

	empty := ""
	tests := []struct {
		name   string
		id     string
		callID string
		opts   BindOptions
	}{
		{"owned elsewhere", b.ID, "conv-1", BindOptions{ExpectCallID: &empty}},
		{"call id moved on", a.ID, "conv-2", BindOptions{ExpectCallID: &empty}},
		{"status not allowed", b.ID, "conv-3", BindOptions{Statuses: []Status{StatusActive}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.BindCall(tt.id, tt.callID, tt.opts); !errors.Is(err, ErrBindConflict) {
				t.Fatalf("err = %v, want ErrBindConflict", err)
			}
		})
	}
	assertIndexConsistent(t, s)
}

func TestBindCall_EmptyCallID(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)
	if _, err := s.BindCall(rec.ID, "", BindOptions{}); !errors.Is(err, ErrInvalidCallID) {
		t.Fatalf("err = %v, want ErrInvalidCallID", err)
	}
}

func TestBindCall_ConcurrentConditionalSingleWinner(t *testing.T) {
	s, _ := newTestStore(t, false)
	rec := s.Create("a", nil)

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			empty := ""
			callID := fmt.Sprintf("conv-%d", i)
			_, err := s.BindCall(rec.ID, callID, BindOptions{ExpectCallID: &empty, Statuses: Open, Activate: true})
			if err == nil {
				mu.Lock()
				wins = append(wins, callID)
				mu.Unlock()
			} else if !errors.Is(err, ErrBindConflict) {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("winners = %v, want exactly one", wins)
	}
	got, _ := s.Get(rec.ID)
	if got.CallID != wins[0] {
		t.Errorf("CallID = %q, want winner %q", got.CallID, wins[0])
	}
	assertIndexConsistent(t, s)
}

func TestListCandidates_FilterAndOrder(t *testing.T) {
	s, clock := newTestStore(t, false)
	old := s.Create("x", nil)
	clock.Advance(10 * time.Minute)
	a := s.Create("x", nil)
	clock.Advance(10 * time.Second)
	b := s.Create("y", nil)
	clock.Advance(time.Second)
	done := s.Create("x", nil)
	s.SetStatus(done.ID, StatusCompleted)

	got := s.ListCandidates(Filter{AgentID: "x", Statuses: Open})
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != old.ID {
		t.Errorf("agent x candidates = %v", ids(got))
	}

	got = s.ListCandidates(Filter{Statuses: Open, MaxAge: 5 * time.Minute})
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Errorf("recent candidates = %v", ids(got))
	}

	s.BindCall(a.ID, "conv-a", BindOptions{})
	got = s.ListCandidates(Filter{AgentID: "x", Statuses: Open, Unbound: true})
	if len(got) != 1 || got[0].ID != old.ID {
		t.Errorf("unbound agent x candidates = %v", ids(got))
	}
}

func TestReap_RemovesOldAndIndex(t *testing.T) {
	s, clock := newTestStore(t, false)
	old := s.Create("a", nil)
	s.BindCall(old.ID, "conv-old", BindOptions{})
	clock.Advance(2 * time.Hour)
	fresh := s.Create("a", nil)

	if n := s.Reap(time.Hour); n != 1 {
		t.Fatalf("Reap = %d, want 1", n)
	}
	if _, err := s.Get(old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("old session still present")
	}
	if _, err := s.FindByCallID("conv-old"); !errors.Is(err, ErrNotFound) {
		t.Error("old call id still indexed")
	}
	if _, err := s.Get(fresh.ID); err != nil {
		t.Errorf("fresh session reaped: %v", err)
	}
	assertIndexConsistent(t, s)
}

func TestCount(t *testing.T) {
	s, _ := newTestStore(t, false)
	s.Create("a", nil)
	done := s.Create("a", nil)
	s.SetStatus(done.ID, StatusErrored)

	total, open := s.Count()
	if total != 2 || open != 1 {
		t.Errorf("Count = %d, %d; want 2, 1", total, open)
	}
}

func ids(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
