// Package webhook reconciles signed provider callbacks with sessions.
//
// A delivery moves through signature check, correlation, normalization,
// session mutation and realtime publish. Only the signature check can fail
// the delivery; every later step is best-effort and the sender is told the
// delivery was processed.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/switchboard/internal/audit"
	"github.com/zulandar/switchboard/internal/correlate"
	"github.com/zulandar/switchboard/internal/normalize"
	"github.com/zulandar/switchboard/internal/realtime"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/stage"
)

// Callback types with status side effects.
const (
	TypePostCallTranscription = normalize.TypePostCallTranscription
	TypeConversationCompleted = correlate.TypeConversationCompleted
	TypeConversationError     = "conversation.error"
	TypeConversationUpdate    = "conversation.update"
)

// StatusProcessed is the only status reported to an authenticated sender.
const StatusProcessed = "processed"

// DefaultCollaboratorTimeout bounds classification and notification.
const DefaultCollaboratorTimeout = 60 * time.Second

// errStale aborts a classification merge whose source callback has been
// superseded.
var errStale = errors.New("webhook: derived data superseded")

// Auditor records deliveries and completed-call summaries.
type Auditor interface {
	RecordDelivery(ctx context.Context, d audit.Delivery) error
	RecordSummary(ctx context.Context, rec session.Record) error
}

// Notifier announces completed calls.
type Notifier interface {
	NotifyCallSummary(ctx context.Context, rec session.Record) error
}

// Outcome is what Handle reports for an authenticated delivery.
type Outcome struct {
	Status    string           `json:"status"`
	Seq       uint64           `json:"-"`
	SessionID string           `json:"-"`
	Method    correlate.Method `json:"-"`
}

// Reconciler processes webhook deliveries.
type Reconciler struct {
	secret     []byte
	store      *session.Store
	engine     *correlate.Engine
	publisher  realtime.Publisher
	classifier stage.Classifier
	auditor    Auditor
	notifier   Notifier
	timeout    time.Duration
	notifyWait time.Duration
	now        func() time.Time

	seq atomic.Uint64
	wg  sync.WaitGroup
}

// Opts holds parameters for creating a Reconciler. Classifier, Auditor and
// Notifier are optional.
type Opts struct {
	Secret     string
	Store      *session.Store
	Engine     *correlate.Engine
	Publisher  realtime.Publisher
	Classifier stage.Classifier
	Auditor    Auditor
	Notifier   Notifier
	// Timeout bounds each classification call, and notification calls
	// unless NotifyTimeout is set.
	Timeout       time.Duration
	NotifyTimeout time.Duration
	// For testing: override the clock.
	Now func() time.Time
}

// New validates opts and creates a Reconciler.
func New(opts Opts) (*Reconciler, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("webhook: secret is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("webhook: store is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("webhook: engine is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("webhook: publisher is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCollaboratorTimeout
	}
	notifyWait := opts.NotifyTimeout
	if notifyWait <= 0 {
		notifyWait = timeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		secret:     []byte(opts.Secret),
		store:      opts.Store,
		engine:     opts.Engine,
		publisher:  opts.Publisher,
		classifier: opts.Classifier,
		auditor:    opts.Auditor,
		notifier:   opts.Notifier,
		timeout:    timeout,
		notifyWait: notifyWait,
		now:        now,
	}, nil
}

// envelope is the outer shape of a callback body.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// identity is what a callback declares about the call it describes.
type identity struct {
	CallID  string `json:"conversation_id"`
	AgentID string `json:"agent_id"`
}

// Handle processes one delivery. It returns ErrUnauthorized when the
// signature does not verify and otherwise always succeeds.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signature string) (Outcome, error) {
	// Receipt order is fixed here, before any work that could reorder
	// concurrent deliveries.
	seq := r.seq.Add(1)
	receivedAt := r.now()

	if err := Verify(r.secret, body, signature); err != nil {
		log.Printf("webhook: delivery %d: invalid signature", seq)
		return Outcome{}, err
	}
	out := Outcome{Status: StatusProcessed, Seq: seq, Method: correlate.MethodNone}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Printf("webhook: delivery %d: parse body: %v", seq, err)
		r.recordDelivery(ctx, audit.Delivery{Seq: seq, Method: string(correlate.MethodNone), Payload: body, ReceivedAt: receivedAt})
		return out, nil
	}
	var id identity
	if len(env.Data) > 0 {
		// A data field that is not an object simply declares nothing.
		_ = json.Unmarshal(env.Data, &id)
	}
	log.Printf("webhook: received %s for conversation %q", env.Type, id.CallID)

	match, err := r.engine.Correlate(correlate.Callback{Type: env.Type, CallID: id.CallID, AgentID: id.AgentID})
	r.recordDelivery(ctx, audit.Delivery{
		Seq:        seq,
		Type:       env.Type,
		CallID:     id.CallID,
		AgentID:    id.AgentID,
		SessionID:  match.Session.ID,
		Method:     string(match.Method),
		Payload:    body,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		if errors.Is(err, correlate.ErrMiss) {
			log.Printf("webhook: no session found for conversation %q (%s)", id.CallID, env.Type)
		} else {
			log.Printf("webhook: delivery %d: correlate: %v", seq, err)
		}
		return out, nil
	}
	out.SessionID = match.Session.ID
	out.Method = match.Method

	rec, derived, err := r.apply(match.Session.ID, seq, receivedAt, env, body)
	if err != nil {
		log.Printf("webhook: delivery %d: update session %s: %v", seq, match.Session.ID, err)
		return out, nil
	}

	r.publishUpdate(rec, env, derived)

	if derived != nil && !derived.Failed() && rec.Derived != nil && rec.Derived.SourceSeq == seq {
		if r.auditor != nil {
			if err := r.auditor.RecordSummary(ctx, rec); err != nil {
				log.Printf("webhook: %v", err)
			}
		}
		r.classifyAsync(rec.ID, seq, derived.Transcript)
		r.notifyAsync(rec)
	}

	log.Printf("webhook: processed %s for session %s (%s)", env.Type, rec.ID, match.Method)
	return out, nil
}

// apply appends the raw event, replaces derived data for post-call
// callbacks and applies the status transition in one mutation. The
// normalizer runs before the session is locked.
func (r *Reconciler) apply(id string, seq uint64, at time.Time, env envelope, body []byte) (session.Record, *session.Derived, error) {
	var derived *session.Derived
	if env.Type == TypePostCallTranscription {
		derived = session.DerivedFrom(seq, at, normalize.Normalize(body))
		if derived.Failed() {
			log.Printf("webhook: session %s: %s", id, derived.Error)
		}
	}

	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	rec, err := r.store.Mutate(id, func(rec *session.Record) error {
		rec.AddEvent(session.RawEvent{Seq: seq, Type: env.Type, ReceivedAt: at, Payload: payload})
		if derived != nil && (rec.Derived == nil || rec.Derived.SourceSeq < seq) {
			rec.Derived = derived
		}
		switch env.Type {
		case TypePostCallTranscription, TypeConversationCompleted:
			rec.Status = session.StatusCompleted
		case TypeConversationError:
			rec.Status = session.StatusErrored
		}
		return nil
	})
	return rec, derived, err
}

// publishUpdate pushes the webhook_update event. The summary is attached
// only when this callback produced usable derived data.
func (r *Reconciler) publishUpdate(rec session.Record, env envelope, derived *session.Derived) {
	data := map[string]any{
		"type":       env.Type,
		"session_id": rec.ID,
		"status":     rec.Status,
		"data":       env.Data,
	}
	if derived != nil && !derived.Failed() {
		data["summary"] = derived.Summary()
	}
	r.publisher.Publish(rec.ID, realtime.Event{Name: realtime.EventWebhookUpdate, Data: data})
}

func (r *Reconciler) recordDelivery(ctx context.Context, d audit.Delivery) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.RecordDelivery(ctx, d); err != nil {
		log.Printf("webhook: %v", err)
	}
}

// classifyAsync labels the transcript with call stages off the request
// path and merges the result if the source callback is still current.
func (r *Reconciler) classifyAsync(sessionID string, seq uint64, transcript *normalize.Transcript) {
	if r.classifier == nil || transcript == nil {
		return
	}
	entries := append([]normalize.Entry(nil), transcript.Entries...)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		classified, err := r.classifier.Classify(ctx, sessionID, entries)
		if err != nil {
			log.Printf("webhook: session %s: classify stages: %v", sessionID, err)
		}
		_, mErr := r.store.Mutate(sessionID, func(rec *session.Record) error {
			if rec.Derived == nil || rec.Derived.SourceSeq != seq {
				return errStale
			}
			if err != nil {
				rec.Derived.ClassifyError = err.Error()
				return nil
			}
			rec.Derived.Classified = classified
			rec.Derived.ClassifyError = ""
			return nil
		})
		if mErr != nil {
			if !errors.Is(mErr, errStale) {
				log.Printf("webhook: session %s: merge stages: %v", sessionID, mErr)
			}
			return
		}
		if err != nil {
			return
		}
		log.Printf("webhook: auto-classified conversation stages for session %s", sessionID)
		r.publisher.Publish(sessionID, realtime.Event{Name: realtime.EventStageUpdate, Data: map[string]any{
			"session_id":            sessionID,
			"classified_transcript": classified,
		}})
	}()
}

func (r *Reconciler) notifyAsync(rec session.Record) {
	if r.notifier == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.notifyWait)
		defer cancel()
		if err := r.notifier.NotifyCallSummary(ctx, rec); err != nil {
			log.Printf("webhook: session %s: notify: %v", rec.ID, err)
		}
	}()
}

// Wait blocks until background classification and notification tasks finish
// or ctx is done.
func (r *Reconciler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
