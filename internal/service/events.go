package service

import (
	"context"
	"sync"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bingo-hall/internal/queue"
)

// EventSink receives committed domain events.  Publish must not block on
// slow consumers.
type EventSink interface {
	Publish(ctx context.Context, ev queue.GameEvent) error
}

// Dispatcher serialises work per session and stamps each published event
// with the session's next sequence number.  A caller holds the session's
// Turn across its transaction and publication, so events leave in commit
// order.  Ordering holds within one process.
type Dispatcher struct {
	sinks  []EventSink
	logger *log.Logger

	mu    sync.Mutex
	turns map[uint64]*turnLock
	seqs  map[uint64]uint64
}

type turnLock struct {
	mu   sync.Mutex
	refs int
}

// NewDispatcher fans events out to sinks.
func NewDispatcher(logger *log.Logger, sinks ...EventSink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger, turns: map[uint64]*turnLock{}, seqs: map[uint64]uint64{}}
}

// Turn is exclusive access to one session's event stream.
type Turn struct {
	d         *Dispatcher
	sessionID uint64
	lock      *turnLock
}

// Acquire blocks until no other caller holds sessionID's turn.
func (d *Dispatcher) Acquire(sessionID uint64) *Turn {
	d.mu.Lock()
	tl, ok := d.turns[sessionID]
	if !ok {
		tl = &turnLock{}
		d.turns[sessionID] = tl
	}
	tl.refs++
	d.mu.Unlock()

	tl.mu.Lock()
	return &Turn{d: d, sessionID: sessionID, lock: tl}
}

// Release gives the turn up.  It is safe to call more than once.
func (t *Turn) Release() {
	if t.lock == nil {
		return
	}
	tl := t.lock
	t.lock = nil
	tl.mu.Unlock()

	t.d.mu.Lock()
	tl.refs--
	if tl.refs == 0 {
		delete(t.d.turns, t.sessionID)
	}
	t.d.mu.Unlock()
}

// Seq returns the sequence number of the last event published.
func (t *Turn) Seq() uint64 {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	return t.d.seqs[t.sessionID]
}

// Emit publishes one event to every sink.  Sink failures are logged and
// never returned: the state change has already committed.
func (t *Turn) Emit(ctx context.Context, typ queue.EventType, payload any) {
	ev, err := queue.NewGameEvent(typ, t.sessionID, payload)
	if err != nil {
		t.d.logger.Errorj(log.JSON{"event": "event_encode_failed", "type": string(typ), "error": err.Error()})
		return
	}
	t.d.mu.Lock()
	t.d.seqs[t.sessionID]++
	ev.Seq = t.d.seqs[t.sessionID]
	if closesSession(typ) {
		// Later entries of a closed session (refunds, commission) start a
		// new sequence; a viewer joining then gets a snapshot with seq 0.
		delete(t.d.seqs, t.sessionID)
	}
	t.d.mu.Unlock()

	for _, s := range t.d.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			t.d.logger.Warnj(log.JSON{"event": "event_publish_failed", "type": string(typ),
				"session_id": t.sessionID, "error": err.Error()})
		}
	}
}

func closesSession(typ queue.EventType) bool {
	return typ == queue.EventSessionCompleted || typ == queue.EventSessionCancelled
}

// Publish emits a single event under its own turn.
func (d *Dispatcher) Publish(ctx context.Context, sessionID uint64, typ queue.EventType, payload any) {
	t := d.Acquire(sessionID)
	defer t.Release()
	t.Emit(ctx, typ, payload)
}
