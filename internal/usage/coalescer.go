package usage

import (
	"log"
	"time"

	"github.com/apptrace/collector/internal/sink"
	"github.com/apptrace/collector/internal/statestore"
)

// Coalescer turns the raw activity event stream into normalized open/close
// transitions. Consecutive events for the same subject collapse into one
// logical transition; a subject change emits the new subject's open
// immediately and, when the previous subject's last event was never sent,
// flushes it first as a catch-up close.
//
// The cursor (last subject, timestamp, event code, and sent flag) is
// persisted after every cycle so a restarted collector resumes without
// duplicating or losing transitions. The scheduler guarantees cycles never
// overlap, so the coalescer needs no internal locking around the cursor.
type Coalescer struct {
	source Source
	snk    sink.Sink
	topic  string
	store  *statestore.Store
	health *SourceHealth

	cursor Cursor

	// done is polled at cycle entry and on each event so that closing
	// the scheduler terminates a long cycle promptly.
	done func() bool

	// observer, when set, receives every emitted transition in emission
	// order. Used for the live broadcast surface.
	observer func(Transition)

	// healthObserver, when set, receives source health status changes.
	healthObserver func(status SourceHealthStatus, failures int, lastErr string)

	// now is replaceable for tests.
	now func() time.Time
}

// NewCoalescer creates a coalescer reading from source and emitting to snk
// under topic. The resumption cursor is loaded from store; on a cold start
// it defaults to the current time so pre-install history is never replayed.
func NewCoalescer(source Source, snk sink.Sink, topic string, store *statestore.Store, health *SourceHealth) *Coalescer {
	c := &Coalescer{
		source: source,
		snk:    snk,
		topic:  topic,
		store:  store,
		health: health,
		done:   func() bool { return false },
		now:    time.Now,
	}
	c.cursor = LoadCursor(store, c.now())
	if c.cursor.Subject == "" {
		log.Println("[usage] no previous event details stored")
	}
	return c
}

// SetDone installs the scheduler's cancellation check. Must be called
// before the first cycle runs.
func (c *Coalescer) SetDone(done func() bool) {
	c.done = done
}

// SetObserver installs a callback invoked for each emitted transition.
func (c *Coalescer) SetObserver(observer func(Transition)) {
	c.observer = observer
}

// SetHealthObserver installs a callback invoked when the source health
// status changes.
func (c *Coalescer) SetHealthObserver(observer func(status SourceHealthStatus, failures int, lastErr string)) {
	c.healthObserver = observer
}

// Health returns the source health tracker.
func (c *Coalescer) Health() *SourceHealth {
	return c.health
}

// Cursor returns the current resumption cursor.
func (c *Coalescer) Cursor() Cursor {
	return c.cursor
}

// ProcessCycle runs one coalescing cycle: pull raw events since the cursor,
// coalesce and emit transitions, persist the cursor. This is the task the
// scheduler fires; it is never invoked concurrently with itself.
func (c *Coalescer) ProcessCycle() {
	if c.done() {
		return
	}

	now := c.now()
	events, err := c.source.QueryEvents(c.cursor.Timestamp, now.UnixMilli())
	if err != nil {
		// Transient: leave the cursor untouched and retry on the next
		// firing.
		log.Printf("[usage] event query failed: %v", err)
		c.health.recordFailure(err)
		c.emitHealthTransition()
		return
	}
	c.health.recordSuccess()
	c.emitHealthTransition()

	// Events arrive ordered old to new; re-validate against the cursor
	// anyway in case of duplicate delivery.
	for _, ev := range events {
		if c.done() {
			break
		}
		if ev.Code == CodeConfigurationChange || ev.Timestamp < c.cursor.Timestamp {
			continue
		}

		if ev.Subject == c.cursor.Subject {
			c.setCursor(ev, false)
			continue
		}

		// Genuine subject change: flush the previous subject's pending
		// event as its close before opening the new one.
		if c.cursor.Subject != "" && !c.cursor.Sent {
			c.sendCursor(now)
		}
		c.setCursor(ev, true)
		c.sendCursor(now)
	}

	if err := c.cursor.Save(c.store); err != nil {
		// Worst case the last transition is re-emitted after a restart;
		// consumers tolerate an idempotent replay of the trailing pair.
		log.Printf("[usage] cursor save failed: %v", err)
	}
}

func (c *Coalescer) setCursor(ev RawEvent, sent bool) {
	c.cursor = Cursor{
		Subject:   ev.Subject,
		Timestamp: ev.Timestamp,
		Code:      ev.Code,
		Sent:      sent,
	}
}

// sendCursor emits the cursor's event as a transition. The event code maps
// through the fixed lookup table; the close of a subject deliberately
// reuses the last raw event's kind rather than a synthesized close kind.
func (c *Coalescer) sendCursor(now time.Time) {
	tr := Transition{
		Subject:      c.cursor.Subject,
		Time:         float64(c.cursor.Timestamp) / 1000,
		TimeReceived: float64(now.UnixMilli()) / 1000,
		Kind:         KindFromCode(c.cursor.Code),
	}
	c.snk.Send(c.topic, tr)
	if c.observer != nil {
		c.observer(tr)
	}
	log.Printf("[usage] event: [%d] %s at %s", c.cursor.Code, c.cursor.Subject, time.UnixMilli(c.cursor.Timestamp).Format("15:04:05.000"))
}

// emitHealthTransition logs and publishes source health status changes.
func (c *Coalescer) emitHealthTransition() {
	status, failures, lastErr, changed := c.health.snapshotAndEmit()
	if !changed {
		return
	}
	if status == StatusFailed {
		log.Printf("[usage] source health: %s (failures=%d, lastErr=%s)", status, failures, lastErr)
	} else {
		log.Printf("[usage] source health: %s", status)
	}
	if c.healthObserver != nil {
		c.healthObserver(status, failures, lastErr)
	}
}
