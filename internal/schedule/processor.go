// Package schedule provides a periodic task processor: a single task runs
// once per configured interval until the processor is closed, with firings
// serialized so a slow run is never overlapped by the next one.
package schedule

import (
	"log"
	"sync"
	"time"
)

// Processor invokes a task on a fixed interval. It is a thin adapter over
// the runtime timer facility plus the overlap guard and lifecycle contract:
//
//   - Start arms the first firing and is idempotent.
//   - SetInterval rearms the pending firing; the next firing happens no
//     sooner than the new interval from the rearm time, and at most one
//     firing is ever pending.
//   - Close cancels the pending firing; no invocations occur afterwards.
//   - A firing whose predecessor is still running is skipped rather than
//     run concurrently.
//   - A panic from the task is recovered and logged; future firings are
//     unaffected.
//
// Long-running tasks should poll IsDone so a Close during a run terminates
// the work promptly instead of after full completion.
type Processor struct {
	mu        sync.Mutex
	name      string
	interval  time.Duration
	task      func()
	timer     *time.Timer
	immediate bool
	started   bool
	closed    bool
	running   bool
}

// NewProcessor creates a processor that will run task every interval once
// started. When immediate is true the first firing happens right after
// Start instead of one interval later.
func NewProcessor(name string, interval time.Duration, task func(), immediate bool) *Processor {
	return &Processor{
		name:      name,
		interval:  interval,
		task:      task,
		immediate: immediate,
	}
}

// Start arms the first firing. Calling Start on an already started or
// closed processor has no effect.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	delay := p.interval
	if p.immediate {
		delay = 0
	}
	p.timer = time.AfterFunc(delay, p.fire)
	log.Printf("[schedule] %s armed (interval=%s)", p.name, p.interval)
}

// SetInterval changes the firing interval and rearms the pending firing.
// The next firing happens no sooner than interval from now. A no-op before
// Start and after Close, beyond recording the new interval.
func (p *Processor) SetInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = interval
	if !p.started || p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(interval, p.fire)
	log.Printf("[schedule] %s rearmed (interval=%s)", p.name, interval)
}

// IsDone reports whether Close has been called. Tasks poll this inside
// their processing loops to abandon work promptly on shutdown.
func (p *Processor) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close cancels the pending firing. After Close returns, no new firing
// starts; a run already in flight observes IsDone and winds down on its
// own.
func (p *Processor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	log.Printf("[schedule] %s closed", p.name)
}

// fire runs on the timer goroutine. It executes the task unless the
// previous run is still in flight, then rearms the next firing.
func (p *Processor) fire() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.running {
		// Predecessor still running; this firing is a no-op.
		p.rearmLocked()
		p.mu.Unlock()
		log.Printf("[schedule] %s: previous run still in progress, skipping firing", p.name)
		return
	}
	p.running = true
	p.mu.Unlock()

	p.runTask()

	p.mu.Lock()
	p.running = false
	if !p.closed {
		p.rearmLocked()
	}
	p.mu.Unlock()
}

// runTask invokes the task with panic recovery so one failed cycle never
// de-schedules future firings.
func (p *Processor) runTask() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[schedule] %s: task panicked: %v", p.name, r)
		}
	}()
	p.task()
}

// rearmLocked replaces the pending timer with a fresh one. Callers must
// hold p.mu.
func (p *Processor) rearmLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.interval, p.fire)
}
