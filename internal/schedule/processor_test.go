package schedule

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFiresRepeatedly(t *testing.T) {
	var runs atomic.Int64
	p := NewProcessor("test", 20*time.Millisecond, func() {
		runs.Add(1)
	}, false)
	defer p.Close()

	p.Start()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 },
		"processor did not fire 3 times")
}

func TestImmediateFirstFiring(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := NewProcessor("test", time.Hour, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, true)
	defer p.Close()

	p.Start()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate processor did not fire promptly")
	}
}

func TestStartIdempotent(t *testing.T) {
	var runs atomic.Int64
	p := NewProcessor("test", 30*time.Millisecond, func() {
		runs.Add(1)
	}, false)
	defer p.Close()

	p.Start()
	p.Start()
	p.Start()

	// Three Starts must not stack firings: after ~1.5 intervals exactly
	// one run has happened.
	time.Sleep(45 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("after 1.5 intervals runs = %d, want 1", got)
	}
}

func TestNoOverlappingRuns(t *testing.T) {
	var active, maxActive, runs atomic.Int64
	release := make(chan struct{})

	p := NewProcessor("test", 10*time.Millisecond, func() {
		cur := active.Add(1)
		if cur > maxActive.Load() {
			maxActive.Store(cur)
		}
		runs.Add(1)
		if runs.Load() == 1 {
			<-release // first run blocks well past several intervals
		}
		active.Add(-1)
	}, true)
	defer p.Close()

	p.Start()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 },
		"first run did not start")
	// Arm a firing that lands while the first run is still blocked; it
	// must be skipped, not run concurrently.
	p.SetInterval(10 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("second run started while first still blocked (runs=%d)", got)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 },
		"processor did not resume after blocked run finished")
	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestCloseStopsFirings(t *testing.T) {
	var runs atomic.Int64
	p := NewProcessor("test", 10*time.Millisecond, func() {
		runs.Add(1)
	}, false)

	p.Start()
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 1 },
		"processor never fired")

	p.Close()
	if !p.IsDone() {
		t.Error("IsDone() = false after Close")
	}
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != settled {
		t.Errorf("runs continued after Close: %d -> %d", settled, got)
	}

	// Close is idempotent.
	p.Close()
}

func TestSetIntervalRearms(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := NewProcessor("test", time.Hour, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, false)
	defer p.Close()

	p.Start()
	p.SetInterval(20 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("SetInterval did not rearm the pending firing")
	}
}

func TestSetIntervalNotSooner(t *testing.T) {
	var runs atomic.Int64
	p := NewProcessor("test", 10*time.Millisecond, func() {
		runs.Add(1)
	}, false)
	defer p.Close()

	p.Start()
	// Stretch the pending 10ms firing out to 200ms; nothing may fire
	// before the new interval has elapsed from the rearm.
	p.SetInterval(200 * time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("fired %d times within the stretched interval, want 0", got)
	}
}

func TestPanicDoesNotDeschedule(t *testing.T) {
	var runs atomic.Int64
	p := NewProcessor("test", 10*time.Millisecond, func() {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	}, true)
	defer p.Close()

	p.Start()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 },
		"processor did not fire again after a panicking run")
}

func TestConcurrentLifecycle(t *testing.T) {
	// Start/SetInterval/Close from multiple goroutines must not race or
	// leave a firing armed after Close.
	p := NewProcessor("test", 5*time.Millisecond, func() {}, false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start()
			p.SetInterval(7 * time.Millisecond)
		}()
	}
	wg.Wait()
	p.Close()

	if !p.IsDone() {
		t.Error("IsDone() = false after Close")
	}
}
