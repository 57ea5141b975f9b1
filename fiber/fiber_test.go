package fiber

import (
	"runtime"
	"testing"

	"golang.org/x/sys/unix"
)

// TestFiberRoundTrip pins the property that a callable yielding k times
// before returning leaves the fiber TERM after exactly k+1 resumes, having
// observed each yield point once.
func TestFiberRoundTrip(t *testing.T) {
	ws := NewWorkerState()
	ws.SchedulerLoop = ws.Bootstrap

	const k = 3
	var observed int

	var f *Fiber
	f = New(func() {
		for i := 0; i < k; i++ {
			observed++
			f.Yield(ws)
		}
	}, 0, false)

	for i := 0; i < k; i++ {
		f.Resume(ws)
		if f.State() != READY {
			t.Fatalf("resume %d: state = %s, want READY", i, f.State())
		}
	}
	// Final resume runs the remaining body to completion.
	f.Resume(ws)
	if f.State() != TERM {
		t.Fatalf("final resume: state = %s, want TERM", f.State())
	}
	if observed != k {
		t.Fatalf("observed %d yield points, want %d", observed, k)
	}
}

func TestFiberResetReusesTermFiber(t *testing.T) {
	ws := NewWorkerState()
	ws.SchedulerLoop = ws.Bootstrap

	ran := false
	f := New(func() {}, 0, false)
	f.Resume(ws)
	if f.State() != TERM {
		t.Fatalf("state = %s, want TERM", f.State())
	}

	f.Reset(func() { ran = true })
	if f.State() != READY {
		t.Fatalf("after reset state = %s, want READY", f.State())
	}
	f.Resume(ws)
	if !ran {
		t.Fatalf("reset entry did not run")
	}
	if f.State() != TERM {
		t.Fatalf("state = %s, want TERM", f.State())
	}
}

func TestResetNonTermFiberPanics(t *testing.T) {
	ws := NewWorkerState()
	ws.SchedulerLoop = ws.Bootstrap
	blocked := make(chan struct{})

	var f *Fiber
	f = New(func() {
		<-blocked
	}, 0, false)

	done := make(chan struct{})
	go func() {
		f.Resume(ws)
		close(done)
	}()
	// Give the fiber goroutine a moment to reach RUNNING before we try to
	// reset it from another state; the resume above blocks until yield/
	// termination so this goroutine races harmlessly against state reads.

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic resetting a non-TERM fiber")
		}
		close(blocked)
		<-done
	}()
	// Busy-wait briefly for RUNNING without sleeping arbitrarily long.
	for f.State() != RUNNING {
	}
	f.Reset(func() {})
}

// TestInlineFiberRunsOnResumerThread pins the property inline fibers
// exist for: the entry executes on the resuming goroutine's own locked
// OS thread, observable via Gettid from inside the body.
func TestInlineFiberRunsOnResumerThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ws := NewWorkerState()
	ws.SchedulerLoop = ws.Bootstrap

	want := unix.Gettid()
	var got int
	f := NewInline(func() { got = unix.Gettid() }, true)
	f.Resume(ws)
	if f.State() != TERM {
		t.Fatalf("state = %s after inline resume, want TERM", f.State())
	}
	if got != want {
		t.Fatalf("inline entry ran on thread %d, want %d", got, want)
	}

	// Reset reuses the inline fiber for a second body on the same thread.
	got = 0
	f.Reset(func() { got = unix.Gettid() })
	f.Resume(ws)
	if got != want {
		t.Fatalf("reset inline entry ran on thread %d, want %d", got, want)
	}
}

func TestInlineFiberYieldPanics(t *testing.T) {
	ws := NewWorkerState()
	ws.SchedulerLoop = ws.Bootstrap

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic yielding from an inline fiber")
		}
	}()
	var f *Fiber
	f = NewInline(func() { f.Yield(ws) }, true)
	f.Resume(ws)
}

func TestDestroyNonTermFiberWithStackPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic destroying a live fiber")
		}
	}()
	f := New(func() { select {} }, 0, false)
	f.Destroy()
}
