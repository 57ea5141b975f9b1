package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDrainExpiredAscendingOrder(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var order []int

	m.AddTimer(5, func() { mu.Lock(); order = append(order, 1); mu.Unlock() }, false)
	m.AddTimer(1, func() { mu.Lock(); order = append(order, 2); mu.Unlock() }, false)
	m.AddTimer(3, func() { mu.Lock(); order = append(order, 3); mu.Unlock() }, false)

	time.Sleep(20 * time.Millisecond)
	cbs := m.DrainExpired()
	if len(cbs) != 3 {
		t.Fatalf("got %d callbacks, want 3", len(cbs))
	}
	for _, cb := range cbs {
		cb()
	}
	if got := order; len(got) != 3 || got[0] != 2 || got[1] != 3 || got[2] != 1 {
		t.Fatalf("order = %v, want [2 3 1]", got)
	}
}

func TestRecurringTimerCadence(t *testing.T) {
	m := NewManager()
	var fires int64
	m.AddTimer(10, func() { atomic.AddInt64(&fires, 1) }, true)

	deadline := time.Now().Add(220 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, cb := range m.DrainExpired() {
			cb()
		}
		time.Sleep(2 * time.Millisecond)
	}
	got := atomic.LoadInt64(&fires)
	want := int64(22) // 220ms / 10ms
	if diff := got - want; diff < -2 || diff > 2 {
		t.Fatalf("fired %d times, want within 2 of %d", got, want)
	}
}

func TestClockRollbackDrainsEverything(t *testing.T) {
	m := NewManager()
	m.AddTimer(60_000, func() {}, false)
	m.AddTimer(120_000, func() {}, false)

	// Simulate observing a now far in the past relative to the previous
	// observation by directly manipulating lastNow, since real monotonic
	// clocks can't be rolled back from a test.
	m.lastNow = NowMS() + 2*3600_000

	cbs := m.DrainExpired()
	if len(cbs) != 2 {
		t.Fatalf("got %d callbacks after rollback, want 2", len(cbs))
	}
	if m.Len() != 0 {
		t.Fatalf("heap len = %d, want 0", m.Len())
	}
}

func TestCancelRemovesTimer(t *testing.T) {
	m := NewManager()
	fired := false
	tm := m.AddTimer(1, func() { fired = true }, false)
	tm.Cancel()

	time.Sleep(10 * time.Millisecond)
	cbs := m.DrainExpired()
	if len(cbs) != 0 {
		t.Fatalf("got %d callbacks, want 0 after cancel", len(cbs))
	}
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestConditionTimerSkipsDeadReferent(t *testing.T) {
	m := NewManager()
	type payload struct{ v int }
	p := &payload{v: 42}
	w := NewWeak(p)

	var got int
	AddConditionTimer(m, 1, w, func(p *payload) { got = p.v }, false)
	w.Clear()

	time.Sleep(10 * time.Millisecond)
	for _, cb := range m.DrainExpired() {
		cb()
	}
	if got != 0 {
		t.Fatalf("condition timer ran after referent cleared, got = %d", got)
	}
}

func TestNextTimeoutInfiniteWhenEmpty(t *testing.T) {
	m := NewManager()
	if got := m.NextTimeout(); got != Infinite {
		t.Fatalf("NextTimeout on empty manager = %d, want Infinite", got)
	}
}

func TestInsertedAtFrontHookFiresOnce(t *testing.T) {
	m := NewManager()
	var calls int32
	m.OnInsertedAtFront = func() { atomic.AddInt32(&calls, 1) }

	m.AddTimer(1000, func() {}, false) // becomes front, hook fires
	m.AddTimer(2000, func() {}, false) // not new minimum, no hook

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("hook called %d times, want 1", got)
	}
}
