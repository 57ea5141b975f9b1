// Package fiber implements cooperative user-space execution contexts
// ("fibers") switched explicitly via Resume/Yield.
//
// Fibers come in two execution modes. A fiber created with New owns a
// backing goroutine paired with a two-channel rendezvous: Resume hands
// control to the fiber's goroutine and blocks until it yields back;
// Yield does the reverse. Because the two channels are private to one
// Fiber, the resumer/resumee pairing is correct by construction: there
// is no way to resume the wrong partner. A fiber created with NewInline
// has no goroutine of its own; its entry runs to completion directly on
// the resumer's goroutine, and therefore on whatever OS thread the
// resumer has locked. Inline fibers cannot yield, but they are the only
// mode that can guarantee which kernel thread the body executes on,
// which is what thread-pinned scheduler tasks need.
//
// Per-worker bookkeeping (current fiber, bootstrap fiber) is threaded
// explicitly via *WorkerState rather than stashed in goroutine-local
// storage, which Go does not have.
package fiber

import (
	"fmt"
	"sync/atomic"
)

// State is a Fiber's lifecycle stage.
type State int32

const (
	READY State = iota
	RUNNING
	TERM
)

func (s State) String() string {
	switch s {
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case TERM:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize is the nominal per-fiber stack budget. Go fibers
// don't allocate a distinct stack (the backing goroutine owns its own
// growable stack), but the number gives callers sizing a pool of fibers
// a working-set figure to plan against.
const DefaultStackSize = 128 * 1024

var nextID uint64

// fiberKind selects a Fiber's execution mode.
type fiberKind int8

const (
	// kindGoroutine: the fiber owns a backing goroutine and may suspend
	// mid-body via Yield.
	kindGoroutine fiberKind = iota
	// kindInline: the entry runs to completion on the resumer's own
	// goroutine (and its locked OS thread); Yield is forbidden.
	kindInline
	// kindVirtual: a bookkeeping placeholder for a thread's bootstrap or
	// scheduler-loop stack; never resumed.
	kindVirtual
)

// Fiber is a cooperatively scheduled execution context.
type Fiber struct {
	id             uint64
	entry          func()
	state          int32 // atomic State
	kind           fiberKind
	runInScheduler bool
	stackSize      int

	resumeCh chan struct{}
	yieldCh  chan struct{}

	currentWS *WorkerState // the WorkerState of whichever worker most recently resumed this fiber
}

// New creates a READY fiber with entry as its body. stackSize <= 0 uses
// DefaultStackSize. runInScheduler marks this fiber as one that pairs with
// a worker's scheduler-loop fiber rather than its bootstrap fiber (see
// WorkerState).
func New(entry func(), stackSize int, runInScheduler bool) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:             atomic.AddUint64(&nextID, 1),
		entry:          entry,
		state:          int32(READY),
		kind:           kindGoroutine,
		runInScheduler: runInScheduler,
		stackSize:      stackSize,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	f.spawn()
	return f
}

// NewInline creates a READY fiber whose entry runs directly on the
// resuming goroutine rather than on a backing goroutine of its own.
// Because the resumer (a worker's dispatch loop) is locked to its OS
// thread, the entry is guaranteed to execute on that thread, which is
// what thread-pinned tasks require. Inline fibers run to completion on
// each resume; calling Yield from one is a programmer error.
func NewInline(entry func(), runInScheduler bool) *Fiber {
	return &Fiber{
		id:             atomic.AddUint64(&nextID, 1),
		entry:          entry,
		state:          int32(READY),
		kind:           kindInline,
		runInScheduler: runInScheduler,
	}
}

// newVirtual creates a fiber with no backing goroutine: the bootstrap
// fiber and each worker's scheduler-loop fiber are "virtual" in that the
// calling goroutine itself plays their role instead of a dedicated one.
func newVirtual(runInScheduler bool) *Fiber {
	return &Fiber{
		id:             atomic.AddUint64(&nextID, 1),
		state:          int32(RUNNING),
		kind:           kindVirtual,
		runInScheduler: runInScheduler,
	}
}

// NewBootstrap returns the fiber representing a thread's original stack.
// It carries no entry and is never reset or destroyed while live.
func NewBootstrap() *Fiber { return newVirtual(false) }

// NewSchedulerFiber returns the per-worker fiber that runs the dispatch
// loop; it pairs with fibers created with runInScheduler = true.
func NewSchedulerFiber() *Fiber { return newVirtual(true) }

func (f *Fiber) spawn() {
	go func() {
		<-f.resumeCh
		f.entry()
		atomic.StoreInt32(&f.state, int32(TERM))
		f.yieldCh <- struct{}{}
	}()
}

// ID returns the fiber's monotonically assigned identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle stage.
func (f *Fiber) State() State { return State(atomic.LoadInt32(&f.state)) }

// RunInScheduler reports whether this fiber pairs with a scheduler-loop
// fiber (true) or a bootstrap fiber (false) on resume/yield.
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// HasStack reports whether this fiber owns a backing goroutine (false
// for inline and bootstrap/scheduler-loop fibers).
func (f *Fiber) HasStack() bool { return f.kind == kindGoroutine }

// CurrentWorkerState returns the WorkerState of whichever worker most
// recently resumed this fiber. A fiber's own code calls this (rather than
// closing over the WorkerState from an earlier resume) to stay correct
// across suspend/resume cycles that land on a different worker, since a
// fiber's backing goroutine is distinct from the dispatch-loop goroutine
// that resumed it and does not otherwise learn which worker is servicing
// it this time. Valid only while f is RUNNING.
func (f *Fiber) CurrentWorkerState() *WorkerState { return f.currentWS }

// Resume switches from the caller's current fiber into f. The caller is
// expected to be running on behalf of ws.Current (which becomes READY);
// f becomes RUNNING. For a goroutine-backed fiber, Resume blocks until f
// yields or terminates. For an inline fiber, the entry runs to
// completion on the caller's own goroutine, and therefore on whatever OS
// thread the caller has locked.
//
// Resuming a non-READY fiber, or a bootstrap/scheduler-loop fiber, is a
// programmer error and is fatal.
func (f *Fiber) Resume(ws *WorkerState) {
	if f.kind == kindVirtual {
		panic(fmt.Sprintf("fiber %d: cannot resume a bootstrap/scheduler-loop fiber", f.id))
	}
	if f.State() != READY {
		panic(fmt.Sprintf("fiber %d: resume called on fiber in state %s, want READY", f.id, f.State()))
	}

	prev := ws.Current
	if prev != nil {
		atomic.StoreInt32(&prev.state, int32(READY))
	}
	atomic.StoreInt32(&f.state, int32(RUNNING))
	ws.Current = f
	f.currentWS = ws

	if f.kind == kindInline {
		f.entry()
		atomic.StoreInt32(&f.state, int32(TERM))
		ws.Current = prev
		return
	}

	f.resumeCh <- struct{}{}
	<-f.yieldCh

	ws.Current = prev
}

// Yield suspends the currently running fiber (ws.Current, which must be f)
// and switches back to whichever fiber called Resume. It must be called
// from within f's own goroutine.
func (f *Fiber) Yield(ws *WorkerState) {
	if f.State() != RUNNING {
		panic(fmt.Sprintf("fiber %d: yield called on fiber in state %s, want RUNNING", f.id, f.State()))
	}
	switch f.kind {
	case kindVirtual:
		// Bootstrap / scheduler-loop fibers yielding means the calling
		// goroutine itself is suspended; callers model this by simply
		// returning control to whatever resumed them, which for virtual
		// fibers is already the case; there is no separate goroutine to
		// park. Mark READY so a subsequent Resume is well-formed.
		atomic.StoreInt32(&f.state, int32(READY))
		return
	case kindInline:
		panic(fmt.Sprintf("fiber %d: inline fibers run to completion and cannot yield", f.id))
	}
	atomic.StoreInt32(&f.state, int32(READY))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	atomic.StoreInt32(&f.state, int32(RUNNING))
}

// Reset returns a TERM fiber to READY with a new entry, spawning a fresh
// backing goroutine for goroutine-backed fibers. Resetting a non-TERM
// fiber, or the bootstrap/scheduler-loop fiber, is a programmer error
// and is fatal.
func (f *Fiber) Reset(entry func()) {
	if f.kind == kindVirtual {
		panic(fmt.Sprintf("fiber %d: cannot reset a bootstrap/scheduler-loop fiber", f.id))
	}
	if f.State() != TERM {
		panic(fmt.Sprintf("fiber %d: reset called on fiber in state %s, want TERM", f.id, f.State()))
	}
	f.entry = entry
	atomic.StoreInt32(&f.state, int32(READY))
	if f.kind == kindGoroutine {
		f.resumeCh = make(chan struct{})
		f.yieldCh = make(chan struct{})
		f.spawn()
	}
}

// Destroy releases a fiber. A fiber that owns a backing goroutine must
// reach TERM before destruction; destroying it live is a programmer
// error and is fatal.
func (f *Fiber) Destroy() {
	if f.kind == kindGoroutine && f.State() != TERM {
		panic(fmt.Sprintf("fiber %d: destroyed while in state %s", f.id, f.State()))
	}
}
