package fiber

// WorkerState carries the per-worker slots the dispatch loop needs:
// current fiber, bootstrap fiber, and scheduler-loop fiber. It is
// threaded through the dispatch loop explicitly rather than stashed in
// goroutine-local storage (Go has none).
//
// A worker adopted from the calling goroutine (the caller becomes a
// worker) has three fibers in play over its lifetime: Bootstrap (the
// original call stack), SchedulerLoop (the dispatch loop, run_in_scheduler
// = true), and whatever task fiber is currently executing. A freshly
// spawned worker goroutine collapses Bootstrap and SchedulerLoop into one:
// its dispatch loop runs directly on the goroutine's own stack, so
// SchedulerLoop IS its bootstrap fiber.
type WorkerState struct {
	// ThreadID is the kernel thread id backing this worker, once started.
	ThreadID int

	// Current is the fiber presently RUNNING on this worker, or nil if
	// the worker's own goroutine is directly in control (no fiber
	// resumed yet).
	Current *Fiber

	// Bootstrap is this worker's bootstrap fiber: installed lazily,
	// represents the goroutine's original stack.
	Bootstrap *Fiber

	// SchedulerLoop is the fiber that runs this worker's dispatch loop.
	// Fibers created with runInScheduler = true pair with this one on
	// resume/yield; others pair with Bootstrap.
	SchedulerLoop *Fiber
}

// NewWorkerState allocates a WorkerState with its bootstrap fiber
// installed. The scheduler-loop fiber is installed separately once the
// dispatch loop itself starts running (it may be the same virtual fiber
// as Bootstrap for freshly spawned workers, or a distinct one for an
// adopted caller thread).
func NewWorkerState() *WorkerState {
	return &WorkerState{
		Bootstrap: NewBootstrap(),
	}
}
