// Package scheduler implements the M:N dispatch loop: a fixed pool of
// worker threads draining a shared, affinity-aware task queue of
// fiber/callable records.
//
// It is not a work-stealing scheduler: a task pinned to a thread runs only
// on that thread. There is no preemption; fibers yield voluntarily.
package scheduler

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nodeflow/fiberd/fiber"
	"github.com/nodeflow/fiberd/metrics"
	"golang.org/x/sys/unix"
)

// Hooks lets a composing type (the I/O reactor) override the scheduler's
// tickle/idle/stopping behavior through function fields instead of
// subclassing.
type Hooks struct {
	// Tickle wakes a parked worker. Default: no-op (the base scheduler's
	// idle fiber never blocks, so there is nothing to wake).
	Tickle func()

	// Stopping reports whether the scheduler should exit its dispatch
	// loop once no more tasks are runnable, and the timeout (ms) the
	// idle fiber should use if it parks on something blocking. Default:
	// stopping flag && empty queue && active count == 0, timeout 0.
	Stopping func() (stop bool, timeoutMS int64)

	// Idle is the body run by each worker's idle fiber when no task is
	// available. Default: repeatedly yield while !Stopping().
	Idle func(s *Scheduler, ws *fiber.WorkerState, self *fiber.Fiber)
}

type worker struct {
	ws        *fiber.WorkerState
	idleFiber *fiber.Fiber
	taskFiber *fiber.Fiber // reusable slot for wrapped callables, reset between tasks
}

// Scheduler owns a worker-thread pool and the shared task queue.
type Scheduler struct {
	name       string
	numThreads int
	useCaller  bool

	queue *taskQueue
	hooks Hooks

	stopping    int32
	activeCount int32
	idleCount   int32

	mu      sync.Mutex
	workers []*worker

	callerWorker *worker // set when useCaller: drained by Stop, not Start
	callerTID    int

	wg      sync.WaitGroup
	started bool
}

// New creates a Scheduler with numThreads workers. If useCaller is true,
// the goroutine that later calls Start is registered as one of the
// numThreads workers, leaving numThreads-1 freshly spawned.
func New(numThreads int, useCaller bool, name string) *Scheduler {
	if numThreads < 1 {
		numThreads = 1
	}
	s := &Scheduler{
		name:       name,
		numThreads: numThreads,
		useCaller:  useCaller,
		queue:      newTaskQueue(),
	}
	s.hooks = Hooks{
		Tickle:   func() {},
		Stopping: s.defaultStopping,
		Idle:     defaultIdle,
	}
	return s
}

// SetHooks installs overriding hooks (used by the I/O reactor). Must be
// called before Start.
func (s *Scheduler) SetHooks(h Hooks) {
	if h.Tickle != nil {
		s.hooks.Tickle = h.Tickle
	}
	if h.Stopping != nil {
		s.hooks.Stopping = h.Stopping
	}
	if h.Idle != nil {
		s.hooks.Idle = h.Idle
	}
}

func (s *Scheduler) defaultStopping() (bool, int64) {
	return atomic.LoadInt32(&s.stopping) != 0 &&
		s.queue.len() == 0 &&
		atomic.LoadInt32(&s.activeCount) == 0, 0
}

func defaultIdle(s *Scheduler, ws *fiber.WorkerState, self *fiber.Fiber) {
	for {
		if stop, _ := s.hooks.Stopping(); stop {
			return
		}
		self.Yield(ws)
	}
}

// ActiveCount returns the number of workers currently running a task.
func (s *Scheduler) ActiveCount() int { return int(atomic.LoadInt32(&s.activeCount)) }

// IdleCount returns the number of workers currently parked in their idle
// fiber.
func (s *Scheduler) IdleCount() int { return int(atomic.LoadInt32(&s.idleCount)) }

// QueueLen returns the current task queue depth.
func (s *Scheduler) QueueLen() int { return s.queue.len() }

// WorkerThreadIDs returns the kernel thread ids of every registered
// worker, in spawn order. Intended for tests that need to target a
// specific worker with thread affinity.
func (s *Scheduler) WorkerThreadIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, len(s.workers))
	for i, w := range s.workers {
		ids[i] = w.ws.ThreadID
	}
	return ids
}

// IsStopping reports whether Stop has been called.
func (s *Scheduler) IsStopping() bool { return atomic.LoadInt32(&s.stopping) != 0 }

// Schedule enqueues a task wrapping a READY fiber. Enqueuing a non-READY
// fiber is a programmer error and is fatal.
func (s *Scheduler) Schedule(f *fiber.Fiber, thread ThreadID) {
	t := newFiberTask(f, thread)
	if s.queue.push(t) {
		s.hooks.Tickle()
	}
}

// ScheduleFunc enqueues a task wrapping a plain callable.
func (s *Scheduler) ScheduleFunc(c func(), thread ThreadID) {
	t := newCallableTask(c, thread)
	if s.queue.push(t) {
		s.hooks.Tickle()
	}
}

// Start spins up the worker pool and runs each worker's dispatch loop.
// If useCaller was set at construction, the calling goroutine is
// registered as one of the numThreads workers (its OS thread is locked
// and its kernel thread id recorded for affinity) but its dispatch loop
// does not run yet; it runs inside Stop, which drains the queue on the
// caller before returning. Start returns once all spawned workers are
// running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	spawn := s.numThreads
	if s.useCaller {
		spawn--
	}

	for i := 0; i < spawn; i++ {
		s.wg.Add(1)
		ready := make(chan struct{})
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer s.wg.Done()

			ws := fiber.NewWorkerState()
			loop := fiber.NewSchedulerFiber()
			ws.SchedulerLoop = loop
			ws.Bootstrap = loop // spawned workers collapse bootstrap == scheduler-loop fiber
			ws.ThreadID = unix.Gettid()

			w := &worker{ws: ws}
			s.registerWorker(w)
			close(ready)

			s.dispatchLoop(w)
		}()
		<-ready // semaphore-synchronized start, mirrors the Thread primitive
	}

	if s.useCaller {
		// The caller thread stays locked from here on: it will run a
		// dispatch loop inside Stop, and affinity-pinned tasks targeting
		// its thread id must find the same kernel thread.
		runtime.LockOSThread()
		ws := fiber.NewWorkerState()
		loop := fiber.NewSchedulerFiber()
		ws.SchedulerLoop = loop
		ws.ThreadID = unix.Gettid()
		w := &worker{ws: ws}
		s.registerWorker(w)
		s.callerWorker = w
		s.callerTID = ws.ThreadID
	}
}

func (s *Scheduler) registerWorker(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, w)
	metrics.WorkerCount.Set(float64(len(s.workers)))
}

// dispatchLoop is the per-worker loop: pop a task honoring affinity,
// resume it, otherwise run the idle fiber until it terminates. Bare
// callables are wrapped in a reusable inline fiber (one slot per worker,
// reset between tasks) and so execute directly on this goroutine's
// locked OS thread; a callable pinned to this worker's thread id is
// therefore guaranteed to observe that thread from inside its own body.
func (s *Scheduler) dispatchLoop(w *worker) {
	for {
		task, retickle := s.queue.popFor(ThreadID(w.ws.ThreadID))
		if retickle {
			s.hooks.Tickle()
		}
		metrics.QueueDepth.Set(float64(s.queue.len()))

		if task == nil {
			if w.idleFiber == nil {
				w.idleFiber = s.newIdleFiber(w)
			}
			if w.idleFiber.State() != fiber.TERM {
				atomic.AddInt32(&s.idleCount, 1)
				w.idleFiber.Resume(w.ws)
				atomic.AddInt32(&s.idleCount, -1)
				continue
			}
			return // idle fiber terminated: stop condition reached
		}

		if task.Fiber != nil {
			atomic.AddInt32(&s.activeCount, 1)
			metrics.ActiveWorkers.Set(float64(atomic.LoadInt32(&s.activeCount)))
			task.Fiber.Resume(w.ws)
			atomic.AddInt32(&s.activeCount, -1)
			metrics.ActiveWorkers.Set(float64(atomic.LoadInt32(&s.activeCount)))
			continue
		}

		tf := w.taskFiber
		if tf == nil {
			tf = fiber.NewInline(task.Callable, true)
			w.taskFiber = tf
		} else if tf.State() == fiber.TERM {
			tf.Reset(task.Callable)
		} else {
			tf = fiber.NewInline(task.Callable, true)
		}
		atomic.AddInt32(&s.activeCount, 1)
		metrics.ActiveWorkers.Set(float64(atomic.LoadInt32(&s.activeCount)))
		tf.Resume(w.ws)
		atomic.AddInt32(&s.activeCount, -1)
		metrics.ActiveWorkers.Set(float64(atomic.LoadInt32(&s.activeCount)))
	}
}

func (s *Scheduler) newIdleFiber(w *worker) *fiber.Fiber {
	var f *fiber.Fiber
	f = fiber.New(func() { s.hooks.Idle(s, w.ws, f) }, 0, true)
	return f
}

// Stop marks the scheduler stopping, wakes every parked worker enough
// times to unblock, and waits for all spawned workers to exit their
// dispatch loop. If useCaller was set at construction, the caller
// thread's own dispatch loop runs here, draining the queue before Stop
// returns. In that case Stop must be called on the same thread that
// called Start (fatal otherwise, since the pinned worker's thread
// identity would be wrong); without useCaller any thread may call Stop.
func (s *Scheduler) Stop() {
	atomic.StoreInt32(&s.stopping, 1)

	s.mu.Lock()
	n := len(s.workers)
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.hooks.Tickle()
	}

	if s.callerWorker != nil {
		if unix.Gettid() != s.callerTID {
			panic("scheduler: Stop called from a different thread than Start with useCaller")
		}
		s.dispatchLoop(s.callerWorker)
	}

	s.wg.Wait()
}
