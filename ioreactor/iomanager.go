// Package ioreactor implements the I/O manager: a scheduler plus timer
// manager composed with an edge-triggered readiness multiplexor.
// IOManager owns a *scheduler.Scheduler and a *timer.Manager and installs
// its own tickle/idle/stopping hooks on the scheduler at construction, so
// a worker with nothing to run parks in epoll_wait instead of spinning.
package ioreactor

import (
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nodeflow/fiberd/fiber"
	"github.com/nodeflow/fiberd/metrics"
	"github.com/nodeflow/fiberd/scheduler"
	"github.com/nodeflow/fiberd/timer"
)

// maxEpollTimeoutMS caps the idle fiber's epoll_wait timeout, so a
// reactor with no fds and no timers still wakes periodically rather than
// blocking forever.
const maxEpollTimeoutMS = 5000

// eventBufferSize is the fixed epoll_wait result buffer size.
const eventBufferSize = 256

// IOManager composes a worker-pool scheduler and a timer manager with an
// epoll-based reactor.
type IOManager struct {
	sched  *scheduler.Scheduler
	timers *timer.Manager
	mux    *multiplexor

	tickleReadFD, tickleWriteFD int

	mu   sync.RWMutex
	fdcs []*FdContext

	outstanding int32 // atomic: count of currently armed events
}

// New creates an IOManager with the given worker count and starts its
// scheduler before returning.
func New(numThreads int, useCaller bool, name string) (*IOManager, error) {
	mux, err := newMultiplexor()
	if err != nil {
		return nil, err
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		mux.close()
		return nil, err
	}

	iom := &IOManager{
		sched:         scheduler.New(numThreads, useCaller, name),
		timers:        timer.NewManager(),
		mux:           mux,
		tickleReadFD:  pipeFDs[0],
		tickleWriteFD: pipeFDs[1],
		fdcs:          make([]*FdContext, 16),
	}

	if err := mux.add(iom.tickleReadFD, EventRead); err != nil {
		mux.close()
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		return nil, err
	}

	iom.timers.OnInsertedAtFront = iom.tickle

	iom.sched.SetHooks(scheduler.Hooks{
		Tickle:   iom.tickle,
		Stopping: iom.stoppingWithTimeout,
		Idle:     iom.idleBody,
	})

	iom.sched.Start()
	return iom, nil
}

// Scheduler returns the underlying worker-pool scheduler, for components
// (e.g. rpc.Dispatcher) that need to enqueue work directly.
func (iom *IOManager) Scheduler() *scheduler.Scheduler { return iom.sched }

// Timers returns the underlying timer manager.
func (iom *IOManager) Timers() *timer.Manager { return iom.timers }

// Outstanding returns the number of currently armed fd/event pairs.
func (iom *IOManager) Outstanding() int { return int(atomic.LoadInt32(&iom.outstanding)) }

// Stop stops the scheduler (draining its queue) and releases the
// multiplexor and self-pipe.
func (iom *IOManager) Stop() {
	iom.sched.Stop()
	iom.mux.close()
	unix.Close(iom.tickleReadFD)
	unix.Close(iom.tickleWriteFD)
}

func (iom *IOManager) stoppingWithTimeout() (bool, int64) {
	baseStop := iom.sched.IsStopping() && iom.sched.QueueLen() == 0 && iom.sched.ActiveCount() == 0
	stop := baseStop && atomic.LoadInt32(&iom.outstanding) == 0 && iom.timers.Len() == 0

	next := iom.timers.NextTimeout()
	metrics.NextTimerDeadline.Set(float64(next))

	timeout := next
	if timeout == timer.Infinite || timeout > maxEpollTimeoutMS {
		timeout = maxEpollTimeoutMS
	}
	return stop, timeout
}

// tickle writes one byte to the self-pipe, waking whichever worker is
// parked in epoll_wait. Suppressed when no worker is currently idle.
func (iom *IOManager) tickle() {
	if iom.sched.IdleCount() == 0 {
		return
	}
	_, _ = unix.Write(iom.tickleWriteFD, []byte{1})
}

func (iom *IOManager) drainTickle() {
	var buf [64]byte
	for {
		n, err := unix.Read(iom.tickleReadFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (iom *IOManager) ensureCapacity(fd int) {
	iom.mu.RLock()
	ok := fd < len(iom.fdcs)
	iom.mu.RUnlock()
	if ok {
		return
	}

	iom.mu.Lock()
	defer iom.mu.Unlock()
	if fd < len(iom.fdcs) {
		return
	}
	newLen := int(float64(fd+1) * 1.5)
	grown := make([]*FdContext, newLen)
	copy(grown, iom.fdcs)
	iom.fdcs = grown
}

func (iom *IOManager) getOrCreate(fd int) *FdContext {
	iom.ensureCapacity(fd)

	iom.mu.RLock()
	fc := iom.fdcs[fd]
	iom.mu.RUnlock()
	if fc != nil {
		return fc
	}

	iom.mu.Lock()
	defer iom.mu.Unlock()
	if iom.fdcs[fd] == nil {
		iom.fdcs[fd] = &FdContext{fd: fd}
	}
	return iom.fdcs[fd]
}

func (iom *IOManager) lookup(fd int) *FdContext {
	iom.mu.RLock()
	defer iom.mu.RUnlock()
	if fd < 0 || fd >= len(iom.fdcs) {
		return nil
	}
	return iom.fdcs[fd]
}

// AddEvent arms event on fd with cb as its wake target, submitted to the
// reactor's scheduler when the event fires. Re-arming an already-armed
// event on the same fd is a programmer error and is fatal. Code running
// inside a fiber that wants to suspend itself until fd is ready should
// use AwaitReadable/AwaitWritable instead of calling AddEvent directly.
func (iom *IOManager) AddEvent(fd int, event Event, cb func()) error {
	return iom.addEvent(fd, event, eventRecord{scheduler: iom.sched, callable: cb})
}

// addEventForFiber arms event on fd with self (the fiber currently
// executing) as the wake target; this implements "suspend the current
// fiber until this fd is ready". self is adopted directly, rather than
// read back out of a WorkerState, because the fiber that eventually gets
// resumed to service the armed event may land on a different worker than
// the one currently running self; the fiber identity itself, unlike a
// WorkerState reference, does not go stale across that handoff.
func (iom *IOManager) addEventForFiber(self *fiber.Fiber, fd int, event Event) error {
	return iom.addEvent(fd, event, eventRecord{scheduler: iom.sched, fiber: self})
}

func (iom *IOManager) addEvent(fd int, event Event, rec eventRecord) error {
	fc := iom.getOrCreate(fd)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.armed&event != 0 {
		panic("ioreactor: re-arming an already-armed fd/event")
	}

	newMask := fc.armed | event
	var err error
	if fc.armed == 0 {
		err = iom.mux.add(fd, newMask)
	} else {
		err = iom.mux.modify(fd, newMask)
	}
	if err != nil {
		return err
	}

	fc.armed = newMask
	atomic.AddInt32(&iom.outstanding, 1)
	metrics.OutstandingEvents.Set(float64(atomic.LoadInt32(&iom.outstanding)))
	fc.events[slotFor(event)] = rec
	return nil
}

// AwaitReadable arms fd for READ with self as target, then suspends self.
// Returns once self is resumed (by the event firing or by CancelEvent).
func (iom *IOManager) AwaitReadable(self *fiber.Fiber, fd int) error {
	return iom.awaitEvent(self, fd, EventRead)
}

// AwaitWritable is AwaitReadable's WRITE counterpart.
func (iom *IOManager) AwaitWritable(self *fiber.Fiber, fd int) error {
	return iom.awaitEvent(self, fd, EventWrite)
}

func (iom *IOManager) awaitEvent(self *fiber.Fiber, fd int, event Event) error {
	if err := iom.addEventForFiber(self, fd, event); err != nil {
		return err
	}
	self.Yield(self.CurrentWorkerState())
	return nil
}

// DelEvent detaches event from fd without invoking its callback. Silent
// if the event was not armed.
func (iom *IOManager) DelEvent(fd int, event Event) {
	fc := iom.lookup(fd)
	if fc == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.armed&event == 0 {
		return
	}
	fc.armed &^= event
	fc.events[slotFor(event)] = eventRecord{}
	atomic.AddInt32(&iom.outstanding, -1)
	metrics.OutstandingEvents.Set(float64(atomic.LoadInt32(&iom.outstanding)))
	iom.rearmLocked(fc)
}

// CancelEvent detaches event from fd and invokes its callback exactly
// once, waking a fiber that was waiting (e.g. to report cancellation or
// timeout).
func (iom *IOManager) CancelEvent(fd int, event Event) {
	fc := iom.lookup(fd)
	if fc == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.armed&event == 0 {
		return
	}
	fc.armed &^= event
	iom.rearmLocked(fc)
	iom.triggerLocked(fc, event)
}

// CancelAll cancels every armed event on fd, READ before WRITE.
func (iom *IOManager) CancelAll(fd int) {
	iom.CancelEvent(fd, EventRead)
	iom.CancelEvent(fd, EventWrite)
}

// rearmLocked re-applies the multiplexor registration after armed has
// changed: delete if nothing remains armed, else modify to the residual
// mask. Caller holds fc.mu.
func (iom *IOManager) rearmLocked(fc *FdContext) {
	if fc.armed == 0 {
		_ = iom.mux.del(fc.fd)
	} else {
		_ = iom.mux.modify(fc.fd, fc.armed)
	}
}

// triggerLocked fires event's stored target, submitting it to its
// scheduler. Caller holds fc.mu. It is a no-op if the event wasn't
// actually armed (e.g. a race between a kernel notification and a
// concurrent CancelEvent).
func (iom *IOManager) triggerLocked(fc *FdContext, event Event) {
	rec, ok := fc.trigger(event)
	if !ok {
		return
	}
	atomic.AddInt32(&iom.outstanding, -1)
	metrics.OutstandingEvents.Set(float64(atomic.LoadInt32(&iom.outstanding)))

	if rec.fiber != nil {
		rec.scheduler.Schedule(rec.fiber, scheduler.AnyThread)
	} else {
		rec.scheduler.ScheduleFunc(rec.callable, scheduler.AnyThread)
	}
}

// idleBody is installed as every worker's idle-fiber entry, replacing the
// base scheduler's spin-yield default with the reactor poll loop: wait on
// epoll, drain expired timers, fire ready events, yield.
func (iom *IOManager) idleBody(s *scheduler.Scheduler, ws *fiber.WorkerState, self *fiber.Fiber) {
	var buf [eventBufferSize]unix.EpollEvent

	for {
		stop, timeoutMS := iom.stoppingWithTimeout()
		if stop {
			// Wake the next parked worker so Stop cascades instead of
			// each worker waiting out the epoll timeout cap in turn.
			iom.tickle()
			return
		}

		n, err := iom.mux.wait(buf[:], int(timeoutMS))
		if err != nil {
			if err == unix.EINTR {
				self.Yield(ws)
				continue
			}
			log.Printf("ioreactor: epoll_wait: %v", err)
			self.Yield(ws)
			continue
		}

		for _, cb := range iom.timers.DrainExpired() {
			iom.sched.ScheduleFunc(cb, scheduler.AnyThread)
		}

		for i := 0; i < n; i++ {
			fd := int(buf[i].Fd)
			if fd == iom.tickleReadFD {
				iom.drainTickle()
				continue
			}

			fc := iom.lookup(fd)
			if fc == nil {
				continue
			}

			fc.mu.Lock()
			kernelEvents, errOrHup := splitEpollMask(buf[i].Events)
			var real Event
			if errOrHup {
				real = fc.armed
			} else {
				real = kernelEvents & fc.armed
			}
			fc.armed &^= real
			iom.rearmLocked(fc)

			if real&EventRead != 0 {
				iom.triggerLocked(fc, EventRead)
			}
			if real&EventWrite != 0 {
				iom.triggerLocked(fc, EventWrite)
			}
			fc.mu.Unlock()
		}

		self.Yield(ws)
	}
}
