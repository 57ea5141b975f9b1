package scheduler

import "github.com/nodeflow/fiberd/fiber"

// ThreadID identifies a worker by its kernel thread id. AnyThread is the
// affinity sentinel meaning "any worker may run this task".
type ThreadID int

// AnyThread is the thread-affinity sentinel for "no pinning".
const AnyThread ThreadID = -1

// Task is a scheduler queue entry: exactly one of Fiber or Callable is
// set, plus an optional thread pin.
type Task struct {
	Fiber    *fiber.Fiber
	Callable func()
	Thread   ThreadID
}

func newFiberTask(f *fiber.Fiber, thread ThreadID) *Task {
	if f.State() != fiber.READY {
		panic("scheduler: task fiber must be READY when enqueued")
	}
	return &Task{Fiber: f, Thread: thread}
}

func newCallableTask(c func(), thread ThreadID) *Task {
	return &Task{Callable: c, Thread: thread}
}
