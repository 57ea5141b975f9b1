package ioreactor

import (
	"sync"

	"github.com/nodeflow/fiberd/fiber"
	"github.com/nodeflow/fiberd/scheduler"
)

// eventRecord is the wake-target for one armed direction on one fd.
// Exactly one of fiber/callable is set when the event is armed; both nil
// when unarmed. The record holds a strong reference to the target fiber,
// released the instant the event fires, so an FdContext never keeps a
// completed waiter alive.
type eventRecord struct {
	scheduler *scheduler.Scheduler
	fiber     *fiber.Fiber
	callable  func()
}

func (r eventRecord) isSet() bool { return r.fiber != nil || r.callable != nil }

// FdContext is the per-descriptor readiness record the I/O manager keeps,
// indexed by fd value.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	armed  Event // bitset of currently armed events
	events [2]eventRecord
}

func slotFor(e Event) int {
	if e == EventRead {
		return 0
	}
	return 1
}

// trigger clears event's armed bit, returns the stored target for the
// caller to submit to its scheduler, and clears the record. Called with
// fc.mu held.
func (fc *FdContext) trigger(e Event) (rec eventRecord, ok bool) {
	slot := slotFor(e)
	rec = fc.events[slot]
	if !rec.isSet() {
		return eventRecord{}, false
	}
	fc.armed &^= e
	fc.events[slot] = eventRecord{}
	return rec, true
}
