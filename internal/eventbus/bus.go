// Package eventbus implements the daemon's single ordered event queue
// (spec §4.1), the sequencing point every other component hangs off of.
//
// It is grounded on two teacher shapes: manager/process.go's
// supervised-start/stop lifecycle (a die-channel plus WaitGroup), and
// chancacher.ChanCacher's single pump goroutine draining a queue while
// producers keep submitting concurrently. Here the pump is not a goroutine
// at all — the spec calls for dispatch synchronous with the caller of
// Drain (the main loop, between procmon polls) — so re-entrant Submit calls
// made from inside a handler must queue rather than recurse.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// Event is one entry on the bus: a tagged variant with an optional payload,
// stamped with a correlation id for logging.
type Event struct {
	ID      uuid.UUID
	Tag     Tag
	Payload interface{}
}

// Handler observes events dispatched by the bus. It must not block; any
// I/O it needs to perform should be handed off, per spec §7 ("no error is
// ever propagated across the event bus; events are fire-and-forget").
type Handler func(Event)

// Bus is the single-producer/single-consumer ordered queue described in
// spec §4.1 and §5. Submit is safe to call concurrently (handlers may
// submit from other goroutines — e.g. the FS-activity thread posting
// InotifyEvent) but Drain must only ever be invoked from the main loop.
type Bus struct {
	mtx      sync.Mutex
	queue    []Event
	handlers []Handler
	draining bool
}

func New() *Bus {
	return &Bus{}
}

// Register adds a handler. Handlers are dispatched in registration order
// for every event (spec §4.1 guarantee i).
func (b *Bus) Register(h Handler) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.handlers = append(b.handlers, h)
}

// Submit enqueues an event. If called while the bus is mid-drain (i.e. from
// within a handler), the event is appended to the queue and picked up by
// the in-progress drain loop rather than dispatched immediately — this is
// the "re-entrant submission is queued, never dispatched recursively"
// guarantee (spec §4.1 guarantee iii).
func (b *Bus) Submit(tag Tag, payload interface{}) {
	b.mtx.Lock()
	b.queue = append(b.queue, Event{ID: uuid.New(), Tag: tag, Payload: payload})
	b.mtx.Unlock()
}

// Drain dispatches every currently (and newly, re-entrantly) queued event
// to all registered handlers, in submission order, then returns once the
// queue is empty. Only the main loop should call this.
func (b *Bus) Drain() {
	b.mtx.Lock()
	if b.draining {
		// Someone further up the call stack is already draining; our
		// queued events will be picked up by that call.
		b.mtx.Unlock()
		return
	}
	b.draining = true
	b.mtx.Unlock()

	for {
		b.mtx.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mtx.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		handlers := b.handlers
		b.mtx.Unlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}

// Pending reports the current queue depth, for introspection/metrics.
func (b *Bus) Pending() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.queue)
}
