// Package bus implements the EventBus: a per-thread, in-memory fan-out of a
// run's live events to any number of subscribers, with replay-from-start for
// subscribers that attach mid-run (§4.4).
package bus

import (
	"errors"
	"sync"

	"goa.design/agentrun/runtime/agent"
)

// DefaultBufferSize bounds the per-reader channel. When a reader falls this
// far behind the writer, the bus closes that reader's channel with
// ErrReaderOverflow rather than dropping events or blocking the writer
// (§4.4, "drop-reader-with-error is acceptable; drop-events is not").
const DefaultBufferSize = 1024

// ErrReaderOverflow is delivered to a reader whose buffer could not keep up
// with the writer.
var ErrReaderOverflow = errors.New("bus: subscriber buffer overflow")

type (
	// Bus is a single-writer, multi-reader event channel for one run. The
	// writer calls Publish for every agent/coordinator event and Close when
	// the run terminates; readers call Subscribe at any point during the
	// run's lifetime and receive full replay-from-start followed by the live
	// tail (§4.4).
	Bus struct {
		mu        sync.Mutex
		closed    bool
		history   []agent.Event
		readers   map[*reader]struct{}
		bufSize   int
	}

	// reader is a subscriber's private channel plus the bookkeeping needed to
	// detect overflow and to avoid double-closing on Unsubscribe.
	reader struct {
		ch         chan Delivery
		once       sync.Once
		overflowed bool
	}

	// Delivery is one item handed to a subscriber: either an Event or a
	// terminal error (only ErrReaderOverflow; writer errors are never
	// surfaced here, per §4.4's "clean completion" rule).
	Delivery struct {
		Event Event
		Err   error
	}

	// Event aliases agent.Event so callers of this package don't need to
	// import both packages for the common case.
	Event = agent.Event

	// Subscription lets a reader detach early (e.g. on client disconnect);
	// detaching never affects the writer (§5, "connect() cancellation").
	Subscription struct {
		bus *Bus
		r   *reader
	}
)

// New constructs an empty Bus ready to publish to and subscribe from.
func New() *Bus {
	return &Bus{readers: make(map[*reader]struct{}), bufSize: DefaultBufferSize}
}

// Publish delivers event to every currently-registered reader and appends it
// to the replay history so future Subscribe calls see it. Publish must only
// be called by the run's single writer goroutine.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, event)
	for r := range b.readers {
		b.deliverLocked(r, Delivery{Event: event})
	}
}

// Close marks the run as complete. All current readers observe channel
// close after draining whatever was already buffered; no further
// Subscribe call will receive anything (historical replay becomes
// ThreadStore's job once the run is durable, §4.4).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for r := range b.readers {
		close(r.ch)
	}
	b.readers = make(map[*reader]struct{})
}

// Subscribe attaches a new reader. If the run already finished, the returned
// channel is closed immediately with no events (callers should instead read
// history via ThreadStore). Otherwise the channel first receives every event
// published since the writer began (replay from start), then the live tail.
func (b *Bus) Subscribe() (<-chan Delivery, Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &reader{ch: make(chan Delivery, b.bufSize+1)}
	if b.closed {
		close(r.ch)
		return r.ch, Subscription{bus: b, r: r}
	}
	for _, e := range b.history {
		b.deliverLocked(r, Delivery{Event: e})
		if r.overflowed {
			// r.ch is already closed by deliverLocked; r was never added to
			// b.readers, so it must not be registered now (a send on a
			// closed channel panics, and that's exactly what the remaining
			// Publish calls against this reader would do).
			return r.ch, Subscription{bus: b, r: r}
		}
	}
	b.readers[r] = struct{}{}
	return r.ch, Subscription{bus: b, r: r}
}

// deliverLocked sends d to r without blocking the writer. r's channel holds
// bufSize events plus one slot kept free for the overflow error: once bufSize
// events are pending, r is dropped with ErrReaderOverflow instead of blocking
// Publish or silently dropping subsequent events for other readers.
func (b *Bus) deliverLocked(r *reader, d Delivery) {
	if len(r.ch) < b.bufSize {
		r.ch <- d
		return
	}
	r.once.Do(func() {
		select {
		case r.ch <- Delivery{Err: ErrReaderOverflow}:
		default:
		}
		close(r.ch)
		r.overflowed = true
	})
	delete(b.readers, r)
}

// Unsubscribe detaches the reader early. Safe to call multiple times and
// safe to call after the bus has already closed.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.readers[s.r]; !ok {
		return
	}
	delete(s.bus.readers, s.r)
	s.r.once.Do(func() { close(s.r.ch) })
}
