package publisher

import "context"

// IteratorOptions configures the async-iterator subscribe form.
type IteratorOptions struct {
	LastEventID string

	// MaxBufferedEvents bounds the in-memory ring: 1 means keep-latest and
	// a negative value means unbounded. 0 holds the latest event exactly as
	// 1 does: an event that arrives while no Next call is waiting is kept
	// until the next Next call, not dropped. nil (the Go zero value)
	// defaults to 100 — a pointer so "unset" and "explicitly 0" are
	// distinguishable.
	MaxBufferedEvents *int
}

// Unbounded is a convenience value for IteratorOptions.MaxBufferedEvents.
func Unbounded() *int { n := -1; return &n }

// KeepLatest is a convenience value for IteratorOptions.MaxBufferedEvents.
func KeepLatest() *int { n := 1; return &n }

// DropIfNoConsumer is a convenience value (0) for
// IteratorOptions.MaxBufferedEvents; it behaves like KeepLatest.
func DropIfNoConsumer() *int { n := 0; return &n }

// EventIterator is the bounded-buffer async-iterator subscribe form.
// Overflow drops the oldest buffered item, never the live tail. Cancel
// rejects any waiting puller, unsubscribes asynchronously, and clears the
// buffer; it is equivalent to calling Close but distinguishes the reason a
// caller observes as the error returned by Next.
type EventIterator struct {
	publisher *Publisher
	channel   string
	unsub     Unsubscribe

	ring     []Event
	capacity int // -1 = unbounded
	mu       chan struct{} // binary semaphore guarding ring
	notify   chan struct{}

	done   chan struct{}
	err    error
	closed bool
}

// SubscribeIterator opens the async-iterator form of subscribe on channel.
func (p *Publisher) SubscribeIterator(ctx context.Context, channel string, opts IteratorOptions) *EventIterator {
	capacity := 100
	if opts.MaxBufferedEvents != nil {
		capacity = *opts.MaxBufferedEvents
	}
	it := &EventIterator{
		publisher: p,
		channel:   channel,
		capacity:  capacity,
		mu:        make(chan struct{}, 1),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	it.mu <- struct{}{}

	it.unsub = p.Subscribe(channel, it.push, opts.LastEventID)

	go func() {
		select {
		case <-ctx.Done():
			it.cancel(ctx.Err())
		case <-it.done:
		}
	}()

	return it
}

func (it *EventIterator) push(evt Event) {
	<-it.mu
	defer func() { it.mu <- struct{}{} }()

	select {
	case <-it.done:
		return
	default:
	}

	switch {
	case it.capacity < 0: // unbounded
		it.ring = append(it.ring, evt)
	case it.capacity == 0: // 0: holds the latest event, same as keep-latest
		select {
		case it.notify <- struct{}{}:
		default:
		}
		it.ring = []Event{evt}
		return
	case it.capacity == 1: // keep-latest
		it.ring = []Event{evt}
	default:
		it.ring = append(it.ring, evt)
		if len(it.ring) > it.capacity {
			it.ring = it.ring[len(it.ring)-it.capacity:] // drop oldest
		}
	}

	select {
	case it.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done, or the iterator is
// closed/cancelled, whichever comes first.
func (it *EventIterator) Next(ctx context.Context) (Event, bool, error) {
	for {
		<-it.mu
		if len(it.ring) > 0 {
			evt := it.ring[0]
			it.ring = it.ring[1:]
			it.mu <- struct{}{}
			return evt, true, nil
		}
		select {
		case <-it.done:
			err := it.err
			it.mu <- struct{}{}
			return Event{}, false, err
		default:
		}
		it.mu <- struct{}{}

		select {
		case <-it.notify:
		case <-it.done:
			<-it.mu
			err := it.err
			it.mu <- struct{}{}
			return Event{}, false, err
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		}
	}
}

// Close ends the iterator without an error, equivalent to calling `return`
// on a language-native async iterator.
func (it *EventIterator) Close() { it.cancel(nil) }

// Cancel ends the iterator, rejecting any waiting Next call with reason.
func (it *EventIterator) Cancel(reason error) { it.cancel(reason) }

func (it *EventIterator) cancel(reason error) {
	<-it.mu
	if it.closed {
		it.mu <- struct{}{}
		return
	}
	it.closed = true
	it.err = reason
	it.ring = nil
	close(it.done)
	it.mu <- struct{}{}
	go it.unsub()
}
