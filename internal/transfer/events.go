package transfer

import (
	"context"
	"sync"
)

// EventKind names the change an Event reports.
type EventKind string

const (
	EventAdded           EventKind = "added"
	EventRemoved         EventKind = "removed"
	EventStarted         EventKind = "started"
	EventSuspended       EventKind = "suspended"
	EventFinished        EventKind = "finished"
	EventProgressUpdated EventKind = "progress_updated"
)

// Event notifies a change of a transfer. Seq increases by one for every event
// published by a manager, so subscribers can order and detect gaps. Finished
// is published for every terminal state: Finished, Failed and Cancelled.
type Event struct {
	Seq      uint64
	Kind     EventKind
	Snapshot Snapshot
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
	once   sync.Once
}

// deliver sends ev to the subscriber. Progress events are dropped when the
// subscriber is not keeping up, every other event waits for room.
func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if ev.Kind == EventProgressUpdated {
		select {
		case s.ch <- ev:
		default:
		}

		return
	}

	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// dispatcher delivers events to subscribers from a single goroutine, in the
// order they were published.
type dispatcher struct {
	mu      sync.Mutex
	seq     uint64
	pending []Event
	subs    map[*subscriber]struct{}

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		subs:    make(map[*subscriber]struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go d.run()

	return d
}

// publish queues an event. It never blocks on subscribers.
func (d *dispatcher) publish(kind EventKind, snap Snapshot) {
	d.mu.Lock()
	d.seq++
	d.pending = append(d.pending, Event{Seq: d.seq, Kind: kind, Snapshot: snap})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}

	s := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}

	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()

	return s.ch, func() {
		d.mu.Lock()
		delete(d.subs, s)
		d.mu.Unlock()

		s.close()
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)

	for {
		select {
		case <-d.wake:
			d.flush()
		case <-d.stop:
			d.flush()

			return
		}
	}
}

func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		events := d.pending
		d.pending = nil

		subs := make([]*subscriber, 0, len(d.subs))
		for s := range d.subs {
			subs = append(subs, s)
		}
		d.mu.Unlock()

		if len(events) == 0 {
			return
		}

		for _, ev := range events {
			for _, s := range subs {
				s.deliver(ev)
			}
		}
	}
}

// close delivers what is queued, or gives up when ctx is done, and closes
// every subscription.
func (d *dispatcher) close(ctx context.Context) {
	select {
	case <-d.stop:
		return
	default:
		close(d.stop)
	}

	select {
	case <-d.stopped:
	case <-ctx.Done():
	}

	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[*subscriber]struct{})
	d.mu.Unlock()

	for s := range subs {
		s.close()
	}
}
