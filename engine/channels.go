// Package engine contains the orchestration core of the gateway: the
// coordinator that owns task lifecycle, the matchmaker that pairs
// pending tasks with ready slots, the per-slot workers that drive the
// PLC protocol, the signal monitor, and the reply hub that fans
// results out to observers.
package engine

import (
	"context"
	"sync"
	"time"

	"shuttlelink/task"
)

// DefaultQueueSize is the input queue capacity when the config does
// not set one. Submitters back-pressure on a full queue.
const DefaultQueueSize = 64

// readyQueueSize bounds the availability channel. Tickets are issued
// once per entry into ready state, so the queue can never hold more
// than one ticket per slot; the capacity is generous headroom.
const readyQueueSize = 256

// ReadyTicket is a worker's offer to take the next job, emitted each
// time its slot enters ready state.
type ReadyTicket struct {
	Device     string
	Slot       int
	ReadyAt    time.Time
	QueueDepth int
}

// Channels bundles the communication paths owned by the coordinator.
type Channels struct {
	// Input carries accepted envelopes to the matchmaker.
	Input chan task.CommandEnvelope
	// Ready carries slot availability tickets to the matchmaker.
	Ready chan ReadyTicket
	// Results carries command results from workers and monitors to
	// the reply hub.
	Results chan task.CommandResult
}

// NewChannels creates the channel set. queueSize bounds the input
// queue.
func NewChannels(queueSize int) *Channels {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Channels{
		Input:   make(chan task.CommandEnvelope, queueSize),
		Ready:   make(chan ReadyTicket, readyQueueSize),
		Results: make(chan task.CommandResult, readyQueueSize),
	}
}

// Event is a manual-reset wake gate. The matchmaker waits on it; task
// submission sets it so the scheduler wakes on arrival.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewEvent creates an unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set opens the gate, waking all waiters.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Reset closes the gate again.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// Wait blocks until the event is set or the context is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSet reports whether the event is currently set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Broadcaster is the unbounded notification bus. Each subscriber gets
// its own queue so a slow observer never blocks a worker.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []task.Notification
	closed  bool
	out     chan task.Notification
	done    chan struct{}
}

// NewBroadcaster creates an empty bus.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// Publish delivers a notification to every subscriber. It never
// blocks.
func (b *Broadcaster) Publish(n task.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.push(n)
	}
}

// Subscribe returns a lazy notification stream and a cancel function.
// The stream is closed on cancel and on bus shutdown.
func (b *Broadcaster) Subscribe() (<-chan task.Notification, func()) {
	sub := &subscriber{
		out:  make(chan task.Notification),
		done: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			sub.close()
		}
		b.mu.Unlock()
	}
	return sub.out, cancel
}

// Close shuts the bus down, closing all subscriber streams.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}

func (s *subscriber) push(n task.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, n)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Signal()
	}
}

// pump drains the pending queue into the subscriber channel. A
// cancelled subscriber drops its backlog.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.pending = nil
			s.mu.Unlock()
			return
		}
		n := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}
