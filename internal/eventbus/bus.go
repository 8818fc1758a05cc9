// Package eventbus dispatches engine events to subscribers over per-kind
// bounded channels. Non-critical kinds drop the oldest event on overflow so
// slow subscribers cannot stall the pipeline; critical kinds (operation
// failures, conflicts) block the publisher instead.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Kind identifies an event category.
type Kind string

const (
	OperationStarted         Kind = "operationStarted"
	OperationCompleted       Kind = "operationCompleted"
	OperationFailed          Kind = "operationFailed"
	ConflictDetected         Kind = "conflictDetected"
	CheckpointCreated        Kind = "checkpointCreated"
	CheckpointMetricsUpdated Kind = "checkpointMetricsUpdated"
	RollbackExecuted         Kind = "rollbackExecuted"
	Progress                 Kind = "progress"
	HealthCheck              Kind = "healthCheck"
	CapacityReached          Kind = "capacity-reached"
)

// critical kinds use blocking delivery; everything else drops oldest.
var critical = map[Kind]bool{
	OperationFailed:  true,
	ConflictDetected: true,
}

// Event is one published occurrence. Payload contents are owned by the
// publisher and must already be copies.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// Bus fans events out to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu   sync.Mutex
	subs map[Kind][]*subscription
}

type subscription struct {
	ch     chan Event
	done   chan struct{}
	closed bool
	// senders counts in-flight blocking deliveries; the event channel is
	// closed only after it drains to zero, so a send can never hit a closed
	// channel.
	senders sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]*subscription)}
}

// Subscribe registers for one event kind. capacity bounds the channel;
// values < 1 get a capacity of 1. The returned cancel func detaches the
// subscription and closes the channel once in-flight deliveries settle.
func (b *Bus) Subscribe(kind Kind, capacity int) (<-chan Event, func()) {
	if capacity < 1 {
		capacity = 1
	}
	sub := &subscription{ch: make(chan Event, capacity), done: make(chan struct{})}

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub.closed {
			b.mu.Unlock()
			return
		}
		sub.closed = true
		close(sub.done)
		list := b.subs[kind]
		for i, s := range list {
			if s == sub {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()

		// Blocked senders have been released by done; wait them out before
		// closing so ranging consumers terminate cleanly.
		sub.senders.Wait()
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its kind. For critical
// kinds delivery blocks (bounded by ctx); for the rest a full channel sheds
// its oldest event to make room.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[ev.Kind]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if critical[ev.Kind] {
			b.deliverBlocking(ctx, sub, ev)
		} else {
			b.deliverDropOldest(sub, ev)
		}
	}
}

func (b *Bus) deliverBlocking(ctx context.Context, sub *subscription, ev Event) {
	// Register as an in-flight sender under the lock; cancel and Close flip
	// closed under the same lock and only close the channel after the sender
	// count drains, so the send below cannot hit a closed channel.
	b.mu.Lock()
	if sub.closed {
		b.mu.Unlock()
		return
	}
	sub.senders.Add(1)
	b.mu.Unlock()
	defer sub.senders.Done()

	select {
	case sub.ch <- ev:
	case <-sub.done:
	case <-ctx.Done():
	}
}

func (b *Bus) deliverDropOldest(sub *subscription, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- ev:
			return
		default:
			// Full: shed the oldest and retry.
			select {
			case <-sub.ch:
			default:
			}
		}
	}
}

// Close detaches and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	var detached []*subscription
	for kind, list := range b.subs {
		for _, sub := range list {
			if !sub.closed {
				sub.closed = true
				close(sub.done)
				detached = append(detached, sub)
			}
		}
		delete(b.subs, kind)
	}
	b.mu.Unlock()

	for _, sub := range detached {
		sub.senders.Wait()
		close(sub.ch)
	}
}
