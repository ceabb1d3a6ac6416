// Package mock provides an in-memory conversation bus for tests.
//
// Bus implements bus.Publisher and bus.Consumer with the same settlement
// semantics as the Redis implementation: handler success acks, permanent
// failure dead-letters immediately, transient failure re-queues until the
// delivery budget runs out.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/reverie-ai/reverie/internal/bus"
)

// Ensure Bus implements both sides of the bus at compile time.
var (
	_ bus.Publisher = (*Bus)(nil)
	_ bus.Consumer  = (*Bus)(nil)
)

// DeadLetter records one turn the bus gave up on.
type DeadLetter struct {
	// Turn is the dead-lettered turn.
	Turn bus.ConversationTurn
	// Reason describes why the turn was dead-lettered.
	Reason string
}

// delivery tracks one queued turn and how often it was handed to a handler.
type delivery struct {
	turn     bus.ConversationTurn
	attempts int
}

// Bus is an in-memory bus.
type Bus struct {
	mu sync.Mutex

	// MaxDeliveries is the per-turn delivery budget. Defaults to 5 when
	// left zero.
	MaxDeliveries int

	// PublishErr, if non-nil, is returned by Publish.
	PublishErr error

	// Published records every turn passed to Publish, including rejected
	// duplicates of the queue.
	Published []bus.ConversationTurn

	// DeadLetters records every turn the consumer gave up on.
	DeadLetters []DeadLetter

	queue []*delivery
	wake  chan struct{}
}

// NewBus constructs an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{wake: make(chan struct{}, 1)}
}

// Publish implements bus.Publisher.
func (b *Bus) Publish(ctx context.Context, turn bus.ConversationTurn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.Unlock()
		return err
	}
	b.Published = append(b.Published, turn)
	b.queue = append(b.queue, &delivery{turn: turn})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Consume implements bus.Consumer. It drains the queue, settling each turn
// per the handler outcome, and blocks for new work until ctx is cancelled.
func (b *Bus) Consume(ctx context.Context, consumerName string, h bus.Handler) error {
	for {
		d := b.pop()
		if d == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-b.wake:
				continue
			}
		}

		d.attempts++
		err := h(ctx, d.turn)
		switch {
		case err == nil:
			// Acked; nothing to do.
		case errors.Is(err, bus.ErrPermanent):
			b.recordDeadLetter(d.turn, err.Error())
		case d.attempts >= b.maxDeliveries():
			b.recordDeadLetter(d.turn, err.Error())
		default:
			b.requeue(d)
		}
	}
}

// Pending returns the number of turns still queued.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Reset clears all recorded state. Thread-safe.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Published = nil
	b.DeadLetters = nil
	b.queue = nil
}

func (b *Bus) pop() *delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	d := b.queue[0]
	b.queue = b.queue[1:]
	return d
}

func (b *Bus) requeue(d *delivery) {
	b.mu.Lock()
	b.queue = append(b.queue, d)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) recordDeadLetter(turn bus.ConversationTurn, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DeadLetters = append(b.DeadLetters, DeadLetter{Turn: turn, Reason: reason})
}

func (b *Bus) maxDeliveries() int {
	if b.MaxDeliveries > 0 {
		return b.MaxDeliveries
	}
	return 5
}
