// Package bus defines the conversation bus that decouples the chat-serving
// layer from the memory extraction pipeline.
//
// The chat layer publishes one [ConversationTurn] per exchange and never waits
// for processing. Extraction workers consume turns with at-least-once,
// unordered delivery semantics: a turn whose processing fails transiently is
// re-delivered later, so every consumer must be idempotent. Turns that keep
// failing, or that fail permanently, are moved to a dead-letter stream rather
// than dropped.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks a handler failure that can never succeed on retry (e.g.,
// an embedding dimension mismatch). Handlers wrap it with fmt.Errorf("%w: …");
// the consumer dead-letters the turn immediately instead of re-delivering it.
var ErrPermanent = errors.New("bus: permanent failure")

// ConversationTurn is the unit of work carried by the bus: one complete
// user/assistant exchange belonging to a single tenant.
type ConversationTurn struct {
	// UserID identifies the user. Must be non-empty.
	UserID string `json:"user_id"`

	// CharacterID identifies the companion character. Must be non-empty.
	CharacterID string `json:"character_id"`

	// UserMessage is the user's message text.
	UserMessage string `json:"user_message"`

	// AIResponse is the assistant's reply text.
	AIResponse string `json:"ai_response"`

	// Timestamp is when the exchange happened. Fact conflict resolution uses
	// this value, so it must reflect conversation time, not processing time.
	Timestamp time.Time `json:"timestamp"`
}

// Validate reports whether the turn carries the minimum required fields.
func (t ConversationTurn) Validate() error {
	var errs []error
	if t.UserID == "" {
		errs = append(errs, fmt.Errorf("user_id must not be empty"))
	}
	if t.CharacterID == "" {
		errs = append(errs, fmt.Errorf("character_id must not be empty"))
	}
	if t.UserMessage == "" && t.AIResponse == "" {
		errs = append(errs, fmt.Errorf("turn must carry at least one message"))
	}
	if t.Timestamp.IsZero() {
		errs = append(errs, fmt.Errorf("timestamp must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("bus: invalid turn: %w", errors.Join(errs...))
	}
	return nil
}

// Handler processes one delivered turn. Returning nil acknowledges the turn.
// Returning an error wrapping [ErrPermanent] dead-letters it immediately; any
// other error leaves it pending for re-delivery.
type Handler func(ctx context.Context, turn ConversationTurn) error

// Publisher is the write side of the bus, used by the chat-serving layer.
type Publisher interface {
	// Publish enqueues one turn. It returns once the turn is durably queued;
	// it never waits for processing.
	Publish(ctx context.Context, turn ConversationTurn) error
}

// Consumer is the read side of the bus, used by extraction workers.
type Consumer interface {
	// Consume delivers turns to h until ctx is cancelled. Each worker calls
	// Consume with a distinct consumerName so the bus can spread deliveries
	// and reclaim work from crashed workers.
	Consume(ctx context.Context, consumerName string, h Handler) error
}
