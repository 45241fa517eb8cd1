package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted during negotiation.
type EventType string

const (
	EventRoundStarted     EventType = "round.started"
	EventRoundCollected   EventType = "round.collected"
	EventRoundDecided     EventType = "round.decided"
	EventRoundCompleted   EventType = "round.completed"
	EventMessageDiscarded EventType = "round.message.discarded"
)

// Event captures a semantic round lifecycle event.
type Event struct {
	Type      EventType
	RoundID   string
	TaskID    string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EventEmitterFunc adapts a function to EventEmitter.
type EventEmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EventEmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, roundID, taskID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		RoundID:   roundID,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
