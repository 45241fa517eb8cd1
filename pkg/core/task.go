package core

import (
	"time"

	"github.com/google/uuid"
)

// Task is the unit of work offered to responders in a call for proposals.
// A task is treated as immutable once a round has started with it.
type Task struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind,omitempty"`
	Description string         `json:"description,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewTask creates a task with a generated ID.
func NewTask(kind, description string, payload map[string]any) Task {
	return Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		Payload:     ClonePayload(payload),
		CreatedAt:   time.Now().UTC(),
	}
}

// Clone returns a copy whose payload map is not shared with t.
func (t Task) Clone() Task {
	t.Payload = ClonePayload(t.Payload)
	return t
}

// Proposal is a responder's bid for a task. It is created on receipt and
// never mutated afterwards.
type Proposal struct {
	Responder  string         `json:"responder"`
	TaskID     string         `json:"task_id"`
	Bid        map[string]any `json:"bid,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Number returns the bid field as a float64 when it holds a numeric value.
func (p Proposal) Number(field string) (float64, bool) {
	switch v := p.Bid[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// ClonePayload returns a shallow copy of a payload map; nil stays nil.
func ClonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
