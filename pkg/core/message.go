package core

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies the performative of a negotiation message.
type MessageKind string

const (
	KindCFP     MessageKind = "cfp"
	KindPropose MessageKind = "propose"
	KindRefuse  MessageKind = "refuse"
	KindAccept  MessageKind = "accept"
	KindReject  MessageKind = "reject"
	KindInform  MessageKind = "inform"
	// KindFailure is an explicit failure notice from a responder.
	KindFailure MessageKind = "failure"
	// KindUndeliverable is generated by a transport when the addressee is
	// unknown. From holds the addressee that could not be reached.
	KindUndeliverable MessageKind = "undeliverable"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindCFP, KindPropose, KindRefuse, KindAccept, KindReject, KindInform, KindFailure, KindUndeliverable:
		return true
	default:
		return false
	}
}

// Message is an addressed negotiation message. RoundID correlates every
// message of a round, the way a conversation id does.
type Message struct {
	ID      string         `json:"id"`
	RoundID string         `json:"round_id"`
	Kind    MessageKind    `json:"kind"`
	From    string         `json:"from"`
	To      string         `json:"to"`
	Task    *Task          `json:"task,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	// Success and Detail are meaningful for inform messages.
	Success bool      `json:"success,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// NewMessage builds a message with a generated id and send timestamp.
func NewMessage(roundID string, kind MessageKind, from, to string) Message {
	return Message{
		ID:      uuid.NewString(),
		RoundID: roundID,
		Kind:    kind,
		From:    from,
		To:      to,
		SentAt:  time.Now().UTC(),
	}
}

// Reply builds a message of the given kind addressed back to the sender of m.
func (m Message) Reply(kind MessageKind) Message {
	return NewMessage(m.RoundID, kind, m.To, m.From)
}

// Undeliverable builds the non-delivery notice for m, attributed to the
// unreachable addressee and addressed to the original sender.
func (m Message) Undeliverable(reason string) Message {
	notice := NewMessage(m.RoundID, KindUndeliverable, m.To, m.From)
	notice.Detail = reason
	return notice
}
