package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/mailbox"
	"github.com/jllopis/contractnet/pkg/telemetry"
)

// ErrUnknownPeer is returned when an addressee cannot be resolved.
var ErrUnknownPeer = errors.New(errors.CodeNotFound, "unknown peer", nil)

// Bus is an in-process transport. Every subscribed peer owns an unbounded
// mailbox; sending never blocks the caller.
type Bus struct {
	mu       sync.RWMutex
	boxes    map[string]*mailbox.Mailbox[core.Message]
	closed   bool
	dropRate float64
	random   func() float64
	logger   *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDropRate drops each message with probability p, to simulate an
// unreliable network. Undeliverable notices are never dropped.
func WithDropRate(p float64) BusOption {
	return func(b *Bus) {
		if p >= 0 && p <= 1 {
			b.dropRate = p
		}
	}
}

// WithRandom overrides the random source used for drops.
func WithRandom(fn func() float64) BusOption {
	return func(b *Bus) {
		if fn != nil {
			b.random = fn
		}
	}
}

// WithBusLogger sets the logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty in-process bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		boxes:  make(map[string]*mailbox.Mailbox[core.Message]),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = telemetry.LoggerOrDefault(b.logger)
	return b
}

// Subscribe registers selfID and returns its inbound stream. The peer is
// removed from the bus when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, selfID string) (<-chan core.Message, error) {
	if selfID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "subscriber id is empty", nil)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New(errors.CodeTransport, "bus is closed", nil)
	}
	if _, exists := b.boxes[selfID]; exists {
		b.mu.Unlock()
		return nil, errors.Errorf(errors.CodeInvalidArgument, "peer %q already subscribed", selfID)
	}
	box := mailbox.New[core.Message]()
	b.boxes[selfID] = box
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(selfID, box)
	}()
	b.logger.Debug("transport.bus.subscribe", slog.String("peer", selfID))
	return box.Pump(ctx), nil
}

// Send enqueues msg for its addressee. An unknown addressee produces an
// undeliverable notice in the sender's mailbox instead of an error.
func (b *Bus) Send(ctx context.Context, msg core.Message) error {
	if msg.To == "" {
		return errors.New(errors.CodeInvalidArgument, "message has no addressee", nil)
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New(errors.CodeTransport, "bus is closed", nil)
	}
	box, ok := b.boxes[msg.To]
	senderBox := b.boxes[msg.From]
	b.mu.RUnlock()

	if !ok {
		if senderBox == nil {
			return ErrUnknownPeer
		}
		b.logger.DebugContext(ctx, "transport.bus.undeliverable",
			slog.String("to", msg.To),
			slog.String("from", msg.From),
			slog.String("kind", string(msg.Kind)),
		)
		senderBox.Put(msg.Undeliverable("unknown peer " + msg.To))
		return nil
	}
	if b.dropRate > 0 && msg.Kind != core.KindUndeliverable && b.random() < b.dropRate {
		b.logger.DebugContext(ctx, "transport.bus.dropped",
			slog.String("to", msg.To),
			slog.String("from", msg.From),
			slog.String("kind", string(msg.Kind)),
		)
		return nil
	}
	box.Put(msg)
	return nil
}

// Peers returns the subscribed peer ids, sorted.
func (b *Bus) Peers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.boxes))
	for id := range b.boxes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close shuts every mailbox; subscriber streams end once drained.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, box := range b.boxes {
		box.Close()
		delete(b.boxes, id)
	}
}

func (b *Bus) remove(id string, box *mailbox.Mailbox[core.Message]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.boxes[id]; ok && current == box {
		delete(b.boxes, id)
	}
	box.Close()
}
