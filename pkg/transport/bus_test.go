package transport

import (
	"context"
	"testing"
	"time"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
)

func receive(t *testing.T, ch <-chan core.Message) core.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("stream closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return core.Message{}
}

func TestBusDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	defer bus.Close()

	inbox, err := bus.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for _, kind := range []core.MessageKind{core.KindCFP, core.KindAccept, core.KindReject} {
		if err := bus.Send(ctx, core.NewMessage("r1", kind, "alice", "bob")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, want := range []core.MessageKind{core.KindCFP, core.KindAccept, core.KindReject} {
		if got := receive(t, inbox); got.Kind != want {
			t.Fatalf("got %s, want %s", got.Kind, want)
		}
	}
}

func TestBusUnknownAddresseeNotifiesSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	defer bus.Close()

	inbox, err := bus.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Send(ctx, core.NewMessage("r1", core.KindCFP, "alice", "ghost")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	notice := receive(t, inbox)
	if notice.Kind != core.KindUndeliverable || notice.From != "ghost" || notice.To != "alice" || notice.RoundID != "r1" {
		t.Fatalf("unexpected notice %+v", notice)
	}

	err = bus.Send(ctx, core.NewMessage("r1", core.KindCFP, "nobody", "ghost"))
	if !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown sender and addressee, got %v", err)
	}
}

func TestBusDuplicateSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	if _, err := bus.Subscribe(ctx, "alice"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := bus.Subscribe(ctx, "alice"); !errors.Is(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, ""); !errors.Is(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for empty id, got %v", err)
	}
}

func TestBusUnsubscribeOnContextDone(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	inbox, err := bus.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-inbox:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not closed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(bus.Peers()) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if peers := bus.Peers(); len(peers) != 0 {
		t.Fatalf("expected no peers, got %v", peers)
	}
}

func TestBusDropRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus(WithDropRate(1), WithRandom(func() float64 { return 0.5 }))
	defer bus.Close()

	alice, _ := bus.Subscribe(ctx, "alice")
	bob, _ := bus.Subscribe(ctx, "bob")
	_ = bus.Send(ctx, core.NewMessage("r1", core.KindCFP, "alice", "bob"))
	_ = bus.Send(ctx, core.NewMessage("r1", core.KindCFP, "alice", "ghost"))

	if notice := receive(t, alice); notice.Kind != core.KindUndeliverable {
		t.Fatalf("undeliverable notices are never dropped, got %+v", notice)
	}
	select {
	case msg := <-bob:
		t.Fatalf("expected drop, got %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusClosed(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Close()
	if err := bus.Send(context.Background(), core.NewMessage("r", core.KindCFP, "a", "b")); !errors.Is(err, errors.CodeTransport) {
		t.Fatalf("expected TRANSPORT, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "a"); !errors.Is(err, errors.CodeTransport) {
		t.Fatalf("expected TRANSPORT, got %v", err)
	}
}
