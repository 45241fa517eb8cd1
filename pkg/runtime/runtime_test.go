package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/contractnet"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/directory"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/resilience"
	"github.com/jllopis/contractnet/pkg/store"
	"github.com/jllopis/contractnet/pkg/transport"
)

func fastDefaults(t *testing.T) Defaults {
	t.Helper()
	d, err := DefaultsFromConfig(config.NegotiationConfig{
		CFPTimeoutMs:        200,
		CompletionTimeoutMs: 500,
		Policy:              "accept_all",
		MaxRounds:           3,
	})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	return d
}

func bidCost(cost float64) BidderFunc {
	return func(context.Context, core.Task) (map[string]any, bool, error) {
		return map[string]any{"cost": cost}, true, nil
	}
}

func refuse() BidderFunc {
	return func(context.Context, core.Task) (map[string]any, bool, error) { return nil, false, nil }
}

type node struct {
	bus       *transport.Bus
	initiator *Initiator
	results   *store.MemoryStore
}

func newNode(t *testing.T, opts ...InitiatorOption) *node {
	t.Helper()
	bus := transport.NewBus()
	results := store.NewMemoryStore()
	opts = append([]InitiatorOption{WithStore(results), WithDefaults(fastDefaults(t))}, opts...)
	initiator, err := NewInitiator("manager", bus, opts...)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	if err := initiator.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		initiator.Stop()
		bus.Close()
	})
	return &node{bus: bus, initiator: initiator, results: results}
}

func (n *node) participant(t *testing.T, id string, bidder Bidder, performer Performer, opts ...ParticipantOption) *Participant {
	t.Helper()
	p, err := NewParticipant(id, n.bus, bidder, performer, opts...)
	if err != nil {
		t.Fatalf("NewParticipant: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-p.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("participant %s never subscribed", id)
	}
	if !contains(n.bus.Peers(), id) {
		t.Fatalf("participant %s not on the bus", id)
	}
	return p
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestContractRunsFullRound(t *testing.T) {
	n := newNode(t)
	n.participant(t, "A", bidCost(3), nil)
	n.participant(t, "B", refuse(), nil)
	n.participant(t, "C", BidderFunc(func(context.Context, core.Task) (map[string]any, bool, error) {
		return nil, false, stderrors.New("out of capacity")
	}), nil)
	n.participant(t, "D", bidCost(5), PerformerFunc(func(context.Context, core.Task, map[string]any) (string, error) {
		return "", stderrors.New("disk full")
	}))

	task := core.NewTask("render", "render frames", map[string]any{"frames": 24})
	result, err := n.initiator.Contract(context.Background(), task, []string{"A", "B", "C", "D", "ghost"})
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}

	want := map[string]core.Status{
		"A":     core.StatusAcceptedCompleted,
		"B":     core.StatusRefused,
		"C":     core.StatusFailedToRespond,
		"D":     core.StatusAcceptedFailed,
		"ghost": core.StatusRefused,
	}
	for id, status := range want {
		if got, _ := result.Status(id); got != status {
			t.Errorf("%s: got %s, want %s", id, got, status)
		}
	}
	if result.Initiator != "manager" || result.Entries["D"].Detail != "disk full" {
		t.Errorf("unexpected result %+v", result)
	}

	stored, err := n.results.Get(context.Background(), result.RoundID)
	if err != nil {
		t.Fatalf("stored result: %v", err)
	}
	if stored.Count(core.StatusAcceptedCompleted) != 1 {
		t.Fatalf("unexpected stored result %+v", stored.Entries)
	}
}

func TestContractRoleResolvesThroughDirectory(t *testing.T) {
	reg := directory.NewRegistry()
	n := newNode(t, WithDirectory(reg))
	n.participant(t, "w1", bidCost(2), nil)
	n.participant(t, "w2", bidCost(1), nil)
	_ = reg.Register(directory.Peer{ID: "w1", Role: "worker"})
	_ = reg.Register(directory.Peer{ID: "w2", Role: "worker"})
	_ = reg.Register(directory.Peer{ID: "manager", Role: "worker"})

	result, err := n.initiator.ContractRole(context.Background(), core.NewTask("render", "", nil), "worker",
		contractnet.WithPolicy(contractnet.BestBid("cost", true)))
	if err != nil {
		t.Fatalf("ContractRole: %v", err)
	}
	if got := result.Responders(); len(got) != 2 {
		t.Fatalf("the initiator must not invite itself, got %v", got)
	}
	if got, _ := result.Status("w2"); got != core.StatusAcceptedCompleted {
		t.Fatalf("w2: %s", got)
	}
	if got, _ := result.Status("w1"); got != core.StatusRejected {
		t.Fatalf("w1: %s", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := n.initiator.ContractRole(ctx, core.NewTask("render", "", nil), "auditor"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

// silentOnce ignores the first call for proposals it receives and
// completes every later one.
func silentOnce(t *testing.T, bus *transport.Bus, id string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	inbox, err := bus.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var seen atomic.Int32
	go func() {
		for msg := range inbox {
			switch msg.Kind {
			case core.KindCFP:
				if seen.Add(1) == 1 {
					continue
				}
				reply := msg.Reply(core.KindPropose)
				_ = bus.Send(ctx, reply)
			case core.KindAccept:
				reply := msg.Reply(core.KindInform)
				reply.Success = true
				_ = bus.Send(ctx, reply)
			}
		}
	}()
}

func TestContractWithRetryNarrowsResponders(t *testing.T) {
	n := newNode(t)
	n.participant(t, "A", refuse(), nil)
	silentOnce(t, n.bus, "S")

	retry := resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	results, err := n.initiator.ContractWithRetry(context.Background(), core.NewTask("render", "", nil), []string{"A", "S"}, retry)
	if err != nil {
		t.Fatalf("ContractWithRetry: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two rounds, got %d", len(results))
	}
	if got, _ := results[0].Status("S"); got != core.StatusNeverProposed {
		t.Fatalf("first round S: %s", got)
	}
	if got := results[1].Responders(); len(got) != 1 || got[0] != "S" {
		t.Fatalf("second round must only invite S, got %v", got)
	}
	if got := results[1].Completed(); len(got) != 1 {
		t.Fatalf("second round should complete, got %+v", results[1].Entries)
	}
}

func TestContractWithRetryStopsWhenNobodyIsLeft(t *testing.T) {
	n := newNode(t)
	n.participant(t, "A", refuse(), nil)

	retry := resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	results, err := n.initiator.ContractWithRetry(context.Background(), core.NewTask("render", "", nil), []string{"A"}, retry)
	if !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected a single round, got %d", len(results))
	}
}

func TestContractCancelledByContext(t *testing.T) {
	n := newNode(t)
	d := fastDefaults(t)
	d.CFPTimeout = time.Minute
	n.initiator.SetDefaults(d)
	n.participant(t, "A", bidCost(1), nil)
	quietCtx, stopQuiet := context.WithCancel(context.Background())
	defer stopQuiet()
	if _, err := n.bus.Subscribe(quietCtx, "quiet"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result, err := n.initiator.Contract(ctx, core.NewTask("render", "", nil), []string{"A", "quiet"})
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if !result.Cancelled {
		t.Fatalf("expected a cancelled result")
	}
	if got, _ := result.Status("quiet"); got != core.StatusNeverProposed {
		t.Fatalf("quiet: %s", got)
	}
	if _, err := n.results.Get(context.Background(), result.RoundID); err != nil {
		t.Fatalf("cancelled rounds are recorded too: %v", err)
	}
}

func TestInitiatorRequiresStart(t *testing.T) {
	initiator, err := NewInitiator("manager", transport.NewBus())
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	if _, err := initiator.Contract(context.Background(), core.NewTask("x", "", nil), []string{"A"}); !errors.Is(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := NewInitiator("", transport.NewBus()); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestParticipantDropsRejectedAndExpiredBids(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, err := bus.Subscribe(ctx, "manager")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p, err := NewParticipant("A", bus, bidCost(1), nil, WithPendingTTL(150*time.Millisecond, 5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewParticipant: %v", err)
	}
	go func() { _ = p.Run(ctx) }()
	waitFor(t, func() bool { return contains(bus.Peers(), "A") })

	task := core.NewTask("render", "", nil)
	for _, round := range []string{"r1", "r2"} {
		cfp := core.NewMessage(round, core.KindCFP, "manager", "A")
		cfp.Task = &task
		_ = bus.Send(ctx, cfp)
		if msg := <-inbox; msg.Kind != core.KindPropose || msg.Payload["cost"] != 1.0 {
			t.Fatalf("unexpected reply %+v", msg)
		}
	}
	if p.Pending() != 2 {
		t.Fatalf("expected 2 pending bids, got %d", p.Pending())
	}

	_ = bus.Send(ctx, core.NewMessage("r1", core.KindReject, "manager", "A"))
	waitFor(t, func() bool { return p.Pending() == 1 })
	waitFor(t, func() bool { return p.Pending() == 0 })

	_ = bus.Send(ctx, core.NewMessage("r2", core.KindAccept, "manager", "A"))
	if msg := <-inbox; msg.Kind != core.KindFailure {
		t.Fatalf("accepting an expired bid should fail, got %+v", msg)
	}
}

func TestParticipantAnswersCFPWithoutTask(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, _ := bus.Subscribe(ctx, "manager")

	p, _ := NewParticipant("A", bus, bidCost(1), nil)
	go func() { _ = p.Run(ctx) }()
	waitFor(t, func() bool { return contains(bus.Peers(), "A") })

	_ = bus.Send(ctx, core.NewMessage("r1", core.KindCFP, "manager", "A"))
	if msg := <-inbox; msg.Kind != core.KindFailure || msg.From != "A" {
		t.Fatalf("unexpected reply %+v", msg)
	}
}

func TestDefaultsFromConfig(t *testing.T) {
	d, err := DefaultsFromConfig(config.NegotiationConfig{CFPTimeoutMs: 1500, CompletionTimeoutMs: 3000, Policy: "lowest_bid", BidField: "cost"})
	if err != nil {
		t.Fatalf("DefaultsFromConfig: %v", err)
	}
	if d.CFPTimeout != 1500*time.Millisecond || d.CompletionTimeout != 3*time.Second || d.MaxRounds != 1 || d.Policy == nil {
		t.Fatalf("unexpected defaults %+v", d)
	}
	if _, err := DefaultsFromConfig(config.NegotiationConfig{Policy: "coin_flip"}); !errors.Is(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestWatchConfigUpdatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(policy string, cfp int) {
		content := "negotiation:\n  policy: " + policy + "\n  cfp_timeout_ms: " + itoa(cfp) + "\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("accept_all", 1000)

	watcher, err := config.NewWatcher(path, config.WithWatchInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	watcher.Start(context.Background())
	defer watcher.Stop()

	initiator, _ := NewInitiator("manager", transport.NewBus())
	initiator.WatchConfig(watcher)

	time.Sleep(20 * time.Millisecond)
	write("coin_flip", 2000)
	time.Sleep(50 * time.Millisecond)
	if initiator.Defaults().CFPTimeout == 2*time.Second {
		t.Fatalf("a reload with an unknown policy must be ignored")
	}

	write("lowest_bid", 3000)
	waitFor(t, func() bool { return initiator.Defaults().CFPTimeout == 3*time.Second })
	if initiator.Defaults().PolicyName != "lowest_bid" {
		t.Fatalf("unexpected policy %q", initiator.Defaults().PolicyName)
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
