// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Negotiation.CFPTimeoutMs = 300
	cfg.Negotiation.CompletionTimeoutMs = 1000
	cfg.Store.Driver = "memory"
	cfg.Transport.DropRate = 0
	return cfg
}

func TestWorkerMixPlan(t *testing.T) {
	mix := workerMix{Count: 10, Refuse: 0.3, Fail: 0.2, Silent: 0.1, Seed: 7}
	plans, err := mix.plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	counts := map[behaviour]int{}
	for _, p := range plans {
		counts[p.Behaviour]++
		if p.Cost < 1 || p.Cost > 100 {
			t.Errorf("cost out of range: %+v", p)
		}
	}
	want := map[behaviour]int{behaviourRefuse: 3, behaviourFail: 2, behaviourSilent: 1, behaviourBid: 4}
	for b, n := range want {
		if counts[b] != n {
			t.Errorf("%s: got %d want %d", b, counts[b], n)
		}
	}

	again, _ := mix.plan()
	for i := range plans {
		if plans[i] != again[i] {
			t.Fatalf("same seed produced a different plan at %d", i)
		}
	}
	if plans[0].ID != "worker-01" || plans[9].ID != "worker-10" {
		t.Errorf("unexpected ids %s..%s", plans[0].ID, plans[9].ID)
	}
}

func TestWorkerMixRejectsBadRatios(t *testing.T) {
	for _, mix := range []workerMix{
		{Count: 0},
		{Count: 3, Refuse: -0.1},
		{Count: 3, Fail: 1.5},
		{Count: 3, Refuse: 0.6, Silent: 0.6},
	} {
		if _, err := mix.plan(); !errors.Is(err, errors.CodeInvalidArgument) {
			t.Errorf("%+v: expected invalid argument, got %v", mix, err)
		}
	}
}

func TestDemoRoundAllBid(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := demoRound(ctx, cfg, quietLogger(), demoOptions{
		Mix:  workerMix{Count: 4, Seed: 1, Role: workerRole},
		Kind: "transport",
	})
	if err != nil {
		t.Fatalf("demoRound: %v", err)
	}
	if len(result.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %v", result.Responders())
	}
	if got := result.Count(core.StatusAcceptedCompleted); got != 4 {
		t.Errorf("expected every worker to complete, got %d (%+v)", got, result.Entries)
	}
	if result.Initiator != cfg.Node.ID || result.Cancelled {
		t.Errorf("unexpected result header %+v", result)
	}
}

func TestDemoRoundMixedBehaviours(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mix := workerMix{Count: 4, Refuse: 0.25, Fail: 0.25, Silent: 0.25, Seed: 3, Role: workerRole}
	plans, err := mix.plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	result, err := demoRound(ctx, cfg, quietLogger(), demoOptions{Mix: mix, Kind: "transport"})
	if err != nil {
		t.Fatalf("demoRound: %v", err)
	}

	want := map[behaviour]core.Status{
		behaviourBid:    core.StatusAcceptedCompleted,
		behaviourRefuse: core.StatusRefused,
		behaviourFail:   core.StatusAcceptedFailed,
		behaviourSilent: core.StatusNeverProposed,
	}
	for _, p := range plans {
		got, ok := result.Status(p.ID)
		if !ok {
			t.Errorf("%s missing from result", p.ID)
			continue
		}
		if got != want[p.Behaviour] {
			t.Errorf("%s (%s): got %s want %s", p.ID, p.Behaviour, got, want[p.Behaviour])
		}
	}
}

func TestDemoRoundLowestBidAndStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Negotiation.Policy = "lowest_bid"
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = "file:demo_test?mode=memory&cache=shared"

	keep, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer keep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mix := workerMix{Count: 3, Seed: 11, Role: workerRole}
	plans, _ := mix.plan()
	result, err := demoRound(ctx, cfg, quietLogger(), demoOptions{Mix: mix, Kind: "transport"})
	if err != nil {
		t.Fatalf("demoRound: %v", err)
	}

	lowest := plans[0].Cost
	for _, p := range plans[1:] {
		if p.Cost < lowest {
			lowest = p.Cost
		}
	}
	completed := result.Completed()
	if len(completed) != 1 {
		t.Fatalf("expected one worker to complete, got %v", completed)
	}
	for _, p := range plans {
		if p.ID == completed[0] && p.Cost != lowest {
			t.Errorf("%s bid %d but the lowest bid was %d", p.ID, p.Cost, lowest)
		}
	}
	if got := result.Count(core.StatusRejected); got != 2 {
		t.Errorf("expected 2 rejected, got %d", got)
	}

	stored, err := keep.Get(ctx, result.RoundID)
	if err != nil {
		t.Fatalf("stored result: %v", err)
	}
	if stored.Count(core.StatusAcceptedCompleted) != 1 {
		t.Errorf("stored result differs: %+v", stored.Entries)
	}
}
