package store

import (
	"context"
	"testing"
	"time"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleResult(id, taskID string, finished time.Duration, statuses map[string]core.Status) core.RoundResult {
	result := core.RoundResult{
		RoundID:    id,
		Task:       core.Task{ID: taskID, Kind: "render", Payload: map[string]any{"frames": 24.0}, CreatedAt: base},
		Initiator:  "coordinator",
		Entries:    map[string]core.ResponderResult{},
		StartedAt:  base,
		FinishedAt: base.Add(finished),
	}
	for responder, status := range statuses {
		entry := core.ResponderResult{Responder: responder, Status: status, UpdatedAt: base.Add(time.Second)}
		if status.Accepted() {
			entry.Proposal = &core.Proposal{Responder: responder, TaskID: taskID, Bid: map[string]any{"cost": 3.5}, ReceivedAt: base}
			entry.Detail = "done"
		}
		result.Entries[responder] = entry
	}
	return result
}

func exerciseStore(t *testing.T, s ResultStore) {
	t.Helper()
	ctx := context.Background()

	first := sampleResult("r1", "t1", time.Minute, map[string]core.Status{
		"A": core.StatusAcceptedCompleted,
		"B": core.StatusRefused,
	})
	second := sampleResult("r2", "t2", 2*time.Minute, map[string]core.Status{
		"A": core.StatusAcceptedFailed,
		"C": core.StatusNeverProposed,
	})
	second.Cancelled = true
	for _, r := range []core.RoundResult{first, second} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("record %s: %v", r.RoundID, err)
		}
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Task.ID != "t1" || got.Initiator != "coordinator" || !got.FinishedAt.Equal(first.FinishedAt) {
		t.Fatalf("unexpected round %+v", got)
	}
	if status, _ := got.Status("A"); status != core.StatusAcceptedCompleted {
		t.Fatalf("unexpected status for A: %s", status)
	}
	entry := got.Entries["A"]
	if entry.Proposal == nil || entry.Proposal.Bid["cost"] != 3.5 || entry.Detail != "done" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if got.Entries["B"].Proposal != nil {
		t.Fatalf("refusals carry no proposal")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].RoundID != "r2" || !all[0].Cancelled {
		t.Fatalf("expected newest first, got %v", roundIDs(all))
	}

	failed, _ := s.List(ctx, Filter{Status: core.StatusAcceptedFailed})
	if len(failed) != 1 || failed[0].RoundID != "r2" {
		t.Fatalf("status filter returned %v", roundIDs(failed))
	}
	byTask, _ := s.List(ctx, Filter{TaskID: "t1"})
	if len(byTask) != 1 || byTask[0].RoundID != "r1" {
		t.Fatalf("task filter returned %v", roundIDs(byTask))
	}
	recent, _ := s.List(ctx, Filter{Since: base.Add(90 * time.Second)})
	if len(recent) != 1 || recent[0].RoundID != "r2" {
		t.Fatalf("since filter returned %v", roundIDs(recent))
	}
	limited, _ := s.List(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit returned %v", roundIDs(limited))
	}

	first.Entries["B"] = core.ResponderResult{Responder: "B", Status: core.StatusFailedToRespond}
	if err := s.Record(ctx, first); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	got, _ = s.Get(ctx, "r1")
	if status, _ := got.Status("B"); status != core.StatusFailedToRespond || len(got.Entries) != 2 {
		t.Fatalf("record should replace the earlier result, got %+v", got.Entries)
	}

	if err := s.Record(ctx, core.RoundResult{}); !errors.Is(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func roundIDs(results []core.RoundResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.RoundID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	r := sampleResult("r1", "t1", time.Second, map[string]core.Status{"A": core.StatusAcceptedCompleted})
	_ = s.Record(context.Background(), r)
	r.Entries["A"].Proposal.Bid["cost"] = 99.0

	got, _ := s.Get(context.Background(), "r1")
	if got.Entries["A"].Proposal.Bid["cost"] != 3.5 {
		t.Fatalf("stored result shares memory with the caller")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite("file:results_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
	if _, err := Open("postgres", ""); !errors.Is(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
