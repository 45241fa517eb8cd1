// Package store keeps the results of completed negotiation rounds.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
)

// ResultStore persists round results.
type ResultStore interface {
	Record(ctx context.Context, result core.RoundResult) error
	Get(ctx context.Context, roundID string) (core.RoundResult, error)
	List(ctx context.Context, filter Filter) ([]core.RoundResult, error)
	Close() error
}

// Filter limits result queries. Zero values match everything.
type Filter struct {
	TaskID    string
	Initiator string
	// Status matches rounds where at least one responder ended with it.
	Status core.Status
	Since  time.Time
	Limit  int
}

func (f Filter) match(r core.RoundResult) bool {
	if f.TaskID != "" && r.Task.ID != f.TaskID {
		return false
	}
	if f.Initiator != "" && r.Initiator != f.Initiator {
		return false
	}
	if f.Status != "" && r.Count(f.Status) == 0 {
		return false
	}
	if !f.Since.IsZero() && r.FinishedAt.Before(f.Since) {
		return false
	}
	return true
}

// Open returns the store for driver: "memory" or "sqlite".
func Open(driver, dsn string) (ResultStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(dsn)
	default:
		return nil, errors.Errorf(errors.CodeInvalidArgument, "unknown store driver %q", driver)
	}
}

func errNotFound(roundID string) error {
	return errors.New(errors.CodeNotFound, "round result not found", nil).WithContext("round_id", roundID)
}

// MemoryStore keeps results in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]core.RoundResult
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: map[string]core.RoundResult{}}
}

// Record stores result, replacing an earlier one with the same round id.
func (s *MemoryStore) Record(_ context.Context, result core.RoundResult) error {
	if result.RoundID == "" {
		return errors.New(errors.CodeInvalidArgument, "result has no round id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.RoundID] = result.Clone()
	return nil
}

// Get returns the result of roundID.
func (s *MemoryStore) Get(_ context.Context, roundID string) (core.RoundResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[roundID]
	if !ok {
		return core.RoundResult{}, errNotFound(roundID)
	}
	return result.Clone(), nil
}

// List returns matching results, most recently finished first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]core.RoundResult, error) {
	s.mu.RLock()
	out := make([]core.RoundResult, 0, len(s.results))
	for _, result := range s.results {
		if filter.match(result) {
			out = append(out, result.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.After(out[j].FinishedAt)
		}
		return out[i].RoundID < out[j].RoundID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close implements ResultStore.
func (s *MemoryStore) Close() error { return nil }
