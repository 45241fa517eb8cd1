package directory

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/errors"
)

func fixed(peers ...Peer) ProviderFunc {
	return func(context.Context) ([]Peer, error) { return peers, nil }
}

func failing() ProviderFunc {
	return func(context.Context) ([]Peer, error) { return nil, stderrors.New("down") }
}

func TestResolverPriorityAndExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := NewResolver([]Provider{
		fixed(Peer{ID: "w1", Role: "worker", Addr: "static:1"}),
		failing(),
		fixed(
			Peer{ID: "w1", Role: "worker", Addr: "registry:1"},
			Peer{ID: "w2", Role: "WORKER", Addr: "registry:2"},
			Peer{ID: "w3", Role: "worker", ExpiresAt: now.Add(-time.Second)},
			Peer{ID: "", Role: "worker"},
		),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	r.now = func() time.Time { return now }

	peers, err := r.ResolveAll(context.Background(), "worker")
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if ids := IDs(peers); len(ids) != 2 || ids[0] != "w1" || ids[1] != "w2" {
		t.Fatalf("unexpected peers %v", ids)
	}
	if peers[0].Addr != "static:1" {
		t.Fatalf("first provider must win, got %s", peers[0].Addr)
	}
}

func TestResolverAllProvidersFail(t *testing.T) {
	r, err := NewResolver([]Provider{failing(), failing()})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := r.List(context.Background()); !errors.Is(err, errors.CodeTransport) {
		t.Fatalf("expected TRANSPORT, got %v", err)
	}
	if _, err := NewResolver([]Provider{nil}); !errors.Is(err, errors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT without providers, got %v", err)
	}
}

func TestResolverPollsUntilPeerAppears(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context) ([]Peer, error) {
		if calls.Add(1) < 3 {
			return nil, nil
		}
		return []Peer{{ID: "w1", Role: "worker"}}, nil
	})
	r, err := NewResolver([]Provider{provider}, WithPollInterval(time.Millisecond, 4*time.Millisecond))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := r.Resolve(ctx, "worker")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ID != "w1" || calls.Load() != 3 {
		t.Fatalf("unexpected peer %+v after %d calls", p, calls.Load())
	}
}

func TestResolverGivesUpWithContext(t *testing.T) {
	r, _ := NewResolver([]Provider{fixed()}, WithPollInterval(time.Millisecond, time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.ResolveAll(ctx, "worker"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestResolverLookupUsesCache(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context) ([]Peer, error) {
		calls.Add(1)
		return []Peer{{ID: "w1", Role: "worker", Addr: "10.0.0.1:7501"}}, nil
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, _ := NewResolver([]Provider{provider}, WithCacheTTL(time.Minute))
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		addr, err := r.Lookup(context.Background(), "w1")
		if err != nil || addr != "10.0.0.1:7501" {
			t.Fatalf("Lookup: %q %v", addr, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single listing, got %d", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.Lookup(context.Background(), "w1"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a refresh after the cache expired, got %d", calls.Load())
	}
	if _, err := r.Lookup(context.Background(), "ghost"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestProviderOrder(t *testing.T) {
	if got := ProviderOrder(nil); len(got) != 3 || got[0] != "static" {
		t.Fatalf("unexpected default order %v", got)
	}
	got := ProviderOrder([]string{" DNS ", "static", "dns", ""})
	if len(got) != 2 || got[0] != "dns" || got[1] != "static" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestBuildProviders(t *testing.T) {
	providers := BuildProviders(config.DirectoryConfig{
		Order:       []string{"registry", "static", "dns"},
		Peers:       []config.PeerConfig{{ID: "w1", Role: "worker"}},
		RegistryURL: "http://localhost:7410",
	})
	if len(providers) != 2 {
		t.Fatalf("expected registry and static providers, got %d", len(providers))
	}
	if _, ok := providers[0].(*HTTPProvider); !ok {
		t.Fatalf("expected registry first, got %T", providers[0])
	}
	if _, ok := providers[1].(*StaticProvider); !ok {
		t.Fatalf("expected static second, got %T", providers[1])
	}
	if _, err := NewResolverFromConfig(config.DirectoryConfig{}, nil); err == nil {
		t.Fatalf("expected error when nothing is configured")
	}
}
