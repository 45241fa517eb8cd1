package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jllopis/contractnet/pkg/errors"
)

func TestRegistryServerRoundTrip(t *testing.T) {
	server := NewRegistryServer(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	server.now = func() time.Time { return now }
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	provider := NewHTTPProvider(ts.URL + "/")
	ctx := context.Background()
	if err := provider.Register(ctx, Peer{ID: "w1", Role: "Worker", Addr: "10.0.0.1:7501"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := provider.Register(ctx, Peer{ID: "w2", Role: "worker", Addr: "10.0.0.2:7501"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	peers, err := provider.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if ids := IDs(peers); len(ids) != 2 || ids[0] != "w1" {
		t.Fatalf("unexpected peers %v", ids)
	}
	if peers[0].Role != "worker" || !peers[0].ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected entry %+v", peers[0])
	}

	if err := provider.Deregister(ctx, "w2"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := provider.Deregister(ctx, "w2"); err != nil {
		t.Fatalf("Deregister of a missing peer should be accepted: %v", err)
	}

	now = now.Add(2 * time.Minute)
	peers, err = provider.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected expired peers to be dropped, got %v", IDs(peers))
	}
}

func TestRegistryServerRejectsInvalidPeers(t *testing.T) {
	ts := httptest.NewServer(NewRegistryServer(0).Handler())
	defer ts.Close()
	provider := NewHTTPProvider(ts.URL)
	err := provider.Register(context.Background(), Peer{ID: "w1"})
	if !errors.Is(err, errors.CodeTransport) {
		t.Fatalf("expected TRANSPORT error for a peer without role, got %v", err)
	}
}

func TestRegistryServerAuth(t *testing.T) {
	server := NewRegistryServer(time.Minute)
	server.Token = "s3cret"
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	anonymous := NewHTTPProvider(ts.URL)
	if _, err := anonymous.List(context.Background()); err == nil {
		t.Fatalf("expected unauthorized error")
	}
	authed := NewHTTPProvider(ts.URL)
	authed.AuthToken = "s3cret"
	if err := authed.Register(context.Background(), Peer{ID: "w1", Role: "worker"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestHTTPProviderUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	_, err := NewHTTPProvider(ts.URL).List(context.Background())
	if !errors.Is(err, errors.CodeTransport) {
		t.Fatalf("expected TRANSPORT, got %v", err)
	}
	if peers, err := (*HTTPProvider)(nil).List(context.Background()); peers != nil || err != nil {
		t.Fatalf("nil provider lists nothing")
	}
}

func TestStartAutoRegister(t *testing.T) {
	server := NewRegistryServer(time.Minute)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	provider := NewHTTPProvider(ts.URL)

	stop, err := StartAutoRegister(context.Background(), provider, Peer{ID: "w1", Role: "worker"}, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("StartAutoRegister: %v", err)
	}
	peers, err := provider.List(context.Background())
	if err != nil || len(peers) != 1 {
		t.Fatalf("expected registered peer, got %v %v", peers, err)
	}
	stop()
	peers, err = provider.List(context.Background())
	if err != nil || len(peers) != 0 {
		t.Fatalf("expected peer removed on stop, got %v %v", IDs(peers), err)
	}

	if _, err := StartAutoRegister(context.Background(), nil, Peer{ID: "w1", Role: "worker"}, 0, nil); err == nil {
		t.Fatalf("expected error without provider")
	}
}
