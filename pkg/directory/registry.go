package directory

import (
	"context"
	"sync"

	"github.com/jllopis/contractnet/pkg/errors"
)

// Registry is an in-memory directory. Resolve blocks until a peer with the
// requested role registers.
type Registry struct {
	mu      sync.Mutex
	peers   map[string]Peer
	changed chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]Peer),
		changed: make(chan struct{}),
	}
}

// Register adds or replaces a peer and wakes blocked resolvers.
func (r *Registry) Register(p Peer) error {
	if !p.valid() {
		return errors.New(errors.CodeInvalidArgument, "peer needs an id and a role", nil)
	}
	p.Role = normalizeRole(p.Role)
	r.mu.Lock()
	r.peers[p.ID] = p.clone()
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return nil
}

// Deregister removes a peer.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// List implements Provider.
func (r *Registry) List(_ context.Context) ([]Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	SortByID(out)
	return out, nil
}

// Resolve implements Directory.
func (r *Registry) Resolve(ctx context.Context, role string) (Peer, error) {
	peers, err := r.ResolveAll(ctx, role)
	if err != nil {
		return Peer{}, err
	}
	return peers[0], nil
}

// ResolveAll implements Directory.
func (r *Registry) ResolveAll(ctx context.Context, role string) ([]Peer, error) {
	role = normalizeRole(role)
	for {
		r.mu.Lock()
		var out []Peer
		for _, p := range r.peers {
			if p.Role == role {
				out = append(out, p.clone())
			}
		}
		changed := r.changed
		r.mu.Unlock()

		if len(out) > 0 {
			SortByID(out)
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, errNoPeer(role, ctx.Err())
		case <-changed:
		}
	}
}
