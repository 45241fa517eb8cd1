// Package directory resolves protocol roles to peers before a round starts.
// Directories may block until a peer with the requested role appears; they
// are never consulted while a round is running.
package directory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/contractnet/pkg/errors"
)

// Peer is a registered participant.
type Peer struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Addr      string            `json:"addr,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// Directory maps a role name to peers.
type Directory interface {
	// Resolve returns one peer with role, blocking until one is known or
	// ctx ends.
	Resolve(ctx context.Context, role string) (Peer, error)
	// ResolveAll returns every peer with role, blocking until at least one
	// is known or ctx ends.
	ResolveAll(ctx context.Context, role string) ([]Peer, error)
}

// Provider lists the peers a source currently knows about.
type Provider interface {
	List(ctx context.Context) ([]Peer, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) ([]Peer, error)

// List implements Provider.
func (f ProviderFunc) List(ctx context.Context) ([]Peer, error) { return f(ctx) }

// IDs returns the ids of peers, in order.
func IDs(peers []Peer) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.ID
	}
	return out
}

// SortByID sorts peers by id.
func SortByID(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func (p Peer) valid() bool {
	return strings.TrimSpace(p.ID) != "" && normalizeRole(p.Role) != ""
}

func (p Peer) clone() Peer {
	if p.Labels != nil {
		labels := make(map[string]string, len(p.Labels))
		for k, v := range p.Labels {
			labels[k] = v
		}
		p.Labels = labels
	}
	return p
}

func errNoPeer(role string, cause error) error {
	return errors.New(errors.CodeNotFound, "no peer for role", cause).WithContext("role", role)
}
