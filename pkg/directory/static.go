package directory

import (
	"context"
	"strings"

	"github.com/jllopis/contractnet/pkg/config"
)

// StaticProvider lists peers from configuration.
type StaticProvider struct {
	Peers []Peer
}

// NewStaticProvider builds a provider from configured peers.
func NewStaticProvider(peers []config.PeerConfig) *StaticProvider {
	provider := &StaticProvider{}
	for _, pc := range peers {
		p := Peer{
			ID:     strings.TrimSpace(pc.ID),
			Role:   normalizeRole(pc.Role),
			Addr:   strings.TrimSpace(pc.Addr),
			Labels: pc.Labels,
		}
		if !p.valid() {
			continue
		}
		provider.Peers = append(provider.Peers, p.clone())
	}
	return provider
}

// List implements Provider.
func (p *StaticProvider) List(_ context.Context) ([]Peer, error) {
	if p == nil {
		return nil, nil
	}
	out := make([]Peer, len(p.Peers))
	for i, peer := range p.Peers {
		out[i] = peer.clone()
	}
	return out, nil
}
