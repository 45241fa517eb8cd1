package directory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/telemetry"
	"github.com/jllopis/contractnet/pkg/transport"
)

var _ transport.AddressBook = (*Resolver)(nil)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPollInterval sets the first wait between lookups while a role has no
// peers. Waits double up to max.
func WithPollInterval(interval, max time.Duration) ResolverOption {
	return func(r *Resolver) {
		if interval > 0 {
			r.interval = interval
		}
		if max >= r.interval {
			r.maxInterval = max
		}
	}
}

// WithCacheTTL sets how long a listing serves address lookups.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cacheTTL = ttl
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver aggregates providers in priority order. The first provider that
// lists a peer id wins.
type Resolver struct {
	providers   []Provider
	interval    time.Duration
	maxInterval time.Duration
	cacheTTL    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	cached   []Peer
	cachedAt time.Time
}

// NewResolver creates a resolver with providers in order of priority.
func NewResolver(providers []Provider, opts ...ResolverOption) (*Resolver, error) {
	filtered := make([]Provider, 0, len(providers))
	for _, provider := range providers {
		if provider != nil {
			filtered = append(filtered, provider)
		}
	}
	if len(filtered) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "no directory providers configured", nil)
	}
	r := &Resolver{
		providers:   filtered,
		interval:    100 * time.Millisecond,
		maxInterval: 2 * time.Second,
		cacheTTL:    2 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.LoggerOrDefault(r.logger)
	return r, nil
}

// List returns the live peers of every provider, deduplicated by id. A
// failing provider is skipped unless all of them fail.
func (r *Resolver) List(ctx context.Context) ([]Peer, error) {
	now := r.now()
	seen := map[string]struct{}{}
	var out []Peer
	var lastErr error
	failed := 0
	for _, provider := range r.providers {
		peers, err := provider.List(ctx)
		if err != nil {
			failed++
			lastErr = err
			r.logger.WarnContext(ctx, "directory.provider.failed", slog.String("error", err.Error()))
			continue
		}
		for _, p := range peers {
			if !p.valid() {
				continue
			}
			if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
				continue
			}
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			p.Role = normalizeRole(p.Role)
			out = append(out, p.clone())
		}
	}
	if failed == len(r.providers) {
		return nil, errors.New(errors.CodeTransport, "every directory provider failed", lastErr)
	}
	r.mu.Lock()
	r.cached = out
	r.cachedAt = now
	r.mu.Unlock()
	return out, nil
}

// Resolve implements Directory.
func (r *Resolver) Resolve(ctx context.Context, role string) (Peer, error) {
	peers, err := r.ResolveAll(ctx, role)
	if err != nil {
		return Peer{}, err
	}
	return peers[0], nil
}

// ResolveAll implements Directory. It polls the providers until a peer with
// role shows up or ctx ends.
func (r *Resolver) ResolveAll(ctx context.Context, role string) ([]Peer, error) {
	role = normalizeRole(role)
	wait := r.interval
	for {
		peers, err := r.List(ctx)
		if err == nil {
			var out []Peer
			for _, p := range peers {
				if p.Role == role {
					out = append(out, p)
				}
			}
			if len(out) > 0 {
				SortByID(out)
				return out, nil
			}
		}
		r.logger.DebugContext(ctx, "directory.resolve.waiting",
			slog.String("role", role),
			slog.Duration("wait", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errNoPeer(role, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
		if wait > r.maxInterval {
			wait = r.maxInterval
		}
	}
}

// Lookup implements transport.AddressBook.
func (r *Resolver) Lookup(ctx context.Context, peerID string) (string, error) {
	r.mu.Lock()
	fresh := r.cached != nil && r.now().Sub(r.cachedAt) < r.cacheTTL
	peers := r.cached
	r.mu.Unlock()

	if addr, ok := findAddr(peers, peerID); ok && fresh {
		return addr, nil
	}
	peers, err := r.List(ctx)
	if err != nil {
		return "", err
	}
	if addr, ok := findAddr(peers, peerID); ok {
		return addr, nil
	}
	return "", errors.New(errors.CodeNotFound, "unknown peer", nil).WithContext("peer", peerID)
}

func findAddr(peers []Peer, id string) (string, bool) {
	for _, p := range peers {
		if p.ID == id && p.Addr != "" {
			return p.Addr, true
		}
	}
	return "", false
}

// ProviderOrder returns the configured provider order or the default.
func ProviderOrder(order []string) []string {
	defaults := []string{"static", "registry", "dns"}
	out := make([]string, 0, len(order))
	seen := map[string]struct{}{}
	for _, item := range order {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return defaults
	}
	return out
}

// BuildProviders creates the providers cfg enables, in configured order.
func BuildProviders(cfg config.DirectoryConfig) []Provider {
	var providers []Provider
	for _, item := range ProviderOrder(cfg.Order) {
		switch item {
		case "static", "config":
			if len(cfg.Peers) > 0 {
				providers = append(providers, NewStaticProvider(cfg.Peers))
			}
		case "registry":
			if strings.TrimSpace(cfg.RegistryURL) != "" {
				provider := NewHTTPProvider(cfg.RegistryURL)
				provider.AuthToken = strings.TrimSpace(cfg.RegistryToken)
				providers = append(providers, provider)
			}
		case "dns":
			if strings.TrimSpace(cfg.DNSDomain) != "" {
				providers = append(providers, NewDNSProvider(cfg.DNSDomain, cfg.DNSServer, cfg.Roles))
			}
		}
	}
	return providers
}

// NewResolverFromConfig builds a resolver from directory settings.
func NewResolverFromConfig(cfg config.DirectoryConfig, logger *slog.Logger) (*Resolver, error) {
	poll := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	return NewResolver(BuildProviders(cfg),
		WithPollInterval(poll, 8*poll),
		WithResolverLogger(logger),
	)
}
