package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/telemetry"
)

const peersPath = "/v1/peers"

// HTTPProvider queries a registry server.
type HTTPProvider struct {
	BaseURL   string
	HTTP      *http.Client
	AuthToken string
}

// NewHTTPProvider creates a provider pointing at baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    http.DefaultClient,
	}
}

// List returns the live peers known to the registry.
func (p *HTTPProvider) List(ctx context.Context) ([]Peer, error) {
	if p == nil || p.BaseURL == "" {
		return nil, nil
	}
	resp, err := p.do(ctx, http.MethodGet, p.BaseURL+peersPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(errors.CodeTransport, "registry list failed: %s", resp.Status)
	}
	var out []Peer
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.New(errors.CodeTransport, "decode registry response", err)
	}
	return out, nil
}

// Register announces a peer; it must be refreshed before its TTL lapses.
func (p *HTTPProvider) Register(ctx context.Context, peer Peer) error {
	if p == nil || p.BaseURL == "" {
		return errors.New(errors.CodeInvalidArgument, "registry base url not configured", nil)
	}
	payload, err := json.Marshal(peer)
	if err != nil {
		return errors.New(errors.CodeInvalidArgument, "encode peer", err)
	}
	resp, err := p.do(ctx, http.MethodPost, p.BaseURL+peersPath, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return errors.Errorf(errors.CodeTransport, "registry register failed: %s", resp.Status)
	}
	return nil
}

// Deregister removes a peer from the registry.
func (p *HTTPProvider) Deregister(ctx context.Context, id string) error {
	if p == nil || p.BaseURL == "" {
		return errors.New(errors.CodeInvalidArgument, "registry base url not configured", nil)
	}
	resp, err := p.do(ctx, http.MethodDelete, p.BaseURL+peersPath+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return errors.Errorf(errors.CodeTransport, "registry deregister failed: %s", resp.Status)
	}
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, "build registry request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(p.AuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.New(errors.CodeTransport, "registry request", err).WithRecoverable(true)
	}
	return resp, nil
}

// RegistryServer is a small HTTP registry with TTL based expiry.
type RegistryServer struct {
	TTL   time.Duration
	Token string
	now   func() time.Time

	mu    sync.Mutex
	peers map[string]Peer
}

// NewRegistryServer builds a registry server. Entries expire ttl after
// their last registration.
func NewRegistryServer(ttl time.Duration) *RegistryServer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RegistryServer{
		TTL:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
		peers: map[string]Peer{},
	}
}

// Handler returns the HTTP handler for the registry API.
func (r *RegistryServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+peersPath, r.handleList)
	mux.HandleFunc("POST "+peersPath, r.handleRegister)
	mux.HandleFunc("DELETE "+peersPath+"/{id}", r.handleDeregister)
	return r.auth(mux)
}

// Serve runs the registry on addr until ctx ends.
func (r *RegistryServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.New(errors.CodeTransport, "registry server", err)
	}
	return nil
}

func (r *RegistryServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.Token != "" && req.Header.Get("Authorization") != "Bearer "+r.Token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RegistryServer) handleList(w http.ResponseWriter, _ *http.Request) {
	now := r.now()
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if now.After(p.ExpiresAt) {
			delete(r.peers, id)
			continue
		}
		out = append(out, p)
	}
	r.mu.Unlock()
	SortByID(out)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (r *RegistryServer) handleRegister(w http.ResponseWriter, req *http.Request) {
	var p Peer
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil || !p.valid() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.Role = normalizeRole(p.Role)
	p.ExpiresAt = r.now().Add(r.TTL)
	r.mu.Lock()
	r.peers[p.ID] = p
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *RegistryServer) handleDeregister(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	r.mu.Lock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const defaultHeartbeat = 10 * time.Second

// StartAutoRegister registers peer now and refreshes it every interval
// until the returned cancel func is called, which also deregisters it.
func StartAutoRegister(ctx context.Context, provider *HTTPProvider, peer Peer, interval time.Duration, logger *slog.Logger) (context.CancelFunc, error) {
	if provider == nil || provider.BaseURL == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "registry provider not configured", nil)
	}
	if !peer.valid() {
		return nil, errors.New(errors.CodeInvalidArgument, "peer needs an id and a role", nil)
	}
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	logger = telemetry.LoggerOrDefault(logger)
	ctx, cancel := context.WithCancel(ctx)

	register := func() {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Register(callCtx, peer); err != nil {
			logger.Warn("directory.registry.register.failed",
				slog.String("peer", peer.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				register()
			}
		}
	}()

	return func() {
		cancel()
		<-done
		callCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := provider.Deregister(callCtx, peer.ID); err != nil {
			logger.Debug("directory.registry.deregister.failed",
				slog.String("peer", peer.ID),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}
