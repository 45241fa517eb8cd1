// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/directory"
	"github.com/jllopis/contractnet/pkg/resilience"
	"github.com/jllopis/contractnet/pkg/runtime"
	"github.com/jllopis/contractnet/pkg/store"
	"github.com/jllopis/contractnet/pkg/telemetry"
	"github.com/jllopis/contractnet/pkg/transport"
)

// nodeEnv holds what every long-running command needs: a transport, a way
// to find peers and a place to keep results.
type nodeEnv struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport transport.Transport
	bus       *transport.Bus
	registry  *directory.Registry
	directory directory.Directory
	results   store.ResultStore
	metrics   *telemetry.RoundMetrics
	closers   []func()
}

// setupLogging installs the configured slog handler on stderr, leaving
// stdout for command output.
func setupLogging(cfg *config.Config) *slog.Logger {
	return telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}

// setupTelemetry initialises OpenTelemetry, falling back to no exporter
// when the configured one cannot start.
func setupTelemetry(cfg *config.Config, logger *slog.Logger) telemetry.ShutdownFunc {
	tcfg := telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		NodeID:       cfg.Node.ID,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		OTLPTimeout:  time.Duration(cfg.Telemetry.OTLPTimeoutSeconds) * time.Second,
	}
	shutdown, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, tcfg)
	if err != nil {
		logger.Warn("cli.telemetry.disabled", slog.String("error", err.Error()))
		shutdown, _ = telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, telemetry.Config{Exporter: "none"})
	}
	return shutdown
}

// openNode builds the transport named by transport.kind. The bus comes with
// an in-memory registry; gRPC nodes serve on node.listen_addr and find peers
// through the configured directory providers.
func openNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*nodeEnv, error) {
	results, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewRoundMetrics(ctx)
	if err != nil {
		_ = results.Close()
		return nil, err
	}
	env := &nodeEnv{cfg: cfg, logger: logger, results: results, metrics: metrics}
	env.closers = append(env.closers, func() { _ = results.Close() })

	switch cfg.Transport.Kind {
	case "grpc":
		if err := env.openGRPC(ctx); err != nil {
			env.Close()
			return nil, err
		}
	default:
		env.bus = transport.NewBus(
			transport.WithDropRate(cfg.Transport.DropRate),
			transport.WithBusLogger(logger),
		)
		env.registry = directory.NewRegistry()
		env.transport = env.bus
		env.directory = env.registry
		env.closers = append(env.closers, env.bus.Close)
	}
	return env, nil
}

func (e *nodeEnv) openGRPC(ctx context.Context) error {
	resolver, err := directory.NewResolverFromConfig(e.cfg.Directory, e.logger)
	if err != nil {
		return NewDirectoryError(err)
	}
	tcfg := e.cfg.Transport
	retry := resilience.DefaultRetryConfig().WithMaxAttempts(tcfg.RetryAttempts)
	opts := []transport.GRPCOption{
		transport.WithSendTimeout(time.Duration(tcfg.SendTimeoutMs) * time.Millisecond),
		transport.WithRetry(retry.WithIsRecoverable(transport.Unavailable)),
		transport.WithGRPCLogger(e.logger),
	}
	if tcfg.BreakerThreshold > 0 {
		opts = append(opts, transport.WithBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: tcfg.BreakerThreshold,
			SuccessThreshold: 1,
			Timeout:          time.Duration(tcfg.BreakerTimeoutSeconds) * time.Second,
		}))
	}
	g := transport.NewGRPC(resolver, opts...)

	lis, err := net.Listen("tcp", e.cfg.Node.ListenAddr)
	if err != nil {
		_ = g.Close()
		return WrapListenError(err, e.cfg.Node.ListenAddr)
	}
	server := grpc.NewServer()
	g.Register(server)
	go func() {
		if err := server.Serve(lis); err != nil {
			e.logger.Error("cli.grpc.serve.failed", slog.String("error", err.Error()))
		}
	}()
	e.logger.Info("cli.grpc.listening", slog.String("addr", lis.Addr().String()))

	e.transport = g
	e.directory = resolver
	e.closers = append(e.closers, func() {
		server.GracefulStop()
		_ = g.Close()
	})

	dcfg := e.cfg.Directory
	if dcfg.AutoRegister && dcfg.RegistryURL != "" {
		provider := directory.NewHTTPProvider(dcfg.RegistryURL)
		provider.AuthToken = dcfg.RegistryToken
		stop, err := directory.StartAutoRegister(ctx, provider, e.self(lis.Addr().String()),
			time.Duration(dcfg.HeartbeatSeconds)*time.Second, e.logger)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, stop)
	}
	return nil
}

// self describes this node for the registry. The advertised address wins
// over the bound one.
func (e *nodeEnv) self(bound string) directory.Peer {
	addr := e.cfg.Node.AdvertiseAddr
	if addr == "" {
		addr = bound
	}
	return directory.Peer{ID: e.cfg.Node.ID, Role: e.cfg.Node.Role, Addr: addr}
}

// newInitiator creates and starts an initiator wired to the node's store,
// directory and metrics.
func (e *nodeEnv) newInitiator(ctx context.Context, defaults runtime.Defaults) (*runtime.Initiator, error) {
	initiator, err := runtime.NewInitiator(e.cfg.Node.ID, e.transport,
		runtime.WithDirectory(e.directory),
		runtime.WithStore(e.results),
		runtime.WithMetrics(e.metrics),
		runtime.WithDefaults(defaults),
		runtime.WithInitiatorLogger(e.logger),
		runtime.WithEmitter(core.EventEmitterFunc(func(ctx context.Context, ev core.Event) {
			e.logger.DebugContext(ctx, string(ev.Type),
				slog.String("round_id", ev.RoundID),
				slog.String("task_id", ev.TaskID),
			)
		})),
	)
	if err != nil {
		return nil, err
	}
	if err := initiator.Start(ctx); err != nil {
		return nil, err
	}
	return initiator, nil
}

// Close releases resources in reverse order of acquisition.
func (e *nodeEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
