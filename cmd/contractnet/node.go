// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/directory"
	"github.com/jllopis/contractnet/pkg/resilience"
	"github.com/jllopis/contractnet/pkg/runtime"
)

// runNode serves a participant until interrupted.
func runNode(ctx context.Context, _ globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("node", flag.ContinueOnError)
	id := cmd.String("id", cfg.Node.ID, "Participant id")
	role := cmd.String("role", workerRole, "Role registered in the directory")
	listen := cmd.String("listen", cfg.Node.ListenAddr, "gRPC listen address")
	advertise := cmd.String("advertise", cfg.Node.AdvertiseAddr, "Address other nodes dial")
	cost := cmd.Float64("cost", 10, "Base bid cost")
	jitter := cmd.Float64("jitter", 0, "Random amount added to each bid")
	kinds := cmd.String("kinds", "", "Comma separated task kinds to bid on (default all)")
	work := cmd.Duration("work", 0, "Simulated time spent on each accepted task")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("node", err.Error())
	}

	cfg.Node.ID = *id
	cfg.Node.Role = *role
	cfg.Node.ListenAddr = *listen
	cfg.Node.AdvertiseAddr = *advertise
	cfg.Transport.Kind = "grpc"

	logger := setupLogging(cfg)
	shutdown := setupTelemetry(cfg, logger)
	defer func() { _ = shutdown(context.Background()) }()

	env, err := openNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	participant, err := runtime.NewParticipant(cfg.Node.ID, env.transport,
		kindBidder(*cost, *jitter, splitList(*kinds)),
		sleepPerformer(cfg.Node.ID, *work),
		runtime.WithParticipantLogger(logger),
	)
	if err != nil {
		return err
	}
	logger.Info("cli.node.start",
		slog.String("id", cfg.Node.ID),
		slog.String("role", cfg.Node.Role),
		slog.String("listen", cfg.Node.ListenAddr),
	)
	return participant.Run(ctx)
}

// kindBidder bids cost plus up to jitter for the listed task kinds and
// refuses everything else. An empty list accepts every kind.
func kindBidder(cost, jitter float64, kinds []string) runtime.Bidder {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return runtime.BidderFunc(func(_ context.Context, task core.Task) (map[string]any, bool, error) {
		if len(kinds) > 0 && !containsString(kinds, task.Kind) {
			return nil, false, nil
		}
		bid := cost
		if jitter > 0 {
			bid += rng.Float64() * jitter
		}
		return map[string]any{"cost": bid}, true, nil
	})
}

func sleepPerformer(id string, work time.Duration) runtime.Performer {
	return runtime.PerformerFunc(func(ctx context.Context, task core.Task, _ map[string]any) (string, error) {
		select {
		case <-time.After(work):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return fmt.Sprintf("%s finished task %s", id, task.ID), nil
	})
}

// runInitiate runs one round over gRPC and prints its result.
func runInitiate(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("initiate", flag.ContinueOnError)
	var peers, payload multiFlag
	role := cmd.String("role", "", "Contract every peer with this role")
	cmd.Var(&peers, "peer", "Responder id (repeatable)")
	kind := cmd.String("kind", "", "Task kind")
	description := cmd.String("description", "", "Task description")
	cmd.Var(&payload, "payload", "Task payload key=value (repeatable)")
	policy := cmd.String("policy", cfg.Negotiation.Policy, "Acceptance policy")
	retry := cmd.Bool("retry", false, "Run further rounds without failed responders until one completes")
	listen := cmd.String("listen", cfg.Node.ListenAddr, "gRPC listen address for replies")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("initiate", err.Error())
	}
	if (*role == "") == (len(peers) == 0) {
		return NewInvalidArgumentError("initiate", "give either --role or at least one --peer")
	}
	taskPayload, err := parsePayload(payload)
	if err != nil {
		return err
	}

	cfg.Negotiation.Policy = *policy
	cfg.Node.ListenAddr = *listen
	cfg.Transport.Kind = "grpc"
	defaults, err := runtime.DefaultsFromConfig(cfg.Negotiation)
	if err != nil {
		return err
	}

	logger := setupLogging(cfg)
	shutdown := setupTelemetry(cfg, logger)
	defer func() { _ = shutdown(context.Background()) }()

	env, err := openNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	initiator, err := env.newInitiator(ctx, defaults)
	if err != nil {
		return err
	}
	defer initiator.Stop()

	responders := []string(peers)
	if *role != "" {
		resolveCtx, cancel := context.WithTimeout(ctx, defaults.CFPTimeout)
		peersFound, err := env.directory.ResolveAll(resolveCtx, *role)
		cancel()
		if err != nil {
			return err
		}
		responders = nil
		for _, p := range peersFound {
			if p.ID != cfg.Node.ID {
				responders = append(responders, p.ID)
			}
		}
	}

	task := core.NewTask(*kind, *description, taskPayload)
	out := newRenderer(os.Stdout, global)
	if !*retry {
		result, err := initiator.Contract(ctx, task, responders)
		if err != nil {
			return err
		}
		return out.round(result)
	}
	results, err := initiator.ContractWithRetry(ctx, task, responders, resilience.DefaultRetryConfig())
	for _, result := range results {
		if rerr := out.round(result); rerr != nil {
			return rerr
		}
	}
	return err
}

// parsePayload turns key=value pairs into a payload. Numbers and booleans
// keep their type.
func parsePayload(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, NewInvalidArgumentError("--payload", fmt.Sprintf("expected key=value, got %q", pair))
		}
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			out[key] = n
		} else if b, err := strconv.ParseBool(raw); err == nil {
			out[key] = b
		} else {
			out[key] = raw
		}
	}
	return out, nil
}

// runRegistry serves the HTTP peer registry until interrupted.
func runRegistry(ctx context.Context, _ globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("registry", flag.ContinueOnError)
	listen := cmd.String("listen", defaultRegistryAddr(cfg), "HTTP listen address")
	ttl := cmd.Duration("ttl", time.Duration(cfg.Directory.TTLSeconds)*time.Second, "Registration lifetime without a heartbeat")
	token := cmd.String("token", cfg.Directory.RegistryToken, "Bearer token required from clients")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("registry", err.Error())
	}

	logger := setupLogging(cfg)
	server := directory.NewRegistryServer(*ttl)
	server.Token = *token
	logger.Info("cli.registry.start", slog.String("addr", *listen), slog.Duration("ttl", *ttl))
	if err := server.Serve(ctx, *listen); err != nil {
		return WrapListenError(err, *listen)
	}
	return nil
}

func defaultRegistryAddr(cfg *config.Config) string {
	if cfg.Directory.RegistryAddr != "" {
		return cfg.Directory.RegistryAddr
	}
	return ":7402"
}

func containsString(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
