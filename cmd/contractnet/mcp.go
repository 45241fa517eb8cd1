// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	cnetmcp "github.com/jllopis/contractnet/pkg/mcp"
	"github.com/jllopis/contractnet/pkg/runtime"
)

// runMCP serves the negotiation tools over MCP, or talks to a running
// server with the tools and contract subcommands.
func runMCP(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	sub := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "tools" || args[0] == "contract") {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "tools":
		return runMCPTools(ctx, global, args)
	case "contract":
		return runMCPContract(ctx, global, args)
	}

	cmd := flag.NewFlagSet("mcp serve", flag.ContinueOnError)
	transportName := cmd.String("transport", cfg.MCP.Transport, "stdio or http")
	addr := cmd.String("addr", cfg.MCP.Addr, "Listen address for the http transport")
	workers := cmd.Int("workers", 3, "Simulated workers started when transport.kind is bus")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("mcp", err.Error())
	}
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

	if env.bus != nil && *workers > 0 {
		mix := workerMix{Count: *workers, Seed: time.Now().UnixNano(), Role: workerRole}
		plans, err := mix.plan()
		if err != nil {
			return err
		}
		stopWorkers, err := startWorkers(ctx, env, mix, plans)
		if err != nil {
			return err
		}
		defer stopWorkers()
	}

	initiator, err := env.newInitiator(ctx, defaults)
	if err != nil {
		return err
	}
	defer initiator.Stop()

	if global.ConfigPath != "" {
		watcher, err := config.NewWatcherFromCLI(global.ConfigArgs, config.WithWatchLogger(logger))
		if err != nil {
			logger.Warn("cli.config.watch.disabled", slog.String("error", err.Error()))
		} else {
			initiator.WatchConfig(watcher)
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	srv := cnetmcp.NewServer(cfg.Telemetry.ServiceName, version, initiator, env.results,
		cnetmcp.WithServerLogger(logger))
	switch *transportName {
	case "http":
		logger.Info("cli.mcp.serve", slog.String("transport", "http"), slog.String("addr", *addr))
		return srv.ServeHTTP(ctx, *addr)
	case "stdio":
		logger.Info("cli.mcp.serve", slog.String("transport", "stdio"))
		return srv.ServeStdio()
	default:
		return NewInvalidArgumentError("--transport", fmt.Sprintf("unknown mcp transport %q", *transportName))
	}
}

func runMCPTools(ctx context.Context, global globalFlags, args []string) error {
	cmd := flag.NewFlagSet("mcp tools", flag.ContinueOnError)
	url := cmd.String("url", "http://localhost:7401/mcp", "Streamable HTTP endpoint")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("mcp tools", err.Error())
	}
	client, err := cnetmcp.NewClientWithStreamableHTTP(*url)
	if err != nil {
		return err
	}
	defer client.Close()
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}

	out := newRenderer(os.Stdout, global)
	if out.format != "table" {
		type toolView struct {
			Name        string `json:"name" yaml:"name"`
			Description string `json:"description" yaml:"description"`
		}
		views := make([]toolView, len(tools))
		for i, tool := range tools {
			views[i] = toolView{Name: tool.Name, Description: tool.Description}
		}
		if out.format == "json" {
			return out.json(views)
		}
		return out.yaml(views)
	}
	w := newTabWriter(out)
	writeRow(w, "TOOL", "DESCRIPTION")
	for _, tool := range tools {
		writeRow(w, tool.Name, tool.Description)
	}
	return w.Flush()
}

func runMCPContract(ctx context.Context, global globalFlags, args []string) error {
	cmd := flag.NewFlagSet("mcp contract", flag.ContinueOnError)
	var peers, payload multiFlag
	url := cmd.String("url", "http://localhost:7401/mcp", "Streamable HTTP endpoint")
	kind := cmd.String("kind", "", "Task kind")
	description := cmd.String("description", "", "Task description")
	role := cmd.String("role", "", "Contract every peer with this role")
	cmd.Var(&peers, "peer", "Responder id (repeatable)")
	cmd.Var(&payload, "payload", "Task payload key=value (repeatable)")
	policy := cmd.String("policy", "", "Acceptance policy")
	maxRounds := cmd.Int("max-rounds", 0, "Retry with a narrowed responder set up to this many rounds")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("mcp contract", err.Error())
	}
	taskPayload, err := parsePayload(payload)
	if err != nil {
		return err
	}
	client, err := cnetmcp.NewClientWithStreamableHTTP(*url)
	if err != nil {
		return err
	}
	defer client.Close()
	result, err := client.ContractTask(ctx, cnetmcp.ContractRequest{
		Kind:        *kind,
		Description: *description,
		Payload:     taskPayload,
		Role:        *role,
		Responders:  peers,
		Policy:      *policy,
		MaxRounds:   *maxRounds,
	})
	if err != nil {
		return err
	}
	return newRenderer(os.Stdout, global).round(result)
}
