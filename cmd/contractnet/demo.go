// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/runtime"
)

const workerRole = "worker"

type demoOptions struct {
	Mix         workerMix
	Kind        string
	Description string
	Payload     map[string]any
}

func runDemo(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	count := cmd.Int("responders", 5, "Number of simulated workers")
	refuse := cmd.Float64("refuse", 0.2, "Share of workers that refuse")
	fail := cmd.Float64("fail", 0.2, "Share of accepted workers that fail")
	silent := cmd.Float64("silent", 0, "Share of workers that never answer")
	seed := cmd.Int64("seed", time.Now().UnixNano(), "Random seed for behaviours and bids")
	work := cmd.Duration("work", 50*time.Millisecond, "Simulated work per accepted task")
	kind := cmd.String("kind", "transport", "Task kind")
	description := cmd.String("description", "move 10 crates from A to B", "Task description")
	policy := cmd.String("policy", cfg.Negotiation.Policy, "Acceptance policy: accept_all, lowest_bid, highest_bid")
	cfpTimeout := cmd.Duration("cfp-timeout", 2*time.Second, "Proposal deadline")
	completionTimeout := cmd.Duration("completion-timeout", 5*time.Second, "Completion deadline")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("demo", err.Error())
	}

	cfg.Negotiation.Policy = *policy
	cfg.Negotiation.CFPTimeoutMs = int(cfpTimeout.Milliseconds())
	cfg.Negotiation.CompletionTimeoutMs = int(completionTimeout.Milliseconds())

	logger := setupLogging(cfg)
	shutdown := setupTelemetry(cfg, logger)
	defer func() { _ = shutdown(context.Background()) }()

	result, err := demoRound(ctx, cfg, logger, demoOptions{
		Mix: workerMix{
			Count:  *count,
			Refuse: *refuse,
			Fail:   *fail,
			Silent: *silent,
			Seed:   *seed,
			Role:   workerRole,
			Work:   *work,
		},
		Kind:        *kind,
		Description: *description,
	})
	if err != nil {
		return err
	}
	return newRenderer(os.Stdout, global).round(result)
}

// demoRound runs one round over an in-process bus against simulated
// workers and returns the recorded result.
func demoRound(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts demoOptions) (core.RoundResult, error) {
	if cfg.Transport.Kind != "bus" {
		logger.Info("cli.demo.bus", slog.String("configured", cfg.Transport.Kind))
		cfg.Transport.Kind = "bus"
	}
	defaults, err := runtime.DefaultsFromConfig(cfg.Negotiation)
	if err != nil {
		return core.RoundResult{}, err
	}
	plans, err := opts.Mix.plan()
	if err != nil {
		return core.RoundResult{}, err
	}

	env, err := openNode(ctx, cfg, logger)
	if err != nil {
		return core.RoundResult{}, err
	}
	defer env.Close()

	stopWorkers, err := startWorkers(ctx, env, opts.Mix, plans)
	if err != nil {
		return core.RoundResult{}, err
	}
	defer stopWorkers()

	initiator, err := env.newInitiator(ctx, defaults)
	if err != nil {
		return core.RoundResult{}, err
	}
	defer initiator.Stop()

	task := core.NewTask(opts.Kind, opts.Description, opts.Payload)
	logger.Info("cli.demo.start",
		slog.String("task_id", task.ID),
		slog.Int("workers", len(plans)),
		slog.String("policy", defaults.PolicyName),
	)
	return initiator.ContractRole(ctx, task, opts.Mix.Role)
}
