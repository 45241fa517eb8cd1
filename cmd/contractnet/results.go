// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/store"
)

// runResults lists or shows stored round results.
func runResults(ctx context.Context, global globalFlags, cfg *config.Config, args []string) error {
	results, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer results.Close()
	return resultsCommand(ctx, newRenderer(os.Stdout, global), results, args)
}

func resultsCommand(ctx context.Context, out *renderer, results store.ResultStore, args []string) error {
	sub := "list"
	if len(args) > 0 && (args[0] == "list" || args[0] == "get") {
		sub, args = args[0], args[1:]
	}

	if sub == "get" {
		if len(args) != 1 {
			return NewInvalidArgumentError("results get", "expected exactly one round id")
		}
		result, err := results.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return out.round(result)
	}

	cmd := flag.NewFlagSet("results", flag.ContinueOnError)
	cmd.SetOutput(io.Discard)
	taskID := cmd.String("task", "", "Only rounds for this task id")
	initiator := cmd.String("initiator", "", "Only rounds started by this initiator")
	status := cmd.String("status", "", "Only rounds with a responder in this status")
	since := cmd.Duration("since", 0, "Only rounds finished within this window")
	limit := cmd.Int("limit", 20, "Maximum rounds to show")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("results", err.Error())
	}
	filter := store.Filter{
		TaskID:    *taskID,
		Initiator: *initiator,
		Status:    core.Status(*status),
		Limit:     *limit,
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	list, err := results.List(ctx, filter)
	if err != nil {
		return err
	}
	return out.rounds(list)
}
