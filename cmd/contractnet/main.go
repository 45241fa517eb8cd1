// SPDX-License-Identifier: Apache-2.0

// Command contractnet runs Contract Net negotiation nodes: simulated demos,
// gRPC participants and initiators, the peer registry and an MCP server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jllopis/contractnet/pkg/config"
)

var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	ConfigPath string
	Output     string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(global, err)
	}
	if global.Help || len(args) == 0 {
		printUsage(os.Stdout)
		return
	}

	cmd := args[0]
	switch cmd {
	case "help":
		printUsage(os.Stdout)
		return
	case "version":
		printVersion(os.Stdout)
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(global, NewConfigError(err, global.ConfigPath))
	}

	switch cmd {
	case "demo":
		err = runDemo(ctx, global, cfg, args[1:])
	case "node":
		err = runNode(ctx, global, cfg, args[1:])
	case "initiate":
		err = runInitiate(ctx, global, cfg, args[1:])
	case "registry":
		err = runRegistry(ctx, global, cfg, args[1:])
	case "results":
		err = runResults(ctx, global, cfg, args[1:])
	case "mcp":
		err = runMCP(ctx, global, cfg, args[1:])
	default:
		err = NewInvalidArgumentError(cmd, fmt.Sprintf("unknown command %q", cmd))
	}
	if err != nil {
		fatal(global, err)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config" || arg == "--set" || arg == "--profile":
			if i+1 >= len(args) {
				return flags, nil, NewInvalidArgumentError(arg, "missing value for "+arg)
			}
			if arg == "--config" {
				flags.ConfigPath = args[i+1]
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		case strings.HasPrefix(arg, "--set="), strings.HasPrefix(arg, "--profile="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		case arg == "--output" || arg == "-o":
			if i+1 >= len(args) {
				return flags, nil, NewInvalidArgumentError(arg, "missing value for --output")
			}
			flags.Output = args[i+1]
			i++
		case strings.HasPrefix(arg, "--output="):
			flags.Output = strings.TrimPrefix(arg, "--output=")
		default:
			return flags, nil, NewInvalidArgumentError(arg, fmt.Sprintf("unknown global flag %q", arg))
		}
	}
	switch flags.Output {
	case "", "table", "yaml", "json":
	default:
		return flags, nil, NewInvalidArgumentError("--output", fmt.Sprintf("unknown output format %q", flags.Output))
	}
	return flags, nil, nil
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `contractnet: Contract Net negotiation nodes

Usage:
  contractnet [global flags] <command> [args]

Global flags:
  --config <path>        YAML configuration file
  --profile <name>       Overlay config.<name>.yaml on --config
  --set key=value        Override config (repeatable)
  --output <format>      table, yaml or json (default: table on a terminal, yaml otherwise)
  --json                 Shorthand for --output json

Commands:
  demo      [--responders N] [--refuse R] [--fail R] [--silent R] [--seed N] [--policy P]
  node      [--id ID] [--role ROLE] [--listen ADDR] [--cost N] [--jitter N] [--kinds a,b] [--work DUR]
  initiate  (--role ROLE | --peer ID...) [--kind K] [--description D] [--payload k=v...] [--policy P] [--retry]
  registry  [--listen ADDR] [--ttl DUR] [--token T]
  results   [list] [--task ID] [--status S] [--since DUR] [--limit N]
  results   get <round_id>
  mcp       [serve] [--workers N]
  mcp       tools --url URL
  version
  help`)
}

func fatal(global globalFlags, err error) {
	asCLIError(err).Print(os.Stderr, global.JSON || global.Output == "json")
	os.Exit(1)
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
