// Package mcp exposes negotiation rounds as Model Context Protocol tools and
// provides a typed client for them.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/contractnet/pkg/contractnet"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/resilience"
	"github.com/jllopis/contractnet/pkg/runtime"
	"github.com/jllopis/contractnet/pkg/store"
	"github.com/jllopis/contractnet/pkg/telemetry"
)

const (
	ToolContractTask = "contract_task"
	ToolRoundResult  = "round_result"
	ToolListRounds   = "list_rounds"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// Server serves the negotiation tools. Without an initiator only the result
// lookups are available.
type Server struct {
	mcpServer *server.MCPServer
	initiator *runtime.Initiator
	results   store.ResultStore
	logger    *slog.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(name, version string, initiator *runtime.Initiator, results store.ResultStore, opts ...ServerOption) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		initiator: initiator,
		results:   results,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = telemetry.LoggerOrDefault(s.logger)

	s.mcpServer.AddTool(mcp.NewTool(ToolContractTask,
		mcp.WithDescription("Run a Contract Net round for a task and return its result"),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Task kind offered to responders")),
		mcp.WithString("description", mcp.Description("Human readable task description")),
		mcp.WithObject("payload", mcp.Description("Task payload sent with the call for proposals")),
		mcp.WithString("role", mcp.Description("Invite every peer with this role")),
		mcp.WithArray("responders", mcp.Description("Explicit responder ids, used when role is empty"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("policy", mcp.Description("accept_all, lowest_bid or highest_bid")),
		mcp.WithString("bid_field", mcp.Description("Bid field compared by lowest_bid and highest_bid")),
		mcp.WithNumber("max_rounds", mcp.Description("Retry with a narrowed responder set up to this many rounds")),
	), s.handleContractTask)

	s.mcpServer.AddTool(mcp.NewTool(ToolRoundResult,
		mcp.WithDescription("Look up the stored result of a round"),
		mcp.WithString("round_id", mcp.Required(), mcp.Description("Round id")),
	), s.handleRoundResult)

	s.mcpServer.AddTool(mcp.NewTool(ToolListRounds,
		mcp.WithDescription("List stored round results, newest first"),
		mcp.WithString("task_id", mcp.Description("Only rounds for this task")),
		mcp.WithString("status", mcp.Description("Only rounds where a responder ended with this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
	), s.handleListRounds)
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves on stdin and stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx ends.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
		return errors.New(errors.CodeTransport, "mcp http server", err)
	}
	return nil
}

func (s *Server) handleContractTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.initiator == nil {
		return mcp.NewToolResultError("this server cannot start rounds"), nil
	}
	args, _ := request.Params.Arguments.(map[string]interface{})
	kind := stringArg(args, "kind")
	if kind == "" {
		return mcp.NewToolResultError("kind is required"), nil
	}
	payload, _ := args["payload"].(map[string]interface{})
	task := core.NewTask(kind, stringArg(args, "description"), payload)

	var opts []contractnet.Option
	if name := stringArg(args, "policy"); name != "" {
		policy, ok := contractnet.PolicyByName(name, stringArg(args, "bid_field"))
		if !ok {
			return mcp.NewToolResultError("unknown policy " + name), nil
		}
		opts = append(opts, contractnet.WithPolicy(policy))
	}

	responders := stringsArg(args, "responders")
	role := stringArg(args, "role")
	s.logger.InfoContext(ctx, "mcp.contract_task",
		slog.String("task_id", task.ID),
		slog.String("role", role),
		slog.Int("responders", len(responders)),
	)

	var (
		result core.RoundResult
		err    error
	)
	switch {
	case role != "" && len(responders) == 0:
		result, err = s.initiator.ContractRole(ctx, task, role, opts...)
	case len(responders) == 0:
		return mcp.NewToolResultError("either role or responders is required"), nil
	case intArg(args, "max_rounds") > 1:
		retry := resilience.DefaultRetryConfig().WithMaxAttempts(intArg(args, "max_rounds"))
		var results []core.RoundResult
		results, err = s.initiator.ContractWithRetry(ctx, task, responders, retry, opts...)
		if len(results) > 0 {
			result, err = results[len(results)-1], nil
		}
	default:
		result, err = s.initiator.Contract(ctx, task, responders, opts...)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleRoundResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	id := stringArg(args, "round_id")
	if id == "" {
		return mcp.NewToolResultError("round_id is required"), nil
	}
	if s.results == nil {
		return mcp.NewToolResultError("no result store configured"), nil
	}
	result, err := s.results.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleListRounds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	if s.results == nil {
		return mcp.NewToolResultError("no result store configured"), nil
	}
	results, err := s.results.List(ctx, store.Filter{
		TaskID: stringArg(args, "task_id"),
		Status: core.Status(stringArg(args, "status")),
		Limit:  intArg(args, "limit"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if results == nil {
		results = []core.RoundResult{}
	}
	return jsonResult(results)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode tool result", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func stringsArg(args map[string]interface{}, key string) []string {
	var raw []interface{}
	switch v := args[key].(type) {
	case []interface{}:
		raw = v
	case []string:
		for _, item := range v {
			raw = append(raw, item)
		}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
