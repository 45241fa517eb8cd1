package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/resilience"
)

const defaultTimeout = 10 * time.Second

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout. Rounds can take as long as
// both deadlines together, so contract calls need a generous value.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures retries of failed requests.
func WithRetry(rc resilience.RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = rc
	}
}

// Client calls the negotiation tools of a contractnet MCP server.
type Client struct {
	mcpClient client.MCPClient
	timeout   time.Duration
	retry     resilience.RetryConfig
}

// NewClient wraps an initialized mcp-go client.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	out := &Client{
		mcpClient: c,
		timeout:   defaultTimeout,
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(out)
	}
	out.retry = out.retry.WithIsRecoverable(func(err error) bool {
		return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
	})
	return out
}

// NewClientWithStdio starts command and talks to it over stdio.
func NewClientWithStdio(command string, args []string, opts ...ClientOption) (*Client, error) {
	c, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, errors.New(errors.CodeTransport, "start mcp server", err)
	}
	return initialize(c, opts)
}

// NewClientWithStreamableHTTP connects to a streamable HTTP endpoint.
func NewClientWithStreamableHTTP(url string, opts ...ClientOption) (*Client, error) {
	c, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, errors.New(errors.CodeTransport, "create mcp http client", err)
	}
	return initialize(c, opts)
}

// NewInProcessClient connects to s without any transport.
func NewInProcessClient(s *Server, opts ...ClientOption) (*Client, error) {
	c, err := client.NewInProcessClient(s.MCPServer())
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "create in-process client", err)
	}
	return initialize(c, opts)
}

func initialize(c *client.Client, opts []ClientOption) (*Client, error) {
	if err := c.Start(context.Background()); err != nil {
		_ = c.Close()
		return nil, errors.New(errors.CodeTransport, "start mcp client", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "contractnet-client",
		Version: "0.1.0",
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		_ = c.Close()
		return nil, errors.New(errors.CodeTransport, "initialize mcp session", err)
	}
	return NewClient(c, opts...), nil
}

// ListTools returns the tools the server offers.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := resilience.DoValue(ctx, c.retry, func() (*mcp.ListToolsResult, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.mcpClient.ListTools(reqCtx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// CallTool executes a tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return resilience.DoValue(ctx, c.retry, func() (*mcp.CallToolResult, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.mcpClient.CallTool(reqCtx, req)
	})
}

// ContractRequest is the input of the contract_task tool.
type ContractRequest struct {
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Role        string         `json:"role,omitempty"`
	Responders  []string       `json:"responders,omitempty"`
	Policy      string         `json:"policy,omitempty"`
	BidField    string         `json:"bid_field,omitempty"`
	MaxRounds   int            `json:"max_rounds,omitempty"`
}

// ContractTask runs a round on the server. The call is not retried since
// a round is not idempotent.
func (c *Client) ContractTask(ctx context.Context, req ContractRequest) (core.RoundResult, error) {
	args, err := toArgs(req)
	if err != nil {
		return core.RoundResult{}, err
	}
	var result core.RoundResult
	err = c.callOnce(ctx, ToolContractTask, args, &result)
	return result, err
}

// RoundResult fetches a stored result.
func (c *Client) RoundResult(ctx context.Context, roundID string) (core.RoundResult, error) {
	var result core.RoundResult
	res, err := c.CallTool(ctx, ToolRoundResult, map[string]interface{}{"round_id": roundID})
	if err != nil {
		return result, err
	}
	err = decodeToolResult(res, &result)
	return result, err
}

// ListRounds fetches stored results, newest first.
func (c *Client) ListRounds(ctx context.Context, status core.Status, limit int) ([]core.RoundResult, error) {
	args := map[string]interface{}{"limit": limit}
	if status != "" {
		args["status"] = string(status)
	}
	res, err := c.CallTool(ctx, ToolListRounds, args)
	if err != nil {
		return nil, err
	}
	var results []core.RoundResult
	err = decodeToolResult(res, &results)
	return results, err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

func (c *Client) callOnce(ctx context.Context, name string, args map[string]interface{}, out any) error {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.mcpClient.CallTool(reqCtx, req)
	if err != nil {
		return errors.New(errors.CodeTransport, "call "+name, err)
	}
	return decodeToolResult(res, out)
}

func toArgs(v any) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, "encode tool arguments", err)
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, "encode tool arguments", err)
	}
	return args, nil
}

func decodeToolResult(res *mcp.CallToolResult, out any) error {
	if res == nil {
		return errors.New(errors.CodeInternal, "mcp tool result is nil", nil)
	}
	text := extractTextContent(res.Content)
	if res.IsError {
		return errors.New(errors.CodeInternal, "mcp tool returned error: "+text, nil)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return errors.New(errors.CodeInternal, "decode tool result", err)
	}
	return nil
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
