package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool is one callable tool exposed by the proxy. Handler calls back
// through the client session.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     func(ctx context.Context, input json.RawMessage) (string, error)
}

// Client talks to an MCP tool proxy using the official MCP Go SDK.
type Client struct {
	client  *mcp.Client
	session *mcp.ClientSession
}

// Dial spawns the proxy subprocess and returns a connected client. The
// proxy is started as `command url`: the upstream URL is its single
// argument. The SDK performs the initialize handshake during Connect.
func Dial(ctx context.Context, command, url string) (*Client, error) {
	if command == "" {
		return nil, fmt.Errorf("toolproxy: proxy command is empty")
	}

	args := []string{}
	if url != "" {
		args = append(args, url)
	}

	transport := &mcp.CommandTransport{
		Command: exec.Command(command, args...), //nolint:gosec // command comes from operator config
	}

	return dialTransport(ctx, transport)
}

// DialSSE connects directly to an SSE-based MCP endpoint, bypassing the
// local proxy subprocess.
func DialSSE(ctx context.Context, url string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("toolproxy: SSE URL is empty")
	}

	return dialTransport(ctx, &mcp.SSEClientTransport{Endpoint: url})
}

// dialTransport connects over any transport. Split out so tests can use
// in-memory transports.
func dialTransport(ctx context.Context, transport mcp.Transport) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "courier",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolproxy: connect: %w", err)
	}

	return &Client{client: client, session: session}, nil
}

// ListTools fetches the proxy's tool list. Each returned Tool carries a
// Handler closure that routes back through CallTool.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("toolproxy: list tools: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, sdkTool := range result.Tools {
		t, err := fromSDKTool(sdkTool, c)
		if err != nil {
			return nil, fmt.Errorf("toolproxy: convert tool %q: %w", sdkTool.Name, err)
		}
		tools = append(tools, t)
	}

	return tools, nil
}

// CallTool invokes a named tool on the proxy
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", fmt.Errorf("toolproxy: unmarshal arguments: %w", err)
		}
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("toolproxy: call tool: %w", err)
	}

	text := extractText(result)

	if result.IsError {
		return "", fmt.Errorf("toolproxy: tool error: %s", text)
	}

	return text, nil
}

// Close terminates the session. Closing the session shuts down the
// proxy subprocess: the SDK closes stdin, waits, and escalates through
// SIGTERM/SIGKILL.
func (c *Client) Close() error {
	return c.session.Close()
}

func fromSDKTool(sdkTool *mcp.Tool, c *Client) (Tool, error) {
	schemaBytes, err := json.Marshal(sdkTool.InputSchema)
	if err != nil {
		return Tool{}, fmt.Errorf("marshal input schema: %w", err)
	}

	name := sdkTool.Name

	return Tool{
		Name:        sdkTool.Name,
		Description: sdkTool.Description,
		InputSchema: json.RawMessage(schemaBytes),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			return c.CallTool(ctx, name, input)
		},
	}, nil
}

// extractText joins all TextContent items from a result with newlines
func extractText(result *mcp.CallToolResult) string {
	var texts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	return strings.Join(texts, "\n")
}
