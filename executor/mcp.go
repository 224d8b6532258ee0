// mcp.go connects the lifecycle manager to MCP (Model Context Protocol)
// servers: an MCPInvoker owns one connected client and routes each request's
// tool id and params to the server's tool of the same name.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"toolagent/lifecycle"
	"toolagent/logger"
)

const mcpProtocolVersion = "2024-11-05"

// MCPInvoker executes requests against a connected MCP server.
type MCPInvoker struct {
	client      *client.Client
	serverName  string
	callTimeout time.Duration
	logger      logger.Logger
}

// MCPOption configures an MCPInvoker.
type MCPOption func(*MCPInvoker)

// WithCallTimeout bounds each individual tool call.
func WithCallTimeout(timeout time.Duration) MCPOption {
	return func(m *MCPInvoker) {
		m.callTimeout = timeout
	}
}

// NewStdioMCPInvoker spawns an MCP server subprocess and performs the
// initialize handshake. The returned invoker owns the connection; callers
// must Close it when done.
func NewStdioMCPInvoker(ctx context.Context, log logger.Logger, command string, env []string, args []string, options ...MCPOption) (*MCPInvoker, error) {
	if log == nil {
		log = logger.NewNoop()
	}
	log.Debug("Creating stdio MCP client",
		logger.String("command", command),
		logger.Any("args", args))

	mcpClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio client: %w", err)
	}

	invoker, err := newMCPInvoker(ctx, log, mcpClient, fmt.Sprintf("%s %v", command, args), options...)
	if err != nil {
		_ = mcpClient.Close()
		return nil, err
	}
	return invoker, nil
}

// NewHTTPMCPInvoker connects to an MCP server over streamable HTTP.
func NewHTTPMCPInvoker(ctx context.Context, log logger.Logger, url string, headers map[string]string, options ...MCPOption) (*MCPInvoker, error) {
	if log == nil {
		log = logger.NewNoop()
	}

	var transportOptions []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		transportOptions = append(transportOptions, transport.WithHTTPHeaders(headers))
	}
	httpTransport, err := transport.NewStreamableHTTP(url, transportOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}

	mcpClient := client.NewClient(httpTransport)
	// Start with a background context so the connection outlives the caller's
	// deadline; the per-call contexts bound the actual tool calls.
	if err := mcpClient.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start HTTP client: %w", err)
	}

	invoker, err := newMCPInvoker(ctx, log, mcpClient, url, options...)
	if err != nil {
		_ = mcpClient.Close()
		return nil, err
	}
	return invoker, nil
}

func newMCPInvoker(ctx context.Context, log logger.Logger, mcpClient *client.Client, serverName string, options ...MCPOption) (*MCPInvoker, error) {
	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcpProtocolVersion,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "toolagent",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP connection: %w", err)
	}

	log.Info("Connected to MCP server",
		logger.String("server", serverName),
		logger.String("server_name", initResult.ServerInfo.Name),
		logger.String("server_version", initResult.ServerInfo.Version))

	invoker := &MCPInvoker{
		client:     mcpClient,
		serverName: serverName,
		logger:     log,
	}
	for _, option := range options {
		option(invoker)
	}
	return invoker, nil
}

// ListTools returns the tools the connected server advertises.
func (m *MCPInvoker) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := m.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

// Execute calls the server tool named toolID with the given arguments.
func (m *MCPInvoker) Execute(ctx context.Context, toolID string, params map[string]interface{}) (*lifecycle.Result, error) {
	if m.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
	}

	lifecycle.ReportProgress(ctx, fmt.Sprintf("calling %s on %s", toolID, m.serverName))

	result, err := m.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolID,
			Arguments: params,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", toolID, err)
	}

	text := flattenResult(result)
	if result.IsError {
		if text == "" {
			text = "tool execution error (no error details available)"
		}
		return nil, fmt.Errorf("tool %s returned an error: %s", toolID, text)
	}
	return &lifecycle.Result{Content: text}, nil
}

// Close shuts down the connection and, for stdio servers, the subprocess.
func (m *MCPInvoker) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// flattenResult extracts text content from an MCP tool result.
func flattenResult(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}

	var textParts []string
	for _, content := range result.Content {
		// Both pointer and value content show up in practice.
		if textContent, ok := content.(*mcp.TextContent); ok {
			textParts = append(textParts, textContent.Text)
		} else if textContent, ok := content.(mcp.TextContent); ok {
			textParts = append(textParts, textContent.Text)
		} else if embedded, ok := content.(*mcp.EmbeddedResource); ok {
			switch r := embedded.Resource.(type) {
			case *mcp.TextResourceContents:
				textParts = append(textParts, r.Text)
			}
		}
	}
	return strings.Join(textParts, "\n")
}
