package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
)

// mcpCallTimeout bounds a single MCP tool call.
const mcpCallTimeout = 30 * time.Second

// MCPBridge connects to configured MCP servers and exposes their tools as
// domain.Tool adapters named mcp_<server>_<tool>. A server that fails to
// connect or list its tools is skipped with a warning; startup fails only
// when every configured server is unusable.
type MCPBridge struct {
	mu      sync.RWMutex
	servers []mcpServerConn
	tools   []domain.Tool
	logger  *slog.Logger
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// mcpClient is the slice of the MCP client surface the bridge needs; tests
// substitute scripted implementations.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to all configured servers and discovers their tools.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger}

	var failures []string
	for _, srv := range servers {
		conn, err := b.connect(ctx, srv)
		if err != nil {
			b.logger.Warn("mcp server unusable, skipping", "server", srv.Name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", srv.Name, err))
			continue
		}
		b.servers = append(b.servers, *conn)
	}

	b.discover(ctx, &failures)

	if len(b.servers) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("all mcp servers failed: %s", strings.Join(failures, "; "))
	}
	return b, nil
}

// newMCPBridgeWithClients builds a bridge over pre-made clients, for tests.
func newMCPBridgeWithClients(ctx context.Context, servers []mcpServerConn, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{servers: servers, logger: logger}
	var failures []string
	b.discover(ctx, &failures)
	if len(b.servers) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("all mcp servers failed: %s", strings.Join(failures, "; "))
	}
	return b, nil
}

func (b *MCPBridge) connect(ctx context.Context, srv config.MCPServer) (*mcpServerConn, error) {
	var c mcpClient

	switch srv.Transport {
	case "stdio":
		stdioClient, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("stdio client: %w", err)
		}
		c = stdioClient
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentcore", Version: "1.0.0"}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("mcp initialize", err)
		}
	}

	b.logger.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
	return &mcpServerConn{name: srv.Name, client: c}, nil
}

// discover lists every connected server's tools. A server that fails listing
// is closed, dropped from the connection set and recorded in failures.
func (b *MCPBridge) discover(ctx context.Context, failures *[]string) {
	usable := b.servers[:0]
	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp tool discovery failed, skipping server", "server", srv.name, "error", err)
			*failures = append(*failures, fmt.Sprintf("%s: %v", srv.name, err))
			srv.client.Close()
			continue
		}
		usable = append(usable, srv)

		for _, t := range result.Tools {
			adapter := newMCPToolAdapter(srv.name, srv.client, t, b.logger)
			b.tools = append(b.tools, adapter)
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
	}
	b.servers = usable
}

// Tools returns the discovered tool adapters for registration.
func (b *MCPBridge) Tools() []domain.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tools
}

// Close shuts down every server connection.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpToolAdapter presents one remote MCP tool as a domain.Tool.
type mcpToolAdapter struct {
	serverName string
	client     mcpClient
	remote     mcp.Tool
	fullName   string
	logger     *slog.Logger
}

func newMCPToolAdapter(serverName string, client mcpClient, t mcp.Tool, logger *slog.Logger) *mcpToolAdapter {
	return &mcpToolAdapter{
		serverName: serverName,
		client:     client,
		remote:     t,
		fullName:   fmt.Sprintf("mcp_%s_%s", sanitizeName(serverName), sanitizeName(t.Name)),
		logger:     logger,
	}
}

func (a *mcpToolAdapter) Name() string { return a.fullName }

func (a *mcpToolAdapter) Description() string {
	if a.remote.Description != "" {
		return a.remote.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.remote.Name, a.serverName)
}

func (a *mcpToolAdapter) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if a.remote.InputSchema.Properties != nil || a.remote.InputSchema.Required != nil {
		if data, err := json.Marshal(a.remote.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{
		Name:        a.fullName,
		Description: a.Description(),
		Parameters:  params,
	}
}

func (a *mcpToolAdapter) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}, nil
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = a.remote.Name
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := a.client.CallTool(callCtx, req)
	if err != nil {
		return &domain.ToolResult{
			IsError:     true,
			IsRetryable: true,
			Content:     fmt.Sprintf("mcp call failed: %v", err),
		}, nil
	}

	return &domain.ToolResult{
		Content: flattenMCPContent(result),
		IsError: result.IsError,
	}, nil
}

// flattenMCPContent joins the result's content blocks into one string; text
// blocks pass through, anything else is marshalled to JSON.
func flattenMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName maps anything outside [A-Za-z0-9_] to underscores so the
// composed name stays a valid function-calling identifier.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envSlice flattens an env map into KEY=VALUE form for process spawning.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
