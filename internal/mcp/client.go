package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/nugget/skein/internal/buildinfo"
	"github.com/nugget/skein/internal/config"
)

const protocolVersion = "2025-03-26"

// ToolDefinition is one tool advertised by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Client talks to one MCP server.
type Client struct {
	name   string
	rpc    *transport
	logger *slog.Logger
	nextID atomic.Int64

	server string
}

// Connect performs the initialize handshake with the server in cfg.
func Connect(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)
	c := &Client{
		name:   cfg.Name,
		rpc:    newTransport(cfg.URL, cfg.Headers, logger),
		logger: logger,
	}

	raw, err := c.request(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "skein", "version": buildinfo.Version},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp %s: initialize: %w", cfg.Name, err)
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, fmt.Errorf("mcp %s: decode initialize: %w", cfg.Name, err)
	}
	c.server = init.ServerInfo.Name

	if _, err := c.rpc.call(ctx, rpcRequest{JSONRPC: jsonrpcVersion, Method: "notifications/initialized"}); err != nil {
		return nil, fmt.Errorf("mcp %s: %w", cfg.Name, err)
	}
	logger.Info("mcp server connected",
		"server_name", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion,
	)
	return c, nil
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ListTools returns the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var res struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool and flattens its content to text. A result
// flagged isError becomes an error carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := c.request(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}
	var res struct {
		Content []contentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode tools/call %s: %w", name, err)
	}
	text := flatten(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%s: %s", name, text)
	}
	return text, nil
}

func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.rpc.call(ctx, rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func flatten(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		parts = append(parts, "["+b.Type+"]")
	}
	return strings.Join(parts, "\n")
}
