package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/skein/internal/config"
	"github.com/nugget/skein/internal/tools"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// ToolName namespaces an MCP tool under its server.
func ToolName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// Bridge registers every tool of c on reg and returns how many.
func Bridge(ctx context.Context, c *Client, reg *tools.Registry) (int, error) {
	defs, err := c.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("mcp %s: %w", c.Name(), err)
	}
	for _, td := range defs {
		remote := td.Name
		params := td.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		reg.Register(&tools.Tool{
			Name:        ToolName(c.Name(), remote),
			Description: td.Description,
			Parameters:  params,
			Handler: func(ctx context.Context, _ tools.Call, args map[string]any) (string, error) {
				return c.CallTool(ctx, remote, args)
			},
		})
	}
	return len(defs), nil
}

// Load connects to every configured server and bridges its tools into
// one registry. A server that cannot be reached is logged and skipped.
func Load(ctx context.Context, servers []config.MCPServerConfig, logger *slog.Logger) *tools.Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := tools.NewRegistry()
	for _, s := range servers {
		c, err := Connect(ctx, s, logger)
		if err != nil {
			logger.Warn("mcp server unavailable", "mcp_server", s.Name, "error", err)
			continue
		}
		n, err := Bridge(ctx, c, reg)
		if err != nil {
			logger.Warn("mcp tool discovery failed", "mcp_server", s.Name, "error", err)
			continue
		}
		logger.Info("mcp tools bridged", "mcp_server", s.Name, "count", n)
	}
	return reg
}
