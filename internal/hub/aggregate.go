package hub

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcphub/pkg/logging"
)

// ToolSeparator joins the server name and the tool name of an aggregated
// tool. Server names may not contain it.
const ToolSeparator = "__"

// ExposedName returns the aggregated name of tool on srv.
func ExposedName(srv, tool string) string {
	return srv + ToolSeparator + tool
}

// SplitExposedName reverses ExposedName.
func SplitExposedName(name string) (srv, tool string, ok bool) {
	srv, tool, ok = strings.Cut(name, ToolSeparator)
	if !ok || srv == "" || tool == "" {
		return "", "", false
	}
	return srv, tool, true
}

// Aggregator re-exposes the tools of several servers as one MCP server.
type Aggregator struct {
	hub *Hub
	srv *server.MCPServer

	mu      sync.Mutex
	exposed map[string]struct{}
}

// NewAggregator creates an aggregator over h.
func NewAggregator(h *Hub, version string) *Aggregator {
	return &Aggregator{
		hub:     h,
		srv:     server.NewMCPServer("mcphub", version, server.WithToolCapabilities(true)),
		exposed: make(map[string]struct{}),
	}
}

// Server returns the MCP server to serve.
func (a *Aggregator) Server() *server.MCPServer { return a.srv }

// Sync lists the tools of the given servers and replaces the exposed set.
// Servers that cannot be reached are skipped and reported in the error;
// their tools are withdrawn.
func (a *Aggregator) Sync(ctx context.Context, servers []string) error {
	var (
		tools []server.ServerTool
		errs  []error
	)
	current := make(map[string]struct{})

	for _, name := range servers {
		s, err := a.hub.Session(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		list, err := s.ListTools(ctx, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range list {
			original := t.Name
			t.Name = ExposedName(name, original)
			if t.Description != "" {
				t.Description = "[" + name + "] " + t.Description
			}
			tools = append(tools, server.ServerTool{Tool: t, Handler: a.handler(name, original)})
			current[t.Name] = struct{}{}
		}
	}

	a.mu.Lock()
	var removed []string
	for name := range a.exposed {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	a.exposed = current
	a.mu.Unlock()

	if len(removed) > 0 {
		sort.Strings(removed)
		a.srv.DeleteTools(removed...)
	}
	if len(tools) > 0 {
		a.srv.AddTools(tools...)
	}
	logging.Info("Hub", "Exposing %d tool(s) from %d server(s)", len(current), len(servers)-len(errs))
	return errors.Join(errs...)
}

// Exposed returns the aggregated tool names in sorted order.
func (a *Aggregator) Exposed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.exposed))
	for n := range a.exposed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a *Aggregator) handler(srv, tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := a.hub.CallTool(ctx, srv, tool, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return res, nil
	}
}
