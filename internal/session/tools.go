package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/api"
	"mcphub/pkg/logging"
)

// maxToolPages stops a server that keeps returning a cursor.
const maxToolPages = 100

// ToolCacheEntry is the last tool list fetched from a server.
type ToolCacheEntry struct {
	ServerName string
	Tools      []mcp.Tool
	FetchedAt  time.Time
}

// Initialize performs the MCP handshake and announces the client as ready.
func (s *Session) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params := initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      s.clientInfo,
	}
	raw, err := s.Call(ctx, string(mcp.MethodInitialize), params)
	if err != nil {
		return nil, err
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &api.ProtocolError{Server: s.server, Line: string(raw), Err: err}
	}
	if err := s.Notify(ctx, methodInitialized, nil); err != nil {
		return nil, err
	}

	s.infoMu.Lock()
	s.serverInfo = &res
	s.infoMu.Unlock()

	logging.Info("Session", "Connected to %s (%s %s, protocol %s)", s.server, res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion)
	return &res, nil
}

// ServerInfo returns the result of Initialize, or nil before it.
func (s *Session) ServerInfo() *mcp.InitializeResult {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.serverInfo
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, string(mcp.MethodPing), nil)
	return err
}

// CachedTools returns a copy of the cached tool list, if any.
func (s *Session) CachedTools() (ToolCacheEntry, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.cache == nil {
		return ToolCacheEntry{}, false
	}
	entry := *s.cache
	entry.Tools = slices.Clone(entry.Tools)
	return entry, true
}

// InvalidateTools drops the cached tool list.
func (s *Session) InvalidateTools() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheGen++
	s.cacheMu.Unlock()
}

// ListTools returns the server's tools. With useCache a cached list is
// returned without a request. A fetch always refreshes the cache, and
// concurrent fetches share one request. The shared request is not tied to
// any one caller: each caller stops waiting on its own ctx or timeout while
// the others keep theirs.
func (s *Session) ListTools(ctx context.Context, useCache bool, opts ...CallOption) ([]mcp.Tool, error) {
	if useCache {
		if entry, ok := s.CachedTools(); ok {
			return entry.Tools, nil
		}
	}

	o := s.callOptions(opts)
	method := string(mcp.MethodToolsList)
	began := time.Now()
	fetchCtx := context.WithoutCancel(ctx)

	ch := s.flight.DoChan(method, func() (any, error) {
		s.cacheMu.RLock()
		gen := s.cacheGen
		s.cacheMu.RUnlock()

		tools, err := s.fetchTools(fetchCtx, o.timeout)
		if err != nil {
			return nil, err
		}

		entry := &ToolCacheEntry{ServerName: s.server, Tools: tools, FetchedAt: time.Now()}
		s.cacheMu.Lock()
		// A list_changed that arrived mid-fetch makes this result stale.
		if s.cacheGen == gen {
			s.cache = entry
		}
		s.cacheMu.Unlock()
		return tools, nil
	})

	var expired <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logging.Debug("Session", "Shared in-flight tools/list for %s", s.server)
		}
		return slices.Clone(res.Val.([]mcp.Tool)), nil
	case <-expired:
		return nil, &api.RequestTimeoutError{Server: s.server, Method: method, Timeout: o.timeout}
	case <-ctx.Done():
		return nil, s.contextError(ctx, method, 0, began)
	}
}

func (s *Session) fetchTools(ctx context.Context, timeout time.Duration) ([]mcp.Tool, error) {
	var (
		tools  []mcp.Tool
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = listToolsParams{Cursor: cursor}
		}
		raw, err := s.CallWithTimeout(ctx, string(mcp.MethodToolsList), params, timeout)
		if err != nil {
			return nil, err
		}

		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &api.ProtocolError{Server: s.server, Line: string(raw), Err: err}
		}
		tools = append(tools, res.Tools...)

		cursor = string(res.NextCursor)
		if cursor == "" {
			return tools, nil
		}
	}
	return nil, fmt.Errorf("server %s returned more than %d pages of tools", s.server, maxToolPages)
}

// CallTool invokes a tool and returns its result. A tool that reports
// failure through isError is returned as a result, not an error.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, opts ...CallOption) (*mcp.CallToolResult, error) {
	o := s.callOptions(opts)
	raw, err := s.CallWithTimeout(ctx, string(mcp.MethodToolsCall), callToolParams{Name: name, Arguments: args}, o.timeout)
	if err != nil {
		return nil, err
	}
	res, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &api.ProtocolError{Server: s.server, Line: string(raw), Err: err}
	}
	return res, nil
}
