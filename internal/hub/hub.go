// Package hub puts the tool surface on top of the lifecycle controller.
//
// It keeps one stdio session per running server, creating it on first use
// and replacing it once the old one has closed.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"mcphub/internal/api"
	"mcphub/internal/lifecycle"
	"mcphub/internal/session"
	"mcphub/pkg/logging"
)

// Controller is the part of lifecycle.Controller the hub needs.
type Controller interface {
	Handle(name string) (*lifecycle.Handle, error)
}

// Hub hands out sessions by server name.
type Hub struct {
	ctl     Controller
	timeout time.Duration
	version string
	onTools func(server string)

	mu       sync.Mutex
	sessions map[string]*session.Session
	flight   singleflight.Group
}

// Option configures a Hub.
type Option func(*Hub)

// WithRequestTimeout sets the default per-request timeout of new sessions.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithVersion sets the client version announced to servers.
func WithVersion(v string) Option {
	return func(h *Hub) { h.version = v }
}

// WithToolsChanged is called when a server announces a new tool list.
func WithToolsChanged(fn func(server string)) Option {
	return func(h *Hub) { h.onTools = fn }
}

// New creates a hub over ctl.
func New(ctl Controller, opts ...Option) *Hub {
	h := &Hub{
		ctl:      ctl,
		timeout:  session.DefaultRequestTimeout,
		version:  "dev",
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func alive(s *session.Session) bool {
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}

// Session returns an initialized session for name. Concurrent callers
// share one handshake, which runs detached from any single caller's ctx and
// is bounded by the session timeout.
func (h *Hub) Session(ctx context.Context, name string) (*session.Session, error) {
	h.mu.Lock()
	if s, ok := h.sessions[name]; ok && alive(s) {
		h.mu.Unlock()
		return s, nil
	}
	h.mu.Unlock()

	initCtx := context.WithoutCancel(ctx)
	ch := h.flight.DoChan(name, func() (any, error) {
		h.mu.Lock()
		if s, ok := h.sessions[name]; ok && alive(s) {
			h.mu.Unlock()
			return s, nil
		}
		h.mu.Unlock()

		handle, err := h.ctl.Handle(name)
		if err != nil {
			return nil, err
		}
		s := session.New(name, handle.Stdin, handle.Stdout,
			session.WithTimeout(h.timeout),
			session.WithStderr(handle.Stderr),
			session.WithClientInfo("mcphub", h.version),
			session.WithNotificationHandler(h.notificationHandler(name)),
		)
		if _, err := s.Initialize(initCtx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize session with %s: %w", name, err)
		}

		h.mu.Lock()
		h.sessions[name] = s
		h.mu.Unlock()
		logging.Info("Hub", "Attached session %s to %s (pid %d)", s.ID(), name, handle.PID)
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) notificationHandler(name string) session.NotificationHandler {
	return func(method string, _ json.RawMessage) {
		if method == session.NotificationToolsListChanged && h.onTools != nil {
			h.onTools(name)
		}
	}
}

// Detach closes the session of name, if any.
func (h *Hub) Detach(name string) {
	h.mu.Lock()
	s, ok := h.sessions[name]
	delete(h.sessions, name)
	h.mu.Unlock()
	if ok {
		_ = s.Close()
		logging.Debug("Hub", "Detached session %s from %s", s.ID(), name)
	}
}

// OnStateChange drops sessions of servers that are going away. It is meant
// to be passed to lifecycle.WithStateListener.
func (h *Hub) OnStateChange(name string, _, to api.ServerState) {
	switch to {
	case api.StateStopping, api.StateStopped, api.StateCrashed:
		h.Detach(name)
	}
}

// Attached returns the names of servers with an open session.
func (h *Hub) Attached() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.sessions))
	for name, s := range h.sessions {
		if alive(s) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListTools returns the tools of name. With useCache a previously fetched
// list is returned without asking the server.
func (h *Hub) ListTools(ctx context.Context, name string, useCache bool, opts ...session.CallOption) ([]api.ToolDescriptor, error) {
	s, err := h.Session(ctx, name)
	if err != nil {
		return nil, err
	}
	tools, err := s.ListTools(ctx, useCache, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]api.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, Describe(name, t))
	}
	return out, nil
}

// Describe converts an MCP tool into a ToolDescriptor.
func Describe(server string, t mcp.Tool) api.ToolDescriptor {
	d := api.ToolDescriptor{Server: server, Name: t.Name, Description: t.Description}
	if len(t.RawInputSchema) > 0 {
		d.ParameterSchema = t.RawInputSchema
		return d
	}
	if schema, err := json.Marshal(t.InputSchema); err == nil {
		d.ParameterSchema = schema
	}
	return d
}

// CallTool invokes tool on name. A session.Timeout option replaces the
// default request timeout for this call.
func (h *Hub) CallTool(ctx context.Context, name, tool string, args map[string]any, opts ...session.CallOption) (*mcp.CallToolResult, error) {
	s, err := h.Session(ctx, name)
	if err != nil {
		return nil, err
	}
	logging.Debug("Hub", "Calling %s on %s", tool, name)
	return s.CallTool(ctx, tool, args, opts...)
}

// Close closes every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session.Session)
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
