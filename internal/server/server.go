package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/api"
	"mcphub/internal/discovery"
	"mcphub/internal/session"
	"mcphub/pkg/logging"
)

const (
	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout covers slow starts and tool calls.
	DefaultWriteTimeout = 10 * time.Minute
	// DefaultIdleTimeout is the default idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second
	// shutdownTimeout bounds the graceful HTTP shutdown.
	shutdownTimeout = 5 * time.Second
)

// Controller is the subset of the lifecycle controller served over HTTP.
type Controller interface {
	ListAll(ctx context.Context) (api.Overview, error)
	Status(ctx context.Context, name string) (api.ServerStatus, error)
	Start(ctx context.Context, name string) (api.ServerProcessRecord, error)
	Stop(ctx context.Context, name string) (api.StopOutcome, error)
	Restart(ctx context.Context, name string) (api.ServerProcessRecord, error)
	KillPID(ctx context.Context, pid int, force bool) (api.StopOutcome, error)
}

// Tools lists and invokes tools of attached servers.
type Tools interface {
	ListTools(ctx context.Context, name string, useCache bool, opts ...session.CallOption) ([]api.ToolDescriptor, error)
	CallTool(ctx context.Context, name, tool string, args map[string]any, opts ...session.CallOption) (*mcp.CallToolResult, error)
}

// Scanner reports MCP-like processes on the host.
type Scanner interface {
	Scan(ctx context.Context) (*discovery.Report, error)
}

// Server is the operator HTTP API.
type Server struct {
	ctl     Controller
	tools   Tools
	scanner Scanner
	router  *chi.Mux
	httpSrv *http.Server
}

// New builds the router. tools and scanner may be nil, in which case their
// endpoints answer 501.
func New(ctl Controller, tools Tools, scanner Scanner) *Server {
	s := &Server{
		ctl:     ctl,
		tools:   tools,
		scanner: scanner,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
}

// requestLogger logs through the subsystem logger instead of chi's
// stdlib logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP", "%s %s -> %d in %s (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(l)
	}()
	logging.Info("HTTP", "Operator API listening on %s", l.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("HTTP", "Operator API stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
