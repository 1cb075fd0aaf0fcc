package app

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/internal/hub"
	httpserver "mcphub/internal/server"
	"mcphub/pkg/logging"
)

// shutdownTimeout bounds stopping every server on exit.
const shutdownTimeout = 30 * time.Second

// ServeOptions select the surfaces Serve exposes.
type ServeOptions struct {
	// Listen is the address of the operator HTTP API. Empty disables it.
	Listen string
	// MCP re-exposes every tool as one MCP server on In and Out.
	MCP bool
	In  io.Reader
	Out io.Writer
	// Watch reloads the configuration when the file changes.
	Watch bool
}

// Serve starts every enabled server and supervises them until ctx is done.
// All servers are stopped before it returns.
func (a *Application) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := a.Services

	if _, err := s.Controller.StartAll(ctx); err != nil {
		// A failed server keeps its previous state with the error in
		// Status.LastError; the rest keep running.
		logging.Warn("Serve", "Some servers failed to start: %v", err)
	}

	var agg *hub.Aggregator
	if opts.MCP {
		agg = hub.NewAggregator(s.Hub, a.config.Version)
		a.syncTools(ctx, agg)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.watchChanges(gctx, agg)
		return nil
	})

	if opts.Listen != "" {
		operator := httpserver.New(s.Controller, s.Hub, s.Scanner)
		g.Go(func() error {
			return operator.ListenAndServe(gctx, opts.Listen)
		})
	}

	if opts.MCP {
		in, out := opts.In, opts.Out
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		g.Go(func() error {
			err := server.NewStdioServer(agg.Server()).Listen(gctx, in, out)
			logging.Info("Serve", "MCP client disconnected")
			// The client going away ends the session.
			cancel()
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		})
	}

	if opts.Watch && a.File().Path != "" {
		w, err := config.NewWatcher(a.File().Path, config.DefaultDebounce, func(f *config.File, err error) {
			if err != nil {
				logging.Warn("Serve", "Keeping previous configuration: %v", err)
				return
			}
			a.applyReload(gctx, f)
		})
		if err != nil {
			logging.Warn("Serve", "Not watching configuration: %v", err)
		} else {
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
	}

	notify(daemon.SdNotifyReady)
	logging.Info("Serve", "Hub ready with %d server(s)", len(a.Names()))

	err := g.Wait()

	notify(daemon.SdNotifyStopping)
	logging.Info("Serve", "Stopping all servers")
	stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	s.Hub.Close()
	if _, serr := s.Controller.StopAll(stopCtx); serr != nil {
		logging.Warn("Serve", "Errors while stopping servers: %v", serr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logging.Debug("Serve", "sd_notify %s failed: %v", state, err)
		return
	}
	if sent {
		logging.Debug("Serve", "sd_notify %s", state)
	}
}

// watchChanges resyncs the aggregated tool list whenever a server changes
// state or announces new tools.
func (a *Application) watchChanges(ctx context.Context, agg *hub.Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-a.Services.changes:
			logging.Debug("Serve", "Change on %s", name)
			if agg != nil {
				a.syncTools(ctx, agg)
			}
		}
	}
}

func (a *Application) syncTools(ctx context.Context, agg *hub.Aggregator) {
	running := a.runningNames(ctx)
	if err := agg.Sync(ctx, running); err != nil {
		logging.Warn("Serve", "Tool sync incomplete: %v", err)
	}
	logging.Debug("Serve", "Exposing %d tool(s) from %d server(s)", len(agg.Exposed()), len(running))
}

func (a *Application) runningNames(ctx context.Context) []string {
	var names []string
	for _, name := range a.Names() {
		st, err := a.Services.Controller.Status(ctx, name)
		if err == nil && st.State == api.StateRunning {
			names = append(names, name)
		}
	}
	return names
}

// applyReload stops servers that were removed, swaps the configuration and
// starts servers that were added. Changed definitions apply on the next
// restart.
func (a *Application) applyReload(ctx context.Context, f *config.File) {
	old := a.File()
	var removed, added []string
	for _, name := range old.Names() {
		if _, ok := f.Servers[name]; !ok {
			removed = append(removed, name)
		}
	}
	for _, name := range f.Names() {
		if _, ok := old.Servers[name]; !ok {
			added = append(added, name)
		}
	}

	for _, name := range removed {
		if _, ok := a.Services.Registry.Find(name); !ok {
			continue
		}
		if _, err := a.Services.Controller.Stop(ctx, name); err != nil && !api.IsNotFound(err) {
			logging.Warn("Serve", "Failed to stop removed server %s: %v", name, err)
		}
	}
	a.Reload(f)
	logging.Info("Serve", "Configuration reloaded: %d added, %d removed", len(added), len(removed))

	for _, name := range added {
		if f.Servers[name].Disabled {
			continue
		}
		if _, err := a.Services.Controller.Start(ctx, name); err != nil {
			logging.Warn("Serve", "Failed to start new server %s: %v", name, err)
		}
	}
	a.Services.notify("")
}
