package cmd

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/repl"
	"mcphub/pkg/logging"
)

// replCmd opens an interactive shell.
var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive shell for managing servers and calling tools",
	Long: `Open an interactive shell with history and tab completion.

Servers started from the shell are attached to it and stopped when it exits.`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

// replBackend joins the configuration, controller and hub of an application.
type replBackend struct {
	app *app.Application
}

func (b replBackend) Names() []string { return b.app.Names() }

func (b replBackend) Status(ctx context.Context, name string) (api.ServerStatus, error) {
	return b.app.Services.Controller.Status(ctx, name)
}

func (b replBackend) Start(ctx context.Context, name string) (api.ServerProcessRecord, error) {
	return b.app.Services.Controller.Start(ctx, name)
}

func (b replBackend) Stop(ctx context.Context, name string) (api.StopOutcome, error) {
	b.app.Services.Hub.Detach(name)
	return b.app.Services.Controller.Stop(ctx, name)
}

func (b replBackend) ListTools(ctx context.Context, name string, useCache bool) ([]api.ToolDescriptor, error) {
	return b.app.Services.Hub.ListTools(ctx, name, useCache)
}

func (b replBackend) CallTool(ctx context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	return b.app.Services.Hub.CallTool(ctx, name, tool, args)
}

func runREPL(cmd *cobra.Command, args []string) error {
	// Records stay in memory: shell servers die with the shell.
	a, err := newApp(cmd, app.ModeAttached, true)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	defer func() {
		a.Services.Hub.Close()
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer stop()
		if _, err := a.Services.Controller.StopAll(stopCtx); err != nil {
			logging.Warn("REPL", "Errors while stopping servers: %v", err)
		}
	}()

	return repl.New(replBackend{app: a}, cmd.OutOrStdout()).Run(ctx)
}
