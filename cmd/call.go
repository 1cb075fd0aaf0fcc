package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"mcphub/internal/app"
	"mcphub/internal/cli"
	"mcphub/internal/session"
)

var (
	callArgs    string
	callOutput  string
	callTimeout time.Duration
)

// callCmd invokes one tool.
var callCmd = &cobra.Command{
	Use:   "call NAME TOOL [KEY=VALUE...]",
	Short: "Call a tool on an MCP server",
	Long: `Start a temporary instance of the server, call one tool and stop it.

Arguments are given as a JSON object with --args or as KEY=VALUE pairs.
Values that parse as JSON (numbers, booleans, arrays, objects) are passed
as such; anything else is a string.

Examples:
  mcphub call demo add a=2 b=3
  mcphub call github search_repositories --args '{"query":"mcp"}'
  mcphub call demo sleep ms=90000 --timeout 2m`,
	Args:              cobra.MinimumNArgs(2),
	ValidArgsFunction: completeServerNames,
	RunE:              runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVar(&callArgs, "args", "", "Tool arguments as a JSON object")
	callCmd.Flags().StringVarP(&callOutput, "output", "o", "text", "Output format (text, json)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "How long to wait for the tool (default: hub.lifecycle.requestTimeout)")
}

func runCall(cmd *cobra.Command, args []string) error {
	if callOutput != "text" && callOutput != "json" {
		return fmt.Errorf("unsupported output format %q (use text or json)", callOutput)
	}
	if callTimeout < 0 {
		return fmt.Errorf("--timeout must not be negative")
	}
	var opts []session.CallOption
	if callTimeout > 0 {
		opts = append(opts, session.Timeout(callTimeout))
	}
	toolArgs, err := cli.ParseToolArgs(callArgs, args[2:])
	if err != nil {
		return err
	}
	a, err := newApp(cmd, app.ModeAttached, true)
	if err != nil {
		return err
	}
	name, tool := args[0], args[1]
	if err := checkServerName(a, name); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var result *mcp.CallToolResult
	err = a.WithServer(ctx, name, func(ctx context.Context) error {
		var err error
		result, err = a.Services.Hub.CallTool(ctx, name, tool, toolArgs, opts...)
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if callOutput == "json" {
		if err := cli.PrintStructured(out, cli.OutputFormatJSON, result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, cli.ResultText(result))
	}
	if result.IsError {
		return fmt.Errorf("tool %s on %s reported an error", tool, name)
	}
	return nil
}
