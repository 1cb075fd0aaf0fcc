package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
)

var (
	runSSE         bool
	runPort        int
	runBaseURL     string
	runSSEPath     string
	runMessagePath string
)

// runCmd runs a server attached to the terminal.
var runCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run an MCP server in the foreground",
	Long: `Run a server with its stdin and stdout connected to this process, so an MCP
client can launch 'mcphub run NAME' as if it were the server itself.

With --sse the server is wrapped in supergateway and served over HTTP
server-sent events instead. The base URL may use {{ .Port }} for the
allocated port.

The server is stopped when this command receives SIGINT or SIGTERM.

Examples:
  mcphub run github
  mcphub run github --sse --port 8080`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeServerNames,
	RunE:              runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	defaults := app.DefaultSSEOptions()
	runCmd.Flags().BoolVar(&runSSE, "sse", false, "Serve over HTTP server-sent events through supergateway")
	runCmd.Flags().IntVar(&runPort, "port", 0, "Port for --sse (default: first free port)")
	runCmd.Flags().StringVar(&runBaseURL, "base-url", defaults.BaseURL, "Base URL announced by supergateway")
	runCmd.Flags().StringVar(&runSSEPath, "sse-path", defaults.SSEPath, "Path of the SSE endpoint")
	runCmd.Flags().StringVar(&runMessagePath, "message-path", defaults.MessagePath, "Path of the message endpoint")
}

func runRun(cmd *cobra.Command, args []string) error {
	if !runSSE && cmd.Flags().Changed("port") {
		return fmt.Errorf("--port requires --sse")
	}
	a, err := newApp(cmd, app.ModeForeground, false)
	if err != nil {
		return err
	}
	name := args[0]
	if err := checkServerName(a, name); err != nil {
		return err
	}

	var sse *app.SSEOptions
	if runSSE {
		sse = &app.SSEOptions{
			Port:        runPort,
			BaseURL:     runBaseURL,
			SSEPath:     runSSEPath,
			MessagePath: runMessagePath,
		}
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	// stdout belongs to the MCP client; progress goes to stderr.
	stderr := cmd.ErrOrStderr()
	return a.RunForeground(ctx, name, sse, func(rec api.ServerProcessRecord) {
		msg := fmt.Sprintf("Running %s (pid %d)", name, rec.PID)
		if runSSE && len(rec.Ports) > 0 {
			msg += fmt.Sprintf(", SSE on http://localhost:%d%s", rec.Ports[0], runSSEPath)
		}
		fmt.Fprintln(stderr, cli.FormatSuccess(msg))
	})
}
