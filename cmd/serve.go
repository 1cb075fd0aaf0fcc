package cmd

import (
	"github.com/spf13/cobra"

	"mcphub/internal/app"
	"mcphub/pkg/logging"
)

var (
	serveListen    string
	serveMCP       bool
	serveNoWatch   bool
	serveLogFormat string
)

// serveCmd keeps every server running.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run all configured MCP servers and supervise them",
	Long: `Start every enabled server and keep them running until interrupted.

With --mcp, the tools of all running servers are exposed on stdin/stdout as
a single MCP server, each named SERVER__TOOL. Point an MCP client at
'mcphub serve --mcp' to reach every configured server through one entry.

With --listen, an HTTP API for inspecting and controlling servers is served
on the given address.

The configuration file is watched: added servers are started and removed
ones stopped. Changes to an existing server apply on its next restart.

All servers are stopped on SIGINT or SIGTERM, or when the MCP client
disconnects.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address of the HTTP API, e.g. 127.0.0.1:8090 (default: disabled)")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "Expose all tools as one MCP server on stdio")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the configuration on changes")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "text", "Log format: text or json")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveLogFormat == "json" {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logging.InitForServe(level, cmd.ErrOrStderr())
	}

	a, err := newApp(cmd, app.ModeAttached, false)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	return a.Serve(ctx, app.ServeOptions{
		Listen: serveListen,
		MCP:    serveMCP,
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
		Watch:  !serveNoWatch,
	})
}
