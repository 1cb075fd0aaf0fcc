package cmd

import (
	"github.com/spf13/cobra"

	"mcphub/internal/demo"
)

var demoListen string

// demoServerCmd runs the built-in example server.
var demoServerCmd = &cobra.Command{
	Use:    "demo-server",
	Short:  "Run a small MCP server for trying mcphub out",
	Hidden: true,
	Long: `Serve the echo, add, sleep and env tools over stdio. With --listen a TCP
port is also held open, so port allocation and reporting can be seen in
'mcphub ps'. Add it to the configuration with:

  mcphub add demo -- mcphub demo-server`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return demo.ServeStdio(rootCmd.Version, demoListen)
	},
}

func init() {
	rootCmd.AddCommand(demoServerCmd)
	demoServerCmd.Flags().StringVar(&demoListen, "listen", "", "Also hold a TCP port open on this address")
}
