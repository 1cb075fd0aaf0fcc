package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
)

var restartQuiet bool

// restartCmd stops and starts a server.
var restartCmd = &cobra.Command{
	Use:   "restart NAME",
	Short: "Restart an MCP server",
	Long: `Stop a server if it is running and start it again in the background.

The server is started from the current configuration, so edits made since it
was started take effect.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeServerNames,
	RunE:              runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
	restartCmd.Flags().BoolVarP(&restartQuiet, "quiet", "q", false, "Suppress non-essential output")
}

func runRestart(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, app.ModeDetached, false)
	if err != nil {
		return err
	}
	name := args[0]
	if err := checkServerName(a, name); err != nil {
		return err
	}

	var rec api.ServerProcessRecord
	err = cli.Progress(cmd.ErrOrStderr(), restartQuiet, fmt.Sprintf("Restarting %s...", name), func() error {
		var err error
		rec, err = a.Services.Controller.Restart(cmd.Context(), name)
		return err
	})
	if err != nil {
		return err
	}
	if !restartQuiet {
		fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Restarted %s (pid %d)", rec.Name, rec.PID)))
	}
	return nil
}
