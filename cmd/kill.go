package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mcphub/internal/app"
	"mcphub/internal/cli"
)

var killForce bool

// killCmd stops a server by pid.
var killCmd = &cobra.Command{
	Use:   "kill PID",
	Short: "Stop the MCP server running as PID",
	Long: `Stop a server identified by the pid shown in 'mcphub ps'.

Only processes recorded by mcphub can be killed. --force skips the grace
period and sends SIGKILL right away.`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
	killCmd.Flags().BoolVarP(&killForce, "force", "f", false, "Send SIGKILL without waiting")
}

func runKill(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	a, err := newApp(cmd, app.ModeAttached, false)
	if err != nil {
		return err
	}
	outcome, err := a.Services.Controller.KillPID(cmd.Context(), pid, killForce)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Stopped %s (pid %d, %s)", outcome.Name, pid, outcome.Result)))
	return nil
}
