package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
)

var (
	stopAll   bool
	stopQuiet bool
)

// stopCmd stops servers.
var stopCmd = &cobra.Command{
	Use:   "stop [NAME...]",
	Short: "Stop running MCP servers",
	Long: `Stop servers started by mcphub, in this or an earlier invocation.

Each server's process group gets SIGTERM and, if it has not exited after the
grace period, SIGKILL. Its ports are released either way.

Examples:
  mcphub stop github
  mcphub stop --all`,
	ValidArgsFunction: completeServerNames,
	RunE:              runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "Stop every running server")
	stopCmd.Flags().BoolVarP(&stopQuiet, "quiet", "q", false, "Suppress non-essential output")
}

func runStop(cmd *cobra.Command, args []string) error {
	if err := requireNamesOrAll(args, stopAll); err != nil {
		return err
	}
	a, err := newApp(cmd, app.ModeAttached, false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ctl := a.Services.Controller

	if stopAll {
		var outcomes []api.StopOutcome
		err := cli.Progress(cmd.ErrOrStderr(), stopQuiet, "Stopping all servers...", func() error {
			var err error
			outcomes, err = ctl.StopAll(ctx)
			return err
		})
		for _, o := range outcomes {
			if o.Name != "" {
				printStopped(cmd, o)
			}
		}
		if len(outcomes) == 0 && !stopQuiet {
			fmt.Fprintln(cmd.OutOrStdout(), "No running servers")
		}
		return err
	}

	for _, name := range args {
		if err := checkServerName(a, name); err != nil {
			return err
		}
	}
	var errs []error
	for _, name := range args {
		var outcome api.StopOutcome
		err := cli.Progress(cmd.ErrOrStderr(), stopQuiet, fmt.Sprintf("Stopping %s...", name), func() error {
			var err error
			outcome, err = ctl.Stop(ctx, name)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		printStopped(cmd, outcome)
	}
	return errors.Join(errs...)
}

func printStopped(cmd *cobra.Command, o api.StopOutcome) {
	if stopQuiet {
		return
	}
	out := cmd.OutOrStdout()
	switch o.Result {
	case api.StopAlreadyExited:
		fmt.Fprintf(out, "%s was not running\n", o.Name)
		return
	case api.StopForced:
		fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("Killed %s (pid %d) after the grace period", o.Name, o.PID)))
	default:
		fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Stopped %s (pid %d) in %s", o.Name, o.PID, o.Duration.Round(time.Millisecond))))
	}
	if len(o.ReleasedPorts) > 0 {
		fmt.Fprintf(out, "  released port(s) %s\n", cli.FormatPorts(o.ReleasedPorts))
	}
}
