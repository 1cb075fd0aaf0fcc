package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
)

var (
	startAll   bool
	startQuiet bool
)

// startCmd starts servers in the background.
var startCmd = &cobra.Command{
	Use:   "start [NAME...]",
	Short: "Start MCP servers in the background",
	Long: `Start one or more servers as background processes that outlive this command.

Detached servers have no client attached to their stdio, so this is meant for
servers that listen on a port. Use 'mcphub run' or 'mcphub serve' for stdio
servers.

Examples:
  mcphub start github
  mcphub start github slack
  mcphub start --all`,
	ValidArgsFunction: completeServerNames,
	RunE:              runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVar(&startAll, "all", false, "Start every enabled server")
	startCmd.Flags().BoolVarP(&startQuiet, "quiet", "q", false, "Suppress non-essential output")
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := requireNamesOrAll(args, startAll); err != nil {
		return err
	}
	a, err := newApp(cmd, app.ModeDetached, false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ctl := a.Services.Controller

	if startAll {
		var records []api.ServerProcessRecord
		err := cli.Progress(cmd.ErrOrStderr(), startQuiet, "Starting all servers...", func() error {
			var err error
			records, err = ctl.StartAll(ctx)
			return err
		})
		for _, rec := range records {
			printStarted(cmd, rec)
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
		var rec api.ServerProcessRecord
		err := cli.Progress(cmd.ErrOrStderr(), startQuiet, fmt.Sprintf("Starting %s...", name), func() error {
			var err error
			rec, err = ctl.Start(ctx, name)
			return err
		})
		if err != nil {
			if len(args) > 1 {
				fmt.Fprintln(cmd.ErrOrStderr(), cli.FormatError(err))
			}
			errs = append(errs, err)
			continue
		}
		printStarted(cmd, rec)
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func printStarted(cmd *cobra.Command, rec api.ServerProcessRecord) {
	if startQuiet {
		return
	}
	msg := fmt.Sprintf("Started %s (pid %d)", rec.Name, rec.PID)
	if len(rec.Ports) > 0 {
		msg += " on port " + cli.FormatPorts(rec.Ports)
	}
	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(msg))
	for _, w := range rec.Warnings {
		fmt.Fprintln(cmd.OutOrStdout(), cli.FormatWarning(w))
	}
}

// requireNamesOrAll validates the NAME... / --all argument pair.
func requireNamesOrAll(args []string, all bool) error {
	switch {
	case all && len(args) > 0:
		return fmt.Errorf("cannot combine --all with server names")
	case !all && len(args) == 0:
		return fmt.Errorf("requires at least one server name, or --all")
	}
	return nil
}
