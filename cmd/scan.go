package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
	pkgstrings "mcphub/pkg/strings"
)

var scanFlags cli.OutputFlags

// scanCmd looks for MCP servers on the host.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find MCP server processes on this machine",
	Long: `Scan the process table for MCP servers and compare them with the configuration.

The report lists configured servers that are running (whoever started them),
configured servers that are not running and MCP-looking processes that match
no configured server. Nothing is started or stopped.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	cli.RegisterOutputFlags(scanCmd, &scanFlags)
}

func runScan(cmd *cobra.Command, args []string) error {
	format, err := scanFlags.Format()
	if err != nil {
		return err
	}
	a, err := newApp(cmd, app.ModeAttached, false)
	if err != nil {
		return err
	}
	report, err := a.Services.Scanner.Scan(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format.Structured() {
		return cli.PrintStructured(out, format, report)
	}

	section := func(title string) {
		if !scanFlags.Quiet {
			fmt.Fprintf(out, "%s:\n", title)
		}
	}

	section("Configured and running")
	if len(report.ConfiguredRunning) == 0 {
		fmt.Fprintln(out, "  none")
	} else {
		printDiscovered(out, format, scanFlags.NoHeaders, report.ConfiguredRunning)
	}

	fmt.Fprintln(out)
	section("Configured but not running")
	if len(report.ConfiguredNotFound) == 0 {
		fmt.Fprintln(out, "  none")
	} else {
		fmt.Fprintf(out, "  %s\n", strings.Join(report.ConfiguredNotFound, ", "))
	}

	fmt.Fprintln(out)
	section("Unconfigured")
	if len(report.Unconfigured) == 0 {
		fmt.Fprintln(out, "  none")
	} else {
		printDiscovered(out, format, scanFlags.NoHeaders, report.Unconfigured)
	}

	if !scanFlags.Quiet && len(report.Unconfigured) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, cli.FormatHint("Use 'mcphub add NAME -- COMMAND [ARGS...]' to manage an unconfigured server."))
	}
	return nil
}

// printDiscovered renders scanned processes as a table.
func printDiscovered(out io.Writer, format cli.OutputFormat, noHeaders bool, procs []api.DiscoveredProcess) {
	table := cli.NewTable(out, format, noHeaders)
	table.SetHeaders("PID", "MATCHES", "PORTS", "STARTED", "COMMAND")
	for _, p := range procs {
		table.AppendRow(
			strconv.Itoa(p.PID),
			cli.OrNA(p.MatchesConfiguredName),
			cli.FormatPorts(p.Ports),
			cli.FormatTime(p.StartedAt),
			pkgstrings.TruncateCommand([]string{p.CommandLine}, pkgstrings.DefaultCommandMaxLen),
		)
	}
	table.Render()
}
