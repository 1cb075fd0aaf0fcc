package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
	pkgstrings "mcphub/pkg/strings"
)

var listFlags cli.OutputFlags

// listCmd prints the configured servers.
var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List configured MCP servers",
	Long: `List the MCP servers declared in the configuration file.

This only reads the configuration. Use 'mcphub ps' to see what is running.

Examples:
  mcphub list
  mcphub list -o wide
  mcphub list -o json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	cli.RegisterOutputFlags(listCmd, &listFlags)
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := listFlags.Format()
	if err != nil {
		return err
	}
	f, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	specs := f.List()
	out := cmd.OutOrStdout()

	if format.Structured() {
		return cli.PrintStructured(out, format, specs)
	}

	if len(specs) == 0 {
		if !listFlags.Quiet {
			fmt.Fprintf(out, "No MCP servers configured in %s\n", f.Path)
			fmt.Fprintln(out, cli.FormatHint("Use 'mcphub add NAME -- COMMAND [ARGS...]' to add one."))
		}
		return nil
	}

	wide := format == cli.OutputFormatWide
	table := cli.NewTable(out, format, listFlags.NoHeaders)
	headers := []string{"NAME", "COMMAND", "PACKAGE", "REPOSITORY", "ENV VARS"}
	if wide {
		headers = append(headers, "PORTS", "DESCRIPTION", "TAGS", "DISABLED")
	}
	table.SetHeaders(headers...)

	for _, spec := range specs {
		row := []string{
			spec.Name,
			pkgstrings.TruncateCommand(spec.CommandLine(), 40),
			cli.OrNA(spec.PackageName),
			cli.OrNA(spec.RepoURL),
			envKeys(spec),
		}
		if wide {
			row = append(row,
				cli.FormatPorts(spec.Ports),
				cli.OrNA(pkgstrings.TruncateDescription(spec.Description, pkgstrings.DefaultDescriptionMaxLen)),
				cli.OrNA(strings.Join(spec.Tags, ",")),
				strconv.FormatBool(spec.Disabled),
			)
		}
		table.AppendRow(row...)
	}
	table.Render()

	if !listFlags.Quiet && format != cli.OutputFormatPlain {
		fmt.Fprintf(out, "\nTotal: %d server(s)\n", len(specs))
		fmt.Fprintln(out, cli.FormatHint("Use 'mcphub ps' to see running servers."))
	}
	return nil
}

// envKeys lists the variable names a server sets, never their values.
func envKeys(spec api.LaunchSpec) string {
	if len(spec.Env) == 0 {
		return cli.NotAvailable
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
