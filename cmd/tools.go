package cmd

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
	pkgstrings "mcphub/pkg/strings"
)

var toolsFlags cli.OutputFlags

// toolsCmd lists the tools of one server.
var toolsCmd = &cobra.Command{
	Use:   "tools NAME",
	Short: "List the tools an MCP server provides",
	Long: `Start a temporary instance of the server, ask it for its tools and stop it.

A server already running in the background is left alone.

Examples:
  mcphub tools github
  mcphub tools github -o wide
  mcphub tools github -o json`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeServerNames,
	RunE:              runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	cli.RegisterOutputFlags(toolsCmd, &toolsFlags)
}

func runTools(cmd *cobra.Command, args []string) error {
	format, err := toolsFlags.Format()
	if err != nil {
		return err
	}
	a, err := newApp(cmd, app.ModeAttached, true)
	if err != nil {
		return err
	}
	name := args[0]
	if err := checkServerName(a, name); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var tools []api.ToolDescriptor
	err = cli.Progress(cmd.ErrOrStderr(), toolsFlags.Quiet || format.Structured(), "Querying "+name+"...", func() error {
		return a.WithServer(ctx, name, func(ctx context.Context) error {
			var err error
			tools, err = a.Services.Hub.ListTools(ctx, name, false)
			return err
		})
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format.Structured() {
		return cli.PrintStructured(out, format, tools)
	}

	table := cli.NewTable(out, format, toolsFlags.NoHeaders)
	wide := format == cli.OutputFormatWide
	if wide {
		table.SetHeaders("NAME", "DESCRIPTION", "PARAMETERS")
	} else {
		table.SetHeaders("NAME", "DESCRIPTION")
	}
	for _, t := range tools {
		desc := cli.OrNA(pkgstrings.TruncateDescription(t.Description, pkgstrings.DefaultDescriptionMaxLen))
		if wide {
			table.AppendRow(t.Name, desc, cli.OrNA(parameterNames(t.ParameterSchema)))
		} else {
			table.AppendRow(t.Name, desc)
		}
	}
	table.Render()
	return nil
}

// parameterNames lists the properties of a JSON schema, marking required
// ones with "*".
func parameterNames(schema json.RawMessage) string {
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if len(schema) == 0 || json.Unmarshal(schema, &s) != nil {
		return ""
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	names := make([]string, 0, len(s.Properties))
	for p := range s.Properties {
		if required[p] {
			p += "*"
		}
		names = append(names, p)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
