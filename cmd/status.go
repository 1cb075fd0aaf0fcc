package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
)

var statusFlags cli.OutputFlags

// statusCmd shows one server in detail.
var statusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show the status of an MCP server",
	Long: `Show the lifecycle state of one server together with its configuration.

Examples:
  mcphub status github
  mcphub status github -o yaml`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeServerNames,
	RunE:              runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	cli.RegisterOutputFlags(statusCmd, &statusFlags)
}

type statusOutput struct {
	api.ServerStatus
	Config           *api.LaunchSpec `json:"config,omitempty" yaml:"config,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := statusFlags.Format()
	if err != nil {
		return err
	}
	a, err := newApp(cmd, app.ModeAttached, false)
	if err != nil {
		return err
	}
	name := args[0]
	if err := checkServerName(a, name); err != nil {
		return err
	}

	st, err := a.Services.Controller.Status(cmd.Context(), name)
	if err != nil {
		return err
	}
	result := statusOutput{ServerStatus: st}
	if spec, err := a.File().Get(name); err == nil {
		result.Config = &spec
	}

	out := cmd.OutOrStdout()
	if format.Structured() {
		return cli.PrintStructured(out, format, result)
	}
	printStatus(out, result, format != cli.OutputFormatPlain)
	return nil
}

func printStatus(out io.Writer, s statusOutput, colored bool) {
	field := func(label, value string) {
		fmt.Fprintf(out, "%-12s %s\n", label+":", value)
	}
	field("Name", s.Name)
	field("Status", cli.FormatState(s.State, colored))
	if s.PID != 0 {
		field("PID", fmt.Sprint(s.PID))
	}
	if len(s.Ports) > 0 {
		field("Ports", cli.FormatPorts(s.Ports))
	}
	if s.StartedAt != nil {
		field("Created", cli.FormatTime(*s.StartedAt))
		field("Uptime", cli.OrNA(s.Uptime))
	}
	if s.Command != "" {
		field("Process", s.Command)
	}
	if s.LastError != "" {
		field("Last error", s.LastError)
	}

	if c := s.Config; c != nil {
		fmt.Fprintln(out)
		field("Command", strings.Join(c.CommandLine(), " "))
		if c.WorkingDirectory != "" {
			field("Directory", c.WorkingDirectory)
		}
		if c.Description != "" {
			field("Description", c.Description)
		}
		if c.PackageName != "" {
			field("Package", c.PackageName)
		}
		if c.RepoURL != "" {
			field("Repository", c.RepoURL)
		}
		if len(c.Env) > 0 {
			field("Env vars", envKeys(*c))
		}
		if c.SetupScript != "" {
			field("Setup", "yes")
		}
		if c.Disabled {
			field("Disabled", "yes")
		}
	} else {
		fmt.Fprintln(out, cli.FormatWarning("not in the configuration any more"))
	}

	for _, w := range s.Warnings {
		fmt.Fprintln(out, cli.FormatWarning(w))
	}
}
