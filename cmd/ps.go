package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
	"mcphub/internal/discovery"
	"mcphub/pkg/logging"
	pkgstrings "mcphub/pkg/strings"
)

var (
	psFlags cli.OutputFlags
	psAll   bool
)

// psCmd shows running servers.
var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running MCP servers",
	Long: `List MCP servers that are running, whether mcphub started them or not.

Records of processes that have exited are removed first. Servers started by
other tools are matched against the configuration by command line; --all also
shows MCP-looking processes that match no configured server.

Examples:
  mcphub ps
  mcphub ps --all
  mcphub ps -o json`,
	Args: cobra.NoArgs,
	RunE: runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
	cli.RegisterOutputFlags(psCmd, &psFlags)
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "Also show unconfigured MCP server processes")
}

// psEntry is one row of ps output.
type psEntry struct {
	Name      string          `json:"name" yaml:"name"`
	Instance  int             `json:"instance" yaml:"instance"`
	PID       int             `json:"pid" yaml:"pid"`
	Status    api.ServerState `json:"status" yaml:"status"`
	Ports     []int           `json:"ports,omitempty" yaml:"ports,omitempty"`
	Command   string          `json:"command" yaml:"command"`
	StartedAt time.Time       `json:"startedAt,omitzero" yaml:"startedAt,omitempty"`
	Uptime    string          `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	// Managed is false for processes mcphub found but did not start.
	Managed  bool     `json:"managed" yaml:"managed"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type psOutput struct {
	Servers      []psEntry               `json:"servers" yaml:"servers"`
	Unconfigured []api.DiscoveredProcess `json:"unconfigured,omitempty" yaml:"unconfigured,omitempty"`
}

func runPs(cmd *cobra.Command, args []string) error {
	format, err := psFlags.Format()
	if err != nil {
		return err
	}
	a, err := newApp(cmd, app.ModeAttached, false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	reg := a.Services.Registry

	pruned, err := reg.Prune(ctx)
	if err != nil {
		return err
	}
	for _, name := range pruned {
		logging.Debug("Ps", "Removed stale record for %s", name)
	}

	report, err := a.Services.Scanner.Scan(ctx)
	if err != nil {
		return err
	}
	result := collectPs(a, reg.List(), report)
	if psAll {
		result.Unconfigured = report.Unconfigured
	}

	out := cmd.OutOrStdout()
	if format.Structured() {
		return cli.PrintStructured(out, format, result)
	}

	if len(result.Servers) > 0 {
		table := cli.NewTable(out, format, psFlags.NoHeaders)
		table.SetHeaders("NAME", "INSTANCE", "STATUS", "PID", "PORTS", "COMMAND", "CREATED", "UPTIME")
		colored := format != cli.OutputFormatPlain
		for _, e := range result.Servers {
			instance := "#" + strconv.Itoa(e.Instance)
			if len(e.Ports) > 0 {
				instance += fmt.Sprintf(" (:%d)", e.Ports[0])
			}
			status := cli.FormatState(e.Status, colored)
			if !e.Managed {
				status += " (external)"
			}
			table.AppendRow(
				e.Name,
				instance,
				status,
				strconv.Itoa(e.PID),
				cli.FormatPorts(e.Ports),
				pkgstrings.TruncateCommand([]string{e.Command}, pkgstrings.DefaultCommandMaxLen),
				cli.FormatTime(e.StartedAt),
				cli.OrNA(e.Uptime),
			)
		}
		table.Render()

		if !psFlags.Quiet && format != cli.OutputFormatPlain {
			for _, e := range result.Servers {
				for _, w := range e.Warnings {
					fmt.Fprintln(out, cli.FormatWarning(e.Name+": "+w))
				}
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, psSummary(result.Servers))
		}
	}

	if len(result.Unconfigured) > 0 {
		if len(result.Servers) > 0 {
			fmt.Fprintln(out)
		}
		if !psFlags.Quiet {
			fmt.Fprintln(out, "Unconfigured MCP server processes:")
		}
		printDiscovered(out, format, psFlags.NoHeaders, result.Unconfigured)
	}
	return nil
}

// collectPs merges registry records with configured servers found running
// outside the registry and numbers instances per name.
func collectPs(a *app.Application, records []api.ServerProcessRecord, report *discovery.Report) psOutput {
	reg := a.Services.Registry
	known := make(map[int]bool, len(records))
	var entries []psEntry

	for _, rec := range records {
		known[rec.PID] = true
		e := psEntry{
			Name:      rec.Name,
			PID:       rec.PID,
			Status:    rec.Status,
			Ports:     rec.Ports,
			Command:   strings.Join(rec.CommandLine(), " "),
			StartedAt: rec.StartedAt,
			Managed:   true,
			Warnings:  rec.Warnings,
		}
		if !rec.StartedAt.IsZero() {
			e.Uptime = api.FormatUptime(reg.Uptime(rec))
		}
		entries = append(entries, e)
	}

	if report != nil {
		for _, p := range report.ConfiguredRunning {
			if known[p.PID] {
				continue
			}
			e := psEntry{
				Name:      p.MatchesConfiguredName,
				PID:       p.PID,
				Status:    api.StateRunning,
				Ports:     p.Ports,
				Command:   p.CommandLine,
				StartedAt: p.StartedAt,
			}
			if !p.StartedAt.IsZero() {
				e.Uptime = api.FormatUptime(time.Since(p.StartedAt))
			}
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
	counts := make(map[string]int)
	for i := range entries {
		counts[entries[i].Name]++
		entries[i].Instance = counts[entries[i].Name]
	}
	return psOutput{Servers: entries}
}

func psSummary(entries []psEntry) string {
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	if len(names) == len(entries) {
		return fmt.Sprintf("Running: %d server(s)", len(entries))
	}
	return fmt.Sprintf("Running: %d instance(s) of %d server(s)", len(entries), len(names))
}
