package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mcphub/internal/app"
	"mcphub/internal/cli"
)

// removeCmd deletes a server from the configuration file.
var removeCmd = &cobra.Command{
	Use:     "remove NAME",
	Aliases: []string{"rm"},
	Short:   "Remove an MCP server from the configuration",
	Long: `Remove a server from the configuration file.

A running instance is left alone; stop it first with 'mcphub stop NAME'.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeServerNames,
	RunE:              runRemove,
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	name := args[0]
	f, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cli.CheckName(name, f.Names()); err != nil {
		return err
	}
	delete(f.Servers, name)
	if err := f.Save(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Removed %s from %s", name, f.Path)))

	a, err := newApp(cmd, app.ModeAttached, false)
	if err != nil {
		return nil
	}
	if rec, err := a.Services.Registry.Refresh(cmd.Context(), name); err == nil && rec.Status.IsLive() {
		fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("%s is still running as pid %d; stop it with 'mcphub stop %s'", name, rec.PID, name)))
	}
	return nil
}

// ensureDir creates the directory holding path.
func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	return nil
}
