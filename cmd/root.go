package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
	"mcphub/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeSetupFailed indicates a setup script exited non-zero.
	ExitCodeSetupFailed = 3
	// ExitCodePortUnavailable indicates a port conflict or an exhausted port range.
	ExitCodePortUnavailable = 4
	// ExitCodeNotFound indicates an unknown server name or pid.
	ExitCodeNotFound = 5
	// ExitCodeMissingEnv indicates an unresolved ${VAR} placeholder.
	ExitCodeMissingEnv = 6
)

// logLevelEnv overrides the default log level.
const logLevelEnv = "MCPHUB_LOG_LEVEL"

var (
	configPath string
	logLevel   string
)

// rootCmd represents the base command for the mcphub application.
var rootCmd = &cobra.Command{
	Use:   "mcphub",
	Short: "Run and manage local MCP servers",
	Long: `mcphub starts, stops and inspects the MCP servers listed in .mcphub.json.

Servers are spawned as child processes speaking JSON-RPC over stdio. mcphub
runs their setup scripts, allocates the ports they need, remembers their
processes across invocations and finds MCP servers started by other tools.
'mcphub serve' keeps every server running and can expose all of their tools
as a single MCP server.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logging.InitForCLI(level, cmd.ErrOrStderr())
		return nil
	},
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcphub version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var unknown *cli.UnknownNameError
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.As(err, &unknown), api.IsNotFound(err):
		return ExitCodeNotFound
	case api.IsSetupFailed(err):
		return ExitCodeSetupFailed
	case api.IsPortError(err):
		return ExitCodePortUnavailable
	case api.IsMissingEnv(err):
		return ExitCodeMissingEnv
	}
	return ExitCodeError
}

// newApp bootstraps the services for a command.
func newApp(cmd *cobra.Command, mode app.Mode, ephemeral bool) (*app.Application, error) {
	cfg := app.NewConfig(configPath, rootCmd.Version, mode)
	cfg.Ephemeral = ephemeral
	if mode == app.ModeForeground {
		cfg.Stdin = cmd.InOrStdin()
		cfg.Stdout = cmd.OutOrStdout()
	}
	return app.NewApplication(cfg)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// checkServerName fails with suggestions when name is neither configured
// nor recorded.
func checkServerName(a *app.Application, name string) error {
	known := a.Names()
	for _, rec := range a.Services.Registry.List() {
		known = append(known, rec.Name)
	}
	return cli.CheckName(name, known)
}

// completeServerNames offers configured server names.
func completeServerNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	f, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return f.Names(), cobra.ShellCompDirectiveNoFileComp
}

func defaultLogLevel() string {
	if v := os.Getenv(logLevelEnv); v != "" {
		return v
	}
	return "warn"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: .mcphub.json in the current or a parent directory, then ~/.mcphub)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel(), "Log level: debug, info, warn or error (env: "+logLevelEnv+")")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
