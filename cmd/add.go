package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mcphub/internal/api"
	"mcphub/internal/app"
	"mcphub/internal/cli"
	"mcphub/internal/config"
)

var (
	addEnv         []string
	addCwd         string
	addSetup       string
	addPorts       []int
	addDescription string
	addTags        []string
	addPackage     string
	addRepo        string
	addDisabled    bool
	addForce       bool
)

// addCmd adds a server to the configuration file.
var addCmd = &cobra.Command{
	Use:   "add NAME [flags] [-- COMMAND [ARGS...]]",
	Short: "Add an MCP server to the configuration",
	Long: `Add a server to the configuration file, creating the file if needed.

Everything after -- is the command line. Without one, --package runs an npm
package through npx. Values may reference environment variables as ${VAR} or
${VAR:-default}; they are resolved when the server starts.

Examples:
  mcphub add github --env 'GITHUB_TOKEN=${GITHUB_TOKEN}' -- npx -y @modelcontextprotocol/server-github
  mcphub add fs --package @modelcontextprotocol/server-filesystem -- /tmp
  mcphub add web --port 0 -- node server.js --port '{{ .Port }}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

func init() {
	rootCmd.AddCommand(addCmd)
	f := addCmd.Flags()
	f.StringArrayVarP(&addEnv, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	f.StringVar(&addCwd, "cwd", "", "Working directory, relative to the configuration file")
	f.StringVar(&addSetup, "setup", "", "Shell script run before every start")
	f.IntSliceVar(&addPorts, "port", nil, "Port the server needs, 0 for any free port (repeatable)")
	f.StringVar(&addDescription, "description", "", "Free-form description")
	f.StringSliceVar(&addTags, "tag", nil, "Tag (repeatable)")
	f.StringVar(&addPackage, "package", "", "npm package run with 'npx -y' when no command is given")
	f.StringVar(&addRepo, "repo", "", "Source repository URL")
	f.BoolVar(&addDisabled, "disabled", false, "Skip the server in 'start --all' and 'serve'")
	f.BoolVar(&addForce, "force", false, "Replace an existing server with the same name")
}

func runAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	var cmdline []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		if dash != 1 {
			return fmt.Errorf("expected exactly one server name before --")
		}
		cmdline = args[dash:]
	} else if len(args) > 1 {
		return fmt.Errorf("put the server command after --, e.g. mcphub add %s -- %s", name, strings.Join(args[1:], " "))
	}

	if err := config.ValidateServerName(name); err != nil {
		return err
	}
	if len(cmdline) == 0 && addPackage == "" {
		return fmt.Errorf("a command after -- or --package is required")
	}

	sc := config.ServerConfig{
		Cwd:         addCwd,
		SetupScript: addSetup,
		Ports:       addPorts,
		Description: addDescription,
		Tags:        addTags,
		PackageName: addPackage,
		RepoURL:     addRepo,
		Disabled:    addDisabled,
	}
	switch {
	case addPackage != "":
		// npx runs the package; the rest are its arguments.
		sc.Args = cmdline
	case len(cmdline) > 0:
		sc.Command, sc.Args = cmdline[0], cmdline[1:]
	}
	env, err := parseEnvPairs(addEnv)
	if err != nil {
		return err
	}
	sc.Env = env

	f, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if _, exists := f.Servers[name]; exists && !addForce {
		return fmt.Errorf("server %q already exists in %s (use --force to replace it)", name, f.Path)
	}
	f.Servers[name] = sc
	if err := f.Validate(); err != nil {
		return err
	}
	if err := ensureDir(f.Path); err != nil {
		return err
	}
	if err := f.Save(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Added %s to %s", name, f.Path)))

	spec, err := f.Get(name)
	if err != nil {
		return err
	}
	vars := placeholderVariables(spec)
	if len(vars) > 0 {
		var missing []string
		for _, v := range vars {
			if _, ok := f.LookupEnv(v); !ok {
				missing = append(missing, v)
			}
		}
		fmt.Fprintf(out, "Uses environment variable(s): %s\n", strings.Join(vars, ", "))
		if len(missing) > 0 {
			fmt.Fprintln(out, cli.FormatWarning("Not set: "+strings.Join(missing, ", ")+". Set them before starting the server, unless they have defaults."))
		}
	}
	fmt.Fprintln(out, cli.FormatHint(fmt.Sprintf("Use 'mcphub run %s' or 'mcphub tools %s' to try it.", name, name)))
	return nil
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--env %q is not KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

// placeholderVariables lists the ${VAR} names a launch spec references.
func placeholderVariables(spec api.LaunchSpec) []string {
	seen := make(map[string]bool)
	add := func(s string) {
		for _, v := range config.ReferencedVariables(s) {
			seen[v] = true
		}
	}
	add(spec.Command)
	for _, a := range spec.Args {
		add(a)
	}
	for _, v := range spec.Env {
		add(v)
	}
	add(spec.WorkingDirectory)
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
