package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/mark3labs/mcp-go/mcp"

	"mcphub/internal/api"
	"mcphub/internal/cli"
	"mcphub/pkg/logging"
)

// commandTimeout bounds a single command, tool calls included.
const commandTimeout = 5 * time.Minute

// errExit ends the loop.
var errExit = errors.New("exit")

// Backend is what the shell drives.
type Backend interface {
	Names() []string
	Status(ctx context.Context, name string) (api.ServerStatus, error)
	Start(ctx context.Context, name string) (api.ServerProcessRecord, error)
	Stop(ctx context.Context, name string) (api.StopOutcome, error)
	ListTools(ctx context.Context, name string, useCache bool) ([]api.ToolDescriptor, error)
	CallTool(ctx context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

type command struct {
	usage   string
	help    string
	minArgs int
	run     func(ctx context.Context, args []string) error
}

// REPL is an interactive read-eval-print loop over a Backend.
type REPL struct {
	backend  Backend
	out      io.Writer
	commands map[string]*command
	aliases  map[string]string
}

// New creates a shell writing to out.
func New(backend Backend, out io.Writer) *REPL {
	r := &REPL{
		backend:  backend,
		out:      out,
		commands: make(map[string]*command),
		aliases:  make(map[string]string),
	}
	r.registerCommands()
	return r
}

func (r *REPL) register(name string, aliases []string, c *command) {
	r.commands[name] = c
	for _, a := range aliases {
		r.aliases[a] = name
	}
}

func (r *REPL) registerCommands() {
	r.register("help", []string{"?"}, &command{
		usage: "help",
		help:  "Show available commands",
		run:   r.runHelp,
	})
	r.register("list", []string{"ls", "ps"}, &command{
		usage: "list",
		help:  "Show every configured server and its state",
		run:   r.runList,
	})
	r.register("start", nil, &command{
		usage:   "start NAME",
		help:    "Start a server",
		minArgs: 1,
		run:     r.runStart,
	})
	r.register("stop", nil, &command{
		usage:   "stop NAME",
		help:    "Stop a server",
		minArgs: 1,
		run:     r.runStop,
	})
	r.register("tools", nil, &command{
		usage:   "tools NAME",
		help:    "List the tools of a running server",
		minArgs: 1,
		run:     r.runTools,
	})
	r.register("call", nil, &command{
		usage:   "call NAME TOOL [KEY=VALUE...|{json}]",
		help:    "Call a tool on a running server",
		minArgs: 2,
		run:     r.runCall,
	})
	r.register("exit", []string{"quit", "q"}, &command{
		usage: "exit",
		help:  "Leave the shell",
		run:   func(context.Context, []string) error { return errExit },
	})
}

// Execute runs one input line. It returns errExit for the exit command.
func (r *REPL) Execute(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	c, ok := r.commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, type 'help' for a list", fields[0])
	}
	args := fields[1:]
	if len(args) < c.minArgs {
		return fmt.Errorf("usage: %s", c.usage)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return c.run(ctx, args)
}

// Run reads commands until EOF, exit or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcphub_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "mcphub» ",
		HistoryFile:       historyFile,
		AutoComplete:      r.completer(ctx),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            r.out,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(r.out, "Type 'help' for available commands. Use TAB for completion.")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if len(line) == 0 {
				continue
			}
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("readline error: %w", err)
		}

		if err := r.Execute(ctx, strings.TrimSpace(line)); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintln(r.out, cli.FormatError(err))
		}
	}
}

func (r *REPL) runHelp(context.Context, []string) error {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := r.commands[n]
		fmt.Fprintf(r.out, "  %-40s %s\n", c.usage, c.help)
	}
	return nil
}

func (r *REPL) runList(ctx context.Context, _ []string) error {
	table := cli.NewTable(r.out, cli.OutputFormatTable, false)
	table.SetHeaders("NAME", "STATUS", "PID", "PORTS", "UPTIME")
	for _, name := range r.backend.Names() {
		st, err := r.backend.Status(ctx, name)
		if err != nil {
			logging.Debug("REPL", "Status of %s: %v", name, err)
			continue
		}
		pid := cli.NotAvailable
		if st.PID != 0 {
			pid = fmt.Sprint(st.PID)
		}
		table.AppendRow(name, cli.FormatState(st.State, true), pid, cli.FormatPorts(st.Ports), cli.OrNA(st.Uptime))
	}
	if table.Len() == 0 {
		fmt.Fprintln(r.out, "No servers configured")
		return nil
	}
	table.Render()
	return nil
}

func (r *REPL) runStart(ctx context.Context, args []string) error {
	if err := cli.CheckName(args[0], r.backend.Names()); err != nil {
		return err
	}
	rec, err := r.backend.Start(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, cli.FormatSuccess(fmt.Sprintf("Started %s (pid %d)", rec.Name, rec.PID)))
	return nil
}

func (r *REPL) runStop(ctx context.Context, args []string) error {
	outcome, err := r.backend.Stop(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, cli.FormatSuccess(fmt.Sprintf("Stopped %s (%s)", outcome.Name, outcome.Result)))
	return nil
}

func (r *REPL) runTools(ctx context.Context, args []string) error {
	tools, err := r.backend.ListTools(ctx, args[0], true)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Fprintf(r.out, "%s has no tools\n", args[0])
		return nil
	}
	table := cli.NewTable(r.out, cli.OutputFormatTable, false)
	table.SetHeaders("NAME", "DESCRIPTION")
	for _, t := range tools {
		table.AppendRow(t.Name, cli.OrNA(t.Description))
	}
	table.Render()
	return nil
}

func (r *REPL) runCall(ctx context.Context, args []string) error {
	var raw string
	pairs := args[2:]
	if len(pairs) > 0 && strings.HasPrefix(pairs[0], "{") {
		raw, pairs = strings.Join(pairs, " "), nil
	}
	toolArgs, err := cli.ParseToolArgs(raw, pairs)
	if err != nil {
		return err
	}
	res, err := r.backend.CallTool(ctx, args[0], args[1], toolArgs)
	if err != nil {
		return err
	}
	fmt.Fprint(r.out, cli.ResultText(res))
	if res.IsError {
		return fmt.Errorf("tool %s reported an error", args[1])
	}
	return nil
}
