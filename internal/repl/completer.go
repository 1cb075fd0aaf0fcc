package repl

import (
	"context"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

// completionTimeout keeps TAB responsive when a server is slow.
const completionTimeout = 2 * time.Second

func (r *REPL) completer(ctx context.Context) *readline.PrefixCompleter {
	servers := func(string) []string { return r.backend.Names() }
	tools := func(line string) []string {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil
		}
		return r.toolNames(ctx, fields[1])
	}

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("list"),
		readline.PcItem("start", readline.PcItemDynamic(servers)),
		readline.PcItem("stop", readline.PcItemDynamic(servers)),
		readline.PcItem("tools", readline.PcItemDynamic(servers)),
		readline.PcItem("call", readline.PcItemDynamic(servers, readline.PcItemDynamic(tools))),
		readline.PcItem("exit"),
	)
}

// toolNames lists the cached tools of a running server for completion.
func (r *REPL) toolNames(ctx context.Context, server string) []string {
	ctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()
	tools, err := r.backend.ListTools(ctx, server, true)
	if err != nil {
		return nil
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
