package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"mcphub/internal/api"
	"mcphub/pkg/logging"
)

// DefaultSetupTimeout bounds a setup script. Installs can be slow.
const DefaultSetupTimeout = 10 * time.Minute

// runSetup runs script with a POSIX shell interpreter in dir. Output is
// logged at debug level and stderr is kept for the error.
func runSetup(ctx context.Context, server, script, dir string, env map[string]string, timeout time.Duration) error {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(script), server+"-setup")
	if err != nil {
		return &api.SetupFailedError{Server: server, Err: fmt.Errorf("invalid setup script: %w", err)}
	}

	if timeout <= 0 {
		timeout = DefaultSetupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(nil, logging.LineWriter("Setup:"+server), io.MultiWriter(&stderr, logging.LineWriter("Setup:"+server))),
		interp.Env(expand.ListEnviron(environ(env)...)),
		interp.Dir(dir),
	)
	if err != nil {
		return &api.SetupFailedError{Server: server, Err: err}
	}

	logging.Info("Lifecycle", "Running setup script for %s", server)
	start := time.Now()
	err = runner.Run(ctx, file)
	if err == nil {
		logging.Info("Lifecycle", "Setup for %s finished in %s", server, time.Since(start).Round(time.Millisecond))
		return nil
	}

	failure := &api.SetupFailedError{Server: server, Stderr: stderr.String(), Err: err}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		failure.ExitCode = int(status)
	}
	if ctx.Err() != nil {
		failure.ExitCode = 0
		failure.Err = fmt.Errorf("setup did not finish within %s: %w", timeout, ctx.Err())
	}
	return failure
}

// environ returns the process environment overlaid with extra, in
// KEY=VALUE form with keys sorted.
func environ(extra map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
