package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/pkg/logging"
)

// stopTimeout bounds stopping a server started by a one-shot command.
const stopTimeout = 20 * time.Second

// SSEOptions wrap a stdio server in supergateway so it is reachable over
// HTTP server-sent events.
type SSEOptions struct {
	// Port is the preferred port. Zero picks a free one.
	Port int
	// BaseURL may reference the allocated port as {{ .Port }}.
	BaseURL     string
	SSEPath     string
	MessagePath string
}

// DefaultSSEOptions match supergateway's defaults.
func DefaultSSEOptions() SSEOptions {
	return SSEOptions{
		BaseURL:     "http://localhost:{{ .Port }}",
		SSEPath:     "/sse",
		MessagePath: "/message",
	}
}

// WrapSSE returns spec rewritten to run under supergateway.
func WrapSSE(spec api.LaunchSpec, opts SSEOptions) (api.LaunchSpec, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultSSEOptions().BaseURL
	}
	if opts.SSEPath == "" {
		opts.SSEPath = DefaultSSEOptions().SSEPath
	}
	if opts.MessagePath == "" {
		opts.MessagePath = DefaultSSEOptions().MessagePath
	}

	// supergateway runs the inner command through a shell.
	parts := make([]string, 0, len(spec.Args)+1)
	for _, word := range spec.CommandLine() {
		q, err := syntax.Quote(word, syntax.LangBash)
		if err != nil {
			return api.LaunchSpec{}, fmt.Errorf("cannot quote argument %q: %w", word, err)
		}
		parts = append(parts, q)
	}

	wrapped := spec
	wrapped.Command = "npx"
	wrapped.Args = []string{
		"-y", "supergateway",
		"--stdio", strings.Join(parts, " "),
		"--port", "{{ .Port }}",
		"--baseUrl", opts.BaseURL,
		"--ssePath", opts.SSEPath,
		"--messagePath", opts.MessagePath,
	}
	wrapped.Ports = []int{opts.Port}
	return wrapped, nil
}

// sseProvider serves the wrapped spec for one server.
type sseProvider struct {
	config.Provider
	name string
	opts SSEOptions
}

func (p sseProvider) Get(name string) (api.LaunchSpec, error) {
	spec, err := p.Provider.Get(name)
	if err != nil || name != p.name {
		return spec, err
	}
	return WrapSSE(spec, p.opts)
}

func (p sseProvider) LookupEnv(key string) (string, bool) {
	if l, ok := p.Provider.(interface {
		LookupEnv(string) (string, bool)
	}); ok {
		return l.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

// RunForeground starts name and blocks until it exits or ctx is done, in
// which case the server is stopped. started is called once the server runs.
func (a *Application) RunForeground(ctx context.Context, name string, sse *SSEOptions, started func(api.ServerProcessRecord)) error {
	ctl := a.Services.Controller
	if sse != nil {
		ctl.SetProvider(sseProvider{Provider: a.File(), name: name, opts: *sse})
	}

	rec, err := ctl.Start(ctx, name)
	if err != nil {
		return err
	}
	if started != nil {
		started(rec)
	}

	waitErr := ctl.Wait(ctx, name)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	outcome, err := ctl.Stop(stopCtx, name)
	if err != nil {
		return err
	}
	logging.Info("Run", "%s stopped (%s)", name, outcome.Result)

	if errors.Is(waitErr, context.Canceled) {
		return nil
	}
	return waitErr
}

// WithServer starts name for the duration of fn and stops it afterwards.
func (a *Application) WithServer(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctl := a.Services.Controller
	if _, err := ctl.Start(ctx, name); err != nil {
		return err
	}
	defer func() {
		a.Services.Hub.Detach(name)
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if _, err := ctl.Stop(stopCtx, name); err != nil {
			logging.Warn("App", "Failed to stop %s: %v", name, err)
		}
	}()
	return fn(ctx)
}
