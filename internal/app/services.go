package app

import (
	"fmt"

	"github.com/spf13/afero"

	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/internal/discovery"
	"mcphub/internal/hub"
	"mcphub/internal/lifecycle"
	"mcphub/internal/ports"
	"mcphub/internal/proctable"
	"mcphub/internal/registry"
	"mcphub/pkg/logging"
)

// changeBuffer bounds queued state and tool change events. Events beyond it
// are dropped; a single queued event already triggers a full resync.
const changeBuffer = 16

// Services are the components shared by every command.
type Services struct {
	Table      proctable.Table
	Registry   *registry.Registry
	Ports      *ports.Allocator
	Scanner    *discovery.Scanner
	Controller *lifecycle.Controller
	Hub        *hub.Hub

	// changes receives the server name whenever a state or its tool list
	// changes. Serve drains it to keep the aggregated tool list current.
	changes chan string
}

// InitializeServices builds the component graph for file.
func InitializeServices(cfg *Config, file *config.File) (*Services, error) {
	table, err := proctable.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open process table: %w", err)
	}

	var regOpts []registry.Option
	if !cfg.Ephemeral {
		path := file.Hub.StateFile
		if path == "" {
			path, err = registry.DefaultStatePath()
			if err != nil {
				return nil, err
			}
		}
		fs := cfg.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		regOpts = append(regOpts, registry.WithStore(registry.NewFileStore(fs, path)))
		logging.Debug("Bootstrap", "Process state in %s", path)
	}
	reg, err := registry.New(table, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load process state: %w", err)
	}

	alloc := ports.New(ports.Config{
		Base:         file.Hub.Ports.Base,
		MaxAttempts:  file.Hub.Ports.MaxAttempts,
		ProbeTimeout: file.Hub.Ports.ProbeTimeout.Std(),
	})

	scanner := discovery.New(table, file, reg,
		discovery.WithPatterns(file.Hub.Discovery.Patterns...),
		discovery.WithIgnore(file.Hub.Discovery.Ignore...))

	s := &Services{
		Table:    table,
		Registry: reg,
		Ports:    alloc,
		Scanner:  scanner,
		changes:  make(chan string, changeBuffer),
	}

	ctlOpts := []lifecycle.Option{
		lifecycle.WithSettings(lifecycle.SettingsFrom(file.Hub.Lifecycle)),
		lifecycle.WithScanner(scanner),
		lifecycle.WithStateListener(s.onStateChange),
	}
	switch cfg.Mode {
	case ModeForeground:
		ctlOpts = append(ctlOpts, lifecycle.WithStdio(cfg.Stdin, cfg.Stdout))
	case ModeDetached:
		ctlOpts = append(ctlOpts, lifecycle.WithStdio(nil, nil))
	}
	s.Controller = lifecycle.New(file, reg, alloc, table, ctlOpts...)

	s.Hub = hub.New(s.Controller,
		hub.WithRequestTimeout(file.Hub.Lifecycle.RequestTimeout.Std()),
		hub.WithVersion(cfg.Version),
		hub.WithToolsChanged(s.notify))
	return s, nil
}

func (s *Services) onStateChange(name string, from, to api.ServerState) {
	if s.Hub != nil {
		s.Hub.OnStateChange(name, from, to)
	}
	s.notify(name)
}

func (s *Services) notify(name string) {
	select {
	case s.changes <- name:
	default:
	}
}
