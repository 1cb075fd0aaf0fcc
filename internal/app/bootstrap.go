package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mcphub/internal/config"
	"mcphub/pkg/logging"
)

// Application bundles the loaded configuration and the services built
// from it.
type Application struct {
	config   *Config
	mu       sync.RWMutex
	file     *config.File
	Services *Services
}

// NewApplication loads the configuration and initializes the services.
// A missing configuration file is not an error: the application starts
// with no servers and a path under ~/.mcphub, so `add` can create it.
func NewApplication(cfg *Config) (*Application, error) {
	file, err := LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	services, err := InitializeServices(cfg, file)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		file:     file,
		Services: services,
	}, nil
}

// LoadConfig loads path, or searches for a configuration file when path
// is empty.
func LoadConfig(path string) (*config.File, error) {
	if path != "" {
		return config.Load(path)
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	found, err := config.Find(wd)
	if errors.Is(err, config.ErrNoConfig) {
		userDir, derr := config.GetUserDir()
		if derr != nil {
			return nil, derr
		}
		logging.Debug("Bootstrap", "No configuration found, using an empty one")
		return &config.File{
			Path:    filepath.Join(userDir, config.FileName),
			Servers: make(map[string]config.ServerConfig),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return config.Load(found)
}

// File returns the current configuration.
func (a *Application) File() *config.File {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.file
}

// Reload swaps in f. Running servers keep their launch specs.
func (a *Application) Reload(f *config.File) {
	a.mu.Lock()
	a.file = f
	a.mu.Unlock()
	a.Services.Controller.SetProvider(f)
	a.Services.Scanner.SetProvider(f)
}

// Names returns the configured server names.
func (a *Application) Names() []string {
	return a.File().Names()
}
