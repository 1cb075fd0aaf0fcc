package app

import (
	"io"

	"github.com/spf13/afero"
)

// Mode selects how spawned servers are wired to this process.
type Mode int

const (
	ModeAttached Mode = iota
	ModeForeground
	ModeDetached
)

// Config holds the application configuration.
type Config struct {
	// ConfigPath points at a configuration file. Empty means search upwards
	// from the working directory.
	ConfigPath string

	// Version is reported to servers as the client version.
	Version string

	Mode Mode

	// Ephemeral keeps process records in memory only. One-shot commands use
	// it so their temporary instance does not collide with a running one.
	Ephemeral bool

	// Stdin and Stdout are handed to the server in ModeForeground.
	Stdin  io.Reader
	Stdout io.Writer

	// Fs holds the state file. Defaults to the OS filesystem.
	Fs afero.Fs
}

// NewConfig creates a new application configuration.
func NewConfig(configPath, version string, mode Mode) *Config {
	return &Config{
		ConfigPath: configPath,
		Version:    version,
		Mode:       mode,
	}
}
