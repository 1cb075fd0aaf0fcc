package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// File is a parsed .mcphub.json. The mcpServers section uses the same
// shape as editor MCP configurations so existing files can be reused.
type File struct {
	// Path is the file the configuration was read from.
	Path    string                  `json:"-"`
	Servers map[string]ServerConfig `json:"mcpServers"`
	Hub     HubSettings             `json:"hub,omitzero"`

	// dotenv holds variables from the .env file next to the configuration.
	dotenv map[string]string
}

// ServerConfig declares one server.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	// ServerPath is the directory of a locally built server. It is used as
	// the working directory when Cwd is empty.
	ServerPath  string `json:"server_path,omitempty"`
	SetupScript string `json:"setup_script,omitempty"`
	// Ports lists ports the server needs; 0 asks for any free port.
	Ports       []int    `json:"ports,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// PackageName is run with `npx -y` when Command is empty.
	PackageName string `json:"package_name,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

// HubSettings tune the hub itself.
type HubSettings struct {
	Ports     PortSettings      `json:"ports,omitzero"`
	Lifecycle LifecycleSettings `json:"lifecycle,omitzero"`
	Discovery DiscoverySettings `json:"discovery,omitzero"`
	// StateFile overrides ~/.mcphub/processes.yaml.
	StateFile string `json:"stateFile,omitempty"`
}

// PortSettings configure the port allocator.
type PortSettings struct {
	Base         int      `json:"base,omitempty"`
	MaxAttempts  int      `json:"maxAttempts,omitempty"`
	ProbeTimeout Duration `json:"probeTimeout,omitzero"`
}

// LifecycleSettings configure starting and stopping servers.
type LifecycleSettings struct {
	GracePeriod    Duration `json:"gracePeriod,omitzero"`
	SetupTimeout   Duration `json:"setupTimeout,omitzero"`
	StartTimeout   Duration `json:"startTimeout,omitzero"`
	RequestTimeout Duration `json:"requestTimeout,omitzero"`
}

// DiscoverySettings configure the process scanner.
type DiscoverySettings struct {
	// Patterns are doublestar globs matched against command line arguments
	// to flag additional processes as MCP servers.
	Patterns []string `json:"patterns,omitempty"`
	// Ignore are doublestar globs for processes that must never be reported.
	Ignore []string `json:"ignore,omitempty"`
}

// Duration is a time.Duration that reads "5s" style strings or a number
// of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or 90.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}
