package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// LaunchSpec is the immutable description of how to start one server.
// It is produced by the configuration provider and snapshotted into the
// process record at spawn time.
type LaunchSpec struct {
	Name             string            `json:"name" yaml:"name"`
	Command          string            `json:"command" yaml:"command"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	SetupScript      string            `json:"setupScript,omitempty" yaml:"setupScript,omitempty"`
	// Ports lists the ports the server needs. Zero means any free port.
	Ports       []int    `json:"ports,omitempty" yaml:"ports,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	PackageName string   `json:"packageName,omitempty" yaml:"packageName,omitempty"`
	RepoURL     string   `json:"repoUrl,omitempty" yaml:"repoUrl,omitempty"`
	Disabled    bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// CommandLine returns the command followed by its arguments.
func (s LaunchSpec) CommandLine() []string {
	return append([]string{s.Command}, s.Args...)
}

// ServerProcessRecord is what the registry knows about a spawned server.
type ServerProcessRecord struct {
	Name             string   `json:"name" yaml:"name"`
	PID              int      `json:"pid" yaml:"pid"`
	Command          string   `json:"command" yaml:"command"`
	Args             []string `json:"args,omitempty" yaml:"args,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	// Env is kept in memory only; values may hold credentials.
	Env       map[string]string `json:"-" yaml:"-"`
	Status    ServerState       `json:"status" yaml:"status"`
	StartedAt time.Time         `json:"startedAt" yaml:"startedAt"`
	Ports     []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	Warnings  []string          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	// Owner is the pid of the mcphub process that spawned the server.
	Owner int `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// CommandLine returns the recorded command followed by its arguments.
func (r ServerProcessRecord) CommandLine() []string {
	return append([]string{r.Command}, r.Args...)
}

// ServerStatus is the read-only view returned by Status and ListAll.
type ServerStatus struct {
	Name      string      `json:"name" yaml:"name"`
	State     ServerState `json:"state" yaml:"state"`
	PID       int         `json:"pid,omitempty" yaml:"pid,omitempty"`
	Ports     []int       `json:"ports,omitempty" yaml:"ports,omitempty"`
	StartedAt *time.Time  `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	Uptime    string      `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	Command   string      `json:"command,omitempty" yaml:"command,omitempty"`
	Warnings  []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	LastError string      `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// DiscoveredProcess is an OS process that looks like an MCP server.
type DiscoveredProcess struct {
	PID                   int       `json:"pid" yaml:"pid"`
	CommandLine           string    `json:"commandLine" yaml:"commandLine"`
	MatchesConfiguredName string    `json:"matchesConfiguredName,omitempty" yaml:"matchesConfiguredName,omitempty"`
	StartedAt             time.Time `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	Ports                 []int     `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// Overview combines configured servers with unconfigured processes found on
// the host.
type Overview struct {
	Servers      []ServerStatus      `json:"servers" yaml:"servers"`
	Unconfigured []DiscoveredProcess `json:"unconfigured,omitempty" yaml:"unconfigured,omitempty"`
	// ConfiguredNotFound names configured servers with no matching process.
	ConfiguredNotFound []string `json:"configuredNotFound,omitempty" yaml:"configuredNotFound,omitempty"`
}

// ToolDescriptor is the protocol independent description of a tool.
type ToolDescriptor struct {
	Server          string          `json:"server" yaml:"server"`
	Name            string          `json:"name" yaml:"name"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameterSchema,omitempty" yaml:"parameterSchema,omitempty"`
}

// StopResult says how a server came to a halt.
type StopResult string

const (
	// StopGraceful means the process exited within the grace period.
	StopGraceful StopResult = "graceful"
	// StopForced means the process had to be killed.
	StopForced StopResult = "forced"
	// StopAlreadyExited means there was no live process to signal.
	StopAlreadyExited StopResult = "already-exited"
)

// StopOutcome is returned by Stop.
type StopOutcome struct {
	Name          string        `json:"name" yaml:"name"`
	PID           int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	Result        StopResult    `json:"result" yaml:"result"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
	ReleasedPorts []int         `json:"releasedPorts,omitempty" yaml:"releasedPorts,omitempty"`
}

// FormatUptime renders a duration as "HH:MM:SS", prefixed with
// "N days, " once it exceeds a day.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	clock := fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	switch {
	case days == 1:
		return "1 day, " + clock
	case days > 1:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
	return clock
}
