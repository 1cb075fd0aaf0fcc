// Package discovery finds OS processes that look like MCP servers and
// cross-references them with the configuration and the registry.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/internal/proctable"
	"mcphub/internal/registry"
	"mcphub/pkg/logging"
)

// runners launch a server given as an argument. A runner process counts as
// an MCP server when one of its arguments mentions "mcp".
var runners = map[string]bool{
	"npx":     true,
	"uvx":     true,
	"bunx":    true,
	"bun":     true,
	"node":    true,
	"python":  true,
	"python3": true,
	"uv":      true,
	"pipx":    true,
	"deno":    true,
	"docker":  true,
	"podman":  true,
}

// Report partitions the scanned processes.
type Report struct {
	ConfiguredRunning  []api.DiscoveredProcess `json:"configuredRunning"`
	ConfiguredNotFound []string                `json:"configuredNotFound"`
	Unconfigured       []api.DiscoveredProcess `json:"unconfigured"`
	ScannedAt          time.Time               `json:"scannedAt"`
}

// Scanner classifies processes. It never modifies the registry.
type Scanner struct {
	table    proctable.Table
	mu       sync.Mutex
	provider config.Provider
	registry *registry.Registry
	patterns []string
	ignore   []string
	self     int
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPatterns adds doublestar globs that flag a process as an MCP server
// when any argument matches.
func WithPatterns(patterns ...string) Option {
	return func(s *Scanner) { s.patterns = append(s.patterns, patterns...) }
}

// WithIgnore adds doublestar globs for processes that are never reported.
func WithIgnore(patterns ...string) Option {
	return func(s *Scanner) { s.ignore = append(s.ignore, patterns...) }
}

// WithSelfPID overrides the pid excluded from reports.
func WithSelfPID(pid int) Option {
	return func(s *Scanner) { s.self = pid }
}

// New creates a scanner. provider and reg may be nil.
func New(table proctable.Table, provider config.Provider, reg *registry.Registry, opts ...Option) *Scanner {
	s := &Scanner{
		table:    table,
		provider: provider,
		registry: reg,
		self:     os.Getpid(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetProvider swaps the configuration used to name processes.
func (s *Scanner) SetProvider(p config.Provider) {
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
}

// Scan reads the process table once and classifies every process.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	procs, err := s.table.List(ctx)
	if err != nil {
		return nil, err
	}

	var specs []api.LaunchSpec
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider != nil {
		specs = provider.List()
	}
	byPID := make(map[int]api.ServerProcessRecord)
	if s.registry != nil {
		for _, rec := range s.registry.List() {
			if rec.PID != 0 {
				byPID[rec.PID] = rec
			}
		}
	}

	report := &Report{ScannedAt: time.Now()}
	found := make(map[string]bool)
	// Children of a reported process (node under npx, for example) are
	// folded into their parent.
	covered := map[int]bool{s.self: true}

	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	for _, p := range procs {
		if covered[p.PID] || p.Zombie() || len(p.Cmdline) == 0 {
			continue
		}
		if s.ignored(p.Cmdline) {
			continue
		}

		var name string
		if rec, ok := byPID[p.PID]; ok && proctable.MatchesCommand(p.Cmdline, rec.Command, rec.Args) {
			name = rec.Name
		}
		if name == "" {
			name = matchSpec(p.Cmdline, specs)
		}
		if name == "" && !s.looksLikeServer(p.Cmdline) {
			continue
		}

		for _, pid := range proctable.Descendants(procs, p.PID) {
			covered[pid] = true
		}
		dp := api.DiscoveredProcess{
			PID:                   p.PID,
			CommandLine:           p.CommandLine(),
			MatchesConfiguredName: name,
			StartedAt:             p.StartTime,
		}
		if ports, err := s.table.ListeningPorts(ctx, p.PID); err == nil {
			dp.Ports = ports
		} else {
			logging.Debug("Discovery", "Could not read ports of pid %d: %v", p.PID, err)
		}

		if name != "" {
			found[name] = true
			report.ConfiguredRunning = append(report.ConfiguredRunning, dp)
		} else {
			report.Unconfigured = append(report.Unconfigured, dp)
		}
	}

	for _, spec := range specs {
		if !found[spec.Name] {
			report.ConfiguredNotFound = append(report.ConfiguredNotFound, spec.Name)
		}
	}

	logging.Debug("Discovery", "Scanned %d processes: %d configured running, %d unconfigured",
		len(procs), len(report.ConfiguredRunning), len(report.Unconfigured))
	return report, nil
}

func matchSpec(cmdline []string, specs []api.LaunchSpec) string {
	for _, spec := range specs {
		if proctable.MatchesCommand(cmdline, spec.Command, staticArgs(spec.Args)) {
			return spec.Name
		}
	}
	return ""
}

// staticArgs drops arguments that are only known after placeholder
// resolution or port templating.
func staticArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.Contains(a, "${") || strings.Contains(a, "{{") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// LooksLikeServer applies the built-in heuristics only.
func LooksLikeServer(cmdline []string) bool {
	if len(cmdline) == 0 {
		return false
	}
	base := execName(cmdline[0])
	if strings.HasPrefix(base, "mcp-server") || strings.HasPrefix(base, "mcp_server") || strings.HasSuffix(base, "-mcp") {
		return true
	}
	for _, arg := range cmdline[1:] {
		if strings.Contains(strings.ToLower(filepath.Base(arg)), "supergateway") {
			return true
		}
	}
	if !runners[base] {
		return false
	}
	for _, arg := range cmdline[1:] {
		if strings.Contains(strings.ToLower(arg), "mcp") {
			return true
		}
	}
	return false
}

func (s *Scanner) looksLikeServer(cmdline []string) bool {
	return LooksLikeServer(cmdline) || matchAny(s.patterns, cmdline)
}

func (s *Scanner) ignored(cmdline []string) bool {
	return matchAny(s.ignore, cmdline)
}

// matchAny matches every pattern against each argument and against the
// whole command line.
func matchAny(patterns []string, cmdline []string) bool {
	if len(patterns) == 0 {
		return false
	}
	candidates := append([]string{strings.Join(cmdline, " ")}, cmdline...)
	for _, pattern := range patterns {
		for _, c := range candidates {
			if ok, err := doublestar.Match(pattern, c); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func execName(path string) string {
	base := strings.ToLower(filepath.Base(path))
	return strings.TrimSuffix(base, ".exe")
}
