package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/proctable"
	"mcphub/internal/registry"
)

type staticProvider []api.LaunchSpec

func (p staticProvider) Get(name string) (api.LaunchSpec, error) {
	for _, s := range p {
		if s.Name == name {
			return s, nil
		}
	}
	return api.LaunchSpec{}, api.NewNotFoundError("server", name)
}

func (p staticProvider) List() []api.LaunchSpec { return p }

func TestLooksLikeServer(t *testing.T) {
	tests := []struct {
		cmdline []string
		want    bool
	}{
		{[]string{"npx", "-y", "@modelcontextprotocol/server-github"}, true},
		{[]string{"/usr/bin/node", "/home/u/mcp/index.js"}, true},
		{[]string{"uvx", "mcp-server-fetch"}, true},
		{[]string{"/usr/local/bin/mcp-server-time"}, true},
		{[]string{"npx", "-y", "supergateway", "--stdio", "x"}, true},
		{[]string{"docker", "run", "-i", "ghcr.io/github/github-mcp-server"}, true},
		{[]string{"node", "server.js"}, false},
		{[]string{"vim", "mcp.txt"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LooksLikeServer(tt.cmdline), "%v", tt.cmdline)
	}
}

func TestScan_Partitions(t *testing.T) {
	table := &proctable.Static{
		Procs: []proctable.Process{
			{PID: 1, Cmdline: []string{"/sbin/init"}},
			{PID: 10, PPID: 1, Cmdline: []string{"npx", "-y", "@modelcontextprotocol/server-github"}, StartTime: time.Now()},
			{PID: 11, PPID: 10, Cmdline: []string{"node", "/cache/_npx/server-github/dist/index.js"}},
			{PID: 20, PPID: 1, Cmdline: []string{"uvx", "mcp-server-fetch", "--token", "abc"}},
			{PID: 30, PPID: 1, Cmdline: []string{"bash"}},
			{PID: 40, PPID: 1, Cmdline: []string{"python", "-m", "mcp_ignored"}},
			{PID: 50, PPID: 1, Cmdline: []string{"/opt/custom/bin/toolbox", "--serve"}},
			{PID: 99, PPID: 1, Cmdline: []string{"npx", "mcp-self"}},
		},
		Ports: map[int][]int{10: {3001}},
	}
	provider := staticProvider{
		{Name: "github", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-github"}},
		{Name: "fetch", Command: "uvx", Args: []string{"mcp-server-fetch", "--token", "${TOKEN}"}},
		{Name: "absent", Command: "node", Args: []string{"absent.js"}},
	}
	s := New(table, provider, nil,
		WithSelfPID(99),
		WithIgnore("mcp_ignored"),
		WithPatterns("/opt/custom/**"),
	)

	report, err := s.Scan(context.Background())
	require.NoError(t, err)

	var running []string
	for _, p := range report.ConfiguredRunning {
		running = append(running, p.MatchesConfiguredName)
	}
	assert.Equal(t, []string{"github", "fetch"}, running)
	assert.Equal(t, []int{3001}, report.ConfiguredRunning[0].Ports)
	assert.Equal(t, []string{"absent"}, report.ConfiguredNotFound)

	require.Len(t, report.Unconfigured, 1)
	assert.Equal(t, 50, report.Unconfigured[0].PID)
	assert.Empty(t, report.Unconfigured[0].MatchesConfiguredName)
}

func TestScan_MatchesRegistryPID(t *testing.T) {
	table := &proctable.Static{Procs: []proctable.Process{
		{PID: 7, Cmdline: []string{"./bin/custom-server"}},
	}}
	reg, err := registry.New(table)
	require.NoError(t, err)
	require.NoError(t, reg.Register(api.ServerProcessRecord{Name: "custom", PID: 7, Command: "./bin/custom-server"}))

	report, err := New(table, nil, reg, WithSelfPID(-1)).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.ConfiguredRunning, 1)
	assert.Equal(t, "custom", report.ConfiguredRunning[0].MatchesConfiguredName)
	assert.Empty(t, report.Unconfigured)
}

func TestScan_IgnoresReusedRegistryPID(t *testing.T) {
	table := &proctable.Static{Procs: []proctable.Process{
		{PID: 7, Cmdline: []string{"sleep", "100"}},
	}}
	reg, err := registry.New(table)
	require.NoError(t, err)
	require.NoError(t, reg.Register(api.ServerProcessRecord{Name: "custom", PID: 7, Command: "./bin/custom-server"}))

	report, err := New(table, nil, reg, WithSelfPID(-1)).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.ConfiguredRunning)
}

func TestScan_SkipsZombies(t *testing.T) {
	table := &proctable.Static{Procs: []proctable.Process{
		{PID: 5, State: "Z", Cmdline: []string{"npx", "mcp-thing"}},
	}}
	report, err := New(table, nil, nil, WithSelfPID(-1)).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Unconfigured)
}
