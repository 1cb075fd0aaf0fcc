package registry

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/proctable"
)

var spawnTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func echoRecord(pid int) api.ServerProcessRecord {
	return api.ServerProcessRecord{
		Name:      "echo",
		PID:       pid,
		Command:   "npx",
		Args:      []string{"-y", "@modelcontextprotocol/server-everything"},
		Status:    api.StateRunning,
		StartedAt: spawnTime,
		Ports:     []int{3000},
	}
}

func newTestRegistry(t *testing.T, table proctable.Table) (*Registry, *FileStore) {
	t.Helper()
	store := NewFileStore(afero.NewMemMapFs(), "/home/user/.mcphub/processes.yaml")
	r, err := New(table, WithStore(store))
	require.NoError(t, err)
	return r, store
}

func TestRegisterFindForget(t *testing.T) {
	r, store := newTestRegistry(t, &proctable.Static{})

	require.NoError(t, r.Register(echoRecord(42)))
	rec, ok := r.Find("echo")
	require.True(t, ok)
	assert.Equal(t, 42, rec.PID)

	byPID, ok := r.FindByPID(42)
	require.True(t, ok)
	assert.Equal(t, "echo", byPID.Name)

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, persisted, "echo")

	require.NoError(t, r.Forget("echo"))
	require.NoError(t, r.Forget("echo"))
	_, ok = r.Find("echo")
	assert.False(t, ok)

	persisted, err = store.Load()
	require.NoError(t, err)
	assert.NotContains(t, persisted, "echo")
}

func TestRegisterRequiresName(t *testing.T) {
	r, _ := newTestRegistry(t, &proctable.Static{})
	assert.Error(t, r.Register(api.ServerProcessRecord{PID: 1}))
}

func TestRefreshStatus(t *testing.T) {
	tests := []struct {
		name  string
		table *proctable.Static
		pid   int
		want  api.ServerState
	}{
		{
			name: "running",
			table: &proctable.Static{
				Procs: []proctable.Process{{
					PID:       42,
					State:     "S",
					Cmdline:   []string{"node", "/usr/bin/npx", "-y", "@modelcontextprotocol/server-everything"},
					StartTime: spawnTime.Add(-time.Second),
				}},
				Ports: map[int][]int{42: {3000}},
			},
			pid:  42,
			want: api.StateRunning,
		},
		{
			name:  "process gone",
			table: &proctable.Static{},
			pid:   42,
			want:  api.StateStopped,
		},
		{
			name:  "no pid",
			table: &proctable.Static{},
			pid:   0,
			want:  api.StateStopped,
		},
		{
			name: "zombie",
			table: &proctable.Static{Procs: []proctable.Process{{
				PID: 42, State: "Z", Cmdline: []string{"npx"}, StartTime: spawnTime,
			}}},
			pid:  42,
			want: api.StateZombie,
		},
		{
			name: "pid reused by another command",
			table: &proctable.Static{Procs: []proctable.Process{{
				PID: 42, State: "S", Cmdline: []string{"sleep", "1000"}, StartTime: spawnTime,
			}}},
			pid:  42,
			want: api.StateUnknown,
		},
		{
			name: "pid reused later by the same command",
			table: &proctable.Static{Procs: []proctable.Process{{
				PID:       42,
				State:     "S",
				Cmdline:   []string{"npx", "-y", "@modelcontextprotocol/server-everything"},
				StartTime: spawnTime.Add(time.Hour),
			}}},
			pid:  42,
			want: api.StateUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, tt.table)
			require.NoError(t, r.Register(echoRecord(tt.pid)))

			state, err := r.RefreshStatus(context.Background(), "echo")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)

			rec, _ := r.Find("echo")
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

func TestRefreshStatus_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t, &proctable.Static{})
	_, err := r.RefreshStatus(context.Background(), "missing")
	assert.True(t, api.IsNotFound(err))
}

func TestRefresh_PortWarnings(t *testing.T) {
	table := &proctable.Static{
		Procs: []proctable.Process{
			{PID: 42, State: "S", Cmdline: []string{"npx", "-y", "@modelcontextprotocol/server-everything"}},
			{PID: 43, PPID: 42, State: "S", Cmdline: []string{"node", "index.js"}},
		},
		Ports: map[int][]int{43: {8080}},
	}
	r, _ := newTestRegistry(t, table)
	require.NoError(t, r.Register(echoRecord(42)))

	rec, err := r.Refresh(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, []int{3000, 8080}, rec.Ports)
	assert.Equal(t, []string{"port 3000 is reserved but not listening"}, rec.Warnings)
}

func TestPrune(t *testing.T) {
	table := &proctable.Static{Procs: []proctable.Process{
		{PID: 42, State: "S", Cmdline: []string{"npx", "-y", "@modelcontextprotocol/server-everything"}},
	}}
	r, _ := newTestRegistry(t, table)
	require.NoError(t, r.Register(echoRecord(42)))
	dead := echoRecord(77)
	dead.Name = "dead"
	require.NoError(t, r.Register(dead))

	removed, err := r.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, removed)
	assert.Len(t, r.List(), 1)
}

func TestRecordsSurviveNewRegistry(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewFileStore(fs, "/state/processes.yaml")
	first, err := New(&proctable.Static{}, WithStore(store))
	require.NoError(t, err)

	rec := echoRecord(42)
	rec.Env = map[string]string{"API_KEY": "secret"}
	require.NoError(t, first.Register(rec))

	second, err := New(&proctable.Static{}, WithStore(NewFileStore(fs, "/state/processes.yaml")))
	require.NoError(t, err)
	got, ok := second.Find("echo")
	require.True(t, ok)
	assert.Equal(t, 42, got.PID)
	assert.Equal(t, rec.Args, got.Args)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	assert.Nil(t, got.Env, "environment values must not be written to disk")

	data, err := afero.ReadFile(fs, "/state/processes.yaml")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}

func TestFileStore_CorruptFileIsIgnored(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/processes.yaml", []byte("{not: [yaml"), 0o600))

	r, err := New(&proctable.Static{}, WithStore(NewFileStore(fs, "/state/processes.yaml")))
	require.NoError(t, err)
	assert.Empty(t, r.List())
	require.NoError(t, r.Register(echoRecord(1)))
}

func TestUptime(t *testing.T) {
	now := spawnTime.Add(26 * time.Hour)
	r, err := New(&proctable.Static{}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	rec := echoRecord(42)
	assert.Equal(t, 26*time.Hour, r.Uptime(rec))
	assert.Equal(t, "1 day, 02:00:00", api.FormatUptime(r.Uptime(rec)))

	rec.Status = api.StateStopped
	assert.Zero(t, r.Uptime(rec))
}
