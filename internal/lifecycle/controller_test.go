//go:build !windows

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/internal/demo"
	"mcphub/internal/discovery"
	"mcphub/internal/ports"
	"mcphub/internal/proctable"
	"mcphub/internal/registry"
)

const helperEnv = "MCPHUB_TEST_HELPER"

// TestMain lets the test binary act as the managed server.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "demo":
		if err := demo.ServeStdio("test", os.Getenv("MCPHUB_TEST_LISTEN")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
		os.Exit(0)
	case "crash-later":
		time.Sleep(300 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "fatal: lost connection to backend")
		os.Exit(2)
	}
	os.Exit(3)
}

func helper(mode string) config.ServerConfig {
	return config.ServerConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$", "helper-" + mode},
		Env:     map[string]string{helperEnv: mode},
	}
}

type fixture struct {
	ctl   *Controller
	reg   *registry.Registry
	alloc *ports.Allocator
	table proctable.Table
	fs    afero.Fs
}

func newFixture(t *testing.T, servers map[string]config.ServerConfig, opts ...Option) *fixture {
	t.Helper()
	table, err := proctable.New()
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	reg, err := registry.New(table, registry.WithStore(registry.NewFileStore(fs, "/state/processes.yaml")))
	require.NoError(t, err)

	alloc := ports.New(ports.Config{Base: 42100, MaxAttempts: 50},
		ports.WithProbe(func(context.Context, string, int) bool { return true }))

	f := &fixture{reg: reg, alloc: alloc, table: table, fs: fs}
	file := &config.File{Path: "/work/.mcphub.json", Servers: servers}
	opts = append([]Option{WithSettings(Settings{GracePeriod: 2 * time.Second})}, opts...)
	f.ctl = New(file, reg, alloc, table, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_, _ = f.ctl.StopAll(ctx)
	})
	return f
}

func status(t *testing.T, c *Controller, name string) api.ServerStatus {
	t.Helper()
	st, err := c.Status(context.Background(), name)
	require.NoError(t, err)
	return st
}

func TestStartStop_Graceful(t *testing.T) {
	srv := helper("sleep")
	srv.Ports = []int{0}
	f := newFixture(t, map[string]config.ServerConfig{"sleeper": srv})
	ctx := context.Background()

	rec, err := f.ctl.Start(ctx, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, rec.Status)
	assert.NotZero(t, rec.PID)
	assert.Equal(t, []int{42100}, rec.Ports)
	assert.Equal(t, "42100", rec.Env["PORT"])

	st := status(t, f.ctl, "sleeper")
	assert.Equal(t, api.StateRunning, st.State)
	assert.Equal(t, rec.PID, st.PID)
	require.NotNil(t, st.StartedAt)
	assert.NotEmpty(t, st.Uptime)

	owner, ok := f.alloc.Owner(42100)
	require.True(t, ok)
	assert.Equal(t, "sleeper", owner)

	out, err := f.ctl.Stop(ctx, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, api.StopGraceful, out.Result)
	assert.Equal(t, rec.PID, out.PID)
	assert.Equal(t, []int{42100}, out.ReleasedPorts)
	assert.Empty(t, f.alloc.Bindings())

	assert.Equal(t, api.StateStopped, status(t, f.ctl, "sleeper").State)
	_, ok = f.reg.Find("sleeper")
	assert.False(t, ok)

	_, err = f.table.Get(ctx, rec.PID)
	assert.True(t, errors.Is(err, proctable.ErrNotFound))
}

func TestStart_SetupFailureSpawnsNothing(t *testing.T) {
	srv := helper("sleep")
	srv.SetupScript = "echo installing; echo 'npm ERR! missing script: build' >&2; exit 1"
	srv.Ports = []int{0}
	f := newFixture(t, map[string]config.ServerConfig{"broken": srv})

	_, err := f.ctl.Start(context.Background(), "broken")
	require.Error(t, err)

	var sf *api.SetupFailedError
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, 1, sf.ExitCode)
	assert.Contains(t, sf.Stderr, "missing script")

	st := status(t, f.ctl, "broken")
	assert.Equal(t, api.StateNotStarted, st.State)
	assert.Equal(t, err.Error(), st.LastError)
	assert.Empty(t, f.alloc.Bindings())
	_, ok := f.reg.Find("broken")
	assert.False(t, ok)
}

func TestStart_SetupRunsInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	srv := helper("sleep")
	srv.Cwd = dir
	srv.SetupScript = "echo built > marker"
	f := newFixture(t, map[string]config.ServerConfig{"s": srv})

	_, err := f.ctl.Start(context.Background(), "s")
	require.NoError(t, err)
	_, err = os.Stat(dir + "/marker")
	assert.NoError(t, err)
}

func TestStart_MissingEnvironmentVariable(t *testing.T) {
	srv := helper("sleep")
	srv.Env["API_KEY"] = "${MCPHUB_TEST_SURELY_UNSET}"
	srv.Ports = []int{0}
	f := newFixture(t, map[string]config.ServerConfig{"s": srv})

	_, err := f.ctl.Start(context.Background(), "s")
	var me *api.MissingEnvironmentVariableError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "MCPHUB_TEST_SURELY_UNSET", me.Variable)
	assert.Equal(t, "env.API_KEY", me.Field)

	assert.Equal(t, api.StateNotStarted, status(t, f.ctl, "s").State)
	assert.Empty(t, f.alloc.Bindings())
}

func TestStart_DefaultedVariable(t *testing.T) {
	srv := helper("sleep")
	srv.Env["MODE"] = "${MCPHUB_TEST_SURELY_UNSET:-safe}"
	f := newFixture(t, map[string]config.ServerConfig{"s": srv})

	rec, err := f.ctl.Start(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "safe", rec.Env["MODE"])
}

func TestStart_PortExhaustion(t *testing.T) {
	srv := helper("sleep")
	srv.Ports = []int{0}
	f := newFixture(t, map[string]config.ServerConfig{"s": srv})
	f.ctl.ports = ports.New(ports.Config{Base: 42200, MaxAttempts: 3},
		ports.WithProbe(func(context.Context, string, int) bool { return false }))

	_, err := f.ctl.Start(context.Background(), "s")
	var pe *api.PortExhaustionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Attempts)
	assert.True(t, api.IsPortError(err))
	assert.Equal(t, api.StateNotStarted, status(t, f.ctl, "s").State)
}

func TestStart_SpawnFailed(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{
		"missing": {Command: "/nonexistent/mcp-server", Ports: []int{0}},
	})

	_, err := f.ctl.Start(context.Background(), "missing")
	var se *api.SpawnFailedError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "/nonexistent/mcp-server", se.Command)
	assert.Empty(t, f.alloc.Bindings())
	assert.Equal(t, api.StateNotStarted, status(t, f.ctl, "missing").State)
}

func TestStart_AlreadyRunning(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")})
	ctx := context.Background()

	first, err := f.ctl.Start(ctx, "s")
	require.NoError(t, err)

	rec, err := f.ctl.Start(ctx, "s")
	var it *api.InvalidTransitionError
	require.True(t, errors.As(err, &it))
	assert.Equal(t, api.StateRunning, it.From)
	assert.Equal(t, first.PID, rec.PID)
}

func TestStart_ConcurrentCallsSpawnOnce(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")})
	ctx := context.Background()

	const callers = 8
	var (
		wg   sync.WaitGroup
		pids = make([]int, callers)
		errs = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.ctl.Start(ctx, "s")
			pids[i], errs[i] = rec.PID, err
		}(i)
	}
	wg.Wait()

	started := 0
	for i, err := range errs {
		if err == nil {
			started++
		} else {
			var it *api.InvalidTransitionError
			require.True(t, errors.As(err, &it), "caller %d: %v", i, err)
			assert.Equal(t, api.StateRunning, it.From)
		}
		assert.Equal(t, pids[0], pids[i])
	}
	assert.Equal(t, 1, started)
	assert.Len(t, f.reg.List(), 1)
}

func TestStart_UnknownServer(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ctl.Start(context.Background(), "nope")
	assert.True(t, api.IsNotFound(err))

	_, err = f.ctl.Status(context.Background(), "nope")
	assert.True(t, api.IsNotFound(err))

	_, err = f.ctl.Stop(context.Background(), "nope")
	assert.True(t, api.IsNotFound(err))
}

func TestStop_EscalatesToKill(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"stubborn": helper("ignore-term")},
		WithSettings(Settings{GracePeriod: 300 * time.Millisecond}))
	ctx := context.Background()

	_, err := f.ctl.Start(ctx, "stubborn")
	require.NoError(t, err)
	// Give the helper time to install its signal handler.
	time.Sleep(200 * time.Millisecond)

	out, err := f.ctl.Stop(ctx, "stubborn")
	require.NoError(t, err)
	assert.Equal(t, api.StopForced, out.Result)
	assert.GreaterOrEqual(t, out.Duration, 300*time.Millisecond)
}

func TestStop_NotStarted(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")})
	_, err := f.ctl.Stop(context.Background(), "s")
	var it *api.InvalidTransitionError
	require.True(t, errors.As(err, &it), "got %v", err)
	assert.Equal(t, "s", it.Server)
	assert.Equal(t, api.StateNotStarted, it.From)
	assert.Equal(t, api.StateStopping, it.To)
	assert.Equal(t, api.StateNotStarted, status(t, f.ctl, "s").State)
}

func TestStop_AlreadyStopped(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")})
	ctx := context.Background()

	_, err := f.ctl.Start(ctx, "s")
	require.NoError(t, err)
	_, err = f.ctl.Stop(ctx, "s")
	require.NoError(t, err)

	out, err := f.ctl.Stop(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, api.StopAlreadyExited, out.Result)
	assert.Equal(t, api.StateStopped, status(t, f.ctl, "s").State)
}

func TestCrashIsDetected(t *testing.T) {
	srv := helper("crash-later")
	srv.Ports = []int{0}
	f := newFixture(t, map[string]config.ServerConfig{"flaky": srv})

	_, err := f.ctl.Start(context.Background(), "flaky")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return status(t, f.ctl, "flaky").State == api.StateCrashed
	}, 5*time.Second, 50*time.Millisecond)

	st := status(t, f.ctl, "flaky")
	assert.Contains(t, st.LastError, "exit status 2")
	assert.Empty(t, f.alloc.Bindings())

	// A crashed server can be started again.
	_, err = f.ctl.Start(context.Background(), "flaky")
	assert.NoError(t, err)
}

func TestRestart(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")})
	ctx := context.Background()

	first, err := f.ctl.Start(ctx, "s")
	require.NoError(t, err)
	second, err := f.ctl.Restart(ctx, "s")
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, api.StateRunning, status(t, f.ctl, "s").State)
}

func TestStop_ProcessStartedByAnotherController(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")})
	ctx := context.Background()

	rec, err := f.ctl.Start(ctx, "s")
	require.NoError(t, err)

	// A second invocation sharing the state file sees the record but did not
	// spawn the process.
	reg2, err := registry.New(f.table, registry.WithStore(registry.NewFileStore(f.fs, "/state/processes.yaml")))
	require.NoError(t, err)
	other := New(&config.File{Servers: map[string]config.ServerConfig{"s": helper("sleep")}}, reg2,
		ports.New(ports.Config{}), f.table)

	assert.Equal(t, api.StateRunning, status(t, other, "s").State)
	_, err = other.Handle("s")
	assert.ErrorIs(t, err, ErrNotAttached)

	out, err := other.Stop(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, api.StopGraceful, out.Result)
	assert.Equal(t, rec.PID, out.PID)

	// The spawning controller sees the exit as requested by nobody it knows of.
	require.Eventually(t, func() bool {
		return status(t, f.ctl, "s").State == api.StateCrashed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestKillPID(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("ignore-term")})
	ctx := context.Background()

	rec, err := f.ctl.Start(ctx, "s")
	require.NoError(t, err)

	_, err = f.ctl.KillPID(ctx, 999999999, false)
	assert.True(t, api.IsNotFound(err))

	out, err := f.ctl.KillPID(ctx, rec.PID, true)
	require.NoError(t, err)
	assert.Equal(t, api.StopForced, out.Result)
	assert.Less(t, out.Duration, 2*time.Second)
}

func TestStartAllStopAll(t *testing.T) {
	disabled := helper("sleep")
	disabled.Disabled = true
	f := newFixture(t, map[string]config.ServerConfig{
		"a":   helper("sleep"),
		"b":   helper("sleep"),
		"off": disabled,
	})
	ctx := context.Background()

	recs, err := f.ctl.StartAll(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	ov, err := f.ctl.ListAll(ctx)
	require.NoError(t, err)
	states := map[string]api.ServerState{}
	for _, s := range ov.Servers {
		states[s.Name] = s.State
	}
	assert.Equal(t, map[string]api.ServerState{
		"a":   api.StateRunning,
		"b":   api.StateRunning,
		"off": api.StateNotStarted,
	}, states)

	outs, err := f.ctl.StopAll(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	for _, o := range outs {
		assert.Equal(t, api.StopGraceful, o.Result)
	}
}

func TestStart_TemplatedPortIsObserved(t *testing.T) {
	srv := helper("demo")
	srv.Ports = []int{0}
	srv.Env["MCPHUB_TEST_LISTEN"] = "127.0.0.1:{{ .Port }}"
	f := newFixture(t, map[string]config.ServerConfig{"demo": srv})
	f.ctl.ports = ports.New(ports.Config{Base: 42300, MaxAttempts: 50})

	rec, err := f.ctl.Start(context.Background(), "demo")
	require.NoError(t, err)
	require.Len(t, rec.Ports, 1)
	port := rec.Ports[0]
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), rec.Env["MCPHUB_TEST_LISTEN"])

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", rec.Env["MCPHUB_TEST_LISTEN"])
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)

	st := status(t, f.ctl, "demo")
	assert.Contains(t, st.Ports, port)
	assert.Empty(t, st.Warnings)
}

func TestStart_FallsBackPastBoundPort(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Close() })
	base := held.Addr().(*net.TCPAddr).Port

	srv := helper("sleep")
	srv.Ports = []int{0}
	f := newFixture(t, map[string]config.ServerConfig{"s": srv})
	f.alloc = ports.New(ports.Config{Base: base, MaxAttempts: 20})
	f.ctl.ports = f.alloc

	rec, err := f.ctl.Start(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, rec.Ports, 1)
	port := rec.Ports[0]
	assert.NotEqual(t, base, port, "a port bound by another process is never handed out")
	assert.Greater(t, port, base)
	assert.Less(t, port, base+20)
	assert.Equal(t, strconv.Itoa(port), rec.Env["PORT"])

	st := status(t, f.ctl, "s")
	assert.Equal(t, api.StateRunning, st.State)
	assert.Contains(t, st.Ports, port)
	assert.NotContains(t, st.Ports, base)
	owner, ok := f.alloc.Owner(port)
	require.True(t, ok)
	assert.Equal(t, "s", owner)
}

func TestListAll_KilledServerAndUnconfiguredProcess(t *testing.T) {
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")})
	provider, _ := f.ctl.currentProvider()
	f.ctl.scanner = discovery.New(f.table, provider, f.reg, discovery.WithPatterns("mcp-extra-*"))
	ctx := context.Background()

	rec, err := f.ctl.Start(ctx, "s")
	require.NoError(t, err)

	extra := exec.Command(os.Args[0], "-test.run=^$", "mcp-extra-server")
	extra.Env = append(os.Environ(), helperEnv+"=sleep")
	require.NoError(t, extra.Start())
	t.Cleanup(func() {
		_ = extra.Process.Kill()
		_ = extra.Wait()
	})

	ov, err := f.ctl.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ov.Servers, 1)
	assert.Equal(t, api.StateRunning, ov.Servers[0].State)
	assert.Empty(t, ov.ConfiguredNotFound)

	require.NoError(t, syscall.Kill(rec.PID, syscall.SIGKILL))
	require.Eventually(t, func() bool {
		return status(t, f.ctl, "s").State == api.StateCrashed
	}, 5*time.Second, 50*time.Millisecond)

	ov, err = f.ctl.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ov.Servers, 1)
	assert.Equal(t, "s", ov.Servers[0].Name)
	assert.Equal(t, api.StateCrashed, ov.Servers[0].State)
	assert.Zero(t, ov.Servers[0].PID)
	assert.Equal(t, []string{"s"}, ov.ConfiguredNotFound)

	var pids []int
	for _, p := range ov.Unconfigured {
		pids = append(pids, p.PID)
		assert.Empty(t, p.MatchesConfiguredName)
	}
	assert.Contains(t, pids, extra.Process.Pid)
}

func TestStateListener(t *testing.T) {
	var seen []string
	f := newFixture(t, map[string]config.ServerConfig{"s": helper("sleep")},
		WithStateListener(func(name string, from, to api.ServerState) {
			seen = append(seen, string(from)+">"+string(to))
		}))
	ctx := context.Background()

	_, err := f.ctl.Start(ctx, "s")
	require.NoError(t, err)
	_, err = f.ctl.Stop(ctx, "s")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"NotStarted>Starting",
		"Starting>Running",
		"Running>Stopping",
		"Stopping>Stopped",
	}, seen)
}
