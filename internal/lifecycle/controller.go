// Package lifecycle starts, stops and supervises configured servers.
//
// The Controller composes the configuration provider, the port allocator
// and the process registry. Operations on one server name are serialized;
// different names proceed concurrently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/internal/discovery"
	"mcphub/internal/ports"
	"mcphub/internal/proctable"
	"mcphub/internal/registry"
	"mcphub/pkg/logging"
)

const (
	// DefaultGracePeriod is how long a server gets to exit after SIGTERM.
	DefaultGracePeriod = 5 * time.Second
	// DefaultStartTimeout bounds waiting for a spawned process to appear in
	// the OS process table.
	DefaultStartTimeout = 5 * time.Second

	killWait    = 5 * time.Second
	parallelism = 4
)

var errProcessGone = errors.New("process is gone")

// ErrNotAttached is returned by Handle for servers whose process was not
// spawned by this controller.
var ErrNotAttached = errors.New("server is not running under this controller")

// Settings tune start and stop behaviour.
type Settings struct {
	GracePeriod  time.Duration
	SetupTimeout time.Duration
	StartTimeout time.Duration
	StderrBuffer int
}

// SettingsFrom converts the configuration file section.
func SettingsFrom(cfg config.LifecycleSettings) Settings {
	return Settings{
		GracePeriod:  cfg.GracePeriod.Std(),
		SetupTimeout: cfg.SetupTimeout.Std(),
		StartTimeout: cfg.StartTimeout.Std(),
	}
}

func (s Settings) withDefaults() Settings {
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.SetupTimeout <= 0 {
		s.SetupTimeout = DefaultSetupTimeout
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = DefaultStartTimeout
	}
	if s.StderrBuffer <= 0 {
		s.StderrBuffer = DefaultStderrBuffer
	}
	return s
}

// Handle exposes the stdio of a server spawned by this controller.
type Handle struct {
	Name   string
	PID    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	// Stderr returns the most recent stderr output.
	Stderr func() string
	// Exited is closed once the process has been reaped.
	Exited <-chan struct{}
}

// StateListener is told about every state change.
type StateListener func(name string, from, to api.ServerState)

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   *ringBuffer
	exited   chan struct{}
	waitErr  error
	stopping bool
	attached bool
}

func (p *process) pid() int { return p.cmd.Process.Pid }

func (p *process) isExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

type server struct {
	state   api.ServerState
	proc    *process
	lastErr error
}

type stdio struct {
	in  io.Reader
	out io.Writer
}

// Controller owns the per-server state machines.
type Controller struct {
	registry *registry.Registry
	ports    *ports.Allocator
	table    proctable.Table
	scanner  *discovery.Scanner
	settings Settings
	stdio    *stdio
	listener StateListener

	mu       sync.Mutex
	provider config.Provider
	lookup   config.LookupFunc
	servers  map[string]*server
	locks    map[string]*sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithSettings overrides the default timeouts.
func WithSettings(s Settings) Option {
	return func(c *Controller) { c.settings = s }
}

// WithLookup overrides how ${VAR} placeholders are resolved.
func WithLookup(fn config.LookupFunc) Option {
	return func(c *Controller) { c.lookup = fn }
}

// WithScanner lets ListAll report unconfigured processes.
func WithScanner(s *discovery.Scanner) Option {
	return func(c *Controller) { c.scanner = s }
}

// WithStdio connects spawned servers to in and out instead of pipes. Used
// to run a single server in the foreground.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(c *Controller) { c.stdio = &stdio{in: in, out: out} }
}

// WithStateListener registers fn for state changes.
func WithStateListener(fn StateListener) Option {
	return func(c *Controller) { c.listener = fn }
}

// New creates a controller.
func New(provider config.Provider, reg *registry.Registry, alloc *ports.Allocator, table proctable.Table, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		registry: reg,
		ports:    alloc,
		table:    table,
		servers:  make(map[string]*server),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.settings = c.settings.withDefaults()
	if c.lookup == nil {
		c.lookup = lookupFor(provider)
	}
	return c
}

func lookupFor(provider config.Provider) config.LookupFunc {
	if l, ok := provider.(interface {
		LookupEnv(string) (string, bool)
	}); ok {
		return l.LookupEnv
	}
	return os.LookupEnv
}

// SetProvider swaps the configuration, for example after the file changed.
// Running servers keep the launch spec they were started with.
func (c *Controller) SetProvider(p config.Provider) {
	c.mu.Lock()
	c.provider = p
	c.lookup = lookupFor(p)
	c.mu.Unlock()
}

func (c *Controller) currentProvider() (config.Provider, config.LookupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider, c.lookup
}

// Registry returns the registry the controller writes to.
func (c *Controller) Registry() *registry.Registry { return c.registry }

// Ports returns the controller's allocator.
func (c *Controller) Ports() *ports.Allocator { return c.ports }

func (c *Controller) lock(name string) func() {
	c.mu.Lock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// entryLocked returns the state of name, creating it. c.mu must be held.
func (c *Controller) entryLocked(name string) *server {
	s, ok := c.servers[name]
	if !ok {
		s = &server{state: api.StateNotStarted}
		c.servers[name] = s
	}
	return s
}

func (c *Controller) state(name string) api.ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.servers[name]; ok {
		return s.state
	}
	return api.StateNotStarted
}

func (c *Controller) transition(name string, to api.ServerState) error {
	c.mu.Lock()
	s := c.entryLocked(name)
	from := s.state
	if err := api.ValidateTransition(name, from, to); err != nil {
		c.mu.Unlock()
		return err
	}
	s.state = to
	c.mu.Unlock()
	c.notify(name, from, to)
	return nil
}

// force records a state reached outside the controller's own transitions,
// such as one observed in the OS table.
func (c *Controller) force(name string, to api.ServerState, cause error) {
	c.mu.Lock()
	s := c.entryLocked(name)
	from := s.state
	s.state = to
	if cause != nil {
		s.lastErr = cause
	}
	c.mu.Unlock()
	c.notify(name, from, to)
}

func (c *Controller) notify(name string, from, to api.ServerState) {
	if from == to {
		return
	}
	logging.Debug("Lifecycle", "Server %s: %s -> %s", name, from, to)
	if c.listener != nil {
		c.listener(name, from, to)
	}
}

// Start runs the setup script, resolves the launch spec, allocates ports,
// spawns the server and waits until the OS reports the process.
func (c *Controller) Start(ctx context.Context, name string) (api.ServerProcessRecord, error) {
	unlock := c.lock(name)
	defer unlock()
	return c.start(ctx, name)
}

func (c *Controller) start(ctx context.Context, name string) (api.ServerProcessRecord, error) {
	provider, lookup := c.currentProvider()
	spec, err := provider.Get(name)
	if err != nil {
		return api.ServerProcessRecord{}, err
	}

	prev := c.observe(ctx, name)
	if err := c.transition(name, api.StateStarting); err != nil {
		rec, _ := c.registry.Find(name)
		return rec, err
	}

	fail := func(err error) (api.ServerProcessRecord, error) {
		if released := c.ports.ReleaseOwner(name); len(released) > 0 {
			logging.Debug("Lifecycle", "Released ports %v of %s after failed start", released, name)
		}
		c.force(name, prev, err)
		logging.Error("Lifecycle", err, "Failed to start %s", name)
		return api.ServerProcessRecord{}, err
	}

	if spec.SetupScript != "" {
		dir, _ := config.ExpandString(name, "cwd", spec.WorkingDirectory, lookup)
		if err := runSetup(ctx, name, spec.SetupScript, dir, lenientEnv(spec, lookup), c.settings.SetupTimeout); err != nil {
			return fail(err)
		}
	}

	resolved, err := config.ResolveSpec(spec, lookup)
	if err != nil {
		return fail(err)
	}

	allocated := make([]int, 0, len(resolved.Ports))
	for _, want := range resolved.Ports {
		port, err := c.ports.Allocate(name, want)
		if err != nil {
			return fail(err)
		}
		if want != 0 && port != want {
			logging.Warn("Lifecycle", "Port %d for %s is busy, using %d", want, name, port)
		}
		allocated = append(allocated, port)
	}

	rendered, err := renderSpec(resolved, allocated)
	if err != nil {
		return fail(err)
	}

	for _, port := range allocated {
		if err := c.ports.Verify(name, port); err != nil {
			return fail(err)
		}
	}

	spawnedAt := time.Now()
	proc, err := c.spawn(rendered)
	if err != nil {
		return fail(err)
	}

	c.mu.Lock()
	c.entryLocked(name).proc = proc
	c.mu.Unlock()
	go c.supervise(name, proc)

	rec := api.ServerProcessRecord{
		Name:             name,
		PID:              proc.pid(),
		Command:          rendered.Command,
		Args:             rendered.Args,
		WorkingDirectory: rendered.WorkingDirectory,
		Env:              rendered.Env,
		Status:           api.StateStarting,
		StartedAt:        spawnedAt,
		Ports:            allocated,
		Owner:            os.Getpid(),
	}
	if err := c.registry.Register(rec); err != nil {
		logging.Warn("Lifecycle", "Failed to persist record of %s: %v", name, err)
	}

	if err := c.confirm(ctx, proc); err != nil {
		c.abort(name, proc)
		spawnErr := &api.SpawnFailedError{Server: name, Command: rendered.Command, Stderr: proc.stderr.String(), Err: err}
		c.force(name, api.StateCrashed, spawnErr)
		logging.Error("Lifecycle", spawnErr, "Server %s did not come up", name)
		return rec, spawnErr
	}

	if err := c.transition(name, api.StateRunning); err != nil {
		// The supervisor saw the process exit first.
		return rec, err
	}
	c.mu.Lock()
	c.entryLocked(name).lastErr = nil
	c.mu.Unlock()

	rec.Status = api.StateRunning
	if err := c.registry.Register(rec); err != nil {
		logging.Warn("Lifecycle", "Failed to persist record of %s: %v", name, err)
	}
	logging.Info("Lifecycle", "Started %s (pid %d%s)", name, rec.PID, portsSuffix(allocated))
	return rec, nil
}

// lenientEnv resolves what it can for the setup script. Unresolvable
// entries are left out; the start fails on them right after setup.
func lenientEnv(spec api.LaunchSpec, lookup config.LookupFunc) map[string]string {
	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		if resolved, err := config.ExpandString(spec.Name, "env."+k, v, lookup); err == nil {
			env[k] = resolved
		}
	}
	return env
}

func portsSuffix(p []int) string {
	if len(p) == 0 {
		return ""
	}
	s := make([]string, len(p))
	for i, port := range p {
		s[i] = strconv.Itoa(port)
	}
	return ", ports " + strings.Join(s, ",")
}

// spawn starts the process in its own group with stdin and stdout pipes.
// os.Pipe is used rather than cmd.StdoutPipe so that reaping the process
// never races with a reader draining its last output.
func (c *Controller) spawn(spec api.LaunchSpec) (*process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = environ(spec.Env)
	setProcessGroup(cmd)

	proc := &process{
		stderr: newRingBuffer(c.settings.StderrBuffer),
		exited: make(chan struct{}),
	}
	cmd.Stderr = io.MultiWriter(proc.stderr, logging.LineWriter("Server:"+spec.Name))

	var childEnds []*os.File
	closeAll := func(files ...io.Closer) {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
	}

	if c.stdio != nil {
		cmd.Stdin = c.stdio.in
		cmd.Stdout = c.stdio.out
	} else {
		inR, inW, err := os.Pipe()
		if err != nil {
			return nil, &api.SpawnFailedError{Server: spec.Name, Command: spec.Command, Err: err}
		}
		outR, outW, err := os.Pipe()
		if err != nil {
			closeAll(inR, inW)
			return nil, &api.SpawnFailedError{Server: spec.Name, Command: spec.Command, Err: err}
		}
		cmd.Stdin = inR
		cmd.Stdout = outW
		childEnds = []*os.File{inR, outW}
		proc.stdin, proc.stdout = inW, outR
	}

	if err := cmd.Start(); err != nil {
		for _, f := range childEnds {
			_ = f.Close()
		}
		closeAll(proc.stdin, proc.stdout)
		return nil, &api.SpawnFailedError{Server: spec.Name, Command: spec.Command, Err: err}
	}
	for _, f := range childEnds {
		_ = f.Close()
	}
	proc.cmd = cmd
	logging.Debug("Lifecycle", "Spawned %s: %s (pid %d)", spec.Name, strings.Join(spec.CommandLine(), " "), cmd.Process.Pid)
	return proc, nil
}

// supervise reaps the process and marks unexpected exits as crashes.
func (c *Controller) supervise(name string, proc *process) {
	err := proc.cmd.Wait()
	proc.waitErr = err
	close(proc.exited)

	c.mu.Lock()
	s := c.servers[name]
	current := s != nil && s.proc == proc
	stopping := proc.stopping
	attached := proc.attached
	c.mu.Unlock()

	if proc.stdin != nil {
		_ = proc.stdin.Close()
	}
	if proc.stdout != nil && !attached {
		_ = proc.stdout.Close()
	}
	if !current || stopping {
		return
	}

	cause := fmt.Errorf("exited unexpectedly: %v", exitDescription(err))
	if tail := proc.stderr.String(); tail != "" {
		logging.Warn("Lifecycle", "Server %s (pid %d) %v; last output:\n%s", name, proc.pid(), cause, lastLines(tail, 10))
	} else {
		logging.Warn("Lifecycle", "Server %s (pid %d) %v", name, proc.pid(), cause)
	}

	c.force(name, api.StateCrashed, cause)
	c.ports.ReleaseOwner(name)
	if rec, ok := c.registry.Find(name); ok && rec.PID == proc.pid() {
		rec.Status = api.StateCrashed
		if err := c.registry.Register(rec); err != nil {
			logging.Warn("Lifecycle", "Failed to persist crash of %s: %v", name, err)
		}
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// confirm waits until the process shows up in the OS table.
func (c *Controller) confirm(ctx context.Context, proc *process) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.settings.StartTimeout

	pid := proc.pid()
	return backoff.Retry(func() error {
		if proc.isExited() {
			return backoff.Permanent(fmt.Errorf("process exited during startup: %s", exitDescription(proc.waitErr)))
		}
		p, err := c.table.Get(ctx, pid)
		if err != nil {
			return err
		}
		if p.Zombie() {
			return backoff.Permanent(errors.New("process exited during startup"))
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// abort kills a process whose start could not be confirmed.
func (c *Controller) abort(name string, proc *process) {
	c.mu.Lock()
	proc.stopping = true
	c.mu.Unlock()
	if !proc.isExited() {
		_ = killGroup(proc.pid())
		select {
		case <-proc.exited:
		case <-time.After(killWait):
		}
	}
	c.ports.ReleaseOwner(name)
	if err := c.registry.Forget(name); err != nil {
		logging.Warn("Lifecycle", "Failed to forget %s: %v", name, err)
	}
}

// Stop terminates the server: SIGTERM to its process group, then SIGKILL
// once the grace period has passed. Its ports are released in every case.
func (c *Controller) Stop(ctx context.Context, name string) (api.StopOutcome, error) {
	unlock := c.lock(name)
	defer unlock()
	return c.stop(ctx, name, false)
}

func (c *Controller) stop(ctx context.Context, name string, force bool) (api.StopOutcome, error) {
	began := time.Now()
	outcome := api.StopOutcome{Name: name}

	c.mu.Lock()
	var proc *process
	if s := c.servers[name]; s != nil && s.proc != nil && !s.proc.isExited() {
		proc = s.proc
		proc.stopping = true
	}
	c.mu.Unlock()

	var (
		recorded []int
		err      error
	)
	switch {
	case proc != nil:
		outcome.PID = proc.pid()
		if terr := c.transition(name, api.StateStopping); terr != nil {
			logging.Debug("Lifecycle", "Stopping %s from an unexpected state: %v", name, terr)
		}
		outcome.Result, err = c.terminateOwned(ctx, proc, force)
	default:
		rec, ok := c.registry.Find(name)
		if !ok || rec.PID == 0 {
			if !c.known(name) {
				return outcome, api.NewNotFoundError("server", name)
			}
			if c.state(name) == api.StateNotStarted {
				return outcome, &api.InvalidTransitionError{Server: name, From: api.StateNotStarted, To: api.StateStopping}
			}
			outcome.Result = api.StopAlreadyExited
			break
		}
		outcome.PID = rec.PID
		recorded = rec.Ports
		outcome.Result, err = c.terminateRecorded(ctx, rec, force)
	}

	outcome.ReleasedPorts = unionPorts(c.ports.ReleaseOwner(name), recorded)
	c.markStopped(name)
	outcome.Duration = time.Since(began)

	if err != nil {
		logging.Error("Lifecycle", err, "Stopping %s did not complete cleanly", name)
		return outcome, err
	}
	logging.Info("Lifecycle", "Stopped %s (%s in %s)", name, outcome.Result, outcome.Duration.Round(time.Millisecond))
	return outcome, nil
}

func (c *Controller) terminateOwned(ctx context.Context, proc *process, force bool) (api.StopResult, error) {
	pid := proc.pid()
	if !force {
		if err := terminateGroup(pid); err != nil {
			if errors.Is(err, errProcessGone) {
				<-proc.exited
				return api.StopAlreadyExited, nil
			}
			logging.Warn("Lifecycle", "SIGTERM to %d failed: %v", pid, err)
		} else {
			timer := time.NewTimer(c.settings.GracePeriod)
			defer timer.Stop()
			select {
			case <-proc.exited:
				return api.StopGraceful, nil
			case <-timer.C:
				logging.Warn("Lifecycle", "Process %d did not exit within %s, killing it", pid, c.settings.GracePeriod)
			case <-ctx.Done():
			}
		}
	}

	if err := killGroup(pid); err != nil && !errors.Is(err, errProcessGone) {
		return api.StopForced, err
	}
	select {
	case <-proc.exited:
		return api.StopForced, nil
	case <-time.After(killWait):
		return api.StopForced, fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

// terminateRecorded stops a process started by another mcphub invocation.
// It is not our child, so exit is detected by polling the OS table.
func (c *Controller) terminateRecorded(ctx context.Context, rec api.ServerProcessRecord, force bool) (api.StopResult, error) {
	state, err := c.registry.RefreshStatus(ctx, rec.Name)
	if err != nil {
		return "", err
	}
	switch state {
	case api.StateRunning:
	case api.StateUnknown:
		logging.Warn("Lifecycle", "Pid %d of %s now belongs to another program, not signalling it", rec.PID, rec.Name)
		return api.StopAlreadyExited, nil
	default:
		return api.StopAlreadyExited, nil
	}

	c.force(rec.Name, api.StateRunning, nil)
	if terr := c.transition(rec.Name, api.StateStopping); terr != nil {
		logging.Debug("Lifecycle", "Stopping %s from an unexpected state: %v", rec.Name, terr)
	}

	if !force {
		if err := terminateGroup(rec.PID); err != nil {
			if errors.Is(err, errProcessGone) {
				return api.StopAlreadyExited, nil
			}
			logging.Warn("Lifecycle", "SIGTERM to %d failed: %v", rec.PID, err)
		} else if c.waitGone(ctx, rec.PID, c.settings.GracePeriod) == nil {
			return api.StopGraceful, nil
		}
	}

	if err := killGroup(rec.PID); err != nil && !errors.Is(err, errProcessGone) {
		return api.StopForced, err
	}
	if err := c.waitGone(context.WithoutCancel(ctx), rec.PID, killWait); err != nil {
		return api.StopForced, fmt.Errorf("process %d did not exit after SIGKILL: %w", rec.PID, err)
	}
	return api.StopForced, nil
}

var errStillRunning = errors.New("process still running")

// waitGone polls the OS table until pid has exited or within has passed.
func (c *Controller) waitGone(ctx context.Context, pid int, within time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = within

	return backoff.Retry(func() error {
		p, err := c.table.Get(ctx, pid)
		switch {
		case errors.Is(err, proctable.ErrNotFound):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		case p.Zombie():
			return nil
		}
		return errStillRunning
	}, backoff.WithContext(b, ctx))
}

func (c *Controller) markStopped(name string) {
	c.mu.Lock()
	s := c.entryLocked(name)
	from := s.state
	s.proc = nil
	if from != api.StateNotStarted {
		s.state = api.StateStopped
	}
	to := s.state
	c.mu.Unlock()
	c.notify(name, from, to)

	if err := c.registry.Forget(name); err != nil {
		logging.Warn("Lifecycle", "Failed to forget %s: %v", name, err)
	}
}

func unionPorts(a, b []int) []int {
	set := make(map[int]struct{}, len(a)+len(b))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		set[p] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Restart stops the server if it is live and starts it again.
func (c *Controller) Restart(ctx context.Context, name string) (api.ServerProcessRecord, error) {
	unlock := c.lock(name)
	defer unlock()

	if c.observe(ctx, name).IsLive() {
		if _, err := c.stop(ctx, name, false); err != nil {
			return api.ServerProcessRecord{}, err
		}
	}
	return c.start(ctx, name)
}

// KillPID stops the server whose recorded process is pid. With force the
// grace period is skipped.
func (c *Controller) KillPID(ctx context.Context, pid int, force bool) (api.StopOutcome, error) {
	rec, ok := c.registry.FindByPID(pid)
	if !ok {
		return api.StopOutcome{}, api.NewNotFoundError("process", strconv.Itoa(pid))
	}
	unlock := c.lock(rec.Name)
	defer unlock()
	return c.stop(ctx, rec.Name, force)
}

func (c *Controller) known(name string) bool {
	provider, _ := c.currentProvider()
	if _, err := provider.Get(name); err == nil {
		return true
	}
	if _, ok := c.registry.Find(name); ok {
		return true
	}
	c.mu.Lock()
	_, ok := c.servers[name]
	c.mu.Unlock()
	return ok
}

// observe refreshes the registry record of name and folds the result into
// the controller's view.
func (c *Controller) observe(ctx context.Context, name string) api.ServerState {
	c.mu.Lock()
	s := c.entryLocked(name)
	state := s.state
	owned := s.proc != nil && !s.proc.isExited()
	c.mu.Unlock()

	if _, ok := c.registry.Find(name); !ok {
		return state
	}
	rec, err := c.registry.Refresh(ctx, name)
	if err != nil {
		logging.Debug("Lifecycle", "Could not refresh %s: %v", name, err)
		return state
	}

	switch {
	case owned && rec.Status != api.StateZombie && rec.Status != api.StateUnknown:
		return state
	case rec.Status == api.StateStopped:
		if state == api.StateCrashed || state == api.StateNotStarted {
			return state
		}
		c.force(name, api.StateStopped, nil)
		return api.StateStopped
	default:
		c.force(name, rec.Status, nil)
		return rec.Status
	}
}

// Status refreshes the registry and reports the state of name.
func (c *Controller) Status(ctx context.Context, name string) (api.ServerStatus, error) {
	if !c.known(name) {
		return api.ServerStatus{}, api.NewNotFoundError("server", name)
	}

	state := c.observe(ctx, name)
	st := api.ServerStatus{Name: name, State: state}

	c.mu.Lock()
	if s := c.servers[name]; s != nil && s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	c.mu.Unlock()

	if rec, ok := c.registry.Find(name); ok && state.IsLive() {
		st.PID = rec.PID
		st.Ports = rec.Ports
		st.Command = strings.Join(rec.CommandLine(), " ")
		st.Warnings = rec.Warnings
		if !rec.StartedAt.IsZero() {
			started := rec.StartedAt
			st.StartedAt = &started
			st.Uptime = api.FormatUptime(c.registry.Uptime(rec))
		}
	}
	return st, nil
}

// ListAll reports every configured or recorded server and, when a scanner
// is set, the unconfigured MCP-like processes on the host.
func (c *Controller) ListAll(ctx context.Context) (api.Overview, error) {
	provider, _ := c.currentProvider()
	names := make(map[string]struct{})
	for _, spec := range provider.List() {
		names[spec.Name] = struct{}{}
	}
	for _, rec := range c.registry.List() {
		names[rec.Name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	statuses := make([]api.ServerStatus, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, name := range sorted {
		g.Go(func() error {
			st, err := c.Status(gctx, name)
			if err != nil {
				return err
			}
			statuses[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return api.Overview{}, err
	}

	ov := api.Overview{Servers: statuses}
	if c.scanner != nil {
		report, err := c.scanner.Scan(ctx)
		if err != nil {
			logging.Warn("Lifecycle", "Process scan failed: %v", err)
		} else {
			ov.Unconfigured = report.Unconfigured
			ov.ConfiguredNotFound = report.ConfiguredNotFound
		}
	}
	return ov, nil
}

// StartAll starts every enabled server that is not already running.
func (c *Controller) StartAll(ctx context.Context) ([]api.ServerProcessRecord, error) {
	provider, _ := c.currentProvider()
	var specs []api.LaunchSpec
	for _, spec := range provider.List() {
		if spec.Disabled {
			logging.Debug("Lifecycle", "Skipping disabled server %s", spec.Name)
			continue
		}
		specs = append(specs, spec)
	}

	records := make([]api.ServerProcessRecord, len(specs))
	errs := make([]error, len(specs))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, spec := range specs {
		g.Go(func() error {
			rec, err := c.Start(ctx, spec.Name)
			var it *api.InvalidTransitionError
			if errors.As(err, &it) && it.From == api.StateRunning {
				err = nil
			}
			records[i], errs[i] = rec, err
			return nil
		})
	}
	_ = g.Wait()

	out := records[:0]
	for i, rec := range records {
		if errs[i] == nil && rec.Name != "" {
			out = append(out, rec)
		}
	}
	return out, errors.Join(errs...)
}

// StopAll stops every live server known to the controller or the registry.
func (c *Controller) StopAll(ctx context.Context) ([]api.StopOutcome, error) {
	names := make(map[string]struct{})
	c.mu.Lock()
	for name, s := range c.servers {
		if s.proc != nil && !s.proc.isExited() {
			names[name] = struct{}{}
		}
	}
	c.mu.Unlock()
	for _, rec := range c.registry.List() {
		if rec.PID != 0 {
			names[rec.Name] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	outcomes := make([]api.StopOutcome, len(sorted))
	errs := make([]error, len(sorted))
	var g errgroup.Group
	for i, name := range sorted {
		g.Go(func() error {
			outcomes[i], errs[i] = c.Stop(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}

// Handle returns the stdio of a server this controller spawned. The caller
// takes ownership of Stdout.
func (c *Controller) Handle(name string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.servers[name]
	if s == nil || s.proc == nil || s.proc.isExited() || s.proc.stdin == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotAttached)
	}
	p := s.proc
	p.attached = true
	return &Handle{
		Name:   name,
		PID:    p.pid(),
		Stdin:  p.stdin,
		Stdout: p.stdout,
		Stderr: p.stderr.String,
		Exited: p.exited,
	}, nil
}

// Wait blocks until the process this controller spawned for name exits and
// returns its exit error.
func (c *Controller) Wait(ctx context.Context, name string) error {
	c.mu.Lock()
	s := c.servers[name]
	var p *process
	if s != nil {
		p = s.proc
	}
	c.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%s: %w", name, ErrNotAttached)
	}
	select {
	case <-p.exited:
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
