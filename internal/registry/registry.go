// Package registry tracks which OS process backs each server name.
//
// Records are a cache: every status is re-derived from the OS process table
// by RefreshStatus. The records themselves are persisted through a Store so
// that `mcphub ps` and `mcphub stop` can see servers started by another
// mcphub invocation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/internal/proctable"
	"mcphub/pkg/logging"
)

const (
	// DefaultProbeTimeout bounds one refresh against the OS table.
	DefaultProbeTimeout = 2 * time.Second

	// startSlack tolerates clock tick rounding when comparing the process
	// start time with the recorded spawn time.
	startSlack = 5 * time.Second
)

// Registry maps server names to process records. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	records      map[string]api.ServerProcessRecord
	table        proctable.Table
	store        Store
	probeTimeout time.Duration
	now          func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists records through s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry reading the OS through table. Persisted records
// are loaded immediately.
func New(table proctable.Table, opts ...Option) (*Registry, error) {
	r := &Registry{
		records:      make(map[string]api.ServerProcessRecord),
		table:        table,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the in-memory records with the persisted ones.
func (r *Registry) Reload() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Load()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.records = records
	r.mu.Unlock()
	return nil
}

// Register stores rec, replacing any previous record for the same name.
func (r *Registry) Register(rec api.ServerProcessRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("record has no server name")
	}
	r.mu.Lock()
	r.records[rec.Name] = rec
	r.mu.Unlock()

	logging.Debug("Registry", "Registered %s (pid %d)", rec.Name, rec.PID)
	return r.persist(rec.Name, &rec)
}

// Find returns the record for name.
func (r *Registry) Find(name string) (api.ServerProcessRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// FindByPID returns the record whose process has pid.
func (r *Registry) FindByPID(pid int) (api.ServerProcessRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.PID == pid && pid != 0 {
			return rec, true
		}
	}
	return api.ServerProcessRecord{}, false
}

// List returns all records ordered by name.
func (r *Registry) List() []api.ServerProcessRecord {
	r.mu.RLock()
	out := make([]api.ServerProcessRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Forget removes the record for name. Forgetting an unknown name is a no-op.
func (r *Registry) Forget(name string) error {
	r.mu.Lock()
	_, ok := r.records[name]
	delete(r.records, name)
	r.mu.Unlock()
	if ok {
		logging.Debug("Registry", "Forgot %s", name)
	}
	return r.persist(name, nil)
}

// RefreshStatus re-derives the state of name from the OS process table.
func (r *Registry) RefreshStatus(ctx context.Context, name string) (api.ServerState, error) {
	rec, err := r.Refresh(ctx, name)
	if err != nil {
		return api.StateUnknown, err
	}
	return rec.Status, nil
}

// Refresh re-derives the record for name from the OS process table and
// returns the updated record:
//
//   - no pid or no such process: Stopped
//   - process exited but not reaped: Zombie
//   - pid reused by an unrelated command: Unknown
//   - otherwise Running, with observed listening ports merged in
func (r *Registry) Refresh(ctx context.Context, name string) (api.ServerProcessRecord, error) {
	rec, ok := r.Find(name)
	if !ok {
		return api.ServerProcessRecord{}, api.NewNotFoundError("server", name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	updated, err := r.probe(ctx, rec)
	if err != nil {
		return rec, err
	}

	r.mu.Lock()
	// Skip the write if the record was replaced while probing.
	if cur, ok := r.records[name]; ok && cur.PID == rec.PID {
		r.records[name] = updated
	}
	r.mu.Unlock()

	if updated.Status != rec.Status {
		logging.Info("Registry", "Server %s (pid %d) is now %s", name, rec.PID, updated.Status)
		if err := r.persist(name, &updated); err != nil {
			logging.Warn("Registry", "Failed to persist state of %s: %v", name, err)
		}
	}
	return updated, nil
}

func (r *Registry) probe(ctx context.Context, rec api.ServerProcessRecord) (api.ServerProcessRecord, error) {
	rec.Warnings = nil
	if rec.PID == 0 {
		rec.Status = api.StateStopped
		return rec, nil
	}

	p, err := r.table.Get(ctx, rec.PID)
	switch {
	case errors.Is(err, proctable.ErrNotFound):
		rec.Status = api.StateStopped
		return rec, nil
	case err != nil:
		return rec, fmt.Errorf("failed to inspect pid %d of %s: %w", rec.PID, rec.Name, err)
	case p.Zombie():
		rec.Status = api.StateZombie
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("process %d has exited but was not reaped", rec.PID))
		return rec, nil
	case !sameProcess(p, rec):
		rec.Status = api.StateUnknown
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("pid %d now belongs to %q", rec.PID, p.CommandLine()))
		return rec, nil
	}

	rec.Status = api.StateRunning
	observed, err := r.table.ListeningPorts(ctx, rec.PID)
	if err != nil {
		logging.Debug("Registry", "Could not read ports of %s: %v", rec.Name, err)
		return rec, nil
	}
	rec.Ports, rec.Warnings = mergePorts(rec.Ports, observed)
	return rec, nil
}

// sameProcess reports whether p is still the process described by rec and
// not a later process that reused its pid.
func sameProcess(p proctable.Process, rec api.ServerProcessRecord) bool {
	if !p.StartTime.IsZero() && !rec.StartedAt.IsZero() && p.StartTime.After(rec.StartedAt.Add(startSlack)) {
		return false
	}
	return proctable.MatchesCommand(p.Cmdline, rec.Command, rec.Args)
}

func mergePorts(reserved, observed []int) ([]int, []string) {
	set := make(map[int]struct{}, len(reserved)+len(observed))
	listening := make(map[int]struct{}, len(observed))
	for _, p := range observed {
		set[p] = struct{}{}
		listening[p] = struct{}{}
	}
	var warnings []string
	for _, p := range reserved {
		set[p] = struct{}{}
		if _, ok := listening[p]; !ok {
			warnings = append(warnings, fmt.Sprintf("port %d is reserved but not listening", p))
		}
	}
	if len(set) == 0 {
		return nil, warnings
	}
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, warnings
}

// Uptime returns how long the recorded process has been running.
func (r *Registry) Uptime(rec api.ServerProcessRecord) time.Duration {
	if rec.StartedAt.IsZero() || rec.Status != api.StateRunning {
		return 0
	}
	return r.now().Sub(rec.StartedAt)
}

// Prune refreshes every record and forgets those whose process is gone.
// It returns the names that were removed.
func (r *Registry) Prune(ctx context.Context) ([]string, error) {
	var removed []string
	for _, rec := range r.List() {
		updated, err := r.Refresh(ctx, rec.Name)
		if err != nil {
			if api.IsNotFound(err) {
				continue
			}
			return removed, err
		}
		if updated.Status == api.StateStopped {
			if err := r.Forget(rec.Name); err != nil {
				return removed, err
			}
			removed = append(removed, rec.Name)
		}
	}
	return removed, nil
}

func (r *Registry) persist(name string, rec *api.ServerProcessRecord) error {
	if r.store == nil {
		return nil
	}
	return r.store.Update(func(records map[string]api.ServerProcessRecord) {
		if rec == nil {
			delete(records, name)
			return
		}
		records[name] = *rec
	})
}
