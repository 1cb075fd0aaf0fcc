// Package ports hands out TCP ports to managed servers.
//
// Reservations are in-memory bookkeeping: the allocator never holds a socket
// open. A port is considered free when it is not reserved and a bind probe
// on it succeeds. Because another process can grab a port between the probe
// and the server binding it, callers re-check with Verify right before
// spawning.
package ports

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"mcphub/internal/api"
	"mcphub/pkg/logging"
)

const (
	// DefaultBase is the first port probed when no preferred port is given.
	DefaultBase = 3000
	// DefaultMaxAttempts bounds the number of ports probed per allocation.
	DefaultMaxAttempts = 100
	// DefaultProbeTimeout bounds a single bind probe.
	DefaultProbeTimeout = 250 * time.Millisecond
	// DefaultHost is the interface probed. Servers that bind all interfaces
	// still conflict on loopback.
	DefaultHost = "127.0.0.1"
)

// Config controls the probe range.
type Config struct {
	Base         int
	MaxAttempts  int
	ProbeTimeout time.Duration
	Host         string
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = DefaultBase
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	return c
}

// Binding records which server holds a port.
type Binding struct {
	Port    int       `json:"port" yaml:"port"`
	Owner   string    `json:"owner" yaml:"owner"`
	BoundAt time.Time `json:"boundAt" yaml:"boundAt"`

	pending bool
}

// ProbeFunc reports whether port can currently be bound.
type ProbeFunc func(ctx context.Context, host string, port int) bool

// Allocator reserves ports for owners. It is safe for concurrent use.
type Allocator struct {
	mu       sync.Mutex
	cfg      Config
	bindings map[int]Binding
	probe    ProbeFunc
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe replaces the bind probe.
func WithProbe(p ProbeFunc) Option {
	return func(a *Allocator) { a.probe = p }
}

// New creates an allocator.
func New(cfg Config, opts ...Option) *Allocator {
	a := &Allocator{
		cfg:      cfg.withDefaults(),
		bindings: make(map[int]Binding),
		probe:    ListenProbe,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Allocator) Config() Config {
	return a.cfg
}

// ListenProbe binds host:port and immediately closes the listener.
func ListenProbe(ctx context.Context, host string, port int) bool {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func (a *Allocator) probePort(port int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ProbeTimeout)
	defer cancel()
	return a.probe(ctx, a.cfg.Host, port)
}

// Allocate reserves a port for owner. A free preferred port is used as is;
// otherwise the range [Base, Base+MaxAttempts) is scanned, skipping
// reserved ports and ports that fail the bind probe. Probes run without
// the allocator lock, so allocations for other owners are not held up.
func (a *Allocator) Allocate(owner string, preferred int) (int, error) {
	if preferred > 0 {
		if a.claim(owner, preferred) {
			return preferred, nil
		}
		logging.Debug("Ports", "Preferred port %d for %s is busy, scanning from %d", preferred, owner, a.cfg.Base)
	}

	for i := 0; i < a.cfg.MaxAttempts; i++ {
		port := a.cfg.Base + i
		if port > 65535 {
			break
		}
		if a.claim(owner, port) {
			return port, nil
		}
	}
	return 0, &api.PortExhaustionError{Server: owner, Base: a.cfg.Base, Attempts: a.cfg.MaxAttempts}
}

// claim holds port for owner while it is probed and keeps the reservation
// only if the probe succeeds. A pending claim is skipped by other
// allocations but not reported by Owner or Bindings.
func (a *Allocator) claim(owner string, port int) bool {
	a.mu.Lock()
	if _, taken := a.bindings[port]; taken {
		a.mu.Unlock()
		return false
	}
	a.bindings[port] = Binding{Port: port, Owner: owner, pending: true}
	a.mu.Unlock()

	free := a.probePort(port)

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[port]
	if !ok || !b.pending || b.Owner != owner {
		// Released while the probe ran.
		return false
	}
	if !free {
		delete(a.bindings, port)
		return false
	}
	a.bindings[port] = Binding{Port: port, Owner: owner, BoundAt: time.Now()}
	logging.Debug("Ports", "Reserved port %d for %s", port, owner)
	return true
}

// Release frees a port. Releasing an unreserved port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bindings[port]; ok {
		delete(a.bindings, port)
		logging.Debug("Ports", "Released port %d held by %s", port, b.Owner)
	}
}

// ReleaseOwner frees every port held by owner and returns them sorted.
func (a *Allocator) ReleaseOwner(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var released []int
	for port, b := range a.bindings {
		if b.Owner == owner {
			delete(a.bindings, port)
			if !b.pending {
				released = append(released, port)
			}
		}
	}
	sort.Ints(released)
	return released
}

// IsFree reports whether port is unreserved and bindable.
func (a *Allocator) IsFree(port int) bool {
	a.mu.Lock()
	_, taken := a.bindings[port]
	a.mu.Unlock()
	return !taken && a.probePort(port)
}

// Verify re-probes a port reserved by owner just before spawn and returns a
// PortConflictError if something else bound it in the meantime.
func (a *Allocator) Verify(owner string, port int) error {
	a.mu.Lock()
	b, ok := a.bindings[port]
	a.mu.Unlock()
	if !ok || b.pending || b.Owner != owner {
		return fmt.Errorf("port %d is not reserved for %s", port, owner)
	}
	if !a.probePort(port) {
		return &api.PortConflictError{Server: owner, Port: port}
	}
	return nil
}

// Owner returns the owner of a reserved port.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[port]
	if !ok || b.pending {
		return "", false
	}
	return b.Owner, true
}

// Bindings returns a snapshot of all reservations ordered by port.
func (a *Allocator) Bindings() []Binding {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Binding, 0, len(a.bindings))
	for _, b := range a.bindings {
		if !b.pending {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
