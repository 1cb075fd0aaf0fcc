// Package proctable reads the host's process table.
//
// On Linux it reads /proc through github.com/prometheus/procfs. Other
// platforms shell out to ps and lsof. Callers only see the Table interface
// so the registry and the discovery scanner can be tested against a Static
// table.
package proctable

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no process has the pid.
var ErrNotFound = errors.New("process not found")

// Process is one entry of the OS process table.
type Process struct {
	PID       int
	PPID      int
	Cmdline   []string
	State     string
	StartTime time.Time
}

// Zombie reports whether the process has exited but was not reaped.
func (p Process) Zombie() bool {
	return strings.HasPrefix(p.State, "Z")
}

// CommandLine returns the argv joined by spaces.
func (p Process) CommandLine() string {
	return strings.Join(p.Cmdline, " ")
}

// Table is a read-only view of the OS process table.
type Table interface {
	// List returns every process visible to the caller.
	List(ctx context.Context) ([]Process, error)
	// Get returns a single process or ErrNotFound.
	Get(ctx context.Context, pid int) (Process, error)
	// ListeningPorts returns the TCP ports in LISTEN state owned by pid or
	// any of its descendants.
	ListeningPorts(ctx context.Context, pid int) ([]int, error)
}

// MatchesCommand reports whether cmdline looks like it was started from
// command and args. Runners such as npx re-exec through an interpreter, so
// command only has to appear in the base name of one argv element and args
// must follow it in order.
func MatchesCommand(cmdline []string, command string, args []string) bool {
	if len(cmdline) == 0 || command == "" {
		return false
	}
	base := filepath.Base(command)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	start := -1
	for i, el := range cmdline {
		if strings.Contains(filepath.Base(el), base) {
			start = i
			break
		}
	}
	if start < 0 {
		return false
	}

	j := 0
	for _, el := range cmdline[start+1:] {
		if j < len(args) && el == args[j] {
			j++
		}
	}
	return j == len(args)
}

// Descendants returns pid and the pids of all its descendants in procs.
func Descendants(procs []Process, pid int) []int {
	children := make(map[int][]int)
	for _, p := range procs {
		children[p.PPID] = append(children[p.PPID], p.PID)
	}
	out := []int{pid}
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

func sortedPorts(set map[int]struct{}) []int {
	if len(set) == 0 {
		return nil
	}
	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Static is a fixed process table for tests and dry runs.
type Static struct {
	Procs []Process
	// Ports maps a pid to the ports it listens on.
	Ports map[int][]int
}

// List implements Table.
func (s *Static) List(ctx context.Context) ([]Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Process, len(s.Procs))
	copy(out, s.Procs)
	return out, nil
}

// Get implements Table.
func (s *Static) Get(ctx context.Context, pid int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return Process{}, err
	}
	for _, p := range s.Procs {
		if p.PID == pid {
			return p, nil
		}
	}
	return Process{}, ErrNotFound
}

// ListeningPorts implements Table.
func (s *Static) ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set := make(map[int]struct{})
	for _, d := range Descendants(s.Procs, pid) {
		for _, port := range s.Ports[d] {
			set[port] = struct{}{}
		}
	}
	return sortedPorts(set), nil
}
