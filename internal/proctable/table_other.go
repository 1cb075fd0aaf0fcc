//go:build !linux

package proctable

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

type psTable struct{}

// New returns the process table for the current host.
func New() (Table, error) {
	if _, err := exec.LookPath("ps"); err != nil {
		return nil, fmt.Errorf("ps is required to inspect processes: %w", err)
	}
	return psTable{}, nil
}

func (psTable) List(ctx context.Context) ([]Process, error) {
	out, err := exec.CommandContext(ctx, "ps", psArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run ps: %w", err)
	}
	return parsePS(string(out), time.Now())
}

func (t psTable) Get(ctx context.Context, pid int) (Process, error) {
	args := []string{"-ww", "-o", "pid=,ppid=,stat=,etime=,command=", "-p", strconv.Itoa(pid)}
	out, err := exec.CommandContext(ctx, "ps", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// ps exits 1 when the pid does not exist.
			return Process{}, ErrNotFound
		}
		return Process{}, fmt.Errorf("failed to run ps: %w", err)
	}
	procs, err := parsePS(string(out), time.Now())
	if err != nil {
		return Process{}, err
	}
	if len(procs) == 0 {
		return Process{}, ErrNotFound
	}
	return procs[0], nil
}

func (t psTable) ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	if _, err := exec.LookPath("lsof"); err != nil {
		return nil, nil
	}
	procs, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[int]struct{})
	for _, d := range Descendants(procs, pid) {
		out, err := exec.CommandContext(ctx, "lsof", "-nP", "-a", "-p", strconv.Itoa(d), "-iTCP", "-sTCP:LISTEN", "-Fn").Output()
		if err != nil {
			// lsof exits 1 when nothing matched.
			continue
		}
		for _, port := range parseLsofPorts(string(out)) {
			set[port] = struct{}{}
		}
	}
	return sortedPorts(set), nil
}
