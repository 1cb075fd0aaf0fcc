//go:build linux

package proctable

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// tcpListen is the kernel's TCP_LISTEN socket state as shown in /proc/net/tcp.
const tcpListen = 0x0A

type procfsTable struct {
	fs procfs.FS
}

// New returns the process table for the current host.
func New() (Table, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open /proc: %w", err)
	}
	return &procfsTable{fs: fs}, nil
}

func (t *procfsTable) List(ctx context.Context) ([]Process, error) {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		proc, err := t.read(p)
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		out = append(out, proc)
	}
	return out, nil
}

func (t *procfsTable) Get(ctx context.Context, pid int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return Process{}, err
	}
	p, err := t.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Process{}, ErrNotFound
		}
		return Process{}, err
	}
	return t.read(p)
}

func (t *procfsTable) read(p procfs.Proc) (Process, error) {
	stat, err := p.Stat()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Process{}, ErrNotFound
		}
		return Process{}, err
	}
	proc := Process{
		PID:   p.PID,
		PPID:  stat.PPID,
		State: stat.State,
	}
	// Zombies and kernel threads have an empty cmdline.
	if cmdline, err := p.CmdLine(); err == nil {
		proc.Cmdline = cmdline
	}
	if len(proc.Cmdline) == 0 && stat.Comm != "" {
		proc.Cmdline = []string{stat.Comm}
	}
	if start, err := stat.StartTime(); err == nil {
		sec, frac := math.Modf(start)
		proc.StartTime = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	return proc, nil
}

func (t *procfsTable) ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	procs, err := t.List(ctx)
	if err != nil {
		return nil, err
	}

	inodes := make(map[uint64]struct{})
	for _, d := range Descendants(procs, pid) {
		p, err := t.fs.Proc(d)
		if err != nil {
			continue
		}
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			// Not our process; fd listing needs the same uid.
			continue
		}
		for _, target := range targets {
			if inode, ok := socketInode(target); ok {
				inodes[inode] = struct{}{}
			}
		}
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	set := make(map[int]struct{})
	if tcp, err := t.fs.NetTCP(); err == nil {
		for _, line := range tcp {
			if _, ok := inodes[line.Inode]; ok && line.St == tcpListen {
				set[int(line.LocalPort)] = struct{}{}
			}
		}
	}
	if tcp6, err := t.fs.NetTCP6(); err == nil {
		for _, line := range tcp6 {
			if _, ok := inodes[line.Inode]; ok && line.St == tcpListen {
				set[int(line.LocalPort)] = struct{}{}
			}
		}
	}
	return sortedPorts(set), nil
}

// socketInode extracts the inode from an fd link target like "socket:[12345]".
func socketInode(target string) (uint64, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}
