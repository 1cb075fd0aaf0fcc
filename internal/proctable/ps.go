package proctable

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// psArgs is the ps invocation whose output parsePS understands.
var psArgs = []string{"-axww", "-o", "pid=,ppid=,stat=,etime=,command="}

// parsePS parses the output of `ps -axww -o pid=,ppid=,stat=,etime=,command=`.
// The command column is split on whitespace, which loses quoting but is
// enough for matching.
func parsePS(out string, now time.Time) ([]Process, error) {
	var procs []Process
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("bad pid %q in ps output", fields[0])
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("bad ppid %q in ps output", fields[1])
		}
		elapsed, err := parseEtime(fields[3])
		if err != nil {
			return nil, err
		}
		procs = append(procs, Process{
			PID:       pid,
			PPID:      ppid,
			State:     fields[2][:1],
			StartTime: now.Add(-elapsed).Truncate(time.Second),
			Cmdline:   fields[4:],
		})
	}
	return procs, sc.Err()
}

// parseEtime parses ps elapsed time in the form [[dd-]hh:]mm:ss.
func parseEtime(s string) (time.Duration, error) {
	var days int
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("bad etime %q", s)
		}
		days = d
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("bad etime %q", s)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("bad etime %q", s)
		}
		nums[i] = n
	}
	var h, m, sec int
	if len(nums) == 3 {
		h, m, sec = nums[0], nums[1], nums[2]
	} else {
		m, sec = nums[0], nums[1]
	}
	return time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second, nil
}

// parseLsofPorts parses `lsof -nP -iTCP -sTCP:LISTEN -Fn` output, where
// name lines look like "n*:3000" or "n[::1]:8080".
func parseLsofPorts(out string) []int {
	set := make(map[int]struct{})
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "n") {
			continue
		}
		i := strings.LastIndexByte(line, ':')
		if i < 0 {
			continue
		}
		port, err := strconv.Atoi(line[i+1:])
		if err != nil {
			continue
		}
		set[port] = struct{}{}
	}
	return sortedPorts(set)
}
