package api

import "fmt"

// ServerState is the lifecycle state of a single managed server.
type ServerState string

const (
	StateNotStarted ServerState = "NotStarted"
	StateStarting   ServerState = "Starting"
	StateRunning    ServerState = "Running"
	StateStopping   ServerState = "Stopping"
	StateStopped    ServerState = "Stopped"
	StateCrashed    ServerState = "Crashed"
	StateZombie     ServerState = "Zombie"
	StateUnknown    ServerState = "Unknown"
)

// transitions lists every allowed state change. States reached by probing
// the OS (Zombie, Unknown) can be entered from any live state and left only
// by stopping or by clearing the stale record.
var transitions = map[ServerState][]ServerState{
	StateNotStarted: {StateStarting},
	StateStarting:   {StateRunning, StateNotStarted, StateStopped, StateCrashed},
	StateRunning:    {StateStopping, StateCrashed, StateZombie, StateUnknown},
	StateStopping:   {StateStopped},
	StateStopped:    {StateStarting},
	StateCrashed:    {StateStarting, StateStopped},
	StateZombie:     {StateStopping, StateStopped},
	StateUnknown:    {StateStopping, StateStopped},
}

// CanTransition reports whether a server may move from one state to another.
func CanTransition(from, to ServerState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError when the change from
// one state to another is not allowed.
func ValidateTransition(server string, from, to ServerState) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{Server: server, From: from, To: to}
}

// IsLive reports whether the state means an OS process may exist.
func (s ServerState) IsLive() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateZombie, StateUnknown:
		return true
	}
	return false
}

// ParseServerState converts a persisted state name back into a ServerState.
func ParseServerState(s string) (ServerState, error) {
	state := ServerState(s)
	if _, ok := transitions[state]; !ok {
		return StateUnknown, fmt.Errorf("unknown server state %q", s)
	}
	return state, nil
}
