package supervisor

import "time"

// State is the backend lifecycle state.
//
// Stopped -> Starting -> Ready -> Stopping -> Stopped
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is a read-only projection of the supervisor.
type Status struct {
	Name         string     `json:"name"`
	Ready        bool       `json:"ready"`
	State        string     `json:"state"`
	PID          int        `json:"pid,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Restarts     uint32     `json:"restarts"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}
