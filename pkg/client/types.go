package client

import "time"

// BackendStatus mirrors GET /backend/status.
type BackendStatus struct {
	Ready bool `json:"ready"`
}

// Usage is the latest resource sample of the backend process tree.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Processes  int       `json:"processes"`
	Timestamp  time.Time `json:"timestamp"`
}

// BackendInfo mirrors GET /backend/info.
type BackendInfo struct {
	Name         string     `json:"name"`
	Ready        bool       `json:"ready"`
	State        string     `json:"state"`
	PID          int        `json:"pid,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Restarts     uint32     `json:"restarts"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Resources    *Usage     `json:"resources,omitempty"`
}

type RestartResult struct {
	Success bool `json:"success"`
}

type logsResponse struct {
	Lines []string `json:"lines"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}
