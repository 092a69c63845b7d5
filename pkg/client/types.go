package client

import "time"

// ProcessStatus mirrors the daemon's status payload for one program.
type ProcessStatus struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	StoppedAt    time.Time `json:"stopped_at,omitzero"`
	ExitCode     int       `json:"exit_code"`
	Error        string    `json:"error,omitempty"`
	Failures     int       `json:"failures"`
	Restarts     int       `json:"restarts"`
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
	DetectedBy   string    `json:"detected_by,omitempty"`
}

// Live reports whether the daemon considers the program up or on its
// way up.
func (s ProcessStatus) Live() bool {
	switch s.State {
	case "starting", "running":
		return true
	}
	return false
}

// Run is one persisted supervision run from the daemon's store.
type Run struct {
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitErr   string     `json:"exit_err,omitempty"`
}

// Usage is one resource sample for a supervised process.
type Usage struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	MemorySwap uint64    `json:"memory_swap,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
}

// ErrorResponse is the daemon's error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
