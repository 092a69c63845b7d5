package process

import "time"

// State is the supervision state of a program record.
type State string

const (
	// StateStopped means not running and not scheduled to run.
	StateStopped State = "stopped"
	// StateStarting means a child was spawned but has not yet stayed up
	// for the spec's start duration.
	StateStarting State = "starting"
	// StateRunning means the child passed the start duration.
	StateRunning State = "running"
	// StateExited is the transient state right after a child exit that
	// was not requested.
	StateExited State = "exited"
	// StateBackingOff means a restart is scheduled after a delay.
	StateBackingOff State = "backing-off"
	// StateFatal means the retry budget is exhausted; only an explicit
	// start resets it.
	StateFatal State = "fatal"
)

// Resting reports whether the state waits for an external start
// request rather than a timer or child event.
func (s State) Resting() bool {
	return s == StateStopped || s == StateFatal
}

// Live reports whether a child process may be running in this state.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning
}

// Status is a point-in-time snapshot of a program record.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	// ExitCode is the last child's exit code, -1 when killed by signal
	// or not yet exited.
	ExitCode int `json:"exit_code"`
	// Error carries the last start or exit error, empty when clean.
	Error string `json:"error,omitempty"`
	// Failures counts consecutive exits before the start duration.
	Failures int `json:"failures"`
	// Restarts counts automatic restarts since the last explicit start.
	Restarts int `json:"restarts"`
	// BackoffUntil is when the next restart fires while backing off.
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
	DetectedBy   string    `json:"detected_by,omitempty"`
}

// Uptime returns how long the current child has been up, zero when
// none is running.
func (s Status) Uptime(now time.Time) time.Duration {
	if !s.State.Live() || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}
