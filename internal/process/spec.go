package process

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/botkeepr/botkeepr/internal/detector"
	"github.com/botkeepr/botkeepr/internal/logger"
)

// Defaults applied by Normalize when a field is unset.
const (
	DefaultStartRetries    = 3
	DefaultStartDuration   = time.Second
	DefaultBackoffInterval = time.Second
	DefaultBackoffMax      = 30 * time.Second
	DefaultStopWait        = 10 * time.Second
)

// DetectorConfig is a liveness probe entry as parsed from config files.
type DetectorConfig struct {
	Type    string `json:"type" mapstructure:"type"`
	Path    string `json:"path" mapstructure:"path"`
	Command string `json:"command" mapstructure:"command"`
}

// Spec describes one supervised program.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`
	// PIDFile, when set, records the child PID plus a start-time identity
	// line so a later run can tell the recorded process from an unrelated
	// one that reused the PID.
	PIDFile string `json:"pid_file" mapstructure:"pid_file"`
	// AutoStart launches the program as soon as the daemon is up.
	AutoStart bool `json:"auto_start" mapstructure:"auto_start"`
	// AutoRestart re-launches the program when it exits without a stop
	// having been requested.
	AutoRestart bool `json:"auto_restart" mapstructure:"auto_restart"`
	// StartRetries is the number of consecutive early exits tolerated
	// before the program is declared fatal.
	StartRetries int `json:"start_retries" mapstructure:"start_retries"`
	// StartDuration is the minimum uptime for a launch to count as
	// successful; an exit before it counts against StartRetries.
	StartDuration time.Duration `json:"start_duration" mapstructure:"start_duration"`
	// BackoffInterval is the base delay before a restart; it doubles per
	// consecutive failure up to BackoffMax.
	BackoffInterval time.Duration `json:"backoff_interval" mapstructure:"backoff_interval"`
	BackoffMax      time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
	// StopWait bounds the SIGTERM grace period before SIGKILL.
	StopWait time.Duration `json:"stop_wait" mapstructure:"stop_wait"`
	// RedirectStderr folds the child's stderr into the stdout capture.
	RedirectStderr *bool `json:"redirect_stderr" mapstructure:"redirect_stderr"`
	// Detached starts the child in its own session instead of a process
	// group under the daemon.
	Detached        bool                `json:"detached" mapstructure:"detached"`
	Detectors       []detector.Detector `json:"-" mapstructure:"-"`
	DetectorConfigs []DetectorConfig    `json:"detectors" mapstructure:"detectors"`
	Log             logger.Capture      `json:"log" mapstructure:"log"`
}

// Normalize fills unset fields with defaults. RedirectStderr defaults
// to true, matching the usual one-logfile capture.
func (s *Spec) Normalize() {
	if s.StartRetries <= 0 {
		s.StartRetries = DefaultStartRetries
	}
	if s.StartDuration <= 0 {
		s.StartDuration = DefaultStartDuration
	}
	if s.BackoffInterval <= 0 {
		s.BackoffInterval = DefaultBackoffInterval
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = DefaultBackoffMax
	}
	if s.BackoffMax < s.BackoffInterval {
		s.BackoffMax = s.BackoffInterval
	}
	if s.StopWait <= 0 {
		s.StopWait = DefaultStopWait
	}
	if s.RedirectStderr == nil {
		v := true
		s.RedirectStderr = &v
	}
}

// StderrToStdout reports whether the child's stderr goes into the
// stdout capture.
func (s *Spec) StderrToStdout() bool {
	return s.RedirectStderr == nil || *s.RedirectStderr
}

// Validate checks the fields an operator could get wrong in config.
func (s *Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("program requires a name")
	}
	if !SafeName(name) {
		return fmt.Errorf("program %q: name may only contain letters, digits, '.', '_' and '-'", name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("program %q requires a command", name)
	}
	// A detached child survives the daemon, but the capture pipe does
	// not; its writes would block once the buffer fills.
	if s.Detached && s.Log.Path != "" {
		return fmt.Errorf("program %q: detached cannot be combined with a log capture", name)
	}
	for i, d := range s.DetectorConfigs {
		switch d.Type {
		case "pidfile":
			if d.Path == "" {
				return fmt.Errorf("program %q: detector %d: pidfile requires path", name, i)
			}
		case "command":
			if d.Command == "" {
				return fmt.Errorf("program %q: detector %d: command requires command", name, i)
			}
		default:
			return fmt.Errorf("program %q: detector %d: unknown type %q", name, i, d.Type)
		}
	}
	return nil
}

// DeepCopy returns an independent copy of the spec, detached from the
// original's slices.
func (s *Spec) DeepCopy() *Spec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Env != nil {
		cp.Env = append([]string(nil), s.Env...)
	}
	if s.RedirectStderr != nil {
		v := *s.RedirectStderr
		cp.RedirectStderr = &v
	}
	if s.Detectors != nil {
		cp.Detectors = append([]detector.Detector(nil), s.Detectors...)
	}
	if s.DetectorConfigs != nil {
		cp.DetectorConfigs = append([]DetectorConfig(nil), s.DetectorConfigs...)
	}
	return &cp
}

// SafeName reports whether name is usable in file paths and URLs.
func SafeName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// BuildDetectors compiles the configured probe entries plus an
// implicit pidfile probe when PIDFile is set.
func (s *Spec) BuildDetectors() []detector.Detector {
	dets := make([]detector.Detector, 0, len(s.Detectors)+len(s.DetectorConfigs)+1)
	if s.PIDFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: s.PIDFile})
	}
	for _, dc := range s.DetectorConfigs {
		switch dc.Type {
		case "pidfile":
			dets = append(dets, detector.PIDFileDetector{PIDFile: dc.Path})
		case "command":
			dets = append(dets, detector.CommandDetector{Command: dc.Command})
		}
	}
	dets = append(dets, s.Detectors...)
	return dets
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return trueCommand()
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	// Fallback: when metacharacters are present, defer to the shell.
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// ok: intentional execution, input is validated and safe
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// If after is wrapped in single or double quotes, strip one pair so that
			// we pass the actual script to the shell (the outer quotes would otherwise
			// inhibit parsing/redirection inside the script).
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
