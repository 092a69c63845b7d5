package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Meta is the identity line stored after the pid in a pidfile. StartUnix is
// the recorded process start time; comparing it against the live process
// guards against the pid having been recycled by an unrelated process.
type Meta struct {
	Name      string `json:"name,omitempty"`
	StartUnix int64  `json:"start_unix"`
}

// WritePIDFile records pid plus its identity meta at path. The parent
// directory is created if missing.
func WritePIDFile(path string, pid int, meta Meta) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode pid meta: %w", err)
	}
	content := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// ReadPIDFile parses a pidfile written by WritePIDFile. Bare single-line
// files carry no meta; an unparseable meta line is ignored rather than
// failing the read so a damaged file still yields its pid.
func ReadPIDFile(path string) (int, Meta, error) {
	b, err := os.ReadFile(path) // #nosec G304 operator-supplied path
	if err != nil {
		return 0, Meta{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, Meta{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var meta Meta
	if line := strings.TrimSpace(firstLine(rest)); line != "" {
		_ = json.Unmarshal([]byte(line), &meta)
	}
	return pid, meta, nil
}

func firstLine(s string) string {
	l, _, _ := strings.Cut(s, "\n")
	return l
}

// IdentityMatches reports whether pid still refers to the process the meta
// was recorded for. Without a recorded start time, or when the platform
// cannot supply one, identity cannot be disproved and the check passes.
func IdentityMatches(pid int, meta Meta) bool {
	if meta.StartUnix <= 0 {
		return true
	}
	cur := ProcStartUnix(pid)
	if cur <= 0 {
		return true
	}
	return cur == meta.StartUnix
}

// PIDFileDetector reports liveness for the process recorded in a pidfile,
// treating a recycled pid as dead.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !IdentityMatches(pid, meta) {
		return false, nil
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector reports liveness for a literal pid.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
