// Package env composes the environment for supervised programs. The
// base layer (optionally seeded from the OS), daemon-wide variables
// and per-program overrides are merged in that order, with ${VAR}
// placeholders expanded against the merged set. A Python virtualenv
// can be activated on top, mirroring what bin/activate does:
// VIRTUAL_ENV is set, the venv bin directory is prepended to PATH and
// PYTHONHOME is dropped.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Var is a simple map of environment variables.
type Var map[string]string

// Config mirrors the [env] section of the daemon configuration.
type Config struct {
	// VenvDir is the virtualenv root. Empty disables activation.
	VenvDir string `mapstructure:"venv_dir"`
	// UseOSEnv inherits the invoking process environment as the base.
	UseOSEnv bool `mapstructure:"use_os_env"`
	// Files are .env files loaded in order between the base and Vars.
	Files []string `mapstructure:"files"`
	// Vars are daemon-wide KEY=VALUE entries applied over the base.
	Vars []string `mapstructure:"vars"`
}

// Env holds the layered environment consumed by Merge.
type Env struct {
	vars Var
	base Var
	venv string
}

// New returns an empty environment with no OS base.
func New() *Env {
	return &Env{vars: make(Var)}
}

// FromConfig builds an environment from cfg, activating the
// virtualenv when one is configured.
func FromConfig(cfg Config) (*Env, error) {
	e := New()
	if cfg.UseOSEnv {
		e.FromOS()
	}
	for _, f := range cfg.Files {
		pairs, err := ParseEnvFile(f)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range cfg.Vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("env: malformed entry %q", kv)
		}
		e.Set(k, v)
	}
	if cfg.VenvDir != "" {
		if err := e.ActivateVenv(cfg.VenvDir); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ParseEnvFile reads a .env file of KEY=VALUE lines. Blank lines and
// #-comments are skipped; a leading "export " is tolerated.
func ParseEnvFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m[k] = strings.TrimSpace(v)
	}
	return m, nil
}

// FromOS captures the current process environment as the base layer.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
	return e
}

// Set records a daemon-wide variable K=V.
func (e *Env) Set(k, v string) *Env {
	if e.vars == nil {
		e.vars = make(Var)
	}
	e.vars[k] = v
	return e
}

// Unset removes a daemon-wide variable.
func (e *Env) Unset(k string) *Env {
	delete(e.vars, k)
	return e
}

// ActivateVenv verifies the virtualenv layout at dir and marks it for
// activation during Merge. The directory must exist and contain a
// python interpreter under its bin (Scripts on Windows) directory.
func (e *Env) ActivateVenv(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("virtualenv %s: %w", dir, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("virtualenv %s: %w", abs, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("virtualenv %s: not a directory", abs)
	}
	if _, err := os.Stat(VenvPython(abs)); err != nil {
		return fmt.Errorf("virtualenv %s: missing interpreter: %w", abs, err)
	}
	e.venv = abs
	return nil
}

// Venv reports the activated virtualenv root, empty when none.
func (e *Env) Venv() string { return e.venv }

// VenvBin returns the executable directory of the virtualenv at dir.
func VenvBin(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "Scripts")
	}
	return filepath.Join(dir, "bin")
}

// VenvPython returns the interpreter path of the virtualenv at dir.
func VenvPython(dir string) string {
	name := "python"
	if runtime.GOOS == "windows" {
		name = "python.exe"
	}
	return filepath.Join(VenvBin(dir), name)
}

// Merge composes the final environment list applying order:
// base (OS env when captured), then daemon-wide variables, then venv
// activation, then perProg ("K=V") overrides. The result is sorted by
// key with ${VAR} expansion performed against the composed map
// (simple expansion, no recursion).
func (e *Env) Merge(perProg []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perProg))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		if k == "" {
			continue
		}
		m[k] = v
	}
	if e.venv != "" {
		m["VIRTUAL_ENV"] = e.venv
		bin := VenvBin(e.venv)
		if cur := m["PATH"]; cur != "" {
			m["PATH"] = bin + string(os.PathListSeparator) + cur
		} else {
			m["PATH"] = bin
		}
		delete(m, "PYTHONHOME")
	}
	for _, kv := range perProg {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
