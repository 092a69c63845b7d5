// Package autostart manages the XDG desktop entry that launches the
// supervisor at login. The entry template ships inside the binary and is
// rendered against the actual installation directory at install time, so
// a relocated install only needs a re-install to fix its paths.
package autostart

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed botkeepr.desktop.tmpl
var entryTemplate string

// DefaultName is the desktop entry name used when none is given.
const DefaultName = "botkeepr"

// Entry describes one autostart desktop entry.
type Entry struct {
	// Name labels the entry and names the .desktop file.
	Name string
	// InstallDir is the directory holding the botkeepr binary. Required
	// for Install, made absolute before rendering.
	InstallDir string
	// ConfigPath, when set, is passed to the launch subcommand.
	ConfigPath string
	// Dir overrides the autostart directory. Empty means the XDG
	// default (~/.config/autostart).
	Dir string
}

// DefaultDir returns the XDG autostart directory for the current user.
func DefaultDir() (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(cfg, "autostart"), nil
}

func (e Entry) name() string {
	if e.Name == "" {
		return DefaultName
	}
	return e.Name
}

// Path returns the location of the entry file, whether or not it exists.
func (e Entry) Path() (string, error) {
	dir := e.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, e.name()+".desktop"), nil
}

// Render produces the entry file contents for the configured install dir.
func (e Entry) Render() ([]byte, error) {
	if e.InstallDir == "" {
		return nil, fmt.Errorf("autostart: install dir required")
	}
	abs, err := filepath.Abs(e.InstallDir)
	if err != nil {
		return nil, fmt.Errorf("resolve install dir: %w", err)
	}
	tmpl, err := template.New("entry").Parse(entryTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse entry template: %w", err)
	}
	data := struct {
		Name       string
		InstallDir string
		ConfigPath string
	}{Name: e.name(), InstallDir: abs, ConfigPath: e.ConfigPath}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render entry template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the entry file, replacing any previous version, and
// returns its path. The autostart directory is created when missing.
func (e Entry) Install() (string, error) {
	path, err := e.Path()
	if err != nil {
		return "", err
	}
	content, err := e.Render()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create autostart dir: %w", err)
	}
	// Desktop entries are plain data files read by the session manager.
	if err := os.WriteFile(path, content, 0o644); err != nil { // #nosec G306
		return "", fmt.Errorf("write desktop entry: %w", err)
	}
	return path, nil
}

// Remove deletes the entry file. A missing file is not an error; the
// returned bool reports whether anything was removed.
func (e Entry) Remove() (bool, error) {
	path, err := e.Path()
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove desktop entry: %w", err)
	}
	return true, nil
}

// Status describes the on-disk state of an entry.
type Status struct {
	Path      string
	Installed bool
	// Exec is the command the session manager will run at login, taken
	// from the installed file. Empty when not installed.
	Exec string
}

// Status reports whether the entry file exists and what it will execute.
func (e Entry) Status() (Status, error) {
	path, err := e.Path()
	if err != nil {
		return Status{}, err
	}
	st := Status{Path: path}
	content, err := os.ReadFile(path) // #nosec G304 path is built from our own config
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read desktop entry: %w", err)
	}
	st.Installed = true
	for _, line := range strings.Split(string(content), "\n") {
		if rest, ok := strings.CutPrefix(line, "Exec="); ok {
			st.Exec = rest
			break
		}
	}
	return st, nil
}
