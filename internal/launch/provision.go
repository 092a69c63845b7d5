package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/botkeepr/botkeepr/internal/env"
)

// ProvisionOptions configures a Provisioner.
type ProvisionOptions struct {
	// Python is the base interpreter the virtualenv is built from.
	Python string
	// VenvDir is the virtualenv root to create.
	VenvDir string
	// Requirements is the dependency manifest handed to pip.
	Requirements string
	Logger       *slog.Logger
}

// Provisioner prepares the bot's interpreter environment: verify the
// base interpreter, create the virtualenv, install the dependency
// manifest. Fail-fast like every pipeline here.
type Provisioner struct {
	python       string
	pythonPath   string
	venvDir      string
	requirements string
	log          *slog.Logger
}

// NewProvisioner builds a Provisioner.
func NewProvisioner(opts ProvisionOptions) *Provisioner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	python := opts.Python
	if python == "" {
		python = "python3"
	}
	return &Provisioner{
		python:       python,
		pythonPath:   python,
		venvDir:      opts.VenvDir,
		requirements: opts.Requirements,
		log:          log,
	}
}

// Run executes the provisioning pipeline.
func (p *Provisioner) Run(ctx context.Context) ([]StepResult, error) {
	return NewPipeline(p.log,
		Step{Name: "verify interpreter", Run: p.verifyInterpreter},
		Step{Name: "create virtualenv", Run: p.createVenv},
		Step{Name: "install requirements", Run: p.installRequirements},
	).Run(ctx)
}

func (p *Provisioner) verifyInterpreter(ctx context.Context) (string, error) {
	path, err := exec.LookPath(p.python)
	if err != nil {
		return "", fmt.Errorf("interpreter %q not found: %w", p.python, err)
	}
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("interpreter %s: %w: %s", path, err, lastLine(out))
	}
	p.pythonPath = path
	return fmt.Sprintf("%s (%s)", path, strings.TrimSpace(string(out))), nil
}

func (p *Provisioner) createVenv(ctx context.Context) (string, error) {
	if p.venvDir == "" {
		return "", fmt.Errorf("no virtualenv directory configured")
	}
	if _, err := os.Stat(env.VenvPython(p.venvDir)); err == nil {
		return "virtualenv already present at " + p.venvDir, nil
	}
	// #nosec G204 -- interpreter resolved via LookPath, dir from config
	out, err := exec.CommandContext(ctx, p.pythonPath, "-m", "venv", p.venvDir).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("create virtualenv: %w: %s", err, lastLine(out))
	}
	if _, err := os.Stat(env.VenvPython(p.venvDir)); err != nil {
		return "", fmt.Errorf("virtualenv created but interpreter missing: %w", err)
	}
	return "virtualenv created at " + p.venvDir, nil
}

func (p *Provisioner) installRequirements(ctx context.Context) (string, error) {
	if p.requirements == "" {
		return "", fmt.Errorf("no requirements manifest configured")
	}
	if _, err := os.Stat(p.requirements); err != nil {
		return "", fmt.Errorf("requirements manifest: %w", err)
	}
	py := env.VenvPython(p.venvDir)
	// #nosec G204 -- paths from config
	out, err := exec.CommandContext(ctx, py, "-m", "pip", "install", "-r", p.requirements).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pip install: %w: %s", err, lastLine(out))
	}
	return "dependencies installed from " + p.requirements, nil
}

// lastLine extracts the final non-empty output line for error detail.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
