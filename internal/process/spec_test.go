package process

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/botkeepr/botkeepr/internal/logger"
)

func requireUnixSpec(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// Ensure that when the command string already includes an explicit
// shell invocation (e.g., "sh -c 'echo hi'"), we do not double-wrap
// it with another "/bin/sh -c" layer.
func TestBuildCommandExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[1] != "-c" {
		t.Fatalf("expected -c as second arg, got %#v", cmd.Args)
	}
	// The string after -c should be the original script, not another nested shell.
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || strings.HasPrefix(cmd.Args[2], "/bin/sh -c ") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

// Sanity check: when metacharacters are present and no explicit shell prefix
// is provided, we should wrap with /bin/sh -c.
func TestBuildCommandMetacharTriggersShell(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommandEmptyCommand(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "test", Command: ""}
	if cmd := s.BuildCommand(); cmd.Path != "/bin/true" {
		t.Errorf("expected /bin/true for empty command, got %q", cmd.Path)
	}
}

func TestBuildCommandSimpleCommand(t *testing.T) {
	s := Spec{Name: "test", Command: "ls -la"}
	cmd := s.BuildCommand()
	if !(cmd.Path == "ls" || strings.HasSuffix(cmd.Path, "/ls")) {
		t.Errorf("expected ls or a path ending with /ls, got %q", cmd.Path)
	}
	expected := []string{"ls", "-la"}
	if len(cmd.Args) != len(expected) {
		t.Fatalf("expected args %v, got %v", expected, cmd.Args)
	}
	for i, arg := range expected {
		if cmd.Args[i] != arg {
			t.Errorf("expected arg[%d] = %q, got %q", i, arg, cmd.Args[i])
		}
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		name           string
		cmdStr         string
		expectedAfter  string
		expectedResult bool
	}{
		{
			name:           "sh -c with single quotes",
			cmdStr:         "sh -c 'echo hello'",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "sh -c with double quotes",
			cmdStr:         `sh -c "echo hello"`,
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "/bin/sh -c",
			cmdStr:         "/bin/sh -c 'echo hello'",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "/usr/bin/sh -c",
			cmdStr:         "/usr/bin/sh -c 'echo hello'",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "no quotes",
			cmdStr:         "sh -c echo hello",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "not shell command",
			cmdStr:         "echo hello",
			expectedAfter:  "",
			expectedResult: false,
		},
		{
			name:           "whitespace prefix",
			cmdStr:         "  \tsh -c 'echo hello'",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "partial match",
			cmdStr:         "bash -c 'echo hello'",
			expectedAfter:  "",
			expectedResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after, ok := parseExplicitShell(tt.cmdStr)
			if ok != tt.expectedResult {
				t.Errorf("expected result %v, got %v", tt.expectedResult, ok)
			}
			if after != tt.expectedAfter {
				t.Errorf("expected after %q, got %q", tt.expectedAfter, after)
			}
		})
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		expectErr   bool
		errContains string
	}{
		{
			name:      "valid spec",
			spec:      Spec{Name: "trader", Command: "python bot.py"},
			expectErr: false,
		},
		{
			name:        "empty name",
			spec:        Spec{Name: "", Command: "echo hello"},
			expectErr:   true,
			errContains: "requires a name",
		},
		{
			name:        "whitespace only name",
			spec:        Spec{Name: "   ", Command: "echo hello"},
			expectErr:   true,
			errContains: "requires a name",
		},
		{
			name:        "name with slash",
			spec:        Spec{Name: "a/b", Command: "echo hello"},
			expectErr:   true,
			errContains: "letters, digits",
		},
		{
			name:        "empty command",
			spec:        Spec{Name: "trader", Command: ""},
			expectErr:   true,
			errContains: "requires a command",
		},
		{
			name: "detached with log capture should fail",
			spec: Spec{
				Name:     "trader",
				Command:  "echo hello",
				Detached: true,
				Log:      logger.Capture{Path: "/tmp/trader.log"},
			},
			expectErr:   true,
			errContains: "detached cannot be combined",
		},
		{
			name:      "detached without log capture should pass",
			spec:      Spec{Name: "trader", Command: "echo hello", Detached: true},
			expectErr: false,
		},
		{
			name: "pidfile detector without path",
			spec: Spec{
				Name:            "trader",
				Command:         "echo hello",
				DetectorConfigs: []DetectorConfig{{Type: "pidfile"}},
			},
			expectErr:   true,
			errContains: "pidfile requires path",
		},
		{
			name: "command detector without command",
			spec: Spec{
				Name:            "trader",
				Command:         "echo hello",
				DetectorConfigs: []DetectorConfig{{Type: "command"}},
			},
			expectErr:   true,
			errContains: "command requires command",
		},
		{
			name: "unknown detector type",
			spec: Spec{
				Name:            "trader",
				Command:         "echo hello",
				DetectorConfigs: []DetectorConfig{{Type: "tcp", Path: "x"}},
			},
			expectErr:   true,
			errContains: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.expectErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error to contain %q, got %v", tt.errContains, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSpecNormalizeDefaults(t *testing.T) {
	s := Spec{Name: "trader", Command: "python bot.py"}
	s.Normalize()
	if s.StartRetries != DefaultStartRetries {
		t.Errorf("StartRetries = %d", s.StartRetries)
	}
	if s.StartDuration != DefaultStartDuration {
		t.Errorf("StartDuration = %v", s.StartDuration)
	}
	if s.BackoffInterval != DefaultBackoffInterval {
		t.Errorf("BackoffInterval = %v", s.BackoffInterval)
	}
	if s.BackoffMax != DefaultBackoffMax {
		t.Errorf("BackoffMax = %v", s.BackoffMax)
	}
	if s.StopWait != DefaultStopWait {
		t.Errorf("StopWait = %v", s.StopWait)
	}
	if !s.StderrToStdout() {
		t.Error("stderr should fold into stdout by default")
	}
}

func TestSpecNormalizeKeepsExplicit(t *testing.T) {
	off := false
	s := Spec{
		Name:            "trader",
		Command:         "python bot.py",
		StartRetries:    7,
		StartDuration:   5 * time.Second,
		BackoffInterval: 2 * time.Second,
		BackoffMax:      time.Minute,
		StopWait:        3 * time.Second,
		RedirectStderr:  &off,
	}
	s.Normalize()
	if s.StartRetries != 7 || s.StartDuration != 5*time.Second {
		t.Fatalf("explicit values overwritten: %+v", s)
	}
	if s.StderrToStdout() {
		t.Error("explicit redirect_stderr=false overwritten")
	}
}

func TestSpecNormalizeBackoffMaxFloor(t *testing.T) {
	s := Spec{
		Name:            "trader",
		Command:         "python bot.py",
		BackoffInterval: 10 * time.Second,
		BackoffMax:      time.Second,
	}
	s.Normalize()
	if s.BackoffMax < s.BackoffInterval {
		t.Fatalf("BackoffMax %v below interval %v", s.BackoffMax, s.BackoffInterval)
	}
}

func TestSpecDeepCopy(t *testing.T) {
	original := &Spec{
		Name:    "trader",
		Command: "python bot.py",
		Env:     []string{"VAR1=value1", "VAR2=value2"},
		DetectorConfigs: []DetectorConfig{
			{Type: "pidfile", Path: "/tmp/test.pid"},
			{Type: "command", Command: "pgrep trader"},
		},
		Log: logger.Capture{Path: "/tmp/trader.log"},
	}

	cp := original.DeepCopy()
	if cp == nil {
		t.Fatal("DeepCopy returned nil")
	}
	if cp == original {
		t.Error("DeepCopy returned the same instance")
	}
	if cp.Name != original.Name || cp.Command != original.Command {
		t.Errorf("fields not copied: %+v", cp)
	}

	cp.Env[0] = "MODIFIED=value"
	if original.Env[0] == "MODIFIED=value" {
		t.Error("modifying copy.Env affected original")
	}
	cp.DetectorConfigs[0].Type = "modified"
	if original.DetectorConfigs[0].Type == "modified" {
		t.Error("modifying copy.DetectorConfigs affected original")
	}
}

func TestSpecDeepCopyNil(t *testing.T) {
	var s *Spec
	if cp := s.DeepCopy(); cp != nil {
		t.Errorf("DeepCopy of nil should return nil, got %v", cp)
	}
}

func TestBuildDetectors(t *testing.T) {
	s := Spec{
		Name:    "trader",
		Command: "python bot.py",
		PIDFile: "/tmp/trader.pid",
		DetectorConfigs: []DetectorConfig{
			{Type: "pidfile", Path: "/tmp/extra.pid"},
			{Type: "command", Command: "pgrep -f bot.py"},
		},
	}
	dets := s.BuildDetectors()
	if len(dets) != 3 {
		t.Fatalf("expected 3 detectors, got %d", len(dets))
	}
	if got := dets[0].Describe(); !strings.Contains(got, "trader.pid") {
		t.Errorf("implicit pidfile detector missing: %q", got)
	}
}

func TestSafeName(t *testing.T) {
	good := []string{"trader", "crypto-bot", "a.b_c-1", "X9"}
	bad := []string{"", "a b", "a/b", "a\\b", "../x", "name!"}
	for _, n := range good {
		if !SafeName(n) {
			t.Errorf("SafeName(%q) = false", n)
		}
	}
	for _, n := range bad {
		if SafeName(n) {
			t.Errorf("SafeName(%q) = true", n)
		}
	}
}

func TestStateHelpers(t *testing.T) {
	if !StateStopped.Resting() || !StateFatal.Resting() {
		t.Error("stopped and fatal are resting states")
	}
	if StateBackingOff.Resting() {
		t.Error("backing-off waits on a timer, not on an operator")
	}
	if !StateStarting.Live() || !StateRunning.Live() {
		t.Error("starting and running own a child")
	}
	if StateExited.Live() || StateStopped.Live() {
		t.Error("exited and stopped have no child")
	}
}

func TestStatusUptime(t *testing.T) {
	now := time.Now()
	st := Status{State: StateRunning, StartedAt: now.Add(-time.Minute)}
	if up := st.Uptime(now); up != time.Minute {
		t.Errorf("uptime = %v", up)
	}
	st.State = StateStopped
	if up := st.Uptime(now); up != 0 {
		t.Errorf("stopped uptime = %v", up)
	}
}
