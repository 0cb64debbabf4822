package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrArtifactNotFound is returned when the backend launchable is missing.
var ErrArtifactNotFound = errors.New("backend artifact not found")

// Spec describes the backend process to launch.
type Spec struct {
	Name string `json:"name"`
	// Interpreter runs Script (e.g. "python3"). Empty means Script is itself executable.
	Interpreter string `json:"interpreter"`
	// InterpreterWindows overrides Interpreter on Windows (e.g. "python").
	InterpreterWindows string `json:"interpreter_windows"`
	// Script is the launchable artifact; relative paths resolve against AppDir.
	Script  string   `json:"script"`
	Args    []string `json:"args"`
	AppDir  string   `json:"app_dir"`
	WorkDir string   `json:"work_dir"` // defaults to the artifact's directory
	Env     []string `json:"-"`        // merged environment; nil inherits the host environment
}

// ArtifactPath returns the absolute location of the launchable artifact.
func (s Spec) ArtifactPath() string {
	p := strings.TrimSpace(s.Script)
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) && s.AppDir != "" {
		p = filepath.Join(s.AppDir, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return p
}

// CheckArtifact verifies the launchable exists and is a regular file.
func (s Spec) CheckArtifact() error {
	p := s.ArtifactPath()
	if p == "" {
		return fmt.Errorf("%w: no script configured", ErrArtifactNotFound)
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, p)
		}
		return fmt.Errorf("stat artifact %s: %w", p, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrArtifactNotFound, p)
	}
	return nil
}

// Executable returns the program started for goos: the platform interpreter,
// or the artifact itself when no interpreter is configured.
func (s Spec) Executable(goos string) string {
	if goos == "windows" && strings.TrimSpace(s.InterpreterWindows) != "" {
		return strings.TrimSpace(s.InterpreterWindows)
	}
	if in := strings.TrimSpace(s.Interpreter); in != "" {
		return in
	}
	return s.ArtifactPath()
}

// BuildCommand constructs the *exec.Cmd for goos without starting it.
func (s Spec) BuildCommand(goos string) *exec.Cmd {
	exe := s.Executable(goos)
	artifact := s.ArtifactPath()
	var args []string
	if exe != artifact {
		args = append(args, artifact)
	}
	args = append(args, s.Args...)
	// #nosec G204 -- executable and arguments come from the host configuration
	cmd := exec.Command(exe, args...)
	cmd.Dir = s.WorkDir
	if cmd.Dir == "" && artifact != "" {
		cmd.Dir = filepath.Dir(artifact)
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	return cmd
}
