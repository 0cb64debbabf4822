package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector runs a command that exits 0 once the backend is ready.
type CommandDetector struct {
	Command string
	Dir     string
	Env     []string
}

// buildShellAwareCommand constructs an *exec.Cmd for a detector command.
// Avoids invoking a shell unless obvious shell metacharacters are present (G204 mitigation).
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand(ctx)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (d CommandDetector) Ready(ctx context.Context) (bool, error) {
	cmd := buildShellAwareCommand(ctx, d.Command)
	cmd.Dir = d.Dir
	if d.Env != nil {
		cmd.Env = d.Env
	}
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit code means not ready
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
