//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// CREATE_NEW_PROCESS_GROUP keeps console control events away from the host.
const CREATE_NEW_PROCESS_GROUP = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: CREATE_NEW_PROCESS_GROUP}
}

// terminate is forceful on Windows: there is no graceful signal that reliably
// reaches a console child's descendants, so the whole tree is killed.
func terminate(pid int) error { return taskkill(pid) }

func kill(pid int) error { return taskkill(pid) }

func taskkill(pid int) error {
	// #nosec G204 -- fixed utility, numeric pid
	cmd := exec.Command("taskkill", "/pid", strconv.Itoa(pid), "/f", "/t")
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		// 128: no such process
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 128 {
			return nil
		}
		return fmt.Errorf("taskkill %d: %w: %s", pid, err, msg)
	}
	return nil
}

func processExists(pid int) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
