//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcAttr gives the child its own console process group so that a
// CTRL_BREAK can be delivered to it without reaching the gateway.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func terminate(p *os.Process) error {
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.Pid)); err != nil {
		return p.Kill()
	}
	return nil
}

func kill(p *os.Process) error { return p.Kill() }

// Windows environment keys are case-insensitive.
func envKey(k string) string { return strings.ToUpper(k) }
