//go:build windows

package subprocess

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/openjobdescription/sessions/user"
)

func applySysProcAttr(cmd *exec.Cmd) {
	// A separate process group is needed so that a console break event can be
	// delivered to the subprocess without reaching this process.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

func (p *LoggingSubprocess) buildCommand() ([]string, error) {
	if p.runAs == nil {
		return p.args, nil
	}
	win, ok := p.runAs.(*user.WindowsUser)
	if !ok {
		return nil, fmt.Errorf("run-as identity must be a WindowsUser on Windows systems")
	}
	if win.IsProcessUser() {
		return p.args, nil
	}
	return nil, fmt.Errorf("launching as another Windows user requires an external launcher; see the run-as documentation")
}
