//go:build !windows

package subprocess

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/openjobdescription/sessions/user"
)

func applySysProcAttr(cmd *exec.Cmd) {
	// A fresh session (and so process group) lets cancellation signal the
	// whole subtree via the negated process-group id.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func (p *LoggingSubprocess) buildCommand() ([]string, error) {
	if p.runAs == nil {
		return p.args, nil
	}
	posix, ok := p.runAs.(*user.PosixUser)
	if !ok {
		return nil, fmt.Errorf("run-as identity must be a PosixUser on posix systems")
	}
	if posix.IsProcessUser() {
		return p.args, nil
	}
	// setsid is required; without it the command shares the root-owned sudo
	// process group and neither user could signal the other's processes.
	prefix := []string{"sudo", "-u", posix.User, "-i", "setsid", "-w"}
	return append(prefix, p.args...), nil
}
