//go:build windows

package subprocess

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/user"
)

// windowsSignaler delivers a console break event for graceful requests and
// terminates the full process tree for forceful ones.
type windowsSignaler struct{}

func newPlatformSignaler(string) Signaler { return &windowsSignaler{} }

func (s *windowsSignaler) Signal(ctx context.Context, logger *sink.Logger, req Request) error {
	if req.Signal == SignalKill {
		logger.Infof("INTERRUPT: Start killing the process tree with the root pid: %d", req.PID)
		return terminateProcessTree(logger, uint32(req.PID))
	}
	if win, ok := req.RunAs.(*user.WindowsUser); ok && !win.CanAttachConsole {
		// Session-0 service contexts have no console to attach to; a graceful
		// stop cannot be delivered there.
		return fmt.Errorf("cannot deliver a console break event to process %d: the run-as identity has no attachable console", req.PID)
	}
	return sendCtrlBreak(logger, uint32(req.PID))
}

// sendCtrlBreak attaches to the target's console and raises a break event so
// the process group can perform an orderly shutdown. CTRL_BREAK is used
// because, unlike CTRL_C, its handler cannot be disabled.
func sendCtrlBreak(logger *sink.Logger, pid uint32) error {
	logger.Infof("INTERRUPT: Sending CTRL_BREAK_EVENT to %d", pid)
	// Move to the target's console; the event can only be raised for process
	// groups sharing the caller's console.
	_ = windows.FreeConsole()
	if err := windows.AttachConsole(pid); err != nil && err != windows.ERROR_ACCESS_DENIED {
		return fmt.Errorf("could not attach to console of process %d: %w", pid, err)
	}
	defer func() { _ = windows.FreeConsole() }()
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, pid); err != nil {
		return fmt.Errorf("failed to send CTRL_BREAK_EVENT to %d: %w", pid, err)
	}
	return nil
}

// terminateProcessTree force-kills pid and every transitive child.
func terminateProcessTree(logger *sink.Logger, pid uint32) error {
	children, err := processChildren()
	if err != nil {
		logger.Warnf("could not enumerate processes: %v", err)
		children = map[uint32][]uint32{}
	}
	var failed int
	// Children first, so the root cannot spawn replacements mid-walk.
	var kill func(uint32)
	kill = func(target uint32) {
		for _, child := range children[target] {
			kill(child)
		}
		if target == pid {
			return
		}
		if err := terminateProcess(target); err != nil {
			failed++
			logger.Warnf("failed to terminate process %d: %v", target, err)
		}
	}
	kill(pid)
	if err := terminateProcess(pid); err != nil {
		return fmt.Errorf("failed to terminate process %d: %w", pid, err)
	}
	if failed > 0 {
		return fmt.Errorf("failed to terminate %d subprocesses of process %d", failed, pid)
	}
	return nil
}

func terminateProcess(pid uint32) error {
	handle, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)
	return windows.TerminateProcess(handle, 1)
}

// processChildren snapshots the process table as a parent-to-children map.
func processChildren() (map[uint32][]uint32, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	children := map[uint32][]uint32{}
	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snapshot, &entry); err != nil {
		return nil, err
	}
	for {
		children[entry.ParentProcessID] = append(children[entry.ParentProcessID], entry.ProcessID)
		if err := windows.Process32Next(snapshot, &entry); err != nil {
			break
		}
	}
	return children, nil
}
