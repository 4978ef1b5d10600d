//go:build !windows

package subprocess

import (
	"context"
	_ "embed"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/viant/afs"
	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"

	"github.com/openjobdescription/sessions/embedded"
	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/user"
)

//go:embed scripts/signal_subprocess.sh
var signalHelperScript string

const signalTimeout = 30 * time.Second

// posixSignaler delivers signals natively when the target runs as this
// process' user, and through the privileged helper script (via sudo) when the
// target runs as another user.
type posixSignaler struct {
	workDir string

	mu         sync.Mutex
	helperPath string
	shell      *gosh.Service
}

func newPlatformSignaler(workDir string) Signaler {
	return &posixSignaler{workDir: workDir}
}

func (s *posixSignaler) Signal(ctx context.Context, logger *sink.Logger, req Request) error {
	if posix, ok := req.RunAs.(*user.PosixUser); ok && !posix.IsProcessUser() {
		return s.signalViaHelper(ctx, logger, req, posix)
	}
	return s.signalNative(logger, req)
}

// signalNative resolves the target and uses kill(2) directly.
func (s *posixSignaler) signalNative(logger *sink.Logger, req Request) error {
	pid := req.PID
	if req.SignalChild {
		child, err := firstChildOf(pid)
		if err != nil {
			return fmt.Errorf("could not resolve child of process %d: %w", pid, err)
		}
		pid = child
	}
	sig := syscall.SIGTERM
	if req.Signal == SignalKill {
		sig = syscall.SIGKILL
	}
	target := pid
	if req.IncludeSubprocesses {
		// Negated process-group id addresses the whole group.
		target = -pid
	}
	logger.Infof("INTERRUPT: Sending %s to %d", strings.ToUpper(string(req.Signal)), target)
	if err := syscall.Kill(target, sig); err != nil {
		return fmt.Errorf("failed to send signal %q to process %d: %w", req.Signal, req.PID, err)
	}
	return nil
}

// signalViaHelper runs the helper script as the run-as user. The helper's
// exit code reports delivery per the signaling contract: 0 means delivered.
func (s *posixSignaler) signalViaHelper(ctx context.Context, logger *sink.Logger, req Request, posix *user.PosixUser) error {
	helper, err := s.ensureHelper(ctx, posix)
	if err != nil {
		return err
	}
	shell, err := s.shellService(ctx)
	if err != nil {
		return err
	}
	command := fmt.Sprintf("sudo -u %s -i %s %d %s %t %t",
		posix.User, helper, req.PID, req.Signal, req.SignalChild, req.IncludeSubprocesses)
	logger.Infof("INTERRUPT: Running: %s", command)
	output, status, err := shell.Run(ctx, command, runner.WithTimeout(int(signalTimeout.Milliseconds())))
	if err != nil {
		return fmt.Errorf("failed to send signal %q to subprocess %d: %w", req.Signal, req.PID, err)
	}
	if status != 0 {
		return fmt.Errorf("failed to send signal %q to subprocess %d: %s", req.Signal, req.PID, output)
	}
	return nil
}

// ensureHelper materializes the embedded helper script once, group-accessible
// to the run-as user.
func (s *posixSignaler) ensureHelper(ctx context.Context, posix *user.PosixUser) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.helperPath != "" {
		return s.helperPath, nil
	}
	path := filepath.Join(s.workDir, "signal_subprocess.sh")
	if err := embedded.WriteFileForUser(ctx, afs.New(), path, signalHelperScript, posix, 0o110); err != nil {
		return "", fmt.Errorf("could not materialize signaling helper: %w", err)
	}
	s.helperPath = path
	return path, nil
}

func (s *posixSignaler) shellService(ctx context.Context) (*gosh.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shell != nil {
		return s.shell, nil
	}
	shell, err := gosh.New(ctx, local.New())
	if err != nil {
		return nil, fmt.Errorf("failed to create signaling shell: %w", err)
	}
	s.shell = shell
	return shell, nil
}

// firstChildOf returns the pid of the first immediate child of pid.
func firstChildOf(pid int) (int, error) {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, fmt.Errorf("pgrep failed: %w", err)
	}
	lines := strings.Fields(strings.TrimSpace(string(out)))
	if len(lines) == 0 {
		return 0, fmt.Errorf("process %d has no children", pid)
	}
	return strconv.Atoi(lines[0])
}
