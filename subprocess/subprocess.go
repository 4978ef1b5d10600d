// Package subprocess starts and supervises the OS processes a session runs,
// forwarding their output line-by-line to the session's sink and providing
// the platform cancellation primitives (signal escalation).
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/user"
)

// Max length of a single forwarded log line; longer lines are forwarded in
// chunks of this size.
const logLineMaxLength = 64 * 1000

// LoggingSubprocess is a process whose stdout/stderr lines are sent to a
// session logger. Ordering is guaranteed within each stream, not across the
// two. The completion callback is invoked exactly once, after the process has
// exited and both streams have been read to end-of-stream.
type LoggingSubprocess struct {
	logger   *sink.Logger
	args     []string
	env      []string // nil inherits the parent environment
	dir      string
	runAs    user.SessionUser
	callback func()

	mu          sync.Mutex
	cmd         *exec.Cmd
	started     chan struct{}
	startFailed bool
	exitCode    int
	exited      bool
}

// Option configures a LoggingSubprocess.
type Option func(p *LoggingSubprocess)

// WithEnv sets the full environment of the subprocess. The slice is used
// as-is; passing nil inherits this process' environment.
func WithEnv(env []string) Option {
	return func(p *LoggingSubprocess) { p.env = env }
}

// WithDir sets the working directory of the subprocess.
func WithDir(dir string) Option {
	return func(p *LoggingSubprocess) { p.dir = dir }
}

// WithRunAs sets the OS identity to run the subprocess as.
func WithRunAs(runAs user.SessionUser) Option {
	return func(p *LoggingSubprocess) { p.runAs = runAs }
}

// WithCallback registers a function invoked exactly once after the process
// has exited (or failed to start) and all output has been drained.
func WithCallback(callback func()) Option {
	return func(p *LoggingSubprocess) { p.callback = callback }
}

// New returns a subprocess ready to Run. args must hold at least the command.
func New(logger *sink.Logger, args []string, options ...Option) (*LoggingSubprocess, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("args must hold at least one element")
	}
	p := &LoggingSubprocess{
		logger:  logger,
		args:    append([]string(nil), args...),
		started: make(chan struct{}),
	}
	for _, o := range options {
		o(p)
	}
	return p, nil
}

// Pid returns the process id, or 0 if the process has not started.
func (p *LoggingSubprocess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// ExitCode returns the exit code once the process has exited. A process
// killed by a signal reports -1.
func (p *LoggingSubprocess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// IsRunning reports whether the process has started and not yet exited.
func (p *LoggingSubprocess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.exited && !p.startFailed
}

// FailedToStart reports whether the process could not be launched.
func (p *LoggingSubprocess) FailedToStart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startFailed
}

// WaitUntilStarted blocks until the subprocess has either started running or
// failed to start, or the context is done.
func (p *LoggingSubprocess) WaitUntilStarted(ctx context.Context) error {
	select {
	case <-p.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run launches the subprocess and blocks until it has exited and both output
// streams are fully drained. It must be called at most once.
func (p *LoggingSubprocess) Run(ctx context.Context) {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		panic("subprocess has already been run")
	}

	args, err := p.buildCommand()
	if err == nil {
		p.cmd = exec.Command(args[0], args[1:]...)
		p.cmd.Dir = p.dir
		p.cmd.Env = p.env
		applySysProcAttr(p.cmd)
	}

	var stdout, stderr io.ReadCloser
	if err == nil {
		p.logger.Infof("Running command %s", strings.Join(args, " "))
		if stdout, err = p.cmd.StdoutPipe(); err == nil {
			stderr, err = p.cmd.StderrPipe()
		}
	}
	if err == nil {
		err = p.cmd.Start()
	}
	if err != nil {
		p.startFailed = true
		p.mu.Unlock()
		close(p.started)
		p.logger.Infof("Process failed to start: %v", err)
		if p.callback != nil {
			p.callback()
		}
		return
	}
	pid := p.cmd.Process.Pid
	p.mu.Unlock()
	close(p.started)

	p.logger.Infof("Command started as pid: %d", pid)
	p.logger.Infof("Output:")

	var group errgroup.Group
	group.Go(func() error { p.pump(sink.StreamStdout, stdout); return nil })
	group.Go(func() error { p.pump(sink.StreamStderr, stderr); return nil })
	_ = group.Wait()

	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
		}
	} else {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	if p.callback != nil {
		p.callback()
	}
}

// pump forwards one stream to the logger until end-of-stream. A line longer
// than logLineMaxLength is forwarded in chunks rather than aborting the read:
// the stream must be drained to end-of-stream no matter what the subprocess
// writes, or the subprocess blocks on a full pipe and never exits.
func (p *LoggingSubprocess) pump(stream sink.Stream, reader io.Reader) {
	buffered := bufio.NewReaderSize(reader, logLineMaxLength)
	for {
		chunk, _, err := buffered.ReadLine()
		if err != nil {
			if err != io.EOF {
				p.logger.Warnf("error reading subprocess %s: %v", stream, err)
			}
			break
		}
		p.logger.Line(stream, string(chunk))
	}
	p.logger.EndOfStream(stream)
}
