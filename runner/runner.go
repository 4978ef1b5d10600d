// Package runner executes a single action end-to-end: it resolves the
// command line, materializes embedded files, launches the logging subprocess,
// supervises it, and translates its terminal condition, including the
// notify-then-terminate cancellation escalation.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/viant/afs"

	"github.com/openjobdescription/sessions/embedded"
	"github.com/openjobdescription/sessions/internal/clock"
	"github.com/openjobdescription/sessions/model"
	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/subprocess"
	"github.com/openjobdescription/sessions/tracing"
	"github.com/openjobdescription/sessions/user"
)

// State is the lifecycle state of a runner and, once terminal, of the action
// it ran.
type State string

const (
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateCanceling State = "canceling"
	StateCanceled  State = "canceled"
	StateTimeout   State = "timeout"
	StateFailed    State = "failed"
	StateSuccess   State = "success"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	switch s {
	case StateCanceled, StateTimeout, StateFailed, StateSuccess:
		return true
	}
	return false
}

// CancelMethod selects how a running action is brought down.
type CancelMethod interface{ isCancelMethod() }

// TerminateCancel kills the subprocess tree immediately.
type TerminateCancel struct{}

func (TerminateCancel) isCancelMethod() {}

// NotifyThenTerminateCancel first delivers a graceful stop signal, then kills
// the tree once the grace period has elapsed.
type NotifyThenTerminateCancel struct {
	Grace time.Duration
}

func (NotifyThenTerminateCancel) isCancelMethod() {}

// Callback receives runner state transitions: StateRunning once the process
// is confirmed started, then exactly one terminal state.
type Callback func(state State)

// ActionRunner is the control surface shared by the Environment and
// StepScript runner variants.
type ActionRunner interface {
	// Cancel stops the running action using its declared cancellation method.
	Cancel(ctx context.Context, timeLimit time.Duration)
	// Terminate kills the subprocess tree immediately, regardless of the
	// declared cancellation method.
	Terminate(ctx context.Context)
	ExitCode() (int, bool)
	State() State
	Shutdown(ctx context.Context) error
}

// Options carries the collaborators and settings shared by all runner
// variants.
type Options struct {
	Logger *sink.Logger
	RunAs  user.SessionUser
	// Env is the merged environment for the subprocess; a nil value unsets
	// the variable.
	Env map[string]*string
	// WorkingDir is the session working directory.
	WorkingDir string
	// StartupDir is the cwd for the subprocess; empty inherits WorkingDir.
	StartupDir string
	// FilesDir is where embedded files are materialized.
	FilesDir string
	Callback Callback
	Resolver model.Resolver
	Signaler subprocess.Signaler
	// DefaultGrace overrides the variant's default notify period for actions
	// that declare no cancellation method.
	DefaultGrace time.Duration
}

// base holds the action supervision machinery shared by the Environment and
// StepScript runner variants.
type base struct {
	logger       *sink.Logger
	runAs        user.SessionUser
	env          map[string]*string
	workingDir   string
	startupDir   string
	filesDir     string
	callback     Callback
	resolver     model.Resolver
	signaler     subprocess.Signaler
	defaultGrace time.Duration

	// cancelSelf is installed by the variant so that the runtime-limit timer
	// can trigger the variant's own cancellation method.
	cancelSelf func()

	mu            sync.Mutex
	process       *subprocess.LoggingSubprocess
	running       bool
	done          chan struct{}
	graceTimer    *time.Timer
	graceEnd      time.Time
	canceled      bool
	limitTimer    *time.Timer
	limitReached  bool
	stateOverride State
	materialized  []string
	files         *embedded.Files
}

func newBase(opts Options) base {
	if opts.Resolver == nil {
		opts.Resolver = model.FormatStringResolver{}
	}
	if opts.Signaler == nil {
		opts.Signaler = subprocess.NewSignaler(opts.WorkingDir)
	}
	if opts.StartupDir == "" {
		opts.StartupDir = opts.WorkingDir
	}
	return base{
		logger:       opts.Logger,
		runAs:        opts.RunAs,
		env:          opts.Env,
		workingDir:   opts.WorkingDir,
		startupDir:   opts.StartupDir,
		filesDir:     opts.FilesDir,
		callback:     opts.Callback,
		resolver:     opts.Resolver,
		signaler:     opts.Signaler,
		defaultGrace: opts.DefaultGrace,
	}
}

// graceOr returns the configured default notify period, or fallback when none
// was configured.
func (r *base) graceOr(fallback time.Duration) time.Duration {
	if r.defaultGrace > 0 {
		return r.defaultGrace
	}
	return fallback
}

// Terminate kills the running subprocess tree immediately, regardless of the
// action's declared cancellation method.
func (r *base) Terminate(ctx context.Context) {
	r.cancel(ctx, TerminateCancel{}, 0)
}

// State derives the runner's current state.
func (r *base) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *base) stateLocked() State {
	if r.stateOverride != "" {
		return r.stateOverride
	}
	if r.process == nil {
		return StateReady
	}
	if r.running {
		if r.canceled {
			return StateCanceling
		}
		return StateRunning
	}
	switch {
	case r.canceled && r.limitReached:
		return StateTimeout
	case r.canceled:
		return StateCanceled
	case r.process.FailedToStart():
		return StateFailed
	default:
		if code, ok := r.process.ExitCode(); ok && code == 0 {
			return StateSuccess
		}
		return StateFailed
	}
}

// ExitCode returns the subprocess exit code once available. An action can
// fail without one (for example a failed embedded-file materialization).
func (r *base) ExitCode() (int, bool) {
	r.mu.Lock()
	process := r.process
	r.mu.Unlock()
	if process == nil {
		return 0, false
	}
	return process.ExitCode()
}

// TimedOut reports whether the action was canceled by its runtime limit.
func (r *base) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limitReached
}

// failBeforeLaunch reports a failure that happened before any process could
// be started, surfacing the reason through the directive protocol so it is
// visible in the session log.
func (r *base) failBeforeLaunch(reason error) {
	r.logger.Line(sink.StreamRuntime, fmt.Sprintf("openjd_fail: %v", reason))
	r.mu.Lock()
	r.stateOverride = StateFailed
	r.mu.Unlock()
	if r.callback != nil {
		r.callback(StateFailed)
	}
}

// materializeFiles writes the action's embedded files, recording their paths
// for release on the terminal transition.
func (r *base) materializeFiles(ctx context.Context, scope embedded.Scope, files []model.EmbeddedFile, symbols model.SymbolTable) bool {
	if len(files) == 0 {
		return true
	}
	writer := embedded.New(r.logger, scope, r.filesDir, r.runAs, r.resolver)
	written, err := writer.Materialize(ctx, files, symbols)
	r.mu.Lock()
	r.files = writer
	r.materialized = written
	r.mu.Unlock()
	if err != nil {
		r.failBeforeLaunch(err)
		return false
	}
	return true
}

// runAction resolves the action's command line and launches it.
func (r *base) runAction(ctx context.Context, action *model.Action, symbols model.SymbolTable) {
	args := make([]string, 0, 1+len(action.Args))
	command, err := r.resolver.Resolve(action.Command, symbols)
	if err != nil {
		r.failBeforeLaunch(err)
		return
	}
	args = append(args, command)
	for _, arg := range action.Args {
		resolved, err := r.resolver.Resolve(arg, symbols)
		if err != nil {
			r.failBeforeLaunch(err)
			return
		}
		args = append(args, resolved)
	}
	var limit time.Duration
	if action.Timeout > 0 {
		limit = time.Duration(action.Timeout) * time.Second
	}
	r.launch(ctx, args, limit)
}

// launch starts the logging subprocess and returns once it is confirmed
// running (or has failed to start).
func (r *base) launch(ctx context.Context, args []string, limit time.Duration) {
	r.mu.Lock()
	if r.stateLocked() != StateReady {
		r.mu.Unlock()
		r.failBeforeLaunch(fmt.Errorf("this runner cannot be used to run a second subprocess"))
		return
	}

	plan, err := r.buildLaunch(ctx, args)
	if err != nil {
		r.mu.Unlock()
		r.failBeforeLaunch(err)
		return
	}

	process, err := subprocess.New(r.logger, plan.args,
		subprocess.WithEnv(plan.env),
		subprocess.WithDir(r.startupDir),
		subprocess.WithRunAs(r.runAs),
	)
	if err != nil {
		r.mu.Unlock()
		r.failBeforeLaunch(err)
		return
	}
	r.process = process
	r.running = true
	r.done = make(chan struct{})

	if limit > 0 {
		r.limitTimer = time.AfterFunc(limit, r.onTimeLimit)
	}

	r.logger.Banner("Phase: Running action")
	span := tracing.StartSpan("session.action", tracing.WithAttribute("command", plan.args[0]))
	go func() {
		defer close(r.done)
		defer span.End()
		process.Run(ctx)
		r.onProcessExit(ctx)
	}()
	r.mu.Unlock()

	// Block until the subprocess actually started so callers never observe a
	// "done" runner whose process had not yet begun.
	_ = process.WaitUntilStarted(ctx)

	if r.State() == StateRunning && r.callback != nil {
		r.callback(StateRunning)
	}
}

// cancel implements the shared cancellation protocol for both variants.
func (r *base) cancel(ctx context.Context, method CancelMethod, timeLimit time.Duration) {
	r.mu.Lock()
	process := r.process
	if process == nil || !process.IsRunning() {
		r.mu.Unlock()
		return
	}
	r.canceled = true
	now := clock.Now()
	if r.graceTimer != nil {
		// A duplicate cancel may carry a different grace; recalculate below.
		r.graceTimer.Stop()
		r.graceTimer = nil
	}

	if _, ok := method.(TerminateCancel); ok {
		r.mu.Unlock()
		r.logger.Infof("Canceling subprocess %d via termination method at %s.", process.Pid(), clock.Timestamp(now))
		r.terminate(ctx, process)
		return
	}

	notify := method.(NotifyThenTerminateCancel)
	grace := notify.Grace
	if timeLimit > 0 && timeLimit < grace {
		grace = timeLimit
	}
	if !r.graceEnd.IsZero() {
		if remaining := r.graceEnd.Sub(now); remaining < grace {
			grace = remaining
		}
	}
	if grace < 0 {
		grace = 0
	}
	r.graceEnd = now.Add(grace)
	graceEnd := r.graceEnd
	r.graceTimer = time.AfterFunc(grace, func() { r.onGraceEnd(ctx) })
	r.mu.Unlock()

	r.logger.Infof("Canceling subprocess %d via notify then terminate method at %s.", process.Pid(), clock.Timestamp(now))
	r.writeCancelInfo(ctx, graceEnd)
	r.logger.Infof("Grace period ends at %s", clock.Timestamp(graceEnd))
	r.notify(ctx, process)
}

// writeCancelInfo records the notify-period end time where the subprocess
// can read it: <working dir>/cancel_info.json.
func (r *base) writeCancelInfo(ctx context.Context, graceEnd time.Time) {
	payload, _ := json.Marshal(map[string]string{"NotifyEnd": clock.Timestamp(graceEnd)})
	path := filepath.Join(r.workingDir, "cancel_info.json")
	if err := embedded.WriteFileForUser(ctx, afs.New(), path, string(payload), r.runAs, 0); err != nil {
		r.logger.Warnf("could not write %s: %v", path, err)
	}
}

func (r *base) notify(ctx context.Context, process *subprocess.LoggingSubprocess) {
	err := r.signaler.Signal(ctx, r.logger, subprocess.Request{
		PID:         process.Pid(),
		Signal:      subprocess.SignalTerm,
		SignalChild: r.impersonated(),
		RunAs:       r.runAs,
	})
	if err != nil {
		r.logger.Warnf("Cancelation could not send notify signal to process %d: %v", process.Pid(), err)
	}
}

func (r *base) terminate(ctx context.Context, process *subprocess.LoggingSubprocess) {
	err := r.signaler.Signal(ctx, r.logger, subprocess.Request{
		PID:                 process.Pid(),
		Signal:              subprocess.SignalKill,
		SignalChild:         r.impersonated(),
		IncludeSubprocesses: true,
		RunAs:               r.runAs,
	})
	if err != nil {
		r.logger.Warnf("Cancelation could not send terminate signal to process %d: %v", process.Pid(), err)
	}
}

// impersonated reports whether the subprocess tree is rooted in a
// privilege-dropping wrapper, in which case signals must target its child.
func (r *base) impersonated() bool {
	posix, ok := r.runAs.(*user.PosixUser)
	return ok && !posix.IsProcessUser()
}

// onGraceEnd fires when a notify-then-terminate grace period has expired.
func (r *base) onGraceEnd(ctx context.Context) {
	r.mu.Lock()
	r.graceTimer = nil
	process := r.process
	r.mu.Unlock()
	if process == nil || !process.IsRunning() {
		return
	}
	r.logger.Infof("Notify period ended. Terminate at %s", clock.Timestamp(clock.Now()))
	r.terminate(ctx, process)
}

// onTimeLimit fires when the action's runtime limit has been exhausted.
func (r *base) onTimeLimit() {
	r.mu.Lock()
	r.limitTimer = nil
	r.limitReached = true
	r.mu.Unlock()
	r.logger.Infof("TIMEOUT - Runtime limit reached at %s. Canceling action.", clock.Timestamp(clock.Now()))
	if r.cancelSelf != nil {
		r.cancelSelf()
	}
}

// onProcessExit runs after the subprocess has exited and its streams are
// drained. It settles timers, releases materialized files, and reports the
// terminal state exactly once.
func (r *base) onProcessExit(ctx context.Context) {
	r.mu.Lock()
	r.running = false
	if r.limitTimer != nil {
		r.limitTimer.Stop()
		r.limitTimer = nil
	}
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	files, paths := r.files, r.materialized
	r.files, r.materialized = nil, nil
	terminal := r.stateLocked()
	r.mu.Unlock()

	if files != nil {
		files.Release(ctx, paths)
	}
	if r.callback != nil {
		r.callback(terminal)
	}
}

// Shutdown waits for any in-flight supervision goroutine to finish.
func (r *base) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
