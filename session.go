package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/viant/afs"

	"github.com/openjobdescription/sessions/embedded"
	"github.com/openjobdescription/sessions/filter"
	"github.com/openjobdescription/sessions/internal/idgen"
	"github.com/openjobdescription/sessions/internal/tempdir"
	"github.com/openjobdescription/sessions/model"
	"github.com/openjobdescription/sessions/runner"
	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/user"
)

const pathMappingRulesFilename = "path_mapping_rules.json"

// envChange is one staged environment mutation; a nil value unsets the
// variable.
type envChange struct {
	name  string
	value *string
}

// environmentFrame is one entry of the session's LIFO environment stack,
// committed when its enter action succeeds.
type environmentFrame struct {
	id          string
	environment *model.Environment
	changes     []envChange
}

type actionKind int

const (
	actionEnterEnv actionKind = iota
	actionExitEnv
	actionRunTask
)

// actionRecord is the bookkeeping for the single in-flight action.
type actionRecord struct {
	kind  actionKind
	frame *environmentFrame

	cancel    func(ctx context.Context, timeLimit time.Duration)
	terminate func(ctx context.Context)
	exitCode  func() (int, bool)
	shutdown  func(ctx context.Context) error

	staged        []envChange
	progress      *float64
	statusMessage string
	failMessage   string
	malformed     bool
	lastExit      *int
}

// Session supervises the subprocesses of one render-job session: it runs
// environment enter/exit actions and tasks one at a time, maintains the LIFO
// stack of environment variable changes those actions accumulate, and reports
// action status asynchronously through the registered callback.
type Session struct {
	id                 string
	callback           Callback
	runAs              user.SessionUser
	sink               sink.Sink
	cfg                *Config
	jobParams          model.ParameterSet
	pathRules          []model.PathMappingRule
	rootDir            string
	resolver           model.Resolver
	suppressDirectives bool

	logger      *sink.Logger
	monitor     *filter.ActionMonitor
	workDir     *tempdir.Dir
	filesDir    string
	baseSymbols model.SymbolTable

	mu      sync.Mutex
	state   SessionState
	stack   []*environmentFrame
	action  *actionRecord
	events  chan ActionStatus
	sending sync.WaitGroup
	done    chan struct{}
}

// New creates a session in the READY state, owning a freshly created working
// directory. The caller must end the session with Cleanup.
func New(ctx context.Context, options ...Option) (*Session, error) {
	s := &Session{
		cfg:      DefaultConfig(),
		resolver: model.FormatStringResolver{},
		state:    StateReady,
	}
	for _, o := range options {
		o(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.id == "" {
		s.id = idgen.New()
	}
	if s.sink == nil {
		s.sink = sink.NewStdSink(log.New(os.Stderr, "", log.LstdFlags))
	}
	if s.callback == nil {
		s.callback = func(string, ActionStatus) {}
	}
	if posix, ok := s.runAs.(*user.PosixUser); ok {
		if err := posix.Validate(); err != nil {
			return nil, fmt.Errorf("invalid run-as identity: %w", err)
		}
	}

	var monitorOpts []filter.Option
	if s.suppressDirectives {
		monitorOpts = append(monitorOpts, filter.WithSuppressFiltered())
	}
	s.monitor = filter.NewActionMonitor(s.id, s.sink, s.onDirective, monitorOpts...)
	s.logger = sink.NewLogger(s.id, s.monitor)

	workDir, err := tempdir.New(s.rootDir, s.id, s.runAs)
	if err != nil {
		return nil, err
	}
	s.workDir = workDir
	if s.filesDir, err = tempdir.Subdir(workDir.Path, "embedded_files", s.runAs); err != nil {
		_ = workDir.Cleanup()
		return nil, err
	}
	if err := s.writePathMappingRules(ctx); err != nil {
		_ = workDir.Cleanup()
		return nil, err
	}
	s.buildBaseSymbols()

	s.events = make(chan ActionStatus, s.cfg.CallbackBuffer)
	s.done = make(chan struct{})
	go s.dispatch(s.events)

	s.logger.Banner(fmt.Sprintf("Session %s started", s.id))
	s.logger.Infof("Working directory: %s", workDir.Path)
	return s, nil
}

// dispatch is the callback dispatcher goroutine; every status update reaches
// the caller from here, never from the caller's own goroutine.
func (s *Session) dispatch(events <-chan ActionStatus) {
	defer close(s.done)
	for status := range events {
		s.callback(s.id, status)
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkingDirectory returns the directory tree owned by this session.
func (s *Session) WorkingDirectory() string { return s.workDir.Path }

// EnvironmentStack returns the identifiers of the entered environments,
// bottom first.
func (s *Session) EnvironmentStack() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.stack))
	for i, frame := range s.stack {
		ids[i] = frame.id
	}
	return ids
}

// EnterEnvironment starts the environment's onEnter action and returns the
// identifier of the environment frame that will be pushed if the action
// succeeds. Valid only in READY.
func (s *Session) EnterEnvironment(ctx context.Context, environment *model.Environment) (string, error) {
	if environment == nil {
		return "", usageErrorf("environment must not be nil")
	}
	frame := &environmentFrame{
		id:          idgen.NewEnvironmentID(s.id),
		environment: environment,
		changes:     declaredChanges(environment),
	}
	record := &actionRecord{kind: actionEnterEnv, frame: frame}
	if err := s.beginAction(record, fmt.Sprintf("Entering environment: %s", environment.Name)); err != nil {
		return "", err
	}

	r := runner.NewEnvironmentRunner(s.runnerOptions(record, s.environmentGrace()), environment.Script)
	s.bind(record, r)
	r.Enter(ctx, s.baseSymbols.Clone())
	return frame.id, nil
}

// ExitEnvironment starts the onExit action of the environment at the top of
// the stack. identifier must name that top frame; exiting out of order is a
// usage error raised before any process starts. The frame is popped when the
// action finishes, whether or not it succeeds.
func (s *Session) ExitEnvironment(ctx context.Context, identifier string) error {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return usageErrorf("cannot exit an environment in state %s", state)
	}
	if len(s.stack) == 0 {
		s.mu.Unlock()
		return usageErrorf("no environments are entered")
	}
	top := s.stack[len(s.stack)-1]
	if top.id != identifier {
		s.mu.Unlock()
		return usageErrorf("environment %s is not the top of the stack; environments exit in reverse of entry order", identifier)
	}
	s.mu.Unlock()

	record := &actionRecord{kind: actionExitEnv, frame: top}
	if err := s.beginAction(record, fmt.Sprintf("Exiting environment: %s", top.environment.Name)); err != nil {
		return err
	}
	r := runner.NewEnvironmentRunner(s.runnerOptions(record, s.environmentGrace()), top.environment.Script)
	s.bind(record, r)
	r.Exit(ctx, s.baseSymbols.Clone())
	return nil
}

// RunTask starts the step script's onRun action with the given task
// parameter values. Valid only in READY.
func (s *Session) RunTask(ctx context.Context, script *model.StepScript, params model.ParameterSet) error {
	if script == nil {
		return usageErrorf("step script must not be nil")
	}
	record := &actionRecord{kind: actionRunTask}
	if err := s.beginAction(record, "Running task"); err != nil {
		return err
	}
	r := runner.NewStepRunner(s.runnerOptions(record, s.taskGrace()), script)
	s.bind(record, r)
	r.Run(ctx, s.taskSymbols(params))
	return nil
}

// Cancel requests cancellation of the in-flight action using its declared
// cancellation method. timeLimit, when positive, caps the notify period of a
// notify-then-terminate cancel. A session that is READY or already CANCELING
// is left unchanged.
func (s *Session) Cancel(ctx context.Context, timeLimit time.Duration) {
	s.mu.Lock()
	if s.state != StateRunning || s.action == nil {
		s.mu.Unlock()
		return
	}
	s.state = StateCanceling
	cancel := s.action.cancel
	s.mu.Unlock()
	cancel(ctx, timeLimit)
}

// Cleanup releases the session's working directory and ends the callback
// dispatcher. Valid only in READY; a busy session must be canceled and
// allowed to finish first. Calling Cleanup on an ENDED session is a no-op.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return usageErrorf("cannot clean up in state %s; cancel the action and wait for it to finish", state)
	}
	s.state = StateEnded
	events := s.events
	s.events = nil
	s.mu.Unlock()

	s.sending.Wait()
	close(events)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !s.cfg.RetainWorkingDir {
		s.removeWorkingDir(ctx)
	}
	s.logger.Banner(fmt.Sprintf("Session %s ended", s.id))
	return nil
}

// beginAction moves READY to RUNNING with record as the in-flight action.
func (s *Session) beginAction(record *actionRecord, banner string) error {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return usageErrorf("cannot start an action in state %s", state)
	}
	s.state = StateRunning
	s.action = record
	s.mu.Unlock()
	s.logger.Banner(banner)
	return nil
}

// bind wires a runner's control surface into the action record.
func (s *Session) bind(record *actionRecord, r runner.ActionRunner) {
	record.cancel = r.Cancel
	record.terminate = r.Terminate
	record.exitCode = r.ExitCode
	record.shutdown = r.Shutdown
}

// runnerOptions builds the per-action runner collaborators, with the
// session's flattened environment stack as the variable overrides.
func (s *Session) runnerOptions(record *actionRecord, grace time.Duration) runner.Options {
	return runner.Options{
		Logger:       s.logger,
		RunAs:        s.runAs,
		Env:          s.flattenedEnv(),
		WorkingDir:   s.workDir.Path,
		FilesDir:     s.filesDir,
		Resolver:     s.resolver,
		DefaultGrace: grace,
		Callback:     func(st runner.State) { s.onRunnerState(record, st) },
	}
}

func (s *Session) environmentGrace() time.Duration {
	return time.Duration(s.cfg.EnvironmentGraceSeconds) * time.Second
}

func (s *Session) taskGrace() time.Duration {
	return time.Duration(s.cfg.TaskGraceSeconds) * time.Second
}

// flattenedEnv applies every committed frame's changes bottom-up into one
// override set.
func (s *Session) flattenedEnv() map[string]*string {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make(map[string]*string)
	for _, frame := range s.stack {
		for _, change := range frame.changes {
			merged[change.name] = change.value
		}
	}
	return merged
}

// onRunnerState receives the per-action runner transitions and drives the
// session state machine.
func (s *Session) onRunnerState(record *actionRecord, st runner.State) {
	if !st.Terminal() {
		s.mu.Lock()
		status := s.snapshotLocked(record, ActionRunning)
		s.mu.Unlock()
		s.send(status)
		return
	}

	s.mu.Lock()
	final := finalState(st, record)
	if record.exitCode != nil {
		if code, ok := record.exitCode(); ok {
			record.lastExit = &code
		}
	}
	switch record.kind {
	case actionEnterEnv:
		if final == ActionSucceeded {
			record.frame.changes = append(record.frame.changes, record.staged...)
			s.stack = append(s.stack, record.frame)
		}
	case actionExitEnv:
		// Popped regardless of outcome so the stack never wedges.
		if n := len(s.stack); n > 0 && s.stack[n-1] == record.frame {
			s.stack = s.stack[:n-1]
		}
	}
	s.action = nil
	s.state = StateReady
	status := s.snapshotLocked(record, final)
	s.mu.Unlock()
	s.send(status)
}

// finalState combines the runner's terminal state with the directives the
// filter accumulated for the action.
func finalState(st runner.State, record *actionRecord) ActionState {
	if record.malformed {
		return ActionFailed
	}
	switch st {
	case runner.StateCanceled:
		return ActionCanceled
	case runner.StateTimeout:
		return ActionTimeout
	case runner.StateSuccess:
		if record.failMessage != "" {
			return ActionFailed
		}
		return ActionSucceeded
	default:
		return ActionFailed
	}
}

func (s *Session) snapshotLocked(record *actionRecord, state ActionState) ActionStatus {
	status := ActionStatus{
		State:         state,
		Progress:      record.progress,
		StatusMessage: record.statusMessage,
		ExitCode:      record.lastExit,
	}
	if state == ActionFailed {
		status.FailMessage = record.failMessage
	}
	return status
}

// send enqueues a status update for the dispatcher goroutine.
func (s *Session) send(status ActionStatus) {
	s.mu.Lock()
	events := s.events
	if events != nil {
		s.sending.Add(1)
	}
	s.mu.Unlock()
	if events == nil {
		return
	}
	events <- status
	s.sending.Done()
}

// onDirective receives the decoded openjd_* directives from the status
// message filter, in stream order.
func (s *Session) onDirective(msg filter.Message) {
	if msg.Kind == filter.KindLogLevel {
		s.logger.SetLevel(msg.Level)
		return
	}

	s.mu.Lock()
	record := s.action
	if record == nil {
		s.mu.Unlock()
		return
	}
	var (
		status    ActionStatus
		notify    bool
		terminate func(ctx context.Context)
	)
	switch msg.Kind {
	case filter.KindProgress:
		progress := msg.Progress
		record.progress = &progress
		status, notify = s.snapshotLocked(record, ActionRunning), true
	case filter.KindStatus:
		record.statusMessage = msg.Text
		status, notify = s.snapshotLocked(record, ActionRunning), true
	case filter.KindFail:
		record.failMessage = msg.Text
	case filter.KindEnv:
		if record.kind == actionEnterEnv {
			value := msg.Value
			record.staged = append(record.staged, envChange{name: msg.Name, value: &value})
		}
	case filter.KindUnsetEnv:
		if record.kind == actionEnterEnv {
			record.staged = append(record.staged, envChange{name: msg.Name})
		}
	case filter.KindMalformed:
		record.malformed = true
		if record.failMessage == "" {
			record.failMessage = msg.Text
		}
		terminate = record.terminate
	}
	s.mu.Unlock()

	if notify {
		s.send(status)
	}
	if terminate != nil {
		// The action is already failed; stop the subprocess promptly.
		terminate(context.Background())
	}
}

// declaredChanges turns an environment's declared variables into ordered
// frame changes.
func declaredChanges(environment *model.Environment) []envChange {
	if environment == nil || len(environment.Variables) == 0 {
		return nil
	}
	names := make([]string, 0, len(environment.Variables))
	for name := range environment.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	changes := make([]envChange, 0, len(names))
	for _, name := range names {
		value := environment.Variables[name]
		changes = append(changes, envChange{name: name, value: &value})
	}
	return changes
}

// buildBaseSymbols assembles the symbols every action's format strings can
// reference: the working directory, path mapping facts, and job parameters.
func (s *Session) buildBaseSymbols() {
	symbols := model.SymbolTable{
		model.SymbolWorkingDirectory:    s.workDir.Path,
		model.SymbolHasPathMappingRules: "false",
	}
	if len(s.pathRules) > 0 {
		symbols[model.SymbolHasPathMappingRules] = "true"
		symbols[model.SymbolPathMappingFile] = s.pathMappingRulesPath()
	}
	for name, param := range s.jobParams {
		value := param.Value
		if param.Type == model.ParameterTypePath {
			value = model.ApplyPathMapping(s.pathRules, value)
		}
		symbols[model.SymbolJobParameterPrefix+"."+name] = value
		symbols[model.SymbolJobParameterRawPrefix+"."+name] = param.Value
	}
	s.baseSymbols = symbols
}

// taskSymbols extends the base symbols with the task's parameter values.
func (s *Session) taskSymbols(params model.ParameterSet) model.SymbolTable {
	symbols := s.baseSymbols.Clone()
	for name, param := range params {
		value := param.Value
		if param.Type == model.ParameterTypePath {
			value = model.ApplyPathMapping(s.pathRules, value)
		}
		symbols[model.SymbolTaskParameterPrefix+"."+name] = value
		symbols[model.SymbolTaskParameterRawPrefix+"."+name] = param.Value
	}
	return symbols
}

func (s *Session) pathMappingRulesPath() string {
	return s.workDir.Path + string(os.PathSeparator) + pathMappingRulesFilename
}

// writePathMappingRules publishes the session's rules for subprocesses that
// want to apply the mapping themselves.
func (s *Session) writePathMappingRules(ctx context.Context) error {
	if len(s.pathRules) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"version":            "pathmapping-1.0",
		"path_mapping_rules": s.pathRules,
	})
	if err != nil {
		return err
	}
	return embedded.WriteFileForUser(ctx, afs.New(), s.pathMappingRulesPath(), string(payload), s.runAs, 0)
}
