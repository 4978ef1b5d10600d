package runner

import (
	"context"
	"time"

	"github.com/openjobdescription/sessions/embedded"
	"github.com/openjobdescription/sessions/model"
)

// DefaultStepGrace is the notify period applied to a task action whose
// cancellation method does not specify one.
const DefaultStepGrace = 120 * time.Second

// StepRunner runs the onRun action of a step script for one task.
type StepRunner struct {
	base
	script *model.StepScript
}

// NewStepRunner returns a runner for one task of the given step script.
func NewStepRunner(opts Options, script *model.StepScript) *StepRunner {
	r := &StepRunner{base: newBase(opts), script: script}
	r.cancelSelf = func() { r.Cancel(context.Background(), 0) }
	return r
}

// Run materializes the script's embedded files and runs its onRun action,
// returning once the subprocess is confirmed started.
func (r *StepRunner) Run(ctx context.Context, symbols model.SymbolTable) {
	if !r.materializeFiles(ctx, embedded.ScopeStep, r.script.EmbeddedFiles, symbols) {
		return
	}
	r.runAction(ctx, &r.script.Actions.OnRun, symbols)
}

// Cancel stops the running task using the method its definition declares,
// defaulting to notify-then-terminate with a 120 second notify period.
// timeLimit caps the notify period when positive.
func (r *StepRunner) Cancel(ctx context.Context, timeLimit time.Duration) {
	r.cancel(ctx, cancelMethodFor(&r.script.Actions.OnRun, r.graceOr(DefaultStepGrace)), timeLimit)
}

// cancelMethodFor maps an action's declared cancellation onto a cancel
// method, falling back to notify-then-terminate with the given grace.
func cancelMethodFor(action *model.Action, defaultGrace time.Duration) CancelMethod {
	if action == nil || action.Cancelation == nil {
		return NotifyThenTerminateCancel{Grace: defaultGrace}
	}
	c := action.Cancelation
	switch c.Mode {
	case model.CancelationModeTerminate:
		return TerminateCancel{}
	default:
		grace := defaultGrace
		if c.NotifyPeriodInSeconds > 0 {
			grace = time.Duration(c.NotifyPeriodInSeconds) * time.Second
		}
		return NotifyThenTerminateCancel{Grace: grace}
	}
}
