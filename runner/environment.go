package runner

import (
	"context"
	"time"

	"github.com/openjobdescription/sessions/embedded"
	"github.com/openjobdescription/sessions/model"
)

// DefaultEnvironmentGrace is the notify period applied to an environment
// action whose cancellation method does not specify one.
const DefaultEnvironmentGrace = 30 * time.Second

// EnvironmentRunner runs the enter or exit action of a single environment.
// One runner instance runs at most one action.
type EnvironmentRunner struct {
	base
	script *model.EnvironmentScript
	action *model.Action
}

// NewEnvironmentRunner returns a runner for one action of the given
// environment script. A nil script is allowed; its actions then succeed
// immediately.
func NewEnvironmentRunner(opts Options, script *model.EnvironmentScript) *EnvironmentRunner {
	r := &EnvironmentRunner{base: newBase(opts), script: script}
	r.cancelSelf = func() { r.Cancel(context.Background(), 0) }
	return r
}

// Enter runs the environment's onEnter action and returns once the
// subprocess is confirmed started. An environment without an enter action
// succeeds immediately.
func (r *EnvironmentRunner) Enter(ctx context.Context, symbols model.SymbolTable) {
	var action *model.Action
	if r.script != nil {
		action = r.script.Actions.OnEnter
	}
	r.run(ctx, action, symbols)
}

// Exit runs the environment's onExit action. An environment without an exit
// action succeeds immediately.
func (r *EnvironmentRunner) Exit(ctx context.Context, symbols model.SymbolTable) {
	var action *model.Action
	if r.script != nil {
		action = r.script.Actions.OnExit
	}
	r.run(ctx, action, symbols)
}

func (r *EnvironmentRunner) run(ctx context.Context, action *model.Action, symbols model.SymbolTable) {
	if action == nil {
		r.mu.Lock()
		r.stateOverride = StateSuccess
		r.mu.Unlock()
		if r.callback != nil {
			r.callback(StateSuccess)
		}
		return
	}
	r.mu.Lock()
	r.action = action
	r.mu.Unlock()
	if !r.materializeFiles(ctx, embedded.ScopeEnv, r.script.EmbeddedFiles, symbols) {
		return
	}
	r.runAction(ctx, action, symbols)
}

// Cancel stops the running action using the method its definition declares,
// defaulting to notify-then-terminate with a 30 second notify period.
// timeLimit caps the notify period when positive.
func (r *EnvironmentRunner) Cancel(ctx context.Context, timeLimit time.Duration) {
	r.mu.Lock()
	action := r.action
	r.mu.Unlock()
	r.cancel(ctx, cancelMethodFor(action, r.graceOr(DefaultEnvironmentGrace)), timeLimit)
}
