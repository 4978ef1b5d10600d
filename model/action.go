// Package model holds the data types describing what a session runs:
// environments, step scripts, their actions, and embedded files. Command and
// argument fields are format strings; resolving them against parameter values
// is delegated to a Resolver so that the runtime performs no template logic
// of its own.
package model

// CancelationMode selects how a running action is canceled.
type CancelationMode string

const (
	// CancelationModeTerminate kills the subprocess immediately.
	CancelationModeTerminate CancelationMode = "terminate"
	// CancelationModeNotifyThenTerminate first delivers a graceful stop
	// signal, then kills after the notify period elapses.
	CancelationModeNotifyThenTerminate CancelationMode = "notifyThenTerminate"
)

// Cancelation describes an action's cancellation method.
type Cancelation struct {
	Mode                  CancelationMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	NotifyPeriodInSeconds int             `json:"notifyPeriodInSeconds,omitempty" yaml:"notifyPeriodInSeconds,omitempty"`
}

// Action is a single command to run as a subprocess. Command and Args are
// format strings resolved against the action's symbol scope before launch.
type Action struct {
	Command     string       `json:"command" yaml:"command"`
	Args        []string     `json:"args,omitempty" yaml:"args,omitempty"`
	Timeout     int          `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds; 0 = unlimited
	Cancelation *Cancelation `json:"cancelation,omitempty" yaml:"cancelation,omitempty"`
}

// EmbeddedFile is a file attachment declared by a script and materialized to
// disk for the lifetime of the action that uses it.
type EmbeddedFile struct {
	// Name is the logical name the file is referenced by in format strings
	// (Task.File.<Name> or Env.File.<Name>).
	Name string `json:"name" yaml:"name"`
	// Filename, when set, fixes the on-disk file name; otherwise a unique
	// name is generated.
	Filename string `json:"filename,omitempty" yaml:"filename,omitempty"`
	// Runnable marks the file to be given execute permissions.
	Runnable bool `json:"runnable,omitempty" yaml:"runnable,omitempty"`
	// Data is the file content, itself a format string.
	Data string `json:"data" yaml:"data"`
}

// StepActions holds the single action of a step script.
type StepActions struct {
	OnRun Action `json:"onRun" yaml:"onRun"`
}

// StepScript is the parameterized unit of work executed for one task.
type StepScript struct {
	Actions       StepActions    `json:"actions" yaml:"actions"`
	EmbeddedFiles []EmbeddedFile `json:"embeddedFiles,omitempty" yaml:"embeddedFiles,omitempty"`
}

// EnvironmentActions holds the optional enter/exit actions of an environment.
type EnvironmentActions struct {
	OnEnter *Action `json:"onEnter,omitempty" yaml:"onEnter,omitempty"`
	OnExit  *Action `json:"onExit,omitempty" yaml:"onExit,omitempty"`
}

// EnvironmentScript is the script portion of an environment.
type EnvironmentScript struct {
	Actions       EnvironmentActions `json:"actions" yaml:"actions"`
	EmbeddedFiles []EmbeddedFile     `json:"embeddedFiles,omitempty" yaml:"embeddedFiles,omitempty"`
}

// Environment is a named scope contributing environment variables for the
// duration it is entered. Both its declared Variables and any openjd_env /
// openjd_unset_env directives emitted by its enter action contribute to the
// environment frame the session keeps for it.
type Environment struct {
	Name      string             `json:"name" yaml:"name"`
	Variables map[string]string  `json:"variables,omitempty" yaml:"variables,omitempty"`
	Script    *EnvironmentScript `json:"script,omitempty" yaml:"script,omitempty"`
}
