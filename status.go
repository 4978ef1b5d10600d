package sessions

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	// StateReady accepts new actions.
	StateReady SessionState = "READY"
	// StateRunning has one action in flight.
	StateRunning SessionState = "RUNNING"
	// StateCanceling is winding down the in-flight action.
	StateCanceling SessionState = "CANCELING"
	// StateEnded is terminal; the session's resources are released.
	StateEnded SessionState = "ENDED"
)

// ActionState is the status of one action's execution.
type ActionState string

const (
	ActionPending   ActionState = "PENDING"
	ActionRunning   ActionState = "RUNNING"
	ActionSucceeded ActionState = "SUCCEEDED"
	ActionFailed    ActionState = "FAILED"
	ActionCanceled  ActionState = "CANCELED"
	ActionTimeout   ActionState = "TIMEOUT"
)

// Terminal reports whether s is an end state.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionCanceled, ActionTimeout:
		return true
	}
	return false
}

// ActionStatus is a snapshot of the in-flight or just-finished action,
// delivered through the session callback.
type ActionStatus struct {
	State ActionState `json:"state"`
	// Progress, when set, is a percentage between 0 and 100 reported by the
	// subprocess through the openjd_progress directive.
	Progress *float64 `json:"progress,omitempty"`
	// StatusMessage is the most recent openjd_status text.
	StatusMessage string `json:"statusMessage,omitempty"`
	// FailMessage carries the openjd_fail text or an internal diagnostic when
	// State is FAILED.
	FailMessage string `json:"failMessage,omitempty"`
	// ExitCode is the subprocess exit code, when the action ran one to exit.
	ExitCode *int `json:"exitCode,omitempty"`
}

// Callback receives status updates for a session's actions. It is always
// invoked from the session's dispatcher goroutine, never from the caller's
// goroutine: any number of non-terminal updates per action, then exactly one
// terminal update.
type Callback func(sessionID string, status ActionStatus)
