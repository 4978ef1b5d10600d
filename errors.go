package sessions

import "fmt"

// UsageError reports a call that is invalid in the session's current state:
// starting an action while one is in flight, exiting an environment that is
// not the top of the stack, or cleaning up a busy session. No process is
// started and no state is mutated.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}
