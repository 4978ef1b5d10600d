package subprocess

import (
	"context"

	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/user"
)

// Signal names the cancellation signals a session delivers. The names double
// as the wire values of the signaling helper contract.
type Signal string

const (
	// SignalTerm requests a graceful stop (SIGTERM / console break event).
	SignalTerm Signal = "term"
	// SignalKill is the forceful kill keyword (SIGKILL / terminate tree).
	SignalKill Signal = "kill"
)

// Request describes one signal delivery.
type Request struct {
	// PID is the root of the target process tree as launched.
	PID    int
	Signal Signal
	// SignalChild redirects the signal to the immediate child of PID. Used
	// when PID is a privilege-dropping wrapper inserted by impersonation.
	SignalChild bool
	// IncludeSubprocesses widens delivery to the whole process group/tree.
	IncludeSubprocesses bool
	// RunAs, when set, is the identity the target runs as; delivery is then
	// routed through the privileged helper path.
	RunAs user.SessionUser
}

// Signaler delivers cancellation signals. A nil returned error means the
// signal was delivered, not that the process is confirmed dead; the session
// always waits for the observed process exit to drive its state machine.
type Signaler interface {
	Signal(ctx context.Context, logger *sink.Logger, req Request) error
}

// NewSignaler returns the signaler for the current platform. workDir is a
// directory the signaler may materialize its helper into; it must outlive the
// processes being signaled.
func NewSignaler(workDir string) Signaler {
	return newPlatformSignaler(workDir)
}
