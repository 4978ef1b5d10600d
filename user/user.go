// Package user models the OS identity that a session's subprocesses run as,
// when it differs from the session's own process identity.
package user

import (
	"fmt"
	"os"
	osuser "os/user"
)

// SessionUser is an opaque run-as identity handed to the process launcher and
// the signaler. Implementations are PosixUser and WindowsUser.
type SessionUser interface {
	// Username is the OS account name to run as.
	Username() string
	// IsProcessUser reports whether the identity is the same account this
	// process is already running as. When true, no impersonation indirection
	// is needed.
	IsProcessUser() bool
}

// PosixUser identifies a POSIX account. Group, when set, is the shared group
// through which the session's working files are made accessible to both the
// session process and the run-as account.
type PosixUser struct {
	User  string
	Group string
}

func (u *PosixUser) Username() string { return u.User }

func (u *PosixUser) IsProcessUser() bool {
	current, err := osuser.Current()
	if err != nil {
		return false
	}
	return current.Username == u.User
}

// Validate checks that the account exists on this host.
func (u *PosixUser) Validate() error {
	if u.User == "" {
		return fmt.Errorf("posix user name must not be empty")
	}
	if _, err := osuser.Lookup(u.User); err != nil {
		return fmt.Errorf("unknown user %q: %w", u.User, err)
	}
	return nil
}

// WindowsUser identifies a Windows account together with the credentials the
// launcher needs to create a process as it.
type WindowsUser struct {
	User     string
	Password string
	Group    string
	// CanAttachConsole marks whether the account's processes run in an
	// interactive console session that a signaling helper can attach to.
	// Service (session-0) contexts cannot, and graceful cancellation then
	// degrades to termination.
	CanAttachConsole bool
}

func (u *WindowsUser) Username() string { return u.User }

func (u *WindowsUser) IsProcessUser() bool {
	return os.Getenv("USERNAME") == u.User
}
