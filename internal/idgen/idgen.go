package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// NewFunc returns a new globally unique identifier as string. It is a
// package variable so tests can stub it for determinism.
var NewFunc = func() string { return uuid.New().String() }

func New() string { return NewFunc() }

// NewEnvironmentID derives an environment-frame identifier scoped to a session.
func NewEnvironmentID(sessionID string) string {
	return fmt.Sprintf("%s:%s", sessionID, New())
}
