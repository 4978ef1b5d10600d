package user

import (
	"context"
	"fmt"
	"runtime"

	"github.com/viant/scy/cred/secret"
)

// FromSecret resolves a run-as identity from a scy secret resource, e.g.
// "file:///etc/credentials/jobuser.json" or a short name registered with the
// secret service. The secret must carry basic credentials (username, and a
// password on Windows).
func FromSecret(ctx context.Context, resource string) (SessionUser, error) {
	secrets := secret.New()
	generic, err := secrets.GetCredentials(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run-as credentials %v: %w", resource, err)
	}
	if generic.Username == "" {
		return nil, fmt.Errorf("run-as credentials %v carry no username", resource)
	}
	if runtime.GOOS == "windows" {
		return &WindowsUser{
			User:             generic.Username,
			Password:         generic.Password,
			CanAttachConsole: true,
		}, nil
	}
	return &PosixUser{User: generic.Username}, nil
}
