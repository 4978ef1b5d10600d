//go:build !windows

package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/viant/gosh"
	goshrunner "github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"

	"github.com/openjobdescription/sessions/user"
)

const cleanupTimeout = 60 * time.Second

// removeWorkingDir deletes the session's working directory tree. When the
// session impersonated another account, files created by that account may not
// be writable by this process, so the tree is first cleared as the run-as
// user and then removed as ourselves.
func (s *Session) removeWorkingDir(ctx context.Context) {
	if posix, ok := s.runAs.(*user.PosixUser); ok && !posix.IsProcessUser() {
		s.removeAsUser(ctx, posix)
	}
	if err := s.workDir.Cleanup(); err != nil {
		s.logger.Warnf("could not remove working directory: %v", err)
	}
}

func (s *Session) removeAsUser(ctx context.Context, posix *user.PosixUser) {
	shell, err := gosh.New(ctx, local.New())
	if err != nil {
		s.logger.Warnf("could not create cleanup shell: %v", err)
		return
	}
	command := fmt.Sprintf("sudo -u %s -i rm -rf %s", posix.User, s.workDir.Path)
	output, status, err := shell.Run(ctx, command, goshrunner.WithTimeout(int(cleanupTimeout.Milliseconds())))
	if err != nil {
		s.logger.Warnf("cleanup as user %s failed: %v", posix.User, err)
		return
	}
	if status != 0 {
		s.logger.Warnf("cleanup as user %s exited %d: %s", posix.User, status, output)
	}
}
