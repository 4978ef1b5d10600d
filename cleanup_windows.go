//go:build windows

package sessions

import "context"

// removeWorkingDir deletes the session's working directory tree.
func (s *Session) removeWorkingDir(_ context.Context) {
	if err := s.workDir.Cleanup(); err != nil {
		s.logger.Warnf("could not remove working directory: %v", err)
	}
}
