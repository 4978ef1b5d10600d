package sessions

import (
	"github.com/openjobdescription/sessions/model"
	"github.com/openjobdescription/sessions/sink"
	"github.com/openjobdescription/sessions/user"
)

// Option configures a Session at construction time.
type Option func(s *Session)

// WithCallback registers the function receiving action status updates.
func WithCallback(callback Callback) Option {
	return func(s *Session) { s.callback = callback }
}

// WithRunAs sets the OS identity that the session's subprocesses run as.
func WithRunAs(runAs user.SessionUser) Option {
	return func(s *Session) { s.runAs = runAs }
}

// WithSink sets the destination for the session's log lines.
func WithSink(destination sink.Sink) Option {
	return func(s *Session) { s.sink = destination }
}

// WithConfig overrides the default runtime settings.
func WithConfig(cfg *Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithSessionID fixes the session identifier instead of generating one.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithJobParameters supplies the job-level parameter values referenced by
// format strings as Param.<name> / RawParam.<name>.
func WithJobParameters(params model.ParameterSet) Option {
	return func(s *Session) { s.jobParams = params }
}

// WithPathMappingRules supplies the path mapping rules applied to PATH-typed
// parameter values and published to subprocesses as a rules file.
func WithPathMappingRules(rules []model.PathMappingRule) Option {
	return func(s *Session) { s.pathRules = rules }
}

// WithSessionRoot overrides the directory under which the session's working
// directory is created.
func WithSessionRoot(dir string) Option {
	return func(s *Session) { s.rootDir = dir }
}

// WithResolver overrides the format-string resolver.
func WithResolver(resolver model.Resolver) Option {
	return func(s *Session) { s.resolver = resolver }
}

// WithSuppressDirectives removes recognized openjd_* directive lines from the
// forwarded log instead of passing them through.
func WithSuppressDirectives() Option {
	return func(s *Session) { s.suppressDirectives = true }
}
