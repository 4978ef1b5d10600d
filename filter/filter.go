// Package filter recognizes the line-oriented directive protocol that
// subprocesses use to report status back to the session:
//
//	openjd_progress: <number between 0 and 100>
//	openjd_status: <free text>
//	openjd_fail: <failure message>
//	openjd_env: <NAME>=<VALUE>
//	openjd_unset_env: <NAME>
//	openjd_session_runtime_loglevel: [ERROR | WARNING | INFO | DEBUG]
//
// The ActionMonitor sits in front of a session's sink; directive lines are
// turned into Messages for the session, all other lines pass through
// untouched.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/openjobdescription/sessions/sink"
)

// MessageKind discriminates the directives recognized in subprocess output.
type MessageKind string

const (
	KindProgress MessageKind = "progress"
	KindStatus   MessageKind = "status"
	KindFail     MessageKind = "fail"
	KindEnv      MessageKind = "env"
	KindUnsetEnv MessageKind = "unset_env"
	KindLogLevel MessageKind = "session_runtime_loglevel"

	// KindMalformed is reported when an openjd_env/openjd_unset_env payload
	// cannot be parsed. The action's terminal status becomes FAILED and no
	// staged mutation from the line is applied.
	KindMalformed MessageKind = "malformed"
)

// Message is one decoded directive.
type Message struct {
	Kind     MessageKind
	Progress float64    // KindProgress
	Text     string     // KindStatus, KindFail, KindMalformed diagnostic
	Name     string     // KindEnv, KindUnsetEnv
	Value    string     // KindEnv
	Level    sink.Level // KindLogLevel
}

// Callback receives each decoded directive, in stream order.
type Callback func(Message)

const (
	minProgress = 0.0
	maxProgress = 100.0

	// continuationMarker at the end of an openjd_env value continues the
	// value onto the next line of the same stream.
	continuationMarker = `\`
)

var (
	directiveMatcher = regexp.MustCompile(
		`^openjd_(progress|status|fail|env|unset_env|session_runtime_loglevel): (.+)$`)
	envSetMatcher   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=.*$`)
	envUnsetMatcher = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// envContinuation accumulates a multi-line openjd_env value on one stream.
type envContinuation struct {
	name  string
	value []string
}

// ActionMonitor is a sink interceptor bound to one session. It stays attached
// for the session's whole life and is detached during cleanup.
type ActionMonitor struct {
	sessionID string
	next      sink.Sink
	callback  Callback
	suppress  bool

	mu      sync.Mutex
	pending map[sink.Stream]*envContinuation
}

// Option configures an ActionMonitor.
type Option func(m *ActionMonitor)

// WithSuppressFiltered removes recognized directive lines from the forwarded
// log instead of passing them through.
func WithSuppressFiltered() Option {
	return func(m *ActionMonitor) { m.suppress = true }
}

// NewActionMonitor wraps next, decoding directives on lines whose session id
// matches sessionID.
func NewActionMonitor(sessionID string, next sink.Sink, callback Callback, options ...Option) *ActionMonitor {
	m := &ActionMonitor{
		sessionID: sessionID,
		next:      next,
		callback:  callback,
		pending:   map[sink.Stream]*envContinuation{},
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Write implements sink.Sink. The stdout and stderr pumps call it
// concurrently; the continuation state is guarded by m.mu. Decoded directives
// and the forwarded line are delivered after the lock is released so that a
// callback emitting its own log lines re-enters safely.
func (m *ActionMonitor) Write(line sink.Line) {
	if line.SessionID != m.sessionID {
		m.next.Write(line)
		return
	}

	m.mu.Lock()
	forward, messages := m.consume(&line)
	m.mu.Unlock()

	if forward {
		m.next.Write(line)
	}
	for _, message := range messages {
		m.callback(message)
	}
}

// EndOfStream reports that no further lines will arrive on stream. A value
// continuation still pending there is malformed: the subprocess ended before
// finishing the assignment.
func (m *ActionMonitor) EndOfStream(stream sink.Stream) {
	m.mu.Lock()
	pending := m.pending[stream]
	delete(m.pending, stream)
	m.mu.Unlock()
	if pending == nil {
		return
	}
	m.callback(Message{Kind: KindMalformed,
		Text: fmt.Sprintf("%s ended mid-assignment of environment variable %q", stream, pending.name)})
}

// consume decodes one line, updating the continuation state, and reports
// whether the line should reach the next sink together with the directives it
// yielded. Called with m.mu held. An annotated diagnostic line is always
// forwarded.
func (m *ActionMonitor) consume(line *sink.Line) (bool, []Message) {
	if pending := m.pending[line.Stream]; pending != nil {
		return !m.suppress, m.continueEnv(line.Stream, pending, line.Message)
	}

	match := directiveMatcher.FindStringSubmatch(line.Message)
	if match == nil {
		return true, nil
	}

	kind, payload := MessageKind(match[1]), match[2]
	messages, err := m.handle(line.Stream, kind, payload)
	if err != nil {
		// Keep the offending line in the log with a diagnostic suffix.
		line.Message = line.Message + " -- ERROR: " + err.Error()
		return true, messages
	}
	return !m.suppress, messages
}

func (m *ActionMonitor) handle(stream sink.Stream, kind MessageKind, payload string) ([]Message, error) {
	switch kind {
	case KindProgress:
		progress, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil || progress < minProgress || progress > maxProgress {
			return nil, fmt.Errorf("progress must be a value between %v and %v, inclusive", minProgress, maxProgress)
		}
		return []Message{{Kind: KindProgress, Progress: progress}}, nil
	case KindStatus:
		return []Message{{Kind: KindStatus, Text: payload}}, nil
	case KindFail:
		return []Message{{Kind: KindFail, Text: payload}}, nil
	case KindEnv:
		return m.handleEnv(stream, payload)
	case KindUnsetEnv:
		name := strings.TrimLeft(payload, " \t")
		if !envUnsetMatcher.MatchString(name) {
			return []Message{{Kind: KindMalformed,
					Text: fmt.Sprintf("failed to parse environment variable name: %q", payload)}},
				fmt.Errorf("failed to parse environment variable name")
		}
		return []Message{{Kind: KindUnsetEnv, Name: name}}, nil
	case KindLogLevel:
		level, err := sink.ParseLevel(payload)
		if err != nil {
			return nil, err
		}
		return []Message{{Kind: KindLogLevel, Level: level}}, nil
	}
	return nil, nil
}

func (m *ActionMonitor) handleEnv(stream sink.Stream, payload string) ([]Message, error) {
	payload = strings.TrimLeft(payload, " \t")
	value, continued := strings.CutSuffix(payload, continuationMarker)
	if !envSetMatcher.MatchString(value) {
		return []Message{{Kind: KindMalformed,
				Text: fmt.Sprintf("failed to parse environment variable assignment: %q", payload)}},
			fmt.Errorf("failed to parse environment variable assignment")
	}
	name, rest, _ := strings.Cut(value, "=")
	if continued {
		m.pending[stream] = &envContinuation{name: name, value: []string{rest}}
		return nil, nil
	}
	return []Message{{Kind: KindEnv, Name: name, Value: rest}}, nil
}

// continueEnv consumes one continuation line of the stream's pending
// openjd_env value.
func (m *ActionMonitor) continueEnv(stream sink.Stream, pending *envContinuation, message string) []Message {
	value, continued := strings.CutSuffix(message, continuationMarker)
	pending.value = append(pending.value, value)
	if continued {
		return nil
	}
	delete(m.pending, stream)
	return []Message{{
		Kind:  KindEnv,
		Name:  pending.name,
		Value: strings.Join(pending.value, "\n"),
	}}
}
