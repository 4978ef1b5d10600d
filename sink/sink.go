// Package sink carries the log lines produced by a session and its
// subprocesses. A Session owns exactly one Sink for its whole life; every
// line of subprocess output, tagged with its stream of origin, is forwarded
// to it in order.
package sink

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/openjobdescription/sessions/internal/clock"
)

// Stream identifies which output stream of a subprocess a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamRuntime tags lines emitted by the session runtime itself rather
	// than a subprocess.
	StreamRuntime Stream = "runtime"
)

// Level is the verbosity of a runtime line. Subprocess output is always
// forwarded at LevelInfo.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name to a Level. It accepts the names emitted by
// the openjd_session_runtime_loglevel directive.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s. Known values: DEBUG,INFO,WARNING,ERROR", name)
}

// Line is a single log line flowing through a session's sink.
type Line struct {
	SessionID string
	Stream    Stream
	Level     Level
	Message   string
	At        time.Time
}

// Sink receives session log lines. Implementations must tolerate concurrent
// writers; per-writer ordering is preserved by the callers.
type Sink interface {
	Write(line Line)
}

// StreamEnder is implemented by sinks that keep per-stream state and need to
// settle it when a subprocess output stream reaches end-of-stream.
type StreamEnder interface {
	EndOfStream(stream Stream)
}

// Logger is a minimal leveled logger bound to a Sink and a session id. It is
// what the runtime and the runners use to emit their own lines.
type Logger struct {
	sessionID string
	sink      Sink
	mu        sync.Mutex
	level     Level
}

// NewLogger returns a Logger that forwards to the given sink.
func NewLogger(sessionID string, s Sink) *Logger {
	return &Logger{sessionID: sessionID, sink: s, level: LevelInfo}
}

// SetLevel adjusts the minimum level of runtime lines that are forwarded.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

// EndOfStream notifies the sink that a subprocess output stream is fully
// drained. Sinks without per-stream state ignore it.
func (l *Logger) EndOfStream(stream Stream) {
	if ender, ok := l.sink.(StreamEnder); ok {
		ender.EndOfStream(stream)
	}
}

// Line forwards a subprocess output line verbatim.
func (l *Logger) Line(stream Stream, message string) {
	l.sink.Write(Line{
		SessionID: l.sessionID,
		Stream:    stream,
		Level:     LevelInfo,
		Message:   message,
		At:        clock.Now(),
	})
}

func (l *Logger) emit(level Level, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	l.sink.Write(Line{
		SessionID: l.sessionID,
		Stream:    StreamRuntime,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		At:        clock.Now(),
	})
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.emit(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.emit(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.emit(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.emit(LevelError, format, args...) }

// Banner writes a section banner the way the runtime delimits phases in its
// output.
func (l *Logger) Banner(title string) {
	l.Infof("==============================================")
	l.Infof("--------- %s", title)
	l.Infof("==============================================")
}

// StdSink adapts a stdlib *log.Logger into a Sink.
type StdSink struct {
	logger *log.Logger
}

// NewStdSink returns a Sink writing through the given stdlib logger; a nil
// logger uses the stdlib default.
func NewStdSink(logger *log.Logger) *StdSink {
	if logger == nil {
		logger = log.Default()
	}
	return &StdSink{logger: logger}
}

func (s *StdSink) Write(line Line) {
	s.logger.Printf("[%s] %s %s: %s", line.SessionID, line.Stream, line.Level, line.Message)
}

// MemorySink retains lines in memory. Used in tests and by callers that want
// to inspect a session's output programmatically.
type MemorySink struct {
	mu    sync.Mutex
	lines []Line
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(line Line) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

// Lines returns a copy of all lines written so far.
func (s *MemorySink) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Line(nil), s.lines...)
}

// Messages returns just the message text of every line written so far.
func (s *MemorySink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l.Message)
	}
	return out
}
