package filter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobdescription/sessions/sink"
)

func write(m *ActionMonitor, stream sink.Stream, messages ...string) {
	for _, message := range messages {
		m.Write(sink.Line{SessionID: "s1", Stream: stream, Level: sink.LevelInfo, Message: message})
	}
}

func collect() (*[]Message, Callback) {
	var messages []Message
	return &messages, func(m Message) { messages = append(messages, m) }
}

func TestActionMonitor_Progress(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout, "openjd_progress: 50", "openjd_progress: 12.5")

	require.Len(t, *got, 2)
	assert.Equal(t, KindProgress, (*got)[0].Kind)
	assert.Equal(t, 50.0, (*got)[0].Progress)
	assert.Equal(t, 12.5, (*got)[1].Progress)
	assert.Len(t, next.Lines(), 2)
}

func TestActionMonitor_ProgressOutOfRange(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout, "openjd_progress: 101", "openjd_progress: -1", "openjd_progress: nope")

	assert.Empty(t, *got)
	lines := next.Messages()
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Contains(t, line, "-- ERROR:")
	}
}

func TestActionMonitor_StatusAndFail(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStderr, "openjd_status: rendering frame 10", "openjd_fail: out of licenses")

	require.Len(t, *got, 2)
	assert.Equal(t, Message{Kind: KindStatus, Text: "rendering frame 10"}, (*got)[0])
	assert.Equal(t, Message{Kind: KindFail, Text: "out of licenses"}, (*got)[1])
}

func TestActionMonitor_Env(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout,
		"openjd_env: FOO=bar",
		"openjd_env: EMPTY=",
		"openjd_unset_env: FOO",
	)

	require.Len(t, *got, 3)
	assert.Equal(t, Message{Kind: KindEnv, Name: "FOO", Value: "bar"}, (*got)[0])
	assert.Equal(t, Message{Kind: KindEnv, Name: "EMPTY", Value: ""}, (*got)[1])
	assert.Equal(t, Message{Kind: KindUnsetEnv, Name: "FOO"}, (*got)[2])
}

func TestActionMonitor_EnvContinuation(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout,
		`openjd_env: SCRIPT=line one\`,
		`line two\`,
		"line three",
	)

	require.Len(t, *got, 1)
	assert.Equal(t, Message{Kind: KindEnv, Name: "SCRIPT", Value: "line one\nline two\nline three"}, (*got)[0])
}

func TestActionMonitor_EnvContinuationOtherStreamPassesThrough(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout, `openjd_env: SCRIPT=part\`)
	// A stderr line while stdout has a pending value is ordinary output.
	write(m, sink.StreamStderr, "unrelated stderr")
	write(m, sink.StreamStdout, "done")

	require.Len(t, *got, 1)
	assert.Equal(t, "part\ndone", (*got)[0].Value)
	assert.Contains(t, next.Messages(), "unrelated stderr")
}

func TestActionMonitor_PerStreamContinuation(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	// Continuations on the two streams are independent assignments.
	write(m, sink.StreamStdout, `openjd_env: OUT=o1\`)
	write(m, sink.StreamStderr, `openjd_env: ERR=e1\`)
	write(m, sink.StreamStdout, "o2")
	write(m, sink.StreamStderr, "e2")

	require.Len(t, *got, 2)
	assert.Equal(t, Message{Kind: KindEnv, Name: "OUT", Value: "o1\no2"}, (*got)[0])
	assert.Equal(t, Message{Kind: KindEnv, Name: "ERR", Value: "e1\ne2"}, (*got)[1])
}

func TestActionMonitor_ConcurrentStreamWrites(t *testing.T) {
	next := sink.NewMemorySink()
	var mu sync.Mutex
	var got []Message
	m := NewActionMonitor("s1", next, func(message Message) {
		mu.Lock()
		got = append(got, message)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		write(m, sink.StreamStdout, `openjd_env: OUT=a\`, `b\`, "c")
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			write(m, sink.StreamStderr, "openjd_status: rendering", "plain output")
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	var envs []Message
	for _, message := range got {
		if message.Kind == KindEnv {
			envs = append(envs, message)
		}
	}
	require.Len(t, envs, 1)
	assert.Equal(t, "OUT", envs[0].Name)
	assert.Equal(t, "a\nb\nc", envs[0].Value)
}

func TestActionMonitor_EndOfStreamMidContinuation(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout, `openjd_env: PART=one\`)
	m.EndOfStream(sink.StreamStderr) // nothing pending there
	m.EndOfStream(sink.StreamStdout)

	require.Len(t, *got, 1)
	assert.Equal(t, KindMalformed, (*got)[0].Kind)
	assert.Contains(t, (*got)[0].Text, "PART")
}

func TestActionMonitor_MalformedEnv(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout,
		"openjd_env: NO_EQUALS_SIGN",
		"openjd_env: 9BAD=value",
		"openjd_unset_env: not a name",
	)

	require.Len(t, *got, 3)
	for _, msg := range *got {
		assert.Equal(t, KindMalformed, msg.Kind)
		assert.NotEmpty(t, msg.Text)
	}
	for _, line := range next.Messages() {
		assert.Contains(t, line, "-- ERROR:")
	}
}

func TestActionMonitor_LogLevel(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout,
		"openjd_session_runtime_loglevel: DEBUG",
		"openjd_session_runtime_loglevel: WARNING",
	)

	require.Len(t, *got, 2)
	assert.Equal(t, sink.LevelDebug, (*got)[0].Level)
	assert.Equal(t, sink.LevelWarn, (*got)[1].Level)
}

func TestActionMonitor_UnrecognizedPassesThrough(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	write(m, sink.StreamStdout,
		"openjd_unknown: something",
		"plain output",
		"openjd_progress:missing space",
	)

	assert.Empty(t, *got)
	assert.Len(t, next.Lines(), 3)
}

func TestActionMonitor_OtherSessionPassesThrough(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback)

	m.Write(sink.Line{SessionID: "other", Stream: sink.StreamStdout, Message: "openjd_progress: 50"})

	assert.Empty(t, *got)
	assert.Len(t, next.Lines(), 1)
}

func TestActionMonitor_Suppress(t *testing.T) {
	next := sink.NewMemorySink()
	got, callback := collect()
	m := NewActionMonitor("s1", next, callback, WithSuppressFiltered())

	write(m, sink.StreamStdout, "openjd_progress: 10", "normal line")

	require.Len(t, *got, 1)
	require.Len(t, next.Lines(), 1)
	assert.Equal(t, "normal line", next.Messages()[0])
}
