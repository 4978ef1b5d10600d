//go:build !windows

package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobdescription/sessions/model"
	"github.com/openjobdescription/sessions/sink"
)

type runnerHarness struct {
	memory *sink.MemorySink
	states chan State
	opts   Options
	dir    string
}

func newHarness(t *testing.T) *runnerHarness {
	t.Helper()
	dir := t.TempDir()
	filesDir := filepath.Join(dir, "embedded_files")
	require.NoError(t, os.Mkdir(filesDir, 0o700))
	h := &runnerHarness{
		memory: sink.NewMemorySink(),
		states: make(chan State, 16),
		dir:    dir,
	}
	h.opts = Options{
		Logger:     sink.NewLogger("s1", h.memory),
		WorkingDir: dir,
		FilesDir:   filesDir,
		Callback:   func(st State) { h.states <- st },
	}
	return h
}

func (h *runnerHarness) waitTerminal(t *testing.T) State {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case st := <-h.states:
			if st.Terminal() {
				return st
			}
		case <-deadline:
			t.Fatal("runner did not reach a terminal state")
		}
	}
}

func TestStepRunner_Success(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{Command: "/bin/sh", Args: []string{"-c", "echo done"}},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})

	assert.Equal(t, StateRunning, <-h.states)
	assert.Equal(t, StateSuccess, h.waitTerminal(t))
	code, ok := r.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 0, code)
	assert.Contains(t, h.memory.Messages(), "done")
}

func TestStepRunner_NonZeroExit(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{Command: "/bin/sh", Args: []string{"-c", "exit 3"}},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})

	assert.Equal(t, StateFailed, h.waitTerminal(t))
	code, _ := r.ExitCode()
	assert.Equal(t, 3, code)
}

func TestStepRunner_ResolvesSymbols(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{Command: "/bin/sh", Args: []string{"-c", "echo frame {{ Task.Param.Frame }}"}},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{"Task.Param.Frame": "7"})

	assert.Equal(t, StateSuccess, h.waitTerminal(t))
	assert.Contains(t, h.memory.Messages(), "frame 7")
}

func TestStepRunner_UnresolvableCommandFails(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{Command: "{{ No.Such.Symbol }}"},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})

	assert.Equal(t, StateFailed, h.waitTerminal(t))
	_, ok := r.ExitCode()
	assert.False(t, ok)

	found := false
	for _, message := range h.memory.Messages() {
		if strings.HasPrefix(message, "openjd_fail:") {
			found = true
		}
	}
	assert.True(t, found, "failure reason should surface as an openjd_fail line")
}

func TestStepRunner_EmbeddedFiles(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{
		Actions: model.StepActions{
			OnRun: model.Action{Command: "/bin/sh", Args: []string{"{{ Task.File.run }}"}},
		},
		EmbeddedFiles: []model.EmbeddedFile{
			{Name: "run", Data: "echo from-embedded\n"},
		},
	}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})

	assert.Equal(t, StateSuccess, h.waitTerminal(t))
	assert.Contains(t, h.memory.Messages(), "from-embedded")
}

func TestStepRunner_TerminateCancel(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{
			Command:     "/bin/sh",
			Args:        []string{"-c", "sleep 30"},
			Cancelation: &model.Cancelation{Mode: model.CancelationModeTerminate},
		},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})
	require.Equal(t, StateRunning, <-h.states)

	r.Cancel(context.Background(), 0)

	assert.Equal(t, StateCanceled, h.waitTerminal(t))
	assert.False(t, r.TimedOut())
}

func TestStepRunner_NotifyThenTerminateCancel(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{
			Command: "/bin/sh",
			Args:    []string{"-c", "trap 'kill $child; exit 0' TERM; sleep 30 & child=$!; wait $child"},
			Cancelation: &model.Cancelation{
				Mode:                  model.CancelationModeNotifyThenTerminate,
				NotifyPeriodInSeconds: 10,
			},
		},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})
	require.Equal(t, StateRunning, <-h.states)

	r.Cancel(context.Background(), 0)

	assert.Equal(t, StateCanceled, h.waitTerminal(t))

	// The notify period end is published for the subprocess.
	data, err := os.ReadFile(filepath.Join(h.dir, "cancel_info.json"))
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Contains(t, info, "NotifyEnd")
}

func TestStepRunner_Timeout(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{
			Command:     "/bin/sh",
			Args:        []string{"-c", "sleep 30"},
			Timeout:     1,
			Cancelation: &model.Cancelation{Mode: model.CancelationModeTerminate},
		},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})
	require.Equal(t, StateRunning, <-h.states)

	assert.Equal(t, StateTimeout, h.waitTerminal(t))
	assert.True(t, r.TimedOut())
}

func TestEnvironmentRunner_NoActionSucceedsImmediately(t *testing.T) {
	h := newHarness(t)

	r := NewEnvironmentRunner(h.opts, nil)
	r.Enter(context.Background(), model.SymbolTable{})

	assert.Equal(t, StateSuccess, h.waitTerminal(t))
	_, ok := r.ExitCode()
	assert.False(t, ok)
}

func TestEnvironmentRunner_EnterAndExit(t *testing.T) {
	script := &model.EnvironmentScript{Actions: model.EnvironmentActions{
		OnEnter: &model.Action{Command: "/bin/sh", Args: []string{"-c", "echo entering"}},
		OnExit:  &model.Action{Command: "/bin/sh", Args: []string{"-c", "echo exiting"}},
	}}

	enter := newHarness(t)
	r := NewEnvironmentRunner(enter.opts, script)
	r.Enter(context.Background(), model.SymbolTable{})
	assert.Equal(t, StateRunning, <-enter.states)
	assert.Equal(t, StateSuccess, enter.waitTerminal(t))
	assert.Contains(t, enter.memory.Messages(), "entering")

	exit := newHarness(t)
	r = NewEnvironmentRunner(exit.opts, script)
	r.Exit(context.Background(), model.SymbolTable{})
	assert.Equal(t, StateSuccess, exit.waitTerminal(t))
	assert.Contains(t, exit.memory.Messages(), "exiting")
}

func TestEnvironmentRunner_ExitWithoutActionSucceeds(t *testing.T) {
	h := newHarness(t)
	script := &model.EnvironmentScript{Actions: model.EnvironmentActions{
		OnEnter: &model.Action{Command: "/bin/sh", Args: []string{"-c", "true"}},
	}}

	r := NewEnvironmentRunner(h.opts, script)
	r.Exit(context.Background(), model.SymbolTable{})

	assert.Equal(t, StateSuccess, h.waitTerminal(t))
}

func TestRunnerRejectsSecondUse(t *testing.T) {
	h := newHarness(t)
	script := &model.StepScript{Actions: model.StepActions{
		OnRun: model.Action{Command: "/bin/sh", Args: []string{"-c", "true"}},
	}}

	r := NewStepRunner(h.opts, script)
	r.Run(context.Background(), model.SymbolTable{})
	require.Equal(t, StateRunning, <-h.states)
	require.Equal(t, StateSuccess, h.waitTerminal(t))
	require.NoError(t, r.Shutdown(context.Background()))

	r.Run(context.Background(), model.SymbolTable{})
	assert.Equal(t, StateFailed, h.waitTerminal(t))
}

func TestMergeEnviron(t *testing.T) {
	t.Setenv("RUNNER_TEST_KEEP", "keep")
	t.Setenv("RUNNER_TEST_DROP", "drop")

	replaced := "replaced"
	merged := mergeEnviron(map[string]*string{
		"RUNNER_TEST_KEEP":  &replaced,
		"RUNNER_TEST_DROP":  nil,
		"RUNNER_TEST_ADDED": &replaced,
	})

	assert.Contains(t, merged, "RUNNER_TEST_KEEP=replaced")
	assert.Contains(t, merged, "RUNNER_TEST_ADDED=replaced")
	assert.NotContains(t, merged, "RUNNER_TEST_DROP=drop")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
