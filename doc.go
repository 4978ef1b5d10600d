// Package sessions runs the subprocesses that make up a render-job session.
//
// A Session is a small state machine (READY, RUNNING, CANCELING, ENDED) that
// executes one action at a time: entering an environment, exiting an
// environment, or running a task. Each action is a monitored child process
// whose stdout/stderr is forwarded line-by-line to the session's log sink,
// with openjd_* directive lines decoded into progress, status, failure, and
// environment-variable events. Environments form a LIFO stack of variable
// changes applied to every later subprocess.
//
// Cancellation escalates: a notify-then-terminate cancel first delivers a
// graceful stop signal (and writes cancel_info.json into the working
// directory), then kills the process tree once the notify period has passed.
// A per-action runtime limit drives the same path, ending in TIMEOUT.
//
// Subprocesses can run as a different OS user. On POSIX this launches through
// sudo with a generated environment script, and signaling goes through a
// privileged helper. All status reaches the caller through the registered
// callback, always off the caller's goroutine: any number of non-terminal
// updates per action and exactly one terminal update.
package sessions
