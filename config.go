package sessions

import "fmt"

// Config is a serialisable representation of the session runtime settings. It
// can be populated from JSON, YAML, environment variables, etc. The zero-value
// is not usable directly; start from DefaultConfig.
type Config struct {
	// CallbackBuffer is the capacity of the queue feeding the callback
	// dispatcher goroutine.
	CallbackBuffer int `json:"callbackBuffer" yaml:"callbackBuffer"`
	// EnvironmentGraceSeconds is the default notify period for canceling an
	// environment enter/exit action.
	EnvironmentGraceSeconds int `json:"environmentGraceSeconds" yaml:"environmentGraceSeconds"`
	// TaskGraceSeconds is the default notify period for canceling a task.
	TaskGraceSeconds int `json:"taskGraceSeconds" yaml:"taskGraceSeconds"`
	// RetainWorkingDir keeps the session working directory on Cleanup, for
	// debugging.
	RetainWorkingDir bool `json:"retainWorkingDir,omitempty" yaml:"retainWorkingDir,omitempty"`
}

// DefaultConfig returns a Config populated with the runtime's standard
// defaults. Callers may modify the returned struct before passing it to New.
func DefaultConfig() *Config {
	return &Config{
		CallbackBuffer:          64,
		EnvironmentGraceSeconds: 30,
		TaskGraceSeconds:        120,
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.CallbackBuffer <= 0 {
		return fmt.Errorf("callbackBuffer must be > 0")
	}
	if c.EnvironmentGraceSeconds < 0 {
		return fmt.Errorf("environmentGraceSeconds must be >= 0")
	}
	if c.TaskGraceSeconds < 0 {
		return fmt.Errorf("taskGraceSeconds must be >= 0")
	}
	return nil
}
