package runner

import (
	"fmt"
	"os"
	"strings"
)

// launchPlan is the concrete argv and environment handed to the subprocess.
type launchPlan struct {
	args []string
	// env is the full subprocess environment; nil inherits this process'.
	env []string
}

// mergeEnviron applies the session's variable overrides on top of this
// process' environment. A nil override value removes the variable.
func mergeEnviron(overrides map[string]*string) []string {
	if len(overrides) == 0 {
		return nil
	}
	merged := make([]string, 0, len(os.Environ())+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, entry := range os.Environ() {
		name := entry
		if i := strings.IndexByte(entry, '='); i >= 0 {
			name = entry[:i]
		}
		if value, ok := overrides[name]; ok {
			seen[name] = true
			if value == nil {
				continue
			}
			merged = append(merged, name+"="+*value)
			continue
		}
		merged = append(merged, entry)
	}
	for name, value := range overrides {
		if seen[name] || value == nil {
			continue
		}
		merged = append(merged, name+"="+*value)
	}
	return merged
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envName returns the variable name portion of an override key, validating it
// is usable in a generated script.
func envName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "='\n") {
		return "", fmt.Errorf("invalid environment variable name %q", name)
	}
	return name, nil
}
