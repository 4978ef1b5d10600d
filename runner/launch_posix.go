//go:build !windows

package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/viant/afs"

	"github.com/openjobdescription/sessions/embedded"
	"github.com/openjobdescription/sessions/internal/idgen"
)

// buildLaunch decides how the command line and environment reach the
// subprocess. A same-user launch passes both directly. An impersonated launch
// goes through sudo, which resets the environment, so the variables and the
// working directory change are baked into a generated launcher script that
// exec's the command. Must be called with r.mu held.
func (r *base) buildLaunch(ctx context.Context, args []string) (launchPlan, error) {
	if !r.impersonated() {
		return launchPlan{args: args, env: mergeEnviron(r.env)}, nil
	}

	script, err := r.writeLauncherScript(ctx, args)
	if err != nil {
		return launchPlan{}, fmt.Errorf("could not write launcher script: %w", err)
	}
	return launchPlan{args: []string{"/bin/sh", script}}, nil
}

// writeLauncherScript generates the script that applies the session's
// environment and exec's the command, readable and runnable by the session
// user.
func (r *base) writeLauncherScript(ctx context.Context, args []string) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")

	names := make([]string, 0, len(r.env))
	for name := range r.env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		valid, err := envName(name)
		if err != nil {
			return "", err
		}
		if value := r.env[name]; value == nil {
			fmt.Fprintf(&b, "unset %s\n", valid)
		} else {
			fmt.Fprintf(&b, "export %s=%s\n", valid, shellQuote(*value))
		}
	}

	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(r.startupDir))
	b.WriteString("exec")
	for _, arg := range args {
		b.WriteString(" ")
		b.WriteString(shellQuote(arg))
	}
	b.WriteString("\n")

	path := filepath.Join(r.filesDir, "run-"+idgen.New()+".sh")
	if err := embedded.WriteFileForUser(ctx, afs.New(), path, b.String(), r.runAs, 0o110); err != nil {
		return "", err
	}
	return path, nil
}
