//go:build windows

package runner

import "context"

// buildLaunch passes the command line and merged environment directly; an
// impersonated launch is rejected later when the subprocess is built.
func (r *base) buildLaunch(_ context.Context, args []string) (launchPlan, error) {
	return launchPlan{args: args, env: mergeEnviron(r.env)}, nil
}
