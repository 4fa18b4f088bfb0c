package proc

import (
	"context"
	"os/exec"
	"strings"
)

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// Command builds an *exec.Cmd for a command line. A shell is only used when the
// line contains shell metacharacters or is itself an explicit "sh -c" call,
// in which case the script is passed through without a second shell layer.
func Command(line string) *exec.Cmd {
	return CommandContext(context.Background(), line)
}

// CommandContext is Command bound to ctx.
func CommandContext(ctx context.Context, line string) *exec.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if script, ok := explicitShell(line); ok {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
	if strings.ContainsAny(line, shellMeta) {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// Executable returns the first word of a command line, the program that runs.
func Executable(line string) string {
	line = strings.TrimSpace(line)
	if script, ok := explicitShell(line); ok {
		line = script
	}
	f := strings.Fields(line)
	if len(f) == 0 {
		return ""
	}
	return strings.Trim(f[0], `"'`)
}

// explicitShell matches "sh -c <script>" prefixes and returns the script with
// one pair of surrounding quotes removed.
func explicitShell(line string) (string, bool) {
	trim := strings.TrimLeft(line, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if after, ok := strings.CutPrefix(trim, p); ok {
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
