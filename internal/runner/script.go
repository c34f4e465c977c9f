package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"
)

// DefaultScriptTimeout bounds pre/post script execution. Generous for
// typical dump scripts while preventing a stalled script from blocking the
// runner forever.
const DefaultScriptTimeout = 5 * time.Minute

// ErrScriptFailed is returned when the script exits with a non-zero code.
var ErrScriptFailed = errors.New("runner: script failed")

// ScriptResult holds the outcome of one script execution.
type ScriptResult struct {
	// Output is the combined stdout+stderr, trimmed.
	Output   string
	ExitCode int
	Duration time.Duration
}

// ScriptRunner executes pre/post job scripts inside a shell, with
// %macro% substitution applied to the command line first.
type ScriptRunner struct {
	// Timeout overrides DefaultScriptTimeout when non-zero.
	Timeout time.Duration
}

// Run substitutes macros into the command and executes it. An empty
// command is a no-op success. A non-zero exit code returns ErrScriptFailed
// wrapping the exec error; the result still carries the captured output.
func (r *ScriptRunner) Run(ctx context.Context, command string, macros map[string]string) (*ScriptResult, error) {
	if command == "" {
		return &ScriptResult{}, nil
	}
	command = SubstituteMacros(command, macros)

	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	res := &ScriptResult{
		Output:   strings.TrimSpace(buf.String()),
		Duration: time.Since(start),
	}
	if err != nil {
		res.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %w", ErrScriptFailed, ctx.Err())
		}
		return res, fmt.Errorf("%w: exit code %d", ErrScriptFailed, res.ExitCode)
	}
	return res, nil
}

// SubstituteMacros replaces %key% occurrences in s with the mapped values.
// Longer keys are substituted first so %nextJobName% is never clipped by a
// shorter prefix key. %% yields a literal percent sign.
func SubstituteMacros(s string, macros map[string]string) string {
	keys := make([]string, 0, len(macros))
	for k := range macros {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	pairs := make([]string, 0, 2*len(keys)+2)
	for _, k := range keys {
		pairs = append(pairs, "%"+k+"%", macros[k])
	}
	pairs = append(pairs, "%%", "%")
	return strings.NewReplacer(pairs...).Replace(s)
}
