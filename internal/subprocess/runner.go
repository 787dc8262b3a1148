// Package subprocess provides a uniform way to exec external CLIs and
// surface their stderr on failure, following the exec.Command +
// CombinedOutput/wrapped-error idiom used throughout this codebase's
// disk-management layer.
package subprocess

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// Runner execs commands and captures their output. The zero value is ready
// to use; it exists mainly so tests can substitute a fake.
type Runner struct {
	// Env, when non-nil, is appended to the spawned process's environment.
	Env []string
}

// Run executes name with args and returns combined stdout+stderr. A non-zero
// exit is reported as a *vmerrors.SubprocessFailedError carrying the
// captured stderr.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunStdin(ctx, nil, name, args...)
}

// RunStdin is Run but additionally feeds stdin (if non-nil) to the process,
// e.g. a virsh define reading domain XML from /dev/stdin, or a debugfs
// command script.
func (r *Runner) RunStdin(ctx context.Context, stdin []byte, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return out, &vmerrors.SubprocessFailedError{
			Cmd:      name,
			Args:     args,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return out, nil
}

// RunAllowExit runs a command whose exit code is only a failure outside of
// okCodes — e2fsck famously returns 1 on "errors fixed" as a success case.
func (r *Runner) RunAllowExit(ctx context.Context, okCodes []int, name string, args ...string) (string, error) {
	out, err := r.Run(ctx, name, args...)
	var sf *vmerrors.SubprocessFailedError
	if err == nil {
		return out, nil
	}
	if ok := asSubprocessFailed(err, &sf); ok {
		for _, code := range okCodes {
			if sf.ExitCode == code {
				return out, nil
			}
		}
	}
	return out, err
}

func asSubprocessFailed(err error, target **vmerrors.SubprocessFailedError) bool {
	sf, ok := err.(*vmerrors.SubprocessFailedError)
	if !ok {
		return false
	}
	*target = sf
	return true
}
