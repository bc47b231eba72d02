// Package procexec wraps child-process launch/kill mechanics used by
// pkg/scheduler (pkg/app builds the Runner). Grounded on the teacher's
// pkg/commands/os.go OSCommand: the same command/getenv indirection for
// testability, the same Kill/PrepareForChildren process-group
// semantics, generalized from ad-hoc shell strings to a fully resolved
// argv plus explicit stdio redirection.
package procexec

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"

	"github.com/dfir-orc/collector/pkg/orcerr"
)

// Runner launches resolved executables. Like the teacher's OSCommand it
// keeps construction behind a small type so a future test double can
// wrap it without touching callers.
type Runner struct {
	Log *logrus.Entry
}

// NewRunner builds a Runner using the real os/exec.Command.
func NewRunner(log *logrus.Entry) *Runner {
	return &Runner{Log: log}
}

// Spec describes one child-process launch: fully resolved path,
// argument vector, working directory, environment and stdio targets.
type Spec struct {
	Path       string
	Args       []string
	Dir        string
	Env        []string // appended to os.Environ(); nil means inherit only
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration // zero means no deadline
}

// ArgvFromString splits a shell-style command line the way the
// teacher's ExecutableFromString does, for plan fields that still carry
// a single combined command string (e.g. legacy argument blobs).
func ArgvFromString(commandLine string) []string {
	return str.ToArgv(commandLine)
}

// Prepare builds an *exec.Cmd from spec, ready to Start. It always
// builds the command through exec.CommandContext so that a deadline
// already attached to ctx (as the scheduler attaches one per spec.md
// §4.5 step 7, independent of this Spec's own Timeout field) reliably
// kills the child; it always sets Setpgid via PrepareForChildren so
// Kill can terminate the whole process group a launched tool may have
// spawned.
func (r *Runner) Prepare(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	kill.PrepareForChildren(cmd)
	return cmd
}

// Run launches spec and waits for completion or context cancellation,
// returning a Timeout-kind ComplexError if spec.Timeout elapses first.
func (r *Runner) Run(ctx context.Context, spec Spec) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := r.Prepare(runCtx, spec)
	if err := cmd.Start(); err != nil {
		return orcerr.Wrap(orcerr.KindLaunch, err, "starting "+spec.Path)
	}

	err := cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		return orcerr.New(orcerr.KindTimeout, "command "+spec.Path+" exceeded its deadline")
	}
	if err != nil {
		return orcerr.Wrap(orcerr.KindLaunch, err, "running "+spec.Path)
	}
	return nil
}

// Kill terminates cmd's whole process group, mirroring the teacher's
// Kill/PrepareForChildren pairing.
func (r *Runner) Kill(cmd *exec.Cmd) error {
	if err := kill.Kill(cmd); err != nil {
		return orcerr.Wrap(orcerr.KindLaunch, err, "killing process group")
	}
	return nil
}
