// Package scheduler implements the Command Scheduler (spec.md §4.2): it
// walks an evaluator.ResolvedArchive's command list, launches every
// admitted command inside a resource container honoring the archive's
// ConcurrencyCap, enforces the FlushQueue barrier between queue
// segments, and harvests each command's captured output into the
// archive agent that owns the destination archive.
//
// Grounded on original_source WolfExecution.cpp's per-archive run loop
// (EnqueueCommandSet/FlushQueue/AddAndExecute) and on the teacher's
// pkg/tasks.TaskManager for the concurrency-bounded goroutine shape
// (stop-and-wait semantics traded here for a simple semaphore, since
// the scheduler's commands run to completion rather than being
// long-lived and replaceable).
package scheduler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	lcUtils "github.com/jesseduffield/lazycore/pkg/utils"

	"github.com/dfir-orc/collector/pkg/archive"
	"github.com/dfir-orc/collector/pkg/evaluator"
	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/planconfig"
	"github.com/dfir-orc/collector/pkg/procexec"
	"github.com/dfir-orc/collector/pkg/resolver"
	"github.com/dfir-orc/collector/pkg/stream"
)

// EnableDeadlockReporting wires github.com/sasha-s/go-deadlock's global
// options the same way the teacher's pkg/gui/gui.go does: deadlock
// detection only runs when debug is true, and a detected deadlock's report
// is captured once (via lazycore's OnceWriter) and handed to onDetect
// before anything else reads it, so the caller can flush logs or close
// resources while the report is still fresh in the buffer.
func EnableDeadlockReporting(debug bool, onDetect func()) {
	deadlock.Opts.Disable = !debug
	deadlock.Opts.DeadlockTimeout = 10 * time.Second
	deadlock.Opts.LogBuf = lcUtils.NewOnceWriter(os.Stderr, onDetect)
}

// Scheduler owns the collaborators every launched command needs:
// resolving its executable, running it, and staging its inputs.
type Scheduler struct {
	Resolver *resolver.Resolver
	Runner   *procexec.Runner
	SelfPath string
	Log      *logrus.Entry

	// TeeCleartext mirrors every captured stdout/stderr byte to the
	// collector's own console in addition to the archive capture file
	// (spec.md §6 "-tee_cleartext"), via stream.TeeStream.
	TeeCleartext bool

	// PriorityNice is a baseline POSIX niceness applied to every
	// launched child (spec.md §6 "-priority"), independent of a plan's
	// own per-archive CPUPolicy weight.
	PriorityNice int
}

// New builds a Scheduler. selfPath is the running binary's own path,
// used to resolve "self:" executable references.
func New(res *resolver.Resolver, runner *procexec.Runner, selfPath string, log *logrus.Entry) *Scheduler {
	return &Scheduler{Resolver: res, Runner: runner, SelfPath: selfPath, Log: log}
}

// CommandOutcome records what happened to one command, for pkg/outcome
// to render. Skipped commands carry Decision without Err or Duration.
type CommandOutcome struct {
	Keyword  string
	Decision evaluator.Decision
	Err      error
	Duration time.Duration

	// Digests maps each archive entry this command produced to the
	// hash algorithm/hex-digest pairs archive.Agent published for it
	// (spec.md §4.3/§8), surfaced here so pkg/outcome can report them.
	Digests map[string]map[string]string
}

// RunArchive executes every command in ra against ag, the archive agent
// already opened for ra's destination archive. Commands run
// concurrently up to ra.Spec.ConcurrencyCap (0 or negative means
// unbounded), except that a command whose QueueBehavior is FlushQueue
// runs alone: every prior command must finish, the FlushQueue command
// then runs by itself, and the archive's own FlushQueue barrier is sent
// before any successor starts. This mirrors WolfExecution.cpp's
// "flush point" semantics, where a flush command exists specifically to
// let a later command in the same archive depend on an earlier one's
// output being durably written first.
func (s *Scheduler) RunArchive(ctx context.Context, ra evaluator.ResolvedArchive, ag *archive.Agent) []CommandOutcome {
	outcomes := make([]CommandOutcome, len(ra.Commands))

	concurrency := ra.Spec.ConcurrencyCap
	if concurrency <= 0 {
		concurrency = len(ra.Commands)
		if concurrency == 0 {
			concurrency = 1
		}
	}
	sem := make(chan struct{}, concurrency)

	batchStart := 0
	for i, cmd := range ra.Commands {
		if cmd.Spec.QueueBehavior != planconfig.FlushQueue {
			continue
		}
		s.runBatch(ctx, ra, ag, outcomes, sem, batchStart, i)

		outcomes[i] = s.runOne(ctx, ra, cmd, ag)
		ag.Send(archive.Request{Kind: archive.ReqFlushQueue})
		batchStart = i + 1
	}
	s.runBatch(ctx, ra, ag, outcomes, sem, batchStart, len(ra.Commands))

	return outcomes
}

// runBatch runs commands [from, to) concurrently, bounded by sem, and
// waits for all of them before returning — the portion of the archive's
// queue between two flush points.
func (s *Scheduler) runBatch(ctx context.Context, ra evaluator.ResolvedArchive, ag *archive.Agent, outcomes []CommandOutcome, sem chan struct{}, from, to int) {
	if from >= to {
		return
	}
	var wg sync.WaitGroup
	for i := from; i < to; i++ {
		cmd := ra.Commands[i]
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cmd evaluator.ResolvedCommand) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = s.runOne(ctx, ra, cmd, ag)
		}(i, cmd)
	}
	wg.Wait()
}

// runOne launches a single admitted command, harvests its output into
// ag, and reports the outcome. Commands the evaluator marked as not
// Admitted (and not merely DemotedOffline) never reach a process
// launch.
func (s *Scheduler) runOne(ctx context.Context, ra evaluator.ResolvedArchive, rc evaluator.ResolvedCommand, ag *archive.Agent) CommandOutcome {
	if rc.Decision != evaluator.Admitted && rc.Decision != evaluator.DemotedOffline {
		return CommandOutcome{Keyword: rc.Spec.Keyword, Decision: rc.Decision}
	}
	// The shutdown token is observed between commands: anything not yet
	// launched when it fires collapses straight to Cancelled.
	if ctx.Err() != nil {
		return CommandOutcome{
			Keyword:  rc.Spec.Keyword,
			Decision: rc.Decision,
			Err:      orcerr.New(orcerr.KindCancelled, "run cancelled before command "+rc.Spec.Keyword+" started"),
		}
	}

	start := time.Now()
	digests, err := s.launchAndHarvest(ctx, ra, rc, ag)
	outcome := CommandOutcome{Keyword: rc.Spec.Keyword, Decision: rc.Decision, Err: err, Duration: time.Since(start), Digests: digests}

	if err != nil && rc.Spec.Optional && s.Log != nil {
		s.Log.WithError(err).WithField("command", rc.Spec.Keyword).Warn("optional command failed, continuing")
	}
	return outcome
}

func (s *Scheduler) launchAndHarvest(ctx context.Context, ra evaluator.ResolvedArchive, rc evaluator.ResolvedCommand, ag *archive.Agent) (map[string]map[string]string, error) {
	spec := rc.Spec

	path, err := s.Resolver.Resolve(spec.Executable, s.SelfPath)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(s.Resolver.ScratchDir, "cmd-*")
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "creating command working directory")
	}
	// Until the outputs are handed to the archive agent the working
	// directory is this function's to clean up; once they are, its
	// removal rides the agent's pending-cleanup queue instead (retried
	// on Complete, covered by the process-exit hook).
	cleanupLocally := true
	defer func() {
		if cleanupLocally {
			os.RemoveAll(workDir)
		}
	}()

	if err := s.stageInputs(spec.Inputs, workDir); err != nil {
		return nil, err
	}

	if !spec.ShowWERUI && s.Log != nil {
		s.Log.WithField("command", spec.Keyword).Debug("Windows Error Reporting UI suppression requested (no-op on this platform)")
	}

	timeout := planconfig.EffectiveTimeout(ra.Spec, spec)
	if w := ra.Spec.ResourceLimits.ElapsedWallTime; w > 0 && (timeout <= 0 || w < timeout) {
		timeout = w
	}

	container := newResourceContainer(ra.Spec.ResourceLimits)
	defer container.close()

	stdoutPath := filepath.Join(workDir, "stdout.log")
	stderrPath := filepath.Join(workDir, "stderr.log")
	stdout, err := stream.CreateFileWrite(stdoutPath)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "creating stdout capture file")
	}
	defer stdout.Close()
	stderr, err := stream.CreateFileWrite(stderrPath)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "creating stderr capture file")
	}
	defer stderr.Close()

	// -tee_cleartext wraps each capture in a TeeStream that fans the
	// same bytes out to the collector's own console, so an operator
	// watching the run sees cleartext output as it happens rather than
	// only after the archive is built.
	var stdoutWriter, stderrWriter io.Writer = stdout, stderr
	if s.TeeCleartext {
		stdoutWriter = stream.NewTeeStream(stdout, stream.NewWriterStream(os.Stdout))
		stderrWriter = stream.NewTeeStream(stderr, stream.NewWriterStream(os.Stderr))
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := s.Runner.Prepare(runCtx, procexec.Spec{
		Path:   path,
		Args:   spec.Arguments,
		Dir:    workDir,
		Stdout: stdoutWriter,
		Stderr: stderrWriter,
	})

	if err := cmd.Start(); err != nil {
		return nil, orcerr.Wrap(orcerr.KindLaunch, err, "starting "+path)
	}
	if s.PriorityNice != 0 && cmd.Process != nil {
		syscall.Setpriority(syscall.PRIO_PROCESS, cmd.Process.Pid, s.PriorityNice)
	}
	container.attach(cmd)

	waitErr := cmd.Wait()

	// On deadline or shutdown the context only killed the direct child;
	// anything it spawned into the same process group is the container's
	// to terminate before the outputs are harvested.
	if runCtx.Err() != nil {
		container.terminateAll()
	}

	// Partial captures (stdout/stderr already flushed to disk, any
	// File/Directory outputs the child managed to write before being
	// killed) are harvested regardless of how the command ended, so a
	// TimedOut or LimitViolation command still contributes whatever
	// bytes it produced — spec.md §8 scenario 3.
	digests, harvestErr := s.harvestOutputs(spec, workDir, stdoutPath, stderrPath, ag)

	// Source files under workDir are now staged with the archive agent
	// for delete-after-flush; the directory itself joins them so its
	// removal is retried on Complete and survives abnormal exit.
	ag.StageCleanup(workDir, true)
	cleanupLocally = false

	if container.violation() {
		return digests, orcerr.New(orcerr.KindLimitViolation, "command "+spec.Keyword+" exceeded its resource limits")
	}
	if ctx.Err() != nil {
		return digests, orcerr.New(orcerr.KindCancelled, "command "+spec.Keyword+" cancelled by shutdown")
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return digests, orcerr.New(orcerr.KindTimeout, "command "+spec.Keyword+" exceeded its deadline")
	}
	if waitErr != nil {
		return digests, orcerr.Wrap(orcerr.KindLaunch, waitErr, "running "+spec.Keyword)
	}

	return digests, harvestErr
}

// stageInputs copies every InputSpec's resolved source into workDir
// under its (already pattern-substituted) Name before the command
// launches, skipping an Optional input whose source cannot be resolved.
func (s *Scheduler) stageInputs(inputs []planconfig.InputSpec, workDir string) error {
	for _, in := range inputs {
		src, err := s.Resolver.Resolve(in.Source, s.SelfPath)
		if err != nil {
			if in.Optional {
				continue
			}
			return orcerr.Wrap(orcerr.KindResolver, err, "staging required input "+in.Name)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			if in.Optional {
				continue
			}
			return orcerr.Wrap(orcerr.KindIO, err, "reading input "+in.Name)
		}
		dst := filepath.Join(workDir, in.Name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return orcerr.Wrap(orcerr.KindIO, err, "creating input directory for "+in.Name)
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return orcerr.Wrap(orcerr.KindIO, err, "writing input "+in.Name)
		}
	}
	return nil
}

// harvestOutputs binds a finished command's declared OutputSpecs to
// archive entries. OutStdOut/OutStdErr/OutStdOutErr capture the
// already-redirected log files; OutFile/OutDirectory glob-match against
// workDir, the directory the command ran in, on the assumption (true of
// every original_source command) that a tool writes its artifacts
// relative to its own working directory rather than to a path the
// scheduler must invent and pass in.
func (s *Scheduler) harvestOutputs(spec planconfig.CommandSpec, workDir, stdoutPath, stderrPath string, ag *archive.Agent) (map[string]map[string]string, error) {
	digests := make(map[string]map[string]string)

	// addFile hands path to the archive agent with delete-after-flush
	// set, so the capture file is removed once the archive has durably
	// written it. A zero-byte capture (a command that wrote nothing to
	// the binding) still produces a zero-length archive entry, matching
	// spec.md §8's boundary case for a StdOut binding; only a genuinely
	// absent file (an optional File output the command never wrote) is
	// skipped.
	addFile := func(path, nameInArchive string) error {
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		n := ag.Send(archive.Request{
			Kind:             archive.ReqAddFile,
			NameInArchive:    nameInArchive,
			SourcePath:       path,
			DeleteAfterFlush: true,
		})
		if n.Kind == archive.NotifyFailure {
			return n.Err
		}
		if len(n.Digests) > 0 {
			digests[nameInArchive] = n.Digests
		}
		return nil
	}

	for _, out := range spec.Outputs {
		switch out.Kind {
		case planconfig.OutStdOut:
			if err := addFile(stdoutPath, out.Name); err != nil {
				return digests, err
			}
		case planconfig.OutStdErr:
			if err := addFile(stderrPath, out.Name); err != nil {
				return digests, err
			}
		case planconfig.OutStdOutErr:
			if err := addFile(stdoutPath, out.Name+".stdout"); err != nil {
				return digests, err
			}
			if err := addFile(stderrPath, out.Name+".stderr"); err != nil {
				return digests, err
			}
		case planconfig.OutFile:
			pattern := out.MatchGlob
			if pattern == "" {
				pattern = out.Name
			}
			matches, err := filepath.Glob(filepath.Join(workDir, pattern))
			if err != nil {
				return digests, orcerr.Wrap(orcerr.KindArchive, err, "matching output "+out.Name)
			}
			for _, m := range matches {
				if err := addFile(m, out.Name); err != nil {
					return digests, err
				}
			}
		case planconfig.OutDirectory:
			// The child writes directory outputs under its working
			// directory by the name the binding declares; the whole
			// subtree goes to the agent as one AddDirectory.
			dir := filepath.Join(workDir, out.Name)
			if _, err := os.Stat(dir); err != nil {
				continue
			}
			n := ag.Send(archive.Request{
				Kind:             archive.ReqAddDirectory,
				NameInArchive:    out.Name,
				SourcePath:       dir,
				Pattern:          out.MatchGlob,
				DeleteAfterFlush: true,
			})
			if n.Kind == archive.NotifyFailure {
				return digests, n.Err
			}
			for _, e := range n.Entries {
				if e.Kind == archive.NotifyFileAddition && len(e.Digests) > 0 {
					digests[e.Name] = e.Digests
				}
			}
		}
	}
	return digests, nil
}
