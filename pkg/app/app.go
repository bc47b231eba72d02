// Package app is the top-level driver: it loads a CollectionPlan,
// evaluates it against host facts and CLI overrides, runs every
// archive through the scheduler and archive builder, uploads completed
// archives, and renders the run's outcome. Grounded on the teacher's
// pkg/app/app.go (NewApp/Run/Close shape: a struct of already-wired
// collaborators, a single Run entry point, and a Close that unwinds
// whatever Run allocated regardless of how far it got).
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dfir-orc/collector/pkg/archive"
	"github.com/dfir-orc/collector/pkg/evaluator"
	"github.com/dfir-orc/collector/pkg/logx"
	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/outcome"
	"github.com/dfir-orc/collector/pkg/planconfig"
	"github.com/dfir-orc/collector/pkg/procexec"
	"github.com/dfir-orc/collector/pkg/resolver"
	"github.com/dfir-orc/collector/pkg/scheduler"
	"github.com/dfir-orc/collector/pkg/upload"
)

// Options collects every CLI-derived setting app.Run needs.
type Options struct {
	PlanPath          string
	OutDir            string
	TempDir           string
	OutlinePath       string
	OutcomePath       string
	UploadURL         string // non-empty enables MethodHTTP post-run upload
	DeleteAfterUpload bool

	OnlyThis []string // -key
	Enable   []string // -+key
	Disable  []string // --key

	ComputerName     string
	FullComputerName string
	SystemType       string
	Tags             []string

	OfflineLocation string // -offline

	ArchiveTimeout time.Duration // 0 means "use plan value"
	CommandTimeout time.Duration

	ChildDebug bool
	Beep       bool

	// ListKeys implements "-keys": print every archive/command keyword
	// the plan declares and exit without evaluating or running anything.
	ListKeys bool

	// DumpPath/FromDumpPath implement "-dump"/"-fromdump": DumpPath
	// writes the evaluator's resolved output as JSON instead of running
	// it; FromDumpPath reads that JSON back and runs it directly,
	// skipping Load+Evaluate entirely.
	DumpPath     string
	FromDumpPath string

	// CompressionOverride/RepeatOverride implement "-compression=" and
	// "-once"/"-overwrite"/"-createnew": per-run overrides applied to
	// every archive regardless of what the plan itself declares.
	CompressionOverride string
	RepeatOverride      string

	// PriorityNice implements "-priority=Normal|Low|High" (already
	// translated to a POSIX niceness by the CLI layer): a baseline
	// applied to every launched child via scheduler.Scheduler.
	PriorityNice int

	// PowerStates implements "-power=<csv>": the run proceeds only on a
	// host whose detected power state is in this list; empty means no
	// restriction.
	PowerStates []string

	// NoLimits/NoLimitsCategories implement "-nolimits[=<csv>]": strip
	// every ResourceLimits field, or only the named categories
	// ("memory", "cputime", "walltime"), from every archive before it
	// runs.
	NoLimits           bool
	NoLimitsCategories []string

	// Altitude implements "-altitude=highest|lowest|exact": an opaque
	// value recorded verbatim on the outcome report.
	Altitude string

	// TeeCleartext implements "-tee_cleartext": mirror every captured
	// stdout/stderr byte to the collector's own console.
	TeeCleartext bool

	// NoJournaling implements "-no_journaling": disable the incremental
	// run journal that is otherwise appended to under the scratch
	// directory as each archive completes.
	NoJournaling bool

	// SuppressWERUI implements "-werdonntshowui": force every resolved
	// command's ShowWERUI off regardless of what the plan declares.
	SuppressWERUI bool
}

// App wires every subsystem together for one run. Build one with New,
// call Run once, then Close to release whatever New/Run allocated.
type App struct {
	opts     Options
	log      *logrus.Entry
	resolver *resolver.Resolver
	runID    string
	selfPath string
	closers  []func() error
	journal  *os.File
}

// New prepares an App around the logger it is given: resolves the
// scratch directory and builds the resolver, but does not yet load a
// plan or run anything.
func New(opts Options, runID string, log *logrus.Entry) (*App, error) {
	if opts.TempDir == "" {
		opts.TempDir = planconfig.DefaultScratchRoot("dfir-orc", "collector")
	}
	scratchRoot := filepath.Join(opts.TempDir, "WorkingTemp", runID)
	if err := os.MkdirAll(scratchRoot, 0o700); err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "creating scratch directory")
	}

	selfPath, err := os.Executable()
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "resolving own executable path")
	}

	a := &App{
		opts:     opts,
		log:      log,
		resolver: resolver.New(scratchRoot),
		runID:    runID,
		selfPath: selfPath,
	}
	a.closers = append(a.closers, func() error {
		if opts.ChildDebug {
			a.log.WithField("scratch", scratchRoot).Info("-childdebug set, leaving scratch directory in place")
			return nil
		}
		return os.RemoveAll(scratchRoot)
	})

	if !opts.NoJournaling {
		journalPath := filepath.Join(scratchRoot, "run-journal.jsonl")
		f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, orcerr.Wrap(orcerr.KindIO, err, "creating run journal")
		}
		a.journal = f
		a.closers = append(a.closers, f.Close)
	}
	return a, nil
}

// journalEntry appends one JSON line recording an archive's completion
// to the run journal, a no-op if "-no_journaling" disabled
// it. Journal write failures are logged, never fatal to the run.
func (a *App) journalEntry(kind string, fields map[string]interface{}) {
	if a.journal == nil {
		return
	}
	entry := map[string]interface{}{"runId": a.runID, "event": kind, "timestamp": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range fields {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := a.journal.Write(line); err != nil && a.log != nil {
		a.log.WithError(err).Warn("failed to append run journal entry")
	}
}

// Close releases every resource New/Run allocated, in reverse order,
// the way the teacher's app.Close unwinds its closers slice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.log != nil {
			a.log.WithError(err).Warn("cleanup failed")
		}
	}
	if a.resolver != nil {
		a.resolver.Close()
	}
}

// Run loads the plan, evaluates it, executes every archive, uploads
// finished archives if configured, and writes the outcome report. It
// returns the process exit code spec.md §7 calls for (0 on success,
// non-zero if any non-optional command or archive failed) and the first
// fatal error encountered, if the run could not even start.
func (a *App) Run(ctx context.Context) (int, error) {
	if a.opts.ListKeys {
		return a.runListKeys()
	}

	var resolved []evaluator.ResolvedArchive
	if a.opts.FromDumpPath != "" {
		var err error
		resolved, err = a.loadDump()
		if err != nil {
			return 1, err
		}
	} else {
		plan, err := planconfig.Load(a.opts.PlanPath, a.log)
		if err != nil {
			return 1, err
		}

		facts := a.hostFacts()
		id := a.identity()
		filters := evaluator.KeywordFilters{OnlyThis: a.opts.OnlyThis, Enable: a.opts.Enable, Disable: a.opts.Disable}
		warn := logx.WarnOnce(a.log)

		resolved = evaluator.Evaluate(plan, facts, filters, id, warn)
	}

	resolved = a.applyPerRunOverrides(resolved)

	if a.opts.DumpPath != "" {
		return a.writeDump(resolved)
	}

	runner := procexec.NewRunner(a.log)
	sched := scheduler.New(a.resolver, runner, a.selfPath, a.log)
	sched.TeeCleartext = a.opts.TeeCleartext
	sched.PriorityNice = a.opts.PriorityNice

	var uploader *upload.Agent
	if a.opts.UploadURL != "" {
		uploader = upload.New(upload.Config{Method: upload.MethodHTTP, Mode: upload.ModeAsync, BaseURL: a.opts.UploadURL})
		a.closers = append(a.closers, func() error {
			uploader.Send(upload.Request{Kind: upload.ReqComplete})
			return nil
		})
	}

	report := outcome.Report{RunID: a.runID, Altitude: a.opts.Altitude}

	for _, ra := range resolved {
		// The shutdown token is observed between archives: once it
		// fires, no further archive is opened.
		if ctx.Err() != nil {
			break
		}

		if a.opts.CommandTimeout > 0 {
			ra.Spec.CommandTimeout = a.opts.CommandTimeout
		}

		archiveName := ra.ArchiveName
		if archiveName == "" {
			archiveName = ra.Spec.Keyword
		}
		archivePath := filepath.Join(a.opts.OutDir, archiveName)

		if ra.Spec.RepeatPolicy == planconfig.RepeatOnce {
			if _, statErr := os.Stat(archivePath); statErr == nil {
				a.log.WithField("archive", ra.Spec.Keyword).Info("archive already produced, repeat policy is Once, skipping")
				continue
			}
		}

		archiveCtx := ctx
		var cancel context.CancelFunc
		timeout := a.opts.ArchiveTimeout
		if timeout <= 0 {
			timeout = ra.Spec.ArchiveTimeout
		}
		if timeout > 0 {
			archiveCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		ag := archive.New()
		format := archive.FormatZip
		if filepath.Ext(archivePath) == ".tar" || filepath.Ext(archivePath) == ".gz" {
			format = archive.FormatTar
		}
		openNotify := ag.Send(archive.Request{
			Kind:             archive.ReqOpen,
			Format:           format,
			SourcePath:       archivePath,
			CompressionLevel: ra.Spec.CompressionLevel,
			Password:         ra.Spec.Password,
		})
		if openNotify.Kind == archive.NotifyFailure {
			report.Archives = append(report.Archives, outcome.NewArchiveResult(ra, archiveName, nil, openNotify.Err))
			if cancel != nil {
				cancel()
			}
			if !ra.Spec.Optional {
				a.log.WithError(openNotify.Err).WithField("archive", ra.Spec.Keyword).Error("archive open failed")
			}
			continue
		}

		outcomes := sched.RunArchive(archiveCtx, ra, ag)

		// A process-wide shutdown (as opposed to this archive's own
		// timeout expiring) cancels the builder rather than completing
		// it: a half-collected archive must not be reported durable.
		var archiveErr error
		if ctx.Err() != nil {
			ag.Send(archive.Request{Kind: archive.ReqCancel})
			archiveErr = orcerr.New(orcerr.KindCancelled, "run cancelled before archive "+ra.Spec.Keyword+" completed")
		} else {
			completeNotify := ag.Send(archive.Request{Kind: archive.ReqComplete})
			if completeNotify.Kind == archive.NotifyFailure {
				archiveErr = completeNotify.Err
			}
		}
		if cancel != nil {
			cancel()
		}

		report.Archives = append(report.Archives, outcome.NewArchiveResult(ra, archiveName, outcomes, archiveErr))
		a.journalEntry("archive_complete", map[string]interface{}{"archive": ra.Spec.Keyword, "path": archivePath, "error": errString(archiveErr)})

		if archiveErr == nil && uploader != nil {
			a.uploadAndWait(uploader, archivePath, archiveName, ra.Spec.Keyword)
		}
	}

	if ctx.Err() != nil && uploader != nil {
		uploader.Send(upload.Request{Kind: upload.ReqCancel})
	}

	if a.opts.Beep {
		fmt.Fprint(os.Stderr, "\a")
	}

	if err := a.writeOutcome(report); err != nil {
		a.log.WithError(err).Warn("failed to write outcome report")
	}

	return report.ExitCode(), nil
}

// uploadAndWait submits archivePath to the async upload agent and polls
// ReqRefresh once a second until the job reaches a terminal state,
// mirroring the once-a-second RefreshJobStatus timer spec.md §4.4
// describes; the caller (Run's archive loop) only needs the final
// outcome, so this hides the poll loop behind a synchronous call.
func (a *App) uploadAndWait(uploader *upload.Agent, archivePath, archiveName, keyword string) {
	n := uploader.Send(upload.Request{
		Kind:           upload.ReqUploadFile,
		LocalPath:      archivePath,
		RemotePath:     archiveName,
		DeleteWhenDone: a.opts.DeleteAfterUpload,
	})
	for n.Kind == upload.NotifyJobQueued || n.Kind == upload.NotifyJobActive {
		time.Sleep(time.Second)
		n = uploader.Send(upload.Request{Kind: upload.ReqRefresh, JobID: n.JobID})
	}
	if n.Kind == upload.NotifyFailure {
		a.log.WithError(n.Err).WithField("archive", keyword).Error("upload failed")
	}
}

// runListKeys implements "-keys": it loads the plan (so a malformed
// plan still reports ConfigError) but never evaluates or runs it.
func (a *App) runListKeys() (int, error) {
	plan, err := planconfig.Load(a.opts.PlanPath, a.log)
	if err != nil {
		return 1, err
	}
	for _, ar := range plan.Archives {
		fmt.Fprintln(os.Stdout, ar.Keyword)
		for _, cmd := range ar.Commands {
			fmt.Fprintf(os.Stdout, "%s.%s\n", ar.Keyword, cmd.Keyword)
		}
	}
	return 0, nil
}

// writeDump implements "-dump": it serializes the already-evaluated,
// override-applied archive list as JSON and exits without running
// anything, so the output is exactly what "-fromdump" will later read.
func (a *App) writeDump(resolved []evaluator.ResolvedArchive) (int, error) {
	data, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		return 1, orcerr.Wrap(orcerr.KindIO, err, "marshalling resolved archives for -dump")
	}
	if err := os.WriteFile(a.opts.DumpPath, data, 0o600); err != nil {
		return 1, orcerr.Wrap(orcerr.KindIO, err, "writing dump file")
	}
	return 0, nil
}

// loadDump implements "-fromdump": it reads back a JSON file written by
// "-dump" in place of Load+Evaluate, so a run can be replayed or
// inspected without re-reading the original plan or re-gathering host
// facts.
func (a *App) loadDump() ([]evaluator.ResolvedArchive, error) {
	data, err := os.ReadFile(a.opts.FromDumpPath)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "reading -fromdump file")
	}
	var resolved []evaluator.ResolvedArchive
	if err := json.Unmarshal(data, &resolved); err != nil {
		return nil, orcerr.Wrap(orcerr.KindConfig, err, "parsing -fromdump file")
	}
	return resolved, nil
}

// applyPerRunOverrides layers "-compression", "-once"/"-overwrite"/
// "-createnew", "-nolimits", and "-werdonntshowui" onto every resolved
// archive, after evaluation (or after "-fromdump" loads a prior
// evaluation) and before anything is dumped or run.
func (a *App) applyPerRunOverrides(resolved []evaluator.ResolvedArchive) []evaluator.ResolvedArchive {
	for i := range resolved {
		spec := &resolved[i].Spec
		if a.opts.CompressionOverride != "" {
			spec.CompressionLevel = planconfig.ParseCompressionLevel(a.opts.CompressionOverride)
		}
		switch a.opts.RepeatOverride {
		case "once":
			spec.RepeatPolicy = planconfig.RepeatOnce
		case "overwrite":
			spec.RepeatPolicy = planconfig.RepeatOverwrite
		case "createnew":
			spec.RepeatPolicy = planconfig.RepeatCreateNew
		}
		if a.opts.NoLimits {
			spec.ResourceLimits = applyNoLimits(spec.ResourceLimits, a.opts.NoLimitsCategories)
		}
		if a.opts.SuppressWERUI {
			for j := range resolved[i].Commands {
				resolved[i].Commands[j].Spec.ShowWERUI = false
			}
		}
	}
	return resolved
}

// applyNoLimits zeroes limits for "-nolimits[=<csv>]": an empty
// categories list (bare "-nolimits") clears everything; otherwise only
// the named categories ("memory", "cputime", "walltime") are cleared.
func applyNoLimits(limits planconfig.ResourceLimits, categories []string) planconfig.ResourceLimits {
	if len(categories) == 0 {
		return planconfig.ResourceLimits{}
	}
	for _, c := range categories {
		switch c {
		case "memory":
			limits.JobMemoryBytes, limits.ProcessMemoryBytes = 0, 0
		case "cputime":
			limits.PerProcessCPUTime, limits.PerJobCPUTime = 0, 0
			limits.CPU = planconfig.CPUPolicy{}
		case "walltime":
			limits.ElapsedWallTime = 0
		}
	}
	return limits
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (a *App) writeOutcome(report outcome.Report) error {
	if a.opts.OutlinePath != "" {
		if err := os.WriteFile(a.opts.OutlinePath, []byte(report.Text()), 0o600); err != nil {
			return orcerr.Wrap(orcerr.KindIO, err, "writing outline file")
		}
	} else {
		fmt.Fprint(os.Stdout, report.Text())
	}
	if a.opts.OutcomePath != "" {
		data, err := report.JSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(a.opts.OutcomePath, data, 0o600); err != nil {
			return orcerr.Wrap(orcerr.KindIO, err, "writing outcome file")
		}
	}
	return nil
}

func (a *App) hostFacts() evaluator.HostFacts {
	arch := evaluator.Arch32
	if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
		arch = evaluator.Arch64
	}
	major, minor := hostOSVersion()
	facts := evaluator.HostFacts{
		Arch:               arch,
		OSMajor:            major,
		OSMinor:            minor,
		SystemTypes:        a.systemTypes(),
		PowerState:         evaluator.DetectPowerState(),
		AllowedPowerStates: a.opts.PowerStates,
	}
	if a.opts.OfflineLocation != "" {
		facts.Offline = true
		facts.OfflineLocation = a.opts.OfflineLocation
		os.Setenv("OfflineLocation", a.opts.OfflineLocation)
	}
	return facts
}

func (a *App) systemTypes() []string {
	types := append([]string{}, a.opts.Tags...)
	if a.opts.SystemType != "" {
		types = append(types, a.opts.SystemType)
	}
	return types
}

// hostOSVersion reports a (major, minor) pair for the running kernel.
// spec.md §4.6 only needs a comparable tuple; on non-Windows hosts
// there is no equivalent of a dwMajorVersion/dwMinorVersion pair, so we
// report (0, 0). That satisfies every `le` gate, and an `eq` or `ge`
// gate only when it names (0, 0); commands behind an `eq` or `ge` gate
// on a higher version are excluded on such a host.
func hostOSVersion() (int, int) {
	return 0, 0
}

func (a *App) identity() evaluator.Identity {
	id := evaluator.Identity{
		ComputerName:     a.opts.ComputerName,
		FullComputerName: a.opts.FullComputerName,
		SystemType:       a.opts.SystemType,
		RunID:            a.runID,
		Now:              time.Now(),
	}
	if id.ComputerName == "" {
		if host, err := os.Hostname(); err == nil {
			id.ComputerName = host
		}
	}
	if id.FullComputerName == "" {
		id.FullComputerName = id.ComputerName
	}
	return id
}
