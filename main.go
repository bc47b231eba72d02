package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/integrii/flaggy"
	"github.com/samber/lo"

	"github.com/dfir-orc/collector/pkg/app"
	"github.com/dfir-orc/collector/pkg/archive"
	"github.com/dfir-orc/collector/pkg/logx"
	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/scheduler"
)

const DEFAULT_VERSION = "unversioned"

var (
	commit  string
	version = DEFAULT_VERSION
	date    string

	planPath    = ""
	outDir      = "."
	tempDir     = ""
	outlinePath = ""
	outcomePath = ""
	uploadURL   = ""
	deleteAfter = false

	onlyKeys    = ""
	enableKeys  = ""
	disableKeys = ""

	computerName     = ""
	fullComputerName = ""
	systemType       = ""
	tags             = ""

	offlinePath = ""

	archiveTimeoutMinutes = 0
	commandTimeoutMinutes = 0

	childDebug      = false
	waitForDebugger = false
	beep            = false

	listKeys     = false
	dumpPath     = ""
	fromDumpPath = ""

	once        = false
	overwrite   = false
	createNew   = false
	compression = ""
	priority    = ""
	powerStates = ""

	noLimits           = false
	noLimitsCategories = ""

	altitude      = ""
	teeCleartext  = false
	noJournaling  = false
	werDontShowUI = false
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, commit, runtime.GOOS, runtime.GOARCH,
	)

	flaggy.SetName("collector")
	flaggy.SetDescription("Forensic collection orchestrator: spawns declared tools, captures and archives their output, and ships the result.")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/dfir-orc/collector"

	flaggy.String(&planPath, "", "execute", "Path to the collection plan to execute")
	flaggy.Bool(&listKeys, "", "keys", "List every archive/command keyword declared by the plan and exit")
	flaggy.String(&dumpPath, "", "dump", "Evaluate the plan, write the resolved archive list as JSON to this path, and exit without running anything")
	flaggy.String(&fromDumpPath, "", "fromdump", "Run from a previously-written -dump file instead of loading and evaluating -execute")
	flaggy.Bool(&childDebug, "", "childdebug", "Debug mode: file-backed debug logging, deadlock reporting, and the scratch directory is left in place at exit")
	flaggy.Bool(&waitForDebugger, "", "waitfordebugger", "Block at startup until a debugger attaches")

	flaggy.String(&onlyKeys, "", "key", "Comma-separated list of archive/command keywords: run only these (spec's -key)")
	flaggy.String(&enableKeys, "+", "enable-key", "Comma-separated list of archive/command keywords: force-enable even if otherwise skipped (spec's -+key)")
	flaggy.String(&disableKeys, "x", "disable-key", "Comma-separated list of archive/command keywords: force-disable (spec's --key)")

	flaggy.String(&outDir, "", "out", "Directory finished archives are written to")
	flaggy.String(&tempDir, "", "tempdir", "Scratch directory root (defaults to the platform cache directory)")
	flaggy.String(&outlinePath, "", "outline", "Path to write the textual outcome summary to (stdout if empty)")
	flaggy.String(&outcomePath, "", "outcome", "Path to write the structured (JSON) outcome report to")

	flaggy.String(&uploadURL, "", "upload", "Base HTTP(S) URL finished archives are uploaded to")
	flaggy.Bool(&deleteAfter, "", "delete_after_upload", "Delete a local archive once its upload completes")

	flaggy.String(&computerName, "", "computer", "Computer name substituted for {ComputerName}")
	flaggy.String(&fullComputerName, "", "fullcomputer", "Fully-qualified computer name substituted for {FullComputerName}")
	flaggy.String(&systemType, "", "systemtype", "System type tag substituted for {SystemType} and matched against required_system_type")
	flaggy.String(&tags, "", "tags", "Comma-separated extra system-type tags")

	flaggy.String(&offlinePath, "", "offline", "Path to an offline evidence source; when set, live-system commands are demoted")

	flaggy.Int(&archiveTimeoutMinutes, "", "archive_timeout", "Override every archive's archive_timeout, in minutes")
	flaggy.Int(&commandTimeoutMinutes, "", "command_timeout", "Override every archive's command_timeout, in minutes; a command whose own timeout is shorter keeps it")
	// -nolimits takes an optional csv of categories (spec's "-nolimits[=<csv>]"); flaggy's
	// flag types don't support an optional value on one name, so the bare form is this bool
	// and the categorised form is the separate -nolimits_categories string below.
	flaggy.Bool(&noLimits, "", "nolimits", "Disable resource limits entirely for every command")
	flaggy.String(&noLimitsCategories, "", "nolimits_categories", "Comma-separated resource-limit categories to disable (memory,cputime,walltime); implies -nolimits")

	flaggy.Bool(&once, "", "once", "Override every archive's repeat policy to Once")
	flaggy.Bool(&overwrite, "", "overwrite", "Override every archive's repeat policy to Overwrite")
	flaggy.Bool(&createNew, "", "createnew", "Override every archive's repeat policy to CreateNew")
	flaggy.String(&compression, "", "compression", "Override every archive's compression level (fast|normal|max)")
	flaggy.String(&priority, "", "priority", "Baseline scheduling priority for every launched child (Normal|Low|High)")
	flaggy.String(&powerStates, "", "power", "Comma-separated allowed power states (wall,battery,charging); run is skipped on any other state")

	flaggy.String(&altitude, "", "altitude", "Opaque altitude value (highest|lowest|exact) recorded verbatim on the outcome report")
	flaggy.Bool(&beep, "", "beep", "Ring the terminal bell when the run completes")
	flaggy.Bool(&teeCleartext, "", "tee_cleartext", "Mirror captured stdout/stderr to the console in addition to the archive capture")
	flaggy.Bool(&noJournaling, "", "no_journaling", "Disable the incremental run journal under the scratch directory")
	flaggy.Bool(&werDontShowUI, "", "werdonntshowui", "Force Windows Error Reporting UI suppression on every launched command")

	flaggy.SetVersion(info)
	flaggy.Parse()

	if waitForDebugger {
		fmt.Fprintln(os.Stderr, "waiting for debugger to attach, pid", os.Getpid())
		select {}
	}

	if planPath == "" && fromDumpPath == "" {
		log.Fatal("no plan given: pass -execute=<path to plan.yaml> or -fromdump=<path>")
	}

	runID := newRunID()
	logger := logx.New(logx.Options{RunID: runID, Version: version, Debug: childDebug})

	// Deadlock detection only runs in debug sessions; a detected deadlock
	// is logged before the report is printed so the log line lands first.
	scheduler.EnableDeadlockReporting(childDebug || waitForDebugger, func() {
		logger.Error("deadlock detected, dumping report")
	})

	opts := app.Options{
		PlanPath:          planPath,
		OutDir:            outDir,
		TempDir:           tempDir,
		OutlinePath:       outlinePath,
		OutcomePath:       outcomePath,
		UploadURL:         uploadURL,
		DeleteAfterUpload: deleteAfter,
		OnlyThis:          splitCSV(onlyKeys),
		Enable:            splitCSV(enableKeys),
		Disable:           splitCSV(disableKeys),
		ComputerName:      computerName,
		FullComputerName:  fullComputerName,
		SystemType:        systemType,
		Tags:              splitCSV(tags),
		OfflineLocation:   offlinePath,
		ArchiveTimeout:    time.Duration(archiveTimeoutMinutes) * time.Minute,
		CommandTimeout:    time.Duration(commandTimeoutMinutes) * time.Minute,
		ChildDebug:        childDebug,
		Beep:              beep,

		ListKeys:     listKeys,
		DumpPath:     dumpPath,
		FromDumpPath: fromDumpPath,

		CompressionOverride: compression,
		RepeatOverride:      repeatOverride(),
		PriorityNice:        priorityToNice(priority),
		PowerStates:         splitCSV(powerStates),

		NoLimits:           noLimits || noLimitsCategories != "",
		NoLimitsCategories: splitCSV(noLimitsCategories),

		Altitude:      altitude,
		TeeCleartext:  teeCleartext,
		NoJournaling:  noJournaling,
		SuppressWERUI: werDontShowUI,
	}

	a, err := app.New(opts, runID, logger)
	if err != nil {
		fatal(logger, err)
	}

	// The process-wide shutdown token: a fatal signal cancels the run's
	// context, which every component observes between commands, messages
	// and refreshes. A second signal gives up on the orderly unwind,
	// fires the staged exit cleanups and leaves immediately.
	ctx, cancelRun := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("shutdown signal received, cancelling run")
		cancelRun()
		<-sigCh
		archive.RunExitCleanups()
		os.Exit(130)
	}()

	exitCode, err := a.Run(ctx)
	cancelRun()
	a.Close()
	archive.RunExitCleanups()
	if err != nil {
		fatal(logger, err)
	}
	os.Exit(exitCode)
}

func fatal(logger interface {
	Error(args ...interface{})
}, err error) {
	stackTrace := orcerr.StackTrace(err)
	logger.Error(stackTrace)
	log.Fatalf("run failed: %s", err)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newRunID() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

// repeatOverride collapses the mutually-exclusive -once/-overwrite/-createnew
// flags into the single RepeatOverride string app.Options expects; empty
// means "use each archive's own repeat policy unchanged".
func repeatOverride() string {
	switch {
	case once:
		return "once"
	case overwrite:
		return "overwrite"
	case createNew:
		return "createnew"
	default:
		return ""
	}
}

// priorityToNice maps the spec's Normal|Low|High -priority values onto a
// Unix nice value for the scheduler's baseline child priority.
func priorityToNice(s string) int {
	switch strings.ToLower(s) {
	case "low":
		return 10
	case "high":
		return -10
	default:
		return 0
	}
}

func updateBuildInfo() {
	if version == DEFAULT_VERSION {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				if len(revision.Value) > 7 {
					version = revision.Value[:7]
				} else {
					version = revision.Value
				}
			}
			t, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = t.Value
			}
		}
	}
}
