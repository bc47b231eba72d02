package scheduler

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfir-orc/collector/pkg/archive"
	"github.com/dfir-orc/collector/pkg/evaluator"
	"github.com/dfir-orc/collector/pkg/planconfig"
	"github.com/dfir-orc/collector/pkg/procexec"
	"github.com/dfir-orc/collector/pkg/resolver"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	res := resolver.New(t.TempDir())
	runner := procexec.NewRunner(nil)
	return New(res, runner, "", nil)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))
	return path
}

func execRef(path string) planconfig.ExecutableRef {
	return planconfig.ExecutableRef{Kind: planconfig.RefFilesystemPath, PathWithEnv: path}
}

func TestRunArchiveCapturesStdoutOutput(t *testing.T) {
	scriptDir := t.TempDir()
	script := writeScript(t, scriptDir, "echoer.sh", "#!/bin/sh\necho hello-from-command\n")

	s := newTestScheduler(t)
	archiveDir := t.TempDir()
	ag := archive.New()
	require.Equal(t, archive.NotifyArchiveStarted, ag.Send(archive.Request{Kind: archive.ReqOpen, Format: archive.FormatZip, SourcePath: filepath.Join(archiveDir, "out.zip")}).Kind)

	ra := evaluator.ResolvedArchive{
		Spec: planconfig.ArchiveSpec{ConcurrencyCap: 2},
		Commands: []evaluator.ResolvedCommand{
			{
				Decision: evaluator.Admitted,
				Spec: planconfig.CommandSpec{
					Keyword:    "echoer",
					Executable: execRef(script),
					Outputs:    []planconfig.OutputSpec{{Name: "echoer.out", Kind: planconfig.OutStdOut}},
				},
			},
		},
	}

	outcomes := s.RunArchive(context.Background(), ra, ag)
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)

	n := ag.Send(archive.Request{Kind: archive.ReqComplete})
	require.Equal(t, archive.NotifyArchiveComplete, n.Kind)
}

func TestRunArchiveSkipsNonAdmittedCommands(t *testing.T) {
	s := newTestScheduler(t)
	ag := archive.New()
	ag.Send(archive.Request{Kind: archive.ReqOpen, Format: archive.FormatZip, SourcePath: filepath.Join(t.TempDir(), "out.zip")})

	ra := evaluator.ResolvedArchive{
		Spec: planconfig.ArchiveSpec{ConcurrencyCap: 1},
		Commands: []evaluator.ResolvedCommand{
			{Decision: evaluator.SkippedByKeywordFilter, Spec: planconfig.CommandSpec{Keyword: "skip-me"}},
		},
	}

	outcomes := s.RunArchive(context.Background(), ra, ag)
	require.Len(t, outcomes, 1)
	assert.Nil(t, outcomes[0].Err)
	assert.Equal(t, evaluator.SkippedByKeywordFilter, outcomes[0].Decision)

	ag.Send(archive.Request{Kind: archive.ReqComplete})
}

func TestRunArchiveReportsFailureForRequiredCommand(t *testing.T) {
	s := newTestScheduler(t)
	ag := archive.New()
	ag.Send(archive.Request{Kind: archive.ReqOpen, Format: archive.FormatZip, SourcePath: filepath.Join(t.TempDir(), "out.zip")})

	ra := evaluator.ResolvedArchive{
		Spec: planconfig.ArchiveSpec{ConcurrencyCap: 1},
		Commands: []evaluator.ResolvedCommand{
			{
				Decision: evaluator.Admitted,
				Spec: planconfig.CommandSpec{
					Keyword:    "missing",
					Executable: execRef(filepath.Join(t.TempDir(), "does-not-exist")),
				},
			},
		},
	}

	outcomes := s.RunArchive(context.Background(), ra, ag)
	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)

	ag.Send(archive.Request{Kind: archive.ReqComplete})
}

func TestStageInputsSkipsOptionalMissingSource(t *testing.T) {
	s := newTestScheduler(t)
	workDir := t.TempDir()

	err := s.stageInputs([]planconfig.InputSpec{
		{Name: "missing.txt", Optional: true, Source: execRef(filepath.Join(t.TempDir(), "nope"))},
	}, workDir)
	assert.NoError(t, err)
}

func TestStageInputsFailsOnRequiredMissingSource(t *testing.T) {
	s := newTestScheduler(t)
	workDir := t.TempDir()

	err := s.stageInputs([]planconfig.InputSpec{
		{Name: "required.txt", Optional: false, Source: execRef(filepath.Join(t.TempDir(), "nope"))},
	}, workDir)
	assert.Error(t, err)
}

func TestReadRSSBytesFailsForUnknownPid(t *testing.T) {
	_, err := readRSSBytes(1 << 30)
	assert.Error(t, err)
}

func TestResourceContainerTerminateAllKillsAttachedProcess(t *testing.T) {
	runner := procexec.NewRunner(nil)
	cmd := runner.Prepare(context.Background(), procexec.Spec{Path: "sleep", Args: []string{"5"}})
	require.NoError(t, cmd.Start())

	c := newResourceContainer(planconfig.ResourceLimits{})
	c.attach(cmd)
	c.terminateAll()

	err := cmd.Wait()
	assert.Error(t, err)
	c.close()
}

func TestRunArchiveFlushQueueBarrierOrdering(t *testing.T) {
	scriptDir := t.TempDir()
	orderFile := filepath.Join(scriptDir, "order")

	slow := writeScript(t, scriptDir, "slow.sh", "#!/bin/sh\nsleep 0.3\necho worker >> "+orderFile+"\n")
	barrier := writeScript(t, scriptDir, "barrier.sh", "#!/bin/sh\necho barrier >> "+orderFile+"\n")
	after := writeScript(t, scriptDir, "after.sh", "#!/bin/sh\necho after >> "+orderFile+"\n")

	s := newTestScheduler(t)
	ag := archive.New()
	require.Equal(t, archive.NotifyArchiveStarted, ag.Send(archive.Request{Kind: archive.ReqOpen, Format: archive.FormatZip, SourcePath: filepath.Join(t.TempDir(), "out.zip")}).Kind)

	cmd := func(keyword, script string, queue planconfig.QueueBehavior) evaluator.ResolvedCommand {
		return evaluator.ResolvedCommand{
			Decision: evaluator.Admitted,
			Spec:     planconfig.CommandSpec{Keyword: keyword, QueueBehavior: queue, Executable: execRef(script)},
		}
	}

	ra := evaluator.ResolvedArchive{
		Spec: planconfig.ArchiveSpec{ConcurrencyCap: 2},
		Commands: []evaluator.ResolvedCommand{
			cmd("c1", slow, planconfig.Enqueue),
			cmd("c2", slow, planconfig.Enqueue),
			cmd("cf", barrier, planconfig.FlushQueue),
			cmd("c3", after, planconfig.Enqueue),
		},
	}

	outcomes := s.RunArchive(context.Background(), ra, ag)
	require.Len(t, outcomes, 4)
	for _, o := range outcomes {
		assert.NoError(t, o.Err, o.Keyword)
	}
	ag.Send(archive.Request{Kind: archive.ReqComplete})

	data, err := os.ReadFile(orderFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "worker", lines[0])
	assert.Equal(t, "worker", lines[1])
	assert.Equal(t, "barrier", lines[2], "flush-queue command must not start before every earlier command finished")
	assert.Equal(t, "after", lines[3], "commands after the barrier must not start before it finished")
}

func TestRunArchiveCapturesZeroByteStdoutAsEmptyEntry(t *testing.T) {
	scriptDir := t.TempDir()
	script := writeScript(t, scriptDir, "silent.sh", "#!/bin/sh\nexit 0\n")

	s := newTestScheduler(t)
	archiveDir := t.TempDir()
	ag := archive.New()
	require.Equal(t, archive.NotifyArchiveStarted, ag.Send(archive.Request{Kind: archive.ReqOpen, Format: archive.FormatZip, SourcePath: filepath.Join(archiveDir, "out.zip")}).Kind)

	ra := evaluator.ResolvedArchive{
		Spec: planconfig.ArchiveSpec{ConcurrencyCap: 1},
		Commands: []evaluator.ResolvedCommand{
			{
				Decision: evaluator.Admitted,
				Spec: planconfig.CommandSpec{
					Keyword:    "silent",
					Executable: execRef(script),
					Outputs:    []planconfig.OutputSpec{{Name: "silent.out", Kind: planconfig.OutStdOut}},
				},
			},
		},
	}

	outcomes := s.RunArchive(context.Background(), ra, ag)
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)

	require.Equal(t, archive.NotifyArchiveComplete, ag.Send(archive.Request{Kind: archive.ReqComplete}).Kind)

	zr, err := zip.OpenReader(filepath.Join(archiveDir, "out.zip"))
	require.NoError(t, err)
	defer zr.Close()

	var found bool
	for _, f := range zr.File {
		if f.Name == "silent.out" {
			found = true
			assert.EqualValues(t, 0, f.UncompressedSize64)
		}
	}
	assert.True(t, found, "expected a zero-length silent.out entry even though the command produced no output")
}
