package planconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `
archive:
  - keyword: A
    name_template: "A_{ComputerName}.zip"
    compression: normal
    concurrency: 2
    repeat: overwrite
    command_timeout: 5
    archive_timeout: 30
    restrictions:
      cpu_rate: 50
    command:
      - keyword: C1
        queue: enqueue
        execute:
          name: "self:helper"
        argument: ["-x"]
        output:
          - name: hello.txt
            source: stdout
`

func writeTempPlan(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesArchivesAndCommands(t *testing.T) {
	path := writeTempPlan(t, samplePlan)

	plan, err := Load(path, nil)
	require.NoError(t, err)
	require.Len(t, plan.Archives, 1)

	a := plan.Archives[0]
	assert.Equal(t, "A", a.Keyword)
	assert.Equal(t, CompressionNormal, a.CompressionLevel)
	assert.Equal(t, 2, a.ConcurrencyCap)
	assert.Equal(t, RepeatOverwrite, a.RepeatPolicy)
	assert.Equal(t, 5*time.Minute, a.CommandTimeout)
	assert.Equal(t, CPUPolicyHardCapPercent, a.ResourceLimits.CPU.Kind)
	assert.Equal(t, 50, a.ResourceLimits.CPU.Percent)

	require.Len(t, a.Commands, 1)
	c := a.Commands[0]
	assert.Equal(t, "C1", c.Keyword)
	assert.Equal(t, Enqueue, c.QueueBehavior)
	assert.Equal(t, RefEmbeddedSelf, c.Executable.Kind)
	assert.Equal(t, "helper", c.Executable.SelfArgument)
	require.Len(t, c.Outputs, 1)
	assert.Equal(t, OutStdOut, c.Outputs[0].Kind)
}

func TestLoadRejectsConflictingCPUPolicy(t *testing.T) {
	const plan = `
archive:
  - keyword: A
    name_template: "A.zip"
    restrictions:
      cpu_rate: 50
      cpu_weight: 5
    command: []
`
	path := writeTempPlan(t, plan)
	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateKeywords(t *testing.T) {
	const plan = `
archive:
  - keyword: A
    name_template: "A.zip"
    command: []
  - keyword: A
    name_template: "A2.zip"
    command: []
`
	path := writeTempPlan(t, plan)
	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestEffectiveTimeoutPrefersTighterDeadline(t *testing.T) {
	archive := ArchiveSpec{CommandTimeout: 10 * time.Minute}
	cmd := CommandSpec{Timeout: 2 * time.Minute}
	assert.Equal(t, 2*time.Minute, EffectiveTimeout(archive, cmd))

	cmd2 := CommandSpec{}
	assert.Equal(t, 10*time.Minute, EffectiveTimeout(archive, cmd2))
}

func TestSaturatingMinutesClampsHugeValues(t *testing.T) {
	var warned bool
	d := saturatingMinutes(int(^uint(0)>>1), func(string, ...interface{}) { warned = true })
	assert.True(t, warned)
	assert.Greater(t, d, time.Duration(0))
}

func TestApplyOverridesOnlyTouchesSetFields(t *testing.T) {
	base := ArchiveSpec{Keyword: "A", CompressionLevel: CompressionNormal, ConcurrencyCap: 5}
	overrides := ArchiveSpec{CompressionLevel: CompressionMax}

	merged, err := ApplyOverrides(base, overrides)
	require.NoError(t, err)
	assert.Equal(t, CompressionMax, merged.CompressionLevel)
	assert.Equal(t, 5, merged.ConcurrencyCap)
	assert.Equal(t, "A", merged.Keyword)
}
