package outcome

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfir-orc/collector/pkg/evaluator"
	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/planconfig"
	"github.com/dfir-orc/collector/pkg/scheduler"
)

func sampleArchive() evaluator.ResolvedArchive {
	return evaluator.ResolvedArchive{
		Spec: planconfig.ArchiveSpec{Keyword: "system"},
		Commands: []evaluator.ResolvedCommand{
			{Spec: planconfig.CommandSpec{Keyword: "ok-cmd"}, Decision: evaluator.Admitted},
			{Spec: planconfig.CommandSpec{Keyword: "optional-cmd", Optional: true}, Decision: evaluator.Admitted},
			{Spec: planconfig.CommandSpec{Keyword: "required-cmd"}, Decision: evaluator.Admitted},
		},
	}
}

func TestNewArchiveResultCarriesErrorKindAndOptional(t *testing.T) {
	ra := sampleArchive()
	outcomes := []scheduler.CommandOutcome{
		{Keyword: "ok-cmd", Decision: evaluator.Admitted, Duration: 10 * time.Millisecond},
		{Keyword: "optional-cmd", Decision: evaluator.Admitted, Err: orcerr.New(orcerr.KindTimeout, "slow"), Duration: 5 * time.Second},
		{Keyword: "required-cmd", Decision: evaluator.Admitted, Err: orcerr.New(orcerr.KindLaunch, "boom")},
	}

	ar := NewArchiveResult(ra, "system-2026.zip", outcomes, nil)
	require.Len(t, ar.Commands, 3)
	assert.Empty(t, ar.Commands[0].ErrorKind)
	assert.Equal(t, "Timeout", ar.Commands[1].ErrorKind)
	assert.True(t, ar.Commands[1].Optional)
	assert.Equal(t, "LaunchError", ar.Commands[2].ErrorKind)
	assert.False(t, ar.Commands[2].Optional)
}

func TestExitCodeIsZeroWhenOnlyOptionalCommandsFail(t *testing.T) {
	ra := sampleArchive()
	outcomes := []scheduler.CommandOutcome{
		{Keyword: "ok-cmd", Decision: evaluator.Admitted},
		{Keyword: "optional-cmd", Decision: evaluator.Admitted, Err: orcerr.New(orcerr.KindTimeout, "slow")},
		{Keyword: "required-cmd", Decision: evaluator.Admitted},
	}
	r := Report{RunID: "r1", Archives: []ArchiveResult{NewArchiveResult(ra, "a.zip", outcomes, nil)}}
	assert.Equal(t, 0, r.ExitCode())
}

func TestExitCodeIsNonZeroWhenRequiredCommandFails(t *testing.T) {
	ra := sampleArchive()
	outcomes := []scheduler.CommandOutcome{
		{Keyword: "ok-cmd", Decision: evaluator.Admitted},
		{Keyword: "optional-cmd", Decision: evaluator.Admitted},
		{Keyword: "required-cmd", Decision: evaluator.Admitted, Err: orcerr.New(orcerr.KindLaunch, "boom")},
	}
	r := Report{RunID: "r1", Archives: []ArchiveResult{NewArchiveResult(ra, "a.zip", outcomes, nil)}}
	assert.Equal(t, 1, r.ExitCode())
}

func TestExitCodeIsNonZeroOnArchiveError(t *testing.T) {
	ra := sampleArchive()
	ar := NewArchiveResult(ra, "a.zip", nil, orcerr.New(orcerr.KindArchive, "closing failed"))
	r := Report{RunID: "r1", Archives: []ArchiveResult{ar}}
	assert.Equal(t, 1, r.ExitCode())
	assert.Equal(t, "ArchiveError: closing failed", ar.ArchiveError)
}

func TestTextRendersArchivesAndCommands(t *testing.T) {
	ra := sampleArchive()
	outcomes := []scheduler.CommandOutcome{
		{Keyword: "ok-cmd", Decision: evaluator.Admitted, Duration: time.Second},
	}
	r := Report{RunID: "r1", Archives: []ArchiveResult{NewArchiveResult(ra, "system.zip", outcomes, nil)}}

	text := r.Text()
	assert.True(t, strings.Contains(text, "r1"))
	assert.True(t, strings.Contains(text, "system.zip"))
	assert.True(t, strings.Contains(text, "ok-cmd"))
}

func TestJSONRoundTripsStructuredFields(t *testing.T) {
	ra := sampleArchive()
	outcomes := []scheduler.CommandOutcome{
		{Keyword: "ok-cmd", Decision: evaluator.Admitted},
	}
	r := Report{RunID: "r1", Archives: []ArchiveResult{NewArchiveResult(ra, "system.zip", outcomes, nil)}}

	b, err := r.JSON()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), `"runId": "r1"`))
	assert.True(t, strings.Contains(string(b), `"command": "ok-cmd"`))
}
