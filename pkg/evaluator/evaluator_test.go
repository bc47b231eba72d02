package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfir-orc/collector/pkg/planconfig"
)

func samplePlan() *planconfig.CollectionPlan {
	return &planconfig.CollectionPlan{
		Archives: []planconfig.ArchiveSpec{
			{
				Keyword:             "A",
				ArchiveNameTemplate: "A_{ComputerName}_{RunId}.zip",
				Commands: []planconfig.CommandSpec{
					{
						Keyword:    "C1",
						Executable: planconfig.ExecutableRef{Kind: planconfig.RefEmbeddedSelf, SelfArgument: "tool"},
						Arguments:  []string{"-out", "{Name}_{TimeStamp}.txt"},
					},
					{
						Keyword:            "C2",
						RequiredSystemType: []string{"server"},
					},
				},
			},
		},
	}
}

func TestEvaluateSubstitutesPatterns(t *testing.T) {
	plan := samplePlan()
	id := Identity{ComputerName: "HOST1", RunID: "run-42", Now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	resolved := Evaluate(plan, HostFacts{SystemTypes: []string{"workstation"}}, KeywordFilters{}, id, nil)

	require.Len(t, resolved, 1)
	assert.Equal(t, "A_HOST1_run-42.zip", resolved[0].ArchiveName)

	c1 := resolved[0].Commands[0]
	assert.Equal(t, Admitted, c1.Decision)
	assert.Contains(t, c1.Spec.Arguments[1], "20260102030405")
}

func TestEvaluateSkipsOnSystemTypeMismatch(t *testing.T) {
	plan := samplePlan()
	resolved := Evaluate(plan, HostFacts{SystemTypes: []string{"workstation"}}, KeywordFilters{}, Identity{}, nil)

	c2 := resolved[0].Commands[1]
	assert.Equal(t, SkippedBySystemType, c2.Decision)
}

func TestEvaluateOnlyThisFiltersOtherCommands(t *testing.T) {
	plan := samplePlan()
	filters := KeywordFilters{OnlyThis: []string{"c2"}}
	resolved := Evaluate(plan, HostFacts{SystemTypes: []string{"server"}}, filters, Identity{}, nil)

	assert.Equal(t, SkippedByKeywordFilter, resolved[0].Commands[0].Decision)
	assert.Equal(t, Admitted, resolved[0].Commands[1].Decision)
}

func TestEvaluateEnableOverridesOnlyThis(t *testing.T) {
	plan := samplePlan()
	filters := KeywordFilters{OnlyThis: []string{"c2"}, Enable: []string{"C1"}}
	resolved := Evaluate(plan, HostFacts{SystemTypes: []string{"server"}}, filters, Identity{}, nil)

	assert.Equal(t, Admitted, resolved[0].Commands[0].Decision)
}

func TestEvaluateDisableWinsOverEnable(t *testing.T) {
	plan := samplePlan()
	filters := KeywordFilters{Enable: []string{"C1"}, Disable: []string{"c1"}}
	resolved := Evaluate(plan, HostFacts{SystemTypes: []string{"server"}}, filters, Identity{}, nil)

	assert.Equal(t, SkippedByKeywordFilter, resolved[0].Commands[0].Decision)
}

func TestEvaluateOfflineDemotesNonCapableCommands(t *testing.T) {
	plan := samplePlan()
	plan.Archives[0].Commands[1].RequiredSystemType = nil
	facts := HostFacts{Offline: true}

	resolved := Evaluate(plan, facts, KeywordFilters{}, Identity{}, nil)

	assert.Equal(t, DemotedOffline, resolved[0].Commands[0].Decision)
	assert.True(t, resolved[0].Commands[0].Spec.Optional)
}

func TestEvaluateUnresolvedTokenWarnsAndLeavesVerbatim(t *testing.T) {
	plan := &planconfig.CollectionPlan{
		Archives: []planconfig.ArchiveSpec{{Keyword: "A", ArchiveNameTemplate: "{Unknown}.zip"}},
	}
	var warned string
	resolved := Evaluate(plan, HostFacts{}, KeywordFilters{}, Identity{}, func(format string, args ...interface{}) {
		warned = format
	})

	assert.Equal(t, "{Unknown}.zip", resolved[0].ArchiveName)
	assert.Contains(t, warned, "unresolved pattern token")
}

func TestEvaluateScopedKeywordFilterTargetsOneArchivesCommand(t *testing.T) {
	plan := &planconfig.CollectionPlan{
		Archives: []planconfig.ArchiveSpec{
			{Keyword: "A", Commands: []planconfig.CommandSpec{{Keyword: "C1"}}},
			{Keyword: "B", Commands: []planconfig.CommandSpec{{Keyword: "C1"}}},
		},
	}

	filters := KeywordFilters{OnlyThis: []string{"A.C1"}}
	resolved := Evaluate(plan, HostFacts{}, filters, Identity{}, nil)

	assert.Equal(t, Admitted, resolved[0].Commands[0].Decision, "A.C1 should admit A's C1")
	assert.Equal(t, SkippedByKeywordFilter, resolved[1].Commands[0].Decision, "A.C1 should not admit B's C1 despite the same bare keyword")
}

func TestArchVariantSelection(t *testing.T) {
	run64 := &planconfig.ExecutableRef{Kind: planconfig.RefFilesystemPath, PathWithEnv: "tool64.exe"}
	ref := planconfig.ExecutableRef{Kind: planconfig.RefFilesystemPath, PathWithEnv: "tool.exe", Run64: run64}

	assert.Equal(t, "tool64.exe", selectArchVariant(ref, Arch64).PathWithEnv)
	assert.Equal(t, "tool.exe", selectArchVariant(ref, Arch32).PathWithEnv)
}
