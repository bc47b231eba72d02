// Package planconfig holds the immutable CollectionPlan data model
// (spec.md §3) and a YAML-backed loader. Configuration ingestion proper
// (XML/CLI parsing) is an external collaborator per spec.md §1; this
// package only needs to produce and validate the in-memory shape the
// rest of the collector consumes.
package planconfig

import "time"

// RepeatPolicy controls what happens when an archive's destination
// already exists from a previous run.
type RepeatPolicy int

const (
	RepeatCreateNew RepeatPolicy = iota
	RepeatOverwrite
	RepeatOnce
)

// QueueBehavior controls how a command is scheduled relative to its
// siblings within an archive.
type QueueBehavior int

const (
	Enqueue QueueBehavior = iota
	FlushQueue
)

// Comparator is used when matching a CommandSpec's RequiredOS against
// host facts.
type Comparator int

const (
	CmpEQ Comparator = iota
	CmpGE
	CmpLE
)

// OSRequirement gates a command on the host's major/minor OS version.
type OSRequirement struct {
	Major      int
	Minor      int
	Comparator Comparator
}

// Matches reports whether the host (hostMajor, hostMinor) satisfies r.
func (r OSRequirement) Matches(hostMajor, hostMinor int) bool {
	host := [2]int{hostMajor, hostMinor}
	want := [2]int{r.Major, r.Minor}
	switch r.Comparator {
	case CmpEQ:
		return host == want
	case CmpGE:
		return host[0] > want[0] || (host[0] == want[0] && host[1] >= want[1])
	case CmpLE:
		return host[0] < want[0] || (host[0] == want[0] && host[1] <= want[1])
	default:
		return false
	}
}

// CPUPolicyKind distinguishes the mutually exclusive HardCapPercent and
// Weight forms of ResourceLimits.CPUPolicy.
type CPUPolicyKind int

const (
	CPUPolicyNone CPUPolicyKind = iota
	CPUPolicyHardCapPercent
	CPUPolicyWeight
)

// CPUPolicy is a tagged union: either unset, a hard percentage cap
// (1-100), or a relative scheduling weight (1-9). Setting both Percent
// and Weight on the same ResourceLimits is a ConfigError (spec.md §9).
type CPUPolicy struct {
	Kind    CPUPolicyKind
	Percent int
	Weight  int
}

// ResourceLimits are applied to a command's resource container
// (process group on POSIX systems, the Win32-job-object equivalent on
// the platform spec.md targets). All duration fields are optional;
// zero means "not set".
type ResourceLimits struct {
	JobMemoryBytes      int64
	ProcessMemoryBytes  int64
	PerProcessCPUTime   time.Duration
	PerJobCPUTime       time.Duration
	ElapsedWallTime     time.Duration
	CPU                 CPUPolicy
}

// ExecutableRefKind discriminates the Executable Reference tagged
// union (spec.md §3).
type ExecutableRefKind int

const (
	RefEmbeddedSelf ExecutableRefKind = iota
	RefEmbeddedResource
	RefFilesystemPath
)

// ExecutableRef names where a command's image (or an input's source)
// comes from.
type ExecutableRef struct {
	Kind ExecutableRefKind

	// RefEmbeddedSelf
	SelfArgument string

	// RefEmbeddedResource
	Module      string
	Name        string
	CabbedName  string // optional: inner entry name if Name is itself a container
	Format      ResourceFormat

	// RefFilesystemPath
	PathWithEnv string

	// Run/Run32/Run64 let the evaluator pick an architecture-specific
	// variant (spec.md §4.6); populated only on CommandSpec.Executable.
	Run32 *ExecutableRef
	Run64 *ExecutableRef
}

// ResourceFormat says how an embedded resource's bytes should be
// materialised.
type ResourceFormat int

const (
	FormatBinary ResourceFormat = iota
	FormatArchiveContainer
)

// OutputKind enumerates where a command's output should be captured
// from.
type OutputKind int

const (
	OutStdOut OutputKind = iota
	OutStdErr
	OutStdOutErr
	OutFile
	OutDirectory
)

// InputSpec is one staged input to a command: either an embedded
// reference or a filesystem path, expanded just before launch.
type InputSpec struct {
	OrderIndex           int
	Name                 string
	Source               ExecutableRef
	PatternSubstitution  string
	Optional             bool
}

// OutputSpec is one binding from a command's runtime output to a named
// archive entry.
type OutputSpec struct {
	OrderIndex          int
	Name                string
	Kind                OutputKind
	PatternSubstitution string
	MatchGlob           string // only meaningful for OutDirectory
}

// CommandSpec is one child-process invocation declared in the plan.
type CommandSpec struct {
	Keyword           string
	Optional          bool
	QueueBehavior     QueueBehavior
	RequiredOS        *OSRequirement
	RequiredSystemType []string
	Timeout           time.Duration // zero means "use archive default"
	Executable        ExecutableRef
	Arguments         []string
	Inputs            []InputSpec
	Outputs           []OutputSpec

	// ShowWERUI carries the "-werdonntshowui" policy (SPEC_FULL.md §5):
	// when false, the child is launched with Windows Error Reporting UI
	// suppressed. On non-Windows this is a recorded no-op.
	ShowWERUI bool

	// OfflineCapable marks a command as keyed to the offline marker
	// (spec.md §4.5 "Offline mode"): it operates against the
	// evaluator-supplied OfflineLocation rather than live-system
	// volumes, so it is exempt from the blanket demotion every other
	// command receives when the plan is evaluated offline.
	OfflineCapable bool
}

// ArchiveSpec is one archive definition: an ordered set of commands
// sharing concurrency/timeout/limits policy.
type ArchiveSpec struct {
	Keyword              string
	ArchiveNameTemplate  string
	CompressionLevel     CompressionLevel
	ConcurrencyCap       int
	RepeatPolicy         RepeatPolicy
	ResourceLimits       ResourceLimits
	CommandTimeout       time.Duration
	ArchiveTimeout       time.Duration
	Optional             bool
	ChildDebug           bool
	Password             string // non-empty enables AES-CBC container encryption (spec.md §4.3)
	Commands             []CommandSpec
}

// CompressionLevel maps the plan's fast|normal|max names onto an
// implementation-defined backend enum (spec.md §6).
type CompressionLevel int

const (
	CompressionDefault CompressionLevel = iota
	CompressionFast
	CompressionNormal
	CompressionMax
)

// ParseCompressionLevel accepts the plan's normative names.
func ParseCompressionLevel(s string) CompressionLevel {
	switch s {
	case "fast":
		return CompressionFast
	case "normal":
		return CompressionNormal
	case "max":
		return CompressionMax
	default:
		return CompressionDefault
	}
}

// CollectionPlan is the immutable input consumed by the evaluator and
// scheduler. It is created once by the (external) configuration loader
// and never mutated afterward.
type CollectionPlan struct {
	Archives []ArchiveSpec
}
