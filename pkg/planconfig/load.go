package planconfig

import (
	"math"
	"os"
	"sort"
	"time"

	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
	"github.com/sirupsen/logrus"

	"github.com/dfir-orc/collector/pkg/orcerr"
)

// rawPlan/rawArchive/rawCommand mirror the YAML node set from
// spec.md §6 (archive/restrictions/command/execute/input/output). They
// exist only as an unmarshalling target; callers get back the typed
// CollectionPlan built from them.
type rawPlan struct {
	Archives []rawArchive `yaml:"archive"`
}

type rawRestrictions struct {
	JobMemory         string `yaml:"job_memory,omitempty"`
	ProcessMemory     string `yaml:"process_memory,omitempty"`
	ElapsedTime       int    `yaml:"elapsed_time,omitempty"`
	JobUserTime       int    `yaml:"job_user_time,omitempty"`
	PerProcessUserTime int   `yaml:"per_process_user_time,omitempty"`
	CPURate           int    `yaml:"cpu_rate,omitempty"`
	CPUWeight         int    `yaml:"cpu_weight,omitempty"`
}

type rawExecute struct {
	Name  string `yaml:"name"`
	Run   string `yaml:"run"`
	Run32 string `yaml:"run32,omitempty"`
	Run64 string `yaml:"run64,omitempty"`
}

type rawInput struct {
	Name     string `yaml:"name"`
	Source   string `yaml:"source"`
	Argument string `yaml:"argument,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
	Order    int    `yaml:"order,omitempty"`
}

type rawOutput struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"`
	Argument  string `yaml:"argument,omitempty"`
	FileMatch string `yaml:"filematch,omitempty"`
	Order     int    `yaml:"order,omitempty"`
}

type rawCommand struct {
	Keyword     string      `yaml:"keyword"`
	WinVer      string      `yaml:"winver,omitempty"`
	SystemType  []string    `yaml:"systemtype,omitempty"`
	Queue       string      `yaml:"queue,omitempty"`
	Optional    bool        `yaml:"optional,omitempty"`
	Timeout     int         `yaml:"timeout,omitempty"` // minutes
	Execute     rawExecute  `yaml:"execute"`
	Arguments   []string    `yaml:"argument,omitempty"`
	Inputs      []rawInput  `yaml:"input,omitempty"`
	Outputs     []rawOutput `yaml:"output,omitempty"`
	ShowWERUI   bool        `yaml:"werui,omitempty"`
	Offline     bool        `yaml:"offline,omitempty"`
}

type rawArchive struct {
	NameTemplate string          `yaml:"name_template"`
	Keyword      string          `yaml:"keyword"`
	Compression  string          `yaml:"compression,omitempty"`
	Concurrency  int             `yaml:"concurrency,omitempty"`
	Optional     bool            `yaml:"optional,omitempty"`
	ChildDebug   bool            `yaml:"child_debug,omitempty"`
	Repeat       string          `yaml:"repeat,omitempty"`
	Restrictions rawRestrictions `yaml:"restrictions,omitempty"`
	CommandTimeout int           `yaml:"command_timeout,omitempty"` // minutes
	ArchiveTimeout int           `yaml:"archive_timeout,omitempty"` // minutes
	Password     string          `yaml:"password,omitempty"`
	Commands     []rawCommand    `yaml:"command"`
}

// saturatingMinutes converts a declared minute count into a
// time.Duration, saturating to the maximum representable duration
// instead of overflowing through a signed 32-bit conversion (spec.md
// §9 Open Question). warn is called when saturation actually occurred.
func saturatingMinutes(minutes int, warn func(format string, args ...interface{})) time.Duration {
	if minutes <= 0 {
		return 0
	}
	const maxMinutes = int64(math.MaxInt64) / int64(time.Minute)
	if int64(minutes) > maxMinutes {
		if warn != nil {
			warn("timeout value %d minutes exceeds representable duration, saturating", minutes)
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(minutes) * time.Minute
}

// Load reads a YAML-encoded plan file and returns the validated,
// default-merged CollectionPlan. Grounded on the teacher's
// loadUserConfig: read file, unmarshal onto a typed struct, then layer
// defaults via mergo.
func Load(path string, log *logrus.Entry) (*CollectionPlan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindConfig, err, "reading plan file "+path)
	}

	var raw rawPlan
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, orcerr.Wrap(orcerr.KindConfig, err, "parsing plan file "+path)
	}

	return fromRaw(&raw, log)
}

func fromRaw(raw *rawPlan, log *logrus.Entry) (*CollectionPlan, error) {
	warn := func(format string, args ...interface{}) {
		if log != nil {
			log.Warnf(format, args...)
		}
	}

	plan := &CollectionPlan{}
	seenArchiveKeywords := map[string]bool{}

	for _, ra := range raw.Archives {
		if seenArchiveKeywords[ra.Keyword] {
			return nil, orcerr.New(orcerr.KindConfig, "duplicate archive keyword "+ra.Keyword)
		}
		seenArchiveKeywords[ra.Keyword] = true

		limits, err := restrictionsToLimits(ra.Restrictions)
		if err != nil {
			return nil, err
		}

		archive := ArchiveSpec{
			Keyword:             ra.Keyword,
			ArchiveNameTemplate: ra.NameTemplate,
			CompressionLevel:    ParseCompressionLevel(ra.Compression),
			ConcurrencyCap:      ra.Concurrency,
			RepeatPolicy:        parseRepeatPolicy(ra.Repeat),
			ResourceLimits:      limits,
			CommandTimeout:      saturatingMinutes(ra.CommandTimeout, warn),
			ArchiveTimeout:      saturatingMinutes(ra.ArchiveTimeout, warn),
			Optional:            ra.Optional,
			ChildDebug:          ra.ChildDebug,
			Password:            ra.Password,
		}
		if archive.ConcurrencyCap <= 0 {
			archive.ConcurrencyCap = 5
		}

		seenCmdKeywords := map[string]bool{}
		for _, rc := range ra.Commands {
			if seenCmdKeywords[rc.Keyword] {
				return nil, orcerr.New(orcerr.KindConfig, "duplicate command keyword "+rc.Keyword+" in archive "+ra.Keyword)
			}
			seenCmdKeywords[rc.Keyword] = true

			cmd, err := rawCommandToSpec(rc, warn)
			if err != nil {
				return nil, err
			}
			archive.Commands = append(archive.Commands, cmd)
		}

		plan.Archives = append(plan.Archives, archive)
	}

	return plan, nil
}

func restrictionsToLimits(r rawRestrictions) (ResourceLimits, error) {
	if r.CPURate != 0 && r.CPUWeight != 0 {
		return ResourceLimits{}, orcerr.New(orcerr.KindConfig,
			"cpu_rate and cpu_weight are mutually exclusive but both were set")
	}

	limits := ResourceLimits{
		PerJobCPUTime:      time.Duration(r.JobUserTime) * time.Minute,
		PerProcessCPUTime:  time.Duration(r.PerProcessUserTime) * time.Minute,
		ElapsedWallTime:    time.Duration(r.ElapsedTime) * time.Minute,
	}
	if mem, ok := parseByteSize(r.JobMemory); ok {
		limits.JobMemoryBytes = mem
	}
	if mem, ok := parseByteSize(r.ProcessMemory); ok {
		limits.ProcessMemoryBytes = mem
	}
	switch {
	case r.CPURate > 0:
		limits.CPU = CPUPolicy{Kind: CPUPolicyHardCapPercent, Percent: r.CPURate}
	case r.CPUWeight > 0:
		limits.CPU = CPUPolicy{Kind: CPUPolicyWeight, Weight: r.CPUWeight}
	}
	return limits, nil
}

// parseByteSize accepts plain byte counts; the plan format out of
// scope for this repo (spec.md §6: "serialisation is out of scope") so
// we keep this intentionally simple.
func parseByteSize(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var n int64
	_, err := fscanInt64(s, &n)
	if err != nil {
		return 0, false
	}
	return n, true
}

func fscanInt64(s string, out *int64) (int, error) {
	var n int64
	neg := false
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	start := i
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	if i == start {
		return 0, orcerr.New(orcerr.KindConfig, "invalid byte size "+s)
	}
	if neg {
		n = -n
	}
	*out = n
	return i, nil
}

func parseRepeatPolicy(s string) RepeatPolicy {
	switch s {
	case "overwrite":
		return RepeatOverwrite
	case "once":
		return RepeatOnce
	default:
		return RepeatCreateNew
	}
}

func parseQueueBehavior(s string) QueueBehavior {
	if s == "flushqueue" || s == "flush" {
		return FlushQueue
	}
	return Enqueue
}

func rawCommandToSpec(rc rawCommand, warn func(string, ...interface{})) (CommandSpec, error) {
	cmd := CommandSpec{
		Keyword:            rc.Keyword,
		Optional:           rc.Optional,
		QueueBehavior:      parseQueueBehavior(rc.Queue),
		RequiredSystemType: rc.SystemType,
		Timeout:            saturatingMinutes(rc.Timeout, warn),
		Executable:         parseExecutableRef(rc.Execute),
		Arguments:          rc.Arguments,
		ShowWERUI:          rc.ShowWERUI,
		OfflineCapable:     rc.Offline,
	}

	if osReq, err := parseOSRequirement(rc.WinVer); err != nil {
		return CommandSpec{}, err
	} else {
		cmd.RequiredOS = osReq
	}

	for _, ri := range rc.Inputs {
		cmd.Inputs = append(cmd.Inputs, InputSpec{
			OrderIndex:          ri.Order,
			Name:                ri.Name,
			Source:              parseSourceRef(ri.Source),
			PatternSubstitution: ri.Argument,
			Optional:            ri.Optional,
		})
	}
	for _, ro := range rc.Outputs {
		cmd.Outputs = append(cmd.Outputs, OutputSpec{
			OrderIndex:          ro.Order,
			Name:                ro.Name,
			Kind:                parseOutputKind(ro.Source),
			PatternSubstitution: ro.Argument,
			MatchGlob:           ro.FileMatch,
		})
	}

	// Inputs/outputs are ordered by their declared order index; a stable
	// sort keeps declaration order for entries sharing (or omitting) one.
	sort.SliceStable(cmd.Inputs, func(i, j int) bool {
		return cmd.Inputs[i].OrderIndex < cmd.Inputs[j].OrderIndex
	})
	sort.SliceStable(cmd.Outputs, func(i, j int) bool {
		return cmd.Outputs[i].OrderIndex < cmd.Outputs[j].OrderIndex
	})

	return cmd, nil
}

func parseOutputKind(s string) OutputKind {
	switch s {
	case "stdout":
		return OutStdOut
	case "stderr":
		return OutStdErr
	case "stdouterr":
		return OutStdOutErr
	case "directory":
		return OutDirectory
	default:
		return OutFile
	}
}

// EffectiveTimeout implements spec.md §4.5 step 7's
// min(spec.timeout, archive.command_timeout) rule, treating an unset
// (zero) command timeout as "defer to the archive".
func EffectiveTimeout(archive ArchiveSpec, cmd CommandSpec) time.Duration {
	if cmd.Timeout == 0 {
		return archive.CommandTimeout
	}
	if archive.CommandTimeout == 0 {
		return cmd.Timeout
	}
	if cmd.Timeout < archive.CommandTimeout {
		return cmd.Timeout
	}
	return archive.CommandTimeout
}

// ApplyOverrides layers CLI-supplied policy overrides onto a copy of
// archive, the way the teacher's docker.go layers an override struct
// over a default one via mergo.Merge(&defaultObj, obj): only the
// fields actually set on overrides replace the archive's own. The CLI
// driver in pkg/app does not call it; it applies its per-run overrides
// itself.
func ApplyOverrides(archive ArchiveSpec, overrides ArchiveSpec) (ArchiveSpec, error) {
	result := archive
	if err := mergo.Merge(&result, overrides, mergo.WithOverride); err != nil {
		return ArchiveSpec{}, orcerr.Wrap(orcerr.KindConfig, err, "applying CLI overrides to archive "+archive.Keyword)
	}
	return result, nil
}
