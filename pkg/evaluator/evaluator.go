// Package evaluator turns a static CollectionPlan into the ordered,
// host-specific set of commands a single run will actually execute
// (spec.md §4.6). It performs pattern substitution, architecture
// selection, OS/system-type gating, and keyword-filter admission; it
// never launches a process itself — that is pkg/scheduler's job.
package evaluator

import (
	"strings"
	"time"

	lookup "github.com/mcuadros/go-lookup"
	"github.com/samber/lo"

	"github.com/dfir-orc/collector/pkg/planconfig"
)

// Arch is the host's process architecture, used to pick between a
// command's Run32/Run64 executable variants.
type Arch int

const (
	Arch32 Arch = iota
	Arch64
)

// HostFacts describes the machine the plan is being evaluated against.
// Grounded on the teacher's AppConfig.Os/Platform split (app_config.go):
// a small, flat struct of facts gathered once at startup and threaded
// through read-only from then on.
type HostFacts struct {
	Arch            Arch
	OSMajor         int
	OSMinor         int
	SystemTypes     []string // e.g. "workstation", "server", "domaincontroller"
	Offline         bool
	OfflineLocation string

	// PowerState is the host's detected power source (DetectPowerState),
	// and AllowedPowerStates is the CLI's "-power" allow-list
	// (SPEC_FULL.md §5); a command only runs if PowerState is in
	// AllowedPowerStates, or AllowedPowerStates is empty.
	PowerState         string
	AllowedPowerStates []string
}

// Identity supplies the values substituted for the pattern tokens
// spec.md §6 defines ({ComputerName}, {FullComputerName}, {SystemType},
// {TimeStamp}, {RunId}, {Name}, {FileName}, {DirectoryName}).
type Identity struct {
	ComputerName     string
	FullComputerName string
	SystemType       string
	RunID            string
	Now              time.Time
}

// KeywordFilters is the CLI-supplied admission override (spec.md §4.5
// "Keyword filters"): -key, -+/--enable-key, -x/--disable-key. All
// comparisons are case-insensitive.
type KeywordFilters struct {
	OnlyThis []string
	Enable   []string
	Disable  []string
}

// Decision records why a command or archive was admitted or skipped,
// for pkg/outcome reporting.
type Decision int

const (
	Admitted Decision = iota
	SkippedByKeywordFilter
	SkippedByOSRequirement
	SkippedBySystemType
	SkippedByPowerState
	DemotedOffline
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case SkippedByKeywordFilter:
		return "skipped (keyword filter)"
	case SkippedByOSRequirement:
		return "skipped (os requirement)"
	case SkippedBySystemType:
		return "skipped (system type)"
	case SkippedByPowerState:
		return "skipped (power state)"
	case DemotedOffline:
		return "demoted (offline mode)"
	default:
		return "unknown"
	}
}

// ResolvedCommand is a CommandSpec with all pattern substitution and
// architecture selection already applied, plus the admission decision.
type ResolvedCommand struct {
	Spec     planconfig.CommandSpec
	Decision Decision
}

// ResolvedArchive is one archive's effective, ordered command list.
type ResolvedArchive struct {
	Spec         planconfig.ArchiveSpec
	ArchiveName  string
	Commands     []ResolvedCommand
}

// Evaluate resolves every archive in plan against facts/filters/identity.
// It never fails on a single command's exclusion — exclusion is
// recorded as a Decision, not an error — nor on an unresolved pattern
// token, which is left verbatim in the output; warn (may be nil) is
// called once per unresolved token so the caller can surface it the way
// logx.WarnOnce does.
func Evaluate(plan *planconfig.CollectionPlan, facts HostFacts, filters KeywordFilters, id Identity, warn func(format string, args ...interface{})) []ResolvedArchive {
	vars := identityVars(id)

	resolved := make([]ResolvedArchive, 0, len(plan.Archives))
	for _, archive := range plan.Archives {
		name := substitute(archive.ArchiveNameTemplate, withVar(vars, "Name", archive.Keyword), warn)

		archiveAdmitted := archiveKeywordDecision(archive.Keyword, filters)

		ra := ResolvedArchive{Spec: archive, ArchiveName: name}
		for _, cmd := range archive.Commands {
			ra.Commands = append(ra.Commands, resolveCommand(cmd, archive.Keyword, facts, filters, archiveAdmitted, vars, warn))
		}
		resolved = append(resolved, ra)
	}
	return resolved
}

func resolveCommand(cmd planconfig.CommandSpec, archiveKeyword string, facts HostFacts, filters KeywordFilters, inherited Decision, vars map[string]string, warn func(string, ...interface{})) ResolvedCommand {
	cmd.Executable = selectArchVariant(cmd.Executable, facts.Arch)

	// {Name} resolves to the command's own keyword; spec.md §6 lists it
	// alongside {FileName}/{DirectoryName} as item-scoped tokens, as
	// opposed to the machine-scoped {ComputerName}/{RunId}/etc.
	cmdVars := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		cmdVars[k] = v
	}
	cmdVars["Name"] = cmd.Keyword

	resolvedArgs := make([]string, len(cmd.Arguments))
	for i, a := range cmd.Arguments {
		resolvedArgs[i] = substitute(a, cmdVars, warn)
	}
	cmd.Arguments = resolvedArgs

	for i := range cmd.Outputs {
		// {FileName}/{DirectoryName} resolve to the output's own
		// declared name before substitution, so a template like
		// "{FileName}.bin" can still reference the name it is
		// decorating.
		outVars := cmdVars
		if cmd.Outputs[i].Kind == planconfig.OutDirectory {
			outVars = withVar(cmdVars, "DirectoryName", cmd.Outputs[i].Name)
		} else {
			outVars = withVar(cmdVars, "FileName", cmd.Outputs[i].Name)
		}
		cmd.Outputs[i].Name = substitute(cmd.Outputs[i].Name, outVars, warn)
	}
	for i := range cmd.Inputs {
		cmd.Inputs[i].Name = substitute(cmd.Inputs[i].Name, withVar(cmdVars, "FileName", cmd.Inputs[i].Name), warn)
	}

	decision := inherited
	if decision == Admitted {
		decision = keywordDecision(cmd.Keyword, archiveKeyword, filters)
	}

	if decision == Admitted && cmd.RequiredOS != nil && !cmd.RequiredOS.Matches(facts.OSMajor, facts.OSMinor) {
		decision = SkippedByOSRequirement
	}
	if decision == Admitted && len(cmd.RequiredSystemType) > 0 && !systemTypeMatches(cmd.RequiredSystemType, facts.SystemTypes) {
		decision = SkippedBySystemType
	}
	if decision == Admitted && !PowerStateAllowed(facts.PowerState, facts.AllowedPowerStates) {
		decision = SkippedByPowerState
	}
	if decision == Admitted && facts.Offline && !cmd.OfflineCapable {
		decision = DemotedOffline
		cmd.Optional = true
	}

	return ResolvedCommand{Spec: cmd, Decision: decision}
}

// archiveKeywordDecision gates an archive itself on Disable/Enable only.
// OnlyThis is deliberately not checked here: an allow-list naming one of
// the archive's commands (or a scoped "archive.command" entry) must
// still let the archive open so that command-level keywordDecision gets
// a chance to admit that one command. Only an explicit Disable/Enable
// of the archive's own keyword short-circuits every command beneath it.
func archiveKeywordDecision(archiveKeyword string, filters KeywordFilters) Decision {
	if matchesAnyKeyword(filters.Disable, archiveKeyword, archiveKeyword) {
		return SkippedByKeywordFilter
	}
	if matchesAnyKeyword(filters.Enable, archiveKeyword, archiveKeyword) {
		return Admitted
	}
	return Admitted
}

// keywordDecision applies the only-this/enable/disable precedence,
// grounded on WolfExecution_Config.cpp's filter-precedence ordering:
// Disable always wins, Enable is an escape hatch that overrides a
// non-matching OnlyThis allow-list, and an empty OnlyThis list admits
// everything not otherwise disabled. itemKeyword is a command's own
// keyword; archiveKeyword is its enclosing archive's, which lets a bare
// filter select a whole archive (matching every command beneath it) and
// lets a filter written as "archive.command" target one command without
// also matching every other command sharing that bare keyword in a
// different archive.
func keywordDecision(itemKeyword, archiveKeyword string, filters KeywordFilters) Decision {
	if matchesAnyKeyword(filters.Disable, archiveKeyword, itemKeyword) {
		return SkippedByKeywordFilter
	}
	if matchesAnyKeyword(filters.Enable, archiveKeyword, itemKeyword) {
		return Admitted
	}
	if len(filters.OnlyThis) > 0 && !matchesAnyKeyword(filters.OnlyThis, archiveKeyword, itemKeyword) {
		return SkippedByKeywordFilter
	}
	return Admitted
}

func matchesAnyKeyword(filterList []string, archiveKeyword, itemKeyword string) bool {
	return lo.SomeBy(filterList, func(f string) bool {
		return matchesScopedKeyword(f, archiveKeyword, itemKeyword)
	})
}

// keywordScope is the struct a dotted "archive.command" filter token is
// resolved against via go-lookup's reflection-based path syntax.
type keywordScope struct {
	Archive string
	Command string
}

// matchesScopedKeyword reports whether filter matches itemKeyword
// (a bare keyword, matched case-insensitively against either the
// archive or the item) or, when filter carries a "." (SPEC_FULL.md §3's
// archive.command scoping extension to spec.md §4.5's flat keyword
// filters), whether both halves match archiveKeyword and itemKeyword
// respectively.
func matchesScopedKeyword(filter, archiveKeyword, itemKeyword string) bool {
	archivePart, commandPart, scoped := strings.Cut(filter, ".")
	if !scoped {
		return strings.EqualFold(filter, archiveKeyword) || strings.EqualFold(filter, itemKeyword)
	}

	scope := keywordScope{Archive: archiveKeyword, Command: itemKeyword}
	archiveVal, err := lookup.LookupString(scope, "Archive")
	if err != nil || !strings.EqualFold(archiveVal.String(), archivePart) {
		return false
	}
	commandVal, err := lookup.LookupString(scope, "Command")
	if err != nil {
		return false
	}
	return strings.EqualFold(commandVal.String(), commandPart)
}

// systemTypeMatches is a case-insensitive set-any-match: the command
// admits if at least one of its required types is present on the host.
func systemTypeMatches(required, host []string) bool {
	return lo.SomeBy(required, func(r string) bool {
		return lo.SomeBy(host, func(h string) bool {
			return strings.EqualFold(r, h)
		})
	})
}

// selectArchVariant picks Run32/Run64 over the generic ref when the
// host architecture has a dedicated variant declared.
func selectArchVariant(ref planconfig.ExecutableRef, arch Arch) planconfig.ExecutableRef {
	switch arch {
	case Arch32:
		if ref.Run32 != nil {
			return *ref.Run32
		}
	case Arch64:
		if ref.Run64 != nil {
			return *ref.Run64
		}
	}
	return ref
}

// withVar returns a shallow copy of base with key set to val, leaving
// base untouched for the next output/input in the same command.
func withVar(base map[string]string, key, val string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = val
	return out
}

func identityVars(id Identity) map[string]string {
	now := id.Now
	if now.IsZero() {
		now = time.Now()
	}
	return map[string]string{
		"ComputerName":     id.ComputerName,
		"FullComputerName": id.FullComputerName,
		"SystemType":       id.SystemType,
		"TimeStamp":        now.UTC().Format("20060102150405"),
		"RunId":            id.RunID,
	}
}

// substitute resolves {Token} placeholders against vars. Grounded on the
// teacher's utils.ResolvePlaceholderString, generalised from a single
// {{arg}} token to the plan's full token set; an unresolved token is
// left verbatim in the output and reported through warn rather than
// failing the run.
func substitute(template string, vars map[string]string, warn func(string, ...interface{})) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.IndexByte(template[i:], '}')
			if end >= 0 {
				token := template[i+1 : i+end]
				if val, ok := vars[token]; ok {
					b.WriteString(val)
					i += end + 1
					continue
				}
				if warn != nil {
					warn("unresolved pattern token %q in %q", token, template)
				}
			}
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String()
}
