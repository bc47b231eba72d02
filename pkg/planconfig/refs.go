package planconfig

import "strings"

// parseSourceRef decodes the compact textual encoding used by the plan
// format for an Executable Reference or filesystem source (spec.md §3,
// "serialisation is out of scope" — this is an implementation detail of
// our YAML loader, not a normative wire format):
//
//	self:<argument>
//	embedded:<module>:<name>[:<cabbedName>]:<binary|cab>
//	<anything else>                           -> filesystem path
func parseSourceRef(s string) ExecutableRef {
	switch {
	case strings.HasPrefix(s, "self:"):
		return ExecutableRef{Kind: RefEmbeddedSelf, SelfArgument: strings.TrimPrefix(s, "self:")}
	case strings.HasPrefix(s, "embedded:"):
		parts := strings.Split(strings.TrimPrefix(s, "embedded:"), ":")
		ref := ExecutableRef{Kind: RefEmbeddedResource}
		if len(parts) > 0 {
			ref.Module = parts[0]
		}
		if len(parts) > 1 {
			ref.Name = parts[1]
		}
		if len(parts) == 4 {
			ref.CabbedName = parts[2]
			ref.Format = parseResourceFormat(parts[3])
		} else if len(parts) == 3 {
			ref.Format = parseResourceFormat(parts[2])
		}
		return ref
	default:
		return ExecutableRef{Kind: RefFilesystemPath, PathWithEnv: s}
	}
}

func parseResourceFormat(s string) ResourceFormat {
	if s == "cab" || s == "archive" {
		return FormatArchiveContainer
	}
	return FormatBinary
}

// parseExecutableRef builds the architecture-variant-aware reference
// for a command's execute node, picking Run/Run32/Run64 per spec.md
// §4.6 (the evaluator performs the actual selection at evaluation
// time; here we just parse all three variants).
func parseExecutableRef(e rawExecute) ExecutableRef {
	base := parseSourceRef(firstNonEmpty(e.Run, e.Name))
	if e.Run32 != "" {
		r32 := parseSourceRef(e.Run32)
		base.Run32 = &r32
	}
	if e.Run64 != "" {
		r64 := parseSourceRef(e.Run64)
		base.Run64 = &r64
	}
	return base
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseOSRequirement decodes a winver string of the form
// "major.minor[,eq|ge|le]", e.g. "6.1,ge". An empty string means no
// requirement.
func parseOSRequirement(s string) (*OSRequirement, error) {
	if s == "" {
		return nil, nil
	}
	comparator := CmpEQ
	verPart := s
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		verPart = s[:idx]
		switch s[idx+1:] {
		case "ge":
			comparator = CmpGE
		case "le":
			comparator = CmpLE
		case "eq":
			comparator = CmpEQ
		}
	}
	majorStr, minorStr, _ := strings.Cut(verPart, ".")
	major := atoiOrZero(majorStr)
	minor := atoiOrZero(minorStr)
	return &OSRequirement{Major: major, Minor: minor, Comparator: comparator}, nil
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
