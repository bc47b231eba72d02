// Package outcome renders a run's results (spec.md §7 "User-visible
// behaviour"): a textual summary listing, per archive, per command,
// keyword/final state/error kind/duration, plus an optional structured
// (JSON) form carrying the same information for machine consumption.
//
// Grounded on original_source TaskTracker.cpp, which accumulates a
// run's findings into a flat in-memory structure and only renders them
// once at the very end, and on the teacher's pkg/utils.RenderTable/
// FormatMap for the textual layout shape (a column-aligned table plus
// a key:value block), adapted here from RenderTable's manual padding to
// stdlib text/tabwriter since the teacher's coloring-aware padding
// logic doesn't apply to a plain-text forensic report.
package outcome

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dfir-orc/collector/pkg/evaluator"
	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/scheduler"
)

// CommandResult is one command's outcome record, the unit both the
// textual and structured renderings are built from.
type CommandResult struct {
	ArchiveKeyword string        `json:"archive"`
	Keyword        string        `json:"command"`
	Decision       string        `json:"decision"`
	ErrorKind      string        `json:"errorKind,omitempty"`
	ErrorMessage   string        `json:"error,omitempty"`
	Optional       bool          `json:"optional"`
	Duration       time.Duration `json:"-"`
	DurationMillis int64         `json:"durationMillis"`

	// Digests maps each archive entry this command produced to its
	// hash-algorithm/hex-digest pairs, as published by the archive
	// agent when the entry was written (spec.md §4.3/§8).
	Digests map[string]map[string]string `json:"digests,omitempty"`
}

// ArchiveResult groups a destination archive's command results with
// the archive's own lifecycle outcome (e.g. a failed Complete).
type ArchiveResult struct {
	Keyword      string          `json:"archive"`
	ArchiveName  string          `json:"archiveName"`
	Commands     []CommandResult `json:"commands"`
	ArchiveError string          `json:"archiveError,omitempty"`
}

// Report is the full run's outcome, the top-level shape serialized to
// the structured outcome file spec.md §6 calls `-outcome`.
type Report struct {
	RunID    string          `json:"runId"`
	Archives []ArchiveResult `json:"archives"`

	// Altitude is an opaque pass-through value recorded verbatim from
	// spec.md §6's "-altitude" flag; it is never interpreted here.
	Altitude string `json:"altitude,omitempty"`
}

// NewArchiveResult builds an ArchiveResult from the evaluator's
// resolved archive and the scheduler's per-command outcomes, which
// must be the same length and order as ra.Commands.
func NewArchiveResult(ra evaluator.ResolvedArchive, archiveName string, outcomes []scheduler.CommandOutcome, archiveErr error) ArchiveResult {
	ar := ArchiveResult{Keyword: ra.Spec.Keyword, ArchiveName: archiveName}
	if archiveErr != nil {
		ar.ArchiveError = archiveErr.Error()
	}
	for i, o := range outcomes {
		cr := CommandResult{
			ArchiveKeyword: ra.Spec.Keyword,
			Keyword:        o.Keyword,
			Decision:       o.Decision.String(),
			Duration:       o.Duration,
			DurationMillis: o.Duration.Milliseconds(),
		}
		if i < len(ra.Commands) {
			cr.Optional = ra.Commands[i].Spec.Optional
		}
		if len(o.Digests) > 0 {
			cr.Digests = o.Digests
		}
		if o.Err != nil {
			cr.ErrorKind = orcerr.KindOf(o.Err).String()
			cr.ErrorMessage = o.Err.Error()
		}
		ar.Commands = append(ar.Commands, cr)
	}
	return ar
}

// Text renders r as the column-aligned table spec.md §7 describes:
// one row per command, grouped visually by archive.
func (r Report) Text() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "RUN\t%s\n", r.RunID)
	if r.Altitude != "" {
		fmt.Fprintf(w, "ALTITUDE\t%s\n", r.Altitude)
	}
	fmt.Fprintln(w)
	for _, ar := range r.Archives {
		fmt.Fprintf(w, "ARCHIVE\t%s\t%s\n", ar.Keyword, ar.ArchiveName)
		if ar.ArchiveError != "" {
			fmt.Fprintf(w, "  archive error\t%s\n", ar.ArchiveError)
		}
		fmt.Fprintf(w, "  KEYWORD\tSTATE\tERROR KIND\tDURATION\n")
		for _, cr := range ar.Commands {
			state := cr.Decision
			errKind := cr.ErrorKind
			if errKind == "" {
				errKind = "-"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", cr.Keyword, state, errKind, cr.Duration.Round(time.Millisecond))
			for name, algs := range cr.Digests {
				for alg, hex := range algs {
					fmt.Fprintf(w, "    %s\t%s:%s\n", name, alg, hex)
				}
			}
		}
		fmt.Fprintln(w)
	}
	w.Flush()
	return buf.String()
}

// JSON renders r as indented JSON for the `-outcome` structured file.
func (r Report) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "marshalling outcome report")
	}
	return b, nil
}

// ExitCode applies spec.md §7's propagation policy at the process
// boundary: a run exits non-zero only if some failed command was not
// marked optional, or an archive itself failed.
func (r Report) ExitCode() int {
	for _, ar := range r.Archives {
		if ar.ArchiveError != "" {
			return 1
		}
		for _, cr := range ar.Commands {
			if cr.ErrorKind != "" && !cr.Optional {
				return 1
			}
		}
	}
	return 0
}
