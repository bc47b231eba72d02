// Package orcerr defines the error taxonomy shared by every collector
// component (scheduler, archive builder, upload agent, resolver, stream
// pipeline) so that callers can branch on a stable Kind rather than on
// error string matching.
package orcerr

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind classifies a failure the way spec.md §7 enumerates them.
type Kind int

const (
	// KindUnknown is the zero value; it should never be returned from a
	// component, only used as a fallback when matching an error that
	// didn't originate here.
	KindUnknown Kind = iota
	KindConfig
	KindResolver
	KindLaunch
	KindLimitViolation
	KindTimeout
	KindIO
	KindArchive
	KindUpload
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindResolver:
		return "ResolverError"
	case KindLaunch:
		return "LaunchError"
	case KindLimitViolation:
		return "LimitViolation"
	case KindTimeout:
		return "Timeout"
	case KindIO:
		return "IoError"
	case KindArchive:
		return "ArchiveError"
	case KindUpload:
		return "UploadError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ComplexError carries a Kind so calling code can branch without
// parsing Error() strings, plus a frame for readable stack formatting.
// Adapted from the teacher's pkg/commands/errors.go ComplexError.
type ComplexError struct {
	Kind    Kind
	Message string
	Cause   error
	frame   xerrors.Frame
}

// New builds a ComplexError of the given kind, capturing the caller's
// frame for later formatting.
func New(kind Kind, message string) *ComplexError {
	return &ComplexError{Kind: kind, Message: message, frame: xerrors.Caller(1)}
}

// Wrap attaches a Kind to an underlying error without losing it.
func Wrap(kind Kind, cause error, message string) *ComplexError {
	return &ComplexError{Kind: kind, Message: message, Cause: cause, frame: xerrors.Caller(1)}
}

func (ce *ComplexError) Error() string {
	return fmt.Sprint(ce)
}

func (ce *ComplexError) Unwrap() error {
	return ce.Cause
}

// FormatError implements xerrors.Formatter.
func (ce *ComplexError) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", ce.Kind, ce.Message)
	ce.frame.Format(p)
	return ce.Cause
}

// Format is required alongside FormatError for the fmt verbs to pick
// up the frame; mirrors the teacher's ComplexError.Format.
func (ce *ComplexError) Format(f fmt.State, c rune) {
	xerrors.FormatError(ce, f, c)
}

// Is lets errors.Is(err, orcerr.Sentinel(orcerr.KindTimeout)) style
// checks work against a sentinel built with the same Kind.
func (ce *ComplexError) Is(target error) bool {
	other, ok := target.(*ComplexError)
	if !ok {
		return false
	}
	return ce.Kind == other.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a ComplexError,
// defaulting to KindUnknown otherwise. Mirrors the teacher's
// HasErrorCode helper but returns the kind rather than a bool.
func KindOf(err error) Kind {
	var ce *ComplexError
	if xerrors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinel returns a comparable ComplexError usable with errors.Is for
// a given Kind, e.g. orcerr.Is(err, orcerr.KindTimeout).
func Sentinel(kind Kind) *ComplexError {
	return &ComplexError{Kind: kind}
}

// WrapStack wraps err for the sake of showing a stack trace at the top
// level, exactly like the teacher's WrapError: go-errors/errors does
// not return nil for a nil input, so we guard it here.
func WrapStack(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 0)
}

// StackTrace renders a full stack trace for a top-level error report,
// used by main.go the same way the teacher's main.go logs
// newErr.ErrorStack() before exiting.
func StackTrace(err error) string {
	wrapped, ok := err.(*goerrors.Error)
	if !ok {
		wrapped = goerrors.Wrap(err, 1)
	}
	return wrapped.ErrorStack()
}
