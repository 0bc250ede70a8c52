// Package dfmerr implements the error taxonomy shared by the loader,
// builder, evaluator and runner: a small set of Kinds, a source location,
// and Markers that flow up through listener streams and node results.
package dfmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that want to branch on it (e.g. the
// builder continuing past a local failure vs. aborting).
type Kind int

const (
	KindUnknown Kind = iota
	KindSyntax
	KindSchema
	KindNameNotFound
	KindCycle
	KindDuplicateDefinition
	KindVisibilityViolation
	KindShellFailed
	KindTimeout
	KindIOError
	KindTaskFailed
)

func (k Kind) String() string {
	switch k {
	case KindSyntax:
		return "SyntaxError"
	case KindSchema:
		return "SchemaError"
	case KindNameNotFound:
		return "NameNotFound"
	case KindCycle:
		return "Cycle"
	case KindDuplicateDefinition:
		return "DuplicateDefinition"
	case KindVisibilityViolation:
		return "VisibilityViolation"
	case KindShellFailed:
		return "ShellFailed"
	case KindTimeout:
		return "Timeout"
	case KindIOError:
		return "IOError"
	case KindTaskFailed:
		return "TaskFailed"
	default:
		return "Unknown"
	}
}

// Loc is a source location: file path plus 1-based line/column. Col is 0
// when unknown.
type Loc struct {
	Path string
	Line int
	Col  int
}

func (l Loc) String() string {
	if l.Path == "" {
		return ""
	}
	if l.Line <= 0 {
		return l.Path
	}
	if l.Col > 0 {
		return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Col)
	}
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Error is the concrete error type carrying a Kind, message, optional
// location and optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Loc     Loc
	Cause   error
}

func (e *Error) Error() string {
	loc := e.Loc.String()
	if loc != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, loc)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no location.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// At builds an *Error attributed to a source location.
func At(kind Kind, loc Loc, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Loc: loc}
}

// Wrap builds an *Error that wraps cause, preserving errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Severity of a Marker.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	default:
		return "error"
	}
}

// Marker is a diagnostic attached to a node result or surfaced through a
// listener stream.
type Marker struct {
	Severity Severity
	Kind     Kind
	Message  string
	Loc      Loc
}

// MarkerFrom converts any error into a Marker, defaulting to SeverityError
// and KindUnknown when err does not carry an *Error.
func MarkerFrom(err error) Marker {
	if e, ok := As(err); ok {
		return Marker{Severity: SeverityError, Kind: e.Kind, Message: e.Message, Loc: e.Loc}
	}
	return Marker{Severity: SeverityError, Kind: KindUnknown, Message: err.Error()}
}
