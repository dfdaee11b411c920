// Package rebuilderr defines the error taxonomy shared across the build
// engine. Every component that can fail tags its error with a Kind so
// callers (chiefly cmd/root.go) can map failures to exit codes without
// string-matching error messages.
package rebuilderr

import "fmt"

// Kind classifies why an operation failed.
type Kind int

const (
	// Io covers filesystem and subprocess-spawn failures.
	Io Kind = iota
	// Memory covers allocation failures. Treated as fatal wherever it occurs.
	Memory
	// Parse covers recipe-source load/compile failure and malformed traces.
	Parse
	// Exec covers a recipe body reporting failure or a subprocess exiting non-zero.
	Exec
	// Hash covers hashing I/O failure.
	Hash
	// Trace covers trace-codec specific failures: bad magic, bad version, corruption.
	Trace
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Memory:
		return "memory"
	case Parse:
		return "parse"
	case Exec:
		return "exec"
	case Hash:
		return "hash"
	case Trace:
		return "trace"
	default:
		return "unknown"
	}
}

// Error wraps a Kind, the target (if any) the failure concerns, a message,
// and an optional underlying cause.
type Error struct {
	Kind   Kind
	Target string // target name, empty if not target-specific
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Target != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Target, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Target, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with no target and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WrapTarget creates an Error scoped to a specific target.
func WrapTarget(kind Kind, target, msg string, cause error) *Error {
	return &Error{Kind: kind, Target: target, Msg: msg, Cause: cause}
}
