package reflex

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownScript is returned when an operation references a script
	// identifier that has never been installed or has been removed.
	ErrUnknownScript = errors.New("unknown script")

	// ErrEmptyScriptID is returned when an operation is given an empty
	// script identifier. Identifiers are validated before any shared
	// state is touched.
	ErrEmptyScriptID = errors.New("empty script identifier")

	// ErrDuplicateAttachment is returned when a script is attached to an
	// entity that already carries an attachment for the same identifier.
	ErrDuplicateAttachment = errors.New("script already attached")

	// ErrNoCompileService is returned when a cache without a compile
	// service is asked to instantiate a script.
	ErrNoCompileService = errors.New("no compile service configured")

	// ErrEntityClosed is returned when an attachment operation targets an
	// entity that has been despawned.
	ErrEntityClosed = errors.New("entity closed")
)

// Severity classifies a compiler diagnostic.
type Severity int

const (
	// SeverityWarning diagnostics do not fail a compilation.
	SeverityWarning Severity = iota

	// SeverityError diagnostics fail the compilation that produced them.
	SeverityError
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Diagnostic is a single message produced by a CompileService.
type Diagnostic struct {
	Severity Severity
	Message  string

	// Line is the 1-based source line the diagnostic refers to,
	// or 0 when no location is available.
	Line int
}

// String formats the diagnostic for logs and error messages.
func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s: line %d: %s", d.Severity, d.Line, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// CompileError reports a failed compilation. It is returned by
// CompileService.Compile when any diagnostic has error severity.
// A compile failure never mutates the cache; the last installed
// version keeps running.
type CompileError struct {
	ScriptID    string
	Diagnostics []Diagnostic
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("compile %s: failed", e.ScriptID)
	}
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.String()
	}
	return fmt.Sprintf("compile %s: %s", e.ScriptID, strings.Join(msgs, "; "))
}

// InstantiateError reports a compiled unit that failed to produce a valid
// behavior instance. The cache entry remains uninstantiated, so a later
// Acquire retries without manual intervention.
type InstantiateError struct {
	ScriptID string
	Version  uint64
	Err      error
}

// Error implements the error interface.
func (e *InstantiateError) Error() string {
	return fmt.Sprintf("instantiate %s v%d: %v", e.ScriptID, e.Version, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InstantiateError) Unwrap() error { return e.Err }
