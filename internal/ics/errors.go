package ics

import (
	"errors"
	"fmt"
)

// ErrInvalidEventData is returned for programmer errors: event data that
// cannot be defaulted into a valid document.
var ErrInvalidEventData = errors.New("ics: invalid event data")

func invalidData(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEventData, fmt.Sprintf(format, args...))
}

// DiagnosticKind classifies a recoverable anomaly.
type DiagnosticKind string

const (
	KindMalformedInput        DiagnosticKind = "MalformedInput"
	KindIdentityConflict      DiagnosticKind = "IdentityConflict"
	KindComplianceCheckFailed DiagnosticKind = "ComplianceCheckFailed"
)

// Diagnostic reports one repair or degradation.
type Diagnostic struct {
	Kind DiagnosticKind
	// Rule names the repair or check that fired.
	Rule    string
	Message string
	// Line is the 1-based unfolded line number, when known.
	Line int
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s/%s line %d: %s", d.Kind, d.Rule, d.Line, d.Message)
	}
	return fmt.Sprintf("%s/%s: %s", d.Kind, d.Rule, d.Message)
}

const msgMinimalDocument = "unparsable input, produced minimal document"

// HasRule reports whether any diagnostic carries the given rule name.
func HasRule(diags []Diagnostic, rule string) bool {
	for _, d := range diags {
		if d.Rule == rule {
			return true
		}
	}
	return false
}
