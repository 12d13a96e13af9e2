// Package fault defines the pipeline error taxonomy and the failure
// classification used by the orchestrator's retry policy.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Class groups errors by how the orchestrator must react to them.
type Class string

const (
	// ClassTransient errors are retried per the stage's retry policy.
	ClassTransient Class = "TRANSIENT"

	// ClassValidation errors reject the build with a full diagnostic list.
	// Never retried.
	ClassValidation Class = "VALIDATION"

	// ClassFatal errors fail the build immediately, preserving all
	// persisted stage artifacts for postmortem.
	ClassFatal Class = "FATAL"
)

// BudgetExceeded is raised by the context router before any artifact is
// handed downstream. It names the offending metric, the measured total,
// the configured limit, and the full resolved file list.
type BudgetExceeded struct {
	Metric string // "cost_tokens", "files", "bytes"
	Total  int64
	Limit  int64
	Files  []string
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: %s %d over limit %d (files: %s)",
		e.Metric, e.Total, e.Limit, strings.Join(e.Files, ", "))
}

// ContractViolation marks a collaborator response that failed its
// structural or semantic contract. The response is untrusted: never
// repaired, never retried, and the build fails outright.
type ContractViolation struct {
	Collaborator string
	Reason       string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation from %s: %s", e.Collaborator, e.Reason)
}

// Violation is a single rule or schema finding carried by a ValidationError.
type Violation struct {
	RuleID      string `json:"rule_id"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion,omitempty"`
	AutoFixable bool   `json:"auto_fixable"`
}

// ValidationError rejects a build. It always carries the complete finding
// list so a rejected build never surfaces as a bare failure.
type ValidationError struct {
	Stage      string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("validation failed at %s: %s: %s", e.Stage, e.Violations[0].RuleID, e.Violations[0].Message)
	}
	return fmt.Sprintf("validation failed at %s: %d violations", e.Stage, len(e.Violations))
}

// TransientError wraps a failure expected to succeed on retry (timeouts,
// rate limits, network and lock contention).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps an unrecoverable failure. No retry; the build is marked
// failed with artifacts preserved.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Fatal wraps err as a FatalError.
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// transientPatterns matches wrapped collaborator errors that did not arrive
// as typed TransientErrors. Matching mirrors what providers actually emit.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"rate_limit",
	"429",
	"too many requests",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"service unavailable",
	"503",
	"database is locked",
	"database is busy",
	"unexpected eof",
	"broken pipe",
}

// Classify maps an error to its orchestrator reaction class. Typed errors
// win; untyped errors are classified by message pattern, defaulting to
// fatal so an unknown failure is never silently retried.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	var budget *BudgetExceeded
	if errors.As(err, &budget) {
		return ClassValidation
	}
	var contract *ContractViolation
	if errors.As(err, &contract) {
		return ClassFatal
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return ClassValidation
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}

	msg := strings.ToLower(err.Error())
	for _, pat := range transientPatterns {
		if strings.Contains(msg, pat) {
			return ClassTransient
		}
	}
	return ClassFatal
}
