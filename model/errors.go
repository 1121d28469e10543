/*
errors.go - Centralized error types for the analysis engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - missing analyses or reference rows
  2. Validation errors - rule violations on user input
  3. Import errors - the ingestion taxonomy; carried back to the caller as a
     LoadResult rather than propagated
  4. Workflow errors - operations attempted before their step is reachable

USAGE:
  ok, result, err := ingest.LoadTransactionsFromFile(...)
  if err != nil {
      // internal failure, propagate
  }
  if !ok {
      // user-actionable, result.Errors holds the messages
  }

SEE ALSO:
  - messages.go: user-facing message texts
  - api/handlers.go: maps errors to HTTP status codes
*/
package model

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAnalysisNotFound is returned when an analysis id is unknown.
	ErrAnalysisNotFound = fmt.Errorf("analysis %w", ErrNotFound)

	// ErrInvalidInput is returned when user input violates an entity rule.
	ErrInvalidInput = errors.New("invalid input")

	// ErrImport is the root of the ingestion error taxonomy.
	ErrImport = errors.New("import failed")

	// ErrMissingParameter is returned when a required intervention parameter is absent.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrSingleInterventionRequired is returned when subcomponent analysis is
	// requested on an analysis with more or fewer than one intervention instance.
	ErrSingleInterventionRequired = errors.New("subcomponent analysis requires exactly one intervention instance")

	// ErrStepLocked is returned when a step's dependencies are not met.
	ErrStepLocked = errors.New("workflow step dependencies not met")

	// ErrTransactionStoreUnhealthy is returned when the external ledger cannot be reached.
	ErrTransactionStoreUnhealthy = errors.New("transaction store unhealthy")

	// ErrTransactionStoreDisabled is returned when no external ledger is configured.
	ErrTransactionStoreDisabled = errors.New("transaction store not configured")
)

// =============================================================================
// IMPORT ERROR KINDS
// =============================================================================

type ImportErrorKind string

const (
	KindFileTypeNotSupported               ImportErrorKind = "FileTypeNotSupported"
	KindErrorReadingFile                   ImportErrorKind = "ErrorReadingFile"
	KindFileEmpty                          ImportErrorKind = "FileEmpty"
	KindFileTooLarge                       ImportErrorKind = "FileTooLarge"
	KindIncorrectHeaders                   ImportErrorKind = "IncorrectHeaders"
	KindMissingData                        ImportErrorKind = "MissingData"
	KindValueTooLong                       ImportErrorKind = "ValueTooLong"
	KindInvalidRowColumn                   ImportErrorKind = "InvalidRowColumn"
	KindRequiredRowColumn                  ImportErrorKind = "RequiredRowColumn"
	KindInvalidModelField                  ImportErrorKind = "InvalidModelField"
	KindInvalidRowGeneric                  ImportErrorKind = "InvalidRowGeneric"
	KindInconsistentAccountCodeDescription ImportErrorKind = "InconsistentAccountCodeDescription"
	KindMissingCountries                   ImportErrorKind = "MissingCountries"
	KindDuplicateCountryNames              ImportErrorKind = "DuplicateCountryNames"
	KindInvalidRegion                      ImportErrorKind = "InvalidRegion"
	KindErrorImportingFromTransactionStore ImportErrorKind = "ErrorImportingFromTransactionStore"
)

// Preflight reports whether the kind rejects a load before any row is read.
func (k ImportErrorKind) Preflight() bool {
	switch k {
	case KindFileTypeNotSupported, KindErrorReadingFile, KindFileEmpty, KindFileTooLarge,
		KindErrorImportingFromTransactionStore:
		return true
	}
	return false
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ImportError carries the user-facing messages of a rejected load.
type ImportError struct {
	Kind     ImportErrorKind
	Messages []string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Messages, "; "))
}

func (e *ImportError) Unwrap() error {
	return ErrImport
}

// NewImportError builds an ImportError with one or more messages.
func NewImportError(kind ImportErrorKind, messages ...string) *ImportError {
	return &ImportError{Kind: kind, Messages: messages}
}

// ValidationError reports an invalid entity field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// MissingParameterError names a parameter absent from an intervention's input.
type MissingParameterError struct {
	Parameter string
	Row       int
}

func (e *MissingParameterError) Error() string {
	return MsgMissingParameter(e.Parameter, e.Row)
}

func (e *MissingParameterError) Unwrap() error {
	return ErrMissingParameter
}

// StepLockedError names the step whose dependencies are not met.
type StepLockedError struct {
	Step string
}

func (e *StepLockedError) Error() string {
	return fmt.Sprintf("step %q: dependencies not met", e.Step)
}

func (e *StepLockedError) Unwrap() error {
	return ErrStepLocked
}

// =============================================================================
// LOAD RESULT - User-facing outcome of an ingestion
// =============================================================================

// LoadResult is returned alongside ok=false/true by every load operation.
type LoadResult struct {
	Errors        []string `json:"errors,omitempty"`
	ImportedCount int      `json:"imported_count"`
}

// FailedLoad returns a LoadResult carrying messages and no imported rows.
func FailedLoad(messages ...string) LoadResult {
	return LoadResult{Errors: messages}
}

// FromImportError converts an ImportError into a LoadResult.
func FromImportError(err error) (LoadResult, bool) {
	var ie *ImportError
	if errors.As(err, &ie) {
		return FailedLoad(ie.Messages...), true
	}
	return LoadResult{}, false
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrImport) ||
		errors.Is(err, ErrMissingParameter) ||
		errors.Is(err, ErrSingleInterventionRequired)
}

// IsConflict returns true if the operation is valid but not yet allowed.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStepLocked)
}

// IsUnavailable returns true if an external dependency is down or missing.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrTransactionStoreUnhealthy) || errors.Is(err, ErrTransactionStoreDisabled)
}
