package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on a later iteration.
	// Examples: import service errors, session drops, remote timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the remote state disagrees with what the engine expected.
	// Examples: history count mismatch, unresolved recreate commands.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: change-set cannot be rendered, invalid workflow definition.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassNotice is informational. It is raised and recorded but never stops work.
	ErrorClassNotice ErrorClass = "notice"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the import job, workflow or FDN that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeBuild                    = "BUILD_ERROR"
	ErrCodeImport                   = "IMPORT_ERROR"
	ErrCodeHistoryMismatch          = "HISTORY_MISMATCH"
	ErrCodeUndoPreparation          = "UNDO_PREPARATION_ERROR"
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeEscalation               = "ESCALATION"
	ErrCodeTotalChangesUnidentified = "TOTAL_CHANGES_UNIDENTIFIED"
	ErrCodeUndoCleanup              = "UNDO_CLEANUP_ERROR"
	ErrCodeSession                  = "SESSION_ERROR"
	ErrCodePolicyDenied             = "POLICY_DENIED"
	ErrCodeTimeout                  = "TIMEOUT"
	ErrCodeNotFound                 = "NOT_FOUND"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// ErrTotalChangesUnidentified is returned by history readers when the remote
// history does not report a usable change count.
var ErrTotalChangesUnidentified = errors.New("could not identify total changes")

// NewBuildError creates an error for a change-set that could not be rendered.
func NewBuildError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeBuild)
}

// NewImportError creates an error for a failed submission or activation.
func NewImportError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeImport)
}

// NewHistoryMismatch creates an error for a job whose recorded change count
// differs from the expected count.
func NewHistoryMismatch(expected, observed int) *EngineError {
	return NewConflictError(
		fmt.Sprintf("expected %d changes in history but found %d", expected, observed), nil).
		WithCode(ErrCodeHistoryMismatch).
		WithDetail("expected", expected).
		WithDetail("observed", observed)
}

// NewHistoryCheckError wraps a failure to read the history count. The
// orchestrator treats it the same way as a count mismatch.
func NewHistoryCheckError(expected int, err error) *EngineError {
	return NewConflictError("history check failed", err).
		WithCode(ErrCodeHistoryMismatch).
		WithDetail("expected", expected)
}

// NewUndoPreparationError wraps any failure while requesting an undo change-set.
func NewUndoPreparationError(err error) *EngineError {
	return NewTransientError("failed to prepare undo", err).WithCode(ErrCodeUndoPreparation)
}

// NewValidationError creates an error for a recreate command whose response
// carried no success marker.
func NewValidationError(command string, output []string) *EngineError {
	return NewConflictError("command response has no success marker", nil).
		WithCode(ErrCodeValidation).
		WithResource(command).
		WithDetail("output", strings.Join(output, "\n"))
}

// NewTimeoutError creates an error for a remote job that did not reach a
// final status in time.
func NewTimeoutError(jobID, status string, timeout time.Duration) *EngineError {
	return NewTransientError(
		fmt.Sprintf("job %s is %q after %s", jobID, status, timeout), nil).
		WithCode(ErrCodeTimeout).
		WithResource(jobID)
}

// NewEscalation creates the informational signal raised when reconciliation
// has been running past the manual intervention threshold.
func NewEscalation(workflow string, remaining int) *EngineError {
	e := &EngineError{
		Class:   ErrorClassNotice,
		Message: fmt.Sprintf("manual intervention may be required: %d MO(s) could not be recreated", remaining),
	}
	return e.WithCode(ErrCodeEscalation).
		WithResource(workflow).
		WithDetail("remaining", remaining)
}

// importGuidance is appended to submission errors that match a known
// malformed-response signature.
const importGuidance = "Import service has failed to correctly execute or validate import, " +
	"please check the impexp service logs for further information."

// importErrorRewrites lists submission error signatures and the guidance
// appended when one matches.
var importErrorRewrites = []struct {
	signature string
	guidance  string
}{
	{signature: "Size: 0", guidance: importGuidance},
	{signature: "Index: 0", guidance: importGuidance},
}

// RewriteImportError converts a submission failure into an ImportError,
// appending guidance when the message matches a known signature.
// Errors that already are ImportErrors are returned unchanged.
func RewriteImportError(jobName string, err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code == ErrCodeImport {
		return ee
	}
	cause := err
	for _, rw := range importErrorRewrites {
		if strings.Contains(err.Error(), rw.signature) {
			cause = fmt.Errorf("%w.\n%s", err, rw.guidance)
			break
		}
	}
	return NewImportError("import job submission failed", cause).
		WithResource(jobName).
		WithOperation("submit")
}

// ErrorCode returns the code of the outermost EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsBuildError reports whether err is a BuildError.
func IsBuildError(err error) bool { return ErrorCode(err) == ErrCodeBuild }

// IsImportError reports whether err is an ImportError.
func IsImportError(err error) bool { return ErrorCode(err) == ErrCodeImport }

// IsHistoryMismatch reports whether err is a HistoryMismatch.
func IsHistoryMismatch(err error) bool { return ErrorCode(err) == ErrCodeHistoryMismatch }

// IsUndoPreparationError reports whether err is an UndoPreparationError.
func IsUndoPreparationError(err error) bool { return ErrorCode(err) == ErrCodeUndoPreparation }

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool { return ErrorCode(err) == ErrCodeValidation }

// IsEscalation reports whether err is an escalation signal.
func IsEscalation(err error) bool { return ErrorCode(err) == ErrCodeEscalation }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}
