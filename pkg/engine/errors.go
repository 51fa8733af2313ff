package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid or contradictory run
	// configuration. Examples: unknown solver type, mismatched per-site lists.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassInconsistentState indicates a restart against a checkpoint
	// that no longer matches the configuration.
	// Examples: changed block structure, changed mesh.
	ErrorClassInconsistentState ErrorClass = "inconsistent_state"

	// ErrorClassSolverFailure indicates an impurity solver failed to produce
	// a result for a site.
	ErrorClassSolverFailure ErrorClass = "solver_failure"

	// ErrorClassNumerical indicates a numerical problem during the loop.
	// Examples: chemical potential search divergence, singular matrices.
	ErrorClassNumerical ErrorClass = "numerical"
)

// EngineError represents a classified error with loop context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Site is the impurity site that caused the error, or -1 if not
	// site-specific.
	Site int `json:"site"`

	// Iteration is the loop iteration the error occurred in, or -1 if it
	// happened outside the loop.
	Iteration int `json:"iteration"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Site >= 0 && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (site=%d, operation=%s): %s",
			e.Class, e.Message, e.Site, e.Operation, e.unwrapMessage())
	}
	if e.Site >= 0 {
		return fmt.Sprintf("[%s] %s (site=%d): %s",
			e.Class, e.Message, e.Site, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassConfiguration,
		Message:   message,
		Site:      -1,
		Iteration: -1,
		Err:       err,
	}
}

// NewInconsistentStateError creates a new inconsistent-state error.
func NewInconsistentStateError(message string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassInconsistentState,
		Message:   message,
		Site:      -1,
		Iteration: -1,
		Err:       err,
	}
}

// NewSolverFailureError creates a new solver-failure error.
func NewSolverFailureError(message string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassSolverFailure,
		Message:   message,
		Site:      -1,
		Iteration: -1,
		Err:       err,
	}
}

// NewNumericalError creates a new numerical error.
func NewNumericalError(message string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassNumerical,
		Message:   message,
		Site:      -1,
		Iteration: -1,
		Err:       err,
	}
}

// WithSite adds site context to an error.
func (e *EngineError) WithSite(site int) *EngineError {
	e.Site = site
	return e
}

// WithIteration adds iteration context to an error.
func (e *EngineError) WithIteration(iteration int) *EngineError {
	e.Iteration = iteration
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

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConfiguration
	}
	return false
}

// IsInconsistentState returns true if the error is classified as inconsistent state.
func IsInconsistentState(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInconsistentState
	}
	return false
}

// IsSolverFailure returns true if the error is classified as a solver failure.
func IsSolverFailure(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassSolverFailure
	}
	return false
}

// IsNumerical returns true if the error is classified as numerical.
func IsNumerical(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassNumerical
	}
	return false
}

// IsFatal returns true if the error should abort the run immediately.
// Configuration, inconsistent-state, and solver failures are fatal;
// numerical errors leave a checkpoint the run can resume from.
func IsFatal(err error) bool {
	return IsConfiguration(err) || IsInconsistentState(err) || IsSolverFailure(err)
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeBlockMismatch  = "BLOCK_STRUCTURE_MISMATCH"
	ErrCodeMeshMismatch   = "MESH_MISMATCH"
	ErrCodeSolverFailed   = "SOLVER_FAILED"
	ErrCodeMuSearch       = "MU_SEARCH_FAILED"
	ErrCodeCheckpoint     = "CHECKPOINT_FAILED"
	ErrCodeNotImplemented = "NOT_IMPLEMENTED"
	ErrCodeNoCheckpoint   = "NO_CHECKPOINT"
	ErrCodeInternal       = "INTERNAL_ERROR"
)
