// Package errors provides the structured error taxonomy for deepfreeze with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for deepfreeze operations.
type ErrorCode string

const (
	// Configuration errors are fatal and raised before any adapter is built.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// Storage provider errors are retryable by re-invocation only.
	ErrCodeProvider           ErrorCode = "PROVIDER_ERROR"
	ErrCodeRestoreUnavailable ErrorCode = "RESTORE_UNAVAILABLE"

	// Cluster contention: abort the current operation, metadata unchanged.
	ErrCodeRepositoryConflict     ErrorCode = "REPOSITORY_CONFLICT"
	ErrCodeRepositoryInUse        ErrorCode = "REPOSITORY_IN_USE"
	ErrCodePolicyNotFound         ErrorCode = "POLICY_NOT_FOUND"
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	ErrCodeCluster                ErrorCode = "CLUSTER_ERROR"

	// Request rejected against an entity in the wrong state. No side effect.
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// Reconciler findings.
	ErrCodeDriftDetected ErrorCode = "DRIFT_DETECTED"

	// Metadata store errors.
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeMetadataStore ErrorCode = "METADATA_STORE"

	// Operation errors.
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryProvider      ErrorCategory = "provider"
	CategoryCluster       ErrorCategory = "cluster"
	CategoryState         ErrorCategory = "state"
	CategoryDrift         ErrorCategory = "drift"
	CategoryMetadata      ErrorCategory = "metadata"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for use with the standard library errors.Is.
var (
	ErrConfiguration          = &DeepfreezeError{Code: ErrCodeConfiguration}
	ErrProvider               = &DeepfreezeError{Code: ErrCodeProvider}
	ErrRestoreUnavailable     = &DeepfreezeError{Code: ErrCodeRestoreUnavailable}
	ErrRepositoryConflict     = &DeepfreezeError{Code: ErrCodeRepositoryConflict}
	ErrRepositoryInUse        = &DeepfreezeError{Code: ErrCodeRepositoryInUse}
	ErrPolicyNotFound         = &DeepfreezeError{Code: ErrCodePolicyNotFound}
	ErrConcurrentModification = &DeepfreezeError{Code: ErrCodeConcurrentModification}
	ErrInvalidState           = &DeepfreezeError{Code: ErrCodeInvalidState}
	ErrDriftDetected          = &DeepfreezeError{Code: ErrCodeDriftDetected}
	ErrNotFound               = &DeepfreezeError{Code: ErrCodeNotFound}
)

// DeepfreezeError represents a structured error with context and metadata.
type DeepfreezeError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// EntityID and ExternalCode are what an operator needs for manual
	// remediation and what repair-metadata uses as a starting point.
	EntityID     string `json:"entity_id,omitempty"`
	ExternalCode string `json:"external_code,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *DeepfreezeError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		if e.Operation != "" {
			fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Operation)
		} else {
			fmt.Fprintf(&b, "[%s] ", e.Component)
		}
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.EntityID != "" {
		fmt.Fprintf(&b, " (entity=%s)", e.EntityID)
	}
	if e.ExternalCode != "" {
		fmt.Fprintf(&b, " (external=%s)", e.ExternalCode)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DeepfreezeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DeepfreezeError) Is(target error) bool {
	if dfErr, ok := target.(*DeepfreezeError); ok {
		return e.Code == dfErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DeepfreezeError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.EntityID != "" {
		parts = append(parts, fmt.Sprintf("EntityID=%s", e.EntityID))
	}
	if e.ExternalCode != "" {
		parts = append(parts, fmt.Sprintf("ExternalCode=%s", e.ExternalCode))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DeepfreezeError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new deepfreeze error with default values.
func NewError(code ErrorCode, message string) *DeepfreezeError {
	return &DeepfreezeError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new deepfreeze error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *DeepfreezeError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new deepfreeze error around cause.
func Wrap(cause error, code ErrorCode, message string) *DeepfreezeError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeConfiguration:
		return CategoryConfiguration
	case ErrCodeProvider, ErrCodeRestoreUnavailable:
		return CategoryProvider
	case ErrCodeRepositoryConflict, ErrCodeRepositoryInUse, ErrCodePolicyNotFound,
		ErrCodeConcurrentModification, ErrCodeCluster:
		return CategoryCluster
	case ErrCodeInvalidState:
		return CategoryState
	case ErrCodeDriftDetected:
		return CategoryDrift
	case ErrCodeNotFound, ErrCodeMetadataStore:
		return CategoryMetadata
	case ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Only optimistic-concurrency failures are retried in-process; provider
// errors are retried by re-invoking the command.
func IsRetryableByDefault(code ErrorCode) bool {
	return code == ErrCodeConcurrentModification
}

// As is errors.As from the standard library.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Is is errors.Is from the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// HasCode reports whether any DeepfreezeError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var dfErr *DeepfreezeError
		if !stderrors.As(err, &dfErr) {
			return false
		}
		if dfErr.Code == code {
			return true
		}
		err = dfErr.Cause
	}
	return false
}

// CodeOf returns the code of the outermost DeepfreezeError in err's chain.
func CodeOf(err error) ErrorCode {
	var dfErr *DeepfreezeError
	if stderrors.As(err, &dfErr) {
		return dfErr.Code
	}
	return ErrCodeInternal
}

// ExternalCodeOf returns the first external error code found in err's chain.
func ExternalCodeOf(err error) string {
	for err != nil {
		var dfErr *DeepfreezeError
		if !stderrors.As(err, &dfErr) {
			return ""
		}
		if dfErr.ExternalCode != "" {
			return dfErr.ExternalCode
		}
		err = dfErr.Cause
	}
	return ""
}

// ExitCode maps an error to a process exit code for the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch GetCategory(CodeOf(err)) {
	case CategoryConfiguration:
		return 2
	case CategoryCluster:
		return 3
	case CategoryState:
		return 4
	case CategoryDrift:
		return 5
	case CategoryProvider:
		return 6
	default:
		return 1
	}
}

// WithContext adds contextual information to an error
func (e *DeepfreezeError) WithContext(key, value string) *DeepfreezeError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *DeepfreezeError) WithDetail(key string, value interface{}) *DeepfreezeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DeepfreezeError) WithComponent(component string) *DeepfreezeError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DeepfreezeError) WithOperation(operation string) *DeepfreezeError {
	e.Operation = operation
	return e
}

// WithEntity sets the id of the entity the error refers to
func (e *DeepfreezeError) WithEntity(id string) *DeepfreezeError {
	e.EntityID = id
	return e
}

// WithExternalCode records the error code reported by the external system
func (e *DeepfreezeError) WithExternalCode(code string) *DeepfreezeError {
	e.ExternalCode = code
	return e
}

// WithCause sets the underlying cause
func (e *DeepfreezeError) WithCause(cause error) *DeepfreezeError {
	e.Cause = cause
	return e
}

// ItemError is one failed item of a batch operation.
type ItemError struct {
	EntityID     string    `json:"entity_id"`
	Code         ErrorCode `json:"code"`
	ExternalCode string    `json:"external_code,omitempty"`
	Err          error     `json:"-"`
}

// BatchError collects per-item failures of a batch operation. Items are
// processed independently; a BatchError never means the batch was aborted.
type BatchError struct {
	Operation string
	Items     []ItemError
}

// NewBatchError creates an empty batch error for operation.
func NewBatchError(operation string) *BatchError {
	return &BatchError{Operation: operation}
}

// Add records the failure of entityID. A nil err is ignored.
func (b *BatchError) Add(entityID string, err error) {
	if err == nil {
		return
	}
	b.Items = append(b.Items, ItemError{
		EntityID:     entityID,
		Code:         CodeOf(err),
		ExternalCode: ExternalCodeOf(err),
		Err:          err,
	})
}

// Len returns the number of failed items.
func (b *BatchError) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Items)
}

// ErrOrNil returns b as an error when it holds failures, nil otherwise.
func (b *BatchError) ErrOrNil() error {
	if b.Len() == 0 {
		return nil
	}
	return b
}

// Error implements the error interface.
func (b *BatchError) Error() string {
	ids := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		ids = append(ids, fmt.Sprintf("%s=%s", item.EntityID, item.Code))
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s: %d item(s) failed: %s", b.Operation, len(b.Items), strings.Join(ids, ", "))
}

// Unwrap exposes the item errors to errors.Is and errors.As.
func (b *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(b.Items))
	for _, item := range b.Items {
		errs = append(errs, item.Err)
	}
	return errs
}
