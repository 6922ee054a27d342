// Package errors provides the error taxonomy shared by the offline engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeConnectivityRequired ErrorCode = "CONNECTIVITY_REQUIRED"
	ErrCodeStaleWrite           ErrorCode = "STALE_WRITE_REJECTED"
	ErrCodeTransientNetwork     ErrorCode = "TRANSIENT_NETWORK_FAILURE"
	ErrCodeValidation           ErrorCode = "VALIDATION_REJECTED"
	ErrCodeSyncConflict         ErrorCode = "SYNC_CONFLICT"
	ErrCodeStorageQuota         ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	ErrCodeStorageFailure       ErrorCode = "STORAGE_FAILURE"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
)

// Operation represents the engine operation during which an error occurred
type Operation string

const (
	OpPut      Operation = "put"
	OpGet      Operation = "get"
	OpList     Operation = "list"
	OpDelete   Operation = "delete"
	OpEnqueue  Operation = "enqueue"
	OpDrain    Operation = "drain"
	OpSend     Operation = "send"
	OpFetch    Operation = "fetch"
	OpProbe    Operation = "probe"
	OpMigrate  Operation = "migrate"
	OpEvict    Operation = "evict"
	OpResolve  Operation = "resolve"
	OpClose    Operation = "close"
	OpLoad     Operation = "load"
	OpValidate Operation = "validate"
)

// OfflineError represents an error raised by the offline engine.
type OfflineError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "queue", "transport")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context (server detail, record ids, ...)
	Metadata map[string]interface{}
}

func (e *OfflineError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *OfflineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a code sentinel (an OfflineError carrying only a Code)
// matching this error's code.
func (e *OfflineError) Is(target error) bool {
	t, ok := target.(*OfflineError)
	if !ok || t.Code == "" {
		return false
	}
	return t.Op == "" && t.Component == "" && t.Err == nil && t.Code == e.Code
}

// WithMetadata attaches a metadata key and returns the same error.
func (e *OfflineError) WithMetadata(key string, value interface{}) *OfflineError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Code sentinels usable with errors.Is.
var (
	ErrConnectivityRequired = &OfflineError{Code: ErrCodeConnectivityRequired}
	ErrStaleWrite           = &OfflineError{Code: ErrCodeStaleWrite}
	ErrTransientNetwork     = &OfflineError{Code: ErrCodeTransientNetwork}
	ErrValidation           = &OfflineError{Code: ErrCodeValidation}
	ErrSyncConflict         = &OfflineError{Code: ErrCodeSyncConflict}
	ErrStorageQuota         = &OfflineError{Code: ErrCodeStorageQuota}
	ErrNotFound             = &OfflineError{Code: ErrCodeNotFound}
	ErrInvalidTransition    = &OfflineError{Code: ErrCodeInvalidTransition}
)

// NewConnectivityRequired is returned when an action needs the network (authentication)
// while the device is offline. It is fatal to the caller's action and never retried.
func NewConnectivityRequired(op Operation, cause error) *OfflineError {
	return &OfflineError{
		Code:      ErrCodeConnectivityRequired,
		Op:        op,
		Component: "intercept",
		Err:       cause,
	}
}

// NewStaleWrite creates a local version conflict error.
func NewStaleWrite(op Operation, cause error) *OfflineError {
	return &OfflineError{
		Code:      ErrCodeStaleWrite,
		Op:        op,
		Component: "store",
		Err:       cause,
	}
}

// NewNetworkError creates a new transient network SyncError
func NewNetworkError(op Operation, cause error) *OfflineError {
	return &OfflineError{
		Code:      ErrCodeTransientNetwork,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a non-retryable validation error
func NewValidationError(op Operation, cause error) *OfflineError {
	return &OfflineError{
		Code: ErrCodeValidation,
		Op:   op,
		Err:  cause,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(op Operation, cause error) *OfflineError {
	return &OfflineError{
		Code:      ErrCodeSyncConflict,
		Op:        op,
		Component: "sync",
		Err:       cause,
	}
}

// NewQuotaError creates a storage quota error
func NewQuotaError(op Operation, cause error) *OfflineError {
	return &OfflineError{
		Code:      ErrCodeStorageQuota,
		Op:        op,
		Component: "cache",
		Err:       cause,
	}
}

// NewNotFound creates a not-found error
func NewNotFound(op Operation, cause error) *OfflineError {
	return &OfflineError{
		Code:      ErrCodeNotFound,
		Op:        op,
		Component: "store",
		Err:       cause,
	}
}

// NewInvalidTransition creates a queue state machine violation error
func NewInvalidTransition(from, to string) *OfflineError {
	return &OfflineError{
		Code:      ErrCodeInvalidTransition,
		Op:        OpEnqueue,
		Component: "queue",
		Err:       fmt.Errorf("transition %s -> %s is not allowed", from, to),
	}
}

// NewWithComponent creates a new OfflineError with component information
func NewWithComponent(op Operation, component string, err error) *OfflineError {
	return &OfflineError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable OfflineError
func IsRetryable(err error) bool {
	var oe *OfflineError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// CodeOf returns the code of the outermost OfflineError in the chain, or "".
func CodeOf(err error) ErrorCode {
	var oe *OfflineError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// HasCode reports whether any OfflineError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &OfflineError{Code: code})
}

// IsTerminal reports whether err is one of the conditions allowed to cross the
// boundary to the UI layer.
func IsTerminal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeStorageQuota, ErrCodeSyncConflict, ErrCodeConnectivityRequired:
		return true
	}
	return false
}

// MetadataOf returns the metadata value stored under key anywhere in the chain.
func MetadataOf(err error, key string) (interface{}, bool) {
	for err != nil {
		var oe *OfflineError
		if !errors.As(err, &oe) {
			return nil, false
		}
		if v, ok := oe.Metadata[key]; ok {
			return v, true
		}
		err = oe.Err
	}
	return nil, false
}
