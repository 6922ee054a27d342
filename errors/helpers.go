package errors

// WrapOpComponent wraps err with an operation and component, keeping the
// code and retryability of an OfflineError already present in the chain.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return &OfflineError{
		Op:        Operation(op),
		Component: component,
		Err:       err,
		Code:      CodeOf(err),
		Retryable: IsRetryable(err),
	}
}

// WrapOpComponentCode wraps err with an operation, component and explicit code.
// If err is nil, returns nil.
func WrapOpComponentCode(err error, op, component string, code ErrorCode) error {
	if err == nil {
		return nil
	}
	return &OfflineError{
		Op:        Operation(op),
		Component: component,
		Err:       err,
		Code:      code,
		Retryable: code == ErrCodeTransientNetwork || code == ErrCodeStorageFailure,
	}
}
