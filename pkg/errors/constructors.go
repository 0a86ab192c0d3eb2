package errors

import "fmt"

// New creates a new Error with the given kind and message.
//
// Example:
//
//	err := errors.New(errors.KindInvalidToken, "token must have three segments")
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// Newf creates a new Error with the given kind and formatted message.
//
// Example:
//
//	err := errors.Newf(errors.KindClusterNotFound, "cluster %q is not configured", name)
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with a kind and message. The wrapped error
// becomes the Cause. Returns nil if err is nil.
//
// Example:
//
//	resp, err := client.Do(req)
//	if err != nil {
//	    return errors.Wrap(err, errors.KindJWKSFetchFailed, "fetching signing keys")
//	}
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with a kind and formatted message.
// Returns nil if err is nil.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Internal creates a new internal error. Use for unexpected faults whose
// details should not be attributed to the presented credential.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}
