// Package errors provides the structured error type used throughout
// kube-federated-auth. Every failure that can surface from token validation
// carries a machine-readable [Kind] that maps onto the validation API's
// error contract and HTTP status codes.
//
// # Error Kinds
//
// Kinds fall into three groups:
//
//   - Request errors: malformed calls, unknown cluster names
//   - Credential errors: malformed tokens, bad signatures, expired tokens,
//     underivable identities
//   - Trust errors: inability to reach a cluster's discovery or JWKS
//     endpoint. These are server-side conditions that do not prove the
//     token invalid, and the only class eligible for the orchestrator's
//     fallback path.
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.KindClusterNotFound, "cluster is not configured")
//
// Wrap an underlying cause:
//
//	err := errors.Wrap(err, errors.KindJWKSFetchFailed, "fetching signing keys")
//
// Inspect an error chain:
//
//	if errors.KindOf(err) == errors.KindTokenExpired {
//	    // reject, no fallback
//	}
package errors

import (
	"fmt"
)

// Error is the structured error returned by every component of the
// validation engine. It implements the standard error interface and carries
// the [Kind] that the validation API and the orchestrator's fallback logic
// dispatch on.
//
// Error values are immutable after creation.
type Error struct {
	// Kind is the machine-readable classification of the failure.
	Kind Kind

	// Message is the human-readable description. It is written to logs and
	// returned in validation API error responses; it must not contain trust
	// material (CA bytes, bootstrap credentials, key material).
	Message string

	// Cause is the underlying error, if any. Accessible via Unwrap for
	// errors.Is / errors.As chain inspection.
	Cause error

	// Details holds additional structured context (cluster name, kid,
	// issuer) for operator diagnostics.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Unwrap, errors.Is,
// and errors.As from the standard library.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code the validation API responds with
// for this error.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// WithDetail returns a new Error with a single detail key-value pair added.
// The original error is not modified.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{
		Kind:    e.Kind,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// Format implements fmt.Formatter. Use %v for standard output, %+v for
// detailed output including details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Kind: %q, Message: %q", e.Kind, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
