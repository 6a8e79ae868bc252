// Package domainerrors defines the coded error type shared by services and
// the HTTP layer. Stores return sentinel errors; services wrap them into one
// of these codes; transport maps codes to HTTP statuses exactly once.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for transport mapping and logging.
type Code string

const (
	// CodeConfiguration marks missing or invalid operator configuration
	// discovered at request time (startup-time violations are fatal before
	// a request ever reaches this package).
	CodeConfiguration Code = "configuration_error"
	CodeBadRequest    Code = "bad_request"
	CodeUnauthorized  Code = "unauthorized"
	CodeForbidden     Code = "forbidden"
	// CodeConsentRequired is returned when the caller's session has not
	// accepted the disclaimer modal yet.
	CodeConsentRequired Code = "consent_required"
	// CodeUpstream marks a failed call to the identity provider.
	CodeUpstream Code = "upstream_error"
	// CodeCollision marks a generated session id colliding with an existing
	// record. It is fatal for the request and never retried.
	CodeCollision Code = "session_collision"
	CodeInternal  Code = "internal_error"
)

// Error carries a code, a user-presentable message, and an optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the code from err, defaulting to CodeInternal for errors
// that did not originate in a service.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the user-presentable message for err. Internal errors
// collapse to a generic message so details never leak to clients.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Code != CodeInternal {
		return de.Message
	}
	return "Internal Server Error"
}

// ToHTTPStatus maps an error code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConsentRequired:
		// The disclaimer wall historically answers 405, not 403.
		return http.StatusMethodNotAllowed
	case CodeUpstream:
		return http.StatusUnauthorized
	case CodeConfiguration, CodeCollision, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
