// Package serviceerr holds the error taxonomy shared by the sign-in flow,
// the token broker and the stores.
package serviceerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a short, enumerable error code. The flow codes are the only values
// ever placed in a redirect query parameter.
type Code string

const (
	// Flow codes surfaced to the browser.
	CodeInitiationFailed    Code = "initiation_failed"
	CodeNoCode              Code = "no_code"
	CodeStateMismatch       Code = "state_mismatch"
	CodeTokenExchangeFailed Code = "token_exchange_failed"
	CodeInvalidSelection    Code = "invalid_selection"
	CodeSaveFailed          Code = "save_failed"

	// Internal codes.
	CodeUnknown          Code = "unknown"
	CodeConflict         Code = "conflict"
	CodeNotFound         Code = "not_found"
	CodeUnauthorized     Code = "unauthorized"
	CodeInvalidCSRFToken Code = "invalid_csrf_token"
)

type Error struct {
	Err         Code
	Description string
}

var (
	ErrConflict         = &Error{Err: CodeConflict, Description: "already exists"}
	ErrNotFound         = &Error{Err: CodeNotFound, Description: "not found"}
	ErrUnauthorized     = &Error{Err: CodeUnauthorized, Description: "session is not authenticated"}
	ErrInvalidCSRFToken = &Error{Err: CodeInvalidCSRFToken, Description: "invalid csrf token"}

	// ErrStateMismatch and ErrNoPendingFlow share a code: both reject the
	// callback and restart the flow, they only differ in diagnostics.
	ErrStateMismatch    = &Error{Err: CodeStateMismatch, Description: "state does not match the pending flow"}
	ErrNoPendingFlow    = &Error{Err: CodeStateMismatch, Description: "no pending flow for the session"}
	ErrNoCode           = &Error{Err: CodeNoCode, Description: "authorization code is missing"}
	ErrInvalidSelection = &Error{Err: CodeInvalidSelection, Description: "no authentication context selected"}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

func (e Error) HTTPStatus() int {
	switch e.Err {
	case CodeNoCode, CodeStateMismatch, CodeInvalidSelection:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidCSRFToken:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTokenExchangeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrConfig matches every *ConfigError.
var ErrConfig = errors.New("invalid configuration")

// ConfigError reports missing or invalid static configuration. It is fatal at
// startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// ErrGrant matches every *GrantError.
var ErrGrant = errors.New("grant failed")

const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
)

// GrantError reports a failed token request. StatusCode is zero when the
// provider was never reached.
type GrantError struct {
	Grant       string
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *GrantError) Error() string {
	var b strings.Builder
	b.WriteString(e.Grant)
	b.WriteString(" grant failed")
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *GrantError) Unwrap() error {
	return e.Err
}

func (e *GrantError) Is(target error) bool {
	return target == ErrGrant
}

// Temporary reports whether repeating the same request could succeed.
func (e *GrantError) Temporary() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Err
	}

	return CodeUnknown
}
