package checkout

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters map to
// HTTP status codes and error envelopes. Two failures match under errors.Is
// when their codes are equal.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Is matches on Code so sentinels compare equal to detailed copies.
func (f Failure) Is(target error) bool {
	t, ok := target.(Failure)
	return ok && t.Code == f.Code
}

// WithDetail returns a copy of f carrying detail.
func (f Failure) WithDetail(detail string) Failure {
	f.Detail = detail
	return f
}

var (
	ErrValidation         = Failure{Code: "validation_error", HTTPStatus: http.StatusBadRequest}
	ErrNoBundlesAvailable = Failure{Code: "no_bundles_available", HTTPStatus: http.StatusUnprocessableEntity}
	ErrNotFound           = Failure{Code: "not_found", HTTPStatus: http.StatusNotFound}
	ErrInvalidTransition  = Failure{Code: "invalid_transition", HTTPStatus: http.StatusConflict}
	ErrLockContention     = Failure{Code: "lock_contention", HTTPStatus: http.StatusConflict, RetryAfter: 1}
	ErrConflict           = Failure{Code: "conflict", HTTPStatus: http.StatusConflict, RetryAfter: 1}
	ErrUpstreamFailure    = Failure{Code: "upstream_failure", HTTPStatus: http.StatusBadGateway}
	ErrExpiredToken       = Failure{Code: "expired_token", HTTPStatus: http.StatusUnauthorized}
	ErrInvalidToken       = Failure{Code: "invalid_token", HTTPStatus: http.StatusUnauthorized}
	ErrMalformedToken     = Failure{Code: "malformed_token", HTTPStatus: http.StatusUnauthorized}
)

// Validationf returns a validation failure.
func Validationf(format string, args ...any) error {
	return ErrValidation.WithDetail(fmt.Sprintf(format, args...))
}

// InvalidTransitionf returns an invalid-transition failure.
func InvalidTransitionf(format string, args ...any) error {
	return ErrInvalidTransition.WithDetail(fmt.Sprintf(format, args...))
}

// NotFoundf returns a not-found failure.
func NotFoundf(format string, args ...any) error {
	return ErrNotFound.WithDetail(fmt.Sprintf(format, args...))
}

// Upstream wraps a collaborator error as an upstream failure unless it
// already carries a failure code.
func Upstream(collaborator string, err error) error {
	if err == nil {
		return nil
	}
	var f Failure
	if errors.As(err, &f) {
		return err
	}
	return upstreamError{failure: ErrUpstreamFailure.WithDetail(collaborator + ": " + err.Error()), cause: err}
}

type upstreamError struct {
	failure Failure
	cause   error
}

func (e upstreamError) Error() string { return e.failure.Error() }

func (e upstreamError) Unwrap() []error { return []error{e.failure, e.cause} }

// AsFailure extracts the Failure carried by err.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}

// Retryable reports whether err is transient from the caller's point of view.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockContention) || errors.Is(err, ErrConflict)
}
