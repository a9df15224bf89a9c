// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrUnauthenticated   = errors.New("authentication required")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrConflict          = errors.New("conflict")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrUnavailable       = errors.New("backend unavailable")
	ErrSessionClosed     = errors.New("session closed")
	ErrInternal          = errors.New("internal error")
)

// NewInvalidArgumentError wraps ErrInvalidArgument so callers can classify
// with errors.Is while keeping the field context.
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}

// matches classifies err against a sentinel, tolerating errors that an RPC
// round trip flattened to strings.
func matches(err, sentinel error) bool {
	return errors.Is(err, sentinel) || strings.Contains(err.Error(), sentinel.Error())
}

// CodeForError maps an error to its envelope code. Unrecognized errors are
// reported as internal.
func CodeForError(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case matches(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case matches(err, ErrNotFound):
		return CodeNotFound
	case matches(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case matches(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case matches(err, ErrPermissionDenied):
		return CodeForbidden
	case matches(err, ErrConflict):
		return CodeConflict
	case matches(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case matches(err, ErrDeadlineExceeded):
		return CodeDeadlineExceeded
	case matches(err, ErrUnavailable):
		return CodeUnavailable
	case matches(err, ErrSessionClosed):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// HTTPStatusForCode maps an envelope code to the HTTP status carried
// alongside it.
func HTTPStatusForCode(code int) int {
	switch code {
	case CodeOK:
		return 200
	case CodeInvalidArgument:
		return 400
	case CodeUnauthenticated:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeAlreadyExists, CodeConflict:
		return 409
	case CodeResourceExhausted:
		return 429
	case CodeUnavailable:
		return 503
	case CodeDeadlineExceeded:
		return 504
	default:
		return 500
	}
}

// IsErrPermissionDenied reports whether err, possibly wrapped by an RPC
// round trip that flattened it to a string, is a permission denial.
func IsErrPermissionDenied(err error) bool {
	return err != nil &&
		(errors.Is(err, ErrPermissionDenied) || strings.HasSuffix(err.Error(), ErrPermissionDenied.Error()))
}

// IsErrUnauthenticated is the string-tolerant check for ErrUnauthenticated.
func IsErrUnauthenticated(err error) bool {
	return err != nil &&
		(errors.Is(err, ErrUnauthenticated) || strings.HasSuffix(err.Error(), ErrUnauthenticated.Error()))
}

// IsErrNotFound is the string-tolerant check for ErrNotFound.
func IsErrNotFound(err error) bool {
	return err != nil &&
		(errors.Is(err, ErrNotFound) || strings.HasSuffix(err.Error(), ErrNotFound.Error()))
}

// IsErrResourceExhausted is the string-tolerant check for
// ErrResourceExhausted.
func IsErrResourceExhausted(err error) bool {
	return err != nil &&
		(errors.Is(err, ErrResourceExhausted) || strings.HasSuffix(err.Error(), ErrResourceExhausted.Error()))
}

// IsErrConflict is the string-tolerant check for ErrConflict.
func IsErrConflict(err error) bool {
	return err != nil &&
		(errors.Is(err, ErrConflict) || strings.HasSuffix(err.Error(), ErrConflict.Error()))
}

// IsErrSessionClosed is the string-tolerant check for ErrSessionClosed.
func IsErrSessionClosed(err error) bool {
	return err != nil &&
		(errors.Is(err, ErrSessionClosed) || strings.HasSuffix(err.Error(), ErrSessionClosed.Error()))
}
