// Package apperr carries a gRPC status code alongside a client-facing
// message, so services classify failures once and every transport (HTTP,
// websocket, gRPC) renders them consistently.
package apperr

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Error struct {
	Code    codes.Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.Code and status.FromError see through the wrapper.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

func New(code codes.Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code codes.Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(message string) *Error { return New(codes.InvalidArgument, message) }
func Unauthenticated(message string) *Error { return New(codes.Unauthenticated, message) }
func Forbidden(message string) *Error { return New(codes.PermissionDenied, message) }
func NotFound(message string) *Error { return New(codes.NotFound, message) }

// Conflict marks a stale compare-and-swap: the caller should refresh and
// retry.
func Conflict(message string, err error) *Error {
	return Wrap(codes.Aborted, message, err)
}

// Illegal marks a transition the state machine forbids outright.
func Illegal(message string) *Error {
	return New(codes.FailedPrecondition, message)
}

func Upstream(message string, err error) *Error {
	return Wrap(codes.Unavailable, message, err)
}

func Internal(message string, err error) *Error {
	return Wrap(codes.Internal, message, err)
}

// Code extracts the classification. Errors that were never classified
// report codes.Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return status.Code(err)
}

// Message returns the client-facing message of a classified error.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps a classification onto the REST contract.
func HTTPStatus(err error) int {
	switch Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted, codes.FailedPrecondition, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unavailable, codes.DeadlineExceeded:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
