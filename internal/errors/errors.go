package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodeDeadlineExceeded   = Code(codes.DeadlineExceeded)
	CodeUnavailable        = Code(codes.Unavailable)
)

// Reason is the machine readable cause of a rejected command, sent back to clients as is.
type Reason string

const (
	ReasonInvalid         Reason = "invalid"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonNotFound        Reason = "not-found"
	ReasonWrongState      Reason = "wrong-state"
	ReasonAlreadyJoined   Reason = "already-joined"
	ReasonDuplicateAnswer Reason = "duplicate-answer"
	ReasonDeadlinePassed  Reason = "deadline-passed"
	ReasonUpstream        Reason = "upstream"
	ReasonInternal        Reason = "internal"
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
	CodePermissionDenied:   http.StatusForbidden,
	CodeFailedPrecondition: http.StatusConflict,
	CodeDeadlineExceeded:   http.StatusGone,
	CodeUnavailable:        http.StatusServiceUnavailable,
}

var code2reason = map[Code]Reason{
	CodeInvalidArgument:    ReasonInvalid,
	CodeNotFound:           ReasonNotFound,
	CodeAlreadyExists:      ReasonDuplicateAnswer,
	CodeUnauthenticated:    ReasonUnauthorized,
	CodePermissionDenied:   ReasonUnauthorized,
	CodeFailedPrecondition: ReasonWrongState,
	CodeDeadlineExceeded:   ReasonDeadlinePassed,
	CodeUnavailable:        ReasonUpstream,
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Reason:  ReasonInternal,
		Message: codes.Code(code).String(),
	}
	if r, ok := code2reason[code]; ok {
		e.Reason = r
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, reason: %s, message: %s", e.Code, e.Reason, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// ReasonOf returns the reason carried by err, or ReasonInternal for foreign errors.
func ReasonOf(err error) Reason {
	return Convert(err).Reason
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

// Validation reports a malformed command or payload.
func Validation(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithMessagef(format, args...))
}

// Unauthorized reports a sender without authority over the target.
func Unauthorized(format string, args ...any) *Error {
	return New(CodePermissionDenied, WithMessagef(format, args...))
}

// StateConflict reports a well-formed command that is illegal in the current state.
func StateConflict(format string, args ...any) *Error {
	return New(CodeFailedPrecondition, WithMessagef(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, WithMessagef(format, args...))
}

// Upstream reports a failing external collaborator after retries were exhausted.
func Upstream(err error, format string, args ...any) *Error {
	return New(CodeUnavailable, WithCause(err), WithMessagef(format, args...))
}

// IsRaceLoss reports whether err is a lost race (late or duplicate submission) rather than a fault.
func IsRaceLoss(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Reason == ReasonDeadlinePassed || e.Reason == ReasonDuplicateAnswer
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(r Reason) Option {
	return optionFunc(func(e *Error) {
		e.Reason = r
	})
}
