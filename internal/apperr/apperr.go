// Package apperr defines the error kinds shared by every pipeline component
// and their mapping onto HTTP status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindNotFound        Kind = "not_found"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstream        Kind = "upstream_error"
	KindSQLInvalid      Kind = "sql_invalid"
	KindDepthExceeded   Kind = "depth_exceeded"
	KindFatal           Kind = "fatal"
)

type Error struct {
	Kind    Kind
	Source  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Source != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Source, e.Message)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(field, reason string) *Error {
	return &Error{Kind: KindValidation, Source: field, Message: reason}
}

func Auth(reason string) *Error {
	return &Error{Kind: KindAuth, Message: reason}
}

func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// Upstream carries the upstream message verbatim.
func Upstream(source string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindUpstream, Source: source, Message: msg, Err: err}
}

func UpstreamTimeout(source string, err error) *Error {
	return &Error{Kind: KindUpstreamTimeout, Source: source, Message: "deadline exceeded", Err: err}
}

func SQLInvalid(errs []string) *Error {
	msg := "sql invalid"
	if len(errs) > 0 {
		msg = errs[0]
	}
	return &Error{Kind: KindSQLInvalid, Message: msg}
}

func DepthExceeded(depth int) *Error {
	return &Error{Kind: KindDepthExceeded, Message: fmt.Sprintf("correction depth %d exhausted", depth)}
}

func Fatal(reason string, err error) *Error {
	return &Error{Kind: KindFatal, Message: reason, Err: err}
}

// FromCall classifies an error returned by an external call.
func FromCall(source string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout(source, err)
	}
	return Upstream(source, err)
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	case KindSQLInvalid, KindDepthExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
