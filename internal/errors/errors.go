// Package errors wraps pkg/errors and adds error codes so callers can branch
// on the kind of failure without string matching.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a class of failure. See Is.
type Code string

const (
	ErrUncoded Code = "Uncoded"

	ErrNotFound             Code = "NotFound"
	ErrForeignExecution     Code = "ForeignExecution"
	ErrInvalidTransition    Code = "InvalidLifecycleTransition"
	ErrConsistencyExhausted Code = "ConsistencyExhausted"
	ErrStorageUnavailable   Code = "StorageUnavailable"
	ErrInvalidArgument      Code = "InvalidArgument"

	// Lifecycle reasons. An error carrying one of these also matches
	// ErrInvalidTransition.
	ErrUnpausable             Code = "UnpausablePipeline"
	ErrUnresumable            Code = "UnresumablePipeline"
	ErrSyntheticStageRequired Code = "SyntheticStageRequired"
)

var lifecycleReasons = map[Code]bool{
	ErrUnpausable:             true,
	ErrUnresumable:            true,
	ErrSyntheticStageRequired: true,
}

// New returns a coded error with a stack trace.
func New(code Code, message string) error {
	ce := codedError{Code: code, Message: message}
	if lifecycleReasons[code] {
		ce.Code = ErrInvalidTransition
		ce.Reason = code
	}
	return errors.WithStack(ce)
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithCode returns a coded error whose message includes err's.
func WithCode(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return New(code, message+": "+err.Error())
}

// Is reports whether err, or anything it wraps, carries the given code.
func Is(err error, target Code) bool {
	return errors.Is(err, codedError{Code: target})
}

// CodeOf returns the most specific code carried by err, or ErrUncoded.
func CodeOf(err error) Code {
	var ce codedError
	if !errors.As(err, &ce) {
		return ErrUncoded
	}
	if ce.Reason != "" {
		return ce.Reason
	}
	return ce.Code
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Reason  Code   `json:"reason,omitempty"`
	Message string `json:"message"`
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	e, ok := err.(codedError)
	if !ok {
		return false
	}
	return e.Code == ce.Code || (ce.Reason != "" && e.Code == ce.Reason)
}
