package dispatch

import (
	"errors"
	"runtime"
	"strings"
)

var ErrNoIdentifier = errors.New("notification identifier is empty")

// Kind classifies a recognized handling failure.
type Kind string

const (
	KindAction  Kind = "action"
	KindType    Kind = "type"
	KindPayload Kind = "payload"
	KindNull    Kind = "null"
)

// ValidationError is a recognized failure: it is delivered to the receiver
// as a Failure and never reaches the job runner.
type ValidationError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ExceptionType is the type tag receivers see in the failure bundle.
func (e *ValidationError) ExceptionType() string { return "dispatch." + string(e.Kind) }

func invalid(kind Kind, msg string, err error) error {
	return &ValidationError{Kind: kind, Msg: msg, Err: err}
}

// IsValidation reports whether err is a recognized handling failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// nullSafe runs fn and reports a nil pointer or nil map panic as a KindNull
// failure. Other panics propagate unchanged.
func nullSafe(fn func() error) (err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if re, ok := p.(runtime.Error); ok && isNilRef(re) {
			err = invalid(KindNull, "null reference during handling", re)
			return
		}
		panic(p)
	}()
	return fn()
}

func isNilRef(e runtime.Error) bool {
	msg := e.Error()
	return strings.Contains(msg, "nil pointer dereference") || strings.Contains(msg, "nil map")
}
