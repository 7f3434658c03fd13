// Package receiver is the async result handle handed to a dispatch.
//
// A Receiver gets exactly one Send per dispatched command: SuccessCode with a
// nil bundle, or ExceptionOccurredCode with the failure under ExceptionKey.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Known result codes.
const (
	SuccessCode           = 0
	ExceptionOccurredCode = -1

	ExceptionKey = "exception"
)

// Bundle carries the result payload. It is nil on success.
type Bundle map[string]any

// Exception returns the failure stored under ExceptionKey.
func (b Bundle) Exception() (*Exception, bool) {
	if b == nil {
		return nil, false
	}
	e, ok := b[ExceptionKey].(*Exception)
	return e, ok && e != nil
}

// Receiver is the caller-supplied callback handle.
// Send is invoked from a runner worker goroutine.
type Receiver interface {
	Send(code int, b Bundle)
}

// Func adapts a plain function to Receiver.
type Func func(code int, b Bundle)

func (f Func) Send(code int, b Bundle) { f(code, b) }

// Exception is the serializable failure description delivered to receivers.
type Exception struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	err error
}

func (e *Exception) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

func (e *Exception) Unwrap() error { return e.err }

// Typed is implemented by errors that carry their own exception type tag.
type Typed interface {
	error
	ExceptionType() string
}

// ExceptionFromError converts err into an Exception. The type tag comes from
// the first Typed error in the chain, falling back to the Go type name.
func ExceptionFromError(err error) *Exception {
	if err == nil {
		return nil
	}
	var ex *Exception
	if errors.As(err, &ex) {
		return ex
	}
	typ := fmt.Sprintf("%T", err)
	var t Typed
	if errors.As(err, &t) {
		typ = t.ExceptionType()
	}
	return &Exception{Type: typ, Message: err.Error(), err: err}
}

// Outcome is the typed view of a delivered result.
type Outcome struct {
	Code int
	Err  *Exception
}

func (o Outcome) OK() bool { return o.Code == SuccessCode }

// OutcomeOf converts a raw Send into an Outcome.
func OutcomeOf(code int, b Bundle) Outcome {
	o := Outcome{Code: code}
	if code != SuccessCode {
		if ex, ok := b.Exception(); ok {
			o.Err = ex
		} else {
			o.Err = &Exception{Type: "unknown", Message: fmt.Sprintf("result code %d", code)}
		}
	}
	return o
}

// Success delivers SuccessCode to r when r is non-nil.
func Success(r Receiver) {
	if r != nil {
		r.Send(SuccessCode, nil)
	}
}

// Failure delivers err to r when r is non-nil.
func Failure(r Receiver, err error) {
	if r != nil {
		r.Send(ExceptionOccurredCode, Bundle{ExceptionKey: ExceptionFromError(err)})
	}
}

// Once wraps r so that only the first Send is forwarded.
func Once(r Receiver) Receiver {
	if r == nil {
		return nil
	}
	if _, ok := r.(*once); ok {
		return r
	}
	return &once{r: r}
}

type once struct {
	o sync.Once
	r Receiver
}

func (o *once) Send(code int, b Bundle) {
	o.o.Do(func() { o.r.Send(code, b) })
}

// Chan delivers outcomes on a buffered channel.
// Sends never block: if the buffer is full the outcome is dropped.
type Chan struct {
	C chan Outcome
}

func NewChan(buffer int) *Chan {
	if buffer <= 0 {
		buffer = 1
	}
	return &Chan{C: make(chan Outcome, buffer)}
}

func (c *Chan) Send(code int, b Bundle) {
	select {
	case c.C <- OutcomeOf(code, b):
	default:
	}
}

// Future is a single-result receiver.
type Future struct {
	once sync.Once
	done chan struct{}
	out  Outcome
}

func NewFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) Send(code int, b Bundle) {
	f.once.Do(func() {
		f.out = OutcomeOf(code, b)
		close(f.done)
	})
}

// Done is closed once a result was delivered.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result arrives or ctx ends.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
