package receiver

import (
	"context"
	"errors"
	"testing"
	"time"
)

type kindErr struct{ msg string }

func (e kindErr) Error() string         { return e.msg }
func (e kindErr) ExceptionType() string { return "custom.kind" }

func TestFailureBundle(t *testing.T) {
	var (
		gotCode int
		gotB    Bundle
	)
	r := Func(func(code int, b Bundle) { gotCode, gotB = code, b })

	cause := kindErr{msg: "bad input"}
	Failure(r, cause)
	if gotCode != ExceptionOccurredCode {
		t.Fatalf("code=%d", gotCode)
	}
	ex, ok := gotB.Exception()
	if !ok || ex.Type != "custom.kind" || ex.Message != "bad input" {
		t.Fatalf("exception=%+v ok=%v", ex, ok)
	}
	if !errors.Is(ex, cause) {
		t.Fatalf("exception should unwrap to its cause")
	}

	Success(r)
	if gotCode != SuccessCode || gotB != nil {
		t.Fatalf("success code=%d bundle=%v", gotCode, gotB)
	}

	// Nil receivers are ignored.
	Success(nil)
	Failure(nil, cause)
}

func TestExceptionFromError(t *testing.T) {
	if ExceptionFromError(nil) != nil {
		t.Fatalf("nil error should map to nil")
	}
	ex := ExceptionFromError(errors.New("plain"))
	if ex.Type != "*errors.errorString" || ex.Message != "plain" {
		t.Fatalf("ex=%+v", ex)
	}
	inner := &Exception{Type: "t", Message: "m"}
	wrapped := ExceptionFromError(errors.Join(inner))
	if wrapped != inner {
		t.Fatalf("existing exception should be reused")
	}
	if inner.Error() != "t: m" {
		t.Fatalf("error text=%q", inner.Error())
	}
}

func TestOutcomeOf(t *testing.T) {
	if o := OutcomeOf(SuccessCode, nil); !o.OK() || o.Err != nil {
		t.Fatalf("o=%+v", o)
	}
	o := OutcomeOf(ExceptionOccurredCode, nil)
	if o.OK() || o.Err == nil || o.Err.Type != "unknown" {
		t.Fatalf("failure without bundle should still carry an exception, got %+v", o)
	}
}

func TestOnceForwardsFirstSendOnly(t *testing.T) {
	n := 0
	r := Once(Func(func(int, Bundle) { n++ }))
	r.Send(SuccessCode, nil)
	r.Send(ExceptionOccurredCode, nil)
	if n != 1 {
		t.Fatalf("sends=%d", n)
	}
	if Once(r) != r {
		t.Fatalf("Once should not double wrap")
	}
	if Once(nil) != nil {
		t.Fatalf("Once(nil) should stay nil")
	}
}

func TestFuture(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}

	go f.Send(ExceptionOccurredCode, Bundle{ExceptionKey: &Exception{Type: "x", Message: "y"}})
	out, err := f.Wait(context.Background())
	if err != nil || out.OK() || out.Err.Message != "y" {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	f.Send(SuccessCode, nil)
	if out, _ := f.Wait(context.Background()); out.OK() {
		t.Fatalf("second send must not overwrite the result")
	}
}

func TestChanDropsWhenFull(t *testing.T) {
	c := NewChan(1)
	c.Send(SuccessCode, nil)
	c.Send(ExceptionOccurredCode, nil)
	if o := <-c.C; !o.OK() {
		t.Fatalf("o=%+v", o)
	}
	select {
	case o := <-c.C:
		t.Fatalf("unexpected second outcome %+v", o)
	default:
	}
}
