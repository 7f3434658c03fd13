package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/intent"
	"notifyd/internal/jobs"
	"notifyd/internal/manager"
	"notifyd/internal/notification"
	"notifyd/internal/receiver"
	"notifyd/internal/registry"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type posted struct {
	tag string
	id  int
	n   notification.Notification
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []posted
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, tag string, id int, n notification.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, posted{tag, id, n})
	return f.err
}

func (f *fakeNotifier) snapshot() []posted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]posted(nil), f.calls...)
}

// spyBuilder records what it was given and delegates to the content builder.
type spyBuilder struct {
	mu       sync.Mutex
	requests []string
	behavior []*notification.Behavior
}

func (s *spyBuilder) factory() notification.Builder {
	return &spyBuild{spy: s, inner: notification.NewContentBuilder()}
}

type spyBuild struct {
	spy   *spyBuilder
	inner notification.Builder
	req   notification.Request
	b     *notification.Behavior
}

func (b *spyBuild) WithRequest(r notification.Request) notification.Builder {
	b.req = r
	b.inner.WithRequest(r)
	return b
}

func (b *spyBuild) WithBehavior(bh *notification.Behavior) notification.Builder {
	b.b = bh
	b.inner.WithBehavior(bh)
	return b
}

func (b *spyBuild) Build() (notification.Notification, error) {
	b.spy.mu.Lock()
	b.spy.requests = append(b.spy.requests, b.req.String())
	b.spy.behavior = append(b.spy.behavior, b.b)
	b.spy.mu.Unlock()
	return b.inner.Build()
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *fakeAuditor) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

type harness struct {
	disp   *Dispatcher
	svc    *Service
	runner *jobs.Runner
	reg    *registry.Registry
	bus    eventbus.Bus
}

func newHarness(t *testing.T, n Notifier, opts ...Option) *harness {
	t.Helper()
	bus := eventbus.New()
	reg := registry.New()
	runner := jobs.New(jobs.Config{Enabled: true, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, logx.Nop(), bus)
	runner.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runner.Stop(ctx)
	})

	opts = append([]Option{WithBus(bus)}, opts...)
	svc := NewService(n, logx.Nop(), opts...)
	if err := reg.Register(svc.Component()); err != nil {
		t.Fatalf("register: %v", err)
	}
	disp := NewDispatcher(DispatcherConfig{}, reg, runner, logx.Nop(), bus)
	return &harness{disp: disp, svc: svc, runner: runner, reg: reg, bus: bus}
}

func wait(t *testing.T, f *receiver.Future) receiver.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("no outcome delivered: %v", err)
	}
	return out
}

// waitIdle blocks until the runner has processed n jobs.
func waitIdle(t *testing.T, r *jobs.Runner, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Snapshot().Processed < n {
		if time.Now().After(deadline) {
			t.Fatalf("runner processed %d jobs, want %d", r.Snapshot().Processed, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEnqueuePresentDeliversExactlyOneOutcome(t *testing.T) {
	h := newHarness(t, &fakeNotifier{})

	cases := []struct {
		name     string
		text     string
		behavior *notification.Behavior
		wantCode int
	}{
		{"plain", `{"title":"a"}`, nil, receiver.SuccessCode},
		{"nested content", `{"content":{"title":"b","body":"x"}}`, &notification.Behavior{ShouldShowAlert: true}, receiver.SuccessCode},
		{"empty object", `{}`, nil, receiver.SuccessCode},
		{"malformed", `[1,2`, nil, receiver.ExceptionOccurredCode},
		{"not an object", `"str"`, nil, receiver.ExceptionOccurredCode},
	}
	for i, tc := range cases {
		var count int32
		codes := make(chan int, 4)
		recv := receiver.Func(func(code int, _ receiver.Bundle) {
			atomic.AddInt32(&count, 1)
			codes <- code
		})
		if err := h.disp.EnqueuePresentText("id-"+tc.name, tc.text, tc.behavior, recv); err != nil {
			t.Fatalf("%s: enqueue: %v", tc.name, err)
		}
		waitIdle(t, h.runner, uint64(i+1))
		if got := atomic.LoadInt32(&count); got != 1 {
			t.Fatalf("%s: callbacks=%d", tc.name, got)
		}
		if code := <-codes; code != tc.wantCode {
			t.Fatalf("%s: code=%d want %d", tc.name, code, tc.wantCode)
		}
	}
}

func TestEnqueuePresentWithoutHandlerIsDropped(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	var called int32
	enq := jobs.New(jobs.Config{Enabled: true}, logx.Nop(), nil)
	disp := NewDispatcher(DispatcherConfig{}, registry.New(), enq, logx.Nop(), bus)
	err := disp.EnqueuePresent("abc", notification.MustRequest(`{"title":"hi"}`), nil, receiver.Func(func(int, receiver.Bundle) {
		atomic.AddInt32(&called, 1)
	}))
	if err != nil {
		t.Fatalf("unroutable command must not surface an error, got %v", err)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.DispatchUnroutable {
			t.Fatalf("event=%s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no unroutable event")
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&called) != 0 {
		t.Fatalf("receiver must not be called without a handler")
	}
}

func TestSameIdentifierReplaces(t *testing.T) {
	mgr := manager.New(manager.Config{RatePerSec: 1000}, logx.Nop(), nil, nil)
	h := newHarness(t, mgr)

	first := receiver.NewFuture()
	second := receiver.NewFuture()
	_ = h.disp.EnqueuePresent("abc", notification.MustRequest(`{"title":"one"}`), nil, first)
	_ = h.disp.EnqueuePresent("abc", notification.MustRequest(`{"title":"two"}`), nil, second)
	if !wait(t, first).OK() || !wait(t, second).OK() {
		t.Fatalf("expected both commands to succeed")
	}

	active := mgr.Active()
	if len(active) != 1 {
		t.Fatalf("expected one displayed notification, got %d", len(active))
	}
	if active[0].Notification.Title != "two" || active[0].Revision != 2 {
		t.Fatalf("active=%+v", active[0])
	}
}

func TestMalformedPayloadFails(t *testing.T) {
	n := &fakeNotifier{}
	h := newHarness(t, n)

	f := receiver.NewFuture()
	if err := h.disp.EnqueuePresentText("x", "{not json", nil, f); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := wait(t, f)
	if out.Code != receiver.ExceptionOccurredCode || out.Err == nil {
		t.Fatalf("outcome=%+v", out)
	}
	if !strings.Contains(out.Err.Message, "malformed") {
		t.Fatalf("message should reference malformed input: %q", out.Err.Message)
	}
	if out.Err.Type != "dispatch.payload" {
		t.Fatalf("type=%q", out.Err.Type)
	}
	if !errors.Is(out.Err, notification.ErrMalformed) {
		t.Fatalf("exception should unwrap to ErrMalformed")
	}
	if len(n.snapshot()) != 0 {
		t.Fatalf("nothing should be posted")
	}
}

func TestUnrecognizedTypeFails(t *testing.T) {
	svc := NewService(&fakeNotifier{}, logx.Nop())
	f := receiver.NewFuture()
	in := intent.New(EventAction, RoutingKey("abc")).
		Put(ExtraType, "dismiss").
		Put(ExtraID, "abc").
		Put(ExtraRequest, `{}`).
		Put(ExtraReceiver, receiver.Receiver(f))

	if err := svc.HandleCommand(context.Background(), in); err != nil {
		t.Fatalf("recognized failures are absorbed, got %v", err)
	}
	out := wait(t, f)
	if out.OK() || out.Err.Type != "dispatch.type" || !strings.Contains(out.Err.Message, "unrecognized type") {
		t.Fatalf("outcome=%+v err=%+v", out, out.Err)
	}
}

func TestHandleCommandValidation(t *testing.T) {
	cases := []struct {
		name string
		in   *intent.Intent
		kind string
	}{
		{"action", intent.New("other.ACTION", nil).Put(ExtraType, PresentType).Put(ExtraID, "a").Put(ExtraRequest, `{}`), "dispatch.action"},
		{"missing id", intent.New(EventAction, nil).Put(ExtraType, PresentType).Put(ExtraRequest, `{}`), "dispatch.null"},
		{"missing request", intent.New(EventAction, nil).Put(ExtraType, PresentType).Put(ExtraID, "a"), "dispatch.null"},
		{"bad behavior", intent.New(EventAction, nil).Put(ExtraType, PresentType).Put(ExtraID, "a").Put(ExtraRequest, `{}`).Put(ExtraBehavior, "loud"), "dispatch.payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			audit := &fakeAuditor{}
			svc := NewService(&fakeNotifier{}, logx.Nop(), WithAuditor(audit))
			f := receiver.NewFuture()
			tc.in.Put(ExtraReceiver, receiver.Receiver(f))
			if err := svc.HandleCommand(context.Background(), tc.in); err != nil {
				t.Fatalf("err=%v", err)
			}
			out := wait(t, f)
			if out.OK() || out.Err.Type != tc.kind {
				t.Fatalf("outcome=%+v err=%+v", out, out.Err)
			}
			if len(audit.entries) != 1 || audit.entries[0].Code != receiver.ExceptionOccurredCode || audit.entries[0].ExceptionType != tc.kind {
				t.Fatalf("audit=%+v", audit.entries)
			}
		})
	}
}

func TestConcreteScenarioAbc(t *testing.T) {
	n := &fakeNotifier{}
	spy := &spyBuilder{}
	h := newHarness(t, n, WithBuilder(spy.factory))

	f := receiver.NewFuture()
	if err := h.disp.EnqueuePresent("abc", notification.MustRequest(`{"title":"hi"}`), nil, f); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := wait(t, f)
	if out.Code != receiver.SuccessCode {
		t.Fatalf("code=%d err=%v", out.Code, out.Err)
	}

	spy.mu.Lock()
	if len(spy.requests) != 1 || spy.requests[0] != `{"title":"hi"}` || spy.behavior[0] != nil {
		t.Fatalf("builder got requests=%v behavior=%v", spy.requests, spy.behavior)
	}
	spy.mu.Unlock()

	calls := n.snapshot()
	if len(calls) != 1 || calls[0].tag != "abc" || calls[0].id != 0 || calls[0].n.Title != "hi" {
		t.Fatalf("notify calls=%+v", calls)
	}
}

func TestUnanticipatedErrorReachesRunner(t *testing.T) {
	boom := errors.New("disk on fire")
	svc := NewService(&fakeNotifier{err: boom}, logx.Nop())
	var called int32
	in := intent.New(EventAction, nil).
		Put(ExtraType, PresentType).
		Put(ExtraID, "a").
		Put(ExtraRequest, `{}`).
		Put(ExtraReceiver, receiver.Receiver(receiver.Func(func(int, receiver.Bundle) { atomic.AddInt32(&called, 1) })))

	err := svc.HandleCommand(context.Background(), in)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the notifier error, got %v", err)
	}
	if IsValidation(err) {
		t.Fatalf("notifier failure must not be classified as validation")
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatalf("no callback on unanticipated errors")
	}
}

// lookupNotifier dereferences a missing map entry, the way a handler with a
// stale cache would.
type lookupNotifier struct {
	last map[string]*notification.Notification
}

func (l *lookupNotifier) Notify(_ context.Context, tag string, _ int, n notification.Notification) error {
	if l.last[tag].Title == n.Title {
		return errors.New("duplicate title")
	}
	return nil
}

func TestNilDereferenceFailsReceiver(t *testing.T) {
	h := newHarness(t, &lookupNotifier{last: map[string]*notification.Notification{}})

	f := receiver.NewFuture()
	if err := h.disp.EnqueuePresentText("a", `{"title":"t"}`, nil, f); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := wait(t, f)
	if out.Code != receiver.ExceptionOccurredCode || out.Err == nil {
		t.Fatalf("outcome=%+v", out)
	}
	if out.Err.Type != "dispatch.null" {
		t.Fatalf("type=%q", out.Err.Type)
	}
	waitIdle(t, h.runner, 1)
	if got := h.runner.Snapshot().Faults; got != 0 {
		t.Fatalf("faults=%d, want 0", got)
	}
}

func TestOtherPanicsStillReachRunner(t *testing.T) {
	defer func() {
		if p := recover(); p == nil {
			t.Fatalf("expected the panic to propagate")
		}
	}()
	_ = nullSafe(func() error { panic("boom") })
}

func TestPoliciesAndBehavior(t *testing.T) {
	n := &fakeNotifier{}
	svc := NewService(n, logx.Nop(), WithTagPolicy(TagFromField("group")), WithIDPolicy(IDFromField("slot")))
	req := notification.MustRequest(`{"title":"t","group":"news","slot":7,"sound":true}`)
	if err := svc.PresentNotification(context.Background(), "abc", req, &notification.Behavior{ShouldPlaySound: false, ShouldShowAlert: true}); err != nil {
		t.Fatalf("present: %v", err)
	}
	if err := svc.PresentNotification(context.Background(), "def", notification.MustRequest(`{"slot":"x"}`), nil); err != nil {
		t.Fatalf("present: %v", err)
	}
	calls := n.snapshot()
	if calls[0].tag != "news" || calls[0].id != 7 || calls[0].n.Sound != "" {
		t.Fatalf("first=%+v", calls[0])
	}
	if calls[1].tag != "def" || calls[1].id != 0 {
		t.Fatalf("second=%+v", calls[1])
	}
}

func TestRunnerRejectionFailsReceiver(t *testing.T) {
	reg := registry.New()
	svc := NewService(&fakeNotifier{}, logx.Nop())
	if err := reg.Register(svc.Component()); err != nil {
		t.Fatalf("register: %v", err)
	}
	stopped := jobs.New(jobs.Config{Enabled: true}, logx.Nop(), nil)
	disp := NewDispatcher(DispatcherConfig{}, reg, stopped, logx.Nop(), nil)

	f := receiver.NewFuture()
	err := disp.EnqueuePresent("abc", notification.MustRequest(`{}`), nil, f)
	if !errors.Is(err, jobs.ErrStopped) {
		t.Fatalf("err=%v", err)
	}
	if out := wait(t, f); out.OK() {
		t.Fatalf("expected failure outcome")
	}
}

func TestEnqueuePresentRequiresIdentifier(t *testing.T) {
	disp := NewDispatcher(DispatcherConfig{}, registry.New(), jobs.New(jobs.Config{}, logx.Nop(), nil), logx.Nop(), nil)
	if err := disp.EnqueuePresent("", notification.Request{}, nil, nil); !errors.Is(err, ErrNoIdentifier) {
		t.Fatalf("err=%v", err)
	}
}

func TestRoutingKeyAndJobID(t *testing.T) {
	if got := RoutingKey("abc").String(); got != "notifyd://notifications/abc/present" {
		t.Fatalf("key=%s", got)
	}
	if got := RoutingKey("a/b c").String(); got != "notifyd://notifications/a%2Fb%20c/present" {
		t.Fatalf("escaped key=%s", got)
	}
	if JobID("x") != JobID("x") || JobID("x") == JobID("y") {
		t.Fatalf("job id must be stable and identity-specific")
	}
	d := NewDispatcher(DispatcherConfig{}, registry.New(), nil, logx.Nop(), nil)
	if d.JobID() != JobID(DefaultIdentity) {
		t.Fatalf("default identity not applied")
	}
}
