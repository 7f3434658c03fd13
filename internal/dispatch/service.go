package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/intent"
	"notifyd/internal/notification"
	"notifyd/internal/receiver"
	"notifyd/internal/registry"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Notifier posts a built notification under (tag, id).
type Notifier interface {
	Notify(ctx context.Context, tag string, id int, n notification.Notification) error
}

// Auditor records delivered outcomes. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Option func(*Service)

func WithTagPolicy(p TagPolicy) Option {
	return func(s *Service) {
		if p != nil {
			s.tag = p
		}
	}
}

func WithIDPolicy(p IDPolicy) Option {
	return func(s *Service) {
		if p != nil {
			s.id = p
		}
	}
}

func WithBuilder(f notification.BuilderFactory) Option {
	return func(s *Service) {
		if f != nil {
			s.builder = f
		}
	}
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.audit = a }
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithName sets the registry component name (default "notifications").
func WithName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.name = name
		}
	}
}

// Service is the handler component for EventAction.
type Service struct {
	name    string
	notify  Notifier
	builder notification.BuilderFactory
	tag     TagPolicy
	id      IDPolicy

	log   logx.Logger
	bus   eventbus.Bus
	audit Auditor
}

func NewService(n Notifier, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		name:    "notifications",
		notify:  n,
		builder: notification.NewContentBuilder,
		tag:     DefaultTag,
		id:      DefaultID,
		log:     log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Component declares the service for registry registration.
func (s *Service) Component() registry.Component {
	return registry.Component{Name: s.name, Actions: []string{EventAction}, Handler: s}
}

// HandleCommand runs one present command. Recognized failures (see
// ValidationError) are reported to the receiver and absorbed; any other
// error is returned to the job runner without a callback. A nil dereference
// while handling counts as a recognized KindNull failure.
func (s *Service) HandleCommand(ctx context.Context, in *intent.Intent) error {
	if in == nil {
		s.log.Warn("nil intent ignored")
		return nil
	}
	start := time.Now()
	recv, _ := intent.Extra[receiver.Receiver](in, ExtraReceiver)
	identifier, _ := in.String(ExtraID)
	log := s.log.With(logx.String("intent", in.ID), logx.String("identifier", identifier))

	err := nullSafe(func() error { return s.handle(ctx, in, identifier) })

	var verr *ValidationError
	switch {
	case err == nil:
		log.Debug("notification presented", logx.Duration("took", time.Since(start)))
		receiver.Success(recv)
		s.record(ctx, in, identifier, start, nil)
		return nil
	case errors.As(err, &verr):
		log.Warn("present command rejected", logx.String("kind", string(verr.Kind)), logx.Err(err))
		receiver.Failure(recv, verr)
		s.record(ctx, in, identifier, start, verr)
		return nil
	default:
		return err
	}
}

func (s *Service) handle(ctx context.Context, in *intent.Intent, identifier string) error {
	if in.Action != EventAction {
		return invalid(KindAction, fmt.Sprintf("unrecognized action %q", in.Action), nil)
	}
	if typ, _ := in.String(ExtraType); typ != PresentType {
		return invalid(KindType, fmt.Sprintf("unrecognized type %q", typ), nil)
	}
	if identifier == "" {
		return invalid(KindNull, "missing notification identifier", nil)
	}
	text, ok := in.String(ExtraRequest)
	if !ok {
		return invalid(KindNull, "missing notification request", nil)
	}
	req, err := notification.ParseRequest(text)
	if err != nil {
		return invalid(KindPayload, "malformed notification request", err)
	}
	var behavior *notification.Behavior
	if in.Has(ExtraBehavior) {
		b, ok := intent.Extra[*notification.Behavior](in, ExtraBehavior)
		if !ok {
			return invalid(KindPayload, fmt.Sprintf("unexpected behavior type %T", in.Get(ExtraBehavior)), nil)
		}
		behavior = b
	}

	err = s.PresentNotification(ctx, identifier, req, behavior)
	switch {
	case errors.Is(err, notification.ErrMalformed):
		return invalid(KindPayload, "malformed notification content", err)
	case errors.Is(err, notification.ErrNoRequest):
		return invalid(KindNull, "builder received no request", err)
	}
	return err
}

// PresentNotification builds the notification and posts it under the tag and
// id computed by the configured policies. A nil behavior means defaults.
func (s *Service) PresentNotification(ctx context.Context, identifier string, req notification.Request, behavior *notification.Behavior) error {
	if s.notify == nil {
		return invalid(KindNull, "no notification manager configured", nil)
	}
	n, err := s.builder().WithRequest(req).WithBehavior(behavior).Build()
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	tag := s.tag(identifier, req)
	id := s.id(identifier, req)
	if err := s.notify.Notify(ctx, tag, id, n); err != nil {
		return fmt.Errorf("notify %q/%d: %w", tag, id, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, in *intent.Intent, identifier string, start time.Time, verr *ValidationError) {
	took := time.Since(start)
	ev := Event{IntentID: in.ID, Identifier: identifier, Action: in.Action, Component: s.name, TookMS: took.Milliseconds()}
	entry := storage.AuditEntry{At: time.Now(), IntentID: in.ID, Identifier: identifier, Action: in.Action, Component: s.name, TookMS: ev.TookMS}
	typ := eventbus.DispatchSucceeded
	if verr != nil {
		typ = eventbus.DispatchFailed
		ev.Code = receiver.ExceptionOccurredCode
		ev.Error = verr.Error()
		entry.Code = receiver.ExceptionOccurredCode
		entry.ExceptionType = verr.ExceptionType()
		entry.ExceptionMessage = verr.Error()
	}
	eventbus.Emit(s.bus, typ, ev)

	if s.audit == nil {
		return
	}
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		s.log.Warn("audit append failed", logx.String("intent", in.ID), logx.Err(err))
	}
}
