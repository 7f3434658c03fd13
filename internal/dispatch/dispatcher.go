// Package dispatch carries "present a notification" commands from callers to
// the registered handler component and relays the outcome back.
//
// A Dispatcher runs on the caller side: it packs the command into an intent,
// resolves the handler through the registry and hands it to the job runner.
// The Service is the handler side: it validates the intent, builds the
// notification and posts it to the manager, then reports Success or Failure
// to the caller's receiver.
package dispatch

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"

	"notifyd/internal/eventbus"
	"notifyd/internal/intent"
	"notifyd/internal/notification"
	"notifyd/internal/receiver"
	"notifyd/internal/registry"
	logx "notifyd/pkg/logx"
)

// EventAction identifies components able to present notifications.
const EventAction = "notifyd.NOTIFICATION_EVENT"

// PresentType is the only command type understood by the Service.
const PresentType = "present"

// Intent extras.
const (
	ExtraType     = "type"
	ExtraID       = "id"
	ExtraRequest  = "request"
	ExtraBehavior = "behavior"
	ExtraReceiver = "receiver"
)

const (
	routingScheme    = "notifyd"
	routingAuthority = "notifications"

	// DefaultIdentity names the dispatcher queue when none is configured.
	DefaultIdentity = "notifyd.dispatch.Service"
)

// RoutingKey builds the opaque routing URI for identifier.
// It is a correlation token only and is never parsed for meaning.
func RoutingKey(identifier string) *url.URL {
	return &url.URL{
		Scheme:  routingScheme,
		Host:    routingAuthority,
		Path:    "/" + identifier + "/" + PresentType,
		RawPath: "/" + url.PathEscape(identifier) + "/" + PresentType,
	}
}

// JobID derives the stable job queue id for identity.
func JobID(identity string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return h.Sum32()
}

// Resolver finds the component registered for an action.
type Resolver interface {
	Resolve(action string) (registry.Component, bool)
}

// Enqueuer hands an intent to a component in the background.
type Enqueuer interface {
	Enqueue(c registry.Component, jobID uint32, in *intent.Intent) error
}

type DispatcherConfig struct {
	// Identity names the job queue all present commands share.
	Identity string
}

// Dispatcher is safe for concurrent use. It holds no per-command state.
type Dispatcher struct {
	identity string
	jobID    uint32

	reg    Resolver
	runner Enqueuer
	log    logx.Logger
	bus    eventbus.Bus
}

func NewDispatcher(cfg DispatcherConfig, reg Resolver, runner Enqueuer, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		identity = DefaultIdentity
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{identity: identity, jobID: JobID(identity), reg: reg, runner: runner, log: log, bus: bus}
}

// JobID returns the queue id this dispatcher enqueues on.
func (d *Dispatcher) JobID() uint32 { return d.jobID }

// EnqueuePresent asks the registered handler to present req under identifier.
// behavior and recv may be nil. See EnqueuePresentText.
func (d *Dispatcher) EnqueuePresent(identifier string, req notification.Request, behavior *notification.Behavior, recv receiver.Receiver) error {
	return d.EnqueuePresentText(identifier, req.String(), behavior, recv)
}

// EnqueuePresentText is EnqueuePresent for an already serialized request.
// The text is checked by the handler, not here.
//
// It never blocks. When no handler is registered the command is dropped with
// an error log and recv is never called. Otherwise recv receives exactly one
// outcome, including when the runner rejects the command.
func (d *Dispatcher) EnqueuePresentText(identifier, request string, behavior *notification.Behavior, recv receiver.Receiver) error {
	if identifier == "" {
		return ErrNoIdentifier
	}
	recv = receiver.Once(recv)

	in := intent.New(EventAction, RoutingKey(identifier)).
		Put(ExtraType, PresentType).
		Put(ExtraID, identifier).
		Put(ExtraRequest, request)
	if behavior != nil {
		b := *behavior
		in.Put(ExtraBehavior, &b)
	}
	if recv != nil {
		in.Put(ExtraReceiver, recv)
	}

	log := d.log.With(logx.String("intent", in.ID), logx.String("identifier", identifier))

	comp, ok := d.reg.Resolve(EventAction)
	if !ok {
		log.Error("no handler registered for action; command dropped", logx.String("action", EventAction))
		eventbus.Emit(d.bus, eventbus.DispatchUnroutable, Event{IntentID: in.ID, Identifier: identifier, Action: EventAction})
		return nil
	}

	if err := d.runner.Enqueue(comp, d.jobID, in); err != nil {
		log.Warn("enqueue rejected", logx.String("component", comp.Name), logx.Err(err))
		err = fmt.Errorf("enqueue present %q: %w", identifier, err)
		receiver.Failure(recv, err)
		eventbus.Emit(d.bus, eventbus.DispatchFailed, Event{IntentID: in.ID, Identifier: identifier, Action: EventAction, Component: comp.Name, Code: receiver.ExceptionOccurredCode, Error: err.Error()})
		return err
	}

	log.Debug("present enqueued", logx.String("component", comp.Name), logx.Uint32("job_id", d.jobID), logx.String("data", in.DataString()))
	eventbus.Emit(d.bus, eventbus.DispatchEnqueued, Event{IntentID: in.ID, Identifier: identifier, Action: EventAction, Component: comp.Name})
	return nil
}

// Event is the payload of dispatch.* bus events.
type Event struct {
	IntentID   string `json:"intent_id"`
	Identifier string `json:"identifier"`
	Action     string `json:"action"`
	Component  string `json:"component,omitempty"`
	Code       int    `json:"code"`
	Error      string `json:"error,omitempty"`
	TookMS     int64  `json:"took_ms,omitempty"`
}
