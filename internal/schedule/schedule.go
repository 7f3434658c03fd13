// Package schedule fires present commands on cron or interval schedules.
//
// It only triggers: every fire goes through the dispatcher like any other
// caller, so scheduled notifications get the same validation, queueing and
// replacement semantics.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/receiver"
	logx "notifyd/pkg/logx"
)

var ErrUnknownEntry = errors.New("unknown schedule")

type Config struct {
	Timezone string // IANA TZ; empty means local
	Entries  []Entry
}

// Entry presents Request under Identifier each time Schedule fires.
type Entry struct {
	Name       string                 `json:"name"`
	Schedule   string                 `json:"schedule"`
	Identifier string                 `json:"identifier"`
	Request    json.RawMessage        `json:"request"`
	Behavior   *notification.Behavior `json:"behavior,omitempty"`
}

// Presenter is the dispatcher side used to fire entries.
type Presenter interface {
	EnqueuePresentText(identifier, request string, behavior *notification.Behavior, recv receiver.Receiver) error
}

// Status describes one registered entry.
type Status struct {
	Name       string
	Identifier string
	Spec       string
	Next       time.Time
	Prev       time.Time
	Fired      uint64
	LastCode   int
	LastError  string
}

// FireEvent is the payload of schedule.fired events.
type FireEvent struct {
	Name       string    `json:"name"`
	Identifier string    `json:"identifier"`
	At         time.Time `json:"at"`
}

type entryState struct {
	Entry
	spec    Spec
	id      cron.EntryID
	fired   uint64
	lastErr string
	code    int
}

type Scheduler struct {
	mu      sync.Mutex
	log     logx.Logger
	bus     eventbus.Bus
	target  Presenter
	parser  cron.Parser
	loc     *time.Location
	c       *cron.Cron
	entries map[string]*entryState
}

func New(target Presenter, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:    log,
		bus:    bus,
		target: target,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     time.Local,
		entries: map[string]*entryState{},
	}
}

// Apply validates cfg and replaces every registered entry. On error nothing
// changes.
func (s *Scheduler) Apply(cfg Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("schedule timezone: %w", err)
		}
		loc = l
	}

	next := make(map[string]*entryState, len(cfg.Entries))
	for i, e := range cfg.Entries {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			e.Name = fmt.Sprintf("schedule-%d", i+1)
		}
		if _, dup := next[e.Name]; dup {
			return fmt.Errorf("schedule %q: duplicate name", e.Name)
		}
		if strings.TrimSpace(e.Identifier) == "" {
			return fmt.Errorf("schedule %q: identifier required", e.Name)
		}
		if len(e.Request) > 0 {
			if _, err := notification.ParseRequest(string(e.Request)); err != nil {
				return fmt.Errorf("schedule %q: %w", e.Name, err)
			}
		}
		spec, err := ParseSpec(e.Schedule)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		if spec.IsCron() {
			if _, err := s.parser.Parse(spec.Cron); err != nil {
				return fmt.Errorf("schedule %q: %w", e.Name, err)
			}
		}
		next[e.Name] = &entryState{Entry: e, spec: spec}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.c != nil
	if running {
		s.stopLocked()
	}
	s.loc = loc
	s.entries = next
	if running {
		s.startLocked()
	}
	return nil
}

// Start is idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) startLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	now := time.Now().In(s.loc)
	for name, st := range s.entries {
		name := name
		job := cron.FuncJob(func() { _ = s.Fire(name) })
		if st.spec.IsCron() {
			id, err := s.c.AddJob(st.spec.Cron, job)
			if err != nil {
				s.log.Warn("schedule rejected", logx.String("name", name), logx.Err(err))
				continue
			}
			st.id = id
			continue
		}
		sched, jitter := intervalSchedule(st.spec.Every, now, name)
		st.id = s.c.Schedule(sched, job)
		s.log.Debug("interval schedule registered", logx.String("name", name), logx.Duration("every", st.spec.Every), logx.Duration("startup_spread", jitter))
	}
	s.c.Start()
}

func (s *Scheduler) stopLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
}

// Fire presents the named entry now.
func (s *Scheduler) Fire(name string) error {
	s.mu.Lock()
	st, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	e := st.Entry
	st.fired++
	s.mu.Unlock()

	req := "{}"
	if len(e.Request) > 0 {
		req = string(e.Request)
	}
	recv := receiver.Func(func(code int, b receiver.Bundle) {
		out := receiver.OutcomeOf(code, b)
		s.mu.Lock()
		if cur, ok := s.entries[name]; ok {
			cur.code = code
			cur.lastErr = ""
			if out.Err != nil {
				cur.lastErr = out.Err.Message
			}
		}
		s.mu.Unlock()
		if !out.OK() {
			s.log.Warn("scheduled notification failed", logx.String("name", name), logx.String("error", out.Err.Message))
		}
	})

	eventbus.Emit(s.bus, eventbus.ScheduleFired, FireEvent{Name: name, Identifier: e.Identifier, At: time.Now()})
	if err := s.target.EnqueuePresentText(e.Identifier, req, e.Behavior, recv); err != nil {
		s.log.Warn("scheduled enqueue failed", logx.String("name", name), logx.Err(err))
		return err
	}
	return nil
}

// Entries returns the registered entries sorted by name.
func (s *Scheduler) Entries() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.entries))
	for name, st := range s.entries {
		status := Status{Name: name, Identifier: st.Identifier, Spec: st.spec.String(), Fired: st.fired, LastCode: st.code, LastError: st.lastErr}
		if s.c != nil && st.id != 0 {
			ce := s.c.Entry(st.id)
			status.Next, status.Prev = ce.Next, ce.Prev
		}
		out = append(out, status)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
