// Package manager keeps the set of displayed notifications.
//
// Notify is an upsert keyed by (tag, id): posting under a key that is already
// displayed replaces it. Every change is fanned out to the configured
// presenters under a shared rate limit; presenter failures are logged and
// never fail the post. When persistence is on, the active set is mirrored
// into storage so it survives restarts.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Manager is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	active  map[Key]*Posted

	// smu orders changes to the active set with their storage writes.
	smu sync.Mutex

	// pmu serializes presenter fan-out so replacements reach presenters in order.
	pmu        sync.Mutex
	presenters []Presenter

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, presenters ...Presenter) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		active:     map[Key]*Posted{},
		presenters: presenters,
		log:        log,
		bus:        bus,
		store:      store,
	}
	m.applyLocked(cfg)
	return m
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
}

func (m *Manager) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	m.cfg = cfg
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Restore loads the persisted active set. Presenters are not re-invoked.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	persist := m.cfg.Persist
	st := m.store
	m.mu.Unlock()
	if !persist || st == nil {
		return nil
	}
	recs, err := st.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("restore active notifications: %w", err)
	}
	m.mu.Lock()
	for _, r := range recs {
		var n notification.Notification
		if err := json.Unmarshal(r.Payload, &n); err != nil {
			m.log.Warn("skipping unreadable stored notification", logx.String("tag", r.Tag), logx.Int("id", r.ID), logx.Err(err))
			continue
		}
		k := Key{Tag: r.Tag, ID: r.ID}
		m.active[k] = &Posted{Key: k, Notification: n, PostedAt: r.PostedAt, UpdatedAt: r.UpdatedAt, Revision: r.Revision}
	}
	n := len(m.active)
	m.mu.Unlock()
	m.log.Info("restored active notifications", logx.Int("count", n))
	return nil
}

// Notify posts n under (tag, id), replacing any notification displayed under the same pair.
// When persistence is on, the active set changes only after the store accepts the record.
func (m *Manager) Notify(ctx context.Context, tag string, id int, n notification.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	k := Key{Tag: tag, ID: id}

	m.smu.Lock()
	m.mu.Lock()
	cfg := m.cfg
	lim := m.limiter
	st := m.store
	prev := m.active[k]
	p := &Posted{Key: k, Notification: n, PostedAt: now, UpdatedAt: now, Revision: 1}
	if prev != nil {
		p.PostedAt = prev.PostedAt
		p.Revision = prev.Revision + 1
	}
	evicted := m.evictionLocked(k, cfg.MaxActive)
	m.mu.Unlock()

	snap := *p
	if cfg.Persist && st != nil {
		if err := m.persist(ctx, st, snap, evicted); err != nil {
			m.smu.Unlock()
			return err
		}
	}
	m.mu.Lock()
	m.active[k] = p
	for _, ek := range evicted {
		delete(m.active, ek)
	}
	m.mu.Unlock()
	m.smu.Unlock()

	replaced := prev != nil
	m.fanout(ctx, lim, cfg.PresentTimeout, func(c context.Context, pr Presenter) error {
		return pr.Present(c, snap, replaced)
	})
	for _, ek := range evicted {
		m.fanout(ctx, lim, cfg.PresentTimeout, func(c context.Context, pr Presenter) error {
			return pr.Dismiss(c, ek)
		})
	}

	typ := eventbus.NotificationPosted
	if replaced {
		typ = eventbus.NotificationReplaced
	}
	eventbus.Emit(m.bus, typ, NotificationEvent{Tag: tag, ID: id, Revision: snap.Revision, Title: n.Title, At: now})
	m.log.Debug("notification posted", logx.String("tag", tag), logx.Int("id", id), logx.Int("revision", snap.Revision), logx.Bool("replaced", replaced))
	return nil
}

// Cancel removes the notification under (tag, id). It reports whether one was displayed.
// A storage failure leaves the notification displayed.
func (m *Manager) Cancel(ctx context.Context, tag string, id int) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	k := Key{Tag: tag, ID: id}

	m.smu.Lock()
	m.mu.Lock()
	_, ok := m.active[k]
	cfg := m.cfg
	lim := m.limiter
	st := m.store
	m.mu.Unlock()
	if !ok {
		m.smu.Unlock()
		return false, nil
	}
	if cfg.Persist && st != nil {
		if err := st.DeleteActive(ctx, tag, id); err != nil {
			m.smu.Unlock()
			return true, fmt.Errorf("delete stored notification: %w", err)
		}
	}
	m.mu.Lock()
	delete(m.active, k)
	m.mu.Unlock()
	m.smu.Unlock()

	m.fanout(ctx, lim, cfg.PresentTimeout, func(c context.Context, pr Presenter) error {
		return pr.Dismiss(c, k)
	})
	eventbus.Emit(m.bus, eventbus.NotificationCanceled, NotificationEvent{Tag: tag, ID: id, At: time.Now()})
	return true, nil
}

// CancelAll removes every displayed notification.
func (m *Manager) CancelAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.smu.Lock()
	m.mu.Lock()
	cfg := m.cfg
	lim := m.limiter
	st := m.store
	m.mu.Unlock()

	if cfg.Persist && st != nil {
		if err := st.ClearActive(ctx); err != nil {
			m.smu.Unlock()
			return fmt.Errorf("clear stored notifications: %w", err)
		}
	}
	m.mu.Lock()
	keys := make([]Key, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	m.active = map[Key]*Posted{}
	m.mu.Unlock()
	m.smu.Unlock()

	for _, k := range keys {
		m.fanout(ctx, lim, cfg.PresentTimeout, func(c context.Context, pr Presenter) error {
			return pr.Dismiss(c, k)
		})
		eventbus.Emit(m.bus, eventbus.NotificationCanceled, NotificationEvent{Tag: k.Tag, ID: k.ID, At: time.Now()})
	}
	return nil
}

// Get returns the notification displayed under (tag, id).
func (m *Manager) Get(tag string, id int) (Posted, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[Key{Tag: tag, ID: id}]
	if !ok {
		return Posted{}, false
	}
	return *p, true
}

// Active returns the displayed notifications, oldest first.
func (m *Manager) Active() []Posted {
	m.mu.Lock()
	out := make([]Posted, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, *p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			if out[i].Key.Tag == out[j].Key.Tag {
				return out[i].Key.ID < out[j].Key.ID
			}
			return out[i].Key.Tag < out[j].Key.Tag
		}
		return out[i].PostedAt.Before(out[j].PostedAt)
	})
	return out
}

// evictionLocked lists the keys to drop, oldest first, so that adding k stays
// within max. k itself is never listed.
func (m *Manager) evictionLocked(k Key, max int) []Key {
	n := len(m.active)
	if _, ok := m.active[k]; !ok {
		n++
	}
	if max <= 0 || n <= max {
		return nil
	}
	cands := make([]*Posted, 0, len(m.active))
	for ck, p := range m.active {
		if ck != k {
			cands = append(cands, p)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].PostedAt.Equal(cands[j].PostedAt) {
			if cands[i].Key.Tag == cands[j].Key.Tag {
				return cands[i].Key.ID < cands[j].Key.ID
			}
			return cands[i].Key.Tag < cands[j].Key.Tag
		}
		return cands[i].PostedAt.Before(cands[j].PostedAt)
	})
	out := make([]Key, 0, n-max)
	for _, p := range cands[:min(n-max, len(cands))] {
		out = append(out, p.Key)
	}
	return out
}

func (m *Manager) persist(ctx context.Context, st storage.Store, p Posted, evicted []Key) error {
	payload, err := json.Marshal(p.Notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	rec := storage.ActiveRecord{Tag: p.Key.Tag, ID: p.Key.ID, Revision: p.Revision, Payload: payload, PostedAt: p.PostedAt, UpdatedAt: p.UpdatedAt}
	if err := st.PutActive(ctx, rec); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	for _, k := range evicted {
		if err := st.DeleteActive(ctx, k.Tag, k.ID); err != nil {
			m.log.Warn("failed to delete evicted notification", logx.String("tag", k.Tag), logx.Int("id", k.ID), logx.Err(err))
		}
	}
	return nil
}

func (m *Manager) fanout(ctx context.Context, lim *rate.Limiter, timeout time.Duration, call func(context.Context, Presenter) error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	for _, pr := range m.presenters {
		if pr == nil {
			continue
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				m.log.Debug("presenter call skipped", logx.String("presenter", pr.Name()), logx.Err(err))
				return
			}
		}
		c, cancel := context.WithTimeout(ctx, timeout)
		err := call(c, pr)
		cancel()
		if err != nil {
			m.log.Warn("presenter failed", logx.String("presenter", pr.Name()), logx.Err(err))
		}
	}
}
