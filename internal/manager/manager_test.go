package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type recorder struct {
	mu        sync.Mutex
	presented []string
	replaced  []bool
	dismissed []Key
	fail      bool
}

func (r *recorder) Name() string { return "rec" }

func (r *recorder) Present(_ context.Context, p Posted, replaced bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presented = append(r.presented, p.Notification.Title)
	r.replaced = append(r.replaced, replaced)
	if r.fail {
		return errors.New("presenter down")
	}
	return nil
}

func (r *recorder) Dismiss(_ context.Context, k Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dismissed = append(r.dismissed, k)
	return nil
}

func fastConfig() Config { return Config{RatePerSec: 1000} }

func TestNotifyReplacesSameKey(t *testing.T) {
	rec := &recorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	m := New(fastConfig(), logx.Nop(), bus, nil, rec)
	ctx := context.Background()

	if err := m.Notify(ctx, "abc", 0, notification.Notification{Title: "one"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := m.Notify(ctx, "abc", 0, notification.Notification{Title: "two"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := m.Notify(ctx, "abc", 1, notification.Notification{Title: "other id"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	active := m.Active()
	if len(active) != 2 {
		t.Fatalf("active=%+v", active)
	}
	p, ok := m.Get("abc", 0)
	if !ok || p.Notification.Title != "two" || p.Revision != 2 {
		t.Fatalf("get=%+v ok=%v", p, ok)
	}
	if len(rec.replaced) != 3 || rec.replaced[0] || !rec.replaced[1] || rec.replaced[2] {
		t.Fatalf("replaced flags=%v", rec.replaced)
	}

	var types []string
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events=%v", types)
		}
	}
	if types[0] != eventbus.NotificationPosted || types[1] != eventbus.NotificationReplaced || types[2] != eventbus.NotificationPosted {
		t.Fatalf("events=%v", types)
	}
}

func TestPresenterFailureDoesNotFailNotify(t *testing.T) {
	rec := &recorder{fail: true}
	m := New(fastConfig(), logx.Nop(), nil, nil, rec)
	if err := m.Notify(context.Background(), "t", 0, notification.Notification{Title: "x"}); err != nil {
		t.Fatalf("notify should be best-effort, got %v", err)
	}
	if _, ok := m.Get("t", 0); !ok {
		t.Fatalf("notification should still be active")
	}
}

func TestCancel(t *testing.T) {
	rec := &recorder{}
	m := New(fastConfig(), logx.Nop(), nil, nil, rec)
	ctx := context.Background()
	_ = m.Notify(ctx, "a", 0, notification.Notification{Title: "a"})
	_ = m.Notify(ctx, "b", 0, notification.Notification{Title: "b"})
	_ = m.Notify(ctx, "c", 0, notification.Notification{Title: "c"})

	ok, err := m.Cancel(ctx, "a", 0)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.Cancel(ctx, "a", 0); ok {
		t.Fatalf("second cancel should report nothing displayed")
	}
	if err := m.CancelAll(ctx); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if n := len(m.Active()); n != 0 {
		t.Fatalf("active=%d", n)
	}
	if len(rec.dismissed) != 3 {
		t.Fatalf("dismissed=%v", rec.dismissed)
	}
}

func TestMaxActiveEvictsOldest(t *testing.T) {
	rec := &recorder{}
	m := New(Config{RatePerSec: 1000, MaxActive: 2}, logx.Nop(), nil, nil, rec)
	ctx := context.Background()
	for _, tag := range []string{"a", "b", "c"} {
		_ = m.Notify(ctx, tag, 0, notification.Notification{Title: tag})
		time.Sleep(time.Millisecond)
	}
	active := m.Active()
	if len(active) != 2 || active[0].Key.Tag != "b" || active[1].Key.Tag != "c" {
		t.Fatalf("active=%+v", active)
	}
	if len(rec.dismissed) != 1 || rec.dismissed[0].Tag != "a" {
		t.Fatalf("dismissed=%v", rec.dismissed)
	}
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	cfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "notifyd.json")}
	st, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	mcfg := Config{RatePerSec: 1000, Persist: true}
	m := New(mcfg, logx.Nop(), nil, st)
	_ = m.Notify(ctx, "keep", 0, notification.Notification{Title: "kept", Body: "b"})
	_ = m.Notify(ctx, "drop", 0, notification.Notification{Title: "dropped"})
	_, _ = m.Cancel(ctx, "drop", 0)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	m2 := New(mcfg, logx.Nop(), nil, st2)
	if err := m2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	active := m2.Active()
	if len(active) != 1 || active[0].Key.Tag != "keep" || active[0].Notification.Body != "b" {
		t.Fatalf("restored=%+v", active)
	}
}

// memStore keeps active records in memory and can be told to fail writes.
type memStore struct {
	storage.Store

	mu      sync.Mutex
	active  map[Key]storage.ActiveRecord
	failPut error
	failDel error
}

func newMemStore() *memStore { return &memStore{active: map[Key]storage.ActiveRecord{}} }

func (s *memStore) PutActive(_ context.Context, r storage.ActiveRecord) error {
	// A slow write widens the window for racing writers.
	time.Sleep(100 * time.Microsecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.active[Key{Tag: r.Tag, ID: r.ID}] = r
	return nil
}

func (s *memStore) DeleteActive(_ context.Context, tag string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDel != nil {
		return s.failDel
	}
	delete(s.active, Key{Tag: tag, ID: id})
	return nil
}

func (s *memStore) ClearActive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDel != nil {
		return s.failDel
	}
	s.active = map[Key]storage.ActiveRecord{}
	return nil
}

func (s *memStore) get(k Key) (storage.ActiveRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[k]
	return r, ok
}

func TestNotifyStorageFailureLeavesStateUnchanged(t *testing.T) {
	rec := &recorder{}
	st := newMemStore()
	m := New(Config{RatePerSec: 1000, Persist: true}, logx.Nop(), nil, st, rec)
	ctx := context.Background()

	if err := m.Notify(ctx, "a", 0, notification.Notification{Title: "first"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	diskFull := errors.New("disk full")
	st.mu.Lock()
	st.failPut = diskFull
	st.mu.Unlock()

	if err := m.Notify(ctx, "b", 0, notification.Notification{Title: "new"}); !errors.Is(err, diskFull) {
		t.Fatalf("expected the storage error, got %v", err)
	}
	if _, ok := m.Get("b", 0); ok {
		t.Fatalf("failed post must not become active")
	}
	if err := m.Notify(ctx, "a", 0, notification.Notification{Title: "second"}); !errors.Is(err, diskFull) {
		t.Fatalf("expected the storage error, got %v", err)
	}
	p, ok := m.Get("a", 0)
	if !ok || p.Notification.Title != "first" || p.Revision != 1 {
		t.Fatalf("failed replace must keep the previous notification: %+v ok=%v", p, ok)
	}
	rec.mu.Lock()
	presented := len(rec.presented)
	rec.mu.Unlock()
	if presented != 1 {
		t.Fatalf("presenters saw %d posts, want 1", presented)
	}
}

func TestNotifyStorageFailureKeepsEvictionCandidate(t *testing.T) {
	st := newMemStore()
	m := New(Config{RatePerSec: 1000, MaxActive: 1, Persist: true}, logx.Nop(), nil, st)
	ctx := context.Background()
	_ = m.Notify(ctx, "old", 0, notification.Notification{Title: "old"})

	st.mu.Lock()
	st.failPut = errors.New("disk full")
	st.mu.Unlock()
	if err := m.Notify(ctx, "new", 0, notification.Notification{Title: "new"}); err == nil {
		t.Fatalf("expected an error")
	}
	active := m.Active()
	if len(active) != 1 || active[0].Key.Tag != "old" {
		t.Fatalf("active=%+v", active)
	}
}

func TestCancelStorageFailureKeepsNotification(t *testing.T) {
	rec := &recorder{}
	st := newMemStore()
	m := New(Config{RatePerSec: 1000, Persist: true}, logx.Nop(), nil, st, rec)
	ctx := context.Background()
	_ = m.Notify(ctx, "a", 0, notification.Notification{Title: "a"})

	st.mu.Lock()
	st.failDel = errors.New("read-only")
	st.mu.Unlock()
	if _, err := m.Cancel(ctx, "a", 0); err == nil {
		t.Fatalf("expected an error")
	}
	if _, ok := m.Get("a", 0); !ok {
		t.Fatalf("notification should still be displayed")
	}
	if err := m.CancelAll(ctx); err == nil {
		t.Fatalf("expected an error")
	}
	if len(m.Active()) != 1 {
		t.Fatalf("cancel all should keep the active set on failure")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.dismissed) != 0 {
		t.Fatalf("dismissed=%v", rec.dismissed)
	}
}

func TestConcurrentNotifyStoresLatestRevision(t *testing.T) {
	st := newMemStore()
	m := New(Config{RatePerSec: 100000, Persist: true}, logx.Nop(), nil, st)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = m.Notify(ctx, "same", 0, notification.Notification{Title: "t"})
			}
		}()
	}
	wg.Wait()

	p, ok := m.Get("same", 0)
	if !ok || p.Revision != 160 {
		t.Fatalf("get=%+v ok=%v", p, ok)
	}
	r, ok := st.get(Key{Tag: "same"})
	if !ok || r.Revision != p.Revision {
		t.Fatalf("stored revision=%d, displayed revision=%d", r.Revision, p.Revision)
	}
}
