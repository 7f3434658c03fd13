package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/intent"
	"notifyd/internal/registry"
	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"
)

type queue struct {
	id uint32
	ch chan job
}

// Runner executes intents on per-job-id queues. It is safe for concurrent use.
type Runner struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	accepting bool
	sendWG    sync.WaitGroup
	queues    map[uint32]*queue
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// parent is the Start context; non-nil between Start and Stop even while disabled.
	parent context.Context

	hmu     sync.Mutex
	history []HistoryItem

	processed uint64
	faults    uint64
	dropped   uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (r *Runner) Enabled() bool {
	r.mu.Lock()
	en := r.cfg.Enabled
	r.mu.Unlock()
	return en
}

// Supervisor returns the runner's supervisor (nil if not started).
func (r *Runner) Supervisor() *rtsup.Supervisor {
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	return sup
}

// Apply swaps retry/timeout settings. Queue sizes apply to queues created afterwards.
// A started runner that becomes enabled begins accepting jobs immediately.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	cfg = r.cfg
	started := r.parent != nil && r.sup == nil && r.stopDone == nil && cfg.Enabled
	if started {
		r.startLocked(r.parent)
	}
	r.mu.Unlock()
	if started {
		r.log.Info("job runner started", logx.Int("queue_size", cfg.QueueSize), logx.Int("retry_max", cfg.RetryMax))
	}
}

// Start is idempotent.
func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		r.mu.Lock()
	}
	r.parent = ctx
	if r.sup != nil || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	r.startLocked(ctx)
	cfg := r.cfg
	r.mu.Unlock()

	r.log.Info("job runner started", logx.Int("queue_size", cfg.QueueSize), logx.Int("retry_max", cfg.RetryMax))
}

func (r *Runner) startLocked(ctx context.Context) {
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "jobs.sup"))),
		rtsup.WithCancelOnError(false),
	)
	r.queues = map[uint32]*queue{}
	r.accepting = true
}

// Stop stops intake and drains queued jobs until ctx ends; remaining jobs are abandoned.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	r.parent = nil
	sup := r.sup
	if sup == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopDone = done
	r.accepting = false
	queues := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Enqueue calls finish before queues close.
		r.sendWG.Wait()
		for _, q := range queues {
			close(q.ch)
		}
		_ = sup.Wait(context.Background())

		r.mu.Lock()
		r.queues = nil
		r.sup = nil
		r.stopDone = nil
		r.mu.Unlock()
	}()

	select {
	case <-done:
		r.log.Info("job runner stopped")
	case <-ctx.Done():
		sup.Cancel()
		r.log.Warn("job runner stop timed out; abandoning queued jobs", logx.Err(ctx.Err()))
	}
}

// Enqueue hands in to component on the queue identified by jobID.
// It never blocks.
func (r *Runner) Enqueue(component registry.Component, jobID uint32, in *intent.Intent) error {
	if component.Handler == nil {
		return fmt.Errorf("component %q has no handler", component.Name)
	}
	if in == nil {
		return errors.New("intent is nil")
	}

	r.mu.Lock()
	if !r.cfg.Enabled {
		r.mu.Unlock()
		return ErrDisabled
	}
	if !r.accepting || r.sup == nil {
		r.mu.Unlock()
		return ErrStopped
	}
	q := r.queueLocked(jobID)
	r.sendWG.Add(1)
	r.mu.Unlock()
	defer r.sendWG.Done()

	j := job{id: jobID, component: component, in: in, enqueuedAt: time.Now()}
	select {
	case q.ch <- j:
		return nil
	default:
		atomic.AddUint64(&r.dropped, 1)
		eventbus.Emit(r.bus, eventbus.JobDropped, JobEvent{JobID: jobID, IntentID: in.ID, Component: component.Name, Action: in.Action, Error: ErrQueueFull.Error()})
		r.log.Warn("job dropped: queue full", logx.Uint32("job_id", jobID), logx.String("intent", in.ID), logx.Int("queue_cap", cap(q.ch)))
		return ErrQueueFull
	}
}

// queueLocked returns the queue for id, starting its worker on first use.
func (r *Runner) queueLocked(id uint32) *queue {
	if q := r.queues[id]; q != nil {
		return q
	}
	q := &queue{id: id, ch: make(chan job, r.cfg.QueueSize)}
	r.queues[id] = q
	name := fmt.Sprintf("queue.%08x", id)
	r.sup.GoRestart(name, func(c context.Context) error {
		r.work(c, q)
		return nil
	})
	r.log.Debug("job queue created", logx.Uint32("job_id", id), logx.Int("cap", cap(q.ch)))
	return q
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{Enabled: r.cfg.Enabled, Running: r.sup != nil && r.accepting}
	for _, q := range r.queues {
		snap.Queues = append(snap.Queues, QueueSnapshot{JobID: q.id, Len: len(q.ch), Cap: cap(q.ch)})
	}
	r.mu.Unlock()
	sort.Slice(snap.Queues, func(i, j int) bool { return snap.Queues[i].JobID < snap.Queues[j].JobID })

	snap.Processed = atomic.LoadUint64(&r.processed)
	snap.Faults = atomic.LoadUint64(&r.faults)
	snap.Dropped = atomic.LoadUint64(&r.dropped)

	r.hmu.Lock()
	snap.History = append([]HistoryItem(nil), r.history...)
	r.hmu.Unlock()
	return snap
}

func (r *Runner) appendHistory(item HistoryItem, size int) {
	r.hmu.Lock()
	r.history = append(r.history, item)
	if len(r.history) > size {
		r.history = r.history[len(r.history)-size:]
	}
	r.hmu.Unlock()
}
