package jobs

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"
)

func (r *Runner) work(ctx context.Context, q *queue) {
	// Per-queue RNG: avoids global lock contention on retry jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(q.id)))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.ch:
			if !ok {
				return
			}
			r.exec(ctx, j, rng)
		}
	}
}

func (r *Runner) exec(ctx context.Context, j job, rng *rand.Rand) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	start := time.Now()
	queueDelay := start.Sub(j.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	ev := JobEvent{JobID: j.id, IntentID: j.in.ID, Component: j.component.Name, Action: j.in.Action, QueueDelay: queueDelay}
	log := r.log.With(logx.Uint32("job_id", j.id), logx.String("intent", j.in.ID), logx.String("component", j.component.Name))

	log.Debug("job.started", logx.Duration("queue_delay", queueDelay))
	eventbus.Emit(r.bus, eventbus.JobStarted, ev)

	var err error
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = r.runOnce(ctx, j, cfg.DefaultTimeout, log)
		if err == nil {
			break
		}
		if IsNoRetry(err) || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelay(cfg, attempt, err, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-t.C:
		}
	}

	ev.Duration = time.Since(start)
	ev.Attempts = attempts
	item := HistoryItem{JobID: j.id, IntentID: j.in.ID, Component: j.component.Name, Started: start, QueueDelay: queueDelay, Duration: ev.Duration, Attempts: attempts}
	atomic.AddUint64(&r.processed, 1)

	if err != nil {
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
		}
		atomic.AddUint64(&r.faults, 1)
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("job.failed", logx.Err(err), logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
		eventbus.Emit(r.bus, eventbus.JobFailed, ev)
	} else {
		log.Debug("job.finished", logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
		eventbus.Emit(r.bus, eventbus.JobFinished, ev)
	}
	r.appendHistory(item, cfg.HistorySize)
}

// runOnce converts a handler panic into a *PanicError so the queue keeps going.
func (r *Runner) runOnce(ctx context.Context, j job, timeout time.Duration, log logx.Logger) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			stack := string(debug.Stack())
			log.Error("job.panic", logx.Any("panic", p), logx.Stack(stack))
			err = &PanicError{Value: p, Stack: stack}
		}
	}()
	return j.component.Handler.HandleCommand(runCtx, j.in)
}

func backoffDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cfg.RetryMaxDelay {
				break
			}
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		f := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + f))
	}
	if d < 0 {
		d = 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
