package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/concave/core/internal/kv"
	"github.com/concave/core/internal/logging"
	"github.com/concave/core/internal/metrics"
)

// ErrLeaseLost is recorded as the in-flight cancellation cause when another
// worker's lease.acquire succeeds while this worker still believes it owns
// the task.
var ErrLeaseLost = fmt.Errorf("task: lease lost to another worker")

// Worker drains priority queues, leasing and executing tasks whose
// definitions it knows about.
type Worker struct {
	ID          string
	store       kv.Store
	ks          keyspace
	definitions map[string]*Definition
	dlq         *DeadLetterQueue
	logger      *logging.Logger
	now         func() time.Time

	concurrency int
	lockTTL     time.Duration
	heartbeat   time.Duration
	pollEvery   time.Duration

	activeMu sync.Mutex
	active   int
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	ID                string
	Store             kv.Store
	KeyPrefix         string
	Definitions       []*Definition
	DeadLetters       *DeadLetterQueue
	Logger            *logging.Logger
	Concurrency       int
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// NewWorker constructs a Worker from cfg, applying sane defaults.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 || heartbeat >= lockTTL/3 {
		heartbeat = lockTTL / 4
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	defs := make(map[string]*Definition, len(cfg.Definitions))
	for _, def := range cfg.Definitions {
		defs[def.Name] = def
	}

	return &Worker{
		ID:          cfg.ID,
		store:       cfg.Store,
		ks:          newKeyspace(cfg.KeyPrefix),
		definitions: defs,
		dlq:         cfg.DeadLetters,
		logger:      logger,
		now:         time.Now,
		concurrency: concurrency,
		lockTTL:     lockTTL,
		heartbeat:   heartbeat,
		pollEvery:   poll,
	}
}

// Run drains queues until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	_ = w.store.SAdd(ctx, w.ks.workers(), w.ID)
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	for {
		w.activeMu.Lock()
		full := w.active >= w.concurrency
		w.activeMu.Unlock()
		if full {
			return
		}

		claimed := w.claimNext(ctx)
		if claimed == nil {
			return
		}

		w.activeMu.Lock()
		w.active++
		w.activeMu.Unlock()

		go func(t *Task) {
			defer func() {
				w.activeMu.Lock()
				w.active--
				w.activeMu.Unlock()
			}()
			w.execute(ctx, t)
		}(claimed)
	}
}

// claimNext scans priority buckets high-to-low, attempting a lease on the
// first due candidate it can win.
func (w *Worker) claimNext(ctx context.Context) *Task {
	now := w.now()
	for _, bucket := range priorityBucketsHighToLow {
		candidates, err := w.store.ZRangeByScore(ctx, w.ks.queue(bucket), 0, float64(now.Unix()), kv.ZRangeByScoreOptions{Limit: 10})
		if err != nil {
			w.logger.Error("queue scan failed", logging.String("bucket", bucket), logging.Error(err))
			continue
		}
		for _, candidate := range candidates {
			member := candidate.Value
			acquired, err := w.store.Set(ctx, w.ks.lock(member), w.ID, kv.SetOptions{NX: true, TTL: w.lockTTL})
			if err != nil || !acquired {
				continue
			}
			t, found, err := loadTask(ctx, w.store, w.ks, member)
			if err != nil || !found {
				_ = w.store.Del(ctx, w.ks.lock(member))
				continue
			}
			if t.Status != Scheduled {
				_ = w.store.Del(ctx, w.ks.lock(member))
				continue
			}
			_ = w.store.ZRem(ctx, w.ks.queue(bucket), member)
			started := now
			t.StartedAt = &started
			t.WorkerID = w.ID
			if err := moveStatus(ctx, w.store, w.ks, t, Scheduled, Running); err != nil {
				w.logger.Error("failed to mark task running", logging.String("taskId", t.ID), logging.Error(err))
				_ = w.store.Del(ctx, w.ks.lock(member))
				continue
			}
			return t
		}
	}
	return nil
}

func (w *Worker) execute(parent context.Context, t *Task) {
	def, ok := w.definitions[t.Name]
	if !ok {
		w.deadLetter(parent, t, fmt.Errorf("task: no definition registered for %q", t.Name))
		return
	}

	runCtx, cancel := context.WithCancelCause(parent)
	if def.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, def.Timeout)
		defer timeoutCancel()
	}
	defer cancel(nil)

	leaseLost := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go w.runHeartbeat(parent, t.ID, cancel, leaseLost, heartbeatDone)
	defer func() {
		close(heartbeatDone)
	}()

	timer := metrics.NewTimer()
	result, err := def.Handler(RunContext{
		Context:     runCtx,
		TaskID:      t.ID,
		Attempt:     t.Attempt,
		ScheduledAt: t.ScheduledFor,
		StartedAt:   *t.StartedAt,
		WorkerID:    w.ID,
	}, t.Input)
	timer.ObserveDurationVec(metrics.TaskExecutionDuration, t.Name)

	select {
	case <-leaseLost:
		w.requeueAfterLeaseLoss(parent, t)
		return
	default:
	}

	if err == nil {
		w.complete(parent, t, result)
		return
	}
	w.retryOrDeadLetter(parent, def, t, err)
}

func (w *Worker) runHeartbeat(ctx context.Context, taskID string, cancel context.CancelCauseFunc, leaseLost, done chan struct{}) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			value, found, err := w.store.Get(ctx, w.ks.lock(taskID))
			if err != nil || !found || value != w.ID {
				close(leaseLost)
				cancel(ErrLeaseLost)
				return
			}
			_ = w.store.Expire(ctx, w.ks.lock(taskID), w.lockTTL)
		}
	}
}

func (w *Worker) complete(ctx context.Context, t *Task, result []byte) {
	now := w.now()
	t.CompletedAt = &now
	t.Result = result
	t.LastError = ""
	if err := moveStatus(ctx, w.store, w.ks, t, Running, Completed); err != nil {
		w.logger.Error("failed to persist completed task", logging.String("taskId", t.ID), logging.Error(err))
	}
	if t.IdempotencyKey != "" {
		_ = w.store.Del(ctx, w.ks.idempotency(t.IdempotencyKey))
	}
	_ = w.store.Del(ctx, w.ks.lock(t.ID))
	metrics.TasksCompletedTotal.WithLabelValues(t.Name).Inc()
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, def *Definition, t *Task, cause error) {
	nextAttempt := t.Attempt + 1
	if nextAttempt < def.Retry.MaxAttempts && def.Retry.allows(cause) {
		delay := computeDelay(def.Retry, nextAttempt)
		t.Attempt = nextAttempt
		t.LastError = cause.Error()
		t.WorkerID = ""
		t.StartedAt = nil
		t.ScheduledFor = w.now().Add(delay)
		if err := moveStatus(ctx, w.store, w.ks, t, Running, Scheduled); err != nil {
			w.logger.Error("failed to persist retry", logging.String("taskId", t.ID), logging.Error(err))
		}
		_ = w.store.ZAdd(ctx, w.ks.queue(priorityBucket(t.Priority)), float64(t.ScheduledFor.Unix()), t.ID)
		_ = w.store.Del(ctx, w.ks.lock(t.ID))
		metrics.TasksRetriedTotal.WithLabelValues(t.Name).Inc()
		return
	}
	w.deadLetter(ctx, t, cause)
}

func (w *Worker) deadLetter(ctx context.Context, t *Task, cause error) {
	t.LastError = cause.Error()
	now := w.now()
	t.CompletedAt = &now
	if err := moveStatus(ctx, w.store, w.ks, t, t.Status, Dead); err != nil {
		w.logger.Error("failed to mark task dead", logging.String("taskId", t.ID), logging.Error(err))
	}
	if w.dlq != nil {
		if err := w.dlq.Add(ctx, *t); err != nil {
			w.logger.Error("failed to record dead letter", logging.String("taskId", t.ID), logging.Error(err))
		}
	}
	_ = w.store.Del(ctx, w.ks.lock(t.ID))
	metrics.TasksDeadLetteredTotal.WithLabelValues(t.Name).Inc()
}

// requeueAfterLeaseLoss transitions the task back to scheduled at now,
// leaving attempt unchanged, per the lease-loss error-handling contract. It
// must not touch the lock key: another worker may already own it.
func (w *Worker) requeueAfterLeaseLoss(ctx context.Context, t *Task) {
	t.WorkerID = ""
	t.StartedAt = nil
	t.ScheduledFor = w.now()
	if err := moveStatus(ctx, w.store, w.ks, t, Running, Scheduled); err != nil {
		w.logger.Error("failed to requeue after lease loss", logging.String("taskId", t.ID), logging.Error(err))
		return
	}
	_ = w.store.ZAdd(ctx, w.ks.queue(priorityBucket(t.Priority)), float64(t.ScheduledFor.Unix()), t.ID)
}
