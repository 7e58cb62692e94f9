package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/concave/core/internal/kv"
	"github.com/concave/core/internal/logging"
)

// RecurringSchedule enqueues a task either on a fixed interval or on a
// standard 5-field cron expression. When both are set, Cron wins.
type RecurringSchedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Interval    time.Duration   `json:"interval"`
	Cron        string          `json:"cron,omitempty"`
	Priority    int             `json:"priority"`
	NextRun     time.Time       `json:"nextRun"`
	LastTaskID  string          `json:"lastTaskId,omitempty"`
	LastEnqueue time.Time       `json:"lastEnqueue,omitempty"`
}

const recurringDataField = "json"

// RecurringScheduler sweeps registered recurring schedules and enqueues a
// fresh one-shot task each time a schedule comes due.
type RecurringScheduler struct {
	store     kv.Store
	ks        keyspace
	scheduler *Scheduler
	defs      map[string]*Definition
	logger    *logging.Logger
	now       func() time.Time

	sweepEvery time.Duration
}

// NewRecurringScheduler constructs a RecurringScheduler that enqueues due
// schedules onto scheduler, resolving task definitions from defs by name.
func NewRecurringScheduler(store kv.Store, keyPrefix string, scheduler *Scheduler, defs []*Definition, logger *logging.Logger) *RecurringScheduler {
	if logger == nil {
		logger = logging.L()
	}
	m := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		m[def.Name] = def
	}
	return &RecurringScheduler{
		store:      store,
		ks:         newKeyspace(keyPrefix),
		scheduler:  scheduler,
		defs:       m,
		logger:     logger,
		now:        time.Now,
		sweepEvery: time.Second,
	}
}

// Register persists sched (defaulting NextRun from its cadence, Cron or
// Interval, when unset) and adds it to the set the sweeper scans.
func (r *RecurringScheduler) Register(ctx context.Context, sched RecurringSchedule) error {
	if sched.ID == "" {
		return fmt.Errorf("task: recurring schedule id is required")
	}
	if sched.Interval <= 0 && sched.Cron == "" {
		return fmt.Errorf("task: recurring schedule %s requires either an interval or a cron expression", sched.ID)
	}
	if sched.Cron != "" {
		cron, err := parseCronSchedule(sched.Cron)
		if err != nil {
			return err
		}
		if sched.NextRun.IsZero() {
			sched.NextRun = cron.Next(r.now())
		}
	} else if sched.NextRun.IsZero() {
		sched.NextRun = r.now().Add(sched.Interval)
	}
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("task: encode recurring schedule %s: %w", sched.ID, err)
	}
	if err := r.store.HSet(ctx, r.ks.recurring(sched.ID), recurringDataField, string(data)); err != nil {
		return err
	}
	return r.store.SAdd(ctx, r.ks.recurringSet(), sched.ID)
}

// Unregister removes a recurring schedule; it does not cancel any task
// already enqueued by a prior run.
func (r *RecurringScheduler) Unregister(ctx context.Context, id string) error {
	if err := r.store.Del(ctx, r.ks.recurring(id)); err != nil {
		return err
	}
	return r.store.SRem(ctx, r.ks.recurringSet(), id)
}

func (r *RecurringScheduler) load(ctx context.Context, id string) (*RecurringSchedule, bool, error) {
	fields, err := r.store.HGetAll(ctx, r.ks.recurring(id))
	if err != nil {
		return nil, false, err
	}
	raw, ok := fields[recurringDataField]
	if !ok {
		return nil, false, nil
	}
	var sched RecurringSchedule
	if err := json.Unmarshal([]byte(raw), &sched); err != nil {
		return nil, false, fmt.Errorf("task: decode recurring schedule %s: %w", id, err)
	}
	return &sched, true, nil
}

// Run sweeps due schedules until ctx is cancelled.
func (r *RecurringScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *RecurringScheduler) sweepOnce(ctx context.Context) {
	ids, err := r.store.SMembers(ctx, r.ks.recurringSet())
	if err != nil {
		r.logger.Error("recurring sweep: failed to list schedules", logging.Error(err))
		return
	}
	now := r.now()
	for _, id := range ids {
		sched, found, err := r.load(ctx, id)
		if err != nil || !found {
			if err != nil {
				r.logger.Error("recurring sweep: failed to load schedule", logging.String("scheduleId", id), logging.Error(err))
			}
			continue
		}
		if sched.NextRun.After(now) {
			continue
		}
		def, ok := r.defs[sched.Name]
		if !ok {
			r.logger.Error("recurring sweep: no definition registered", logging.String("scheduleId", id), logging.String("name", sched.Name))
			continue
		}
		taskID, err := r.scheduler.Schedule(ctx, def, sched.Input, ScheduleOptions{Priority: &sched.Priority})
		if err != nil {
			r.logger.Error("recurring sweep: failed to enqueue", logging.String("scheduleId", id), logging.Error(err))
			continue
		}
		sched.LastTaskID = taskID
		sched.LastEnqueue = now
		if sched.Cron != "" {
			if cron, err := parseCronSchedule(sched.Cron); err == nil {
				sched.NextRun = cron.Next(now)
			} else {
				r.logger.Error("recurring sweep: invalid cron expression", logging.String("scheduleId", id), logging.Error(err))
				sched.NextRun = now.Add(time.Minute)
			}
		} else {
			sched.NextRun = now.Add(sched.Interval)
		}
		if data, err := json.Marshal(sched); err == nil {
			if err := r.store.HSet(ctx, r.ks.recurring(id), recurringDataField, string(data)); err != nil {
				r.logger.Error("recurring sweep: failed to persist next run", logging.String("scheduleId", id), logging.Error(err))
			}
		}
	}
}
