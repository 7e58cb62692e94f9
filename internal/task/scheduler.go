package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/concave/core/internal/kv"
	"github.com/concave/core/internal/logging"
	"github.com/concave/core/internal/metrics"
	"github.com/google/uuid"
)

// Scheduler persists tasks to a kv.Store and exposes the enqueue/schedule/
// cancel surface; Worker instances drain what it queues.
type Scheduler struct {
	store  kv.Store
	ks     keyspace
	logger *logging.Logger
	now    func() time.Time
}

// NewScheduler constructs a Scheduler writing under keyPrefix (defaults to
// "concave:tasks:").
func NewScheduler(store kv.Store, keyPrefix string, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.L()
	}
	return &Scheduler{store: store, ks: newKeyspace(keyPrefix), logger: logger, now: time.Now}
}

// ScheduleOptions customizes a single Schedule call.
type ScheduleOptions struct {
	Delay          time.Duration
	At             *time.Time
	Priority       *int
	IdempotencyKey string
	MaxAttempts    int
}

// Enqueue schedules a task for immediate execution.
func (s *Scheduler) Enqueue(ctx context.Context, def *Definition, input json.RawMessage) (string, error) {
	return s.Schedule(ctx, def, input, ScheduleOptions{})
}

// Schedule persists a task and places it on the appropriate priority queue.
// If idempotencyKey matches an existing non-terminal task, its id is
// returned instead of creating a new task.
func (s *Scheduler) Schedule(ctx context.Context, def *Definition, input json.RawMessage, opts ScheduleOptions) (string, error) {
	if def == nil {
		return "", fmt.Errorf("task: definition is required")
	}

	idempotencyKey := opts.IdempotencyKey
	if idempotencyKey == "" && def.IdempotencyKey != nil {
		idempotencyKey = def.IdempotencyKey(input)
	}

	if idempotencyKey != "" {
		if existingID, ok, err := s.store.Get(ctx, s.ks.idempotency(idempotencyKey)); err != nil {
			return "", err
		} else if ok {
			existing, found, err := loadTask(ctx, s.store, s.ks, existingID)
			if err != nil {
				return "", err
			}
			if found && !existing.IsTerminal() {
				return existing.ID, nil
			}
			// Stale mapping left by a terminal task; clear it and proceed.
			if err := s.store.Del(ctx, s.ks.idempotency(idempotencyKey)); err != nil {
				return "", err
			}
		}
	}

	priority := def.Priority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if err := validatePriority(priority); err != nil {
		return "", err
	}

	scheduledFor := s.now()
	switch {
	case opts.At != nil:
		scheduledFor = *opts.At
	case opts.Delay > 0:
		scheduledFor = s.now().Add(opts.Delay)
	}

	maxAttempts := def.Retry.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	t := Task{
		ID:             uuid.NewString(),
		Name:           def.Name,
		Input:          input,
		Priority:       priority,
		CreatedAt:      s.now(),
		ScheduledFor:   scheduledFor,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: idempotencyKey,
	}

	if err := moveStatus(ctx, s.store, s.ks, &t, "", Scheduled); err != nil {
		return "", err
	}
	if err := s.store.SAdd(ctx, s.ks.name(t.Name), t.ID); err != nil {
		return "", err
	}
	if err := s.store.ZAdd(ctx, s.ks.queue(priorityBucket(priority)), float64(scheduledFor.Unix()), t.ID); err != nil {
		return "", err
	}
	if idempotencyKey != "" {
		if _, err := s.store.Set(ctx, s.ks.idempotency(idempotencyKey), t.ID, kv.SetOptions{}); err != nil {
			return "", err
		}
	}
	_ = s.store.Publish(ctx, s.ks.notifyChannel(), t.ID)
	metrics.TasksScheduledTotal.WithLabelValues(t.Name).Inc()

	return t.ID, nil
}

// Cancel removes a pending or scheduled task. It fails for a running or
// already-terminal task.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, found, err := loadTask(ctx, s.store, s.ks, taskID)
	if err != nil || !found {
		return false, err
	}
	if t.Status != Pending && t.Status != Scheduled {
		return false, nil
	}
	if err := s.store.ZRem(ctx, s.ks.queue(priorityBucket(t.Priority)), t.ID); err != nil {
		return false, err
	}
	if err := deleteTaskRecords(ctx, s.store, s.ks, *t); err != nil {
		return false, err
	}
	return true, nil
}

// GetTask loads a single task by id.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	t, found, err := loadTask(ctx, s.store, s.ks, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return t, nil
}

// TaskFilter narrows GetTasks. Name is optional; when set, only tasks
// present in both the status set and the name set are returned.
type TaskFilter struct {
	Status Status
	Name   string
}

// GetTasks lists tasks matching filter, sorted by CreatedAt descending. The
// source's ordering after intersecting status and name isn't otherwise
// specified, so createdAt-descending is the adopted tie-break.
func (s *Scheduler) GetTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	ids, err := s.store.SMembers(ctx, s.ks.status(filter.Status))
	if err != nil {
		return nil, err
	}
	if filter.Name != "" {
		nameIDs, err := s.store.SMembers(ctx, s.ks.name(filter.Name))
		if err != nil {
			return nil, err
		}
		ids = intersectIDs(ids, nameIDs)
	}
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, found, err := loadTask(ctx, s.store, s.ks, id)
		if err != nil {
			return nil, err
		}
		if found {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

func intersectIDs(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// GetQueueDepth reports the number of queued tasks per priority bucket.
func (s *Scheduler) GetQueueDepth(ctx context.Context) (map[string]int, error) {
	depth := make(map[string]int, len(priorityBucketsHighToLow))
	for _, bucket := range priorityBucketsHighToLow {
		card, err := s.store.ZCard(ctx, s.ks.queue(bucket))
		if err != nil {
			return nil, err
		}
		depth[bucket] = int(card)
		metrics.TaskQueueDepth.WithLabelValues(bucket).Set(float64(card))
	}
	return depth, nil
}
