package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/concave/core/internal/kv"
	"github.com/concave/core/internal/logging"
	"github.com/google/uuid"
)

const deadDataField = "json"

// DeadLetterEntry is the admin-facing view of a task that exhausted its
// retry budget.
type DeadLetterEntry struct {
	TaskID      string          `json:"taskId"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	LastError   string          `json:"lastError"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Priority    int             `json:"priority"`
	FailedAt    time.Time       `json:"failedAt"`
}

// DeadLetterQueue indexes dead tasks separately from the main status sets so
// the admin API can list, inspect, and retry them without scanning the full
// task space.
type DeadLetterQueue struct {
	store  kv.Store
	ks     keyspace
	logger *logging.Logger
	now    func() time.Time
}

// NewDeadLetterQueue constructs a DeadLetterQueue sharing keyPrefix with the
// Scheduler/Worker it backs.
func NewDeadLetterQueue(store kv.Store, keyPrefix string, logger *logging.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = logging.L()
	}
	return &DeadLetterQueue{store: store, ks: newKeyspace(keyPrefix), logger: logger, now: time.Now}
}

// Add records t, already transitioned to Dead, in the dead-letter index.
func (q *DeadLetterQueue) Add(ctx context.Context, t Task) error {
	entry := DeadLetterEntry{
		TaskID:      t.ID,
		Name:        t.Name,
		Input:       t.Input,
		LastError:   t.LastError,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Priority:    t.Priority,
		FailedAt:    q.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("task: encode dead letter %s: %w", t.ID, err)
	}
	if err := q.store.HSet(ctx, q.ks.deadData(t.ID), deadDataField, string(data)); err != nil {
		return err
	}
	return q.store.ZAdd(ctx, q.ks.dead(), float64(entry.FailedAt.Unix()), t.ID)
}

func (q *DeadLetterQueue) loadEntry(ctx context.Context, id string) (*DeadLetterEntry, bool, error) {
	fields, err := q.store.HGetAll(ctx, q.ks.deadData(id))
	if err != nil {
		return nil, false, err
	}
	raw, ok := fields[deadDataField]
	if !ok {
		return nil, false, nil
	}
	var entry DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("task: decode dead letter %s: %w", id, err)
	}
	return &entry, true, nil
}

// Get loads a single dead-letter record by task id.
func (q *DeadLetterQueue) Get(id string) (*DeadLetterEntry, bool, error) {
	return q.loadEntry(context.Background(), id)
}

// List returns every dead-lettered task, oldest failure first.
func (q *DeadLetterQueue) List() ([]DeadLetterEntry, error) {
	ctx := context.Background()
	ids, err := q.store.ZRange(ctx, q.ks.dead(), 0, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		entry, found, err := q.loadEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

// Count reports how many tasks are currently dead-lettered.
func (q *DeadLetterQueue) Count() (int, error) {
	n, err := q.store.ZCard(context.Background(), q.ks.dead())
	return int(n), err
}

// Retry clones a dead-lettered task into a fresh task with attempt reset to
// zero, rather than resurrecting the original id, and purges the dead-letter
// record.
func (q *DeadLetterQueue) Retry(id string) (*Task, error) {
	ctx := context.Background()
	entry, found, err := q.loadEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("task: no dead letter %s", id)
	}

	t := Task{
		ID:           uuid.NewString(),
		Name:         entry.Name,
		Input:        entry.Input,
		Priority:     entry.Priority,
		CreatedAt:    q.now(),
		ScheduledFor: q.now(),
		MaxAttempts:  entry.MaxAttempts,
	}
	if err := moveStatus(ctx, q.store, q.ks, &t, "", Scheduled); err != nil {
		return nil, err
	}
	if err := q.store.SAdd(ctx, q.ks.name(t.Name), t.ID); err != nil {
		return nil, err
	}
	if err := q.store.ZAdd(ctx, q.ks.queue(priorityBucket(t.Priority)), float64(t.ScheduledFor.Unix()), t.ID); err != nil {
		return nil, err
	}
	if err := q.purge(ctx, id); err != nil {
		return nil, err
	}
	_ = q.store.Publish(ctx, q.ks.notifyChannel(), t.ID)
	return &t, nil
}

// RetryAll requeues every dead-lettered task, continuing past individual
// failures so one bad record cannot block the rest.
func (q *DeadLetterQueue) RetryAll() (int, error) {
	entries, err := q.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if _, err := q.Retry(entry.TaskID); err != nil {
			q.logger.Error("failed to retry dead letter", logging.String("taskId", entry.TaskID), logging.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func (q *DeadLetterQueue) purge(ctx context.Context, id string) error {
	if err := q.store.Del(ctx, q.ks.deadData(id)); err != nil {
		return err
	}
	return q.store.ZRem(ctx, q.ks.dead(), id)
}

// Purge removes every dead-letter record that failed more than olderThanMs
// milliseconds ago, without requeuing them, and reports how many it removed.
func (q *DeadLetterQueue) Purge(olderThanMs int64) (int, error) {
	ctx := context.Background()
	cutoff := float64(q.now().Add(-time.Duration(olderThanMs) * time.Millisecond).Unix())
	stale, err := q.store.ZRangeByScore(ctx, q.ks.dead(), 0, cutoff, kv.ZRangeByScoreOptions{})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, member := range stale {
		if err := q.purge(ctx, member.Value); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
