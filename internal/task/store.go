package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/concave/core/internal/kv"
)

const taskDataField = "json"

func loadTask(ctx context.Context, store kv.Store, ks keyspace, id string) (*Task, bool, error) {
	fields, err := store.HGetAll(ctx, ks.data(id))
	if err != nil {
		return nil, false, err
	}
	raw, ok := fields[taskDataField]
	if !ok {
		return nil, false, nil
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, false, fmt.Errorf("task: decode %s: %w", id, err)
	}
	return &t, true, nil
}

func persistTask(ctx context.Context, store kv.Store, ks keyspace, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task: encode %s: %w", t.ID, err)
	}
	return store.HSet(ctx, ks.data(t.ID), taskDataField, string(data))
}

// moveStatus persists t with its new status, adjusting the status:<status>
// membership sets. from may be empty for a brand-new task.
func moveStatus(ctx context.Context, store kv.Store, ks keyspace, t *Task, from, to Status) error {
	if from != "" && from != to {
		if err := store.SRem(ctx, ks.status(from), t.ID); err != nil {
			return err
		}
	}
	t.Status = to
	if err := store.SAdd(ctx, ks.status(to), t.ID); err != nil {
		return err
	}
	return persistTask(ctx, store, ks, *t)
}

func deleteTaskRecords(ctx context.Context, store kv.Store, ks keyspace, t Task) error {
	if err := store.Del(ctx, ks.data(t.ID)); err != nil {
		return err
	}
	if err := store.SRem(ctx, ks.status(t.Status), t.ID); err != nil {
		return err
	}
	if err := store.SRem(ctx, ks.name(t.Name), t.ID); err != nil {
		return err
	}
	if t.IdempotencyKey != "" {
		if err := store.Del(ctx, ks.idempotency(t.IdempotencyKey)); err != nil {
			return err
		}
	}
	return nil
}
