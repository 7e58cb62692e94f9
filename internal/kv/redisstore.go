package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a real Redis (or Redis-compatible)
// deployment, the durable backend the task scheduler and bus expect in
// production.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and verifies connectivity before returning.
func NewRedisStore(ctx context.Context, addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close implements Store.
func (r *RedisStore) Close() error { return r.client.Close() }

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	if opts.NX {
		ok, err := r.client.SetNX(ctx, key, value, opts.TTL).Result()
		if err != nil {
			return false, err
		}
		return ok, nil
	}
	if err := r.client.Set(ctx, key, value, opts.TTL).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Del implements Store.
func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Expire implements Store.
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// SAdd implements Store.
func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

// SRem implements Store.
func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

// SMembers implements Store.
func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// ZAdd implements Store.
func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem implements Store.
func (r *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return r.client.ZRem(ctx, key, member).Err()
}

// ZRange implements Store.
func (r *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.ZRange(ctx, key, start, stop).Result()
}

// ZRangeByScore implements Store.
func (r *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, opts ZRangeByScoreOptions) ([]Member, error) {
	byScore := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if opts.Limit > 0 {
		byScore.Count = int64(opts.Limit)
	}
	results, err := r.client.ZRangeByScoreWithScores(ctx, key, byScore).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(results))
	for _, z := range results {
		value, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, Member{Value: value, Score: z.Score})
	}
	return members, nil
}

func formatScore(score float64) string {
	return fmt.Sprintf("%f", score)
}

// ZCard implements Store.
func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

// HSet implements Store.
func (r *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

// HMSet implements Store.
func (r *RedisStore) HMSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return r.client.HSet(ctx, key, values).Err()
}

// HGetAll implements Store.
func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

// Multi implements Store using a Redis pipeline for batched, single-round-trip
// execution.
func (r *RedisStore) Multi() Tx {
	return &redisTx{store: r}
}

// Publish implements Store.
func (r *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
	stop   chan struct{}
}

func (s *redisSubscription) Channel() <-chan string { return s.ch }

func (s *redisSubscription) Close() error {
	close(s.stop)
	return s.pubsub.Close()
}

// Subscribe implements Store.
func (r *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{pubsub: pubsub, ch: make(chan string, 64), stop: make(chan struct{})}
	go func() {
		source := pubsub.Channel()
		for {
			select {
			case <-sub.stop:
				return
			case msg, ok := <-source:
				if !ok {
					close(sub.ch)
					return
				}
				select {
				case sub.ch <- msg.Payload:
				case <-sub.stop:
					return
				}
			}
		}
	}()
	return sub, nil
}

type redisTx struct {
	store *RedisStore
	ops   []func(redis.Pipeliner) error
}

func (t *redisTx) Set(key, value string, opts SetOptions) Tx {
	t.ops = append(t.ops, func(p redis.Pipeliner) error {
		if opts.NX {
			return p.SetNX(context.Background(), key, value, opts.TTL).Err()
		}
		return p.Set(context.Background(), key, value, opts.TTL).Err()
	})
	return t
}

func (t *redisTx) Del(keys ...string) Tx {
	t.ops = append(t.ops, func(p redis.Pipeliner) error {
		return p.Del(context.Background(), keys...).Err()
	})
	return t
}

func (t *redisTx) SAdd(key string, members ...string) Tx {
	t.ops = append(t.ops, func(p redis.Pipeliner) error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return p.SAdd(context.Background(), key, args...).Err()
	})
	return t
}

func (t *redisTx) SRem(key string, members ...string) Tx {
	t.ops = append(t.ops, func(p redis.Pipeliner) error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return p.SRem(context.Background(), key, args...).Err()
	})
	return t
}

func (t *redisTx) ZAdd(key string, score float64, member string) Tx {
	t.ops = append(t.ops, func(p redis.Pipeliner) error {
		return p.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member}).Err()
	})
	return t
}

func (t *redisTx) ZRem(key string, member string) Tx {
	t.ops = append(t.ops, func(p redis.Pipeliner) error {
		return p.ZRem(context.Background(), key, member).Err()
	})
	return t
}

func (t *redisTx) HSet(key, field, value string) Tx {
	t.ops = append(t.ops, func(p redis.Pipeliner) error {
		return p.HSet(context.Background(), key, field, value).Err()
	})
	return t
}

// Exec runs every queued operation inside a single Redis pipeline.
func (t *redisTx) Exec(ctx context.Context) error {
	pipe := t.store.client.TxPipeline()
	for _, op := range t.ops {
		if err := op(pipe); err != nil {
			return err
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}
