package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"docjobs/internal/task"
)

const (
	// DefaultRedisPrefix namespaces every key written by the Redis store.
	DefaultRedisPrefix = "docjobs"

	maxTxRetries = 16
	listChunk    = 256
)

// Redis is a Store backed by a Redis server. Tasks are JSON documents under
// <prefix>:task:<id>, indexed by creation time in the <prefix>:tasks sorted set.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis connects to addr, retrying the initial ping with backoff.
func NewRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	_, err := backoff.Retry(ctx, func() (string, error) {
		return rdb.Ping(ctx).Result()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisFromClient(rdb, prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// Close closes the connection to the database.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) taskKey(id string) string     { return r.prefix + ":task:" + id }
func (r *Redis) indexKey() string             { return r.prefix + ":tasks" }
func (r *Redis) idemKey(key string) string    { return r.prefix + ":idem:" + key }
func (r *Redis) progressKey(id string) string { return r.prefix + ":progress:" + id }
func (r *Redis) runKey(name string) string    { return r.prefix + ":schedule:" + name }

func (r *Redis) CreateTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, r.taskKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	if !ok {
		return ErrExists
	}

	score := float64(t.CreatedAt.UnixNano())
	if err := r.rdb.ZAdd(ctx, r.indexKey(), redis.Z{Score: score, Member: t.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index task %s: %w", t.ID, err)
	}
	return nil
}

func (r *Redis) GetTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := r.rdb.Get(ctx, r.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return decodeTask(data)
}

func (r *Redis) UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	key := r.taskKey(id)
	var updated *task.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = t
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("failed to update task %s: %w", id, redis.TxFailedErr)
}

func (r *Redis) ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var out []*task.Task
	for start := 0; start < len(ids); start += listChunk {
		end := min(start+listChunk, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, r.taskKey(id))
		}
		values, err := r.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load tasks: %w", err)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue // deleted between ZRANGE and MGET
			}
			t, err := decodeTask([]byte(s))
			if err != nil {
				return nil, err
			}
			if filter.Match(t) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (r *Redis) PurgeTasks(ctx context.Context, before time.Time) (int, error) {
	tasks, err := r.ListTasks(ctx, task.Filter{
		Status: []task.Status{task.StatusSucceeded, task.StatusFailed, task.StatusCancelled},
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range tasks {
		if !purgeable(t, before) {
			continue
		}
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.taskKey(t.ID), r.progressKey(t.ID))
			pipe.ZRem(ctx, r.indexKey(), t.ID)
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to purge task %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func (r *Redis) ClaimKey(ctx context.Context, key, taskID string, ttl time.Duration) (string, bool, error) {
	k := r.idemKey(key)
	for i := 0; i < maxTxRetries; i++ {
		ok, err := r.rdb.SetNX(ctx, k, taskID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if ok {
			return taskID, true, nil
		}
		owner, err := r.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between SETNX and GET
		} else if err != nil {
			return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		return owner, false, nil
	}
	return "", false, fmt.Errorf("failed to claim idempotency key: %w", redis.TxFailedErr)
}

func (r *Redis) ReleaseKey(ctx context.Context, key, taskID string) error {
	k := r.idemKey(key)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		} else if err != nil {
			return err
		}
		if owner != taskID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		return err
	}, k)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (r *Redis) SetProgress(ctx context.Context, p task.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.progressKey(p.TaskID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set progress for %s: %w", p.TaskID, err)
	}
	return nil
}

func (r *Redis) GetProgress(ctx context.Context, taskID string) (*task.Progress, error) {
	data, err := r.rdb.Get(ctx, r.progressKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get progress for %s: %w", taskID, err)
	}
	var p task.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &p, nil
}

func (r *Redis) LastRun(ctx context.Context, name string) (time.Time, error) {
	v, err := r.rdb.Get(ctx, r.runKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last run of %s: %w", name, err)
	}
	return parseUnixNano(v)
}

func (r *Redis) AdvanceLastRun(ctx context.Context, name string, prev, next time.Time) (bool, error) {
	k := r.runKey(name)
	advanced := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var current time.Time
		v, err := tx.Get(ctx, k).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = parseUnixNano(v); err != nil {
				return err
			}
		}
		if !current.Equal(prev) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, strconv.FormatInt(next.UnixNano(), 10), 0)
			return nil
		})
		advanced = err == nil
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to advance last run of %s: %w", name, err)
	}
	return advanced, nil
}

func decodeTask(data []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &t, nil
}

func parseUnixNano(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return time.Unix(0, n), nil
}
