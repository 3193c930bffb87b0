package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

// RedisStore is a Store shared by every process pointing at the same Redis.
//
// Layout under prefix:
//
//	job:<id>   JSON snapshot
//	jobs       set of ids
//	terminal   zset of terminal ids scored by terminal unix time
//	events     pub/sub channel carrying JSON snapshots
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store. A positive ttl also expires terminal jobs
// in Redis itself, as a backstop to the scheduled sweep.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *RedisStore) idsKey() string { return s.prefix + "jobs" }
func (s *RedisStore) terminalKey() string { return s.prefix + "terminal" }
func (s *RedisStore) eventsKey() string { return s.prefix + "events" }

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, job *models.TranscodeJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	key := s.jobKey(job.ID)

	return s.retryTx(ctx, func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx, job.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil && !existing.IsTerminal() {
			return ErrActive
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.idsKey(), job.ID)
			pipe.ZRem(ctx, s.terminalKey(), job.ID)
			pipe.Publish(ctx, s.eventsKey(), data)
			return nil
		})
		return err
	}, key)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.TranscodeJob, error) {
	return s.load(ctx, s.client, id)
}

// All implements Store.
func (s *RedisStore) All(ctx context.Context) (map[string]*models.TranscodeJob, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing job ids: %w", err)
	}

	out := make(map[string]*models.TranscodeJob, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired by TTL; drop the dangling id lazily.
			s.client.SRem(ctx, s.idsKey(), ids[i])
			continue
		}
		var job models.TranscodeJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.Warn("skipping undecodable job", slog.String("id", ids[i]), slog.String("error", err.Error()))
			continue
		}
		out[job.ID] = &job
	}
	return out, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*models.TranscodeJob, error) {
	key := s.jobKey(id)
	var result *models.TranscodeJob

	err := s.retryTx(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return ErrTerminal
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			var expiry time.Duration
			if next.IsTerminal() {
				expiry = s.ttl
				if at := next.TerminalAt(); at != nil {
					pipe.ZAdd(ctx, s.terminalKey(), redis.Z{Score: float64(at.Unix()), Member: id})
				}
			}
			pipe.Set(ctx, key, data, expiry)
			pipe.Publish(ctx, s.eventsKey(), data)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	s.client.SRem(ctx, s.idsKey(), id)
	s.client.ZRem(ctx, s.terminalKey(), id)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTerminalBefore implements Store.
func (s *RedisStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.terminalKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing terminal jobs: %w", err)
	}

	var removed []string
	for _, id := range ids {
		key := s.jobKey(id)
		err := s.retryTx(ctx, func(tx *redis.Tx) error {
			job, err := s.load(ctx, tx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				// Already gone; just clean the indexes.
			case err != nil:
				return err
			case !terminalBefore(job, cutoff):
				// Resubmitted since the range query.
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.idsKey(), id)
				pipe.ZRem(ctx, s.terminalKey(), id)
				return nil
			})
			if err == nil {
				removed = append(removed, id)
			}
			return err
		}, key)
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Subscribe implements Store.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan *models.TranscodeJob, error) {
	ps := s.client.Subscribe(ctx, s.eventsKey())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to job events: %w", err)
	}

	// A closed pubsub connection ends the subscription too.
	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscriber()
	go sub.pump(ctx)
	go func() {
		defer cancel()
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var job models.TranscodeJob
				if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
					continue
				}
				sub.push(&job)
			}
		}
	}()
	return sub.out, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, g getter, id string) (*models.TranscodeJob, error) {
	data, err := g.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}

	var job models.TranscodeJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) retryTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, redis.TxFailedErr)
}
