package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists the queue in redis, for deployments where submitters
// and workers are separate processes. Progress events ride redis pub/sub.
type RedisStore struct {
	rdb *redis.Client
}

// OpenRedis connects using a redis:// or rediss:// URL. rediss enables TLS
// through the URL parser.
func OpenRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opts)}, nil
}

func jobKey(id string) string          { return "job:" + id }
func progressChannel(id string) string { return "progress:" + id }

func (s *RedisStore) SaveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return s.rdb.Set(ctx, jobKey(job.ID), data, 0).Err()
}

func (s *RedisStore) LoadJob(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, jobKey(id)).Err()
}

func (s *RedisStore) Push(ctx context.Context, list, id string) error {
	return s.rdb.RPush(ctx, list, id).Err()
}

// pushBoundedScript makes the length check and the push one atomic step, so
// concurrent submitters cannot race past the cap.
var pushBoundedScript = redis.NewScript(`
if tonumber(ARGV[2]) > 0 and redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

func (s *RedisStore) PushBounded(ctx context.Context, list, id string, max int) (int, error) {
	n, err := pushBoundedScript.Run(ctx, s.rdb, []string{list}, id, max).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrQueueFull
	}
	return n, nil
}

func (s *RedisStore) MoveWaitingToActive(ctx context.Context) (string, error) {
	id, err := s.rdb.LMove(ctx, ListWaiting, ListActive, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *RedisStore) Remove(ctx context.Context, list, id string) error {
	return s.rdb.LRem(ctx, list, 0, id).Err()
}

func (s *RedisStore) List(ctx context.Context, list string) ([]string, error) {
	return s.rdb.LRange(ctx, list, 0, -1).Result()
}

func (s *RedisStore) Len(ctx context.Context, list string) (int, error) {
	n, err := s.rdb.LLen(ctx, list).Result()
	return int(n), err
}

func (s *RedisStore) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.rdb.Publish(ctx, progressChannel(ev.JobID), data).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	sub := s.rdb.Subscribe(ctx, progressChannel(jobID))
	// Force the subscription onto the wire before returning, so events
	// published right after Subscribe are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	ch := make(chan Event, 32)
	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return ch, cancel, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
