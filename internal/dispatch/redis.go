package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue. Publish pushes on the left of the
// queue list; Receive atomically moves the right-most entry into a
// processing list, where it stays until acked. Entries stranded in the
// processing list by a crashed worker are put back by Recover.
type RedisQueue struct {
	client       *redis.Client
	queue        string
	processing   string
	blockTimeout time.Duration
}

// NewRedisQueue uses the lists name and name+":processing".
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:       client,
		queue:        name,
		processing:   name + ":processing",
		blockTimeout: time.Second,
	}
}

// Connect parses url, connects and pings the server
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (q *RedisQueue) Publish(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to publish order %s: %w", m.OrderID, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive: %w", err)
		}

		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			if remErr := q.client.LRem(ctx, q.processing, 1, raw).Err(); remErr != nil {
				return nil, fmt.Errorf("%w: %q: %w (still in %s: %w)", ErrMalformed, raw, err, q.processing, remErr)
			}
			return nil, fmt.Errorf("%w: %q: %w", ErrMalformed, raw, err)
		}
		return &redisDelivery{q: q, raw: raw, msg: m}, nil
	}
}

// Recover moves every entry of the processing list back onto the queue and
// returns how many were moved. Run it before workers start.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover: %w", err)
		}
		n++
	}
}

// Len is the number of queued entries, excluding those in processing.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// Close is a no-op; the client belongs to the caller.
func (q *RedisQueue) Close() error { return nil }

type redisDelivery struct {
	q   *RedisQueue
	raw string
	msg Message
}

func (d *redisDelivery) Message() Message { return d.msg }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.q.client.LRem(ctx, d.q.processing, 1, d.raw).Err()
}

func (d *redisDelivery) Nack(ctx context.Context) error {
	m := d.msg
	m.Attempt++
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.q.processing, 1, d.raw)
		pipe.LPush(ctx, d.q.queue, data)
		return nil
	})
	return err
}
