package dispatch

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisQueue connects to EXCHANGE_TEST_REDIS_URL and returns a queue on a
// fresh key, or skips.
func redisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	url := os.Getenv("EXCHANGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("EXCHANGE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)

	q := NewRedisQueue(client, "test:match:"+uuid.NewString())
	q.blockTimeout = 50 * time.Millisecond
	t.Cleanup(func() {
		client.Del(ctx, q.queue, q.processing)
		client.Close()
	})
	return q
}

func TestRedisQueue_AckNack(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, QueueDispatcher{Queue: q}.Dispatch(ctx, id))
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Message{OrderID: id, Attempt: 1}, d.Message())
	assert.EqualValues(t, 1, q.client.LLen(ctx, q.processing).Val())

	require.NoError(t, d.Nack(ctx))
	assert.EqualValues(t, 0, q.client.LLen(ctx, q.processing).Val())

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Message().Attempt)

	require.NoError(t, d.Ack(ctx))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 0, q.client.LLen(ctx, q.processing).Val())
}

func TestRedisQueue_FIFO(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Publish(ctx, Message{OrderID: id, Attempt: 1}))
	}
	for _, want := range ids {
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, d.Message().OrderID)
		require.NoError(t, d.Ack(ctx))
	}
}

func TestRedisQueue_Recover(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, q.Publish(ctx, Message{OrderID: id, Attempt: 1}))
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	// A worker died holding the message.
	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.Message().OrderID)
	require.NoError(t, d.Ack(ctx))
}

func TestRedisQueue_Malformed(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.client.LPush(ctx, q.queue, "not json").Err())
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.EqualValues(t, 0, q.client.LLen(ctx, q.processing).Val())
}

// failCommand makes every call of one command fail.
type failCommand string

func (failCommand) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f failCommand) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == string(f) {
			err := errors.New("connection reset")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (failCommand) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisQueue_MalformedRemoveFails(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.client.LPush(ctx, q.queue, "not json").Err())
	q.client.AddHook(failCommand("lrem"))

	_, err := q.Receive(ctx)
	require.ErrorIs(t, err, ErrMalformed)
	assert.ErrorContains(t, err, "connection reset")
	assert.ErrorContains(t, err, q.processing)
}

func TestRedisQueue_ReceiveHonoursContext(t *testing.T) {
	q := redisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.Error(t, err)
}
