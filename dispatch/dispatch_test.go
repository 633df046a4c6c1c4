// dispatch/dispatch_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package dispatch

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/errors"
	"github.com/mmp/chatbk/coordinator"
	"github.com/mmp/chatbk/jobs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queues(t *testing.T) map[string]Queue {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Queue{
		"local": NewLocal(16),
		"redis": NewRedis(client, "test:", "w1"),
	}
}

func TestQueueOrder(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: strconv.Itoa(i)}))
			}
			for i := 0; i < 3; i++ {
				req, err := q.Next(ctx)
				require.NoError(t, err)
				assert.Equal(t, strconv.Itoa(i), req.JobID)
			}
			_, err := q.Next(ctx)
			assert.True(t, errors.Is(err, ErrEmpty), "%v", err)
		})
	}
}

func TestRedisLen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedis(client, "p:", "w1")

	require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: "a"}))
	require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: "b"}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, mr.Exists("p:jobs:queue"))
}

func TestRedisBadEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedis(client, "", "w1")

	_, err := mr.Push("jobs:queue", "not json")
	require.NoError(t, err)
	_, err = q.Next(context.Background())
	assert.ErrorContains(t, err, "decoding request")
}

type recordingExecutor struct {
	mu   sync.Mutex
	seen []string
	// Returned for every request once set.
	err error
}

func (e *recordingExecutor) Execute(ctx context.Context, req jobs.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, req.JobID)
	return e.err
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func TestConsumer(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			exec := &recordingExecutor{}
			c := NewConsumer(q, exec, 3, nil)
			var want []string
			for i := 0; i < 10; i++ {
				id := name + strconv.Itoa(i)
				want = append(want, id)
				require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: id}))
			}
			require.Eventually(t, func() bool { return exec.count() == 10 },
				5*time.Second, time.Millisecond)
			require.NoError(t, c.Stop())
			assert.ElementsMatch(t, want, exec.seen)
		})
	}
}

func TestConsumerShuttingDown(t *testing.T) {
	ctx := context.Background()
	q := NewLocal(4)
	exec := &recordingExecutor{err: coordinator.ErrShuttingDown}
	c := NewConsumer(q, exec, 1, nil)

	require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: "a"}))
	require.Eventually(t, func() bool { return exec.count() == 1 },
		5*time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	// The refused request went back on the queue.
	req, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", req.JobID)
}

func TestRedisRecover(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedis(client, "p:", "w1")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: id}))
	}
	// The worker takes two requests and finishes one before crashing.
	req, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", req.JobID)
	req, err = q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", req.JobID)
	require.NoError(t, q.Ack(ctx, req))
	assert.True(t, mr.Exists("p:jobs:processing:w1"))

	// Another worker's restart doesn't touch it.
	n, err := NewRedis(client, "p:", "w2").Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	restarted := NewRedis(client, "p:", "w1")
	var reset []string
	n, err = restarted.Recover(ctx, func(ctx context.Context, req jobs.Request) error {
		reset = append(reset, req.JobID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, reset)
	assert.False(t, mr.Exists("p:jobs:processing:w1"))

	var ids []string
	for i := 0; i < 2; i++ {
		req, err := restarted.Next(ctx)
		require.NoError(t, err)
		ids = append(ids, req.JobID)
		require.NoError(t, restarted.Ack(ctx, req))
	}
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.False(t, mr.Exists("p:jobs:processing:w1"))

	assert.True(t, errors.Is(restarted.Ack(ctx, jobs.Request{JobID: "a"}), errors.NotFound))
}

func TestConsumerAcks(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedis(client, "p:", "w1")

	exec := &recordingExecutor{err: errors.New("failed")}
	c := NewConsumer(q, exec, 2, nil)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: id}))
	}
	require.Eventually(t, func() bool { return exec.count() == 2 },
		5*time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	// Failed or not, handled requests aren't redelivered.
	n, err := q.Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisRecoverOrder(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedis(client, "p:", "w1")
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(ctx, jobs.Request{JobID: id}))
	}
	for i := 0; i < 3; i++ {
		_, err := q.Next(ctx)
		require.NoError(t, err)
	}

	// A failed reset leaves the rest where they were.
	_, err := NewRedis(client, "p:", "w1").Recover(ctx, func(context.Context, jobs.Request) error {
		return errors.New("table unavailable")
	})
	assert.ErrorContains(t, err, "table unavailable")
	n, err := NewRedis(client, "p:", "w1").Recover(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var ids []string
	for i := 0; i < 4; i++ {
		req, err := q.Next(ctx)
		require.NoError(t, err)
		ids = append(ids, req.JobID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}
