// coordinator/coordinator_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package coordinator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/mmp/chatbk/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingHandler runs each job until its session is closed or until
// finish is closed.
type blockingHandler struct {
	c        *Coordinator
	started  chan string
	finish   chan struct{}
	running  atomic.Int32
	maxSeen  atomic.Int32
	failFor  string
	mu       sync.Mutex
	cleanups map[string]int
	requeued []string
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{
		started:  make(chan string, 100),
		finish:   make(chan struct{}),
		cleanups: make(map[string]int),
	}
}

func (h *blockingHandler) HandleJob(ctx context.Context, req jobs.Request) error {
	n := h.running.Add(1)
	defer h.running.Add(-1)
	for {
		m := h.maxSeen.Load()
		if n <= m || h.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	closed := make(chan struct{})
	release, err := h.c.Track(req.JobID, func() {
		h.mu.Lock()
		h.cleanups[req.JobID]++
		h.mu.Unlock()
		close(closed)
	})
	if err != nil {
		return err
	}
	h.started <- req.JobID
	select {
	case <-closed:
	case <-h.finish:
	}
	release()
	return nil
}

func (h *blockingHandler) RequeueJob(ctx context.Context, id string) error {
	if id == h.failFor {
		return errors.New("store unavailable")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requeued = append(h.requeued, id)
	return nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []jobs.Request
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, req jobs.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

func startJobs(t *testing.T, c *Coordinator, h *blockingHandler, n int) (ids []string, wait func()) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := "job" + strconv.Itoa(i)
		ids = append(ids, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Execute(context.Background(), jobs.Request{JobID: id}))
		}()
	}
	for i := 0; i < n; i++ {
		select {
		case <-h.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d jobs started", i, n)
		}
	}
	return ids, wg.Wait
}

func TestShutdownRequeues(t *testing.T) {
	h := newBlockingHandler()
	d := &recordingDispatcher{}
	c := New(h, d, 10, nil)
	h.c = c

	ids, wait := startJobs(t, c, h, 8)
	assert.Equal(t, 8, c.Active())

	require.NoError(t, c.Shutdown(context.Background()))
	wait()

	assert.ElementsMatch(t, ids, h.requeued)
	var dispatched []string
	for _, r := range d.reqs {
		dispatched = append(dispatched, r.JobID)
	}
	assert.ElementsMatch(t, ids, dispatched)
	for _, id := range ids {
		assert.Equal(t, 1, h.cleanups[id], id)
	}
	assert.Equal(t, 0, c.Active())
	assert.True(t, c.ShuttingDown())

	err := c.Execute(context.Background(), jobs.Request{JobID: "late"})
	assert.True(t, errors.Is(err, ErrShuttingDown))
	_, err = c.Track("late", func() {})
	assert.True(t, errors.Is(err, ErrShuttingDown))
}

func TestShutdownPartialFailure(t *testing.T) {
	h := newBlockingHandler()
	h.failFor = "job1"
	d := &recordingDispatcher{}
	c := New(h, d, 10, nil)
	h.c = c

	_, wait := startJobs(t, c, h, 3)
	err := c.Shutdown(context.Background())
	wait()

	assert.ErrorContains(t, err, "1 of 3")
	assert.ElementsMatch(t, []string{"job0", "job2"}, h.requeued)
	assert.Len(t, d.reqs, 2)
	assert.Equal(t, 1, h.cleanups["job1"])
}

func TestFinishedJobsNotRequeued(t *testing.T) {
	h := newBlockingHandler()
	d := &recordingDispatcher{}
	c := New(h, d, 10, nil)
	h.c = c

	_, wait := startJobs(t, c, h, 4)
	close(h.finish)
	wait()
	assert.Equal(t, 0, c.Active())

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Empty(t, h.requeued)
	assert.Empty(t, d.reqs)
	assert.Empty(t, h.cleanups)
}

func TestParallelLimit(t *testing.T) {
	h := newBlockingHandler()
	c := New(h, &recordingDispatcher{}, 2, nil)
	h.c = c

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Execute(context.Background(), jobs.Request{JobID: "job" + strconv.Itoa(i)}))
		}()
	}
	<-h.started
	<-h.started
	select {
	case id := <-h.started:
		t.Fatalf("%s started with two jobs already running", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(h.finish)
	wg.Wait()
	assert.Equal(t, int32(2), h.maxSeen.Load())
}

func TestDuplicateRequest(t *testing.T) {
	h := newBlockingHandler()
	c := New(h, &recordingDispatcher{}, 4, nil)
	h.c = c

	_, wait := startJobs(t, c, h, 1)
	// A second request for a job that's already running here is dropped.
	require.NoError(t, c.Execute(context.Background(), jobs.Request{JobID: "job0"}))
	assert.Equal(t, 1, c.Active())
	close(h.finish)
	wait()
}

func TestExecuteCanceled(t *testing.T) {
	h := newBlockingHandler()
	c := New(h, &recordingDispatcher{}, 1, nil)
	h.c = c

	_, wait := startJobs(t, c, h, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Execute(ctx, jobs.Request{JobID: "other"})
	assert.ErrorIs(t, err, context.Canceled)
	close(h.finish)
	wait()
}
