// coordinator/coordinator.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package coordinator runs jobs with bounded concurrency and, when the
// process is shutting down, hands the jobs it was running back to the
// queue.
package coordinator

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/mmp/chatbk/jobs"
	"github.com/mmp/chatbk/metrics"
	u "github.com/mmp/chatbk/util"
	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned for requests that arrive once shutdown has
// started; they should be retried elsewhere.
const ErrShuttingDown = errors.ConstError("shutting down")

const (
	DefaultParallelJobs = 3
	// Number of jobs requeued at once during shutdown.
	drainParallelism = 5
)

// JobHandler is the part of jobs.Handler the coordinator uses.
type JobHandler interface {
	HandleJob(ctx context.Context, req jobs.Request) error
	RequeueJob(ctx context.Context, id string) error
}

type activeJob struct {
	req     jobs.Request
	cleanup func()
	// Set once shutdown has taken over the job.
	taken bool
}

// Coordinator implements jobs.SessionTracker for the jobs it runs.
type Coordinator struct {
	handler    JobHandler
	dispatcher jobs.Dispatcher
	sem        chan struct{}
	log        *u.Logger

	mu           sync.Mutex
	shuttingDown bool
	active       map[string]*activeJob
}

// New returns a Coordinator running at most parallel jobs at once; zero
// selects DefaultParallelJobs.
func New(handler JobHandler, dispatcher jobs.Dispatcher, parallel int, log *u.Logger) *Coordinator {
	if parallel <= 0 {
		parallel = DefaultParallelJobs
	}
	return &Coordinator{
		handler:    handler,
		dispatcher: dispatcher,
		sem:        make(chan struct{}, parallel),
		log:        log,
		active:     make(map[string]*activeJob),
	}
}

func (c *Coordinator) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// Active returns the number of jobs being run.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Execute waits for a free slot and then runs the request.
func (c *Coordinator) Execute(ctx context.Context, req jobs.Request) error {
	if c.ShuttingDown() {
		return ErrShuttingDown
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	a := &activeJob{req: req}
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := c.active[req.JobID]; ok {
		c.mu.Unlock()
		c.log.Verbose("%s: already running here", req.JobID)
		return nil
	}
	c.active[req.JobID] = a
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.active[req.JobID] == a {
			delete(c.active, req.JobID)
		}
		c.mu.Unlock()
	}()
	return c.handler.HandleJob(ctx, req)
}

// Track registers the cleanup for a job's session.
func (c *Coordinator) Track(jobID string, cleanup func()) (func() bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return nil, ErrShuttingDown
	}
	a, ok := c.active[jobID]
	if !ok {
		// Run other than through Execute.
		a = &activeJob{req: jobs.Request{JobID: jobID}}
		c.active[jobID] = a
	}
	a.cleanup = cleanup

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if a.taken {
			return false
		}
		a.cleanup = nil
		if !ok && c.active[jobID] == a {
			delete(c.active, jobID)
		}
		return true
	}, nil
}

// Shutdown stops new jobs from starting and hands the running ones back:
// each one's session is closed, its job is returned to the queued state,
// and its request is dispatched again. Failures are logged and counted in
// the returned error, but don't stop the others from being handled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	var drain []*activeJob
	for id, a := range c.active {
		a.taken = true
		drain = append(drain, a)
		delete(c.active, id)
	}
	c.mu.Unlock()

	c.log.Print("shutting down: requeueing %d jobs", len(drain))

	var mu sync.Mutex
	failed := 0
	var g errgroup.Group
	g.SetLimit(drainParallelism)
	for _, a := range drain {
		g.Go(func() error {
			if err := c.drain(ctx, a); err != nil {
				c.log.Error("%s: %v", a.req.JobID, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if failed > 0 {
		return errors.Errorf("%d of %d jobs not requeued", failed, len(drain))
	}
	return nil
}

func (c *Coordinator) drain(ctx context.Context, a *activeJob) error {
	// cleanup can't change once taken is set.
	if a.cleanup != nil {
		a.cleanup()
	}
	// The job must be queued before it's dispatched again, or the next
	// worker would find it still running and skip it.
	if err := c.handler.RequeueJob(ctx, a.req.JobID); err != nil {
		return errors.Annotate(err, "resetting status")
	}
	if err := c.dispatcher.Enqueue(ctx, a.req); err != nil {
		return errors.Annotate(err, "dispatching")
	}
	metrics.Requeued.Inc()
	return nil
}
