// dispatch/consumer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package dispatch

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/mmp/chatbk/coordinator"
	"github.com/mmp/chatbk/jobs"
	u "github.com/mmp/chatbk/util"
	"gopkg.in/tomb.v2"
)

// Executor runs a request; coordinator.Coordinator is one.
type Executor interface {
	Execute(ctx context.Context, req jobs.Request) error
}

// Consumer takes requests from a Queue and runs them, with up to workers
// requests in flight at once.
type Consumer struct {
	tomb  tomb.Tomb
	queue Queue
	exec  Executor
	log   *u.Logger
}

func NewConsumer(queue Queue, exec Executor, workers int, log *u.Logger) *Consumer {
	c := &Consumer{queue: queue, exec: exec, log: log}
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.tomb.Go(c.loop)
	}
	return c
}

// Stop stops taking requests and waits for those in flight to finish.
func (c *Consumer) Stop() error {
	c.tomb.Kill(nil)
	return c.tomb.Wait()
}

func (c *Consumer) loop() error {
	ctx := c.tomb.Context(context.Background())
	for {
		req, err := c.queue.Next(ctx)
		select {
		case <-c.tomb.Dying():
			if err == nil {
				// Taken but not run; put it back for someone else.
				c.putBack(req)
				c.ack(req)
			}
			return nil
		default:
		}
		if errors.Is(err, ErrEmpty) {
			continue
		} else if err != nil {
			c.log.Warning("dispatch: %v", err)
			select {
			case <-time.After(time.Second):
			case <-c.tomb.Dying():
				return nil
			}
			continue
		}

		// Jobs aren't interrupted when the consumer stops.
		err = c.exec.Execute(context.WithoutCancel(ctx), req)
		if errors.Is(err, coordinator.ErrShuttingDown) {
			c.putBack(req)
			c.ack(req)
			return nil
		} else if err != nil {
			c.log.Error("%s: %v", req.JobID, err)
		}
		c.ack(req)
	}
}

func (c *Consumer) ack(req jobs.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.queue.Ack(ctx, req); err != nil {
		c.log.Error("%s: %v", req.JobID, err)
	}
}

func (c *Consumer) putBack(req jobs.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.queue.Enqueue(ctx, req); err != nil {
		c.log.Error("%s: returning request to queue: %v", req.JobID, err)
	}
}
