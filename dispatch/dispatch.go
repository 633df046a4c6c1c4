// dispatch/dispatch.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package dispatch moves job requests from the code that queues jobs to
// the workers that run them, either within one process or through a
// Redis list shared by many worker processes.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/mmp/chatbk/jobs"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Queue.Next when no request arrived in time.
const ErrEmpty = errors.ConstError("dispatch queue empty")

// Queue is a jobs.Dispatcher that requests can also be taken from.
type Queue interface {
	jobs.Dispatcher
	// Next returns the next request, waiting a little while for one if
	// none is available.
	Next(ctx context.Context) (jobs.Request, error)
	// Ack reports that a request returned by Next has been handled and
	// needn't be redelivered.
	Ack(ctx context.Context, req jobs.Request) error
}

// pollTimeout bounds how long Next waits before returning ErrEmpty.
const pollTimeout = time.Second

// Local is an in-process Queue.
type Local struct {
	ch chan jobs.Request
}

func NewLocal(size int) *Local {
	return &Local{ch: make(chan jobs.Request, size)}
}

func (l *Local) Enqueue(ctx context.Context, req jobs.Request) error {
	select {
	case l.ch <- req:
		return nil
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "enqueueing %s", req.JobID)
	}
}

func (l *Local) Next(ctx context.Context) (jobs.Request, error) {
	t := time.NewTimer(pollTimeout)
	defer t.Stop()
	select {
	case req := <-l.ch:
		return req, nil
	case <-t.C:
		return jobs.Request{}, ErrEmpty
	case <-ctx.Done():
		return jobs.Request{}, ctx.Err()
	}
}

// Ack is a no-op; requests in a local queue don't outlive the process.
func (l *Local) Ack(ctx context.Context, req jobs.Request) error {
	return nil
}

// Redis is a Queue backed by a Redis list; requests are JSON encoded.
//
// Taking a request moves it to a list of requests in progress that
// belongs to the worker; it stays there until it is acknowledged. A
// worker that restarts after a crash calls Recover to return what it had
// taken to the queue, so worker ids must be stable across restarts and
// unique among running workers.
type Redis struct {
	client     *redis.Client
	key        string
	processing string

	mu sync.Mutex
	// Raw list entries of unacknowledged requests.
	taken map[jobs.Request][]string
}

func NewRedis(client *redis.Client, prefix, worker string) *Redis {
	return &Redis{
		client:     client,
		key:        prefix + "jobs:queue",
		processing: prefix + "jobs:processing:" + worker,
		taken:      make(map[jobs.Request][]string),
	}
}

func (r *Redis) Enqueue(ctx context.Context, req jobs.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(r.client.RPush(ctx, r.key, b).Err(), "enqueueing %s", req.JobID)
}

func (r *Redis) Next(ctx context.Context) (jobs.Request, error) {
	raw, err := r.client.BLMove(ctx, r.key, r.processing, "LEFT", "RIGHT", pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return jobs.Request{}, ErrEmpty
	} else if err != nil {
		return jobs.Request{}, errors.Trace(err)
	}
	var req jobs.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		// Nothing can run it; don't keep it around to be recovered.
		r.client.LRem(ctx, r.processing, 1, raw)
		return jobs.Request{}, errors.Annotatef(err, "decoding request %q", raw)
	}
	r.mu.Lock()
	r.taken[req] = append(r.taken[req], raw)
	r.mu.Unlock()
	return req, nil
}

func (r *Redis) Ack(ctx context.Context, req jobs.Request) error {
	r.mu.Lock()
	raws := r.taken[req]
	if len(raws) == 0 {
		r.mu.Unlock()
		return errors.NotFoundf("unacknowledged request for %s", req.JobID)
	}
	raw := raws[len(raws)-1]
	if len(raws) == 1 {
		delete(r.taken, req)
	} else {
		r.taken[req] = raws[:len(raws)-1]
	}
	r.mu.Unlock()
	return errors.Annotatef(r.client.LRem(ctx, r.processing, 1, raw).Err(), "acknowledging %s", req.JobID)
}

// Recover returns requests that this worker took but never acknowledged
// to the front of the queue, oldest first, and returns how many there
// were. reset, if non-nil, is called for each before it's returned. It
// should be called before the worker starts taking requests.
func (r *Redis) Recover(ctx context.Context, reset func(context.Context, jobs.Request) error) (int, error) {
	entries, err := r.client.LRange(ctx, r.processing, 0, -1).Result()
	if err != nil {
		return 0, errors.Annotate(err, "recovering requests")
	}
	n := 0
	// Newest first, each pushed on the head of the queue.
	for i := len(entries) - 1; i >= 0; i-- {
		raw := entries[i]
		var req jobs.Request
		if err := json.Unmarshal([]byte(raw), &req); err == nil && reset != nil {
			if err := reset(ctx, req); err != nil {
				return n, errors.Annotatef(err, "recovering %s", req.JobID)
			}
		}
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, r.processing, -1, raw)
			p.LPush(ctx, r.key, raw)
			return nil
		})
		if err != nil {
			return n, errors.Annotate(err, "recovering requests")
		}
		n++
	}
	return n, nil
}

// Len returns the number of requests waiting.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	return n, errors.Trace(err)
}
