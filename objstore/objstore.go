// objstore/objstore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package objstore keeps a single mutable value in immutable storage: each
// version is an encrypted block, and a name pointer records which block is
// current. All operations on a Store run one at a time, in the order they
// were submitted.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mmp/chatbk/block"
	"github.com/mmp/chatbk/pointer"
	"github.com/mmp/chatbk/storage"
	u "github.com/mmp/chatbk/util"
)

// ErrNoValue is returned by Get and Set before the store has been
// initialized.
var ErrNoValue = pointer.ErrNoValue

var ErrClosed = errors.New("object store closed")

// ErrNoChange may be returned by an Update function to leave the value as
// it is; Update then returns nil.
var ErrNoChange = errors.New("no change")

// Store holds one value of type T behind the pointer name derived from
// its label.
type Store[T any] struct {
	name    string
	key     *pointer.Key
	ptr     pointer.Service
	backend storage.Backend
	log     *u.Logger

	ops       chan op
	done      chan struct{}
	closeOnce sync.Once
}

type op struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// New returns a Store for the value named label. backend should encrypt;
// the Store doesn't add encryption of its own. Close must be called to
// release the Store's worker goroutine.
func New[T any](backend storage.Backend, ptr pointer.Service, key *pointer.Key,
	label string, log *u.Logger) *Store[T] {
	s := &Store[T]{
		name:    key.Name(label),
		key:     key,
		ptr:     ptr,
		backend: backend,
		log:     log,
		ops:     make(chan op, 64),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Store[T]) Name() string {
	return s.name
}

func (s *Store[T]) worker() {
	for {
		select {
		case o := <-s.ops:
			if s.closed() {
				o.result <- ErrClosed
				return
			}
			if err := o.ctx.Err(); err != nil {
				// The caller gave up while queued.
				o.result <- err
				continue
			}
			o.result <- o.fn(o.ctx)
		case <-s.done:
			return
		}
	}
}

// do runs fn on the worker and waits for it to finish.
func (s *Store[T]) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed() {
		return ErrClosed
	}
	o := op{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once queued, wait for the op even if ctx is cancelled in the
	// meantime; the worker checks ctx before running it.
	select {
	case err := <-o.result:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Close stops the worker. Operations already queued may not run.
func (s *Store[T]) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Store[T]) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Init stores v as the first version unless the store already has a
// value, in which case it does nothing.
func (s *Store[T]) Init(ctx context.Context, v T) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.ptr.Resolve(ctx, s.name)
		if err == nil {
			s.log.Debug("%s: already initialized", s.name)
			return nil
		} else if !errors.Is(err, pointer.ErrNoValue) {
			return err
		}

		l, err := block.PutSynced(ctx, s.backend, v)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		err = s.ptr.Publish(ctx, s.key.First(s.name, l))
		if errors.Is(err, pointer.ErrConflict) {
			// Another process initialized it first; theirs stands.
			s.log.Verbose("%s: initialized concurrently", s.name)
			return nil
		}
		return err
	})
}

// Get returns the current value.
func (s *Store[T]) Get(ctx context.Context) (T, error) {
	var v T
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		v, _, err = s.get(ctx)
		return err
	})
	return v, err
}

func (s *Store[T]) get(ctx context.Context) (T, pointer.Revision, error) {
	var v T
	rev, err := s.ptr.Resolve(ctx, s.name)
	if err != nil {
		return v, rev, err
	}
	if err := block.Get(ctx, s.backend, rev.Value, &v); err != nil {
		return v, rev, fmt.Errorf("%s: %w", rev, err)
	}
	return v, rev, nil
}

// Set replaces the value. The store must have been initialized.
func (s *Store[T]) Set(ctx context.Context, v T) error {
	return s.do(ctx, func(ctx context.Context) error {
		rev, err := s.ptr.Resolve(ctx, s.name)
		if err != nil {
			return fmt.Errorf("%s: set: %w", s.name, err)
		}
		return s.set(ctx, rev, v)
	})
}

func (s *Store[T]) set(ctx context.Context, prev pointer.Revision, v T) error {
	l, err := block.PutSynced(ctx, s.backend, v)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	next := s.key.Next(prev, l)
	if err := s.ptr.Publish(ctx, next); err != nil {
		return err
	}
	s.log.Debug("%s: published revision %d", s.name, next.Seq)
	return nil
}

// Update reads the current value, passes it to fn, and stores the result,
// without any other operation on this Store running in between. If fn
// returns an error, nothing is stored and the error is returned.
func (s *Store[T]) Update(ctx context.Context, fn func(v *T) error) error {
	return s.do(ctx, func(ctx context.Context) error {
		v, rev, err := s.get(ctx)
		if err != nil {
			return err
		}
		if err := fn(&v); errors.Is(err, ErrNoChange) {
			return nil
		} else if err != nil {
			return err
		}
		return s.set(ctx, rev, v)
	})
}
