// pointer/pointer_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pointer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	qt "github.com/frankban/quicktest"
	"github.com/mmp/chatbk/storage"
	"github.com/redis/go-redis/v9"
)

func services(t *testing.T) map[string]Service {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Service{
		"memory":   NewMemory(),
		"metadata": NewMetadata(storage.NewMemory()),
		"redis":    NewRedis(client, "test:", nil),
	}
}

func testKey(c *qt.C, b byte) *Key {
	seed := make([]byte, 32)
	seed[0] = b
	k, err := NewKey(seed)
	c.Assert(err, qt.IsNil)
	return k
}

func TestResolveUnset(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			c := qt.New(t)
			_, err := svc.Resolve(context.Background(), "nothing")
			c.Assert(err, qt.ErrorIs, ErrNoValue)
		})
	}
}

func TestMonotonicRevisions(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			c := qt.New(t)
			ctx := context.Background()
			k := testKey(c, 1)
			n := k.Name("jobs")

			rev := k.First(n, storage.HashBytes([]byte("v0")))
			c.Assert(svc.Publish(ctx, rev), qt.IsNil)

			for i := 1; i < 10; i++ {
				cur, err := svc.Resolve(ctx, n)
				c.Assert(err, qt.IsNil)
				c.Assert(cur.Seq, qt.Equals, uint64(i-1))

				v := storage.HashBytes([]byte{byte(i)})
				c.Assert(svc.Publish(ctx, k.Next(cur, v)), qt.IsNil)

				got, err := svc.Resolve(ctx, n)
				c.Assert(err, qt.IsNil)
				c.Assert(got.Seq, qt.Equals, uint64(i))
				c.Assert(got.Value, qt.Equals, v)
			}
		})
	}
}

func TestPublishConflicts(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			c := qt.New(t)
			ctx := context.Background()
			k := testKey(c, 2)
			n := k.Name("jobs")
			v := storage.HashBytes([]byte("v"))

			// Can't start anywhere but zero.
			c.Assert(svc.Publish(ctx, k.Next(k.First(n, v), v)), qt.ErrorIs, ErrConflict)

			first := k.First(n, v)
			c.Assert(svc.Publish(ctx, first), qt.IsNil)
			// Republishing revision zero, or skipping ahead, is a conflict.
			c.Assert(svc.Publish(ctx, first), qt.ErrorIs, ErrConflict)
			skip := k.Next(k.Next(first, v), v)
			c.Assert(svc.Publish(ctx, skip), qt.ErrorIs, ErrConflict)

			// Another key can't take over the name.
			other := testKey(c, 3)
			c.Assert(svc.Publish(ctx, other.Next(first, v)), qt.ErrorIs, ErrBadSignature)

			// Tampered revisions don't verify.
			bad := k.Next(first, v)
			bad.Value = storage.HashBytes([]byte("evil"))
			c.Assert(svc.Publish(ctx, bad), qt.ErrorIs, ErrBadSignature)
		})
	}
}

func TestConcurrentPublishers(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			c := qt.New(t)
			ctx := context.Background()
			k := testKey(c, 4)
			n := k.Name("race")
			first := k.First(n, storage.HashBytes(nil))
			c.Assert(svc.Publish(ctx, first), qt.IsNil)

			// All writers start from the same revision; exactly one wins.
			const writers = 8
			var wg sync.WaitGroup
			errs := make([]error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = svc.Publish(ctx, k.Next(first, storage.HashBytes([]byte{byte(i)})))
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
				} else {
					c.Assert(err, qt.ErrorIs, ErrConflict)
				}
			}
			c.Assert(wins, qt.Equals, 1)
		})
	}
}

// listCounter counts metadata listings.
type listCounter struct {
	storage.Backend
	lists atomic.Int32
}

func (l *listCounter) ListMetadata(ctx context.Context, prefix string) (map[string]time.Time, error) {
	l.lists.Add(1)
	return l.Backend.ListMetadata(ctx, prefix)
}

func TestMetadataResolveForward(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	backend := &listCounter{Backend: storage.NewMemory()}
	writer, reader := NewMetadata(backend), NewMetadata(backend)
	k := testKey(c, 7)
	n := k.Name("jobs")

	rev := k.First(n, storage.HashBytes([]byte("v0")))
	c.Assert(writer.Publish(ctx, rev), qt.IsNil)
	for i := 1; i < 5; i++ {
		rev = k.Next(rev, storage.HashBytes([]byte{byte(i)}))
		c.Assert(writer.Publish(ctx, rev), qt.IsNil)
	}
	// The writer listed once, to learn that the name was unset.
	c.Assert(backend.lists.Load(), qt.Equals, int32(1))

	got, err := reader.Resolve(ctx, n)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Seq, qt.Equals, uint64(4))
	c.Assert(backend.lists.Load(), qt.Equals, int32(2))

	// Revisions published elsewhere are found without listing again.
	for i := 5; i < 8; i++ {
		rev = k.Next(rev, storage.HashBytes([]byte{byte(i)}))
		c.Assert(writer.Publish(ctx, rev), qt.IsNil)
	}
	got, err = reader.Resolve(ctx, n)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Seq, qt.Equals, uint64(7))
	c.Assert(got.Value, qt.Equals, rev.Value)
	c.Assert(backend.lists.Load(), qt.Equals, int32(2))

	// A name that's a prefix of another still resolves separately.
	_, err = reader.Resolve(ctx, n[:len(n)-1])
	c.Assert(err, qt.ErrorIs, ErrNoValue)
}

func TestKeyNames(t *testing.T) {
	c := qt.New(t)
	a, b := testKey(c, 5), testKey(c, 6)
	c.Assert(a.Name("jobs"), qt.Not(qt.Equals), b.Name("jobs"))
	c.Assert(testKey(c, 5).Name("jobs"), qt.Equals, a.Name("jobs"))

	_, err := NewKey([]byte("short"))
	c.Assert(err, qt.IsNotNil)

	g, err := GenerateKey(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(g.First("x", storage.Hash{}).Verify(), qt.IsNil)
}
