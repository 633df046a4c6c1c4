// jobs/handler_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/mmp/chatbk/backup"
	"github.com/mmp/chatbk/chat"
	"github.com/mmp/chatbk/chat/chattest"
	"github.com/mmp/chatbk/ledger"
	"github.com/mmp/chatbk/objstore"
	"github.com/mmp/chatbk/pointer"
	"github.com/mmp/chatbk/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []Request
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, req Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

type fixture struct {
	h        *Handler
	dialer   *chattest.Dialer
	ledger   *ledger.Memory
	dispatch *recordingDispatcher
	space    string
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	tableBackend, err := storage.NewEncrypted(ctx, storage.NewMemory(), "table password")
	require.NoError(t, err)
	key, err := pointer.GenerateKey(nil)
	require.NoError(t, err)
	store := objstore.New[Table](tableBackend, pointer.NewMemory(), key, "jobs", nil)
	t.Cleanup(store.Close)

	f := &fixture{
		dialer:   chattest.NewDialer(),
		ledger:   ledger.NewMemory(),
		dispatch: &recordingDispatcher{},
		space:    "mem://jobs-" + strings.ReplaceAll(t.Name(), "/", "-"),
	}
	f.h = &Handler{
		Store:         store,
		Runner:        &backup.Runner{Open: backup.EncryptedOpener("backup password"), Delay: time.Millisecond},
		Dialer:        f.dialer,
		Ledger:        f.ledger,
		Dispatcher:    f.dispatch,
		PointsPerByte: 1,
	}
	require.NoError(t, f.h.Init(ctx))
	return f
}

func (f *fixture) queued(t *testing.T, user string, dialogs ...string) Job {
	ctx := context.Background()
	job, err := f.h.CreateJob(ctx, user, Params{Space: f.space, Dialogs: dialogs})
	require.NoError(t, err)
	job, err = f.h.QueueJob(ctx, Request{JobID: job.ID})
	require.NoError(t, err)
	return job
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dialer.Fake("alice").AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser},
		chattest.Messages(2500, "", start))

	job, err := f.h.CreateJob(ctx, "alice", Params{Space: f.space, Dialogs: []string{"user1"}})
	require.NoError(t, err)
	assert.Equal(t, Waiting, job.Status)
	assert.NotZero(t, job.Created)

	got, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	queued, err := f.h.QueueJob(ctx, Request{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, Queued, queued.Status)
	assert.Equal(t, job.Created, queued.Created)
	assert.Equal(t, []Request{{JobID: job.ID}}, f.dispatch.reqs)

	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))
	done, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, done.Status)
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, uint64(1), done.Attempt)
	assert.NotZero(t, done.Started)
	assert.GreaterOrEqual(t, done.Finished, done.Started)
	assert.Empty(t, done.Cause)
	require.NotNil(t, done.Data)
	assert.Equal(t, 1, f.dialer.Fake("alice").Closed)

	backend, err := f.h.Runner.Open(ctx, f.space, storage.Options{})
	require.NoError(t, err)
	rd, err := backup.NewReader(ctx, backend, *done.Data)
	require.NoError(t, err)
	d, err := rd.Dialog(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, d.Messages, 3)

	points, err := f.ledger.Points(ctx, "alice")
	require.NoError(t, err)
	assert.Greater(t, points, 0.0)
}

func TestHandleNotQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, err := f.h.CreateJob(ctx, "alice", Params{Space: f.space, Dialogs: []string{"user1"}})
	require.NoError(t, err)
	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))

	got, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, got)
	assert.Equal(t, 0, f.dialer.Fake("alice").Closed)
}

func TestHandleCompletedIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dialer.Fake("alice").AddDialog(chat.Entity{ID: "user1"}, chattest.Messages(3, "", start))

	job := f.queued(t, "alice", "user1")
	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))
	done, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))
	again, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done, again)
}

func mediaJob(t *testing.T, f *fixture, failures int) Job {
	fake := f.dialer.Fake("alice")
	fake.AddDialog(chat.Entity{ID: "user1"}, []chat.Message{
		{ID: 1, Date: start.Unix(), Media: chat.Photo{ID: "p1", Size: 5}},
	})
	fake.SetMedia("p1", []byte("photo"))
	fake.FailDownloads("p1", failures)

	job := f.queued(t, "alice", "user1")
	require.NoError(t, f.h.HandleJob(context.Background(), Request{JobID: job.ID}))
	job, err := f.h.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	return job
}

func TestMediaRecovers(t *testing.T) {
	job := mediaJob(t, newFixture(t), 4)
	assert.Equal(t, Completed, job.Status)
	assert.NotNil(t, job.Data)
}

func TestMediaFails(t *testing.T) {
	f := newFixture(t)
	job := mediaJob(t, f, 6)
	assert.Equal(t, Failed, job.Status)
	assert.Contains(t, job.Cause, chattest.ErrDownload.Error())
	assert.Nil(t, job.Data)
	assert.NotZero(t, job.Finished)
	assert.Equal(t, 1, f.dialer.Fake("alice").Closed)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.h.QueueJob(ctx, Request{JobID: "nope"})
	assert.True(t, errors.Is(err, errors.NotFound), "%v", err)
	_, err = f.h.GetJob(ctx, "nope")
	assert.True(t, errors.Is(err, errors.NotFound), "%v", err)
	err = f.h.HandleJob(ctx, Request{JobID: "nope"})
	assert.True(t, errors.Is(err, errors.NotFound), "%v", err)
	assert.Empty(t, f.dispatch.reqs)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, p := range []Params{
		{Dialogs: []string{"a"}},
		{Space: f.space},
		{Space: f.space, Dialogs: []string{"a", "a"}},
		{Space: f.space, Dialogs: []string{"a"}, Period: backup.Period{From: 10, To: 5}},
	} {
		_, err := f.h.CreateJob(ctx, "alice", p)
		assert.True(t, errors.Is(err, errors.NotValid), "%+v: %v", p, err)
	}
	_, err := f.h.CreateJob(ctx, "", Params{Space: f.space, Dialogs: []string{"a"}})
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

	jobs, err := f.h.ListJobs(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var ids []string
	for i := 0; i < 3; i++ {
		job, err := f.h.CreateJob(ctx, "alice", Params{Space: f.space, Dialogs: []string{"d"}})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	_, err := f.h.CreateJob(ctx, "bob", Params{Space: f.space, Dialogs: []string{"d"}})
	require.NoError(t, err)

	jobs, err := f.h.ListJobs(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	got := map[string]bool{}
	for i, j := range jobs {
		got[j.ID] = true
		if i > 0 {
			assert.LessOrEqual(t, jobs[i-1].Created, j.Created)
		}
	}
	for _, id := range ids {
		assert.True(t, got[id])
	}
}

func TestStaleAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dialer.Fake("alice").AddDialog(chat.Entity{ID: "user1"}, chattest.Messages(10, "", start))
	f.dialer.Block = make(chan struct{})

	job := f.queued(t, "alice", "user1")
	errc := make(chan error)
	go func() { errc <- f.h.HandleJob(ctx, Request{JobID: job.ID}) }()

	require.Eventually(t, func() bool {
		j, err := f.h.GetJob(ctx, job.ID)
		return err == nil && j.Status == Running
	}, 5*time.Second, time.Millisecond)

	// The running attempt is abandoned; its outcome must not stick.
	require.NoError(t, f.h.RequeueJob(ctx, job.ID))
	close(f.dialer.Block)
	require.NoError(t, <-errc)

	j, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Queued, j.Status)
	assert.Nil(t, j.Data)
	assert.Zero(t, j.Started)
	assert.Equal(t, 0.0, j.Progress)

	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))
	j, err = f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, j.Status)
	assert.Equal(t, uint64(2), j.Attempt)
}

type refusingTracker struct{}

func (refusingTracker) Track(string, func()) (func() bool, error) {
	return nil, errors.New("not now")
}

func TestTrackRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dialer.Fake("alice").AddDialog(chat.Entity{ID: "user1"}, chattest.Messages(3, "", start))
	f.h.Sessions = refusingTracker{}

	job := f.queued(t, "alice", "user1")
	assert.Error(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))

	j, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Queued, j.Status)
	assert.Equal(t, 1, f.dialer.Fake("alice").Closed)
}

func TestDeleteDialog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fake := f.dialer.Fake("alice")
	fake.AddDialog(chat.Entity{ID: "user1"}, chattest.Messages(3, "", start))
	fake.AddDialog(chat.Entity{ID: "user2"}, chattest.Messages(3, "", start))

	job := f.queued(t, "alice", "user1", "user2")
	_, err := f.h.DeleteDialog(ctx, job.ID, "user1")
	assert.True(t, errors.Is(err, errors.NotValid), "%v", err)

	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))
	before, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)

	after, err := f.h.DeleteDialog(ctx, job.ID, "user1")
	require.NoError(t, err)
	assert.NotEqual(t, *before.Data, *after.Data)
	assert.Equal(t, Completed, after.Status)

	backend, err := f.h.Runner.Open(ctx, f.space, storage.Options{})
	require.NoError(t, err)
	rd, err := backup.NewReader(ctx, backend, *after.Data)
	require.NoError(t, err)
	assert.Equal(t, []string{"user2"}, rd.DialogIDs())

	_, err = f.h.DeleteDialog(ctx, job.ID, "user1")
	assert.True(t, errors.Is(err, errors.NotFound), "%v", err)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dialer.Fake("alice").AddDialog(chat.Entity{ID: "user1"}, chattest.Messages(3, "", start))

	waiting, err := f.h.CreateJob(ctx, "alice", Params{Space: f.space, Dialogs: []string{"user1"}})
	require.NoError(t, err)
	queued := f.queued(t, "alice", "user1")
	running := f.queued(t, "alice", "user1")
	require.NoError(t, f.h.Store.Update(ctx, func(tb *Table) error {
		j := (*tb)[running.ID]
		j.Status = Running
		j.Attempt = 1
		(*tb)[running.ID] = j
		return nil
	}))
	f.dispatch.reqs = nil

	n, err := f.h.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []Request{{JobID: queued.ID}, {JobID: running.ID}}, f.dispatch.reqs)

	j, err := f.h.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, Queued, j.Status)
	j, err = f.h.GetJob(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, Waiting, j.Status)

	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: running.ID}))
	j, err = f.h.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, j.Status)
	assert.Equal(t, uint64(2), j.Attempt)
}

func TestInterrupted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dialer.Fake("alice").AddDialog(chat.Entity{ID: "user1"}, chattest.Messages(3, "", start))

	job := f.queued(t, "alice", "user1")
	require.NoError(t, f.h.Store.Update(ctx, func(tb *Table) error {
		j := (*tb)[job.ID]
		j.Status = Running
		j.Attempt = 1
		(*tb)[job.ID] = j
		return nil
	}))

	// Redelivering the request alone doesn't run a job marked running.
	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))
	j, err := f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Running, j.Status)

	require.NoError(t, f.h.Interrupted(ctx, Request{JobID: job.ID}))
	require.NoError(t, f.h.HandleJob(ctx, Request{JobID: job.ID}))
	j, err = f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, j.Status)
	assert.Equal(t, uint64(2), j.Attempt)

	// Finished and missing jobs are left alone.
	require.NoError(t, f.h.Interrupted(ctx, Request{JobID: job.ID}))
	j, err = f.h.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, j.Status)
	assert.NoError(t, f.h.Interrupted(ctx, Request{JobID: "nope"}))
}
