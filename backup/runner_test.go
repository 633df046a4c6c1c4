// backup/runner_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmp/chatbk/block"
	"github.com/mmp/chatbk/chat"
	"github.com/mmp/chatbk/chat/chattest"
	"github.com/mmp/chatbk/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func newRunner(t *testing.T) (*Runner, string) {
	space := "mem://backup-" + strings.ReplaceAll(t.Name(), "/", "-")
	return &Runner{
		Open:     EncryptedOpener("secret"),
		Attempts: 5,
		Delay:    time.Millisecond,
	}, space
}

type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) messages() []MessagesRetrieved {
	e.mu.Lock()
	defer e.mu.Unlock()
	var m []MessagesRetrieved
	for _, ev := range e.all {
		if mr, ok := ev.(MessagesRetrieved); ok {
			m = append(m, mr)
		}
	}
	return m
}

func (e *events) shards() []ShardUploaded {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s []ShardUploaded
	for _, ev := range e.all {
		if su, ok := ev.(ShardUploaded); ok {
			s = append(s, su)
		}
	}
	return s
}

func readBack(t *testing.T, r *Runner, space string, root block.Link) *Reader {
	ctx := context.Background()
	backend, err := r.Open(ctx, space, storage.Options{})
	require.NoError(t, err)
	rd, err := NewReader(ctx, backend, root)
	require.NoError(t, err)
	return rd
}

func batchSizes(t *testing.T, rd *Reader, d DialogData) []int {
	var sizes []int
	for _, l := range d.Messages {
		var b MessageBatch
		require.NoError(t, block.Get(context.Background(), rd.Backend(), l, &b))
		sizes = append(sizes, len(b.Messages))
	}
	return sizes
}

func TestBatches(t *testing.T) {
	ctx := context.Background()
	fake := chattest.New()
	fake.AddEntity(chat.Entity{ID: "user1", Type: chat.EntityUser, Name: "Alice"})
	fake.AddDialog(chat.Entity{ID: "chat1", Type: chat.EntityGroup, Name: "Group"},
		chattest.Messages(2500, "user1", start))

	r, space := newRunner(t)
	var ev events
	root, err := r.Run(ctx, fake, Request{Space: space, Dialogs: []string{"chat1"}}, ev.add)
	require.NoError(t, err)

	rd := readBack(t, r, space, root)
	assert.Equal(t, []string{"chat1"}, rd.DialogIDs())
	d, err := rd.Dialog(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, "Group", d.Entity.Name)
	assert.Equal(t, []int{1000, 1000, 500}, batchSizes(t, rd, d))

	ents, err := rd.Entities(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "Alice", ents["user1"].Name)
	assert.Contains(t, ents, "chat1")

	// Newest first.
	var ids []int64
	require.NoError(t, rd.Messages(ctx, d, func(m Message) error {
		ids = append(ids, m.ID)
		return nil
	}))
	require.Len(t, ids, 2500)
	assert.Equal(t, int64(2500), ids[0])
	assert.Equal(t, int64(1), ids[2499])

	// Once per full batch, then every 50 messages.
	mr := ev.messages()
	require.Len(t, mr, 2+10)
	assert.Equal(t, 1000, mr[0].Count)
	assert.Equal(t, 2000, mr[1].Count)
	assert.Equal(t, 2050, mr[2].Count)
	assert.Equal(t, 2500, mr[len(mr)-1].Count)
	for i := 1; i < len(mr); i++ {
		assert.Greater(t, mr[i].Progress, mr[i-1].Progress)
	}
	assert.Equal(t, 1.0, mr[len(mr)-1].Progress)

	assert.NotEmpty(t, ev.shards())
	require.NoError(t, rd.Fsck(ctx))
}

func TestBatchBoundaries(t *testing.T) {
	for _, n := range []int{0, 1, 999, 1000, 1001, 3000} {
		fake := chattest.New()
		fake.AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser}, chattest.Messages(n, "", start))

		r, space := newRunner(t)
		space += "-" + strconv.Itoa(n)
		root, err := r.Run(context.Background(), fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
		require.NoError(t, err)

		rd := readBack(t, r, space, root)
		d, err := rd.Dialog(context.Background(), "user1")
		require.NoError(t, err)
		sizes := batchSizes(t, rd, d)
		assert.Len(t, sizes, (n+MaxBatchSize-1)/MaxBatchSize, "%d messages", n)
		total := 0
		for _, s := range sizes {
			assert.LessOrEqual(t, s, MaxBatchSize)
			total += s
		}
		assert.Equal(t, n, total)
	}
}

func TestPeriod(t *testing.T) {
	ctx := context.Background()
	fake := chattest.New()
	// Message i is at start + (i-1) minutes.
	fake.AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser}, chattest.Messages(100, "", start))

	r, space := newRunner(t)
	period := Period{
		From: start.Add(10 * time.Minute).Unix(),
		To:   start.Add(19 * time.Minute).Unix(),
	}
	var ev events
	root, err := r.Run(ctx, fake, Request{Space: space, Dialogs: []string{"user1"}, Period: period}, ev.add)
	require.NoError(t, err)

	rd := readBack(t, r, space, root)
	assert.Equal(t, period, rd.Model.Period)
	d, err := rd.Dialog(ctx, "user1")
	require.NoError(t, err)
	var ids []int64
	require.NoError(t, rd.Messages(ctx, d, func(m Message) error {
		ids = append(ids, m.ID)
		return nil
	}))
	assert.Equal(t, []int64{20, 19, 18, 17, 16, 15, 14, 13, 12, 11}, ids)

	mr := ev.messages()
	require.NotEmpty(t, mr)
	assert.Equal(t, 10, mr[0].Estimate)
}

func mediaDialog(fake *chattest.Fake, media chat.Media) chat.Message {
	m := chat.Message{ID: 1, Date: start.Unix(), Text: "look", Media: media}
	fake.AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser}, []chat.Message{m})
	return m
}

func firstMessage(t *testing.T, r *Runner, space string, root block.Link) Message {
	rd := readBack(t, r, space, root)
	d, err := rd.Dialog(context.Background(), "user1")
	require.NoError(t, err)
	var msgs []Message
	require.NoError(t, rd.Messages(context.Background(), d, func(m Message) error {
		msgs = append(msgs, m)
		return nil
	}))
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestMediaRetry(t *testing.T) {
	ctx := context.Background()
	fake := chattest.New()
	mediaDialog(fake, chat.Photo{ID: "p1", Size: 5})
	fake.SetMedia("p1", []byte("photo"))
	fake.FailDownloads("p1", 4)

	r, space := newRunner(t)
	root, err := r.Run(ctx, fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, fake.Downloads)

	m := firstMessage(t, r, space, root)
	require.NotNil(t, m.Media)
	assert.True(t, m.Media.Downloaded)
	assert.Equal(t, "photo", string(m.Media.Contents))
}

func TestMediaRetryExhausted(t *testing.T) {
	fake := chattest.New()
	mediaDialog(fake, chat.Photo{ID: "p1", Size: 5})
	fake.SetMedia("p1", []byte("photo"))
	fake.FailDownloads("p1", 6)

	r, space := newRunner(t)
	_, err := r.Run(context.Background(), fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.ErrorIs(t, err, chattest.ErrDownload)
	assert.Equal(t, 5, fake.Downloads)
}

func TestMediaUnavailable(t *testing.T) {
	fake := chattest.New()
	mediaDialog(fake, chat.Document{ID: "gone", FileName: "a.pdf", Size: 10})

	r, space := newRunner(t)
	root, err := r.Run(context.Background(), fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Downloads)

	m := firstMessage(t, r, space, root)
	assert.Equal(t, "document", m.Media.Type)
	assert.Equal(t, "a.pdf", m.Media.FileName)
	assert.False(t, m.Media.Downloaded)
}

func TestLargeMedia(t *testing.T) {
	ctx := context.Background()
	content := make([]byte, 300*1024)
	rand.New(rand.NewSource(1)).Read(content)

	fake := chattest.New()
	mediaDialog(fake, chat.Document{ID: "d1", Size: int64(len(content))})
	fake.SetMedia("d1", content)

	r, space := newRunner(t)
	root, err := r.Run(ctx, fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.NoError(t, err)

	m := firstMessage(t, r, space, root)
	require.NotNil(t, m.Media.Hash)
	assert.Equal(t, int64(len(content)), m.Media.Stored)
	rd := readBack(t, r, space, root)
	rc, err := m.Media.NewReader(ctx, rd.Backend())
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.True(t, bytes.Equal(content, b))
}

func TestVideoVariant(t *testing.T) {
	fake := chattest.New()
	mediaDialog(fake, chat.Video{ID: "v", Size: 5000, Variants: []chat.VideoVariant{
		{ID: "v-small", Size: 100}, {ID: "v-mid", Size: 900}, {ID: "v-big", Size: 2000},
	}})
	fake.SetMedia("v-mid", []byte("mid"))

	r, space := newRunner(t)
	r.MediaCeiling = 1000
	root, err := r.Run(context.Background(), fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.NoError(t, err)

	m := firstMessage(t, r, space, root)
	assert.Equal(t, "v-mid", m.Media.Variant)
	assert.Equal(t, int64(5000), m.Media.Size)
	assert.Equal(t, int64(3), m.Media.Stored)
	assert.Equal(t, "mid", string(m.Media.Contents))
}

func TestPickVariant(t *testing.T) {
	vs := []chat.VideoVariant{{ID: "a", Size: 3000}, {ID: "b", Size: 500}, {ID: "c", Size: 800}, {ID: "d", Size: 2000}}
	assert.Equal(t, "c", pickVariant(vs, 1000).ID)
	assert.Equal(t, "d", pickVariant(vs, 2500).ID)
	// None fit: the smallest.
	assert.Equal(t, "b", pickVariant(vs, 100).ID)
}

func TestOtherMedia(t *testing.T) {
	fake := chattest.New()
	mediaDialog(fake, chat.Poll{Question: "lunch?", Answers: []chat.PollAnswer{{Text: "yes", Voters: 3}}})

	r, space := newRunner(t)
	root, err := r.Run(context.Background(), fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, fake.Downloads)

	m := firstMessage(t, r, space, root)
	require.NotNil(t, m.Media.Poll)
	assert.Equal(t, "lunch?", m.Media.Poll.Question)
	assert.Equal(t, 3, m.Media.Poll.Answers[0].Voters)
}

func TestResync(t *testing.T) {
	fake := chattest.New()
	fake.AddEntity(chat.Entity{ID: "user2", Type: chat.EntityUser, Name: "Bob"})
	fake.AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser}, chattest.Messages(10, "user2", start))
	fake.Stale = true

	r, space := newRunner(t)
	_, err := r.Run(context.Background(), fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.DialogsCalls)
}

func TestUnknownDialog(t *testing.T) {
	fake := chattest.New()
	r, space := newRunner(t)
	_, err := r.Run(context.Background(), fake, Request{Space: space, Dialogs: []string{"nobody"}}, nil)
	require.ErrorIs(t, err, chat.ErrEntityNotFound)
	// Resynced once, then gave up.
	assert.Equal(t, 1, fake.DialogsCalls)
}

func TestDeleteDialog(t *testing.T) {
	ctx := context.Background()
	fake := chattest.New()
	fake.AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser}, chattest.Messages(3, "", start))
	fake.AddDialog(chat.Entity{ID: "user2", Type: chat.EntityUser}, chattest.Messages(3, "", start))

	r, space := newRunner(t)
	root, err := r.Run(ctx, fake, Request{Space: space, Dialogs: []string{"user1", "user2"}}, nil)
	require.NoError(t, err)

	newRoot, err := r.DeleteDialog(ctx, space, root, "user1")
	require.NoError(t, err)
	assert.NotEqual(t, root, newRoot)
	assert.Equal(t, []string{"user2"}, readBack(t, r, space, newRoot).DialogIDs())
	// The old backup is still intact.
	assert.Equal(t, []string{"user1", "user2"}, readBack(t, r, space, root).DialogIDs())

	_, err = r.DeleteDialog(ctx, space, newRoot, "user1")
	assert.ErrorIs(t, err, ErrNoDialog)
}

func TestRunReleasesBackend(t *testing.T) {
	ctx := context.Background()
	fake := chattest.New()
	fake.AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser}, chattest.Messages(3, "", start))
	fake.AddDialog(chat.Entity{ID: "user2", Type: chat.EntityUser}, chattest.Messages(3, "", start))

	r, space := newRunner(t)
	root, err := r.Run(ctx, fake, Request{Space: space, Dialogs: []string{"user1", "user2"}}, nil)
	require.NoError(t, err)

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		s := space + "-" + strconv.Itoa(i)
		_, err := r.Run(ctx, fake, Request{Space: s, Dialogs: []string{"user1"}}, nil)
		require.NoError(t, err)
		_, err = r.DeleteDialog(ctx, space, root, "user1")
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before+2 },
		time.Second, 10*time.Millisecond, "goroutines grew from %d", before)
}

func TestWrongPassword(t *testing.T) {
	ctx := context.Background()
	fake := chattest.New()
	fake.AddDialog(chat.Entity{ID: "user1", Type: chat.EntityUser}, chattest.Messages(3, "", start))

	r, space := newRunner(t)
	_, err := r.Run(ctx, fake, Request{Space: space, Dialogs: []string{"user1"}}, nil)
	require.NoError(t, err)

	_, err = EncryptedOpener("wrong")(ctx, space, storage.Options{})
	assert.ErrorIs(t, err, storage.ErrWrongPassword)
}
