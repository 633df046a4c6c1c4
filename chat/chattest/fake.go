// chat/chattest/fake.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chattest provides an in-memory chat.Client for tests.
package chattest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mmp/chatbk/chat"
)

// ErrDownload is the error returned by injected media failures.
var ErrDownload = errors.New("fake media download failed")

// Fake is a chat.Client backed by maps. The zero value is not usable; call
// New.
type Fake struct {
	mu       sync.Mutex
	dialogs  []chat.Dialog
	entities map[string]chat.Entity
	messages map[string][]chat.Message // newest first
	media    map[string][]byte
	failures map[string]int

	// Stale makes entity lookups fail with chat.ErrEntityNotFound until
	// Dialogs is next called.
	Stale bool

	DialogsCalls int
	Downloads    int
	Closed       int
}

func New() *Fake {
	return &Fake{
		entities: make(map[string]chat.Entity),
		messages: make(map[string][]chat.Message),
		media:    make(map[string][]byte),
		failures: make(map[string]int),
	}
}

// AddDialog adds a dialog with the given messages, in any order.
func (f *Fake) AddDialog(e chat.Entity, msgs []chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = e
	msgs = append([]chat.Message(nil), msgs...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	f.messages[e.ID] = msgs
	f.dialogs = append(f.dialogs, chat.Dialog{ID: e.ID, Entity: e, Count: len(msgs)})
}

func (f *Fake) AddEntity(e chat.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = e
}

// SetMedia sets the content served for the media (or video variant) id.
func (f *Fake) SetMedia(id string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[id] = b
}

// FailDownloads makes the next n downloads of id fail with ErrDownload.
func (f *Fake) FailDownloads(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = n
}

// Messages returns n text messages from sender, one a minute starting at
// start, with ids 1 to n.
func Messages(n int, sender string, start time.Time) []chat.Message {
	msgs := make([]chat.Message, n)
	for i := range msgs {
		msgs[i] = chat.Message{
			ID:   int64(i + 1),
			Date: start.Add(time.Duration(i) * time.Minute).Unix(),
			From: sender,
			Text: "message " + strconv.Itoa(i+1),
		}
	}
	return msgs
}

func (f *Fake) Dialogs(ctx context.Context) ([]chat.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DialogsCalls++
	f.Stale = false
	return append([]chat.Dialog(nil), f.dialogs...), nil
}

func (f *Fake) ResolveEntity(ctx context.Context, id string) (chat.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolve(id)
}

func (f *Fake) resolve(id string) (chat.Entity, error) {
	e, ok := f.entities[id]
	if !ok || f.Stale {
		return chat.Entity{}, fmt.Errorf("%s: %w", id, chat.ErrEntityNotFound)
	}
	return e, nil
}

func (f *Fake) dialog(id string) ([]chat.Message, error) {
	if _, err := f.resolve(id); err != nil {
		return nil, err
	}
	msgs, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("%s: not a dialog: %w", id, chat.ErrEntityNotFound)
	}
	return msgs, nil
}

func olderThan(msgs []chat.Message, date int64) []chat.Message {
	if date == 0 {
		return msgs
	}
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Date < date })
	return msgs[i:]
}

func (f *Fake) GetMessages(ctx context.Context, dialog string, opts chat.GetOptions) (chat.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, err := f.dialog(dialog)
	if err != nil {
		return chat.Page{}, err
	}
	msgs = olderThan(msgs, opts.OffsetDate)
	p := chat.Page{Total: len(msgs)}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[:opts.Limit]
	}
	p.Messages = append(p.Messages, msgs...)
	return p, nil
}

type iterator struct {
	msgs  []chat.Message
	minID int64
}

func (it *iterator) Next(ctx context.Context) (chat.Message, error) {
	if len(it.msgs) == 0 || it.msgs[0].ID <= it.minID {
		return chat.Message{}, io.EOF
	}
	m := it.msgs[0]
	it.msgs = it.msgs[1:]
	return m, nil
}

func (f *Fake) IterateMessages(ctx context.Context, dialog string, opts chat.IterOptions) (chat.MessageIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, err := f.dialog(dialog)
	if err != nil {
		return nil, err
	}
	return &iterator{msgs: olderThan(msgs, opts.OffsetDate), minID: opts.MinID}, nil
}

func (f *Fake) DownloadMedia(ctx context.Context, msg chat.Message, variant string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Downloads++

	d, ok := msg.Media.(chat.Downloadable)
	if !ok {
		return nil, fmt.Errorf("message %d: %w", msg.ID, chat.ErrMediaUnavailable)
	}
	id := d.MediaID()
	if variant != "" {
		id = variant
	}
	if f.failures[id] > 0 {
		f.failures[id]--
		return nil, fmt.Errorf("%s: %w", id, ErrDownload)
	}
	b, ok := f.media[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, chat.ErrMediaUnavailable)
	}
	return b, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed++
	return nil
}

// Dialer hands out Fakes by session, creating empty ones as needed.
type Dialer struct {
	mu    sync.Mutex
	fakes map[string]*Fake
	// Block, if non-nil, is received from before Dial returns.
	Block chan struct{}
}

func NewDialer() *Dialer {
	return &Dialer{fakes: make(map[string]*Fake)}
}

// Fake returns the client that Dial returns for session.
func (d *Dialer) Fake(session string) *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fakes[session]
	if !ok {
		f = New()
		d.fakes[session] = f
	}
	return f
}

func (d *Dialer) Dial(ctx context.Context, session string) (chat.Client, error) {
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.Fake(session), nil
}
