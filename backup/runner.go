// backup/runner.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup streams chat history from a chat.Client into a storage
// backend as a tree of content-addressed blocks: a Model root pointing to
// one DialogData per dialog, which in turn points to the dialog's entities
// and its messages in batches.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/mmp/chatbk/block"
	"github.com/mmp/chatbk/chat"
	"github.com/mmp/chatbk/storage"
	u "github.com/mmp/chatbk/util"
)

var ErrNoDialog = errors.New("dialog not in backup")

const (
	DefaultMediaCeiling = 20 * 1024 * 1024
	DefaultAttempts     = 5
	DefaultDelay        = time.Second

	// Media up to this size is stored in the message batch itself.
	inlineMediaSize = 4096
	mediaSplitBits  = 16
	// Progress is reported this often once the remaining messages fit in
	// one batch.
	finalProgressEvery = 50
)

// Event reports backup progress; it is one of DialogRetrieved,
// MessagesRetrieved or ShardUploaded.
type Event interface {
	isEvent()
}

// DialogRetrieved is sent after each dialog has been stored.
type DialogRetrieved struct {
	Dialog   string
	Progress float64
}

// MessagesRetrieved is sent as a dialog's messages are retrieved.
type MessagesRetrieved struct {
	Dialog   string
	Count    int
	Estimate int
	Progress float64
}

// ShardUploaded is sent for each archive shard once it has been
// uploaded.
type ShardUploaded struct {
	Name string
	Size int64
}

func (DialogRetrieved) isEvent()   {}
func (MessagesRetrieved) isEvent() {}
func (ShardUploaded) isEvent()     {}

// Opener opens the backend for a storage space. Backends should encrypt.
type Opener func(ctx context.Context, space string, opts storage.Options) (storage.Backend, error)

// EncryptedOpener returns an Opener for storage.OpenEncrypted with the
// given password.
func EncryptedOpener(password string) Opener {
	return func(ctx context.Context, space string, opts storage.Options) (storage.Backend, error) {
		return storage.OpenEncrypted(ctx, space, password, opts)
	}
}

// Request describes one backup.
type Request struct {
	Space   string
	Dialogs []string
	Period  Period
}

// Runner runs backups. Zero fields take their defaults.
type Runner struct {
	Open Opener
	// Media larger than this isn't downloaded, except that for videos the
	// best fitting variant is.
	MediaCeiling int64
	// Media downloads are tried this many times, with Delay before the
	// first retry, doubling after each one.
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
	Log      *u.Logger
}

func (r *Runner) mediaCeiling() int64 {
	if r.MediaCeiling > 0 {
		return r.MediaCeiling
	}
	return DefaultMediaCeiling
}

// Run backs up the requested dialogs and returns the link to the backup's
// Model. progress may be called from other goroutines than the caller's
// while Run is executing.
func (r *Runner) Run(ctx context.Context, client chat.Client, req Request,
	progress func(Event)) (block.Link, error) {
	if progress == nil {
		progress = func(Event) {}
	}
	backend, err := r.Open(ctx, req.Space, storage.Options{
		OnShard: func(s storage.ShardInfo) {
			progress(ShardUploaded{Name: s.Name, Size: s.Size})
		},
	})
	if err != nil {
		return block.Link{}, err
	}
	defer backend.Close()

	model := Model{Dialogs: make(map[string]block.Link), Period: req.Period}
	for i, id := range req.Dialogs {
		d := &dialogRun{
			Runner:   r,
			client:   client,
			backend:  backend,
			id:       id,
			index:    i,
			n:        len(req.Dialogs),
			progress: progress,
			entities: make(EntityRecord),
		}
		l, err := d.run(ctx, req.Period)
		if err != nil {
			return block.Link{}, fmt.Errorf("%s: %w", id, err)
		}
		model.Dialogs[id] = l
		progress(DialogRetrieved{Dialog: id, Progress: float64(i+1) / float64(len(req.Dialogs))})
	}

	root, err := block.PutSynced(ctx, backend, model)
	if err != nil {
		return block.Link{}, err
	}
	r.Log.Verbose("%s: backed up %d dialogs to %s", req.Space, len(req.Dialogs), root)
	backend.LogStats()
	return root, nil
}

// DeleteDialog stores a copy of the backup at root without the given
// dialog and returns its link. The dialog's blocks stay in storage.
func (r *Runner) DeleteDialog(ctx context.Context, space string, root block.Link,
	dialog string) (block.Link, error) {
	backend, err := r.Open(ctx, space, storage.Options{})
	if err != nil {
		return block.Link{}, err
	}
	defer backend.Close()
	var model Model
	if err := block.Get(ctx, backend, root, &model); err != nil {
		return block.Link{}, fmt.Errorf("backup root: %w", err)
	}
	if _, ok := model.Dialogs[dialog]; !ok {
		return block.Link{}, fmt.Errorf("%s: %w", dialog, ErrNoDialog)
	}
	delete(model.Dialogs, dialog)
	return block.PutSynced(ctx, backend, model)
}

///////////////////////////////////////////////////////////////////////////
// dialogRun

type dialogRun struct {
	*Runner
	client   chat.Client
	backend  storage.Backend
	id       string
	index, n int
	progress func(Event)
	entities EntityRecord
	reported int
}

// withResync calls f and, if it fails because an entity wasn't found,
// refreshes the client's dialogs and calls it once more.
func withResync[T any](ctx context.Context, d *dialogRun, what string, f func() (T, error)) (T, error) {
	v, err := f()
	if !errors.Is(err, chat.ErrEntityNotFound) {
		return v, err
	}
	if err := d.resync(ctx, what, err); err != nil {
		return v, err
	}
	return f()
}

func (d *dialogRun) resync(ctx context.Context, what string, cause error) error {
	d.Log.Warning("%s: %s: %v; resyncing dialogs", d.id, what, cause)
	if _, err := d.client.Dialogs(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	return nil
}

func (d *dialogRun) run(ctx context.Context, period Period) (block.Link, error) {
	ent, err := withResync(ctx, d, "resolve", func() (chat.Entity, error) {
		return d.client.ResolveEntity(ctx, d.id)
	})
	if err != nil {
		return block.Link{}, err
	}
	d.entities[ent.ID] = ent

	minID, estimate, err := d.bounds(ctx, period)
	if err != nil {
		return block.Link{}, err
	}
	d.Log.Debug("%s: min id %d, about %d messages", d.id, minID, estimate)

	opts := chat.IterOptions{MinID: minID}
	if period.To != 0 {
		opts.OffsetDate = period.To + 1
	}
	it, err := withResync(ctx, d, "iterate", func() (chat.MessageIterator, error) {
		return d.client.IterateMessages(ctx, d.id, opts)
	})
	if err != nil {
		return block.Link{}, err
	}

	data := DialogData{Entity: ent}
	var batch []Message
	count := 0
	resynced := false
	flush := func() error {
		l, err := block.Put(ctx, d.backend, MessageBatch{Messages: batch})
		if err != nil {
			return err
		}
		data.Messages = append(data.Messages, l)
		batch = nil
		return nil
	}

	for {
		m, err := it.Next(ctx)
		if errors.Is(err, chat.ErrEntityNotFound) && !resynced {
			resynced = true
			if err := d.resync(ctx, "next message", err); err != nil {
				return block.Link{}, err
			}
			m, err = it.Next(ctx)
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return block.Link{}, err
		}
		if m.Date < period.From {
			break
		}

		sm, err := d.message(ctx, m)
		if err != nil {
			return block.Link{}, err
		}
		batch = append(batch, sm)
		count++

		if len(batch) == MaxBatchSize {
			if err := flush(); err != nil {
				return block.Link{}, err
			}
			d.reportMessages(count, estimate)
		} else if estimate-(count-len(batch)) <= MaxBatchSize && count%finalProgressEvery == 0 {
			d.reportMessages(count, estimate)
		}
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return block.Link{}, err
		}
		d.reportMessages(count, estimate)
	}

	if data.Entities, err = block.Put(ctx, d.backend, d.entities); err != nil {
		return block.Link{}, err
	}
	l, err := block.Put(ctx, d.backend, data)
	if err != nil {
		return block.Link{}, err
	}
	// Completes the dialog's shard.
	if err := d.backend.SyncWrites(ctx); err != nil {
		return block.Link{}, err
	}
	d.Log.Verbose("%s: %d messages in %d batches, %d entities", d.id, count,
		len(data.Messages), len(d.entities))
	return l, nil
}

// bounds returns the id of the newest message before the period starts,
// and an estimate of the number of messages in the period.
func (d *dialogRun) bounds(ctx context.Context, period Period) (int64, int, error) {
	total := func(offset int64) (chat.Page, error) {
		return withResync(ctx, d, "count", func() (chat.Page, error) {
			return d.client.GetMessages(ctx, d.id, chat.GetOptions{Limit: 1, OffsetDate: offset})
		})
	}

	var upper int64
	if period.To != 0 {
		upper = period.To + 1
	}
	p, err := total(upper)
	if err != nil {
		return 0, 0, err
	}
	if period.From == 0 {
		return 0, p.Total, nil
	}

	before, err := total(period.From)
	if err != nil {
		return 0, 0, err
	}
	var minID int64
	if len(before.Messages) > 0 {
		minID = before.Messages[0].ID
	}
	return minID, max(p.Total-before.Total, 0), nil
}

func (d *dialogRun) reportMessages(count, estimate int) {
	if count == d.reported {
		return
	}
	d.reported = count
	frac := 1.0
	if estimate > 0 && count < estimate {
		frac = float64(count) / float64(estimate)
	}
	d.progress(MessagesRetrieved{
		Dialog:   d.id,
		Count:    count,
		Estimate: estimate,
		Progress: (float64(d.index) + frac) / float64(d.n),
	})
}

func (d *dialogRun) message(ctx context.Context, m chat.Message) (Message, error) {
	sm := Message{ID: m.ID, Date: m.Date, From: m.From, Text: m.Text, ReplyTo: m.ReplyTo}

	if m.From != "" {
		if _, ok := d.entities[m.From]; !ok {
			e, err := withResync(ctx, d, "resolve sender", func() (chat.Entity, error) {
				return d.client.ResolveEntity(ctx, m.From)
			})
			if err != nil {
				return sm, fmt.Errorf("message %d: %w", m.ID, err)
			}
			d.entities[m.From] = e
		}
	}

	var err error
	sm.Media, err = d.media(ctx, m)
	return sm, err
}

func (d *dialogRun) media(ctx context.Context, m chat.Message) (*Media, error) {
	sm := newMedia(m.Media)
	dl, ok := m.Media.(chat.Downloadable)
	if !ok {
		return sm, nil
	}

	ceiling := d.mediaCeiling()
	var variant string
	if dl.MediaSize() > ceiling {
		v, ok := m.Media.(chat.Video)
		if !ok || len(v.Variants) == 0 {
			d.Log.Verbose("%s: message %d: skipping %s media of %s", d.id, m.ID, sm.Type,
				u.FmtBytes(dl.MediaSize()))
			return sm, nil
		}
		variant = pickVariant(v.Variants, ceiling).ID
		sm.Variant = variant
	}

	b, err := d.download(ctx, m, variant)
	if errors.Is(err, chat.ErrMediaUnavailable) {
		d.Log.Warning("%s: message %d: %v", d.id, m.ID, err)
		return sm, nil
	} else if err != nil {
		return nil, err
	}

	if len(b) <= inlineMediaSize {
		sm.Contents = b
	} else {
		h, err := storage.SplitBytes(ctx, b, d.backend, mediaSplitBits)
		if err != nil {
			return nil, err
		}
		sm.Hash = &h
	}
	sm.Downloaded = true
	sm.Stored = int64(len(b))
	return sm, nil
}

// pickVariant returns the largest variant no bigger than ceiling, or the
// smallest one if none fit.
func pickVariant(variants []chat.VideoVariant, ceiling int64) chat.VideoVariant {
	best, smallest := -1, 0
	for i, v := range variants {
		if v.Size <= ceiling && (best == -1 || v.Size > variants[best].Size) {
			best = i
		}
		if v.Size < variants[smallest].Size {
			smallest = i
		}
	}
	if best == -1 {
		return variants[smallest]
	}
	return variants[best]
}

func (d *dialogRun) download(ctx context.Context, m chat.Message, variant string) ([]byte, error) {
	attempts := d.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := d.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var b []byte
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			b, err = d.client.DownloadMedia(ctx, m, variant)
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, chat.ErrMediaUnavailable) || errors.Is(err, chat.ErrClosed) ||
				ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			d.Log.Warning("%s: message %d: download attempt %d failed: %v", d.id, m.ID, attempt, err)
		},
		Attempts:    attempts,
		Delay:       delay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, fmt.Errorf("message %d: download media: %w", m.ID, retry.LastError(err))
	}
	return b, nil
}
