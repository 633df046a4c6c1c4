// backup/model.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/mmp/chatbk/block"
	"github.com/mmp/chatbk/chat"
	"github.com/mmp/chatbk/storage"
)

// Period is a window of time in unix seconds. A zero From is the epoch; a
// zero To is open-ended.
type Period struct {
	From, To int64
}

// Model is the root of a backup; one of these is stored for each backup
// and its link is the backup's address.
type Model struct {
	// Dialog id to the link of its DialogData.
	Dialogs map[string]block.Link
	Period  Period
}

// DialogData holds everything backed up for one dialog.
type DialogData struct {
	Entity chat.Entity
	// Link to the dialog's EntityRecord.
	Entities block.Link
	// Links to MessageBatches, in the order the messages were retrieved:
	// newest first.
	Messages []block.Link
}

// EntityRecord maps the ids of the entities seen in a dialog to their
// profiles.
type EntityRecord map[string]chat.Entity

// MaxBatchSize is the maximum number of messages in a MessageBatch.
const MaxBatchSize = 1000

type MessageBatch struct {
	Messages []Message
}

// Message is the stored form of a chat.Message.
type Message struct {
	ID      int64
	Date    int64
	From    string `cbor:",omitempty"`
	Text    string `cbor:",omitempty"`
	ReplyTo int64  `cbor:",omitempty"`
	Media   *Media `cbor:",omitempty"`
}

// Media is the stored form of a message's media. Type says which of the
// optional fields apply.
type Media struct {
	Type     string
	FileName string `cbor:",omitempty"`
	MimeType string `cbor:",omitempty"`
	// Size of the original media, which may be more than what was stored
	// if a smaller video variant was downloaded instead.
	Size     int64 `cbor:",omitempty"`
	W        int   `cbor:",omitempty"`
	H        int   `cbor:",omitempty"`
	Duration int   `cbor:",omitempty"`
	// Id of the video variant that was stored, if not the original.
	Variant string `cbor:",omitempty"`

	// If the media was downloaded, small contents are stored directly in
	// Contents; otherwise Hash points to them. Neither is set if the media
	// wasn't downloaded.
	Contents   []byte              `cbor:",omitempty"`
	Hash       *storage.MerkleHash `cbor:",omitempty"`
	Downloaded bool                `cbor:",omitempty"`
	// Number of bytes downloaded.
	Stored int64 `cbor:",omitempty"`

	Contact *chat.Contact `cbor:",omitempty"`
	Geo     *chat.Geo     `cbor:",omitempty"`
	Poll    *chat.Poll    `cbor:",omitempty"`
	WebPage *chat.WebPage `cbor:",omitempty"`
	// For media of an unknown type, the service's name for it.
	Unknown string `cbor:",omitempty"`
}

// newMedia converts m to its stored form, without contents.
func newMedia(m chat.Media) *Media {
	switch m := m.(type) {
	case nil:
		return nil
	case chat.Photo:
		return &Media{Type: "photo", Size: m.Size, W: m.W, H: m.H}
	case chat.Document:
		return &Media{Type: "document", FileName: m.FileName, MimeType: m.MimeType, Size: m.Size}
	case chat.Video:
		return &Media{Type: "video", FileName: m.FileName, MimeType: m.MimeType, Size: m.Size,
			W: m.W, H: m.H, Duration: m.Duration}
	case chat.Contact:
		return &Media{Type: "contact", Contact: &m}
	case chat.Geo:
		return &Media{Type: "geo", Geo: &m}
	case chat.Poll:
		return &Media{Type: "poll", Poll: &m}
	case chat.WebPage:
		return &Media{Type: "webpage", WebPage: &m}
	case chat.Unknown:
		return &Media{Type: "unknown", Unknown: m.Type}
	default:
		return &Media{Type: "unknown", Unknown: fmt.Sprintf("%T", m)}
	}
}

// NewReader returns a reader for the contents of downloaded media.
func (m *Media) NewReader(ctx context.Context, backend storage.Backend) (io.ReadCloser, error) {
	switch {
	case !m.Downloaded:
		return nil, fmt.Errorf("%s media wasn't downloaded", m.Type)
	case m.Hash != nil:
		return m.Hash.NewReader(ctx, backend)
	default:
		return io.NopCloser(bytes.NewReader(m.Contents)), nil
	}
}

///////////////////////////////////////////////////////////////////////////
// Reading backups

// Reader reads a stored backup.
type Reader struct {
	backend storage.Backend
	Root    block.Link
	Model   Model
}

// NewReader reads the backup root at the given link.
func NewReader(ctx context.Context, backend storage.Backend, root block.Link) (*Reader, error) {
	r := &Reader{backend: backend, Root: root}
	if err := block.Get(ctx, backend, root, &r.Model); err != nil {
		return nil, fmt.Errorf("backup root: %w", err)
	}
	return r, nil
}

func (r *Reader) Backend() storage.Backend {
	return r.backend
}

// DialogIDs returns the ids of the backed up dialogs, sorted.
func (r *Reader) DialogIDs() []string {
	ids := make([]string, 0, len(r.Model.Dialogs))
	for id := range r.Model.Dialogs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Reader) Dialog(ctx context.Context, id string) (DialogData, error) {
	l, ok := r.Model.Dialogs[id]
	if !ok {
		return DialogData{}, fmt.Errorf("%s: %w", id, ErrNoDialog)
	}
	var d DialogData
	err := block.Get(ctx, r.backend, l, &d)
	return d, err
}

func (r *Reader) Entities(ctx context.Context, d DialogData) (EntityRecord, error) {
	var e EntityRecord
	err := block.Get(ctx, r.backend, d.Entities, &e)
	return e, err
}

// Messages calls f for each message of the dialog, newest first, stopping
// at the first error f returns.
func (r *Reader) Messages(ctx context.Context, d DialogData, f func(Message) error) error {
	for _, l := range d.Messages {
		var b MessageBatch
		if err := block.Get(ctx, r.backend, l, &b); err != nil {
			return err
		}
		for _, m := range b.Messages {
			if err := f(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fsck checks that every block reachable from the root is present and
// decodes.
func (r *Reader) Fsck(ctx context.Context) error {
	for _, id := range r.DialogIDs() {
		d, err := r.Dialog(ctx, id)
		if err != nil {
			return err
		}
		if _, err := r.Entities(ctx, d); err != nil {
			return fmt.Errorf("%s: entities: %w", id, err)
		}
		err = r.Messages(ctx, d, func(m Message) error {
			if m.Media != nil && m.Media.Hash != nil {
				if _, err := m.Media.Hash.Bytes(ctx, r.backend); err != nil {
					return fmt.Errorf("message %d: media: %w", m.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}
