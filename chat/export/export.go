// chat/export/export.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package export implements chat.Client over a Telegram Desktop JSON
// export: a result.json file with the exported media files in the
// directories next to it. Either a full-account export or a single-chat
// export may be used.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mmp/chatbk/chat"
	u "github.com/mmp/chatbk/util"
)

// The layout of result.json; only the fields we use.
type exportFile struct {
	Chats *struct {
		List []exportChat `json:"list"`
	} `json:"chats"`
	exportChat
}

type exportChat struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	ID       int64           `json:"id"`
	Messages []exportMessage `json:"messages"`
}

type exportMessage struct {
	ID           int64    `json:"id"`
	Type         string   `json:"type"`
	Date         string   `json:"date"`
	DateUnix     string   `json:"date_unixtime"`
	From         string   `json:"from"`
	FromID       string   `json:"from_id"`
	Actor        string   `json:"actor"`
	ActorID      string   `json:"actor_id"`
	Action       string   `json:"action"`
	Text         richText `json:"text"`
	ReplyTo      int64    `json:"reply_to_message_id"`
	Photo        string   `json:"photo"`
	PhotoSize    int64    `json:"photo_file_size"`
	File         string   `json:"file"`
	FileName     string   `json:"file_name"`
	FileSize     int64    `json:"file_size"`
	MediaType    string   `json:"media_type"`
	MimeType     string   `json:"mime_type"`
	Duration     int      `json:"duration_seconds"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	ContactInfo  *struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone_number"`
	} `json:"contact_information"`
	Location *struct {
		Lat  float64 `json:"latitude"`
		Long float64 `json:"longitude"`
	} `json:"location_information"`
	Poll *struct {
		Question string `json:"question"`
		Closed   bool   `json:"closed"`
		Answers  []struct {
			Text   string `json:"text"`
			Voters int    `json:"voters"`
		} `json:"answers"`
	} `json:"poll"`
}

// richText is either a plain string or an array of strings and
// formatted-text objects, which are flattened to their text.
type richText string

func (t *richText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = richText(s)
		return nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	var sb strings.Builder
	for _, p := range parts {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			sb.WriteString(s)
			continue
		}
		var ent struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p, &ent); err != nil {
			return err
		}
		sb.WriteString(ent.Text)
	}
	*t = richText(sb.String())
	return nil
}

// Client serves one export. Resolved peers are kept in the session cache,
// which starts out empty: as with a freshly connected service client,
// Dialogs must be called before entities resolve. Each client has its own
// entry in the cache, so clients of the same session may come and go
// independently.
type Client struct {
	dir     string
	session string
	// Names this client's entry in cache.
	cacheKey string
	cache    chat.SessionCache
	log     *u.Logger

	closed atomic.Bool

	dialogs  []chat.Dialog
	entities map[string]chat.Entity
	// Dialog id to its messages, newest first.
	messages map[string][]chat.Message
}

// Open reads the export at path, which is either a result.json file or a
// directory holding one.
func Open(ctx context.Context, path, session string, cache chat.SessionCache,
	log *u.Logger) (*Client, error) {
	if fi, err := os.Stat(path); err != nil {
		return nil, err
	} else if fi.IsDir() {
		path = filepath.Join(path, "result.json")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ef exportFile
	if err := json.NewDecoder(f).Decode(&ef); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c := &Client{
		dir:      filepath.Dir(path),
		session:  session,
		cacheKey: session + "/" + uuid.NewString(),
		cache:    cache,
		log:      log,
		entities: make(map[string]chat.Entity),
		messages: make(map[string][]chat.Message),
	}

	var chats []exportChat
	if ef.Chats != nil {
		chats = ef.Chats.List
	} else if ef.Messages != nil {
		chats = []exportChat{ef.exportChat}
	}
	for _, ec := range chats {
		if err := c.addChat(ec); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	log.Verbose("%s: %d dialogs", path, len(c.dialogs))
	return c, nil
}

func (c *Client) addChat(ec exportChat) error {
	ent := chat.Entity{ID: chatEntityID(ec), Type: chatEntityType(ec.Type), Name: ec.Name}
	c.entities[ent.ID] = ent

	msgs := make([]chat.Message, 0, len(ec.Messages))
	for _, em := range ec.Messages {
		m, err := convert(em)
		if err != nil {
			return fmt.Errorf("%s: message %d: %w", ec.Name, em.ID, err)
		}
		msgs = append(msgs, m)

		if id, name := em.FromID, em.From; id != "" || em.ActorID != "" {
			if id == "" {
				id, name = em.ActorID, em.Actor
			}
			if _, ok := c.entities[id]; !ok {
				c.entities[id] = chat.Entity{ID: id, Type: fromEntityType(id), Name: name}
			}
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })

	c.messages[ent.ID] = msgs
	c.dialogs = append(c.dialogs, chat.Dialog{ID: ent.ID, Entity: ent, Count: len(msgs)})
	return nil
}

func chatEntityID(ec exportChat) string {
	switch chatEntityType(ec.Type) {
	case chat.EntityUser, chat.EntityBot:
		return "user" + strconv.FormatInt(ec.ID, 10)
	case chat.EntityChannel:
		return "channel" + strconv.FormatInt(ec.ID, 10)
	default:
		return "chat" + strconv.FormatInt(ec.ID, 10)
	}
}

func chatEntityType(t string) chat.EntityType {
	switch t {
	case "personal_chat", "saved_messages":
		return chat.EntityUser
	case "bot_chat":
		return chat.EntityBot
	case "private_channel", "public_channel":
		return chat.EntityChannel
	default:
		return chat.EntityGroup
	}
}

func fromEntityType(id string) chat.EntityType {
	if strings.HasPrefix(id, "channel") {
		return chat.EntityChannel
	}
	return chat.EntityUser
}

func convert(em exportMessage) (chat.Message, error) {
	m := chat.Message{
		ID:      em.ID,
		From:    em.FromID,
		Text:    string(em.Text),
		ReplyTo: em.ReplyTo,
	}

	if em.DateUnix != "" {
		d, err := strconv.ParseInt(em.DateUnix, 10, 64)
		if err != nil {
			return m, err
		}
		m.Date = d
	} else if em.Date != "" {
		t, err := time.Parse("2006-01-02T15:04:05", em.Date)
		if err != nil {
			return m, err
		}
		m.Date = t.Unix()
	}

	switch {
	case em.Type == "service":
		m.From = em.ActorID
		m.Media = chat.Unknown{Type: "service:" + em.Action}
	case em.Photo != "":
		m.Media = chat.Photo{ID: mediaPath(em.Photo), Size: em.PhotoSize, W: em.Width, H: em.Height}
	case em.File != "":
		switch em.MediaType {
		case "video_file", "video_message", "animation":
			m.Media = chat.Video{
				ID:       mediaPath(em.File),
				FileName: em.FileName,
				MimeType: em.MimeType,
				Size:     em.FileSize,
				Duration: em.Duration,
				W:        em.Width,
				H:        em.Height,
			}
		default:
			m.Media = chat.Document{
				ID:       mediaPath(em.File),
				FileName: em.FileName,
				MimeType: em.MimeType,
				Size:     em.FileSize,
			}
		}
	case em.ContactInfo != nil:
		m.Media = chat.Contact{
			FirstName: em.ContactInfo.FirstName,
			LastName:  em.ContactInfo.LastName,
			Phone:     em.ContactInfo.Phone,
		}
	case em.Location != nil:
		m.Media = chat.Geo{Lat: em.Location.Lat, Long: em.Location.Long}
	case em.Poll != nil:
		p := chat.Poll{Question: em.Poll.Question, Closed: em.Poll.Closed}
		for _, a := range em.Poll.Answers {
			p.Answers = append(p.Answers, chat.PollAnswer{Text: a.Text, Voters: a.Voters})
		}
		m.Media = p
	}
	return m, nil
}

// mediaPath returns the path of an exported file relative to the export
// directory, or "" if the export didn't include it.
func mediaPath(p string) string {
	if strings.HasPrefix(p, "(") {
		// "(File not included. Change data exporting settings to download.)"
		return ""
	}
	return p
}

func (c *Client) check() error {
	if c.closed.Load() {
		return fmt.Errorf("%s: %w", c.session, chat.ErrClosed)
	}
	return nil
}

func (c *Client) Dialogs(ctx context.Context) ([]chat.Dialog, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	for _, e := range c.entities {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Put(ctx, c.cacheKey, "peer:"+e.ID, b); err != nil {
			return nil, err
		}
	}
	return append([]chat.Dialog(nil), c.dialogs...), nil
}

func (c *Client) ResolveEntity(ctx context.Context, id string) (chat.Entity, error) {
	if err := c.check(); err != nil {
		return chat.Entity{}, err
	}
	b, err := c.cache.Get(ctx, c.cacheKey, "peer:"+id)
	if errors.Is(err, chat.ErrCacheMiss) {
		return chat.Entity{}, fmt.Errorf("%s: %w", id, chat.ErrEntityNotFound)
	} else if err != nil {
		return chat.Entity{}, err
	}
	var e chat.Entity
	if err := json.Unmarshal(b, &e); err != nil {
		return chat.Entity{}, fmt.Errorf("%s: %w", id, err)
	}
	return e, nil
}

// dialog returns the messages of a dialog whose peer has been resolved.
func (c *Client) dialog(ctx context.Context, id string) ([]chat.Message, error) {
	if _, err := c.ResolveEntity(ctx, id); err != nil {
		return nil, err
	}
	msgs, ok := c.messages[id]
	if !ok {
		return nil, fmt.Errorf("%s: not a dialog: %w", id, chat.ErrEntityNotFound)
	}
	return msgs, nil
}

// olderThan returns the suffix of msgs (newest first) dated before date.
func olderThan(msgs []chat.Message, date int64) []chat.Message {
	if date == 0 {
		return msgs
	}
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Date < date })
	return msgs[i:]
}

func (c *Client) GetMessages(ctx context.Context, dialog string, opts chat.GetOptions) (chat.Page, error) {
	msgs, err := c.dialog(ctx, dialog)
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
	c     *Client
	msgs  []chat.Message
	minID int64
}

func (it *iterator) Next(ctx context.Context) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	if err := it.c.check(); err != nil {
		return chat.Message{}, err
	}
	if len(it.msgs) == 0 || it.msgs[0].ID <= it.minID {
		return chat.Message{}, io.EOF
	}
	m := it.msgs[0]
	it.msgs = it.msgs[1:]
	return m, nil
}

func (c *Client) IterateMessages(ctx context.Context, dialog string, opts chat.IterOptions) (chat.MessageIterator, error) {
	msgs, err := c.dialog(ctx, dialog)
	if err != nil {
		return nil, err
	}
	return &iterator{c: c, msgs: olderThan(msgs, opts.OffsetDate), minID: opts.MinID}, nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg chat.Message, variant string) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	d, ok := msg.Media.(chat.Downloadable)
	if !ok {
		return nil, fmt.Errorf("message %d: %s: %w", msg.ID, chat.MediaType(msg.Media),
			chat.ErrMediaUnavailable)
	}
	if variant != "" || d.MediaID() == "" || !filepath.IsLocal(filepath.FromSlash(d.MediaID())) {
		return nil, fmt.Errorf("message %d: %w", msg.ID, chat.ErrMediaUnavailable)
	}

	b, err := os.ReadFile(filepath.Join(c.dir, filepath.FromSlash(d.MediaID())))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("message %d: %s: %w", msg.ID, d.MediaID(), chat.ErrMediaUnavailable)
	}
	return b, err
}

// Close ends the session; it's safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.cache.Drop(context.Background(), c.cacheKey)
}

// Dialer opens the export in Root/<session>/ for each session.
type Dialer struct {
	Root  string
	Cache chat.SessionCache
	Log   *u.Logger
}

func (d *Dialer) Dial(ctx context.Context, session string) (chat.Client, error) {
	if !filepath.IsLocal(session) {
		return nil, fmt.Errorf("%s: invalid session name", session)
	}
	return Open(ctx, filepath.Join(d.Root, session), session, d.Cache, d.Log)
}
