// chat/chat.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chat describes the messaging service that backups read from:
// paginated message retrieval, entity resolution, and media download.
// Messages are normalized into the types here regardless of where they
// came from.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEntityNotFound is returned when the client can't map an id to an
// entity, typically because its peer cache has gone stale. Refreshing the
// dialog list with Dialogs usually fixes it.
var ErrEntityNotFound = errors.New("entity not found")

// ErrMediaUnavailable is returned by DownloadMedia for media that can't be
// fetched at all, as opposed to a failure that may succeed if retried.
var ErrMediaUnavailable = errors.New("media unavailable")

// ErrClosed is returned by a Client's methods once it has been closed.
var ErrClosed = errors.New("chat session closed")

type EntityType string

const (
	EntityUser    EntityType = "user"
	EntityBot     EntityType = "bot"
	EntityGroup   EntityType = "group"
	EntityChannel EntityType = "channel"
)

// Entity is a user, group or channel.
type Entity struct {
	ID       string
	Type     EntityType
	Name     string
	Username string `cbor:",omitempty" json:",omitempty"`
	// Small profile picture, if the service provides one.
	Photo []byte `cbor:",omitempty" json:",omitempty"`
}

// Dialog is a conversation with an entity.
type Dialog struct {
	ID     string
	Entity Entity
	// Approximate number of messages, or zero if unknown.
	Count int
}

// Message is a normalized chat message.
type Message struct {
	ID   int64
	Date int64 // unix seconds
	// Entity id of the sender; empty for anonymous channel posts.
	From    string
	Text    string
	ReplyTo int64
	Media   Media
}

func (m Message) Time() time.Time {
	return time.Unix(m.Date, 0)
}

// Media is one of Photo, Document, Video, Contact, Geo, Poll, WebPage or
// Unknown.
type Media interface {
	isMedia()
}

// Downloadable is implemented by media whose content can be fetched with
// Client.DownloadMedia.
type Downloadable interface {
	Media
	MediaID() string
	MediaSize() int64
}

type Photo struct {
	ID   string
	Size int64
	W, H int
}

type Document struct {
	ID       string
	FileName string
	MimeType string
	Size     int64
}

// Video is a video document; the service may also offer it in other
// resolutions, listed in Variants.
type Video struct {
	ID       string
	FileName string
	MimeType string
	Size     int64
	Duration int
	W, H     int
	Variants []VideoVariant
}

type VideoVariant struct {
	ID   string
	Size int64
	W, H int
}

type Contact struct {
	FirstName, LastName string
	Phone               string
	UserID              string
}

type Geo struct {
	Lat, Long float64
}

type Poll struct {
	Question string
	Answers  []PollAnswer
	Closed   bool
}

type PollAnswer struct {
	Text   string
	Voters int
}

type WebPage struct {
	URL         string
	Title       string
	Description string
}

// Unknown is media of a type this package doesn't model.
type Unknown struct {
	Type string
}

func (Photo) isMedia()    {}
func (Document) isMedia() {}
func (Video) isMedia()    {}
func (Contact) isMedia()  {}
func (Geo) isMedia()      {}
func (Poll) isMedia()     {}
func (WebPage) isMedia()  {}
func (Unknown) isMedia()  {}

func (p Photo) MediaID() string     { return p.ID }
func (p Photo) MediaSize() int64    { return p.Size }
func (d Document) MediaID() string  { return d.ID }
func (d Document) MediaSize() int64 { return d.Size }
func (v Video) MediaID() string     { return v.ID }
func (v Video) MediaSize() int64    { return v.Size }

// GetOptions selects a page of messages for GetMessages.
type GetOptions struct {
	Limit int
	// Only messages strictly older than OffsetDate (unix seconds) are
	// returned; zero means no bound.
	OffsetDate int64
}

// Page is the result of GetMessages.
type Page struct {
	// Newest first.
	Messages []Message
	// Number of messages in the dialog older than the offset date, or all
	// of them if there was no offset.
	Total int
}

// IterOptions bounds a message iteration.
type IterOptions struct {
	// Only messages strictly older than OffsetDate (unix seconds); zero
	// means no bound.
	OffsetDate int64
	// Only messages with an id greater than MinID.
	MinID int64
}

// MessageIterator yields messages newest to oldest. Next returns io.EOF
// after the last one.
type MessageIterator interface {
	Next(ctx context.Context) (Message, error)
}

// Client is a connected session with the messaging service. Clients are
// not safe for concurrent use.
type Client interface {
	// Dialogs returns the user's dialogs and refreshes the client's
	// entity cache.
	Dialogs(ctx context.Context) ([]Dialog, error)
	ResolveEntity(ctx context.Context, id string) (Entity, error)
	GetMessages(ctx context.Context, dialog string, opts GetOptions) (Page, error)
	IterateMessages(ctx context.Context, dialog string, opts IterOptions) (MessageIterator, error)
	// DownloadMedia returns the content of msg's media. variant selects a
	// VideoVariant by id; empty means the media itself.
	DownloadMedia(ctx context.Context, msg Message, variant string) ([]byte, error)
	Close() error
}

// Dialer opens a Client for a user's session.
type Dialer interface {
	Dial(ctx context.Context, session string) (Client, error)
}

// MediaType returns a short name for the media's variant, "" for nil.
func MediaType(m Media) string {
	switch m.(type) {
	case nil:
		return ""
	case Photo:
		return "photo"
	case Document:
		return "document"
	case Video:
		return "video"
	case Contact:
		return "contact"
	case Geo:
		return "geo"
	case Poll:
		return "poll"
	case WebPage:
		return "webpage"
	case Unknown:
		return "unknown"
	default:
		panic(fmt.Sprintf("%T: unhandled media type", m))
	}
}
