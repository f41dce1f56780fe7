// Package remote defines the narrow interfaces through which the engine
// consumes the backend: relational query API, row-change feed, connectivity
// signal, and identity context. Concrete implementations live in client.go
// and feed.go; tests substitute struct fakes.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Table names carried on change feed events.
const (
	TableChannels    = "channels"
	TableMessages    = "messages"
	TableMemberships = "memberships"
	TablePosts       = "posts"
)

// ChangeType is the kind of a row-change event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one row-level change pushed by the backend. Old and New are
// raw rows; decoding happens defensively at the bridge boundary.
type ChangeEvent struct {
	Table string          `json:"table"`
	Type  ChangeType      `json:"type"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// Cursor addresses a position in a channel's message history for
// seek-pagination. Rows strictly older than (BeforeCreatedAt, BeforeID) in
// composite order are returned.
type Cursor struct {
	BeforeCreatedAt int64
	BeforeID        string
}

// Zero reports whether the cursor is unset.
func (c Cursor) Zero() bool {
	return c.BeforeCreatedAt == 0 && c.BeforeID == ""
}

// MessageRow is the remote shape of a message.
type MessageRow struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	ChannelID string         `json:"channel_id"`
	SenderID  string         `json:"sender_id"`
	Body      string         `json:"body"`
	CreatedAt int64          `json:"created_at"`
	EditedAt  int64          `json:"edited_at"`
	DeletedAt int64          `json:"deleted_at"`
	Meta      map[string]any `json:"meta"`
}

// ChannelRow is the remote shape of a channel.
type ChannelRow struct {
	ID              string         `json:"id"`
	CustomType      string         `json:"custom_type"`
	CustomCategory  string         `json:"custom_category"`
	UpdatedAt       int64          `json:"updated_at"`
	LastMessageAt   int64          `json:"last_message_at"`
	LastMessageText string         `json:"last_message_text"`
	LastSenderID    string         `json:"last_sender_id"`
	Meta            map[string]any `json:"meta"`
}

// PostRow is the remote shape of a feed post.
type PostRow struct {
	ID        string         `json:"id"`
	AuthorID  string         `json:"author_id"`
	Body      string         `json:"body"`
	Category  string         `json:"category"`
	Lat       float64        `json:"lat"`
	Lon       float64        `json:"lon"`
	CreatedAt int64          `json:"created_at"`
	Meta      map[string]any `json:"meta"`
}

// OutboundMessage is a locally composed message submitted to the backend.
// ClientID travels with it so a realtime echo of the same send deduplicates.
type OutboundMessage struct {
	ClientID  string         `json:"client_id"`
	ChannelID string         `json:"channel_id"`
	SenderID  string         `json:"sender_id"`
	Body      string         `json:"body"`
	CreatedAt int64          `json:"created_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// BoundingBox is a latitude/longitude rectangle for post queries.
type BoundingBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// Backend is the relational query API of the remote service.
type Backend interface {
	// MessagesBefore fetches up to limit messages of a channel older than
	// the cursor, newest first. A zero cursor starts from the newest.
	MessagesBefore(ctx context.Context, channelID string, cur Cursor, limit int) ([]MessageRow, error)
	// SendMessage submits a composed message and returns the authoritative
	// row, including the server-issued id.
	SendMessage(ctx context.Context, msg OutboundMessage) (*MessageRow, error)
	// Channel fetches the authoritative channel row, or nil when absent.
	Channel(ctx context.Context, id string) (*ChannelRow, error)
	// PostsWithin fetches posts inside the box, optionally filtered by
	// category, newest first.
	PostsWithin(ctx context.Context, box BoundingBox, category string, limit int) ([]PostRow, error)
	// MarkRead records the read position of a user in a channel.
	MarkRead(ctx context.Context, channelID, userID string) error
}

// ChangeFeed is the push subscription of row-change events.
type ChangeFeed interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Connectivity reports whether the device is online and pushes transitions.
type Connectivity interface {
	Online() bool
	Transitions() <-chan bool
}

// Identity supplies the current user id for scoping queries.
type Identity interface {
	UserID() string
}

// StaticIdentity is an Identity fixed at construction time.
type StaticIdentity struct {
	ID string
}

// UserID returns the fixed user id.
func (s StaticIdentity) UserID() string { return s.ID }

// PermanentError marks a rejection that must not be retried, e.g. a
// validation failure or a forbidden write.
type PermanentError struct {
	Status int
	Msg    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent rejection (status %d): %s", e.Status, e.Msg)
}

// IsPermanent reports whether err is a non-retryable rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
