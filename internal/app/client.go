package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
	"github.com/Elmundo93/aushilf-sync/internal/reactive"
	"github.com/Elmundo93/aushilf-sync/internal/remote"
	"github.com/Elmundo93/aushilf-sync/internal/serial"
	"github.com/Elmundo93/aushilf-sync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyBody rejects a message with no content before it ever reaches the
// outbox.
var ErrEmptyBody = errors.New("message body is empty")

// Client is the surface exposed to the presentation layer. Reads go through
// the reactive Watch* queries; writes enqueue locally and surface their
// outcome through sync_state transitions observed by those same queries.
type Client struct {
	serial  *serial.Serializer
	bus     *bus.Bus
	backend remote.Backend
	ident   remote.Identity
	logger  *zap.Logger
}

// NewClient creates the presentation-facing client.
func NewClient(s *serial.Serializer, b *bus.Bus, backend remote.Backend, ident remote.Identity, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{serial: s, bus: b, backend: backend, ident: ident, logger: logger}
}

// SendMessage records the intent to send: a pending message row plus a
// durable outbox entry, committed atomically. It returns the client id
// immediately; delivery happens in the background and the reactive query for
// the channel sees the pending row right away.
func (c *Client) SendMessage(ctx context.Context, channelID, body string, meta map[string]any) (string, error) {
	if body == "" {
		return "", ErrEmptyBody
	}

	clientID := uuid.New().String()
	now := time.Now().UnixMilli()
	metaJSON := "{}"
	if len(meta) > 0 {
		buf, err := json.Marshal(meta)
		if err != nil {
			return "", fmt.Errorf("encode meta: %w", err)
		}
		metaJSON = string(buf)
	}
	senderID := c.ident.UserID()

	err := c.serial.RunExclusiveTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO channels (id, updated_at) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING`, channelID, now); err != nil {
			return fmt.Errorf("ensure channel: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, client_id, channel_id, sender_id, body, created_at, meta, sync_state)
			VALUES ('', ?, ?, ?, ?, ?, ?, ?)`,
			clientID, channelID, senderID, body, now, metaJSON, store.StatePending); err != nil {
			return fmt.Errorf("insert pending message: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO outbox (client_id, channel_id, body, meta, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			clientID, channelID, body, metaJSON, now); err != nil {
			return fmt.Errorf("queue outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.emit(bus.TopicMessages(channelID), bus.TopicChannels)
	c.logger.Info("message queued", zap.String("client_id", clientID), zap.String("channel_id", channelID))
	return clientID, nil
}

// MarkChannelRead records the read position remotely. Best effort: no local
// cache consistency depends on it.
func (c *Client) MarkChannelRead(ctx context.Context, channelID string) error {
	return c.backend.MarkRead(ctx, channelID, c.ident.UserID())
}

// RetryFailed requeues every failed message: sync_state back to pending and
// outbox retry bookkeeping rewound so the next flush picks them up.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	var channels []string
	count := 0
	err := c.serial.RunExclusiveTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT client_id, channel_id FROM messages WHERE sync_state = ?`, store.StateFailed)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		var clientIDs []string
		seen := map[string]bool{}
		for rows.Next() {
			var clientID, channelID string
			if err := rows.Scan(&clientID, &channelID); err != nil {
				return err
			}
			clientIDs = append(clientIDs, clientID)
			if !seen[channelID] {
				seen[channelID] = true
				channels = append(channels, channelID)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range clientIDs {
			if _, err := tx.Exec(`UPDATE messages SET sync_state = ? WHERE client_id = ?`, store.StatePending, id); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				UPDATE outbox SET attempts = 0, last_error = '', next_attempt_at = 0
				WHERE client_id = ?`, id); err != nil {
				return err
			}
		}
		count = len(clientIDs)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, ch := range channels {
		c.emit(bus.TopicMessages(ch))
	}
	if count > 0 {
		c.emit(bus.TopicChannels)
		c.logger.Info("failed messages requeued", zap.Int("count", count))
	}
	return count, nil
}

// WatchChannels binds a reactive query over the channel list.
func (c *Client) WatchChannels(ctx context.Context, limit int) (*reactive.Query[store.Channel], error) {
	db := c.serial.DB()
	q := reactive.NewQuery(c.bus, c.logger, func(context.Context) ([]store.Channel, error) {
		return db.ListChannels(limit, 0)
	}, bus.TopicChannels)
	if err := q.Start(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// WatchMessages binds a reactive query over the newest messages of one
// channel, ascending in (created_at, id).
func (c *Client) WatchMessages(ctx context.Context, channelID string, limit int) (*reactive.Query[store.Message], error) {
	db := c.serial.DB()
	q := reactive.NewQuery(c.bus, c.logger, func(context.Context) ([]store.Message, error) {
		return db.ListMessages(channelID, store.MessageCursor{}, limit)
	}, bus.TopicMessages(channelID))
	if err := q.Start(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// WatchPosts binds a reactive query over the cached post feed for a region.
func (c *Client) WatchPosts(ctx context.Context, box store.BoundingBox, category string, limit int) (*reactive.Query[store.Post], error) {
	db := c.serial.DB()
	q := reactive.NewQuery(c.bus, c.logger, func(context.Context) ([]store.Post, error) {
		return db.ListPosts(box, category, limit)
	}, bus.TopicPosts)
	if err := q.Start(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (c *Client) emit(topics ...string) {
	now := time.Now()
	for _, t := range topics {
		c.bus.Publish(bus.Event{Topic: t, Timestamp: now})
	}
}
