// Package sync pulls authoritative state from the remote backend into the
// local store and pushes locally queued writes outward.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
	"github.com/Elmundo93/aushilf-sync/internal/remote"
	"github.com/Elmundo93/aushilf-sync/internal/serial"
	"github.com/Elmundo93/aushilf-sync/internal/status"
	"github.com/Elmundo93/aushilf-sync/internal/store"
	"go.uber.org/zap"
)

// Options tunes page sizes, retry budget, and backoff. Zero fields take the
// defaults below.
type Options struct {
	PageSize       int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffFactor  float64
	BackoffCap     time.Duration
	FlushInterval  time.Duration
	RequestTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = 2
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

// Page is the result of one backfill call. HasMore=false means history is
// exhausted and the caller must not re-request.
type Page struct {
	Fetched int
	Next    store.MessageCursor
	HasMore bool
}

// Engine coordinates pull (backfill, channel sync, post refresh) and push
// (outbox flush) against the remote backend.
type Engine struct {
	serial  *serial.Serializer
	backend remote.Backend
	conn    remote.Connectivity
	ident   remote.Identity
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a sync engine. machine may be nil when no lifecycle
// reporting is wanted.
func NewEngine(s *serial.Serializer, backend remote.Backend, conn remote.Connectivity, ident remote.Identity, machine *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		serial:  s,
		backend: backend,
		conn:    conn,
		ident:   ident,
		machine: machine,
		bus:     b,
		logger:  logger,
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// Start launches the periodic outbox flush and the connectivity watcher.
// On every offline-to-online transition the full pending queue is
// re-attempted once, ahead of its scheduled backoff.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(ctx)
}

// Stop terminates the background loops. A flush attempt that is already in
// flight runs to completion, bounded by its own retry budget.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	e.reportOnline(e.conn.Online())

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				e.logger.Error("outbox flush failed", zap.Error(err))
			}
		case online := <-e.conn.Transitions():
			e.reportOnline(online)
			if online {
				e.logger.Info("connectivity restored, flushing pending queue")
				if err := e.FlushAll(ctx); err != nil {
					e.logger.Error("post-reconnect flush failed", zap.Error(err))
				}
				e.transition(status.Live)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) reportOnline(online bool) {
	if online {
		e.transition(status.Connecting)
		e.transition(status.Syncing)
	} else {
		e.transition(status.Offline)
	}
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("state transition skipped", zap.Error(err))
	}
}

// Backfill fetches one page of messages older than the cursor and upserts
// them atomically. The (created_at, id) composite cursor keeps pages stable
// when several rows share a created_at.
func (e *Engine) Backfill(ctx context.Context, channelID string, cur store.MessageCursor, limit int) (Page, error) {
	if limit <= 0 {
		limit = e.opts.PageSize
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	rows, err := e.backend.MessagesBefore(rctx, channelID, remote.Cursor{
		BeforeCreatedAt: cur.BeforeCreatedAt,
		BeforeID:        cur.BeforeID,
	}, limit)
	cancel()
	if err != nil {
		return Page{}, fmt.Errorf("backfill %s: %w", channelID, err)
	}

	if len(rows) > 0 {
		err = e.serial.RunExclusiveTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				INSERT INTO channels (id, updated_at) VALUES (?, ?)
				ON CONFLICT(id) DO NOTHING`, channelID, rows[0].CreatedAt); err != nil {
				return fmt.Errorf("ensure channel: %w", err)
			}
			for i := range rows {
				if err := upsertMessageTx(tx, messageFromRow(&rows[i])); err != nil {
					return fmt.Errorf("upsert message %s: %w", rows[i].ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return Page{}, err
		}
		e.bus.Publish(bus.Event{Topic: bus.TopicMessages(channelID), Timestamp: time.Now()})
	}

	page := Page{Fetched: len(rows), HasMore: len(rows) == limit}
	if len(rows) > 0 {
		oldest := rows[len(rows)-1]
		page.Next = store.MessageCursor{BeforeCreatedAt: oldest.CreatedAt, BeforeID: oldest.ID}
	}
	e.logger.Debug("backfill page",
		zap.String("channel_id", channelID), zap.Int("fetched", page.Fetched), zap.Bool("has_more", page.HasMore))
	return page, nil
}

// SyncChannel pulls the authoritative channel row and reconciles it against
// local state with a last-write-wins merge on updated_at.
func (e *Engine) SyncChannel(ctx context.Context, channelID string) error {
	rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	row, err := e.backend.Channel(rctx, channelID)
	cancel()
	if err != nil {
		return fmt.Errorf("sync channel %s: %w", channelID, err)
	}
	if row == nil {
		return nil
	}

	changed := false
	err = e.serial.RunExclusiveTx(ctx, func(tx *sql.Tx) error {
		var localUpdatedAt int64
		err := tx.QueryRow(`SELECT updated_at FROM channels WHERE id = ?`, channelID).Scan(&localUpdatedAt)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && localUpdatedAt > row.UpdatedAt {
			// Local overrides are newer; remote row loses the merge.
			return nil
		}
		changed = true
		_, err = tx.Exec(`
			INSERT INTO channels (id, custom_type, custom_category, updated_at, last_message_at, last_message_text, last_sender_id, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				custom_type = excluded.custom_type,
				custom_category = excluded.custom_category,
				updated_at = excluded.updated_at,
				last_message_at = excluded.last_message_at,
				last_message_text = excluded.last_message_text,
				last_sender_id = excluded.last_sender_id,
				meta = excluded.meta`,
			row.ID, row.CustomType, row.CustomCategory, row.UpdatedAt,
			row.LastMessageAt, row.LastMessageText, row.LastSenderID, metaToJSON(row.Meta))
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		e.bus.Publish(bus.Event{Topic: bus.TopicChannels, Timestamp: time.Now()})
	}
	return nil
}

// RefreshPosts replaces the cached posts inside the bounding box with the
// authoritative remote page. Delete-then-reinsert runs in one exclusive
// transaction so no interleaved read observes a half-rewritten region.
func (e *Engine) RefreshPosts(ctx context.Context, box store.BoundingBox, category string, limit int) (int, error) {
	if limit <= 0 {
		limit = e.opts.PageSize
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	rows, err := e.backend.PostsWithin(rctx, remote.BoundingBox{
		MinLat: box.MinLat, MinLon: box.MinLon, MaxLat: box.MaxLat, MaxLon: box.MaxLon,
	}, category, limit)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("refresh posts: %w", err)
	}

	err = e.serial.RunExclusiveTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM posts
			WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?
				AND (? = '' OR category = ?)`,
			box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, category, category); err != nil {
			return fmt.Errorf("clear post region: %w", err)
		}
		for i := range rows {
			p := &rows[i]
			if _, err := tx.Exec(`
				INSERT INTO posts (id, author_id, body, category, lat, lon, created_at, meta)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					author_id = excluded.author_id,
					body = excluded.body,
					category = excluded.category,
					lat = excluded.lat,
					lon = excluded.lon,
					created_at = excluded.created_at,
					meta = excluded.meta`,
				p.ID, p.AuthorID, p.Body, p.Category, p.Lat, p.Lon, p.CreatedAt, metaToJSON(p.Meta)); err != nil {
				return fmt.Errorf("insert post %s: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.bus.Publish(bus.Event{Topic: bus.TopicPosts, Timestamp: time.Now()})
	e.logger.Info("posts refreshed", zap.Int("count", len(rows)), zap.String("category", category))
	return len(rows), nil
}
