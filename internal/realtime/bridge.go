// Package realtime mirrors the server-pushed row-change feed into the local
// store. Every event is applied as an idempotent upsert or delete keyed by
// stable identity, so duplicate or re-ordered deliveries are safe.
package realtime

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
	"github.com/Elmundo93/aushilf-sync/internal/remote"
	"github.com/Elmundo93/aushilf-sync/internal/serial"
	"github.com/Elmundo93/aushilf-sync/internal/store"
	"go.uber.org/zap"
)

// Bridge consumes change events and applies them through the access
// serializer, emitting invalidation topics after each applied write.
type Bridge struct {
	feed   remote.ChangeFeed
	serial *serial.Serializer
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge over a change feed.
func NewBridge(feed remote.ChangeFeed, s *serial.Serializer, b *bus.Bus, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		feed:   feed,
		serial: s,
		bus:    b,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins consuming feed events in the background.
func (br *Bridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	go br.run(ctx)
}

// Stop unsubscribes. The in-flight event finishes applying; nothing is
// aborted mid-write.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
		<-br.done
	}
}

func (br *Bridge) run(ctx context.Context) {
	defer close(br.done)
	for {
		select {
		case evt, ok := <-br.feed.Events():
			if !ok {
				return
			}
			br.apply(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (br *Bridge) apply(ctx context.Context, evt remote.ChangeEvent) {
	var err error
	switch evt.Table {
	case remote.TableMessages:
		err = br.applyMessage(ctx, evt)
	case remote.TableChannels:
		err = br.applyChannel(ctx, evt)
	case remote.TableMemberships:
		err = br.applyMembership(ctx, evt)
	case remote.TablePosts:
		err = br.applyPost(ctx, evt)
	default:
		br.logger.Debug("ignoring event for unknown table", zap.String("table", evt.Table))
		return
	}
	if err != nil {
		// Apply failures are transient: log and keep the bridge alive.
		br.logger.Error("failed to apply change event",
			zap.Error(err), zap.String("table", evt.Table), zap.String("type", string(evt.Type)))
	}
}

func (br *Bridge) applyMessage(ctx context.Context, evt remote.ChangeEvent) error {
	if evt.Type == remote.ChangeDelete {
		m := decodeMessage(evt.Old)
		if m == nil || m.ID == "" {
			br.logger.Warn("skipping undecodable message delete")
			return nil
		}
		err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
			return db.DeleteMessageByServerID(m.ID)
		})
		if err != nil {
			return err
		}
		br.emit(bus.TopicMessages(m.ChannelID), bus.TopicChannels)
		return nil
	}

	m := decodeMessage(evt.New)
	if m == nil {
		br.logger.Warn("skipping undecodable message row")
		return nil
	}
	err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
		if err := db.EnsureChannel(m.ChannelID, m.CreatedAt); err != nil {
			return err
		}
		if err := db.TouchChannelLastMessage(m.ChannelID, m.CreatedAt, truncate(m.Body, 100), m.SenderID); err != nil {
			return err
		}
		return db.UpsertMessage(m)
	})
	if err != nil {
		return err
	}
	br.emit(bus.TopicMessages(m.ChannelID), bus.TopicChannels)
	return nil
}

func (br *Bridge) applyChannel(ctx context.Context, evt remote.ChangeEvent) error {
	if evt.Type == remote.ChangeDelete {
		c := decodeChannel(evt.Old)
		if c == nil {
			br.logger.Warn("skipping undecodable channel delete")
			return nil
		}
		err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
			return db.DeleteChannel(c.ID)
		})
		if err != nil {
			return err
		}
		br.emit(bus.TopicChannels, bus.TopicMessages(c.ID))
		return nil
	}

	c := decodeChannel(evt.New)
	if c == nil {
		br.logger.Warn("skipping undecodable channel row")
		return nil
	}
	err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
		return db.UpsertChannel(c)
	})
	if err != nil {
		return err
	}
	br.emit(bus.TopicChannels)
	return nil
}

func (br *Bridge) applyMembership(ctx context.Context, evt remote.ChangeEvent) error {
	if evt.Type == remote.ChangeDelete {
		m := decodeMembership(evt.Old)
		if m == nil {
			br.logger.Warn("skipping undecodable membership delete")
			return nil
		}
		err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
			return db.DeleteMembership(m.ChannelID, m.UserID)
		})
		if err != nil {
			return err
		}
		br.emit(bus.TopicChannels)
		return nil
	}

	m := decodeMembership(evt.New)
	if m == nil {
		br.logger.Warn("skipping undecodable membership row")
		return nil
	}
	err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
		if err := db.EnsureChannel(m.ChannelID, 0); err != nil {
			return err
		}
		return db.UpsertMembership(m)
	})
	if err != nil {
		return err
	}
	br.emit(bus.TopicChannels)
	return nil
}

func (br *Bridge) applyPost(ctx context.Context, evt remote.ChangeEvent) error {
	if evt.Type == remote.ChangeDelete {
		p := decodePost(evt.Old)
		if p == nil {
			br.logger.Warn("skipping undecodable post delete")
			return nil
		}
		err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
			return db.DeletePost(p.ID)
		})
		if err != nil {
			return err
		}
		br.emit(bus.TopicPosts)
		return nil
	}

	p := decodePost(evt.New)
	if p == nil {
		br.logger.Warn("skipping undecodable post row")
		return nil
	}
	err := br.serial.RunExclusive(ctx, func(db *store.DB) error {
		return db.UpsertPost(p)
	})
	if err != nil {
		return err
	}
	br.emit(bus.TopicPosts)
	return nil
}

func (br *Bridge) emit(topics ...string) {
	now := time.Now()
	for _, t := range topics {
		br.bus.Publish(bus.Event{Topic: t, Timestamp: now})
	}
}

// truncate shortens s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
