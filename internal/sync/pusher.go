package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Elmundo93/aushilf-sync/internal/bus"
	"github.com/Elmundo93/aushilf-sync/internal/remote"
	"github.com/Elmundo93/aushilf-sync/internal/store"
	"go.uber.org/zap"
)

// Flush drains outbox entries that are due at the current time. Offline
// devices skip the round-trip entirely so the retry budget survives until
// connectivity returns.
func (e *Engine) Flush(ctx context.Context) error {
	return e.flush(ctx, time.Now().UnixMilli())
}

// FlushAll re-attempts every pending entry regardless of its scheduled
// backoff. Entries that exhausted their budget stay parked until requeued.
func (e *Engine) FlushAll(ctx context.Context) error {
	return e.flush(ctx, math.MaxInt64)
}

func (e *Engine) flush(ctx context.Context, now int64) error {
	if !e.conn.Online() {
		return nil
	}

	var pending []store.OutboxEntry
	err := e.serial.RunExclusive(ctx, func(db *store.DB) error {
		var err error
		pending, err = db.PendingOutbox(now)
		return err
	})
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	for i := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry := &pending[i]
		if entry.Attempts >= e.opts.MaxAttempts {
			continue
		}
		e.push(ctx, entry)
	}
	return nil
}

func (e *Engine) push(ctx context.Context, entry *store.OutboxEntry) {
	rctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	row, err := e.backend.SendMessage(rctx, remote.OutboundMessage{
		ClientID:  entry.ClientID,
		ChannelID: entry.ChannelID,
		SenderID:  e.ident.UserID(),
		Body:      entry.Body,
		CreatedAt: entry.CreatedAt,
		Meta:      metaFromJSON(entry.Meta),
	})
	cancel()

	if err != nil {
		e.handlePushFailure(ctx, entry, err)
		return
	}

	msg := messageFromRow(row)
	if row.ClientID == "" {
		// The backend did not echo the client id. Key the confirmation on
		// the one the outbox entry holds, otherwise the pending row would
		// never be updated and a duplicate row would appear under the
		// server id.
		msg.ClientID = entry.ClientID
	}
	err = e.serial.RunExclusiveTx(ctx, func(tx *sql.Tx) error {
		// A realtime echo of this send may have landed first, keyed by the
		// server id alone. Fold it into the pending row so the channel
		// never shows the same send twice.
		if msg.ID != "" {
			if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND client_id != ?`, msg.ID, msg.ClientID); err != nil {
				return err
			}
		}
		if err := upsertMessageTx(tx, msg); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM outbox WHERE client_id = ?`, entry.ClientID)
		return err
	})
	if err != nil {
		e.logger.Error("failed to record send confirmation",
			zap.Error(err), zap.String("client_id", entry.ClientID))
		return
	}

	e.logger.Info("message sent",
		zap.String("client_id", entry.ClientID), zap.String("server_id", msg.ID))
	now := time.Now()
	e.bus.Publish(bus.Event{Topic: bus.TopicMessages(entry.ChannelID), Timestamp: now})
	e.bus.Publish(bus.Event{Topic: bus.TopicChannels, Timestamp: now})
	e.bus.Publish(bus.Event{
		Topic:     bus.TopicSendAck,
		Timestamp: now,
		Payload:   map[string]string{"client_id": entry.ClientID, "server_id": msg.ID},
	})
}

func (e *Engine) handlePushFailure(ctx context.Context, entry *store.OutboxEntry, sendErr error) {
	attempts := entry.Attempts + 1
	final := remote.IsPermanent(sendErr) || attempts >= e.opts.MaxAttempts

	err := e.serial.RunExclusive(ctx, func(db *store.DB) error {
		if final {
			// Park the entry: it stays for manual or later automatic
			// requeue, but scheduled flushes skip it.
			if err := db.MarkOutboxAttempt(entry.ClientID, e.opts.MaxAttempts, sendErr.Error(), math.MaxInt64); err != nil {
				return err
			}
			return db.MarkMessageState(entry.ClientID, store.StateFailed, "")
		}
		next := time.Now().Add(backoffDelay(e.opts.BackoffBase, e.opts.BackoffFactor, entry.Attempts, e.opts.BackoffCap)).UnixMilli()
		return db.MarkOutboxAttempt(entry.ClientID, attempts, sendErr.Error(), next)
	})
	if err != nil {
		e.logger.Error("failed to record send failure",
			zap.Error(err), zap.String("client_id", entry.ClientID))
		return
	}

	if final {
		e.logger.Warn("message delivery failed permanently",
			zap.Error(sendErr), zap.String("client_id", entry.ClientID), zap.Int("attempts", attempts))
		now := time.Now()
		e.bus.Publish(bus.Event{Topic: bus.TopicMessages(entry.ChannelID), Timestamp: now})
		e.bus.Publish(bus.Event{
			Topic:     bus.TopicSendFailed,
			Timestamp: now,
			Payload:   map[string]string{"client_id": entry.ClientID, "error": sendErr.Error()},
		})
		return
	}
	e.logger.Debug("message delivery deferred",
		zap.Error(sendErr), zap.String("client_id", entry.ClientID), zap.Int("attempts", attempts))
}

func messageFromRow(row *remote.MessageRow) *store.Message {
	clientID := row.ClientID
	if clientID == "" {
		clientID = row.ID
	}
	return &store.Message{
		ID:        row.ID,
		ClientID:  clientID,
		ChannelID: row.ChannelID,
		SenderID:  row.SenderID,
		Body:      row.Body,
		CreatedAt: row.CreatedAt,
		EditedAt:  row.EditedAt,
		DeletedAt: row.DeletedAt,
		Meta:      metaToJSON(row.Meta),
		SyncState: store.StateSynced,
	}
}

func upsertMessageTx(tx *sql.Tx, m *store.Message) error {
	if m.ID != "" {
		res, err := tx.Exec(`
			UPDATE messages SET
				sender_id = ?, body = ?, created_at = ?, edited_at = ?, deleted_at = ?, meta = ?, sync_state = ?
			WHERE id = ?`,
			m.SenderID, m.Body, m.CreatedAt, m.EditedAt, m.DeletedAt, m.Meta, m.SyncState, m.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	_, err := tx.Exec(`
		INSERT INTO messages (id, client_id, channel_id, sender_id, body, created_at, edited_at, deleted_at, meta, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			id = CASE WHEN excluded.id != '' THEN excluded.id ELSE messages.id END,
			sender_id = excluded.sender_id,
			body = excluded.body,
			created_at = excluded.created_at,
			edited_at = excluded.edited_at,
			deleted_at = excluded.deleted_at,
			meta = excluded.meta,
			sync_state = excluded.sync_state`,
		m.ID, m.ClientID, m.ChannelID, m.SenderID, m.Body, m.CreatedAt, m.EditedAt, m.DeletedAt, m.Meta, m.SyncState)
	return err
}

func metaToJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func metaFromJSON(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
