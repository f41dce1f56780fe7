package store

import "database/sql"

// UpsertChannel inserts or updates a channel record, keyed by the
// server-issued id.
func (db *DB) UpsertChannel(c *Channel) error {
	_, err := db.Exec(`
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
		c.ID, c.CustomType, c.CustomCategory, c.UpdatedAt, c.LastMessageAt, c.LastMessageText, c.LastSenderID, nonEmptyJSON(c.Meta))
	return err
}

// EnsureChannel inserts a stub channel row if none exists yet. Existing rows
// are left untouched so a message arriving before its channel's full state
// cannot clobber known fields.
func (db *DB) EnsureChannel(id string, updatedAt int64) error {
	_, err := db.Exec(`
		INSERT INTO channels (id, updated_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, updatedAt)
	return err
}

// TouchChannelLastMessage advances the denormalized last-message fields,
// keeping the newest value when deliveries arrive out of order.
func (db *DB) TouchChannelLastMessage(id string, at int64, text, senderID string) error {
	_, err := db.Exec(`
		INSERT INTO channels (id, updated_at, last_message_at, last_message_text, last_sender_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(channels.last_message_at, excluded.last_message_at),
			last_message_text = CASE WHEN excluded.last_message_at >= channels.last_message_at THEN excluded.last_message_text ELSE channels.last_message_text END,
			last_sender_id = CASE WHEN excluded.last_message_at >= channels.last_message_at THEN excluded.last_sender_id ELSE channels.last_sender_id END,
			updated_at = MAX(channels.updated_at, excluded.updated_at)`,
		id, at, at, text, senderID)
	return err
}

// GetChannel returns a single channel by id, or nil when absent.
func (db *DB) GetChannel(id string) (*Channel, error) {
	var c Channel
	err := db.QueryRow(`
		SELECT id, custom_type, custom_category, updated_at, last_message_at, last_message_text, last_sender_id, meta
		FROM channels WHERE id = ?`, id).
		Scan(&c.ID, &c.CustomType, &c.CustomCategory, &c.UpdatedAt, &c.LastMessageAt, &c.LastMessageText, &c.LastSenderID, &c.Meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChannels returns channels sorted by last message timestamp descending.
func (db *DB) ListChannels(limit, offset int) ([]Channel, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, custom_type, custom_category, updated_at, last_message_at, last_message_text, last_sender_id, meta
		FROM channels
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.CustomType, &c.CustomCategory, &c.UpdatedAt, &c.LastMessageAt, &c.LastMessageText, &c.LastSenderID, &c.Meta); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// DeleteChannel removes a channel plus its messages (FK cascade), outbox
// entries, and memberships in one transaction.
func (db *DB) DeleteChannel(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM outbox WHERE channel_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM memberships WHERE channel_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM channels WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func nonEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
