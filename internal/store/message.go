package store

import "database/sql"

// UpsertMessage inserts or updates a message. Rows carrying a server id
// address the already-synced row first; everything else is keyed by
// client_id, which makes duplicate realtime echoes of a local send collapse
// into a single row. The incoming (remote) values win on conflict.
func (db *DB) UpsertMessage(m *Message) error {
	if m.ID != "" {
		res, err := db.Exec(`
			UPDATE messages SET
				sender_id = ?, body = ?, created_at = ?, edited_at = ?, deleted_at = ?, meta = ?, sync_state = ?
			WHERE id = ?`,
			m.SenderID, m.Body, m.CreatedAt, m.EditedAt, m.DeletedAt, nonEmptyJSON(m.Meta), m.SyncState, m.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	_, err := db.Exec(`
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
		m.ID, m.ClientID, m.ChannelID, m.SenderID, m.Body, m.CreatedAt, m.EditedAt, m.DeletedAt, nonEmptyJSON(m.Meta), m.SyncState)
	return err
}

// GetMessageByClientID returns a message by its client identity, or nil.
func (db *DB) GetMessageByClientID(clientID string) (*Message, error) {
	return db.scanOneMessage(`
		SELECT id, client_id, channel_id, sender_id, body, created_at, edited_at, deleted_at, meta, sync_state
		FROM messages WHERE client_id = ?`, clientID)
}

// GetMessageByServerID returns a synced message by its server identity, or nil.
func (db *DB) GetMessageByServerID(id string) (*Message, error) {
	return db.scanOneMessage(`
		SELECT id, client_id, channel_id, sender_id, body, created_at, edited_at, deleted_at, meta, sync_state
		FROM messages WHERE id = ? AND id != ''`, id)
}

func (db *DB) scanOneMessage(query string, args ...any) (*Message, error) {
	var m Message
	err := db.QueryRow(query, args...).
		Scan(&m.ID, &m.ClientID, &m.ChannelID, &m.SenderID, &m.Body, &m.CreatedAt, &m.EditedAt, &m.DeletedAt, &m.Meta, &m.SyncState)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns up to limit messages for a channel in ascending
// (created_at, id) order. A non-zero cursor restricts the page to rows
// strictly older than the cursor position, which keeps paging stable when
// several rows share a created_at.
func (db *DB) ListMessages(channelID string, cur MessageCursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if cur.Zero() {
		rows, err = db.Query(`
			SELECT id, client_id, channel_id, sender_id, body, created_at, edited_at, deleted_at, meta, sync_state
			FROM messages
			WHERE channel_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, channelID, limit)
	} else {
		rows, err = db.Query(`
			SELECT id, client_id, channel_id, sender_id, body, created_at, edited_at, deleted_at, meta, sync_state
			FROM messages
			WHERE channel_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC
			LIMIT ?`, channelID, cur.BeforeCreatedAt, cur.BeforeCreatedAt, cur.BeforeID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ChannelID, &m.SenderID, &m.Body, &m.CreatedAt, &m.EditedAt, &m.DeletedAt, &m.Meta, &m.SyncState); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Scanned newest-first for the LIMIT; callers get ascending order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessagesByState returns messages in a given sync state, oldest first.
func (db *DB) ListMessagesByState(state SyncState) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, client_id, channel_id, sender_id, body, created_at, edited_at, deleted_at, meta, sync_state
		FROM messages WHERE sync_state = ?
		ORDER BY created_at ASC, id ASC`, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ChannelID, &m.SenderID, &m.Body, &m.CreatedAt, &m.EditedAt, &m.DeletedAt, &m.Meta, &m.SyncState); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessageState updates the sync state of a message by client id. A
// non-empty serverID is adopted as the server identity at the same time.
func (db *DB) MarkMessageState(clientID string, state SyncState, serverID string) error {
	if serverID != "" {
		_, err := db.Exec(`UPDATE messages SET sync_state = ?, id = ? WHERE client_id = ?`, state, serverID, clientID)
		return err
	}
	_, err := db.Exec(`UPDATE messages SET sync_state = ? WHERE client_id = ?`, state, clientID)
	return err
}

// DeleteMessageByServerID removes a synced message row.
func (db *DB) DeleteMessageByServerID(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ? AND id != ''`, id)
	return err
}
