package store

// QueueOutbox records user intent to send a message. The entry stays until
// the server confirms acceptance.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, channel_id, body, meta, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ClientID, e.ChannelID, e.Body, nonEmptyJSON(e.Meta), e.CreatedAt)
	return err
}

// PendingOutbox returns entries due for delivery at the given time, oldest
// first.
func (db *DB) PendingOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_id, channel_id, body, meta, created_at, attempts, last_error, next_attempt_at
		FROM outbox
		WHERE next_attempt_at <= ?
		ORDER BY created_at ASC, client_id ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ClientID, &e.ChannelID, &e.Body, &e.Meta, &e.CreatedAt, &e.Attempts, &e.LastError, &e.NextAttemptAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns a single outbox entry by client id, or nil.
func (db *DB) GetOutbox(clientID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_id, channel_id, body, meta, created_at, attempts, last_error, next_attempt_at
		FROM outbox WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ClientID, &e.ChannelID, &e.Body, &e.Meta, &e.CreatedAt, &e.Attempts, &e.LastError, &e.NextAttemptAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkOutboxAttempt records a failed delivery attempt and schedules the next
// one.
func (db *DB) MarkOutboxAttempt(clientID string, attempts int, lastError string, nextAttemptAt int64) error {
	_, err := db.Exec(`
		UPDATE outbox SET attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE client_id = ?`,
		attempts, lastError, nextAttemptAt, clientID)
	return err
}

// ResetOutbox rewinds the retry bookkeeping of an entry so the pusher picks
// it up again immediately.
func (db *DB) ResetOutbox(clientID string) error {
	_, err := db.Exec(`
		UPDATE outbox SET attempts = 0, last_error = '', next_attempt_at = 0
		WHERE client_id = ?`, clientID)
	return err
}

// DeleteOutbox removes an entry after confirmed server acceptance.
func (db *DB) DeleteOutbox(clientID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_id = ?`, clientID)
	return err
}
