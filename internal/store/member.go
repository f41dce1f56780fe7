package store

import "database/sql"

// UpsertMembership inserts or updates a channel membership snapshot.
func (db *DB) UpsertMembership(m *Membership) error {
	_, err := db.Exec(`
		INSERT INTO memberships (channel_id, user_id, role, muted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id, user_id) DO UPDATE SET
			role = excluded.role,
			muted = excluded.muted`,
		m.ChannelID, m.UserID, m.Role, m.Muted)
	return err
}

// ListMemberships returns the memberships of a channel ordered by user id.
func (db *DB) ListMemberships(channelID string) ([]Membership, error) {
	rows, err := db.Query(`
		SELECT channel_id, user_id, role, muted
		FROM memberships WHERE channel_id = ?
		ORDER BY user_id ASC`, channelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ChannelID, &m.UserID, &m.Role, &m.Muted); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// DeleteMembership removes a membership snapshot.
func (db *DB) DeleteMembership(channelID, userID string) error {
	_, err := db.Exec(`DELETE FROM memberships WHERE channel_id = ? AND user_id = ?`, channelID, userID)
	return err
}

// UpsertProfile inserts or updates a user profile snapshot.
func (db *DB) UpsertProfile(p *Profile) error {
	_, err := db.Exec(`
		INSERT INTO profiles (user_id, display_name, avatar_url, bio, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			bio = excluded.bio,
			updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.AvatarURL, p.Bio, p.UpdatedAt)
	return err
}

// GetProfile returns a profile snapshot by user id, or nil.
func (db *DB) GetProfile(userID string) (*Profile, error) {
	var p Profile
	err := db.QueryRow(`
		SELECT user_id, display_name, avatar_url, bio, updated_at
		FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
