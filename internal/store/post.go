package store

import "database/sql"

// UpsertPost inserts or updates a feed post.
func (db *DB) UpsertPost(p *Post) error {
	_, err := db.Exec(`
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
		p.ID, p.AuthorID, p.Body, p.Category, p.Lat, p.Lon, p.CreatedAt, nonEmptyJSON(p.Meta))
	return err
}

// GetPost returns a single post by id, or nil.
func (db *DB) GetPost(id string) (*Post, error) {
	var p Post
	err := db.QueryRow(`
		SELECT id, author_id, body, category, lat, lon, created_at, meta
		FROM posts WHERE id = ?`, id).
		Scan(&p.ID, &p.AuthorID, &p.Body, &p.Category, &p.Lat, &p.Lon, &p.CreatedAt, &p.Meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPosts returns posts inside the bounding box, newest first. An empty
// category matches all categories.
func (db *DB) ListPosts(box BoundingBox, category string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, author_id, body, category, lat, lon, created_at, meta
		FROM posts
		WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?
			AND (? = '' OR category = ?)
		ORDER BY created_at DESC, id ASC
		LIMIT ?`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, category, category, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Body, &p.Category, &p.Lat, &p.Lon, &p.CreatedAt, &p.Meta); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// DeletePost removes a post row.
func (db *DB) DeletePost(id string) error {
	_, err := db.Exec(`DELETE FROM posts WHERE id = ?`, id)
	return err
}
