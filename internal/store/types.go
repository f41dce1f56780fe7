package store

// SyncState tracks the delivery lifecycle of a message.
type SyncState string

const (
	// StatePending marks a locally composed message awaiting server acceptance.
	StatePending SyncState = "pending"
	// StateSynced marks a message confirmed by the server.
	StateSynced SyncState = "synced"
	// StateFailed marks a message whose delivery exhausted its retry budget
	// or was permanently rejected. It stays visible and re-queueable.
	StateFailed SyncState = "failed"
	// StateLocal marks a row that only ever lives on this device.
	StateLocal SyncState = "local"
)

// Channel represents a cached conversation thread.
type Channel struct {
	ID              string
	CustomType      string
	CustomCategory  string
	UpdatedAt       int64
	LastMessageAt   int64
	LastMessageText string
	LastSenderID    string
	Meta            string
}

// Message represents a cached message. ID is the server-issued identity and
// stays empty until the message is synced; ClientID is always present and is
// the idempotency key for duplicate deliveries.
type Message struct {
	ID        string
	ClientID  string
	ChannelID string
	SenderID  string
	Body      string
	CreatedAt int64
	EditedAt  int64
	DeletedAt int64
	Meta      string
	SyncState SyncState
}

// OutboxEntry is a durable record of user intent to send, independent of
// network state.
type OutboxEntry struct {
	ClientID      string
	ChannelID     string
	Body          string
	Meta          string
	CreatedAt     int64
	Attempts      int
	LastError     string
	NextAttemptAt int64
}

// Membership is a denormalized cache of per-channel participant metadata.
type Membership struct {
	ChannelID string
	UserID    string
	Role      string
	Muted     bool
}

// Profile is an opportunistic snapshot of a user's public fields. The
// remote backend stays authoritative.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Bio         string
	UpdatedAt   int64
}

// Post represents a cached entry of the location-filtered content feed.
type Post struct {
	ID        string
	AuthorID  string
	Body      string
	Category  string
	Lat       float64
	Lon       float64
	CreatedAt int64
	Meta      string
}

// MessageCursor is a seek-pagination position over the per-channel message
// order (created_at, id). The zero value means "from the newest".
type MessageCursor struct {
	BeforeCreatedAt int64
	BeforeID        string
}

// Zero reports whether the cursor is unset.
func (c MessageCursor) Zero() bool {
	return c.BeforeCreatedAt == 0 && c.BeforeID == ""
}

// BoundingBox is a latitude/longitude rectangle used to filter posts.
type BoundingBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}
