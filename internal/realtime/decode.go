package realtime

import (
	"encoding/json"

	"github.com/Elmundo93/aushilf-sync/internal/store"
)

// Decoding at the feed boundary is deliberately forgiving: the remote row is
// duck-shaped, so absent or wrong-typed fields coerce to neutral zero values
// instead of failing the event. A row without a usable identity decodes to
// nil and is skipped by the bridge.

func decodeRaw(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func asString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Unmarshal into map[string]any yields float64 for every JSON number.
func asInt64(m map[string]any, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func asFloat(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func asBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	default:
		return false
	}
}

func asMetaJSON(m map[string]any, key string) string {
	v, ok := m[key].(map[string]any)
	if !ok {
		return "{}"
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func decodeMessage(raw json.RawMessage) *store.Message {
	m := decodeRaw(raw)
	if m == nil {
		return nil
	}
	id := asString(m, "id")
	clientID := asString(m, "client_id")
	if clientID == "" {
		// Rows composed outside this device carry no client id; the server
		// id doubles as the idempotency key.
		clientID = id
	}
	channelID := asString(m, "channel_id")
	if clientID == "" || channelID == "" {
		return nil
	}
	return &store.Message{
		ID:        id,
		ClientID:  clientID,
		ChannelID: channelID,
		SenderID:  asString(m, "sender_id"),
		Body:      asString(m, "body"),
		CreatedAt: asInt64(m, "created_at"),
		EditedAt:  asInt64(m, "edited_at"),
		DeletedAt: asInt64(m, "deleted_at"),
		Meta:      asMetaJSON(m, "meta"),
		SyncState: store.StateSynced,
	}
}

func decodeChannel(raw json.RawMessage) *store.Channel {
	m := decodeRaw(raw)
	if m == nil {
		return nil
	}
	id := asString(m, "id")
	if id == "" {
		return nil
	}
	return &store.Channel{
		ID:              id,
		CustomType:      asString(m, "custom_type"),
		CustomCategory:  asString(m, "custom_category"),
		UpdatedAt:       asInt64(m, "updated_at"),
		LastMessageAt:   asInt64(m, "last_message_at"),
		LastMessageText: asString(m, "last_message_text"),
		LastSenderID:    asString(m, "last_sender_id"),
		Meta:            asMetaJSON(m, "meta"),
	}
}

func decodeMembership(raw json.RawMessage) *store.Membership {
	m := decodeRaw(raw)
	if m == nil {
		return nil
	}
	channelID := asString(m, "channel_id")
	userID := asString(m, "user_id")
	if channelID == "" || userID == "" {
		return nil
	}
	role := asString(m, "role")
	if role == "" {
		role = "member"
	}
	return &store.Membership{
		ChannelID: channelID,
		UserID:    userID,
		Role:      role,
		Muted:     asBool(m, "muted"),
	}
}

func decodePost(raw json.RawMessage) *store.Post {
	m := decodeRaw(raw)
	if m == nil {
		return nil
	}
	id := asString(m, "id")
	if id == "" {
		return nil
	}
	return &store.Post{
		ID:        id,
		AuthorID:  asString(m, "author_id"),
		Body:      asString(m, "body"),
		Category:  asString(m, "category"),
		Lat:       asFloat(m, "lat"),
		Lon:       asFloat(m, "lon"),
		CreatedAt: asInt64(m, "created_at"),
		Meta:      asMetaJSON(m, "meta"),
	}
}
