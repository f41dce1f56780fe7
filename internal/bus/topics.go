package bus

// Topic names. Identity-parameterized topics are built by the helpers below;
// everything is plain string keying so new families need no registry.
const (
	// TopicChannels fires on any change visible in the channel list.
	TopicChannels = "channels"
	// TopicPosts fires on any change to the cached post feed.
	TopicPosts = "posts"
	// TopicMessagesPrefix is the family prefix for per-channel message topics.
	TopicMessagesPrefix = "messages:"
	// TopicSendAck fires when an outbox entry is confirmed by the server.
	TopicSendAck = "sync.send_ack"
	// TopicSendFailed fires when a message delivery fails permanently.
	TopicSendFailed = "sync.send_failed"
	// TopicStatus fires on engine lifecycle transitions.
	TopicStatus = "status.changed"
)

// TopicMessages returns the invalidation topic for one channel's messages.
func TopicMessages(channelID string) string {
	return TopicMessagesPrefix + channelID
}
