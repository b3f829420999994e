package pubsub

// Fixed channel names for cross-instance fan-out.
const (
	// ChannelBroadcast carries chat messages for all sessions.
	ChannelBroadcast = "chat:broadcast"

	// ChannelTyping carries typing start/stop deltas.
	ChannelTyping = "chat:typing"

	// ChannelPresence carries join/leave notifications.
	ChannelPresence = "chat:presence"
)

// Channels lists every channel a gateway instance subscribes to.
func Channels() []string {
	return []string{ChannelBroadcast, ChannelTyping, ChannelPresence}
}
