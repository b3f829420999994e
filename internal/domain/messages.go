package domain

import (
	"encoding/json"
	"time"
)

// WebSocket message types from client.
const (
	MsgTypePing              = "ping"
	MsgTypeChatMessage       = "chat_message"
	MsgTypeUserTyping        = "user_typing"
	MsgTypeUserStoppedTyping = "user_stopped_typing"

	// MsgTypeChatHistory is reserved for the history read path, which is
	// served by the CRUD API rather than the gateway. The dispatcher
	// treats it like any other unknown type.
	MsgTypeChatHistory = "chat_history"
)

// WebSocket message types to client.
const (
	MsgTypeAck        = "ack"
	MsgTypePong       = "pong"
	MsgTypeUserJoined = "user_joined"
	MsgTypeUserLeft   = "user_left"
	MsgTypeError      = "error"
	// user_typing / user_stopped_typing are reused verbatim outbound.
)

// Frame is the envelope every inbound client frame is parsed into.
// Payload is decoded per Type by the dispatcher.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Server -> Client messages. Every outbound frame carries a
// server-assigned millisecond timestamp.

// AckMessage confirms either connection establishment ({connected,
// serverId}) or message delivery ({messageId}).
type AckMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	Connected bool   `json:"connected,omitempty"`
	ServerID  string `json:"serverId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ChatMessageOut struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// TypingMessage is the outbound form of user_typing / user_stopped_typing.
type TypingMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceMessage is the outbound form of user_joined / user_left.
type PresenceMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func NewErrorMessage(msg string) *ErrorMessage {
	return &ErrorMessage{
		Type:      MsgTypeError,
		Error:     msg,
		Timestamp: NowMillis(),
	}
}

func NewPong() *PongMessage {
	return &PongMessage{Type: MsgTypePong, Timestamp: NowMillis()}
}

func NewPing() *PingMessage {
	return &PingMessage{Type: MsgTypePing, Timestamp: NowMillis()}
}

// NowMillis returns the wire-format timestamp for outbound frames.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
