package gateway

import (
	"context"
	"encoding/json"

	"github.com/segmentio/ksuid"

	"github.com/abrahaamv/realtime-gateway/internal/audit"
	"github.com/abrahaamv/realtime-gateway/internal/domain"
	"github.com/abrahaamv/realtime-gateway/internal/hub"
	"github.com/abrahaamv/realtime-gateway/internal/pubsub"
	"github.com/abrahaamv/realtime-gateway/internal/store"
	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// handleClientMessage dispatches one inbound frame. Frames for clients
// whose disconnect has begun are silently dropped; malformed frames get
// an error reply and leave all state untouched.
func (s *Server) handleClientMessage(client *hub.Client, raw []byte) {
	if _, ok := s.hub.Get(client.ID); !ok || client.Closing() {
		return
	}

	var frame domain.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Debug().Err(err).Str(log.FieldClientID, client.ID).Msg("malformed frame")
		s.sendToClient(client, domain.NewErrorMessage("Invalid message format"))
		return
	}

	client.Touch(s.clock())

	switch frame.Type {
	case domain.MsgTypePing:
		s.sendToClient(client, domain.NewPong())

	case domain.MsgTypeChatMessage:
		s.handleChatMessage(client, &frame)

	case domain.MsgTypeUserTyping:
		s.handleTyping(client, true)

	case domain.MsgTypeUserStoppedTyping:
		s.handleTyping(client, false)

	default:
		s.logger.Warn().
			Str(log.FieldClientID, client.ID).
			Str(log.FieldMsgType, frame.Type).
			Msg("unknown message type, ignoring")
	}
}

// handleChatMessage persists, fans out, and acks one chat message. The
// persistence write is detached and its failure swallowed: a storage blip
// must never drop a live conversation.
func (s *Server) handleChatMessage(client *hub.Client, frame *domain.Frame) {
	var content string
	if err := json.Unmarshal(frame.Payload, &content); err != nil {
		s.sendToClient(client, domain.NewErrorMessage("Invalid chat_message payload"))
		return
	}

	messageID := ksuid.New().String()

	go func() {
		msg := &store.Message{
			ID:        messageID,
			SessionID: client.SessionID,
			Role:      store.RoleUser,
			Content:   content,
			Metadata: map[string]string{
				"user_id":   client.UserID,
				"tenant_id": client.TenantID,
				"server_id": s.id,
			},
		}
		if err := s.store.Append(context.Background(), msg); err != nil {
			// Best-effort durability: log and carry on.
			s.logger.Error().Err(err).
				Str(log.FieldMessageID, messageID).
				Str(log.FieldSessionID, client.SessionID).
				Msg("failed to persist chat message")
		}
	}()

	out := &domain.ChatMessageOut{
		Type:      domain.MsgTypeChatMessage,
		MessageID: messageID,
		UserID:    client.UserID,
		SessionID: client.SessionID,
		Content:   content,
		Timestamp: domain.NowMillis(),
	}

	// Sender exclusion applies only to this pre-bus local broadcast; the
	// bus relay delivers to all local clients without exclusion.
	s.broadcastToSession(client.SessionID, out, client.ID)
	s.publish(pubsub.ChannelBroadcast, domain.MsgTypeChatMessage, client.SessionID, out)

	s.sendToClient(client, &domain.AckMessage{
		Type:      domain.MsgTypeAck,
		MessageID: messageID,
		Timestamp: domain.NowMillis(),
	})

	audit.LogWithDetail(context.Background(), audit.ActionSendMessage, client.UserID, messageID, "chat message accepted")
}

func (s *Server) handleTyping(client *hub.Client, typing bool) {
	s.hub.SetTyping(client.SessionID, client.UserID, typing)

	msgType := domain.MsgTypeUserTyping
	if !typing {
		msgType = domain.MsgTypeUserStoppedTyping
	}
	s.publish(pubsub.ChannelTyping, msgType, client.SessionID, &domain.TypingMessage{
		Type:      msgType,
		UserID:    client.UserID,
		SessionID: client.SessionID,
		Timestamp: domain.NowMillis(),
	})
}

// sendToClient delivers to one socket; a saturated queue triggers the
// disconnect path, same as any other send failure.
func (s *Server) sendToClient(client *hub.Client, message interface{}) {
	if err := client.SendMessage(message); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldClientID, client.ID).Msg("failed to send to client")
		s.disconnectClient(client)
	}
}
