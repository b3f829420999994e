package gateway

import (
	"github.com/abrahaamv/realtime-gateway/internal/domain"
	"github.com/abrahaamv/realtime-gateway/internal/pubsub"
	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// relayLoop drains one bus subscription and fans events out to local
// clients. It exits when the subscription channel closes.
func (s *Server) relayLoop(channel string, events <-chan *pubsub.Event) {
	defer s.wg.Done()

	for event := range events {
		s.handleBusEvent(channel, event)
	}
	s.logger.Debug().Str(log.FieldChannel, channel).Msg("relay loop stopped")
}

// handleBusEvent relays one envelope to every local client in the
// matching session, with no sender exclusion: a sender's other tabs or
// devices on this instance receive their own message via the bus path.
// A bad payload from a sibling instance is logged and dropped, never
// allowed to crash this one.
func (s *Server) handleBusEvent(channel string, event *pubsub.Event) {
	if event == nil || event.SessionID == "" {
		s.logger.Warn().Str(log.FieldChannel, channel).Msg("bus event missing session id, dropping")
		return
	}

	switch channel {
	case pubsub.ChannelBroadcast:
		var msg domain.ChatMessageOut
		if err := event.UnmarshalPayload(&msg); err != nil {
			s.logBadPayload(channel, event, err)
			return
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = domain.NowMillis()
		}
		s.broadcastToSession(event.SessionID, &msg, "")

	case pubsub.ChannelTyping:
		var msg domain.TypingMessage
		if err := event.UnmarshalPayload(&msg); err != nil {
			s.logBadPayload(channel, event, err)
			return
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = domain.NowMillis()
		}
		s.broadcastToSession(event.SessionID, &msg, "")

	case pubsub.ChannelPresence:
		var msg domain.PresenceMessage
		if err := event.UnmarshalPayload(&msg); err != nil {
			s.logBadPayload(channel, event, err)
			return
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = domain.NowMillis()
		}
		s.broadcastToSession(event.SessionID, &msg, "")

	default:
		s.logger.Warn().Str(log.FieldChannel, channel).Msg("event on unexpected channel, dropping")
	}
}

func (s *Server) logBadPayload(channel string, event *pubsub.Event, err error) {
	s.logger.Warn().Err(err).
		Str(log.FieldChannel, channel).
		Str(log.FieldSessionID, event.SessionID).
		Str(log.FieldServerID, event.ServerID).
		Msg("bus event payload corrupt, dropping")
}
