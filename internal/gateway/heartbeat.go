package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abrahaamv/realtime-gateway/internal/domain"
	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// heartbeatLoop pings live clients and reaps stale ones on a fixed
// interval. This sweep is the only mechanism that reclaims sockets whose
// TCP close never arrives, e.g. after a network partition.
func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(s.clock())
		}
	}
}

// sweepOnce force-closes every client whose last activity is older than
// the stale threshold and pings the rest.
func (s *Server) sweepOnce(now time.Time) {
	stale := s.cfg.Heartbeat.StaleThreshold

	for _, client := range s.hub.Clients() {
		if now.Sub(client.LastActivity()) > stale {
			s.logger.Info().
				Str(log.FieldClientID, client.ID).
				Str(log.FieldSessionID, client.SessionID).
				Time("last_activity", client.LastActivity()).
				Msg("reaping stale client")
			client.CloseWithCode(websocket.CloseGoingAway, "heartbeat timeout", s.cfg.WebSocket.WriteWait)
			s.disconnectClient(client)
			continue
		}

		s.sendToClient(client, domain.NewPing())
	}
}
