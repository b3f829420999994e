package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abrahaamv/realtime-gateway/internal/audit"
	"github.com/abrahaamv/realtime-gateway/internal/auth"
	"github.com/abrahaamv/realtime-gateway/internal/config"
	"github.com/abrahaamv/realtime-gateway/internal/domain"
	"github.com/abrahaamv/realtime-gateway/internal/hub"
	"github.com/abrahaamv/realtime-gateway/internal/pubsub"
	"github.com/abrahaamv/realtime-gateway/internal/store"
	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// Server is the realtime gateway: it terminates WebSocket connections,
// authenticates them against the session verifier, maintains the local
// registry, fans events out over the bus, and reaps stale connections.
type Server struct {
	id       string
	cfg      *config.Config
	hub      *hub.Hub
	verifier auth.Verifier
	store    store.MessageStore
	bus      pubsub.PubSub
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// clock is injectable for heartbeat tests.
	clock func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config, verifier auth.Verifier, st store.MessageStore, bus pubsub.PubSub) *Server {
	return &Server{
		id:       cfg.Server.InstanceID,
		cfg:      cfg,
		hub:      hub.NewHub(),
		verifier: verifier,
		store:    st,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.L().With().Str(log.FieldServerID, cfg.Server.InstanceID).Logger(),
		clock:  time.Now,
	}
}

// ID returns the gateway instance identifier sent in ack frames.
func (s *Server) ID() string {
	return s.id
}

// Hub exposes the local registry, primarily for shutdown and tests.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Start subscribes to the bus channels and launches the relay and
// heartbeat loops. A subscription failure is fatal to startup.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, channel := range pubsub.Channels() {
		events, err := s.bus.Subscribe(ctx, channel)
		if err != nil {
			s.cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}

		s.wg.Add(1)
		go s.relayLoop(channel, events)
	}

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	s.logger.Info().Msg("gateway started")
	return nil
}

// RegisterRoutes attaches the gateway's HTTP surface.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", s.HandleWebSocket)
}

// HandleWebSocket authenticates and upgrades an inbound connection. The
// session token is taken from a cookie and verified before any data is
// read from the socket; a failed verification closes the socket with a
// policy-violation code and registers nothing.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	var token string
	if cookie, err := r.Cookie(s.cfg.Auth.CookieName); err == nil {
		token = cookie.Value
	}

	identity, authErr := auth.Identity{}, error(nil)
	if token == "" {
		authErr = auth.ErrMissingToken
	} else {
		identity, authErr = s.verifier.Verify(r.Context(), token)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if authErr != nil {
		// Not an application error: refused handshakes are expected
		// traffic from expired widget sessions.
		audit.Log(r.Context(), audit.ActionAuthFailed, "", "connection refused: "+authErr.Error())
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WebSocket.WriteWait))
		_ = conn.Close()
		return
	}

	clientID := identity.UserID + "-" + uuid.New().String()
	client := hub.NewClient(clientID, identity.UserID, identity.TenantID, sessionID, conn, s.cfg.WebSocket.SendQueueSize)
	client.Touch(s.clock())
	s.hub.Register(client)

	go client.WritePump(s.cfg.WebSocket.WriteWait)
	go client.ReadPump(s.cfg.WebSocket.MaxMessageSize, s.handleClientMessage, s.disconnectClient)

	// Welcome ack to the new client only, then presence to everyone else.
	if err := client.SendMessage(&domain.AckMessage{
		Type:      domain.MsgTypeAck,
		Connected: true,
		ServerID:  s.id,
		Timestamp: domain.NowMillis(),
	}); err != nil {
		s.disconnectClient(client)
		return
	}

	joined := &domain.PresenceMessage{
		Type:      domain.MsgTypeUserJoined,
		UserID:    identity.UserID,
		SessionID: sessionID,
		Timestamp: domain.NowMillis(),
	}
	s.broadcastToSession(sessionID, joined, clientID)
	s.publish(pubsub.ChannelPresence, domain.MsgTypeUserJoined, sessionID, joined)

	audit.Log(r.Context(), audit.ActionConnect, identity.UserID, "client connected")
	s.logger.Info().
		Str(log.FieldClientID, clientID).
		Str(log.FieldUserID, identity.UserID).
		Str(log.FieldTenantID, identity.TenantID).
		Str(log.FieldSessionID, sessionID).
		Msg("websocket connection established")
}

// broadcastToSession delivers to local clients and disconnects any whose
// send queue is saturated, treating that like a socket-level failure.
func (s *Server) broadcastToSession(sessionID string, message interface{}, exclude string) {
	congested, err := s.hub.BroadcastToSession(sessionID, message, exclude)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to marshal broadcast")
		return
	}
	for _, client := range congested {
		s.logger.Warn().Str(log.FieldClientID, client.ID).Msg("send queue full, disconnecting client")
		client.CloseWithCode(websocket.CloseGoingAway, "send queue overflow", s.cfg.WebSocket.WriteWait)
		s.disconnectClient(client)
	}
}

// publish wraps an outbound frame in a bus envelope. Publish failures are
// logged and swallowed: losing one event's cross-instance fan-out must
// not disturb the local conversation.
func (s *Server) publish(channel, eventType, sessionID string, payload interface{}) {
	event, err := pubsub.NewEvent(eventType, sessionID, s.id, payload)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldChannel, channel).Msg("failed to build bus event")
		return
	}
	if err := s.bus.Publish(context.Background(), channel, event); err != nil {
		s.logger.Error().Err(err).Str(log.FieldChannel, channel).Msg("failed to publish bus event")
	}
}

// disconnectClient is the single disconnect path, reached from socket
// close, send failure, heartbeat timeout, and shutdown. Idempotent: the
// socket-close and heartbeat paths can both fire for one client.
func (s *Server) disconnectClient(client *hub.Client) {
	if !client.BeginClose() {
		return
	}

	// Order matters: the registry entry is deleted last so the presence
	// broadcast can still read the client's session and user.
	s.hub.SetTyping(client.SessionID, client.UserID, false)

	left := &domain.PresenceMessage{
		Type:      domain.MsgTypeUserLeft,
		UserID:    client.UserID,
		SessionID: client.SessionID,
		Timestamp: domain.NowMillis(),
	}
	s.publish(pubsub.ChannelPresence, domain.MsgTypeUserLeft, client.SessionID, left)
	s.broadcastToSession(client.SessionID, left, "")

	s.hub.Unregister(client.ID)
	client.CloseWithCode(websocket.CloseNormalClosure, "", s.cfg.WebSocket.WriteWait)

	audit.Log(context.Background(), audit.ActionDisconnect, client.UserID, "client disconnected")
	s.logger.Info().
		Str(log.FieldClientID, client.ID).
		Str(log.FieldSessionID, client.SessionID).
		Msg("client disconnected")
}

// Shutdown closes every local socket with a going-away code, stops the
// relay and heartbeat loops, and closes the bus connections.
func (s *Server) Shutdown(ctx context.Context) error {
	audit.Log(ctx, audit.ActionShutdown, "", "gateway shutting down")

	for _, client := range s.hub.Clients() {
		client.CloseWithCode(websocket.CloseGoingAway, "server shutting down", s.cfg.WebSocket.WriteWait)
		s.hub.Unregister(client.ID)
	}

	if s.cancel != nil {
		s.cancel()
	}
	// Closing the bus unblocks relay loops still draining their event
	// channels, so it happens before the wait.
	busErr := s.bus.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.New("gateway shutdown timed out")
	}

	return busErr
}
