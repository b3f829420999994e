package hub

import (
	"encoding/json"
	"sync"

	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// Hub is the process-local connection registry and typing tracker. It is
// never shared across gateway instances; cross-instance visibility goes
// through the bus.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client             // clientID -> client
	sessions map[string]map[string]*Client  // sessionID -> clientID -> client
	typing   map[string]map[string]struct{} // sessionID -> set(userID)
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		sessions: make(map[string]map[string]*Client),
		typing:   make(map[string]map[string]struct{}),
	}
}

// Register inserts a client into the registry. The client must be
// registered before any of its frames are dispatched.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	if _, ok := h.sessions[client.SessionID]; !ok {
		h.sessions[client.SessionID] = make(map[string]*Client)
	}
	h.sessions[client.SessionID][client.ID] = client
	h.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldClientID, client.ID).Str(log.FieldSessionID, client.SessionID).Msg("client registered")
}

// Unregister removes a client from the registry and stops its write
// pump. Returns false if the client was already gone.
func (h *Hub) Unregister(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	delete(h.clients, clientID)

	if sessClients, ok := h.sessions[client.SessionID]; ok {
		delete(sessClients, clientID)
		if len(sessClients) == 0 {
			delete(h.sessions, client.SessionID)
		}
	}

	client.Stop()
	return true
}

// Get returns the client for a locally-unique client id.
func (h *Hub) Get(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	return client, ok
}

// Clients returns a snapshot of every registered client.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// SessionClientCount returns the number of local clients in a session.
func (h *Hub) SessionClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// BroadcastToSession marshals the message once and enqueues it for every
// local client in the session except the excluded clientID. Clients whose
// disconnect has begun are silently skipped; the heartbeat sweep reaps
// them. Clients with a saturated queue are returned so the caller can
// invoke the disconnect path for them.
func (h *Hub) BroadcastToSession(sessionID string, message interface{}, exclude string) ([]*Client, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	var congested []*Client

	h.mu.RLock()
	for clientID, client := range h.sessions[sessionID] {
		if clientID == exclude || client.Closing() {
			continue
		}
		if err := client.SendRaw(data); err != nil {
			congested = append(congested, client)
		}
	}
	h.mu.RUnlock()

	return congested, nil
}

// SetTyping adds or removes a user from a session's typing set.
func (h *Hub) SetTyping(sessionID, userID string, typing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if typing {
		if _, ok := h.typing[sessionID]; !ok {
			h.typing[sessionID] = make(map[string]struct{})
		}
		h.typing[sessionID][userID] = struct{}{}
		return
	}

	if users, ok := h.typing[sessionID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.typing, sessionID)
		}
	}
}

// IsTyping reports whether a user is in a session's typing set.
func (h *Hub) IsTyping(sessionID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users, ok := h.typing[sessionID]
	if !ok {
		return false
	}
	_, ok = users[userID]
	return ok
}

// TypingUsers returns the user ids currently typing in a session.
func (h *Hub) TypingUsers(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := h.typing[sessionID]
	out := make([]string, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	return out
}
