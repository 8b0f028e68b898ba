package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"parley/internal/cache"
	"parley/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

// ChatHub manages the chat namespace sockets on this worker. It is
// room-centric: delivery targets a room id and reaches every locally
// attached member. Cross-worker delivery rides the chat:* channels, so the
// local maps only ever describe this worker's sockets.
type ChatHub struct {
	mu sync.RWMutex

	// Map: socketID -> Client
	clients map[string]*Client

	// Map: roomID -> socketID -> Client
	rooms map[string]map[string]*Client

	// Map: socketID -> set of roomIDs joined
	memberships map[string]map[string]struct{}

	// Map: userID -> set of socketIDs (multi-device support)
	userSockets map[string]map[string]struct{}

	totalConns int
}

// NewChatHub creates a new ChatHub instance.
func NewChatHub() *ChatHub {
	return &ChatHub{
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
		memberships: make(map[string]map[string]struct{}),
		userSockets: make(map[string]map[string]struct{}),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *ChatHub) Name() string { return "chat hub" }

// Register adds a connection keyed by socket id. Returns the Client or an
// error when a connection limit is exceeded.
func (h *ChatHub) Register(socketID, userID, username string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= maxTotalConns {
		return nil, errors.New("server connection limit reached")
	}
	if len(h.userSockets[userID]) >= maxConnsPerUser {
		return nil, errors.New("user connection limit reached")
	}

	client := NewClient(h, conn, socketID, userID, username)
	h.clients[socketID] = client

	set, ok := h.userSockets[userID]
	if !ok {
		set = make(map[string]struct{})
		h.userSockets[userID] = set
	}
	set[socketID] = struct{}{}
	h.totalConns++

	return client, nil
}

// UnregisterClient removes a connection and its room memberships. Safe to
// call more than once for the same client.
func (h *ChatHub) UnregisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.SocketID]; !ok {
		return
	}
	delete(h.clients, c.SocketID)
	h.totalConns--

	if set, ok := h.userSockets[c.UserID]; ok {
		delete(set, c.SocketID)
		if len(set) == 0 {
			delete(h.userSockets, c.UserID)
		}
	}

	for roomID := range h.memberships[c.SocketID] {
		h.removeFromRoomLocked(c.SocketID, roomID)
	}
	delete(h.memberships, c.SocketID)
}

// JoinRoom adds the client to a room's local delivery set.
func (h *ChatHub) JoinRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[roomID] = room
	}
	room[c.SocketID] = c

	ms, ok := h.memberships[c.SocketID]
	if !ok {
		ms = make(map[string]struct{})
		h.memberships[c.SocketID] = ms
	}
	ms[roomID] = struct{}{}

	observability.WebSocketRoomConnections.WithLabelValues(roomID).Set(float64(len(room)))
}

// LeaveRoom removes the client from a room's local delivery set.
func (h *ChatHub) LeaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomLocked(c.SocketID, roomID)
	if ms, ok := h.memberships[c.SocketID]; ok {
		delete(ms, roomID)
		if len(ms) == 0 {
			delete(h.memberships, c.SocketID)
		}
	}
}

// removeFromRoomLocked drops a socket from a room map. Caller holds mu.
func (h *ChatHub) removeFromRoomLocked(socketID, roomID string) {
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, socketID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
		observability.WebSocketRoomConnections.DeleteLabelValues(roomID)
		return
	}
	observability.WebSocketRoomConnections.WithLabelValues(roomID).Set(float64(len(room)))
}

// RoomSize reports how many local sockets are joined to a room.
func (h *ChatHub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// BroadcastToRoom sends message to every local member of roomID except
// excludeSocketID (pass "" to reach everyone).
func (h *ChatHub) BroadcastToRoom(roomID string, message []byte, excludeSocketID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sid, c := range h.rooms[roomID] {
		if sid == excludeSocketID {
			continue
		}
		c.TrySend(message)
	}
}

// StartWiring connects the Notifier to this hub: channel messages become
// room-scoped broadcasts on the local sockets.
func (h *ChatHub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartChatSubscriber(ctx, func(channel, payload string) {
		switch channel {
		case cache.ChannelChatMessages:
			h.fanOutMessage(payload)
		case cache.ChannelChatRooms:
			h.fanOutRoomEvent(payload)
		}
	})
}

// fanOutMessage delivers a chat:messages payload to the message's room.
// The payload is forwarded verbatim as the frame data.
func (h *ChatHub) fanOutMessage(payload string) {
	var scope struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal([]byte(payload), &scope); err != nil || scope.RoomID == "" {
		log.Printf("chat hub: message payload missing roomId: %v", err)
		return
	}

	frame, err := EncodeFrame(EventMessage, json.RawMessage(payload))
	if err != nil {
		log.Printf("chat hub: encode message frame: %v", err)
		return
	}
	h.BroadcastToRoom(scope.RoomID, frame, "")
}

// fanOutRoomEvent delivers a chat:rooms event to the room, excluding the
// originating socket.
func (h *ChatHub) fanOutRoomEvent(payload string) {
	var ev RoomEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Printf("chat hub: bad room event payload: %v", err)
		return
	}

	event := ev.BroadcastEvent()
	if event == "" || ev.RoomID == "" {
		return
	}

	frame, err := EncodeFrame(event, ev)
	if err != nil {
		log.Printf("chat hub: encode room event frame: %v", err)
		return
	}
	h.BroadcastToRoom(ev.RoomID, frame, ev.ClientID)
}

// Shutdown gracefully closes all websocket connections
func (h *ChatHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for socketID, client := range h.clients {
		if client.Conn == nil {
			continue
		}
		if err := client.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
			log.Printf("failed to write close message for socket %s: %v", socketID, err)
		}
		if err := client.Conn.Close(); err != nil {
			log.Printf("failed to close websocket for socket %s: %v", socketID, err)
		}
	}

	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.memberships = make(map[string]map[string]struct{})
	h.userSockets = make(map[string]map[string]struct{})
	h.totalConns = 0

	return nil
}
