package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"parley/internal/cache"
	"parley/internal/featureflags"
	"parley/internal/models"
	"parley/internal/repository"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// endClaimTTL bounds how long a call-end claim key lingers after the room
// record is gone.
const endClaimTTL = 30 * time.Second

// Call room lifecycle: waiting (one token joiner) -> active (both joined) ->
// deleted. Queue-paired rooms are created active.
const (
	callStatusWaiting = "waiting"
	callStatusActive  = "active"
)

// CallHub manages the call namespace sockets on this worker. Pairing state
// (queue, per-socket records, room records) lives in Redis so any worker can
// relay; the local map exists only to route envelope delivery.
type CallHub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	totalConns int

	rdb      *redis.Client
	notifier *Notifier
	calls    repository.CallRepository
	flags    *featureflags.Manager
}

// NewCallHub creates a new CallHub. calls and flags may be nil; history
// persistence is skipped without a repository.
func NewCallHub(rdb *redis.Client, notifier *Notifier, calls repository.CallRepository, flags *featureflags.Manager) *CallHub {
	return &CallHub{
		clients:  make(map[string]*Client),
		rdb:      rdb,
		notifier: notifier,
		calls:    calls,
		flags:    flags,
	}
}

// Name returns a human-readable identifier for this hub.
func (h *CallHub) Name() string { return "call hub" }

// Register adds a connection keyed by socket id.
func (h *CallHub) Register(socketID, userID, username string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= maxTotalConns {
		return nil, errors.New("server connection limit reached")
	}

	client := NewClient(h, conn, socketID, userID, username)
	h.clients[socketID] = client
	h.totalConns++
	return client, nil
}

// UnregisterClient removes a connection from the local map. Redis records
// are cleared separately via EndCall so the peer can be notified.
func (h *CallHub) UnregisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.SocketID]; !ok {
		return
	}
	delete(h.clients, c.SocketID)
	h.totalConns--
}

// LocalClient returns the client for a socket attached to this worker, or nil.
func (h *CallHub) LocalClient(socketID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[socketID]
}

// callRoomInfo rides SEND_OFFER and callEnded frames.
type callRoomInfo struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId,omitempty"`
}

// lobbyInfo rides LOBBY frames. Waiting means the socket has been paired and
// should expect the peer's offer. SocketID is set only on the first frame a
// connection receives, echoing the server-assigned id back to the browser.
type lobbyInfo struct {
	Waiting  bool   `json:"waiting"`
	SocketID string `json:"socketId,omitempty"`
}

// EnqueueAnonymous records the socket, pushes it onto the shared call queue,
// emits LOBBY, and attempts a pairing pass.
func (h *CallHub) EnqueueAnonymous(ctx context.Context, c *Client) error {
	if err := h.recordSocket(ctx, c); err != nil {
		return err
	}
	if err := h.rdb.RPush(ctx, cache.CallQueueKey, c.SocketID).Err(); err != nil {
		return err
	}
	h.deliverOrPublish(ctx, c.SocketID, "", EventLobby, rawJSON(lobbyInfo{Waiting: false, SocketID: c.SocketID}))
	return h.TryPair(ctx)
}

// JoinWithToken joins a socket directly to a pre-issued room id,
// short-circuiting the queue. The first joiner waits; the second activates
// the room and triggers the offer exchange.
func (h *CallHub) JoinWithToken(ctx context.Context, c *Client, roomID string) error {
	if err := h.recordSocket(ctx, c); err != nil {
		return err
	}

	roomKey := cache.CallRoomKey(roomID)
	first, err := h.rdb.HSetNX(ctx, roomKey, "socket1", c.SocketID).Result()
	if err != nil {
		return err
	}
	if first {
		_, err := h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, roomKey, map[string]any{
				"id":     roomID,
				"user1":  c.UserID,
				"status": callStatusWaiting,
			})
			pipe.Set(ctx, cache.CallUserRoomKey(c.SocketID), roomID, 0)
			return nil
		})
		if err != nil {
			return err
		}
		h.deliverOrPublish(ctx, c.SocketID, roomID, EventLobby, rawJSON(lobbyInfo{Waiting: false, SocketID: c.SocketID}))
		return nil
	}

	socket1, err := h.rdb.HGet(ctx, roomKey, "socket1").Result()
	if err != nil {
		return err
	}
	if socket1 == c.SocketID {
		// Rejoin from the same socket id.
		h.deliverOrPublish(ctx, c.SocketID, roomID, EventLobby, rawJSON(lobbyInfo{Waiting: false, SocketID: c.SocketID}))
		return nil
	}

	second, err := h.rdb.HSetNX(ctx, roomKey, "socket2", c.SocketID).Result()
	if err != nil {
		return err
	}
	if !second {
		socket2, err := h.rdb.HGet(ctx, roomKey, "socket2").Result()
		if err != nil {
			return err
		}
		if socket2 == c.SocketID {
			h.deliverOrPublish(ctx, c.SocketID, roomID, EventLobby, rawJSON(lobbyInfo{Waiting: true, SocketID: c.SocketID}))
			return nil
		}
		return errors.New("call room is full")
	}

	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey, map[string]any{
			"user2":  c.UserID,
			"status": callStatusActive,
		})
		pipe.HSetNX(ctx, roomKey, "startTime", time.Now().UnixMilli())
		pipe.Set(ctx, cache.CallUserRoomKey(c.SocketID), roomID, 0)
		return nil
	})
	if err != nil {
		return err
	}

	h.deliverOrPublish(ctx, socket1, roomID, EventCallUserJoined, rawJSON(callRoomInfo{RoomID: roomID, PeerID: c.SocketID}))
	h.deliverOrPublish(ctx, socket1, roomID, EventSendOffer, rawJSON(callRoomInfo{RoomID: roomID, PeerID: c.SocketID}))
	h.deliverOrPublish(ctx, c.SocketID, roomID, EventLobby, rawJSON(lobbyInfo{Waiting: true, SocketID: c.SocketID}))
	return nil
}

// TryPair drains the call queue two sockets at a time. Entries whose socket
// record has expired are discarded; a leftover single survivor goes back to
// the head of the queue.
func (h *CallHub) TryPair(ctx context.Context) error {
	for {
		popped, err := h.rdb.LPopCount(ctx, cache.CallQueueKey, 2).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var live []string
		for _, sid := range popped {
			n, err := h.rdb.Exists(ctx, cache.CallUserKey(sid)).Result()
			if err != nil {
				// Restore what we popped before bailing out.
				for i := len(popped) - 1; i >= 0; i-- {
					_ = h.rdb.LPush(ctx, cache.CallQueueKey, popped[i]).Err()
				}
				return err
			}
			if n > 0 {
				live = append(live, sid)
			}
		}

		if len(live) < 2 {
			if len(live) == 1 {
				if err := h.rdb.LPush(ctx, cache.CallQueueKey, live[0]).Err(); err != nil {
					return err
				}
			}
			if len(popped) < 2 {
				return nil
			}
			continue
		}

		if err := h.createCallRoom(ctx, live[0], live[1]); err != nil {
			_ = h.rdb.LPush(ctx, cache.CallQueueKey, live[1], live[0]).Err()
			return err
		}
	}
}

// createCallRoom pairs two popped sockets: the first is the designated
// initiator and receives SEND_OFFER; the second waits for the offer.
func (h *CallHub) createCallRoom(ctx context.Context, a, b string) error {
	aInfo, err := h.rdb.HGetAll(ctx, cache.CallUserKey(a)).Result()
	if err != nil {
		return err
	}
	bInfo, err := h.rdb.HGetAll(ctx, cache.CallUserKey(b)).Result()
	if err != nil {
		return err
	}

	roomID := uuid.NewString()
	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, cache.CallRoomKey(roomID), map[string]any{
			"id":        roomID,
			"socket1":   a,
			"socket2":   b,
			"user1":     aInfo["userId"],
			"user2":     bInfo["userId"],
			"status":    callStatusActive,
			"startTime": time.Now().UnixMilli(),
		})
		pipe.Set(ctx, cache.CallUserRoomKey(a), roomID, 0)
		pipe.Set(ctx, cache.CallUserRoomKey(b), roomID, 0)
		return nil
	})
	if err != nil {
		return err
	}

	h.deliverOrPublish(ctx, a, roomID, EventSendOffer, rawJSON(callRoomInfo{RoomID: roomID, PeerID: b}))
	h.deliverOrPublish(ctx, b, roomID, EventLobby, rawJSON(lobbyInfo{Waiting: true}))
	return nil
}

// Relay forwards a signaling event to the other participant of the sender's
// room. Sockets without a room are ignored.
func (h *CallHub) Relay(ctx context.Context, c *Client, event string, data json.RawMessage) error {
	roomID, err := h.rdb.Get(ctx, cache.CallUserRoomKey(c.SocketID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	room, err := h.rdb.HGetAll(ctx, cache.CallRoomKey(roomID)).Result()
	if err != nil {
		return err
	}
	peer := room["socket1"]
	if peer == c.SocketID {
		peer = room["socket2"]
	}
	if peer == "" || peer == c.SocketID {
		return nil
	}

	h.deliverOrPublish(ctx, peer, roomID, event, data)
	return nil
}

// EndCall tears down the caller's room: first claimant persists history for
// active rooms, deletes the records, notifies participants, and re-enqueues
// everyone still connected except the leaver. disconnected marks socket-gone
// teardown rather than an explicit END_CALL.
func (h *CallHub) EndCall(ctx context.Context, socketID string, disconnected bool) error {
	roomID, err := h.rdb.Get(ctx, cache.CallUserRoomKey(socketID)).Result()
	if errors.Is(err, redis.Nil) {
		if disconnected {
			return h.cleanupSocket(ctx, socketID)
		}
		return nil
	}
	if err != nil {
		return err
	}

	claimed, err := h.rdb.SetNX(ctx, cache.CallRoomEndedKey(roomID), socketID, endClaimTTL).Result()
	if err != nil {
		return err
	}
	if !claimed {
		// The peer is tearing the room down; drop only our own mapping.
		_ = h.rdb.Del(ctx, cache.CallUserRoomKey(socketID)).Err()
		if disconnected {
			return h.cleanupSocket(ctx, socketID)
		}
		return nil
	}

	room, err := h.rdb.HGetAll(ctx, cache.CallRoomKey(roomID)).Result()
	if err != nil {
		return err
	}
	if len(room) == 0 {
		_ = h.rdb.Del(ctx, cache.CallUserRoomKey(socketID)).Err()
		if disconnected {
			return h.cleanupSocket(ctx, socketID)
		}
		return nil
	}

	if room["status"] == callStatusActive {
		h.persistHistory(ctx, roomID, room)
	}

	socket1, socket2 := room["socket1"], room["socket2"]
	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cache.CallRoomKey(roomID))
		if socket1 != "" {
			pipe.Del(ctx, cache.CallUserRoomKey(socket1))
		}
		if socket2 != "" {
			pipe.Del(ctx, cache.CallUserRoomKey(socket2))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if disconnected {
		if err := h.cleanupSocket(ctx, socketID); err != nil {
			log.Printf("call hub: cleanup socket %s: %v", socketID, err)
		}
	}

	ended := rawJSON(callRoomInfo{RoomID: roomID})
	for _, p := range []string{socket1, socket2} {
		if p == "" || (p == socketID && disconnected) {
			continue
		}
		if disconnected && p != socketID {
			h.deliverOrPublish(ctx, p, roomID, EventCallUserLeft, rawJSON(callRoomInfo{RoomID: roomID, PeerID: socketID}))
		}
		h.deliverOrPublish(ctx, p, roomID, EventCallEnded, ended)
	}

	// Everyone but the leaver goes back to the lobby queue.
	requeued := false
	for _, p := range []string{socket1, socket2} {
		if p == "" || p == socketID {
			continue
		}
		n, err := h.rdb.Exists(ctx, cache.CallUserKey(p)).Result()
		if err != nil || n == 0 {
			continue
		}
		if err := h.rdb.RPush(ctx, cache.CallQueueKey, p).Err(); err != nil {
			log.Printf("call hub: requeue %s: %v", p, err)
			continue
		}
		h.deliverOrPublish(ctx, p, "", EventLobby, rawJSON(lobbyInfo{Waiting: false}))
		requeued = true
	}
	if requeued {
		return h.TryPair(ctx)
	}
	return nil
}

// recordSocket writes the per-socket metadata record.
func (h *CallHub) recordSocket(ctx context.Context, c *Client) error {
	return h.rdb.HSet(ctx, cache.CallUserKey(c.SocketID), map[string]any{
		"socketId": c.SocketID,
		"userId":   c.UserID,
		"username": c.Username,
		"joinedAt": time.Now().UnixMilli(),
	}).Err()
}

// cleanupSocket removes a departed socket from the queue and deletes its
// metadata record.
func (h *CallHub) cleanupSocket(ctx context.Context, socketID string) error {
	_, err := h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, cache.CallQueueKey, 0, socketID)
		pipe.Del(ctx, cache.CallUserKey(socketID))
		return nil
	})
	return err
}

// persistHistory writes the Call row for an ended active room. Errors are
// logged; history must not block teardown.
func (h *CallHub) persistHistory(ctx context.Context, roomID string, room map[string]string) {
	if h.calls == nil {
		return
	}
	if h.flags.Enabled(featureflags.DisableCallHistory, room["user1"]) {
		return
	}

	startMs, err := strconv.ParseInt(room["startTime"], 10, 64)
	if err != nil {
		log.Printf("call hub: bad startTime for room %s: %v", roomID, err)
		return
	}
	started := time.UnixMilli(startMs)
	ended := time.Now()

	call := &models.Call{
		RoomID:      roomID,
		InitiatorID: room["user1"],
		ReceiverID:  room["user2"],
		DurationSec: int(ended.Sub(started) / time.Second),
		StartedAt:   started,
		EndedAt:     ended,
	}
	if err := h.calls.Create(ctx, call); err != nil {
		log.Printf("call hub: persist call history for room %s: %v", roomID, err)
	}
}

// deliverOrPublish sends a frame to a socket: directly when it is attached
// to this worker, otherwise as a targeted envelope on the call:rooms channel.
func (h *CallHub) deliverOrPublish(ctx context.Context, socketID, roomID, event string, data json.RawMessage) {
	if c := h.LocalClient(socketID); c != nil {
		frame, err := json.Marshal(Frame{Event: event, Data: data})
		if err != nil {
			log.Printf("call hub: encode %s frame: %v", event, err)
			return
		}
		c.TrySend(frame)
		return
	}
	if h.notifier == nil {
		return
	}
	env := CallEnvelope{Event: event, RoomID: roomID, TargetID: socketID, Data: data}
	if err := h.notifier.PublishCallSignal(ctx, env); err != nil {
		log.Printf("call hub: publish %s to %s: %v", event, socketID, err)
	}
}

// StartWiring connects the Notifier to this hub: targeted envelopes from
// other workers are delivered to locally attached sockets.
func (h *CallHub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartCallSubscriber(ctx, func(_, payload string) {
		var env CallEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			log.Printf("call hub: bad envelope payload: %v", err)
			return
		}
		c := h.LocalClient(env.TargetID)
		if c == nil {
			return
		}
		frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
		if err != nil {
			return
		}
		c.TrySend(frame)
	})
}

// Shutdown gracefully closes all websocket connections
func (h *CallHub) Shutdown(_ context.Context) error {
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
	h.totalConns = 0
	return nil
}

// rawJSON marshals a payload for a frame, logging rather than failing.
func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("notifications: marshal payload: %v", err)
		return nil
	}
	return b
}
