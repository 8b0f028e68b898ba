package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"parley/internal/cache"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/observability"
	"parley/internal/service"
	"parley/internal/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/gofiber/websocket/v2"
)

// socketActionLimit bounds inbound frames per socket per second.
const socketActionLimit = 10

// chatSession is the per-connection identity a chat socket operates under.
// Only the read goroutine touches it, so no locking is needed.
type chatSession struct {
	roomID           string
	receiverID       string
	receiverUsername string
	left             bool
}

// WebSocketChatHandler serves the chat namespace. A pair token on the
// handshake binds the socket to its matched room; without one the socket
// lands in the anonymous general lobby under its own socket id.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	wsLog := observability.NewWSLogger("chat")
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		if s.chatHub == nil {
			_ = conn.Close()
			return
		}

		ctx := context.Background()
		socketID := uuid.NewString()

		// Verify is fail-soft; a missing or bad token means anonymous.
		sess := &chatSession{roomID: models.GeneralRoomID, receiverID: "global"}
		senderID := socketID
		username := ""
		if claims := s.pairTokens.Verify(conn.Query("token")); claims.RoomID != "" {
			sess.roomID = claims.RoomID
			sess.receiverID = claims.ReceiverID
			sess.receiverUsername = claims.ReceiverUsername
			senderID = claims.SenderID
			username = claims.SenderUsername
		}

		if !validation.IsGeneralRoom(sess.roomID) {
			if err := validation.ValidateRoomID(sess.roomID); err != nil {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","data":{"message":"`+err.Error()+`"}}`))
				_ = conn.Close()
				return
			}
		}

		client, err := s.chatHub.Register(socketID, senderID, username, conn)
		if err != nil {
			wsLog.LogError(ctx, senderID, sess.roomID, err, "register")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","data":{"message":"`+err.Error()+`"}}`))
			_ = conn.Close()
			return
		}

		// The general lobby has no two-party presence record; matched rooms
		// get one lazily so heartbeats land even if this side connects first.
		if !validation.IsGeneralRoom(sess.roomID) && s.states != nil {
			exists, serr := s.states.Exists(ctx, sess.roomID)
			if serr != nil {
				log.Printf("WebSocket Chat: room state lookup %s: %v", sess.roomID, serr)
			} else if !exists {
				if ierr := s.states.Init(ctx, sess.roomID, models.RoomTypeChat, senderID, sess.receiverID); ierr != nil {
					log.Printf("WebSocket Chat: room state init %s: %v", sess.roomID, ierr)
				}
			}
		}

		s.chatHub.JoinRoom(client, sess.roomID)
		s.trackChatJoin(ctx, sess.roomID, socketID, senderID)
		wsLog.LogConnect(ctx, senderID, sess.roomID)

		client.IncomingHandler = func(c *notifications.Client, message []byte) {
			s.handleChatFrame(ctx, c, sess, message)
		}

		// First frame echoes the server-assigned socket id.
		if frame, ferr := notifications.EncodeFrame(notifications.EventUserConnected, fiber.Map{
			"clientId": socketID,
			"userId":   senderID,
			"username": username,
			"roomId":   sess.roomID,
		}); ferr == nil {
			client.TrySend(frame)
		}
		s.sendRoomHistory(ctx, client, sess.roomID)

		if perr := s.notifier.PublishRoomEvent(ctx, notifications.RoomEvent{
			Type:      notifications.RoomEventJoin,
			RoomID:    sess.roomID,
			ClientID:  socketID,
			Username:  username,
			Timestamp: time.Now().UnixMilli(),
		}); perr != nil {
			log.Printf("publish join event error: %v", perr)
		}

		go client.WritePump()

		// Read pump runs in the main handler goroutine (blocking).
		client.ReadPump()

		wsLog.LogDisconnect(ctx, senderID, sess.roomID, "socket closed")
		s.cleanupChatSocket(ctx, socketID, senderID, username)
	})
}

// handleChatFrame dispatches one inbound chat frame. Every failure is
// reported to the originator as a single error frame; nothing escapes.
func (s *Server) handleChatFrame(ctx context.Context, c *notifications.Client, sess *chatSession, message []byte) {
	frame, err := notifications.DecodeFrame(message)
	if err != nil {
		s.sendSocketError(c, "Invalid frame")
		return
	}

	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "socket", c.SocketID, socketActionLimit, time.Second)
	if !allowed {
		if frame.Event == notifications.EventMessage {
			s.sendSocketError(c, "Rate limit exceeded. Please wait a moment.")
		}
		return
	}

	switch frame.Event {
	case notifications.EventMessage:
		if sess.left {
			s.sendSocketError(c, "Not in a room")
			return
		}
		s.handleChatMessage(ctx, c, sess, frame.Data)

	case notifications.EventUserTyping:
		if sess.left {
			return
		}
		s.setTyping(ctx, sess.roomID, c.UserID, true)
		s.publishChatPresence(ctx, notifications.RoomEventTyping, sess.roomID, c)

	case notifications.EventUserStoppedTyping:
		if sess.left {
			return
		}
		s.setTyping(ctx, sess.roomID, c.UserID, false)
		s.publishChatPresence(ctx, notifications.RoomEventStoppedTyping, sess.roomID, c)

	case notifications.EventUserConnected:
		if sess.left {
			return
		}
		s.publishChatPresence(ctx, notifications.RoomEventConnected, sess.roomID, c)

	case notifications.EventUserDisconnected:
		if sess.left {
			return
		}
		s.publishChatPresence(ctx, notifications.RoomEventDisconnected, sess.roomID, c)

	case notifications.EventLeave:
		if sess.left {
			return
		}
		sess.left = true
		s.publishChatPresence(ctx, notifications.RoomEventLeave, sess.roomID, c)
		s.chatHub.LeaveRoom(c, sess.roomID)
		s.trackChatLeave(ctx, sess.roomID, c.SocketID, c.UserID)

	case notifications.EventDisconnect:
		// Client asked to go; closing the conn unwinds through ReadPump.
		_ = c.Conn.Close()

	case notifications.EventFriendRequest:
		s.handleFriendRequestFrame(ctx, c, frame.Data)

	default:
		s.sendSocketError(c, "Unknown event")
	}
}

// handleChatMessage persists an inbound message and acknowledges it. Room
// and sender identity come from the session, never from the payload.
func (s *Server) handleChatMessage(ctx context.Context, c *notifications.Client, sess *chatSession, data json.RawMessage) {
	var payload struct {
		Content string             `json:"content"`
		Type    models.MessageType `json:"type"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.sendSocketError(c, "Invalid message payload")
			return
		}
	}

	saved, err := s.chatService.SaveMessage(ctx, service.SaveMessageInput{
		RoomID:           sess.roomID,
		SenderID:         c.UserID,
		SenderUsername:   c.Username,
		ReceiverID:       sess.receiverID,
		ReceiverUsername: sess.receiverUsername,
		Content:          payload.Content,
		Type:             payload.Type,
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			s.sendSocketError(c, appErr.Message)
			return
		}
		log.Printf("WebSocket Chat: save message in %s: %v", sess.roomID, err)
		s.sendSocketError(c, "Failed to send message")
		return
	}

	if frame, ferr := notifications.EncodeFrame(notifications.EventMessageSent, fiber.Map{
		"id":        saved.ID,
		"timestamp": saved.CreatedAt.UnixMilli(),
	}); ferr == nil {
		c.TrySend(frame)
	}
}

// handleFriendRequestFrame forwards a friend_request frame from either
// namespace to the friend service and acknowledges the outcome to the sender.
func (s *Server) handleFriendRequestFrame(ctx context.Context, c *notifications.Client, data json.RawMessage) {
	var payload struct {
		TargetUsername string `json:"targetUsername"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.sendSocketError(c, "Invalid friend request payload")
			return
		}
	}

	if _, err := s.friendService.SendFriendRequest(ctx, c.UserID, c.Username, payload.TargetUsername); err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			s.sendSocketError(c, appErr.Message)
			return
		}
		log.Printf("WebSocket Chat: friend request from %s: %v", c.UserID, err)
		s.sendSocketError(c, "Failed to send friend request")
		return
	}

	if frame, ferr := notifications.EncodeFrame(notifications.EventFriendRequest, fiber.Map{
		"status":         "sent",
		"targetUsername": payload.TargetUsername,
	}); ferr == nil {
		c.TrySend(frame)
	}
}

// publishChatPresence publishes an ephemeral room event on the chat:rooms
// channel. Errors are logged; presence is best effort.
func (s *Server) publishChatPresence(ctx context.Context, t notifications.RoomEventType, roomID string, c *notifications.Client) {
	if err := s.notifier.PublishRoomEvent(ctx, notifications.RoomEvent{
		Type:      t,
		RoomID:    roomID,
		ClientID:  c.SocketID,
		Username:  c.Username,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		log.Printf("publish room event %s error: %v", t, err)
	}
}

// sendRoomHistory pushes the room's recent messages to a newly joined socket.
func (s *Server) sendRoomHistory(ctx context.Context, client *notifications.Client, roomID string) {
	history, err := s.chatService.RoomHistory(ctx, roomID, cache.MaxRoomMessages)
	if err != nil {
		log.Printf("WebSocket Chat: history for %s: %v", roomID, err)
		return
	}
	if history == nil {
		history = []models.Message{}
	}
	if frame, ferr := notifications.EncodeFrame(notifications.EventRoomHistory, fiber.Map{
		"roomId":   roomID,
		"messages": history,
	}); ferr == nil {
		client.TrySend(frame)
	}
}

// sendSocketError emits the single error frame socket handlers are allowed.
func (s *Server) sendSocketError(c *notifications.Client, message string) {
	if frame, err := notifications.EncodeFrame(notifications.EventError, fiber.Map{
		"message": message,
	}); err == nil {
		c.TrySend(frame)
	}
}

// trackChatJoin records the socket's room membership in Redis so any worker
// can answer who is where.
func (s *Server) trackChatJoin(ctx context.Context, roomID, socketID, userID string) {
	if s.redis == nil {
		return
	}
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, cache.ChatRoomKey(roomID), socketID)
	pipe.SAdd(ctx, cache.ChatSocketRoomsKey(socketID), roomID)
	pipe.SAdd(ctx, cache.ChatConnectedKey(roomID), userID)
	pipe.HSet(ctx, cache.ChatUsersKey, socketID, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("WebSocket Chat: track join %s/%s: %v", roomID, socketID, err)
	}
}

// trackChatLeave removes one room's worth of membership bookkeeping.
func (s *Server) trackChatLeave(ctx context.Context, roomID, socketID, userID string) {
	if s.redis == nil {
		return
	}
	pipe := s.redis.TxPipeline()
	pipe.SRem(ctx, cache.ChatRoomKey(roomID), socketID)
	pipe.SRem(ctx, cache.ChatSocketRoomsKey(socketID), roomID)
	pipe.SRem(ctx, cache.ChatConnectedKey(roomID), userID)
	pipe.SRem(ctx, cache.ChatTypingKey(roomID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("WebSocket Chat: track leave %s/%s: %v", roomID, socketID, err)
	}
}

// setTyping maintains the per-room typing set alongside the fan-out.
func (s *Server) setTyping(ctx context.Context, roomID, userID string, typing bool) {
	if s.redis == nil {
		return
	}
	var err error
	if typing {
		err = s.redis.SAdd(ctx, cache.ChatTypingKey(roomID), userID).Err()
	} else {
		err = s.redis.SRem(ctx, cache.ChatTypingKey(roomID), userID).Err()
	}
	if err != nil {
		log.Printf("WebSocket Chat: typing set %s/%s: %v", roomID, userID, err)
	}
}

// cleanupChatSocket runs after the read pump exits: departure events for
// every joined room, Redis bookkeeping removal, and queue dequeues so a
// vanished socket cannot be matched.
func (s *Server) cleanupChatSocket(ctx context.Context, socketID, userID, username string) {
	if s.redis == nil {
		return
	}

	rooms, err := s.redis.SMembers(ctx, cache.ChatSocketRoomsKey(socketID)).Result()
	if err != nil {
		log.Printf("WebSocket Chat: cleanup rooms for %s: %v", socketID, err)
	}
	for _, roomID := range rooms {
		if perr := s.notifier.PublishRoomEvent(ctx, notifications.RoomEvent{
			Type:      notifications.RoomEventDisconnected,
			RoomID:    roomID,
			ClientID:  socketID,
			Username:  username,
			Timestamp: time.Now().UnixMilli(),
		}); perr != nil {
			log.Printf("publish disconnect event error: %v", perr)
		}
		s.trackChatLeave(ctx, roomID, socketID, userID)
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, cache.ChatSocketRoomsKey(socketID))
	pipe.HDel(ctx, cache.ChatUsersKey, socketID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("WebSocket Chat: cleanup %s: %v", socketID, err)
	}

	// A dropped socket must not linger in either search pool.
	if s.searchStore != nil {
		for _, pool := range []models.Pool{models.PoolChat, models.PoolCall} {
			if derr := s.searchStore.Dequeue(ctx, pool, userID); derr != nil {
				log.Printf("WebSocket Chat: dequeue %s from %s: %v", userID, pool, derr)
			}
		}
	}
}
