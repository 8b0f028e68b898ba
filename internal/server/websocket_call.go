package server

import (
	"context"
	"log"
	"strings"
	"time"

	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/observability"
	"parley/internal/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/gofiber/websocket/v2"
)

// WebSocketCallHandler serves the call namespace. A pair token joins the
// socket straight into its matched room; without one the socket enters the
// anonymous pairing queue and waits for a LOBBY/SEND_OFFER exchange.
func (s *Server) WebSocketCallHandler() fiber.Handler {
	wsLog := observability.NewWSLogger("call")
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		if s.callHub == nil {
			_ = conn.Close()
			return
		}

		ctx := context.Background()
		socketID := uuid.NewString()

		// Verify is fail-soft; a missing or bad token means the queue path.
		userID := socketID
		username := ""
		tokenRoom := ""
		if claims := s.pairTokens.Verify(conn.Query("token")); claims.RoomID != "" {
			tokenRoom = claims.RoomID
			userID = claims.SenderID
			username = claims.SenderUsername
		}

		if tokenRoom != "" {
			if err := validation.ValidateRoomID(tokenRoom); err != nil {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","data":{"message":"`+err.Error()+`"}}`))
				_ = conn.Close()
				return
			}
		}

		client, err := s.callHub.Register(socketID, userID, username, conn)
		if err != nil {
			wsLog.LogError(ctx, userID, tokenRoom, err, "register")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","data":{"message":"`+err.Error()+`"}}`))
			_ = conn.Close()
			return
		}
		wsLog.LogConnect(ctx, userID, tokenRoom)

		client.IncomingHandler = func(c *notifications.Client, message []byte) {
			s.handleCallFrame(ctx, c, message)
		}

		go client.WritePump()

		// Joining emits the first frame (LOBBY with the socket id), so the
		// write pump must already be draining.
		if tokenRoom != "" {
			err = s.callHub.JoinWithToken(ctx, client, tokenRoom)
		} else {
			err = s.callHub.EnqueueAnonymous(ctx, client)
		}
		if err != nil {
			log.Printf("WebSocket Call: join socket %s: %v", socketID, err)
			s.sendSocketError(client, err.Error())
			_ = conn.Close()
		}

		// Read pump runs in the main handler goroutine (blocking).
		client.ReadPump()

		wsLog.LogDisconnect(ctx, userID, tokenRoom, "socket closed")
		s.cleanupCallSocket(ctx, socketID, userID)
	})
}

// handleCallFrame dispatches one inbound call frame. Signaling verbs arrive
// in either canonical or kebab casing; both normalize to the protocol verb.
func (s *Server) handleCallFrame(ctx context.Context, c *notifications.Client, message []byte) {
	frame, err := notifications.DecodeFrame(message)
	if err != nil {
		s.sendSocketError(c, "Invalid frame")
		return
	}

	// Signaling floods are dropped silently; the peer just misses frames.
	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "socket", c.SocketID, socketActionLimit, time.Second)
	if !allowed {
		return
	}

	event := strings.ToUpper(strings.ReplaceAll(frame.Event, "-", "_"))
	switch event {
	case notifications.EventOffer,
		notifications.EventAnswer,
		notifications.EventAddIceCandidate,
		notifications.EventSendOffer,
		notifications.EventCallHeartbeat,
		notifications.EventUserEvent:
		if rerr := s.callHub.Relay(ctx, c, event, frame.Data); rerr != nil {
			log.Printf("WebSocket Call: relay %s from %s: %v", event, c.SocketID, rerr)
			s.sendSocketError(c, "Failed to relay")
		}

	case "SIGNAL":
		if rerr := s.callHub.Relay(ctx, c, notifications.EventSignal, frame.Data); rerr != nil {
			log.Printf("WebSocket Call: relay signal from %s: %v", c.SocketID, rerr)
			s.sendSocketError(c, "Failed to relay")
		}

	case notifications.EventLobby:
		// LOBBY is server-originated; an echo from the client is harmless.

	case notifications.EventEndCall:
		if eerr := s.callHub.EndCall(ctx, c.SocketID, false); eerr != nil {
			log.Printf("WebSocket Call: end call for %s: %v", c.SocketID, eerr)
			s.sendSocketError(c, "Failed to end call")
		}

	case "FRIEND_REQUEST":
		s.handleFriendRequestFrame(ctx, c, frame.Data)

	default:
		s.sendSocketError(c, "Unknown event")
	}
}

// cleanupCallSocket tears down a departed call socket: room teardown with
// peer notification, queue removal, and search-pool dequeues.
func (s *Server) cleanupCallSocket(ctx context.Context, socketID, userID string) {
	if err := s.callHub.EndCall(ctx, socketID, true); err != nil {
		log.Printf("WebSocket Call: teardown socket %s: %v", socketID, err)
	}

	if s.searchStore != nil {
		for _, pool := range []models.Pool{models.PoolChat, models.PoolCall} {
			if derr := s.searchStore.Dequeue(ctx, pool, userID); derr != nil {
				log.Printf("WebSocket Call: dequeue %s from %s: %v", userID, pool, derr)
			}
		}
	}
}
