package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"parley/internal/models"
	"parley/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// ssePingInterval is the keepalive cadence. Pings double as liveness probes:
// a failed flush is the only way the worker learns the browser went away.
const ssePingInterval = 25 * time.Second

// SSEEvents handles GET /sse/events, the per-user notification stream.
// EventSource cannot set headers, so StreamAuthRequired reads ?token=.
func (s *Server) SSEEvents(c *fiber.Ctx) error {
	if s.notifier == nil || s.presence == nil {
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewInternalError(errRedisUnavailable))
	}

	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Authorization required"))
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The stream writer runs after this handler returns, so it must not
	// touch the fiber context. Its lifetime is bounded by server shutdown.
	ctx := s.shutdownCtx
	if ctx == nil {
		ctx = context.Background()
	}

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		s.streamEvents(ctx, w, userID)
	}))
	return nil
}

// streamEvents owns one SSE connection: presence registration, the opening
// ping, the stored-notification flush, then live pub/sub delivery until the
// client goes away or the server shuts down.
func (s *Server) streamEvents(ctx context.Context, w *bufio.Writer, userID string) {
	observability.SSEConnections.Inc()
	defer observability.SSEConnections.Dec()

	if _, err := s.presence.Register(ctx, userID); err != nil {
		log.Printf("sse register %s: %v", userID, err)
	}
	defer func() {
		if err := s.presence.Unregister(ctx, userID); err != nil {
			log.Printf("sse unregister %s: %v", userID, err)
		}
	}()

	// One duplicated pub/sub client per connection. The subscribe must be
	// confirmed before the flush below, or flushed rows could slip past us.
	sub := s.notifier.SubscribeUser(ctx, userID)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		log.Printf("sse subscribe %s: %v", userID, err)
		return
	}
	ch := sub.Channel()

	totals, err := s.presence.Count(ctx)
	if err != nil {
		log.Printf("sse totals: %v", err)
	}
	opening, _ := json.Marshal(map[string]any{
		"userId":     userID,
		"totalUsers": totals,
	})
	if err := writeSSEFrame(w, "ping", opening); err != nil {
		return
	}

	// Deliver everything stored while the user had no stream open.
	if n, flushErr := s.notificationService.SendUnsentNotifications(ctx, userID); flushErr != nil {
		log.Printf("sse flush %s: %v", userID, flushErr)
	} else if n > 0 {
		log.Printf("sse flushed %d stored notifications to %s", n, userID)
	}

	keepalive := time.NewTicker(ssePingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, "notification", []byte(msg.Payload)); err != nil {
				return
			}
		case <-keepalive.C:
			beat, _ := json.Marshal(map[string]any{"time": time.Now().UnixMilli()})
			if err := writeSSEFrame(w, "ping", beat); err != nil {
				return
			}
		}
	}
}

// writeSSEFrame emits one event-stream frame and flushes it to the socket.
// A flush error means the client disconnected.
func writeSSEFrame(w *bufio.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
