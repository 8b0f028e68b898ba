package server

import (
	"log"

	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
)

// heartbeatRequest is the POST /api/v1/heartbeat body. Identifiers may come
// from the body directly or from a pair token (body field, query parameter,
// or bearer header), whichever the client finds easiest to plumb.
type heartbeatRequest struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Token    string `json:"token"`
}

// Heartbeat handles POST /api/v1/heartbeat
// @Summary Report room presence
// @Description Refreshes the caller's occupant slot in the room's presence record. Every tenth beat may award engagement points. Identified by (roomId, senderId) from the body or from a pair token.
// @Tags presence
// @Accept json
// @Produce json
// @Param request body heartbeatRequest false "Room and sender, or a pair token carrying both"
// @Success 200 {object} object{success=bool,message=string,count=int,state=string}
// @Failure 400 {object} object{success=bool,message=string}
// @Router /v1/heartbeat [post]
func (s *Server) Heartbeat(c *fiber.Ctx) error {
	ctx := c.Context()
	if s.states == nil {
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewInternalError(errRedisUnavailable))
	}

	var req heartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Invalid request body"))
		}
	}

	roomID, senderID := req.RoomID, req.SenderID
	if roomID == "" || senderID == "" {
		// Fall back to a pair token. Verify is fail-soft: a bad token just
		// leaves the claims zeroed and we reject below.
		raw := req.Token
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			raw = bearerToken(c)
		}
		if claims := s.pairTokens.Verify(raw); claims.RoomID != "" {
			roomID, senderID = claims.RoomID, claims.SenderID
		}
	}
	if roomID == "" || senderID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Heartbeat requires roomId and senderId",
		})
	}

	result, err := s.states.Heartbeat(ctx, roomID, senderID)
	if err != nil {
		log.Printf("heartbeat %s/%s: %v", roomID, senderID, err)
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	if !result.OK {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": string(result.Reason),
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "Heartbeat recorded",
		"count":   result.Count,
		"state":   result.PeerState,
	})
}
