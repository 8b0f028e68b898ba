package server

import (
	"github.com/gofiber/fiber/v2"
)

// TURNCredentials handles GET /api/v1/webrtc/turn-credentials
// @Summary ICE server list
// @Description STUN/TURN servers for the call namespace, shaped like an RTCConfiguration iceServers array.
// @Tags webrtc
// @Produce json
// @Success 200 {object} object{iceServers=[]object}
// @Failure 401 {object} models.ErrorResponse
// @Router /v1/webrtc/turn-credentials [get]
// @Security BearerAuth
func (s *Server) TURNCredentials(c *fiber.Ctx) error {
	servers := []fiber.Map{
		{"urls": "stun:stun.l.google.com:19302"},
	}
	if s.config.TURNURL != "" {
		servers = append(servers, fiber.Map{
			"urls":       s.config.TURNURL,
			"username":   s.config.TURNUsername,
			"credential": s.config.TURNPassword,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"iceServers": servers})
}
