// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"log"

	"parley/internal/models"
	"parley/internal/validation"

	"github.com/gofiber/fiber/v2"
)

// searchParams validates the :pool route parameter and enforces that the
// session token's subject matches the :userId being operated on. On failure
// it writes the response and returns errResponseWritten.
func (s *Server) searchParams(c *fiber.Ctx) (models.Pool, string, error) {
	if s.searchStore == nil {
		_ = models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewInternalError(errRedisUnavailable))
		return "", "", errResponseWritten
	}

	pool := models.Pool(c.Params("pool"))
	if !models.ValidPool(pool) {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Unknown search pool"))
		return "", "", errResponseWritten
	}

	userID := c.Params("userId")
	authedID, _ := c.Locals("userID").(string)
	if userID == "" || authedID != userID {
		_ = models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Token does not match user"))
		return "", "", errResponseWritten
	}

	return pool, userID, nil
}

// StartSearch handles POST /api/v1/search/:pool/start-search/:userId
// @Summary Enter a search pool
// @Description Adds the caller to the chat or call pairing pool. Interests bias the matcher toward partners with overlapping tags.
// @Tags search
// @Accept json
// @Produce json
// @Param pool path string true "Pool name" Enums(chat, call)
// @Param userId path string true "Caller's user id (must match the token subject)"
// @Param request body object{username=string,interests=[]string} false "Optional identity and interest tags"
// @Success 200 {object} object{data=object{user=string}}
// @Failure 401 {object} models.ErrorResponse
// @Router /v1/search/{pool}/start-search/{userId} [post]
// @Security BearerAuth
func (s *Server) StartSearch(c *fiber.Ctx) error {
	ctx := c.Context()
	pool, userID, err := s.searchParams(c)
	if err != nil {
		return nil
	}

	var req struct {
		Username  string   `json:"username"`
		Interests []string `json:"interests"`
	}
	// The body is optional; anonymous clients enqueue with no payload at all.
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Invalid request body"))
		}
	}

	if req.Username != "" {
		if verr := validation.ValidateUsername(req.Username); verr != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError(verr.Error()))
		}
	} else {
		// Registered callers usually have a row; ephemeral ids stay nameless
		// and are allowed to match anyone.
		if user, lookupErr := s.userRepo.GetByID(ctx, userID); lookupErr == nil {
			req.Username = user.Username
		}
	}
	req.Interests = validation.NormalizeInterests(req.Interests)

	if err := s.searchStore.Enqueue(ctx, pool, userID, req.Username, req.Interests); err != nil {
		log.Printf("start search %s/%s: %v", pool, userID, err)
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{"user": userID},
	})
}

// StopSearch handles POST /api/v1/search/:pool/stop-search/:userId
// @Summary Leave a search pool
// @Description Removes the caller from every pool container. Safe to call when not queued.
// @Tags search
// @Produce json
// @Param pool path string true "Pool name" Enums(chat, call)
// @Param userId path string true "Caller's user id (must match the token subject)"
// @Success 200 {object} object{data=object{user=string}}
// @Failure 401 {object} models.ErrorResponse
// @Router /v1/search/{pool}/stop-search/{userId} [post]
// @Security BearerAuth
func (s *Server) StopSearch(c *fiber.Ctx) error {
	ctx := c.Context()
	pool, userID, err := s.searchParams(c)
	if err != nil {
		return nil
	}

	if err := s.searchStore.Dequeue(ctx, pool, userID); err != nil {
		log.Printf("stop search %s/%s: %v", pool, userID, err)
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{"user": userID},
	})
}

// PollMatch handles GET /api/v1/search/:pool/:userId
// @Summary Poll for a match
// @Description Consumes the caller's match tuple if one is waiting. The read deletes the tuple, so exactly one poll observes a given match. A miss refreshes the caller's queue heartbeat.
// @Tags search
// @Produce json
// @Param pool path string true "Pool name" Enums(chat, call)
// @Param userId path string true "Caller's user id (must match the token subject)"
// @Success 200 {object} object{data=models.MatchTuple}
// @Failure 404 {object} models.ErrorResponse
// @Router /v1/search/{pool}/{userId} [get]
// @Security BearerAuth
func (s *Server) PollMatch(c *fiber.Ctx) error {
	ctx := c.Context()
	pool, userID, err := s.searchParams(c)
	if err != nil {
		return nil
	}

	match, err := s.searchStore.ReadMatch(ctx, pool, userID)
	if err != nil {
		log.Printf("poll match %s/%s: %v", pool, userID, err)
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	if match == nil {
		// Not matched yet. The poll doubles as a queue keepalive so pollers
		// survive the inactivity sweep.
		if hbErr := s.searchStore.Heartbeat(ctx, pool, userID); hbErr != nil {
			log.Printf("poll heartbeat %s/%s: %v", pool, userID, hbErr)
		}
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("match for user", userID))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": match})
}
