package server

import (
	"runtime"
	"time"

	"parley/internal/cache"

	"github.com/gofiber/fiber/v2"
)

// HealthStats handles GET /health
// @Summary Service statistics
// @Description Uptime, memory, scheduler-visible CPU stats, and the approximate number of users known to the chat namespace.
// @Tags health
// @Produce json
// @Success 200 {object} object{status=string,uptime=string,totalUsers=int}
// @Router /health [get]
func (s *Server) HealthStats(c *fiber.Ctx) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	// chat:users keeps one field per identified socket across all workers;
	// approximate is good enough for a stats page.
	var totalUsers int64
	if s.redis != nil {
		if n, err := s.redis.HLen(c.Context(), cache.ChatUsersKey).Result(); err == nil {
			totalUsers = n
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"memory": fiber.Map{
			"allocMB": mem.Alloc / 1024 / 1024,
			"sysMB":   mem.Sys / 1024 / 1024,
			"numGC":   mem.NumGC,
		},
		"cpu": fiber.Map{
			"cores":      runtime.NumCPU(),
			"goroutines": runtime.NumGoroutine(),
		},
		"totalUsers": totalUsers,
		"time":       time.Now(),
	})
}
