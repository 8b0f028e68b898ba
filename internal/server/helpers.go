package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper.  Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// errRedisUnavailable reports that a Redis-backed surface was reached while
// the worker has no client; the readiness probe surfaces the same condition.
var errRedisUnavailable = errors.New("redis unavailable")

// bearerToken extracts the token from an "Authorization: Bearer x" header,
// or "" when the header is absent or malformed.
func bearerToken(c *fiber.Ctx) string {
	parts := strings.Split(c.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
