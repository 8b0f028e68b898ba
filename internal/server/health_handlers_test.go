package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"parley/internal/cache"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthStats(t *testing.T) {
	fx := newServerFixture(t)
	app := fiber.New()
	app.Get("/health", fx.srv.HealthStats)

	// Two identified sockets known to the chat namespace.
	require.NoError(t, fx.rdb.HSet(context.Background(), cache.ChatUsersKey,
		"sock-1", "user-1",
		"sock-2", "user-2",
	).Err())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status     string `json:"status"`
		Uptime     string `json:"uptime"`
		TotalUsers int64  `json:"totalUsers"`
		Memory     struct {
			NumGC uint32 `json:"numGC"`
		} `json:"memory"`
		CPU struct {
			Cores      int `json:"cores"`
			Goroutines int `json:"goroutines"`
		} `json:"cpu"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.Equal(t, "ok", out.Status)
	assert.NotEmpty(t, out.Uptime)
	assert.Equal(t, int64(2), out.TotalUsers)
	assert.Positive(t, out.CPU.Cores)
	assert.Positive(t, out.CPU.Goroutines)
}
