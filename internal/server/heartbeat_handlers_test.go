package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heartbeatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
	State   string `json:"state"`
}

func postHeartbeat(t *testing.T, app *fiber.App, target string, body string, header http.Header) (heartbeatResponse, int) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out heartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out, resp.StatusCode
}

func TestHeartbeat(t *testing.T) {
	newApp := func(s *Server) *fiber.App {
		app := fiber.New()
		app.Post("/heartbeat", s.Heartbeat)
		return app
	}

	t.Run("Requires Identifiers", func(t *testing.T) {
		fx := newServerFixture(t)
		out, status := postHeartbeat(t, newApp(fx.srv), "/heartbeat", "", nil)

		assert.Equal(t, http.StatusBadRequest, status)
		assert.False(t, out.Success)
		assert.Equal(t, "Heartbeat requires roomId and senderId", out.Message)
	})

	t.Run("Identifiers From The Body", func(t *testing.T) {
		fx := newServerFixture(t)
		ctx := context.Background()
		require.NoError(t, fx.srv.states.Init(ctx, "room-1", models.RoomTypeChat, "u1", "u2"))

		out, status := postHeartbeat(t, newApp(fx.srv), "/heartbeat", `{"roomId":"room-1","senderId":"u1"}`, nil)

		assert.Equal(t, http.StatusOK, status)
		assert.True(t, out.Success)
		assert.Equal(t, "Heartbeat recorded", out.Message)
		assert.Equal(t, 1, out.Count)
		assert.Equal(t, string(models.OccupantOnline), out.State)
	})

	t.Run("Identifiers From A Pair Token", func(t *testing.T) {
		fx := newServerFixture(t)
		ctx := context.Background()
		require.NoError(t, fx.srv.states.Init(ctx, "room-2", models.RoomTypeChat, "u1", "u2"))
		tok, err := fx.srv.pairTokens.Issue("u1", "u2", "room-2", "ada", "bob")
		require.NoError(t, err)

		app := newApp(fx.srv)

		// Body field, query parameter, and bearer header all resolve the
		// same identity.
		out, status := postHeartbeat(t, app, "/heartbeat", fmt.Sprintf(`{"token":%q}`, tok), nil)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, out.Success)
		assert.Equal(t, 1, out.Count)

		out, _ = postHeartbeat(t, app, "/heartbeat?token="+tok, "", nil)
		assert.True(t, out.Success)
		assert.Equal(t, 2, out.Count)

		out, _ = postHeartbeat(t, app, "/heartbeat", "", http.Header{"Authorization": []string{"Bearer " + tok}})
		assert.True(t, out.Success)
		assert.Equal(t, 3, out.Count)
	})

	t.Run("Garbage Token Is Rejected", func(t *testing.T) {
		fx := newServerFixture(t)

		out, status := postHeartbeat(t, newApp(fx.srv), "/heartbeat?token=not-a-jwt", "", nil)

		assert.Equal(t, http.StatusBadRequest, status)
		assert.False(t, out.Success)
		assert.Equal(t, "Heartbeat requires roomId and senderId", out.Message)
	})

	t.Run("Unknown Room", func(t *testing.T) {
		fx := newServerFixture(t)

		out, status := postHeartbeat(t, newApp(fx.srv), "/heartbeat", `{"roomId":"ghost","senderId":"u1"}`, nil)

		assert.Equal(t, http.StatusBadRequest, status)
		assert.False(t, out.Success)
		assert.Equal(t, "room_not_found", out.Message)
	})

	t.Run("Sender Outside The Room", func(t *testing.T) {
		fx := newServerFixture(t)
		ctx := context.Background()
		require.NoError(t, fx.srv.states.Init(ctx, "room-3", models.RoomTypeChat, "u1", "u2"))

		out, status := postHeartbeat(t, newApp(fx.srv), "/heartbeat", `{"roomId":"room-3","senderId":"intruder"}`, nil)

		assert.Equal(t, http.StatusBadRequest, status)
		assert.False(t, out.Success)
		assert.Equal(t, "user_not_in_room", out.Message)
	})

	t.Run("Reports Redis Outage", func(t *testing.T) {
		app := newApp(&Server{})

		req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(nil))
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
