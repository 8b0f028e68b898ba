package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/featureflags"
	"parley/internal/repository"
	"parley/internal/roomstate"
	"parley/internal/search"
	"parley/internal/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// serverFixture assembles a Server on in-memory dependencies: sqlite for the
// persistent stores and miniredis for the pool, presence, and cache surfaces.
// Tests register the handlers under test on a bare Fiber app.
type serverFixture struct {
	srv *Server
	rdb *redis.Client
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database.PersistentModels()...))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{JWTSecret: "fixture-secret", Env: "test"}
	userRepo := repository.NewUserRepository(db)

	srv := &Server{
		config:       cfg,
		db:           db,
		redis:        rdb,
		startedAt:    time.Now(),
		userRepo:     userRepo,
		searchStore:  search.NewStore(rdb),
		states:       roomstate.NewMachine(rdb, userRepo),
		pairTokens:   token.NewIssuer(cfg.JWTSecret),
		featureFlags: featureflags.NewManager(cfg.FeatureFlags),
	}
	return &serverFixture{srv: srv, rdb: rdb}
}

// authAs injects the session identity the way AuthRequired does after
// verifying a bearer token.
func authAs(userID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("userID", userID)
		return c.Next()
	}
}

func TestBearerToken(t *testing.T) {
	app := fiber.New()
	var got string
	app.Get("/", func(c *fiber.Ctx) error {
		got = bearerToken(c)
		return c.SendStatus(fiber.StatusOK)
	})

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"Well Formed", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"Missing Header", "", ""},
		{"Wrong Scheme", "Basic abc", ""},
		{"No Token", "Bearer", ""},
		{"Too Many Parts", "Bearer one two", ""},
	}

	for _, tt := range tests {
		tt := tt // capture range variable
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.want, got)
		})
	}
}
