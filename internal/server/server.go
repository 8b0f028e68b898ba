// Package server wires the HTTP surface: search queues, heartbeats, SSE,
// the chat and call websocket namespaces, health, metrics, and docs.
package server

import (
	"context"
	"fmt"
	"log"
	"time"

	_ "parley/docs" // swagger docs
	"parley/internal/bootstrap"
	"parley/internal/config"
	"parley/internal/featureflags"
	"parley/internal/matcher"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/repository"
	"parley/internal/roomstate"
	"parley/internal/scheduler"
	"parley/internal/search"
	"parley/internal/service"
	"parley/internal/token"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// wireableHub is implemented by every WebSocket hub that can be wired to
// Redis pub/sub and gracefully shut down.
type wireableHub interface {
	Name() string
	StartWiring(ctx context.Context, n *notifications.Notifier) error
	Shutdown(ctx context.Context) error
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	startedAt      time.Time

	userRepo         repository.UserRepository
	friendRepo       repository.FriendRepository
	roomRepo         repository.RoomRepository
	messageRepo      repository.MessageRepository
	notificationRepo repository.NotificationRepository
	callRepo         repository.CallRepository

	searchStore *search.Store
	states      *roomstate.Machine
	pairTokens  *token.Issuer
	matchmaker  *matcher.Matcher
	leases      *scheduler.LeaseStore
	jobs        *scheduler.Scheduler

	notifier *notifications.Notifier
	presence *notifications.PresenceTracker
	chatHub  *notifications.ChatHub
	callHub  *notifications.CallHub
	hubs     []wireableHub // all hubs for wiring/shutdown iteration

	chatService         *service.ChatService
	notificationService *service.NotificationService
	friendService       *service.FriendService

	featureFlags *featureflags.Manager
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, redisClient, err := bootstrap.InitRuntime(cfg, bootstrap.Options{})
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB/Redis.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	friendRepo := repository.NewFriendRepository(db)
	roomRepo := repository.NewRoomRepository(db, redisClient)
	messageRepo := repository.NewMessageRepository(db, nil)
	notificationRepo := repository.NewNotificationRepository(db)
	callRepo := repository.NewCallRepository(db)

	// Initialize Prometheus metrics and the auth middleware secret
	prom := middleware.InitMetrics("parley-api")
	middleware.InitMiddleware(cfg)

	server := &Server{
		config:           cfg,
		db:               db,
		redis:            redisClient,
		promMiddleware:   prom,
		startedAt:        time.Now(),
		userRepo:         userRepo,
		friendRepo:       friendRepo,
		roomRepo:         roomRepo,
		messageRepo:      messageRepo,
		notificationRepo: notificationRepo,
		callRepo:         callRepo,
		pairTokens:       token.NewIssuer(cfg.JWTSecret),
		featureFlags:     featureflags.NewManager(cfg.FeatureFlags),
	}

	// Everything below rides Redis: pool state, room presence, pub/sub
	// fan-out, leases. Without a client those surfaces stay dark and the
	// readiness probe reports it.
	if redisClient != nil {
		server.searchStore = search.NewStore(redisClient)
		server.states = roomstate.NewMachine(redisClient, userRepo)
		server.matchmaker = matcher.New(
			server.searchStore,
			roomRepo,
			friendRepo,
			server.states,
			server.pairTokens,
			time.Duration(cfg.QueueIdleSeconds)*time.Second,
		)
		server.leases = scheduler.NewLeaseStore(redisClient)

		server.notifier = notifications.NewNotifier(redisClient)
		server.presence = notifications.NewPresenceTracker(redisClient)
		server.chatHub = notifications.NewChatHub()
		server.callHub = notifications.NewCallHub(redisClient, server.notifier, callRepo, server.featureFlags)
		server.hubs = []wireableHub{server.chatHub, server.callHub}

		server.chatService = service.NewChatService(messageRepo, redisClient, server.notifier)
		server.notificationService = service.NewNotificationService(notificationRepo, server.presence, server.notifier)
		server.friendService = service.NewFriendService(friendRepo, userRepo, server.notificationService)
	}

	return server, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	// Request spans. Runs after requestid so the span can record it.
	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}

	// Prometheus Metrics
	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS middleware should run before middlewares that can short-circuit (e.g. limiter)
	// so browser clients still receive CORS headers on error responses.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		// Never rate-limit preflight requests; they should be handled by CORS.
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	// Health checks
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.HealthStats)
	api.Get("/", s.ReadinessCheck)

	// Metrics endpoint for Prometheus
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "Parley Backend Metrics Dashboard",
	}))

	// Swagger documentation
	api.Get("/swagger/*", swagger.HandlerDefault)

	v1 := api.Group("/v1")

	// Search pools. The session token's subject must match :userId.
	searchRoutes := v1.Group("/search/:pool", middleware.AuthRequired)
	searchRoutes.Post("/start-search/:userId", middleware.RateLimit(
		s.redis, 30, time.Minute, "start_search"), s.StartSearch)
	searchRoutes.Post("/stop-search/:userId", middleware.RateLimit(
		s.redis, 30, time.Minute, "stop_search"), s.StopSearch)
	searchRoutes.Get("/:userId", s.PollMatch)

	// Room presence heartbeats authenticate with the pair token itself, so
	// anonymous lobby users can keep their rooms alive.
	v1.Post("/heartbeat", middleware.RateLimit(
		s.redis, 120, time.Minute, "heartbeat"), s.Heartbeat)

	// ICE server credentials for call setup.
	v1.Get("/webrtc/turn-credentials", middleware.AuthRequired, s.TURNCredentials)

	// Feature flag introspection for the frontend.
	v1.Get("/feature-flags", middleware.AuthRequired, s.GetFeatureFlags)

	// Server-sent events. Browsers cannot set headers on EventSource, so
	// the token arrives as a query parameter.
	app.Get("/sse/events", middleware.StreamAuthRequired, s.SSEEvents)

	// Socket namespaces. Handshake auth is a ?token= pair token handled
	// inside the handler; a missing token selects the anonymous flows.
	app.Get("/ws/chat", s.WebSocketChatHandler())
	app.Get("/ws/call", s.WebSocketCallHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		// Pools, presence, and fan-out all live in Redis; without it the
		// worker cannot serve its purpose.
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"message": "Parley",
		"version": "1.0.0",
		"status":  overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := fiber.New(fiber.Config{
		AppName: "Parley API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Custom error handler
			log.Printf("Error: %v", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	// Wire all hubs to Redis subscriber if available
	if s.notifier != nil {
		for _, h := range s.hubs {
			h := h
			go func() {
				if err := h.StartWiring(s.shutdownCtx, s.notifier); err != nil {
					log.Printf("failed to start %s wiring: %v", h.Name(), err)
				}
			}()
		}
	}

	// Recurring leased jobs: matching, presence sweep, subscription expiry.
	if s.leases != nil {
		s.jobs = scheduler.New(s.shutdownCtx, s.leases)
		jobs := []scheduler.Job{
			scheduler.MatcherJob(s.matchmaker, s.config.MatchIntervalSeconds),
			scheduler.PresenceSweepJob(s.states, s.config.SweepIntervalSeconds),
			scheduler.SubscriptionExpiryJob(s.userRepo),
		}
		for _, job := range jobs {
			if err := s.jobs.Register(job); err != nil {
				return fmt.Errorf("register %s: %w", job.Name, err)
			}
		}
		s.jobs.Start()
	}

	log.Printf("Server starting on port %s...", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Cancel the server-scoped context to stop all wiring goroutines
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	// Stop dispatching scheduler ticks; wait for in-flight jobs within the
	// caller's deadline.
	if s.jobs != nil {
		select {
		case <-s.jobs.Stop().Done():
		case <-ctx.Done():
			log.Printf("shutdown deadline reached before scheduled jobs finished")
		}
	}

	// Shutdown the HTTP/WS server
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			log.Printf("error shutting down HTTP server: %v", err)
		}
	}

	// Close WebSocket connections gracefully
	for _, h := range s.hubs {
		if err := h.Shutdown(ctx); err != nil {
			log.Printf("error shutting down %s: %v", h.Name(), err)
		}
	}

	// Close database connection
	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Printf("error closing sql DB: %v", cerr)
		}
	}

	// Close Redis connection
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			log.Printf("error closing redis: %v", rerr)
		}
	}

	log.Println("Server shutdown complete")
	return nil
}
