// Package router assembles the fiber application: middleware, routes and
// handlers.
package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/docchat/backend/internal/api/handlers"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/middleware/ratelimit"
	"github.com/docchat/backend/internal/middleware/security"
	"github.com/docchat/backend/internal/middleware/validation"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
)

type Deps struct {
	Documents handlers.DocumentService
	Chat      handlers.ChatService
	Checks    map[string]handlers.CheckFunc
	// Limiter is optional; nil disables rate limiting.
	Limiter *ratelimit.RateLimiter
	// AccessLog enables fiber's request logger.
	AccessLog bool
}

func New(cfg config.ServerConfig, deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if deps.AccessLog {
		app.Use(fiberlogger.New())
	}

	allowOrigins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Development}))

	system := handlers.NewSystemHandler(deps.Checks)
	app.Get("/", system.Root)
	app.Get("/health", system.Health)
	app.Get("/ready", system.Ready)
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("")
	if deps.Limiter != nil {
		api.Use(deps.Limiter.Middleware())
	}
	api.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.BodyLimit,
		Logger:          logger.GetLogger(),
	}))

	documentHandler := handlers.NewDocumentHandler(deps.Documents)
	api.Post("/upload-doc", documentHandler.UploadDocument)
	api.Get("/list-docs", documentHandler.ListDocuments)
	api.Post("/delete-doc", documentHandler.DeleteDocument)

	queryHandler := handlers.NewQueryHandler(deps.Chat)
	api.Post("/chat", queryHandler.HandleChat)

	wsHandler := handlers.NewWebSocketHandler(deps.Chat)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	return app
}
