package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Version  string
	Env      string
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func SetupRouter(app *fiber.App, chat *ChatHandler, admin *AdminHandler, cfg RouterConfig) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// Middleware
	app.Use(recover.New())
	app.Use(requestLogger(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "healthy",
			"version": cfg.Version,
			"env":     cfg.Env,
		})
	})
	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// API Versioning
	v1 := app.Group("/v1")
	v1.Post("/chat", chat.HandleChat)

	ops := v1.Group("/admin")
	ops.Post("/context-cache/clear", admin.ClearContextCache)
	ops.Post("/search-cache/clear", admin.ClearSearchCache)
	ops.Get("/search-metrics", admin.SearchMetrics)
}

func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Info("http request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("took", time.Since(start)),
		)
		return err
	}
}
