package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreChecker is satisfied by the Redis store.
type StoreChecker interface {
	HealthCheck(ctx context.Context) error
}

// SinkChecker is satisfied by the relay.
type SinkChecker interface {
	HealthCheck() error
}

func RegisterRoutes(app *fiber.App, st StoreChecker, relay SinkChecker, handler *ChannelHandler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"store": "ok",
			"relay": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if st == nil {
			checks["store"] = "disabled"
		} else if err := st.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		if relay == nil {
			checks["relay"] = "disabled"
		} else if err := relay.HealthCheck(); err != nil {
			checks["relay"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status":   status,
			"checks":   checks,
			"channels": len(handler.channels.Channels()),
		})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/channels", handler.ListChannels)
	v1.Post("/channels/:id/balances", handler.Balances)
	v1.Post("/channels/:id/positions", handler.Positions)
	v1.Delete("/channels/:id", handler.Disconnect)
	v1.Get("/quotes/:rfqId", handler.GetQuote)
}
