package routes

import (
	"context"
	"time"

	"crmflow/middleware"
	"crmflow/queue"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupRoutes registers the operational endpoints and the internal API
func SetupRoutes(app *fiber.App, db *gorm.DB, q *queue.Queue, svc Services, logger logrus.FieldLogger) {
	app.Use(middleware.RequestLogger(logger))

	health := app.Group("/health")
	health.Get("/", healthHandler(db))
	health.Get("/queue", queueHandler(q))

	NewInternalController(svc, logger).register(app)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Endpoint not found",
		})
	})
}

func healthHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "unavailable"
		}

		status := fiber.StatusOK
		if dbStatus != "ok" {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":   "running",
			"database": dbStatus,
		})
	}
}

func queueHandler(q *queue.Queue) fiber.Handler {
	return func(c *fiber.Ctx) error {
		n, err := q.Len(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"success": true,
			"pending": n,
		})
	}
}
