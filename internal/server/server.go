package server

import (
	"time"

	"github.com/hookbridge/hookbridge/internal/controllers"
	"github.com/hookbridge/hookbridge/internal/middlewares"
	"github.com/hookbridge/hookbridge/internal/version"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type HTTPServerDependencies struct {
	DispatchController *controllers.DispatchController
}

func NewHTTPServer(deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName: "hookbridge",
	})

	router.Use(cors.New())
	router.Use(logger.New())
	router.Use(middlewares.RequestIDMiddleware())

	// Health check endpoint (no tenant scope)
	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "hookbridge",
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	tenant := router.Group("/tenants/:tenantID")

	tenant.Post("/dispatches", deps.DispatchController.DispatchWorkflow)
	tenant.Get("/runs", deps.DispatchController.ListRuns)
	tenant.Get("/runs/:runID", deps.DispatchController.GetRun)

	return router
}
