package ops

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/keeldb/keel/internal/logging"
)

// Setup configures the ops routes on a fiber app. Read endpoints are
// open; the mutating ones go through API key auth when keys are set.
func Setup(app *fiber.App, logger *logging.Logger, h *Handler, apiKeys []string) {
	app.Use(recover.New())
	app.Use(logging.RequestLogger(logger))

	auth := apiKeyAuth(logger, apiKeys)

	app.Get("/health", h.Health)

	v1 := app.Group("/v1")
	v1.Get("/actions", h.Actions)
	v1.Get("/errors", h.Errors)
	v1.Delete("/errors/:shard", auth, h.ClearError)
	v1.Get("/state", h.State)
	v1.Post("/reconcile", auth, h.Reconcile)

	app.Use(h.NotFound)
}
