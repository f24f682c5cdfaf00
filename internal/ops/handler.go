package ops

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/keeldb/keel/internal/logging"
	"github.com/keeldb/keel/internal/maintenance"
	"github.com/keeldb/keel/internal/reconcile"
	"github.com/keeldb/keel/internal/state"
)

// Handler serves the operational endpoints of a maintenance node:
// health, in-flight actions, accumulated shard errors, local state
// summary, and a manual reconcile trigger.
type Handler struct {
	logger     *logging.Logger
	serverID   string
	registry   *maintenance.ActionRegistry
	errors     *maintenance.Errors
	store      *state.Store
	reconciler *reconcile.Reconciler
	startedAt  time.Time
}

// New creates a handler instance.
func New(
	logger *logging.Logger,
	serverID string,
	registry *maintenance.ActionRegistry,
	errs *maintenance.Errors,
	store *state.Store,
	reconciler *reconcile.Reconciler,
) *Handler {
	return &Handler{
		logger:     logger,
		serverID:   serverID,
		registry:   registry,
		errors:     errs,
		store:      store,
		reconciler: reconciler,
		startedAt:  time.Now(),
	}
}

// Health handles health check requests
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"serverId":  h.serverID,
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Actions lists the in-flight maintenance actions keyed by their lock.
func (h *Handler) Actions(c *fiber.Ctx) error {
	snapshot := h.registry.Snapshot()
	actions := make(map[string]fiber.Map, len(snapshot))
	for key, action := range snapshot {
		actions[key] = fiber.Map{
			"id":         action.ID(),
			"name":       action.Name(),
			"priority":   action.Priority(),
			"properties": action.String(),
		}
	}
	return c.JSON(fiber.Map{
		"count":   len(actions),
		"actions": actions,
	})
}

// Errors lists the accumulated per-shard action failures.
func (h *Handler) Errors(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"count":  h.errors.Len(),
		"errors": h.errors.Snapshot(),
	})
}

// ClearError drops the recorded failure for one shard so the next pass
// retries its action.
func (h *Handler) ClearError(c *fiber.Ctx) error {
	shard := c.Params("shard")
	h.errors.Clear(shard)
	h.logger.Info("Cleared shard error", "shard", shard)
	return c.JSON(fiber.Map{"shard": shard, "cleared": true})
}

// State summarizes the local state store.
func (h *Handler) State(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"databases": h.store.Databases(),
		"shards":    h.store.ShardCount(),
	})
}

// Reconcile forces one full reconciliation pass.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	if err := h.reconciler.ForceCheck(c.UserContext()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"triggered": true})
}

// NotFound handles 404 errors
func (h *Handler) NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "Route not found",
		"path":  c.Path(),
	})
}
