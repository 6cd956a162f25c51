package api

import (
	"strconv"

	"github.com/basekick-labs/arc-geo/internal/metrics"
	"github.com/basekick-labs/arc-geo/internal/pivotregistry"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// PivotTaskHandler exposes the pivot registry over HTTP.
type PivotTaskHandler struct {
	registry *pivotregistry.Registry
	logger   zerolog.Logger
}

// NewPivotTaskHandler creates a new pivot task handler.
func NewPivotTaskHandler(registry *pivotregistry.Registry, logger zerolog.Logger) *PivotTaskHandler {
	return &PivotTaskHandler{
		registry: registry,
		logger:   logger.With().Str("component", "pivot-tasks-api").Logger(),
	}
}

// RegisterRoutes registers pivot task routes.
func (h *PivotTaskHandler) RegisterRoutes(app fiber.Router) {
	group := app.Group("/api/v1/geo/tasks")

	group.Get("/", h.listTasks)
	group.Get("/:id", h.getTask)
	group.Delete("/:id", h.cancelTask)
}

// listTasks returns running pivots and the most recent finished ones.
func (h *PivotTaskHandler) listTasks(c *fiber.Ctx) error {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 1000 {
				limit = 1000
			}
		}
	}

	active := h.registry.GetActive()
	history := h.registry.GetHistory(limit)

	return c.JSON(fiber.Map{
		"success":       true,
		"active":        active,
		"active_count":  len(active),
		"history":       history,
		"history_count": len(history),
	})
}

func (h *PivotTaskHandler) getTask(c *fiber.Ctx) error {
	p := h.registry.Get(c.Params("id"))
	if p == nil {
		return fail(c, fiber.StatusNotFound, "Pivot not found")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"pivot":   p,
	})
}

// cancelTask cancels a running pivot by ID.
func (h *PivotTaskHandler) cancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Cancel(id) {
		// finished pivots stay in history
		if p := h.registry.Get(id); p != nil {
			return fail(c, fiber.StatusConflict, "Pivot already "+string(p.Status))
		}
		return fail(c, fiber.StatusNotFound, "Pivot not found")
	}

	metrics.Get().IncPivotsCancelled()
	h.logger.Info().Str("pivot_id", id).Msg("Pivot cancelled via API")

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Pivot cancelled",
	})
}
