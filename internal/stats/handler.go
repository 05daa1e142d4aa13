package stats

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Handler exposes the read-model endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// UserStats returns the stats of an account on the default network.
func (h *Handler) UserStats(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("accountId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	snap, err := h.service.GetStats(c.UserContext(), id, c.Query("network", DefaultNetwork))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(snap)
}

// Leaderboard returns the ranking for a network and timeframe.
func (h *Handler) Leaderboard(c *fiber.Ctx) error {
	entries, err := h.service.Leaderboard(c.UserContext(), c.Params("network"), c.Params("timeframe"))
	if errors.Is(err, ErrInvalidTimeframe) {
		return fiber.NewError(http.StatusBadRequest, "Invalid timeframe")
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(entries)
}
