package controller

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"outreach/store"
	"outreach/utils"
	"outreach/worker"
)

// errorResponse writes the error envelope used by every API endpoint.
func errorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

func success(data interface{}) fiber.Map {
	return fiber.Map{"success": true, "data": data}
}

// respondError maps engine errors to HTTP statuses. Anything unexpected is
// reported and returned as a 500.
func respondError(c *fiber.Ctx, action string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errorResponse(c, fiber.StatusNotFound, "Not found", err)
	case errors.Is(err, store.ErrTransitionRejected):
		return errorResponse(c, fiber.StatusConflict, "Not allowed in the current state", err)
	case errors.Is(err, worker.ErrNoSteps), errors.Is(err, worker.ErrNoAccounts):
		return errorResponse(c, fiber.StatusUnprocessableEntity, "Campaign is not ready", err)
	case errors.Is(err, utils.ErrInvalidUnsubscribeToken):
		return errorResponse(c, fiber.StatusBadRequest, "Invalid link", nil)
	}
	utils.LogError(action+"_failed", err, map[string]interface{}{
		"path":   c.Path(),
		"method": c.Method(),
	})
	return errorResponse(c, fiber.StatusInternalServerError, "Internal error", nil)
}

// paramID reads the positive numeric :id path parameter.
func paramID(c *fiber.Ctx) (uint, error) {
	return parseID(c.Params("id"))
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}
