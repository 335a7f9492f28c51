package controller

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"outreach/store"
	"outreach/transport"
	"outreach/utils"
)

const connectionTestTimeout = 20 * time.Second

type AccountController struct {
	Store      *store.Store
	Transports transport.Factory
}

func NewAccountController(st *store.Store, transports transport.Factory) *AccountController {
	return &AccountController{Store: st, Transports: transports}
}

// GetAccount returns an account with its usage and health counters.
func (ac *AccountController) GetAccount(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid account ID", err)
	}
	account, err := ac.Store.GetAccount(c.UserContext(), id)
	if err != nil {
		return respondError(c, "get_account", err)
	}
	account.Sanitize()
	return c.JSON(success(fiber.Map{
		"account":   account,
		"remaining": account.Remaining(),
	}))
}

// TestConnection authenticates against the account's outgoing server
// without sending anything.
func (ac *AccountController) TestConnection(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid account ID", err)
	}
	account, err := ac.Store.GetAccount(c.UserContext(), id)
	if err != nil {
		return respondError(c, "test_connection", err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), connectionTestTimeout)
	defer cancel()

	start := time.Now()
	t, err := ac.Transports.For(ctx, account)
	if err == nil {
		err = t.TestConnection(ctx)
	}
	latency := time.Since(start)
	if err != nil {
		utils.LogEvent("connection_test_failed", map[string]interface{}{
			"account_id": id,
			"error":      err.Error(),
		})
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success":    false,
			"error":      "Connection test failed",
			"details":    err.Error(),
			"latency_ms": latency.Milliseconds(),
		})
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Connection successful",
		"latency_ms": latency.Milliseconds(),
	})
}
