package controller

import (
	"github.com/gofiber/fiber/v2"

	"outreach/utils"
	"outreach/worker"
)

type ProspectController struct {
	Sequencer *worker.Sequencer
}

func NewProspectController(seq *worker.Sequencer) *ProspectController {
	return &ProspectController{Sequencer: seq}
}

// ReopenProspect puts a completed prospect back into its sequence.
func (pc *ProspectController) ReopenProspect(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid prospect ID", err)
	}
	p, err := pc.Sequencer.Reopen(c.UserContext(), id)
	if err != nil {
		return respondError(c, "reopen_prospect", err)
	}
	return c.JSON(success(p))
}

// SetOutcome marks the lead as won or lost, which ends its sequence.
func (pc *ProspectController) SetOutcome(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid prospect ID", err)
	}
	var input struct {
		Outcome string `json:"outcome" validate:"required,oneof=won lost"`
	}
	if err := c.BodyParser(&input); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	p, err := pc.Sequencer.Outcome(c.UserContext(), id, input.Outcome)
	if err != nil {
		return respondError(c, "set_outcome", err)
	}
	utils.LogEvent("lead_outcome", map[string]interface{}{
		"prospect_id": id,
		"outcome":     input.Outcome,
	})
	return c.JSON(success(p))
}
