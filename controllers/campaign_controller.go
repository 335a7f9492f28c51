package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outreach/store"
	"outreach/utils"
	"outreach/worker"
)

const maxEnrollBatch = 1000

type CampaignController struct {
	Store     *store.Store
	Sequencer *worker.Sequencer
	Log       logrus.FieldLogger
}

func NewCampaignController(st *store.Store, seq *worker.Sequencer, log logrus.FieldLogger) *CampaignController {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CampaignController{Store: st, Sequencer: seq, Log: log.WithField("component", "campaigns")}
}

// GetCampaign returns a campaign with its sequence.
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	campaign, err := cc.Store.GetCampaignWithSteps(c.UserContext(), id)
	if err != nil {
		return respondError(c, "get_campaign", err)
	}
	return c.JSON(success(campaign))
}

// ActivateCampaign starts a draft campaign or resumes a paused one.
func (cc *CampaignController) ActivateCampaign(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	campaign, err := cc.Sequencer.Activate(c.UserContext(), id)
	if err != nil {
		return respondError(c, "activate_campaign", err)
	}
	utils.LogEvent("campaign_activated", map[string]interface{}{
		"campaign_id": id,
		"ip":          c.IP(),
	})
	return c.JSON(success(campaign))
}

// PauseCampaign stops new sends. Queued jobs become no-ops until the campaign
// is activated again.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	if err := cc.Sequencer.Pause(c.UserContext(), id); err != nil {
		return respondError(c, "pause_campaign", err)
	}
	utils.LogEvent("campaign_paused", map[string]interface{}{"campaign_id": id})
	return c.JSON(fiber.Map{"success": true, "message": "Campaign paused"})
}

// EnrollProspects adds prospects to a campaign.
func (cc *CampaignController) EnrollProspects(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}

	var input struct {
		Prospects []worker.ProspectInput `json:"prospects" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if len(input.Prospects) > maxEnrollBatch {
		return errorResponse(c, fiber.StatusRequestEntityTooLarge, "Too many prospects in one request", nil)
	}

	result, err := cc.Sequencer.Enroll(c.UserContext(), id, input.Prospects)
	if err != nil && result == nil {
		return respondError(c, "enroll_prospects", err)
	}
	if err != nil {
		// Prospects were stored but could not be scheduled yet.
		cc.Log.WithError(err).WithField("campaign_id", id).Warn("enrolled prospects left unscheduled")
	}
	return c.Status(fiber.StatusCreated).JSON(success(result))
}

// GetCampaignStats summarizes prospects and events of a campaign.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", err)
	}
	if _, err := cc.Store.GetCampaign(c.UserContext(), id); err != nil {
		return respondError(c, "campaign_stats", err)
	}
	stats, err := cc.Store.CampaignStats(c.UserContext(), id)
	if err != nil {
		return respondError(c, "campaign_stats", err)
	}
	return c.JSON(success(stats))
}
