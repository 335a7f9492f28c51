package controller

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"outreach/worker"
)

const pingInterval = 30 * time.Second

type EventController struct {
	Engagement *worker.Engagement
	Hub        *worker.Hub
	Log        logrus.FieldLogger
}

func NewEventController(engagement *worker.Engagement, hub *worker.Hub, log logrus.FieldLogger) *EventController {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EventController{Engagement: engagement, Hub: hub, Log: log.WithField("component", "events")}
}

// ReportComplaint records a spam complaint against a sent message.
func (ec *EventController) ReportComplaint(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid event ID", err)
	}
	disabled, err := ec.Engagement.Complaint(c.UserContext(), id)
	if err != nil {
		return respondError(c, "report_complaint", err)
	}
	return c.JSON(fiber.Map{
		"success":          true,
		"account_disabled": disabled,
	})
}

// StreamCampaignEvents pushes every new event of a campaign to the socket
// until the client goes away.
func (ec *EventController) StreamCampaignEvents(c *websocket.Conn) {
	defer c.Close()

	campaignID, err := parseID(c.Params("id"))
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": "Invalid campaign ID"})
		return
	}
	log := ec.Log.WithField("campaign_id", campaignID)

	feed, unsubscribe := ec.Hub.Subscribe(campaignID)
	defer unsubscribe()

	// The client never sends anything we need; reading detects a close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case event, ok := <-feed:
			if !ok {
				return
			}
			body, err := json.Marshal(event)
			if err != nil {
				log.WithError(err).Warn("failed to encode event")
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, body); err != nil {
				log.WithError(err).Debug("event stream closed")
				return
			}
		case <-ping.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
