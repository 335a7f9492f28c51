package controller

import (
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outreach/store"
	"outreach/utils"
	"outreach/worker"
)

// TrackingController serves the public links embedded in sent mail.
type TrackingController struct {
	Engagement *worker.Engagement
	Log        logrus.FieldLogger
}

func NewTrackingController(engagement *worker.Engagement, log logrus.FieldLogger) *TrackingController {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TrackingController{Engagement: engagement, Log: log.WithField("component", "tracking")}
}

func requestMeta(c *fiber.Ctx) map[string]interface{} {
	return map[string]interface{}{
		"ip":         c.IP(),
		"user_agent": c.Get(fiber.HeaderUserAgent),
	}
}

// HandleOpen records an open and always answers with the pixel, so a broken
// tracking id never shows as a broken image.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	trackingID := c.Params("id")
	if _, err := tc.Engagement.Open(c.UserContext(), trackingID, requestMeta(c)); err != nil && !errors.Is(err, store.ErrNotFound) {
		tc.Log.WithError(err).WithField("tracking_id", trackingID).Warn("failed to record open")
	}
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	return c.Type("gif").Send(transparentPixel())
}

// HandleClick records a click and redirects to the original link. Only
// signed links belonging to a known send are followed.
func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	target := c.Query("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid link")
	}

	trackingID := c.Params("id")
	_, err = tc.Engagement.SignedClick(c.UserContext(), trackingID, target, c.Query("sig"), requestMeta(c))
	switch {
	case errors.Is(err, utils.ErrInvalidClickSignature), errors.Is(err, store.ErrNotFound):
		tc.Log.WithField("tracking_id", trackingID).Debug("rejected click link")
		return c.Status(fiber.StatusNotFound).SendString("Link not found")
	case err != nil:
		tc.Log.WithError(err).WithField("tracking_id", trackingID).Warn("failed to record click")
	}
	return c.Redirect(u.String(), fiber.StatusFound)
}

// HandleUnsubscribe serves both the footer link (GET) and one-click
// List-Unsubscribe-Post requests (POST).
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	source := "link"
	if c.Method() == fiber.MethodPost {
		source = "one-click"
	}
	if _, err := tc.Engagement.Unsubscribe(c.UserContext(), c.Params("token"), source); err != nil {
		return respondError(c, "unsubscribe", err)
	}
	if source == "one-click" {
		return c.SendStatus(fiber.StatusOK)
	}
	c.Type("html")
	return c.SendString("<!doctype html><html><body><p>You have been unsubscribed and will not receive further emails.</p></body></html>")
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
