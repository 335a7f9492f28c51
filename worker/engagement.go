package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"outreach/health"
	"outreach/models"
	"outreach/store"
	"outreach/utils"
)

// Engagement records opens, clicks, unsubscribes and complaints against the
// send they belong to.
type Engagement struct {
	store   *store.Store
	health  *health.Tracker
	tracker *utils.Tracker
	events  Publisher
	log     logrus.FieldLogger
}

func NewEngagement(st *store.Store, tracker *health.Tracker, links *utils.Tracker, events Publisher, log logrus.FieldLogger) *Engagement {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engagement{store: st, health: tracker, tracker: links, events: events, log: log.WithField("component", "engagement")}
}

// Open records a tracking pixel load.
func (e *Engagement) Open(ctx context.Context, trackingID string, meta map[string]interface{}) (*models.EmailEvent, error) {
	return e.record(ctx, trackingID, models.EventOpened, meta, models.ScoreOpen)
}

// Click records a tracked link visit.
func (e *Engagement) Click(ctx context.Context, trackingID, url string, meta map[string]interface{}) (*models.EmailEvent, error) {
	data := map[string]interface{}{"url": url}
	for k, v := range meta {
		data[k] = v
	}
	return e.record(ctx, trackingID, models.EventClicked, data, models.ScoreClick)
}

// SignedClick verifies a click link's signature before recording it. Links
// that were not produced for this send return utils.ErrInvalidClickSignature.
func (e *Engagement) SignedClick(ctx context.Context, trackingID, url, signature string, meta map[string]interface{}) (*models.EmailEvent, error) {
	if err := e.tracker.VerifyClick(trackingID, url, signature); err != nil {
		return nil, err
	}
	return e.Click(ctx, trackingID, url, meta)
}

func (e *Engagement) record(ctx context.Context, trackingID string, typ models.EventType, data map[string]interface{}, score int) (*models.EmailEvent, error) {
	sent, err := e.store.FindSentByTrackingID(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	event, first, err := e.store.RecordEngagement(ctx, sent, typ, data, score)
	if err != nil {
		return nil, err
	}
	e.events.Publish(event)
	if first {
		e.log.WithFields(logrus.Fields{
			"prospect_id": sent.ProspectID,
			"type":        typ,
		}).Debug("first engagement recorded")
	}
	return event, nil
}

// Unsubscribe resolves a signed unsubscribe token and ends the prospect's
// sequence. Repeated requests succeed without recording anything new.
func (e *Engagement) Unsubscribe(ctx context.Context, token, source string) (*models.EmailEvent, error) {
	trackingID, err := e.tracker.ParseUnsubscribeToken(token)
	if err != nil {
		return nil, err
	}
	sent, err := e.store.FindSentByTrackingID(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	return e.unsubscribe(ctx, sent, source)
}

func (e *Engagement) unsubscribe(ctx context.Context, sent *models.EmailEvent, source string) (*models.EmailEvent, error) {
	event, created, err := e.store.RecordUnsubscribe(ctx, sent, source)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	e.events.Publish(event)
	if _, err := e.store.CompleteCampaignIfDone(ctx, sent.CampaignID); err != nil {
		e.log.WithError(err).WithField("campaign_id", sent.CampaignID).Warn("failed to check campaign completion")
	}
	utils.LogEvent("prospect_unsubscribed", map[string]interface{}{
		"prospect_id": sent.ProspectID,
		"campaign_id": sent.CampaignID,
		"source":      source,
	})
	return event, nil
}

// Complaint records a spam complaint about a sent message. The sending
// account's complaint count goes up and the prospect is unsubscribed.
func (e *Engagement) Complaint(ctx context.Context, sentEventID uint) (bool, error) {
	sent, err := e.store.GetEvent(ctx, sentEventID)
	if err != nil {
		return false, err
	}
	if sent.Type != models.EventSent {
		return false, fmt.Errorf("event %d is %s, not a sent message: %w", sent.ID, sent.Type, store.ErrNotFound)
	}
	disabled, err := e.health.Complaint(ctx, sent.EmailAccountID)
	if err != nil {
		return false, err
	}
	if _, err := e.unsubscribe(ctx, sent, "complaint"); err != nil {
		return disabled, err
	}
	return disabled, nil
}
