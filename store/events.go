package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"outreach/models"
)

func isRejected(err error) bool {
	return errors.Is(err, ErrTransitionRejected)
}

func (s *Store) CreateEvent(ctx context.Context, event *models.EmailEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to record %s event: %w", event.Type, err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uint) (*models.EmailEvent, error) {
	var e models.EmailEvent
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, wrapNotFound(err, "event", id)
	}
	return &e, nil
}

// FindSentEvent returns the SENT event of a prospect for a step, if any.
func (s *Store) FindSentEvent(ctx context.Context, prospectID, stepID uint) (*models.EmailEvent, error) {
	var e models.EmailEvent
	err := s.db.WithContext(ctx).
		Where("type = ? AND prospect_id = ? AND sequence_step_id = ?", models.EventSent, prospectID, stepID).
		Order("id ASC").
		First(&e).Error
	if err != nil {
		return nil, wrapNotFound(err, "sent event for prospect", prospectID)
	}
	return &e, nil
}

// LatestSentEvent returns the most recent SENT event of a prospect, used to
// thread follow-ups.
func (s *Store) LatestSentEvent(ctx context.Context, prospectID uint) (*models.EmailEvent, error) {
	var e models.EmailEvent
	err := s.db.WithContext(ctx).
		Where("type = ? AND prospect_id = ?", models.EventSent, prospectID).
		Order("occurred_at DESC, id DESC").
		First(&e).Error
	if err != nil {
		return nil, wrapNotFound(err, "sent event for prospect", prospectID)
	}
	return &e, nil
}

// SentMessageIDs lists the Message-IDs of every SENT event of a prospect in
// send order.
func (s *Store) SentMessageIDs(ctx context.Context, prospectID uint) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.EmailEvent{}).
		Where("type = ? AND prospect_id = ? AND message_id <> ''", models.EventSent, prospectID).
		Order("occurred_at ASC, id ASC").
		Pluck("message_id", &ids).Error
	return ids, err
}

// FindSentByMessageIDs returns the SENT event of the account whose Message-ID
// is one of ids.
func (s *Store) FindSentByMessageIDs(ctx context.Context, accountID uint, ids []string) (*models.EmailEvent, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no message ids: %w", ErrNotFound)
	}
	var e models.EmailEvent
	err := s.db.WithContext(ctx).
		Where("type = ? AND email_account_id = ? AND message_id IN ?", models.EventSent, accountID, ids).
		Order("id DESC").
		First(&e).Error
	if err != nil {
		return nil, wrapNotFound(err, "sent event on account", accountID)
	}
	return &e, nil
}

// FindSentByTrackingID resolves a tracking id from a beacon, redirect or
// unsubscribe link to its SENT event.
func (s *Store) FindSentByTrackingID(ctx context.Context, trackingID string) (*models.EmailEvent, error) {
	var e models.EmailEvent
	err := s.db.WithContext(ctx).
		Where("type = ? AND tracking_id = ?", models.EventSent, trackingID).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tracking id %q: %w", trackingID, ErrNotFound)
		}
		return nil, err
	}
	return &e, nil
}

// HasEvent reports whether the prospect has an event of the given type in
// the campaign.
func (s *Store) HasEvent(ctx context.Context, prospectID, campaignID uint, typ models.EventType) (bool, error) {
	return hasEvent(s.db.WithContext(ctx), prospectID, campaignID, typ)
}

func hasEvent(db *gorm.DB, prospectID, campaignID uint, typ models.EventType) (bool, error) {
	var count int64
	err := db.Model(&models.EmailEvent{}).
		Where("type = ? AND prospect_id = ? AND campaign_id = ?", typ, prospectID, campaignID).
		Count(&count).Error
	return count > 0, err
}

// RecordProspectBounce stores the single BOUNCED event of a prospect and marks the
// prospect BOUNCED. It reports false if the prospect had already left the
// active states.
func (s *Store) RecordProspectBounce(ctx context.Context, event *models.EmailEvent) (bool, error) {
	recorded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transitionProspect(tx, event.ProspectID, models.ProspectBounced, nil); err != nil {
			if isRejected(err) {
				return nil
			}
			return err
		}
		event.Type = models.EventBounced
		if event.OccurredAt.IsZero() {
			event.OccurredAt = time.Now()
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record bounce of prospect %d: %w", event.ProspectID, err)
	}
	return recorded, nil
}

// ReplyInput describes an inbound message matched to a prospect.
type ReplyInput struct {
	ProspectID     uint
	CampaignID     uint
	EmailAccountID uint
	SequenceStepID *uint
	MessageID      string
	From           string
	Subject        string
	MatchedBy      string
	ReceivedAt     time.Time
}

// RecordReply stores the REPLIED event, completes the prospect and creates
// the lead for the campaign owner. A second reply for the same prospect and
// campaign is ignored and reported as false.
func (s *Store) RecordReply(ctx context.Context, in ReplyInput) (*models.EmailEvent, bool, error) {
	var event *models.EmailEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := hasEvent(tx, in.ProspectID, in.CampaignID, models.EventReplied)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		var prospect models.Prospect
		if err := tx.First(&prospect, in.ProspectID).Error; err != nil {
			return wrapNotFound(err, "prospect", in.ProspectID)
		}
		var campaign models.Campaign
		if err := tx.First(&campaign, in.CampaignID).Error; err != nil {
			return wrapNotFound(err, "campaign", in.CampaignID)
		}

		occurred := in.ReceivedAt
		if occurred.IsZero() {
			occurred = time.Now()
		}
		event = &models.EmailEvent{
			Type:           models.EventReplied,
			ProspectID:     in.ProspectID,
			CampaignID:     in.CampaignID,
			SequenceStepID: in.SequenceStepID,
			EmailAccountID: in.EmailAccountID,
			MessageID:      in.MessageID,
			EventData: map[string]interface{}{
				"from":       in.From,
				"subject":    in.Subject,
				"matched_by": in.MatchedBy,
			},
			OccurredAt: occurred,
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}

		if err := transitionProspect(tx, in.ProspectID, models.ProspectCompleted, nil); err != nil && !isRejected(err) {
			return err
		}
		if err := bumpScore(tx, in.ProspectID, models.ScoreReply, models.LeadStatusReplied); err != nil {
			return err
		}

		lead := models.Lead{
			ProspectID: prospect.ID,
			CampaignID: campaign.ID,
			OwnerID:    campaign.UserID,
			Email:      prospect.Email,
			Name:       prospect.FullName(),
			Company:    prospect.Company,
			Source:     "reply",
		}
		return tx.Where(models.Lead{ProspectID: prospect.ID, CampaignID: campaign.ID}).
			Attrs(lead).
			FirstOrCreate(&lead).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record reply of prospect %d: %w", in.ProspectID, err)
	}
	return event, event != nil, nil
}

// RecordEngagement stores an OPENED or CLICKED event for a send. Only the
// first event of each type per send raises the lead score.
func (s *Store) RecordEngagement(ctx context.Context, sent *models.EmailEvent, typ models.EventType, data map[string]interface{}, score int) (*models.EmailEvent, bool, error) {
	event := &models.EmailEvent{
		Type:           typ,
		ProspectID:     sent.ProspectID,
		CampaignID:     sent.CampaignID,
		SequenceStepID: sent.SequenceStepID,
		EmailAccountID: sent.EmailAccountID,
		TrackingID:     sent.TrackingID,
		EventData:      data,
		OccurredAt:     time.Now(),
	}
	first := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.EmailEvent{}).
			Where("type = ? AND tracking_id = ?", typ, sent.TrackingID).
			Count(&count).Error; err != nil {
			return err
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		first = true
		return bumpScore(tx, sent.ProspectID, score, models.LeadStatusEngaged)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record %s event: %w", typ, err)
	}
	return event, first, nil
}

// RecordUnsubscribe stores the UNSUBSCRIBED event and ends the sequence for
// the prospect. Repeated requests are reported as false.
func (s *Store) RecordUnsubscribe(ctx context.Context, sent *models.EmailEvent, source string) (*models.EmailEvent, bool, error) {
	var event *models.EmailEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := hasEvent(tx, sent.ProspectID, sent.CampaignID, models.EventUnsubscribed)
		if err != nil || exists {
			return err
		}
		event = &models.EmailEvent{
			Type:           models.EventUnsubscribed,
			ProspectID:     sent.ProspectID,
			CampaignID:     sent.CampaignID,
			SequenceStepID: sent.SequenceStepID,
			EmailAccountID: sent.EmailAccountID,
			TrackingID:     sent.TrackingID,
			EventData:      map[string]interface{}{"source": source},
			OccurredAt:     time.Now(),
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Prospect{}).Where("id = ?", sent.ProspectID).
			Updates(map[string]interface{}{"unsubscribed": true, "lead_status": models.LeadStatusUnsubscribed}).Error; err != nil {
			return err
		}
		if err := transitionProspect(tx, sent.ProspectID, models.ProspectCompleted, nil); err != nil && !isRejected(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record unsubscribe of prospect %d: %w", sent.ProspectID, err)
	}
	return event, event != nil, nil
}

// bumpScore adds delta to the lead score and recomputes the temperature in the
// same statement. The lead status only moves forward from "none" to engaged,
// and any status except won/lost to replied.
func bumpScore(db *gorm.DB, prospectID uint, delta int, status string) error {
	updates := map[string]interface{}{
		"lead_score": gorm.Expr("lead_score + ?", delta),
		"lead_temperature": gorm.Expr("CASE WHEN lead_score + ? >= 10 THEN ? WHEN lead_score + ? >= 3 THEN ? ELSE ? END",
			delta, models.TemperatureHot, delta, models.TemperatureWarm, models.TemperatureCold),
	}
	switch status {
	case models.LeadStatusReplied:
		updates["lead_status"] = gorm.Expr("CASE WHEN lead_status IN (?, ?, ?) THEN lead_status ELSE ? END",
			models.LeadStatusWon, models.LeadStatusLost, models.LeadStatusUnsubscribed, status)
	case models.LeadStatusEngaged:
		updates["lead_status"] = gorm.Expr("CASE WHEN lead_status = ? THEN ? ELSE lead_status END",
			models.LeadStatusNone, status)
	}
	return db.Model(&models.Prospect{}).Where("id = ?", prospectID).Updates(updates).Error
}

// NormalizeMessageID wraps a bare Message-ID in angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}
