package models

import (
	"time"

	"gorm.io/gorm"
)

// EventType is the kind of an email event.
type EventType string

const (
	EventSent         EventType = "SENT"
	EventOpened       EventType = "OPENED"
	EventClicked      EventType = "CLICKED"
	EventReplied      EventType = "REPLIED"
	EventBounced      EventType = "BOUNCED"
	EventUnsubscribed EventType = "UNSUBSCRIBED"
)

// EmailEvent is an immutable, append-only log entry. It is the feed consumed by
// analytics and dashboards.
type EmailEvent struct {
	gorm.Model
	Type           EventType `gorm:"not null;index" json:"type"`
	ProspectID     uint      `gorm:"not null;index" json:"prospect_id"`
	CampaignID     uint      `gorm:"not null;index" json:"campaign_id"`
	SequenceStepID *uint     `gorm:"index" json:"sequence_step_id,omitempty"`
	EmailAccountID uint      `gorm:"not null;index" json:"email_account_id"`

	MessageID  string         `gorm:"index" json:"message_id,omitempty"`  // provider id, SENT only
	TrackingID string         `gorm:"index" json:"tracking_id,omitempty"` // per-send id used by beacons
	EventData  map[string]any `gorm:"type:text;serializer:json" json:"event_data,omitempty"`
	OccurredAt time.Time      `gorm:"not null" json:"occurred_at"`
}
