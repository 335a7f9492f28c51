package models

import (
	"time"

	"gorm.io/gorm"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
)

// Default sending window used when a campaign has none configured.
const (
	DefaultWindowStartHour = 9
	DefaultWindowEndHour   = 17
	DefaultTimezone        = "UTC"
)

// Campaign represents an outreach campaign: an ordered sequence of steps sent
// inside a sending window.
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"` // owner, receives leads

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      CampaignStatus `gorm:"default:'DRAFT';index" json:"status"`

	// Scheduling
	Window      SendingWindow `gorm:"embedded;embeddedPrefix:window_" json:"window"`
	StartedAt   *time.Time    `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at"`

	// Tracking settings. Unsubscribe links are always added.
	TrackOpens  bool `json:"track_opens"`
	TrackClicks bool `json:"track_clicks"`

	// Relations
	Steps    []SequenceStep    `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	Accounts []CampaignAccount `gorm:"foreignKey:CampaignID" json:"accounts,omitempty"`
}

// SendingWindow is the set of weekdays and hours (in Timezone) during which
// sends may happen. EndHour is exclusive.
type SendingWindow struct {
	StartHour int    `json:"start_hour" validate:"min=0,max=23"`
	EndHour   int    `json:"end_hour" validate:"min=0,max=24"`          // 0 means unset
	Weekdays  []int  `gorm:"type:text;serializer:json" json:"weekdays"` // time.Weekday values, empty = every day
	Timezone  string `gorm:"default:'UTC'" json:"timezone"`
}

// Location resolves the window timezone, falling back to UTC.
func (w SendingWindow) Location() *time.Location {
	if w.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Normalized returns a copy with out-of-range hours replaced by the defaults
// and unknown weekday values dropped.
func (w SendingWindow) Normalized() SendingWindow {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 1 || w.EndHour > 24 || w.EndHour <= w.StartHour {
		w.StartHour = DefaultWindowStartHour
		w.EndHour = DefaultWindowEndHour
	}
	if len(w.Weekdays) > 0 {
		days := make([]int, 0, len(w.Weekdays))
		for _, d := range w.Weekdays {
			if d >= int(time.Sunday) && d <= int(time.Saturday) {
				days = append(days, d)
			}
		}
		w.Weekdays = days
	}
	return w
}

// Allows reports whether sends are allowed on the given weekday.
func (w SendingWindow) Allows(day time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, d := range w.Weekdays {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

// CampaignAccount binds an email account to a campaign. A campaign may rotate
// across several accounts.
type CampaignAccount struct {
	gorm.Model
	CampaignID     uint `gorm:"not null;index" json:"campaign_id"`
	EmailAccountID uint `gorm:"not null;index" json:"email_account_id"`
}
