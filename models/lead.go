package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead is a prospect promoted to the sales pipeline, typically after a reply.
type Lead struct {
	gorm.Model
	ProspectID uint `gorm:"not null;index" json:"prospect_id"`
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	OwnerID    uint `gorm:"not null;index" json:"owner_id"`

	Email   string `gorm:"not null;index" json:"email"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Status  string `gorm:"default:'new'" json:"status"` // new, won, lost
	Source  string `json:"source"`                      // reply
}

// Task is a manual follow-up created by a TASK step.
type Task struct {
	gorm.Model
	ProspectID     uint `gorm:"not null;index" json:"prospect_id"`
	CampaignID     uint `gorm:"not null;index" json:"campaign_id"`
	SequenceStepID uint `gorm:"not null;index" json:"sequence_step_id"`
	OwnerID        uint `gorm:"not null;index" json:"owner_id"`

	Title  string     `gorm:"not null" json:"title"`
	Notes  string     `gorm:"type:text" json:"notes"`
	DueAt  *time.Time `json:"due_at"`
	Status string     `gorm:"default:'open'" json:"status"` // open, done
}
