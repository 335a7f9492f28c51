package models

import (
	"time"

	"gorm.io/gorm"
)

// StepType is the kind of a sequence step.
type StepType string

const (
	StepEmail     StepType = "EMAIL"
	StepWait      StepType = "WAIT"
	StepCondition StepType = "CONDITION"
	StepTask      StepType = "TASK"
)

// Condition types for CONDITION steps.
const (
	ConditionOpened     = "opened"
	ConditionClicked    = "clicked"
	ConditionNotOpened  = "not_opened"
	ConditionNotClicked = "not_clicked"
)

// SequenceStep represents one step of a campaign sequence. Delays are measured
// from the completion of the previous step.
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	StepNumber int      `gorm:"not null" json:"step_number"`
	Type       StepType `gorm:"not null;default:'EMAIL'" json:"type"`
	DelayDays  int      `gorm:"default:0" json:"delay_days"`
	DelayHours int      `gorm:"default:0" json:"delay_hours"`

	// Content (EMAIL, CONDITION). TASK steps use Subject as the task title.
	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	ConditionType string `json:"condition_type,omitempty"`
}

// Sendable reports whether the step results in an outgoing email job.
func (s SequenceStep) Sendable() bool {
	return s.Type == StepEmail || s.Type == StepCondition
}

// Delay returns the step delay as a duration.
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}
