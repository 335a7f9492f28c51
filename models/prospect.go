package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// ProspectStatus is the sequence lifecycle state of a prospect.
type ProspectStatus string

const (
	ProspectPending   ProspectStatus = "PENDING"
	ProspectSending   ProspectStatus = "SENDING"
	ProspectCompleted ProspectStatus = "COMPLETED"
	ProspectBounced   ProspectStatus = "BOUNCED"
)

// Lead temperatures, derived from LeadScore.
const (
	TemperatureCold = "cold"
	TemperatureWarm = "warm"
	TemperatureHot  = "hot"
)

// Lead score increments per engagement signal.
const (
	ScoreOpen  = 1
	ScoreClick = 3
	ScoreReply = 10
)

// Lead statuses tracked on the prospect.
const (
	LeadStatusNone         = "none"
	LeadStatusEngaged      = "engaged"
	LeadStatusReplied      = "replied"
	LeadStatusWon          = "won"
	LeadStatusLost         = "lost"
	LeadStatusUnsubscribed = "unsubscribed"
)

// ActiveProspectStatuses are the statuses from which a send may execute.
var ActiveProspectStatuses = []ProspectStatus{ProspectPending, ProspectSending}

// transitions lists the allowed predecessors of each status. Reopening a
// completed prospect is an operator action and is handled separately.
var transitions = map[ProspectStatus][]ProspectStatus{
	ProspectSending:   {ProspectPending, ProspectSending},
	ProspectCompleted: {ProspectPending, ProspectSending},
	ProspectBounced:   {ProspectPending, ProspectSending},
}

// Predecessors returns the statuses a prospect may move to the target from.
func Predecessors(to ProspectStatus) []ProspectStatus {
	return transitions[to]
}

// CanTransition reports whether the automated state machine allows from -> to.
func CanTransition(from, to ProspectStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsActive reports whether the status still allows sends.
func (s ProspectStatus) IsActive() bool {
	return s == ProspectPending || s == ProspectSending
}

// Prospect is a recipient enrolled in exactly one campaign.
type Prospect struct {
	gorm.Model
	CampaignID     uint `gorm:"not null;index" json:"campaign_id"`
	EmailAccountID uint `gorm:"index" json:"email_account_id"` // sender for the whole thread

	Email        string            `gorm:"not null;index" json:"email"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Company      string            `json:"company"`
	Position     string            `json:"position"`
	CustomFields map[string]string `gorm:"type:text;serializer:json" json:"custom_fields"`

	// Sequence state
	Status          ProspectStatus `gorm:"default:'PENDING';index" json:"status"`
	CurrentStep     int            `gorm:"default:0" json:"current_step"`
	NextStepID      *uint          `json:"next_step_id"`
	NextScheduledAt *time.Time     `json:"next_scheduled_at"`
	CompletedAt     *time.Time     `json:"completed_at"`

	// Engagement
	LeadScore       int    `gorm:"default:0" json:"lead_score"`
	LeadTemperature string `gorm:"default:'cold'" json:"lead_temperature"`
	LeadStatus      string `gorm:"default:'none'" json:"lead_status"`
	Unsubscribed    bool   `gorm:"default:false" json:"unsubscribed"`
}

// FullName joins first and last name.
func (p Prospect) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Fields returns the merge-tag field map for personalization. Custom fields
// never shadow the built-in identity fields.
func (p Prospect) Fields() map[string]string {
	fields := make(map[string]string, len(p.CustomFields)+6)
	for k, v := range p.CustomFields {
		fields[k] = v
	}
	fields["email"] = p.Email
	fields["first_name"] = p.FirstName
	fields["last_name"] = p.LastName
	fields["name"] = p.FullName()
	fields["company"] = p.Company
	fields["position"] = p.Position
	return fields
}

// TemperatureFor maps a lead score to a temperature.
func TemperatureFor(score int) string {
	switch {
	case score >= 10:
		return TemperatureHot
	case score >= 3:
		return TemperatureWarm
	default:
		return TemperatureCold
	}
}
