package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider types for email accounts.
const (
	ProviderSMTP    = "smtp"
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// EmailAccount represents a sending mailbox shared by all campaigns using it.
type EmailAccount struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `json:"from_name"`

	ProviderType string `gorm:"not null;default:'smtp'" json:"provider_type"` // smtp, gmail, outlook

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`          // Encrypted in application layer
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthProvider     string     `gorm:"column:oauth_provider" json:"oauth_provider"` // google, microsoft
	OAuthToken        string     `gorm:"column:oauth_token" json:"-"`                 // Encrypted
	OAuthRefreshToken string     `gorm:"column:oauth_refresh_token" json:"-"`         // Encrypted
	OAuthExpiry       *time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Usage =========
	DailyLimit int        `gorm:"default:50" json:"daily_limit"`
	SentToday  int        `gorm:"default:0" json:"sent_today"`
	TotalSent  int        `gorm:"default:0" json:"total_sent"`
	LastSentAt *time.Time `json:"last_sent_at"`

	// ========= Health =========
	IsActive       bool       `gorm:"default:true;index" json:"is_active"`
	ErrorStreak    int        `gorm:"default:0" json:"error_streak"`
	BounceCount    int        `gorm:"default:0" json:"bounce_count"`
	ComplaintCount int        `gorm:"default:0" json:"complaint_count"`
	DisabledReason string     `json:"disabled_reason"`
	DisabledAt     *time.Time `json:"disabled_at"`
	LastError      *string    `json:"last_error"`
	LastErrorAt    *time.Time `json:"last_error_at"`
}

// Sanitize clears credentials before the account leaves the process.
func (a *EmailAccount) Sanitize() {
	a.SMTPPassword = ""
	a.IMAPPassword = ""
	a.OAuthToken = ""
	a.OAuthRefreshToken = ""
}

// UsesOAuth reports whether the account authenticates with OAuth tokens.
func (a EmailAccount) UsesOAuth() bool {
	return a.OAuthProvider != "" && a.OAuthRefreshToken != ""
}

// HasIMAP reports whether inbound polling is configured.
func (a EmailAccount) HasIMAP() bool {
	return a.IMAPHost != ""
}

// Remaining returns the number of sends left today.
func (a EmailAccount) Remaining() int {
	if a.SentToday >= a.DailyLimit {
		return 0
	}
	return a.DailyLimit - a.SentToday
}
