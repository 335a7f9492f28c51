package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"outreach/models"
)

func (s *Store) GetAccount(ctx context.Context, id uint) (*models.EmailAccount, error) {
	var a models.EmailAccount
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, wrapNotFound(err, "email account", id)
	}
	return &a, nil
}

// AccountsForCampaign returns the active accounts bound to a campaign.
func (s *Store) AccountsForCampaign(ctx context.Context, campaignID uint) ([]models.EmailAccount, error) {
	var out []models.EmailAccount
	err := s.db.WithContext(ctx).
		Joins("JOIN campaign_accounts ON campaign_accounts.email_account_id = email_accounts.id AND campaign_accounts.deleted_at IS NULL").
		Where("campaign_accounts.campaign_id = ? AND email_accounts.is_active = ?", campaignID, true).
		Order("email_accounts.id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts of campaign %d: %w", campaignID, err)
	}
	return out, nil
}

// MailboxAccounts returns active accounts that have inbound mail configured.
func (s *Store) MailboxAccounts(ctx context.Context) ([]models.EmailAccount, error) {
	var all []models.EmailAccount
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&all).Error; err != nil {
		return nil, fmt.Errorf("failed to load mailbox accounts: %w", err)
	}
	out := all[:0]
	for _, a := range all {
		if a.HasIMAP() {
			out = append(out, a)
		}
	}
	return out, nil
}

// AssignedCounts returns how many active prospects each account already
// carries for a campaign.
func (s *Store) AssignedCounts(ctx context.Context, campaignID uint) (map[uint]int, error) {
	var rows []struct {
		EmailAccountID uint
		Count          int
	}
	err := s.db.WithContext(ctx).Model(&models.Prospect{}).
		Select("email_account_id, COUNT(*) AS count").
		Where("campaign_id = ? AND status IN ? AND email_account_id > 0", campaignID, models.ActiveProspectStatuses).
		Group("email_account_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}
	out := make(map[uint]int, len(rows))
	for _, r := range rows {
		out[r.EmailAccountID] = r.Count
	}
	return out, nil
}

// ReserveSend takes one slot of the account's daily quota. The limit check and
// the increment are a single statement, so concurrent callers can never push
// sent_today past daily_limit.
func (s *Store) ReserveSend(ctx context.Context, accountID uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("id = ? AND is_active = ? AND sent_today < daily_limit", accountID, true).
		Update("sent_today", gorm.Expr("sent_today + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve send on account %d: %w", accountID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseSend gives back a slot taken by ReserveSend for a send that did not
// go out.
func (s *Store) ReleaseSend(ctx context.Context, accountID uint) error {
	err := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("id = ? AND sent_today > 0", accountID).
		Update("sent_today", gorm.Expr("sent_today - 1")).Error
	if err != nil {
		return fmt.Errorf("failed to release send on account %d: %w", accountID, err)
	}
	return nil
}

func (s *Store) RecordSendSuccess(ctx context.Context, accountID uint) error {
	err := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"error_streak": 0,
			"total_sent":   gorm.Expr("total_sent + 1"),
			"last_sent_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record send on account %d: %w", accountID, err)
	}
	return nil
}

// RecordSendError increments the error streak and returns the updated account.
func (s *Store) RecordSendError(ctx context.Context, accountID uint, message string) (*models.EmailAccount, error) {
	err := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"error_streak":  gorm.Expr("error_streak + 1"),
			"last_error":    truncate(message, 500),
			"last_error_at": time.Now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record error on account %d: %w", accountID, err)
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) RecordBounce(ctx context.Context, accountID uint) (*models.EmailAccount, error) {
	return s.incrementAccount(ctx, accountID, "bounce_count")
}

func (s *Store) RecordComplaint(ctx context.Context, accountID uint) (*models.EmailAccount, error) {
	return s.incrementAccount(ctx, accountID, "complaint_count")
}

func (s *Store) incrementAccount(ctx context.Context, accountID uint, column string) (*models.EmailAccount, error) {
	err := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("id = ?", accountID).
		Update(column, gorm.Expr(column+" + 1")).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update %s on account %d: %w", column, accountID, err)
	}
	return s.GetAccount(ctx, accountID)
}

// DisableAccount deactivates an account. It reports false when the account
// was already inactive.
func (s *Store) DisableAccount(ctx context.Context, accountID uint, reason string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("id = ? AND is_active = ?", accountID, true).
		Updates(map[string]interface{}{
			"is_active":       false,
			"disabled_reason": truncate(reason, 255),
			"disabled_at":     time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to disable account %d: %w", accountID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ResetDailyCounters zeroes sent_today on every account.
func (s *Store) ResetDailyCounters(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("sent_today > 0").
		Update("sent_today", 0)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SaveOAuthToken stores a refreshed (already encrypted) access token.
func (s *Store) SaveOAuthToken(ctx context.Context, accountID uint, encryptedAccess string, expiry time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{"oauth_token": encryptedAccess, "oauth_expiry": expiry}).Error
	if err != nil {
		return fmt.Errorf("failed to save oauth token of account %d: %w", accountID, err)
	}
	return nil
}
