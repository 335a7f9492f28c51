package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"outreach/models"
)

func (s *Store) GetProspect(ctx context.Context, id uint) (*models.Prospect, error) {
	var p models.Prospect
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, wrapNotFound(err, "prospect", id)
	}
	return &p, nil
}

func (s *Store) CreateProspects(ctx context.Context, prospects []models.Prospect) error {
	if len(prospects) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(prospects, 200).Error; err != nil {
		return fmt.Errorf("failed to create prospects: %w", err)
	}
	return nil
}

// ActiveProspects returns the prospects of a campaign that can still receive
// sends.
func (s *Store) ActiveProspects(ctx context.Context, campaignID uint) ([]models.Prospect, error) {
	var out []models.Prospect
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND status IN ?", campaignID, models.ActiveProspectStatuses).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load prospects of campaign %d: %w", campaignID, err)
	}
	return out, nil
}

// EmailExistsInCampaign reports whether the address is already enrolled.
func (s *Store) EmailExistsInCampaign(ctx context.Context, campaignID uint, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Prospect{}).
		Where("campaign_id = ? AND LOWER(email) = ?", campaignID, strings.ToLower(email)).
		Count(&count).Error
	return count > 0, err
}

// AssignAccount pins the sending account of a prospect. Already assigned
// prospects are left alone so a thread never changes sender.
func (s *Store) AssignAccount(ctx context.Context, prospectID, accountID uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Prospect{}).
		Where("id = ? AND (email_account_id = 0 OR email_account_id IS NULL)", prospectID).
		Update("email_account_id", accountID)
	if res.Error != nil {
		return false, fmt.Errorf("failed to assign account to prospect %d: %w", prospectID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// TransitionProspect moves a prospect to status `to` together with extra
// column updates, provided its current status is an allowed predecessor.
// ErrTransitionRejected is returned when another actor got there first.
func (s *Store) TransitionProspect(ctx context.Context, id uint, to models.ProspectStatus, fields map[string]interface{}) error {
	return transitionProspect(s.db.WithContext(ctx), id, to, fields)
}

func transitionProspect(db *gorm.DB, id uint, to models.ProspectStatus, fields map[string]interface{}) error {
	preds := models.Predecessors(to)
	if len(preds) == 0 {
		return fmt.Errorf("prospect %d to %s: %w", id, to, ErrTransitionRejected)
	}

	updates := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	if to == models.ProspectCompleted || to == models.ProspectBounced {
		updates["completed_at"] = time.Now()
		updates["next_step_id"] = nil
		updates["next_scheduled_at"] = nil
	}

	res := db.Model(&models.Prospect{}).
		Where("id = ? AND status IN ?", id, preds).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update prospect %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("prospect %d to %s: %w", id, to, ErrTransitionRejected)
	}
	return nil
}

// AdvanceProspect records that stepNumber was executed and where the
// sequence goes next.
func (s *Store) AdvanceProspect(ctx context.Context, id uint, stepNumber int) error {
	return s.TransitionProspect(ctx, id, models.ProspectSending, map[string]interface{}{
		"current_step": gorm.Expr("CASE WHEN current_step < ? THEN ? ELSE current_step END", stepNumber, stepNumber),
	})
}

// SetNextStep persists the scheduled follow-up for observability.
func (s *Store) SetNextStep(ctx context.Context, id uint, stepID *uint, at *time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Prospect{}).
		Where("id = ? AND status IN ?", id, models.ActiveProspectStatuses).
		Updates(map[string]interface{}{"next_step_id": stepID, "next_scheduled_at": at}).Error
	if err != nil {
		return fmt.Errorf("failed to set next step of prospect %d: %w", id, err)
	}
	return nil
}

// ReopenProspect returns a completed prospect to the sequence. Unsubscribed
// prospects cannot be reopened.
func (s *Store) ReopenProspect(ctx context.Context, id uint) (*models.Prospect, error) {
	p, err := s.GetProspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProspectCompleted || p.Unsubscribed {
		return nil, fmt.Errorf("prospect %d is %s: %w", id, p.Status, ErrTransitionRejected)
	}

	to := models.ProspectPending
	if p.CurrentStep > 0 {
		to = models.ProspectSending
	}
	res := s.db.WithContext(ctx).Model(&models.Prospect{}).
		Where("id = ? AND status = ?", id, models.ProspectCompleted).
		Updates(map[string]interface{}{"status": to, "completed_at": nil})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reopen prospect %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("prospect %d: %w", id, ErrTransitionRejected)
	}
	return s.GetProspect(ctx, id)
}

// FindActiveProspectsByEmail returns PENDING or SENDING prospects of ACTIVE
// campaigns that are sent from the given account.
func (s *Store) FindActiveProspectsByEmail(ctx context.Context, accountID uint, email string) ([]models.Prospect, error) {
	var out []models.Prospect
	err := s.db.WithContext(ctx).
		Joins("JOIN campaigns ON campaigns.id = prospects.campaign_id AND campaigns.deleted_at IS NULL").
		Where("prospects.email_account_id = ?", accountID).
		Where("LOWER(prospects.email) = ?", strings.ToLower(strings.TrimSpace(email))).
		Where("prospects.status IN ?", models.ActiveProspectStatuses).
		Where("campaigns.status = ?", models.CampaignActive).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up prospects by email: %w", err)
	}
	return out, nil
}

// SetLeadOutcome records a won or lost deal and ends the sequence for the
// prospect. Pending jobs observe the terminal status and no-op.
func (s *Store) SetLeadOutcome(ctx context.Context, prospectID uint, outcome string) (*models.Prospect, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Prospect{}).Where("id = ?", prospectID).Update("lead_status", outcome)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("prospect %d: %w", prospectID, ErrNotFound)
		}
		if err := transitionProspect(tx, prospectID, models.ProspectCompleted, nil); err != nil && !isRejected(err) {
			return err
		}
		return tx.Model(&models.Lead{}).Where("prospect_id = ?", prospectID).Update("status", outcome).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetProspect(ctx, prospectID)
}
