// Package store persists campaigns, prospects, accounts and events with gorm.
// State-changing operations are single conditional statements or short
// transactions so concurrent workers never act on stale reads.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"outreach/models"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrTransitionRejected = errors.New("state transition rejected")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only listings.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func wrapNotFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %d: %w", what, id, err)
}

// Campaigns

func (s *Store) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, wrapNotFound(err, "campaign", id)
	}
	return &c, nil
}

// GetCampaignWithSteps loads a campaign with its steps in step order and its
// account bindings.
func (s *Store) GetCampaignWithSteps(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		Preload("Accounts").
		First(&c, id).Error
	if err != nil {
		return nil, wrapNotFound(err, "campaign", id)
	}
	return &c, nil
}

// SetCampaignStatus moves a campaign to status if it is currently in one of
// from.
func (s *Store) SetCampaignStatus(ctx context.Context, id uint, to models.CampaignStatus, from ...models.CampaignStatus) error {
	updates := map[string]interface{}{"status": to}
	now := time.Now()
	switch to {
	case models.CampaignActive:
		updates["completed_at"] = nil
	case models.CampaignCompleted:
		updates["completed_at"] = now
	}

	q := s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update campaign %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("campaign %d to %s: %w", id, to, ErrTransitionRejected)
	}
	if to == models.CampaignActive {
		s.db.WithContext(ctx).Model(&models.Campaign{}).
			Where("id = ? AND started_at IS NULL", id).
			Update("started_at", now)
	}
	return nil
}

// CompleteCampaignIfDone marks an active campaign COMPLETED once none of its
// prospects can receive further sends.
func (s *Store) CompleteCampaignIfDone(ctx context.Context, campaignID uint) (bool, error) {
	active := s.db.Model(&models.Prospect{}).
		Select("1").
		Where("campaign_id = ? AND status IN ?", campaignID, models.ActiveProspectStatuses)

	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignActive).
		Where("NOT EXISTS (?)", active).
		Updates(map[string]interface{}{"status": models.CampaignCompleted, "completed_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete campaign %d: %w", campaignID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Steps

func (s *Store) GetStep(ctx context.Context, id uint) (*models.SequenceStep, error) {
	var step models.SequenceStep
	if err := s.db.WithContext(ctx).First(&step, id).Error; err != nil {
		return nil, wrapNotFound(err, "sequence step", id)
	}
	return &step, nil
}

// StepsAfter returns the campaign steps with a step number greater than
// after, in ascending order.
func (s *Store) StepsAfter(ctx context.Context, campaignID uint, after int) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND step_number > ?", campaignID, after).
		Order("step_number ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load steps of campaign %d: %w", campaignID, err)
	}
	return steps, nil
}

// Tasks and leads

// CreateTaskOnce creates the task for a prospect and step unless it exists.
func (s *Store) CreateTaskOnce(ctx context.Context, task *models.Task) (bool, error) {
	res := s.db.WithContext(ctx).
		Where(models.Task{ProspectID: task.ProspectID, SequenceStepID: task.SequenceStepID}).
		Attrs(*task).
		FirstOrCreate(task)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) GetLeadByProspect(ctx context.Context, prospectID uint) (*models.Lead, error) {
	var lead models.Lead
	if err := s.db.WithContext(ctx).Where("prospect_id = ?", prospectID).First(&lead).Error; err != nil {
		return nil, wrapNotFound(err, "lead for prospect", prospectID)
	}
	return &lead, nil
}

// CampaignStats summarizes a campaign's prospects and event log.
type CampaignStats struct {
	Prospects       map[models.ProspectStatus]int64 `json:"prospects"`
	Events          map[models.EventType]int64      `json:"events"`
	UniqueOpens     int64                           `json:"unique_opens"`
	UniqueClicks    int64                           `json:"unique_clicks"`
	Unsubscribed    int64                           `json:"unsubscribed"`
	LeadTemperature map[string]int64                `json:"lead_temperature"`
}

func (s *Store) CampaignStats(ctx context.Context, campaignID uint) (*CampaignStats, error) {
	db := s.db.WithContext(ctx)
	stats := &CampaignStats{
		Prospects:       map[models.ProspectStatus]int64{},
		Events:          map[models.EventType]int64{},
		LeadTemperature: map[string]int64{},
	}

	var byStatus []struct {
		Status models.ProspectStatus
		N      int64
	}
	if err := db.Model(&models.Prospect{}).Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).Group("status").Scan(&byStatus).Error; err != nil {
		return nil, fmt.Errorf("failed to count prospects of campaign %d: %w", campaignID, err)
	}
	for _, r := range byStatus {
		stats.Prospects[r.Status] = r.N
	}

	var byTemp []struct {
		LeadTemperature string
		N               int64
	}
	if err := db.Model(&models.Prospect{}).Select("lead_temperature, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).Group("lead_temperature").Scan(&byTemp).Error; err != nil {
		return nil, fmt.Errorf("failed to count lead temperatures of campaign %d: %w", campaignID, err)
	}
	for _, r := range byTemp {
		stats.LeadTemperature[r.LeadTemperature] = r.N
	}

	var byType []struct {
		Type models.EventType
		N    int64
	}
	if err := db.Model(&models.EmailEvent{}).Select("type, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).Group("type").Scan(&byType).Error; err != nil {
		return nil, fmt.Errorf("failed to count events of campaign %d: %w", campaignID, err)
	}
	for _, r := range byType {
		stats.Events[r.Type] = r.N
	}

	unique := func(typ models.EventType, into *int64) error {
		return db.Model(&models.EmailEvent{}).
			Where("campaign_id = ? AND type = ?", campaignID, typ).
			Distinct("prospect_id").Count(into).Error
	}
	if err := unique(models.EventOpened, &stats.UniqueOpens); err != nil {
		return nil, err
	}
	if err := unique(models.EventClicked, &stats.UniqueClicks); err != nil {
		return nil, err
	}
	if err := db.Model(&models.Prospect{}).
		Where("campaign_id = ? AND unsubscribed = ?", campaignID, true).
		Count(&stats.Unsubscribed).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
