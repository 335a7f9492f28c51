package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/models"
	"outreach/queue"
	"outreach/store"
	"outreach/utils"
)

var (
	ErrNoSteps    = errors.New("campaign has no sequence steps")
	ErrNoAccounts = errors.New("campaign has no active sending accounts")
)

// SendJob is the payload of a send job. Only ids travel through the queue;
// everything else is re-read when the job runs.
type SendJob struct {
	ProspectID     uint `json:"prospectId" validate:"required"`
	CampaignID     uint `json:"campaignId" validate:"required"`
	SequenceStepID uint `json:"sequenceStepId" validate:"required"`
	EmailAccountID uint `json:"emailAccountId" validate:"required"`
}

// SendJobID is the queue id of the send of a step to a prospect. Enqueuing
// the same step twice replaces the waiting job.
func SendJobID(prospectID, stepID uint) string {
	return fmt.Sprintf("send:%d:%d", prospectID, stepID)
}

// ProspectInput is one prospect to enroll.
type ProspectInput struct {
	Email        string            `json:"email" validate:"required,email"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Company      string            `json:"company"`
	Position     string            `json:"position"`
	CustomFields map[string]string `json:"custom_fields"`
}

type SkippedProspect struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type EnrollResult struct {
	Created int               `json:"created"`
	Skipped []SkippedProspect `json:"skipped"`
}

// Sequencer drives prospects through campaign sequences: it assigns senders,
// schedules send jobs and applies operator actions.
type Sequencer struct {
	store *store.Store
	queue *queue.RedisQueue
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewSequencer(st *store.Store, q *queue.RedisQueue, log logrus.FieldLogger) *Sequencer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sequencer{store: st, queue: q, log: log.WithField("component", "sequencer"), now: time.Now}
}

// Activate starts or resumes a campaign: it assigns a sender to every
// unassigned prospect and enqueues the next step of every active prospect.
func (s *Sequencer) Activate(ctx context.Context, campaignID uint) (*models.Campaign, error) {
	campaign, err := s.store.GetCampaignWithSteps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(campaign.Steps) == 0 {
		return nil, ErrNoSteps
	}
	accounts, err := s.store.AccountsForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	if campaign.Status != models.CampaignActive {
		if err := s.store.SetCampaignStatus(ctx, campaignID, models.CampaignActive,
			models.CampaignDraft, models.CampaignPaused); err != nil {
			return nil, err
		}
	}
	campaign, err = s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	prospects, err := s.store.ActiveProspects(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := s.assign(ctx, campaignID, accounts, prospects); err != nil {
		return nil, err
	}

	for i := range prospects {
		if err := s.resume(ctx, &prospects[i], campaign); err != nil {
			return nil, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"prospects":   len(prospects),
		"accounts":    len(accounts),
	}).Info("campaign activated")
	return s.store.GetCampaign(ctx, campaignID)
}

// Pause stops sending. Jobs already queued find the campaign paused and do
// nothing; Activate re-enqueues them.
func (s *Sequencer) Pause(ctx context.Context, campaignID uint) error {
	if err := s.store.SetCampaignStatus(ctx, campaignID, models.CampaignPaused, models.CampaignActive); err != nil {
		return err
	}
	s.log.WithField("campaign_id", campaignID).Info("campaign paused")
	return nil
}

// assign pins a sender on every prospect without one. Each prospect goes to
// the account with the lowest load relative to its daily limit.
func (s *Sequencer) assign(ctx context.Context, campaignID uint, accounts []models.EmailAccount, prospects []models.Prospect) error {
	counts, err := s.store.AssignedCounts(ctx, campaignID)
	if err != nil {
		return err
	}
	bound := make(map[uint]bool, len(accounts))
	for _, a := range accounts {
		bound[a.ID] = true
	}

	for i := range prospects {
		p := &prospects[i]
		if p.EmailAccountID != 0 && bound[p.EmailAccountID] {
			continue
		}
		if p.EmailAccountID != 0 {
			// The sender is no longer bound to the campaign. The thread stays
			// with it; the delivery worker defers until it is usable again.
			continue
		}
		account := pickAccount(accounts, counts)
		assigned, err := s.store.AssignAccount(ctx, p.ID, account.ID)
		if err != nil {
			return err
		}
		if assigned {
			p.EmailAccountID = account.ID
			counts[account.ID]++
		}
	}
	return nil
}

func pickAccount(accounts []models.EmailAccount, counts map[uint]int) models.EmailAccount {
	sorted := make([]models.EmailAccount, len(accounts))
	copy(sorted, accounts)
	load := func(a models.EmailAccount) float64 {
		limit := a.DailyLimit
		if limit <= 0 {
			limit = 1
		}
		return float64(counts[a.ID]) / float64(limit)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := load(sorted[i]), load(sorted[j])
		if li != lj {
			return li < lj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

// resume enqueues whatever the prospect is waiting for.
func (s *Sequencer) resume(ctx context.Context, p *models.Prospect, campaign *models.Campaign) error {
	if p.NextStepID == nil {
		return s.ScheduleNext(ctx, p, campaign, p.CurrentStep, s.now())
	}

	step, err := s.store.GetStep(ctx, *p.NextStepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.ScheduleNext(ctx, p, campaign, p.CurrentStep, s.now())
		}
		return err
	}
	from := s.now()
	if p.NextScheduledAt != nil && p.NextScheduledAt.After(from) {
		from = *p.NextScheduledAt
	}
	at := utils.NextSendTime(from, 0, 0, campaign.Window.Normalized())
	return s.enqueue(ctx, p, campaign, step, at)
}

// ScheduleNext finds the step after afterStep and acts on it. WAIT steps add
// their delay to the following send, TASK steps create a task and the
// sequence carries on, and the first EMAIL or CONDITION step is enqueued. A
// prospect with no steps left is completed.
func (s *Sequencer) ScheduleNext(ctx context.Context, p *models.Prospect, campaign *models.Campaign, afterStep int, from time.Time) error {
	steps, err := s.store.StepsAfter(ctx, campaign.ID, afterStep)
	if err != nil {
		return err
	}

	window := campaign.Window.Normalized()
	days, hours := 0, 0
	for i := range steps {
		step := &steps[i]
		switch step.Type {
		case models.StepWait:
			days += step.DelayDays
			hours += step.DelayHours
		case models.StepTask:
			if err := s.createTask(ctx, p, campaign, step, from, days, hours); err != nil {
				return err
			}
		case models.StepEmail, models.StepCondition:
			at := utils.NextSendTime(from, days+step.DelayDays, hours+step.DelayHours, window)
			return s.enqueue(ctx, p, campaign, step, at)
		default:
			s.log.WithFields(logrus.Fields{"step_id": step.ID, "type": step.Type}).Warn("skipping step of unknown type")
		}
	}

	return s.complete(ctx, p.ID, campaign.ID)
}

func (s *Sequencer) enqueue(ctx context.Context, p *models.Prospect, campaign *models.Campaign, step *models.SequenceStep, at time.Time) error {
	payload := SendJob{
		ProspectID:     p.ID,
		CampaignID:     campaign.ID,
		SequenceStepID: step.ID,
		EmailAccountID: p.EmailAccountID,
	}
	if _, err := s.queue.Enqueue(ctx, SendJobID(p.ID, step.ID), payload, at); err != nil {
		return err
	}
	stepID := step.ID
	if err := s.store.SetNextStep(ctx, p.ID, &stepID, &at); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"prospect_id": p.ID,
		"step":        step.StepNumber,
		"run_at":      at.Format(time.RFC3339),
	}).Debug("send scheduled")
	return nil
}

func (s *Sequencer) createTask(ctx context.Context, p *models.Prospect, campaign *models.Campaign, step *models.SequenceStep, from time.Time, days, hours int) error {
	due := from.Add(time.Duration(days+step.DelayDays)*24*time.Hour + time.Duration(hours+step.DelayHours)*time.Hour)
	title := step.Subject
	if strings.TrimSpace(title) == "" {
		title = fmt.Sprintf("Follow up with %s", p.Email)
	}
	title, notes := utils.PersonalizeEmail(title, step.Body, p.Fields())
	task := &models.Task{
		ProspectID:     p.ID,
		CampaignID:     campaign.ID,
		SequenceStepID: step.ID,
		OwnerID:        campaign.UserID,
		Title:          title,
		Notes:          notes,
		DueAt:          &due,
		Status:         "open",
	}
	created, err := s.store.CreateTaskOnce(ctx, task)
	if err != nil {
		return err
	}
	if created {
		utils.LogEvent("task_created", map[string]interface{}{
			"task_id":     task.ID,
			"prospect_id": p.ID,
			"campaign_id": campaign.ID,
		})
	}
	return nil
}

func (s *Sequencer) complete(ctx context.Context, prospectID, campaignID uint) error {
	err := s.store.TransitionProspect(ctx, prospectID, models.ProspectCompleted, nil)
	if err != nil && !errors.Is(err, store.ErrTransitionRejected) {
		return err
	}
	done, err := s.store.CompleteCampaignIfDone(ctx, campaignID)
	if err != nil {
		return err
	}
	if done {
		s.log.WithField("campaign_id", campaignID).Info("campaign completed")
	}
	return nil
}

// Enroll adds prospects to a campaign. Invalid and duplicate addresses are
// skipped and reported. Prospects enrolled into an active campaign are
// scheduled right away.
func (s *Sequencer) Enroll(ctx context.Context, campaignID uint, inputs []ProspectInput) (*EnrollResult, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == models.CampaignCompleted {
		return nil, fmt.Errorf("campaign %d is completed: %w", campaignID, store.ErrTransitionRejected)
	}

	result := &EnrollResult{Skipped: []SkippedProspect{}}
	seen := make(map[string]bool, len(inputs))
	var prospects []models.Prospect
	for _, in := range inputs {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		in.Email = email
		if err := utils.ValidateStruct(in); err != nil {
			result.Skipped = append(result.Skipped, SkippedProspect{Email: email, Reason: err.Error()})
			continue
		}
		if err := utils.ValidateEmailAddress(email); err != nil {
			result.Skipped = append(result.Skipped, SkippedProspect{Email: email, Reason: "invalid email format"})
			continue
		}
		if seen[email] {
			result.Skipped = append(result.Skipped, SkippedProspect{Email: email, Reason: "duplicate in request"})
			continue
		}
		seen[email] = true
		exists, err := s.store.EmailExistsInCampaign(ctx, campaignID, email)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Skipped = append(result.Skipped, SkippedProspect{Email: email, Reason: "already enrolled"})
			continue
		}
		prospects = append(prospects, models.Prospect{
			CampaignID:   campaignID,
			Email:        email,
			FirstName:    strings.TrimSpace(in.FirstName),
			LastName:     strings.TrimSpace(in.LastName),
			Company:      strings.TrimSpace(in.Company),
			Position:     strings.TrimSpace(in.Position),
			CustomFields: in.CustomFields,
			Status:       models.ProspectPending,
		})
	}

	if err := s.store.CreateProspects(ctx, prospects); err != nil {
		return nil, err
	}
	result.Created = len(prospects)

	if campaign.Status == models.CampaignActive && len(prospects) > 0 {
		accounts, err := s.store.AccountsForCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if len(accounts) == 0 {
			return result, ErrNoAccounts
		}
		if err := s.assign(ctx, campaignID, accounts, prospects); err != nil {
			return nil, err
		}
		for i := range prospects {
			if err := s.ScheduleNext(ctx, &prospects[i], campaign, 0, s.now()); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Reopen returns a completed prospect to its sequence after the last step it
// received. The campaign is reactivated if it had completed.
func (s *Sequencer) Reopen(ctx context.Context, prospectID uint) (*models.Prospect, error) {
	p, err := s.store.ReopenProspect(ctx, prospectID)
	if err != nil {
		return nil, err
	}
	err = s.store.SetCampaignStatus(ctx, p.CampaignID, models.CampaignActive, models.CampaignCompleted)
	if err != nil && !errors.Is(err, store.ErrTransitionRejected) {
		return nil, err
	}
	campaign, err := s.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == models.CampaignActive {
		if p.EmailAccountID == 0 {
			accounts, err := s.store.AccountsForCampaign(ctx, campaign.ID)
			if err != nil {
				return nil, err
			}
			if len(accounts) == 0 {
				return nil, ErrNoAccounts
			}
			prospects := []models.Prospect{*p}
			if err := s.assign(ctx, campaign.ID, accounts, prospects); err != nil {
				return nil, err
			}
			p = &prospects[0]
		}
		if err := s.ScheduleNext(ctx, p, campaign, p.CurrentStep, s.now()); err != nil {
			return nil, err
		}
	}
	s.log.WithField("prospect_id", prospectID).Info("prospect reopened")
	return s.store.GetProspect(ctx, prospectID)
}

// Outcome records a won or lost deal. The prospect leaves the sequence and
// pending jobs no-op.
func (s *Sequencer) Outcome(ctx context.Context, prospectID uint, outcome string) (*models.Prospect, error) {
	if outcome != models.LeadStatusWon && outcome != models.LeadStatusLost {
		return nil, fmt.Errorf("outcome must be %s or %s", models.LeadStatusWon, models.LeadStatusLost)
	}
	p, err := s.store.SetLeadOutcome(ctx, prospectID, outcome)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.CompleteCampaignIfDone(ctx, p.CampaignID); err != nil {
		return nil, err
	}
	return p, nil
}
