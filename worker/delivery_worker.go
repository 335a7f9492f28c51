package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/health"
	"outreach/models"
	"outreach/queue"
	"outreach/store"
	"outreach/transport"
	"outreach/utils"
)

// DeliveryWorker executes send jobs. Every precondition is checked again
// when the job runs because prospects, campaigns and accounts change while
// jobs wait.
type DeliveryWorker struct {
	store      *store.Store
	sequencer  *Sequencer
	health     *health.Tracker
	transports transport.Factory
	tracker    *utils.Tracker
	events     Publisher
	timeout    time.Duration
	grace      time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

type DeliveryOptions struct {
	SendTimeout time.Duration
	// DisabledGrace bounds how long a job keeps waiting for a disabled
	// account before it is dead-lettered.
	DisabledGrace time.Duration
	Events        Publisher
	Log           logrus.FieldLogger
}

func NewDeliveryWorker(st *store.Store, seq *Sequencer, tracker *health.Tracker, transports transport.Factory, links *utils.Tracker, opts DeliveryOptions) *DeliveryWorker {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.DisabledGrace <= 0 {
		opts.DisabledGrace = 7 * 24 * time.Hour
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &DeliveryWorker{
		store:      st,
		sequencer:  seq,
		health:     tracker,
		transports: transports,
		tracker:    links,
		events:     opts.Events,
		timeout:    opts.SendTimeout,
		grace:      opts.DisabledGrace,
		log:        opts.Log.WithField("component", "delivery"),
		now:        time.Now,
	}
}

// Handle runs one send job. A nil error means the job is done, including
// when it turned out to be stale.
func (w *DeliveryWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload SendJob
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("invalid send job payload: %w", err))
	}
	if err := utils.ValidateStruct(payload); err != nil {
		return queue.Permanent(fmt.Errorf("invalid send job payload: %w", err))
	}
	log := w.log.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"prospect_id": payload.ProspectID,
		"step_id":     payload.SequenceStepID,
	})

	prospect, err := w.store.GetProspect(ctx, payload.ProspectID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if !prospect.Status.IsActive() {
		log.WithField("status", prospect.Status).Debug("prospect no longer active, skipping")
		return nil
	}
	campaign, err := w.store.GetCampaign(ctx, payload.CampaignID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if campaign.Status != models.CampaignActive {
		log.WithField("campaign_status", campaign.Status).Debug("campaign not active, skipping")
		return nil
	}
	step, err := w.store.GetStep(ctx, payload.SequenceStepID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if prospect.CampaignID != campaign.ID || step.CampaignID != campaign.ID {
		return queue.Permanent(fmt.Errorf("job references prospect %d and step %d outside campaign %d",
			prospect.ID, step.ID, campaign.ID))
	}

	// A SENT event means the message went out on an earlier attempt and only
	// the progression is missing.
	sent, err := w.store.FindSentEvent(ctx, prospect.ID, step.ID)
	switch {
	case err == nil:
		if step.StepNumber < prospect.CurrentStep {
			return nil
		}
		log.Info("step already sent, finishing progression")
		return w.progress(ctx, prospect, campaign, step, sent.OccurredAt)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	if step.StepNumber <= prospect.CurrentStep {
		log.WithField("current_step", prospect.CurrentStep).Debug("step already passed, skipping")
		return nil
	}

	accountID := prospect.EmailAccountID
	if accountID == 0 {
		accountID = payload.EmailAccountID
	}
	account, err := w.store.GetAccount(ctx, accountID)
	if err != nil {
		return permanentIfMissing(err)
	}
	log = log.WithField("account_id", account.ID)

	window := campaign.Window.Normalized()
	if !account.IsActive {
		return w.onDisabledAccount(log, account, window)
	}
	reserved, err := w.health.Reserve(ctx, account.ID)
	if err != nil {
		return err
	}
	if !reserved {
		log.Info("daily limit reached, deferring to next window")
		return queue.Defer(utils.NextWindowStart(w.now(), window), "daily send limit reached")
	}

	if step.Type == models.StepCondition {
		met, err := w.conditionMet(ctx, prospect, step)
		if err != nil {
			w.health.Release(ctx, account.ID)
			return err
		}
		if !met {
			w.health.Release(ctx, account.ID)
			log.WithField("condition", step.ConditionType).Info("condition not met, skipping step")
			return w.progress(ctx, prospect, campaign, step, w.now())
		}
	}

	msg, trackingID, err := w.compose(ctx, prospect, campaign, step, account)
	if err != nil {
		w.health.Release(ctx, account.ID)
		return err
	}

	tr, err := w.transports.For(ctx, account)
	if err != nil {
		w.health.Release(ctx, account.ID)
		if _, herr := w.health.Failure(ctx, account.ID, err); herr != nil {
			log.WithError(herr).Warn("failed to record account error")
		}
		return fmt.Errorf("failed to build transport for account %d: %w", account.ID, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	result := tr.Send(sendCtx, msg)
	cancel()

	switch {
	case result.Success:
		return w.onSent(ctx, log, prospect, campaign, step, account, msg, trackingID, result)
	case result.AuthFailure:
		w.health.Release(ctx, account.ID)
		if _, err := w.health.Disable(ctx, account.ID, "authentication failed: "+errorText(result.Error)); err != nil {
			return err
		}
		utils.LogError("account_auth_failed", result.Error, map[string]interface{}{"account_id": account.ID})
		return queue.Defer(utils.NextWindowStart(w.now(), window), "email account authentication failed")
	case result.IsHardBounce:
		w.health.Release(ctx, account.ID)
		return w.onHardBounce(ctx, log, prospect, campaign, step, account, trackingID, result)
	default:
		w.health.Release(ctx, account.ID)
		cause := result.Error
		if cause == nil {
			cause = errors.New("provider rejected the message")
		}
		disabled, err := w.health.Failure(ctx, account.ID, cause)
		if err != nil {
			log.WithError(err).Warn("failed to record account error")
		}
		if disabled {
			log.Warn("account disabled after repeated send errors")
		}
		return fmt.Errorf("send to prospect %d failed: %w", prospect.ID, cause)
	}
}

// onDisabledAccount parks the job until the account's next window. Once the
// account has been off longer than the grace period the job is dead-lettered
// so it shows up for an operator instead of cycling every day.
func (w *DeliveryWorker) onDisabledAccount(log logrus.FieldLogger, account *models.EmailAccount, window models.SendingWindow) error {
	log = log.WithField("disabled_reason", account.DisabledReason)
	if account.DisabledAt != nil {
		since := w.now().Sub(*account.DisabledAt)
		if since >= w.grace {
			log.WithField("disabled_for", since.Round(time.Minute).String()).Warn("email account still disabled, giving up on job")
			return queue.Permanent(fmt.Errorf("email account %d disabled since %s: %s",
				account.ID, account.DisabledAt.UTC().Format(time.RFC3339), account.DisabledReason))
		}
	}
	log.Warn("email account disabled, deferring to next window")
	return queue.Defer(utils.NextWindowStart(w.now(), window), "email account disabled: "+account.DisabledReason)
}

func (w *DeliveryWorker) onSent(ctx context.Context, log logrus.FieldLogger, prospect *models.Prospect, campaign *models.Campaign,
	step *models.SequenceStep, account *models.EmailAccount, msg *transport.Message, trackingID string, result transport.SendResult) error {
	messageID := result.MessageID
	if messageID == "" {
		messageID = msg.MessageID
	}
	stepID := step.ID
	sentAt := w.now()
	event := &models.EmailEvent{
		Type:           models.EventSent,
		ProspectID:     prospect.ID,
		CampaignID:     campaign.ID,
		SequenceStepID: &stepID,
		EmailAccountID: account.ID,
		MessageID:      store.NormalizeMessageID(messageID),
		TrackingID:     trackingID,
		EventData: map[string]interface{}{
			"to":      prospect.Email,
			"subject": msg.Subject,
			"step":    step.StepNumber,
		},
		OccurredAt: sentAt,
	}
	if err := w.store.CreateEvent(ctx, event); err != nil {
		// The message is out but not recorded. The retry will send it again.
		utils.LogError("sent_event_lost", err, map[string]interface{}{
			"prospect_id": prospect.ID,
			"step_id":     step.ID,
			"message_id":  event.MessageID,
		})
		return err
	}
	w.events.Publish(event)

	if err := w.health.Success(ctx, account.ID); err != nil {
		log.WithError(err).Warn("failed to record account success")
	}
	log.WithFields(logrus.Fields{"step": step.StepNumber, "message_id": event.MessageID}).Info("email sent")
	return w.progress(ctx, prospect, campaign, step, sentAt)
}

func (w *DeliveryWorker) onHardBounce(ctx context.Context, log logrus.FieldLogger, prospect *models.Prospect, campaign *models.Campaign,
	step *models.SequenceStep, account *models.EmailAccount, trackingID string, result transport.SendResult) error {
	stepID := step.ID
	event := &models.EmailEvent{
		ProspectID:     prospect.ID,
		CampaignID:     campaign.ID,
		SequenceStepID: &stepID,
		EmailAccountID: account.ID,
		TrackingID:     trackingID,
		EventData: map[string]interface{}{
			"error": errorText(result.Error),
			"code":  result.ErrorCode,
		},
		OccurredAt: w.now(),
	}
	recorded, err := w.store.RecordProspectBounce(ctx, event)
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}
	w.events.Publish(event)

	if disabled, err := w.health.Bounce(ctx, account.ID); err != nil {
		log.WithError(err).Warn("failed to record account bounce")
	} else if disabled {
		log.Warn("account disabled by bounce rate")
	}
	log.WithFields(logrus.Fields{"code": result.ErrorCode, "error": errorText(result.Error)}).Warn("hard bounce")

	if _, err := w.store.CompleteCampaignIfDone(ctx, campaign.ID); err != nil {
		return err
	}
	return nil
}

// progress marks the step executed and schedules what follows. A prospect
// that left the active states in the meantime is not advanced.
func (w *DeliveryWorker) progress(ctx context.Context, prospect *models.Prospect, campaign *models.Campaign, step *models.SequenceStep, from time.Time) error {
	if err := w.store.AdvanceProspect(ctx, prospect.ID, step.StepNumber); err != nil {
		if errors.Is(err, store.ErrTransitionRejected) {
			return nil
		}
		return err
	}
	if prospect.CurrentStep < step.StepNumber {
		prospect.CurrentStep = step.StepNumber
	}
	return w.sequencer.ScheduleNext(ctx, prospect, campaign, step.StepNumber, from)
}

func (w *DeliveryWorker) conditionMet(ctx context.Context, prospect *models.Prospect, step *models.SequenceStep) (bool, error) {
	switch step.ConditionType {
	case models.ConditionOpened, models.ConditionNotOpened:
		opened, err := w.store.HasEvent(ctx, prospect.ID, prospect.CampaignID, models.EventOpened)
		if err != nil {
			return false, err
		}
		return opened == (step.ConditionType == models.ConditionOpened), nil
	case models.ConditionClicked, models.ConditionNotClicked:
		clicked, err := w.store.HasEvent(ctx, prospect.ID, prospect.CampaignID, models.EventClicked)
		if err != nil {
			return false, err
		}
		return clicked == (step.ConditionType == models.ConditionClicked), nil
	case "":
		return true, nil
	default:
		return false, queue.Permanent(fmt.Errorf("unknown condition %q on step %d", step.ConditionType, step.ID))
	}
}

// compose renders the step for the prospect: personalization, tracking and
// threading headers.
func (w *DeliveryWorker) compose(ctx context.Context, prospect *models.Prospect, campaign *models.Campaign,
	step *models.SequenceStep, account *models.EmailAccount) (*transport.Message, string, error) {
	subject, body := utils.PersonalizeEmail(step.Subject, step.Body, prospect.Fields())

	trackingID := utils.TrackingID(campaign.ID, prospect.ID, step.ID)
	content, err := w.tracker.Apply(body, trackingID, utils.TrackingOptions{
		TrackOpens:  campaign.TrackOpens,
		TrackClicks: campaign.TrackClicks,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to apply tracking: %w", err)
	}

	msg := &transport.Message{
		FromEmail: account.FromEmail,
		FromName:  account.FromName,
		To:        prospect.Email,
		ToName:    prospect.FullName(),
		Subject:   strings.TrimSpace(subject),
		HTML:      content.HTML,
		MessageID: utils.MessageID(trackingID, account.FromEmail),
		Headers:   content.Headers,
	}

	ids, err := w.store.SentMessageIDs(ctx, prospect.ID)
	if err != nil {
		return nil, "", err
	}
	if len(ids) > 0 {
		msg.InReplyTo = ids[len(ids)-1]
		msg.References = ids
		if msg.Subject == "" {
			msg.Subject = w.threadSubject(ctx, prospect.ID)
		}
	}
	return msg, trackingID, nil
}

// threadSubject replies to the subject of the previous send.
func (w *DeliveryWorker) threadSubject(ctx context.Context, prospectID uint) string {
	last, err := w.store.LatestSentEvent(ctx, prospectID)
	if err != nil {
		return ""
	}
	prev, _ := last.EventData["subject"].(string)
	if prev == "" || strings.HasPrefix(strings.ToLower(prev), "re:") {
		return prev
	}
	return "Re: " + prev
}

func permanentIfMissing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return queue.Permanent(err)
	}
	return err
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
