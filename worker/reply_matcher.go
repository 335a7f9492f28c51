package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"outreach/mailbox"
	"outreach/models"
	"outreach/store"
	"outreach/utils"
)

// How a reply was attributed to a prospect.
const (
	MatchedByThread = "thread"
	MatchedBySender = "sender"
)

// Match is an inbound message attributed to a prospect.
type Match struct {
	Prospect   *models.Prospect
	CampaignID uint
	StepID     *uint
	MatchedBy  string
	// Confidence is "high" for thread header matches and "medium" for
	// sender address matches.
	Confidence string
}

// ReplyMatcher correlates inbound mail with sent messages.
type ReplyMatcher struct {
	store  *store.Store
	events Publisher
	log    logrus.FieldLogger
}

func NewReplyMatcher(st *store.Store, events Publisher, log logrus.FieldLogger) *ReplyMatcher {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReplyMatcher{store: st, events: events, log: log.WithField("component", "reply_matcher")}
}

// MatchExact looks the thread headers of msg up among the account's sent
// messages.
func (m *ReplyMatcher) MatchExact(ctx context.Context, account *models.EmailAccount, msg mailbox.InboundMessage) (*Match, error) {
	ids := msg.ThreadIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	sent, err := m.store.FindSentByMessageIDs(ctx, account.ID, ids)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prospect, err := m.store.GetProspect(ctx, sent.ProspectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Match{
		Prospect:   prospect,
		CampaignID: sent.CampaignID,
		StepID:     sent.SequenceStepID,
		MatchedBy:  MatchedByThread,
		Confidence: "high",
	}, nil
}

// MatchSenderHeuristic attributes msg by its From address when exactly one
// active prospect sent from this account has that address. Several
// candidates are ambiguous and match nothing.
func (m *ReplyMatcher) MatchSenderHeuristic(ctx context.Context, account *models.EmailAccount, msg mailbox.InboundMessage) (*Match, error) {
	if msg.From == "" {
		return nil, nil
	}
	candidates, err := m.store.FindActiveProspectsByEmail(ctx, account.ID, msg.From)
	if err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
	default:
		m.log.WithFields(logrus.Fields{
			"account_id": account.ID,
			"from":       msg.From,
			"candidates": len(candidates),
		}).Info("ambiguous reply sender, not matched")
		return nil, nil
	}

	prospect := candidates[0]
	match := &Match{
		Prospect:   &prospect,
		CampaignID: prospect.CampaignID,
		MatchedBy:  MatchedBySender,
		Confidence: "medium",
	}
	if last, err := m.store.LatestSentEvent(ctx, prospect.ID); err == nil {
		match.StepID = last.SequenceStepID
	}
	return match, nil
}

// Match runs the exact tier, then the sender tier. Mail from the account's
// own address and automatic replies never match.
func (m *ReplyMatcher) Match(ctx context.Context, account *models.EmailAccount, msg mailbox.InboundMessage) (*Match, error) {
	if strings.EqualFold(msg.From, account.FromEmail) {
		return nil, nil
	}
	if isAutoSubmitted(msg) {
		return nil, nil
	}
	match, err := m.MatchExact(ctx, account, msg)
	if err != nil || match != nil {
		return match, err
	}
	return m.MatchSenderHeuristic(ctx, account, msg)
}

// Process matches a batch from one mailbox and records the replies. It
// returns the UIDs of matched messages, which the caller marks seen.
func (m *ReplyMatcher) Process(ctx context.Context, account *models.EmailAccount, msgs []mailbox.InboundMessage) ([]uint32, error) {
	var matched []uint32
	for _, msg := range msgs {
		match, err := m.Match(ctx, account, msg)
		if err != nil {
			return matched, err
		}
		if match == nil {
			continue
		}

		event, created, err := m.store.RecordReply(ctx, store.ReplyInput{
			ProspectID:     match.Prospect.ID,
			CampaignID:     match.CampaignID,
			EmailAccountID: account.ID,
			SequenceStepID: match.StepID,
			MessageID:      msg.MessageID,
			From:           msg.From,
			Subject:        msg.Subject,
			MatchedBy:      match.MatchedBy,
			ReceivedAt:     msg.Date,
		})
		if err != nil {
			return matched, err
		}
		matched = append(matched, msg.UID)
		if !created {
			continue
		}

		m.events.Publish(event)
		if _, err := m.store.CompleteCampaignIfDone(ctx, match.CampaignID); err != nil {
			m.log.WithError(err).WithField("campaign_id", match.CampaignID).Warn("failed to check campaign completion")
		}
		utils.LogEvent("reply_received", map[string]interface{}{
			"prospect_id": match.Prospect.ID,
			"campaign_id": match.CampaignID,
			"account_id":  account.ID,
			"matched_by":  match.MatchedBy,
			"confidence":  match.Confidence,
		})
	}
	return matched, nil
}

func isAutoSubmitted(msg mailbox.InboundMessage) bool {
	return msg.AutoSubmitted != "" && msg.AutoSubmitted != "no"
}
