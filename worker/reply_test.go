package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/mailbox"
	"outreach/models"
	"outreach/store/storetest"
)

func sendFirstStep(t *testing.T, h *harness) models.EmailEvent {
	t.Helper()
	h.activate()
	h.runDue()
	sent := h.events(h.fx.Prospects[0].ID, models.EventSent)
	require.NotEmpty(t, sent)
	return sent[0]
}

func TestReplyMatching(t *testing.T) {
	tests := []struct {
		name      string
		msg       func(h *harness, sent models.EmailEvent) mailbox.InboundMessage
		wantMatch string
	}{
		{
			name: "in-reply-to header",
			msg: func(h *harness, sent models.EmailEvent) mailbox.InboundMessage {
				return mailbox.InboundMessage{UID: 1, From: "someone@else.test", InReplyTo: []string{sent.MessageID}}
			},
			wantMatch: MatchedByThread,
		},
		{
			name: "references only",
			msg: func(h *harness, sent models.EmailEvent) mailbox.InboundMessage {
				return mailbox.InboundMessage{UID: 1, From: "x@y.test", References: []string{"<other@mail.test>", sent.MessageID}}
			},
			wantMatch: MatchedByThread,
		},
		{
			name: "sender address",
			msg: func(h *harness, sent models.EmailEvent) mailbox.InboundMessage {
				return mailbox.InboundMessage{UID: 1, From: "LEAD1@example.com", Subject: "question"}
			},
			wantMatch: MatchedBySender,
		},
		{
			name: "own address",
			msg: func(h *harness, sent models.EmailEvent) mailbox.InboundMessage {
				return mailbox.InboundMessage{UID: 1, From: h.fx.Account.FromEmail, InReplyTo: []string{sent.MessageID}}
			},
		},
		{
			name: "auto reply",
			msg: func(h *harness, sent models.EmailEvent) mailbox.InboundMessage {
				return mailbox.InboundMessage{UID: 1, From: "lead1@example.com", InReplyTo: []string{sent.MessageID}, AutoSubmitted: "auto-replied"}
			},
		},
		{
			name: "unknown sender",
			msg: func(h *harness, sent models.EmailEvent) mailbox.InboundMessage {
				return mailbox.InboundMessage{UID: 1, From: "stranger@example.com"}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
			sent := sendFirstStep(t, h)

			match, err := h.matcher.Match(h.ctx, h.account(), tt.msg(h, sent))
			require.NoError(t, err)
			if tt.wantMatch == "" {
				assert.Nil(t, match)
				return
			}
			require.NotNil(t, match)
			assert.Equal(t, tt.wantMatch, match.MatchedBy)
			assert.Equal(t, h.fx.Prospects[0].ID, match.Prospect.ID)
			assert.Equal(t, h.fx.Campaign.ID, match.CampaignID)
			require.NotNil(t, match.StepID)
			assert.Equal(t, h.fx.Steps[0].ID, *match.StepID)
		})
	}
}

func TestSenderHeuristicAmbiguousMatchesNothing(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0))
	h.activate()

	other := models.Campaign{UserID: 7, Name: "Second", Status: models.CampaignActive}
	require.NoError(t, h.db.Create(&other).Error)
	require.NoError(t, h.db.Create(&models.Prospect{
		CampaignID:     other.ID,
		EmailAccountID: h.fx.Account.ID,
		Email:          h.fx.Prospects[0].Email,
	}).Error)

	uids, err := h.matcher.Process(h.ctx, h.account(), []mailbox.InboundMessage{{UID: 3, From: h.fx.Prospects[0].Email}})
	require.NoError(t, err)
	assert.Empty(t, uids)
	assert.Empty(t, h.events(h.fx.Prospects[0].ID, models.EventReplied))
	assert.Equal(t, models.ProspectPending, h.prospect(0).Status)
}

func TestReplyRecordedOnce(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
	sent := sendFirstStep(t, h)
	p := h.fx.Prospects[0]

	feed, cancel := h.hub.Subscribe(h.fx.Campaign.ID)
	defer cancel()

	msgs := []mailbox.InboundMessage{
		{UID: 10, From: p.Email, InReplyTo: []string{sent.MessageID}, MessageID: "<r1@example.com>", Date: h.now},
		{UID: 11, From: p.Email, InReplyTo: []string{"<r1@example.com>", sent.MessageID}, MessageID: "<r2@example.com>", Date: h.now},
	}
	uids, err := h.matcher.Process(h.ctx, h.account(), msgs)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 11}, uids)

	replies := h.events(p.ID, models.EventReplied)
	require.Len(t, replies, 1)
	assert.Equal(t, "<r1@example.com>", replies[0].MessageID)
	assert.Equal(t, MatchedByThread, replies[0].EventData["matched_by"])

	select {
	case e := <-feed:
		assert.Equal(t, models.EventReplied, e.Type)
	case <-time.After(time.Second):
		t.Fatal("reply was not published")
	}

	got := h.prospect(0)
	assert.Equal(t, models.ProspectCompleted, got.Status)
	assert.Equal(t, models.ScoreReply, got.LeadScore)
	assert.Equal(t, models.TemperatureHot, got.LeadTemperature)
	assert.Equal(t, models.LeadStatusReplied, got.LeadStatus)

	lead, err := h.store.GetLeadByProspect(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, h.fx.Campaign.UserID, lead.OwnerID)
	assert.Equal(t, "reply", lead.Source)
}

func TestReplyWorkerIsolatesMailboxFailures(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
	sent := sendFirstStep(t, h)

	broken := models.EmailAccount{UserID: 1, FromEmail: "broken@acme.test", IMAPHost: "imap.broken.test", DailyLimit: 10}
	require.NoError(t, h.db.Create(&broken).Error)

	good := &fakeSource{msgs: []mailbox.InboundMessage{
		{UID: 5, From: "lead1@example.com", InReplyTo: []string{sent.MessageID}},
		{UID: 6, From: "newsletter@vendor.test", Subject: "Weekly digest"},
	}}
	opener := &fakeOpener{
		sources: map[uint]*fakeSource{h.fx.Account.ID: good},
		errs:    map[uint]error{broken.ID: errors.New("connection refused")},
	}
	rw := NewReplyWorker(h.store, opener, h.matcher, ReplyOptions{Concurrency: 2, Log: quietLogger()})
	rw.now = func() time.Time { return h.now }

	rw.PollAll(h.ctx)

	assert.Equal(t, []uint32{5}, good.seen, "only matched mail is marked seen")
	assert.True(t, good.closed)
	assert.Equal(t, models.ProspectCompleted, h.prospect(0).Status)
}

func TestReplyWorkerKeepsPartialFetch(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
	sent := sendFirstStep(t, h)

	src := &fakeSource{
		msgs:     []mailbox.InboundMessage{{UID: 9, From: "lead1@example.com", InReplyTo: []string{sent.MessageID}}},
		fetchErr: errors.New("connection reset"),
	}
	opener := &fakeOpener{sources: map[uint]*fakeSource{h.fx.Account.ID: src}}
	rw := NewReplyWorker(h.store, opener, h.matcher, ReplyOptions{Log: quietLogger()})

	n, err := rw.Poll(h.ctx, h.account())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint32{9}, src.seen)
}
