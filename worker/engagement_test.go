package worker

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/models"
	"outreach/store"
	"outreach/store/storetest"
	"outreach/utils"
)

func TestOpensAndClicksScoreOncePerSend(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
	sent := sendFirstStep(t, h)
	p := h.fx.Prospects[0]

	for i := 0; i < 3; i++ {
		_, err := h.engagement.Open(h.ctx, sent.TrackingID, map[string]interface{}{"ip": "203.0.113.9"})
		require.NoError(t, err)
	}
	_, err := h.engagement.Click(h.ctx, sent.TrackingID, "https://acme.test/demo", nil)
	require.NoError(t, err)

	assert.Len(t, h.events(p.ID, models.EventOpened), 3)
	clicks := h.events(p.ID, models.EventClicked)
	require.Len(t, clicks, 1)
	assert.Equal(t, "https://acme.test/demo", clicks[0].EventData["url"])

	got := h.prospect(0)
	assert.Equal(t, models.ScoreOpen+models.ScoreClick, got.LeadScore)
	assert.Equal(t, models.TemperatureWarm, got.LeadTemperature)
	assert.Equal(t, models.LeadStatusEngaged, got.LeadStatus)
	assert.Equal(t, models.ProspectSending, got.Status, "engagement does not stop the sequence")
}

func TestSignedClickRequiresMatchingLink(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0))
	sent := sendFirstStep(t, h)
	p := h.fx.Prospects[0]

	link, err := url.Parse(h.links.ClickURL(sent.TrackingID, "https://acme.test/pricing"))
	require.NoError(t, err)
	sig := link.Query().Get("sig")

	_, err = h.engagement.SignedClick(h.ctx, sent.TrackingID, "https://evil.example/phish", sig, nil)
	assert.ErrorIs(t, err, utils.ErrInvalidClickSignature)
	assert.Empty(t, h.events(p.ID, models.EventClicked))

	event, err := h.engagement.SignedClick(h.ctx, sent.TrackingID, "https://acme.test/pricing", sig, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://acme.test/pricing", event.EventData["url"])
	assert.Len(t, h.events(p.ID, models.EventClicked), 1)
}

func TestEngagementUnknownTrackingID(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0))
	_, err := h.engagement.Open(h.ctx, "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
	sent := sendFirstStep(t, h)
	p := h.fx.Prospects[0]

	token, err := h.links.UnsubscribeToken(sent.TrackingID)
	require.NoError(t, err)

	event, err := h.engagement.Unsubscribe(h.ctx, token, "link")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, models.EventUnsubscribed, event.Type)

	again, err := h.engagement.Unsubscribe(h.ctx, token, "one-click")
	require.NoError(t, err)
	assert.Nil(t, again)

	got := h.prospect(0)
	assert.True(t, got.Unsubscribed)
	assert.Equal(t, models.ProspectCompleted, got.Status)
	assert.Equal(t, models.LeadStatusUnsubscribed, got.LeadStatus)
	assert.Len(t, h.events(p.ID, models.EventUnsubscribed), 1)

	_, err = h.sequencer.Reopen(h.ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrTransitionRejected, "unsubscribed prospects stay out")

	_, err = h.engagement.Unsubscribe(h.ctx, "forged."+token, "link")
	assert.ErrorIs(t, err, utils.ErrInvalidUnsubscribeToken)
}

func TestComplaintCountsAgainstAccount(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
	sent := sendFirstStep(t, h)

	disabled, err := h.engagement.Complaint(h.ctx, sent.ID)
	require.NoError(t, err)
	assert.False(t, disabled)
	assert.Equal(t, 1, h.account().ComplaintCount)
	assert.True(t, h.prospect(0).Unsubscribed)

	for i := 0; i < 2; i++ {
		disabled, err = h.engagement.Complaint(h.ctx, sent.ID)
		require.NoError(t, err)
	}
	assert.True(t, disabled, "third complaint disables the account")
	assert.False(t, h.account().IsActive)

	replyEvents := h.events(h.fx.Prospects[0].ID, models.EventUnsubscribed)
	assert.Len(t, replyEvents, 1)
}

func TestComplaintRequiresSentEvent(t *testing.T) {
	h := newHarness(t, 50, 1, storetest.Email(1, 0), storetest.Email(2, 3))
	sent := sendFirstStep(t, h)
	open, err := h.engagement.Open(h.ctx, sent.TrackingID, nil)
	require.NoError(t, err)

	_, err = h.engagement.Complaint(h.ctx, open.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
