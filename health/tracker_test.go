package health

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/models"
)

type fakeStore struct {
	account  models.EmailAccount
	released int
	reason   string
}

func (f *fakeStore) ReserveSend(context.Context, uint) (bool, error) {
	if !f.account.IsActive || f.account.SentToday >= f.account.DailyLimit {
		return false, nil
	}
	f.account.SentToday++
	return true, nil
}

func (f *fakeStore) ReleaseSend(context.Context, uint) error {
	f.released++
	f.account.SentToday--
	return nil
}

func (f *fakeStore) RecordSendSuccess(context.Context, uint) error {
	f.account.ErrorStreak = 0
	f.account.TotalSent++
	return nil
}

func (f *fakeStore) RecordSendError(_ context.Context, _ uint, msg string) (*models.EmailAccount, error) {
	f.account.ErrorStreak++
	f.account.LastError = &msg
	a := f.account
	return &a, nil
}

func (f *fakeStore) RecordBounce(context.Context, uint) (*models.EmailAccount, error) {
	f.account.BounceCount++
	a := f.account
	return &a, nil
}

func (f *fakeStore) RecordComplaint(context.Context, uint) (*models.EmailAccount, error) {
	f.account.ComplaintCount++
	a := f.account
	return &a, nil
}

func (f *fakeStore) DisableAccount(_ context.Context, _ uint, reason string) (bool, error) {
	if !f.account.IsActive {
		return false, nil
	}
	f.account.IsActive = false
	f.reason = reason
	return true, nil
}

func newTracker(account models.EmailAccount) (*Tracker, *fakeStore) {
	fs := &fakeStore{account: account}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewTracker(fs, DefaultThresholds(), log), fs
}

func TestThresholdsEvaluate(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name    string
		account models.EmailAccount
		disable bool
	}{
		{"healthy", models.EmailAccount{TotalSent: 100, BounceCount: 2}, false},
		{"error streak", models.EmailAccount{ErrorStreak: 5}, true},
		{"complaints", models.EmailAccount{ComplaintCount: 3}, true},
		{"bounce rate over threshold", models.EmailAccount{TotalSent: 40, BounceCount: 3}, true},
		{"bounce rate ignored on small volume", models.EmailAccount{TotalSent: 10, BounceCount: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disable, reason := th.Evaluate(&tt.account)
			assert.Equal(t, tt.disable, disable)
			if tt.disable {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestTrackerDisablesAfterErrorStreak(t *testing.T) {
	tr, fs := newTracker(models.EmailAccount{IsActive: true, DailyLimit: 10})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		disabled, err := tr.Failure(ctx, 1, errors.New("421 busy"))
		require.NoError(t, err)
		assert.False(t, disabled)
	}
	disabled, err := tr.Failure(ctx, 1, errors.New("421 busy"))
	require.NoError(t, err)
	assert.True(t, disabled)
	assert.Contains(t, fs.reason, "consecutive")

	ok, err := tr.Reserve(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrackerSuccessClearsStreak(t *testing.T) {
	tr, fs := newTracker(models.EmailAccount{IsActive: true, DailyLimit: 10})
	ctx := context.Background()

	_, err := tr.Failure(ctx, 1, errors.New("timeout"))
	require.NoError(t, err)
	require.NoError(t, tr.Success(ctx, 1))
	assert.Equal(t, 0, fs.account.ErrorStreak)
}

func TestTrackerComplaintsDisable(t *testing.T) {
	tr, fs := newTracker(models.EmailAccount{IsActive: true, DailyLimit: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tr.Complaint(ctx, 1)
		require.NoError(t, err)
	}
	assert.False(t, fs.account.IsActive)
}

func TestTrackerReserveAndRelease(t *testing.T) {
	tr, fs := newTracker(models.EmailAccount{IsActive: true, DailyLimit: 1})
	ctx := context.Background()

	ok, err := tr.Reserve(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tr.Reserve(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	tr.Release(ctx, 1)
	assert.Equal(t, 1, fs.released)
	ok, err = tr.Reserve(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
