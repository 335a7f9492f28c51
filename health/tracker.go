// Package health aggregates per-account send outcomes and disables accounts
// that keep failing, bouncing or drawing complaints.
package health

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"outreach/models"
)

// AccountStore is the subset of the store the tracker needs. Every method is
// a single atomic statement on the account row.
type AccountStore interface {
	ReserveSend(ctx context.Context, accountID uint) (bool, error)
	ReleaseSend(ctx context.Context, accountID uint) error
	RecordSendSuccess(ctx context.Context, accountID uint) error
	RecordSendError(ctx context.Context, accountID uint, message string) (*models.EmailAccount, error)
	RecordBounce(ctx context.Context, accountID uint) (*models.EmailAccount, error)
	RecordComplaint(ctx context.Context, accountID uint) (*models.EmailAccount, error)
	DisableAccount(ctx context.Context, accountID uint, reason string) (bool, error)
}

type Thresholds struct {
	MaxErrorStreak  int
	MaxBounceRate   float64
	MinSendsForRate int
	MaxComplaints   int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorStreak:  5,
		MaxBounceRate:   0.05,
		MinSendsForRate: 20,
		MaxComplaints:   3,
	}
}

// Evaluate reports whether the account crossed a threshold and why.
func (t Thresholds) Evaluate(a *models.EmailAccount) (bool, string) {
	switch {
	case t.MaxErrorStreak > 0 && a.ErrorStreak >= t.MaxErrorStreak:
		return true, fmt.Sprintf("%d consecutive send errors", a.ErrorStreak)
	case t.MaxComplaints > 0 && a.ComplaintCount >= t.MaxComplaints:
		return true, fmt.Sprintf("%d spam complaints", a.ComplaintCount)
	case t.MaxBounceRate > 0 && a.TotalSent >= t.MinSendsForRate && a.TotalSent > 0:
		rate := float64(a.BounceCount) / float64(a.TotalSent)
		if rate > t.MaxBounceRate {
			return true, fmt.Sprintf("bounce rate %.1f%% over %d sends", rate*100, a.TotalSent)
		}
	}
	return false, ""
}

type Tracker struct {
	store      AccountStore
	thresholds Thresholds
	log        logrus.FieldLogger
}

func NewTracker(store AccountStore, thresholds Thresholds, log logrus.FieldLogger) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{store: store, thresholds: thresholds, log: log.WithField("component", "health")}
}

// Reserve takes a daily send slot. False means the quota is used up or the
// account is inactive.
func (t *Tracker) Reserve(ctx context.Context, accountID uint) (bool, error) {
	return t.store.ReserveSend(ctx, accountID)
}

// Release returns a slot after a send that did not go out.
func (t *Tracker) Release(ctx context.Context, accountID uint) {
	if err := t.store.ReleaseSend(ctx, accountID); err != nil {
		t.log.WithError(err).WithField("account_id", accountID).Warn("failed to release send slot")
	}
}

func (t *Tracker) Success(ctx context.Context, accountID uint) error {
	return t.store.RecordSendSuccess(ctx, accountID)
}

// Failure records a transient send error. It reports whether the account got
// disabled as a result.
func (t *Tracker) Failure(ctx context.Context, accountID uint, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	account, err := t.store.RecordSendError(ctx, accountID, msg)
	if err != nil {
		return false, err
	}
	return t.check(ctx, account)
}

func (t *Tracker) Bounce(ctx context.Context, accountID uint) (bool, error) {
	account, err := t.store.RecordBounce(ctx, accountID)
	if err != nil {
		return false, err
	}
	return t.check(ctx, account)
}

func (t *Tracker) Complaint(ctx context.Context, accountID uint) (bool, error) {
	account, err := t.store.RecordComplaint(ctx, accountID)
	if err != nil {
		return false, err
	}
	return t.check(ctx, account)
}

// Disable turns the account off outright, e.g. after an authentication
// failure.
func (t *Tracker) Disable(ctx context.Context, accountID uint, reason string) (bool, error) {
	disabled, err := t.store.DisableAccount(ctx, accountID, reason)
	if err != nil {
		return false, err
	}
	if disabled {
		t.log.WithFields(logrus.Fields{"account_id": accountID, "reason": reason}).Warn("email account disabled")
	}
	return disabled, nil
}

func (t *Tracker) check(ctx context.Context, account *models.EmailAccount) (bool, error) {
	if !account.IsActive {
		return false, nil
	}
	disable, reason := t.thresholds.Evaluate(account)
	if !disable {
		return false, nil
	}
	return t.Disable(ctx, account.ID, reason)
}
