package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/store"
)

// DailyReset zeroes the per-account daily send counters at midnight.
type DailyReset struct {
	store *store.Store
	loc   *time.Location
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewDailyReset(st *store.Store, loc *time.Location, log logrus.FieldLogger) *DailyReset {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DailyReset{store: st, loc: loc, log: log.WithField("component", "daily_reset"), now: time.Now}
}

func (dr *DailyReset) Start(ctx context.Context) {
	for {
		wait := NextMidnight(dr.now(), dr.loc).Sub(dr.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dr.Run(ctx)
		}
	}
}

// Run resets the counters once.
func (dr *DailyReset) Run(ctx context.Context) {
	n, err := dr.store.ResetDailyCounters(ctx)
	if err != nil {
		dr.log.WithError(err).Error("failed to reset daily send counters")
		return
	}
	dr.log.WithField("accounts", n).Info("daily send counters reset")
}

// NextMidnight returns the start of the day after now in loc.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
