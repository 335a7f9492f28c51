package utils

import (
	"time"

	"outreach/models"
)

// maxWindowProbes bounds the day-by-day search. A normalized window always
// has an allowed weekday within a week, DST shifts can cost one extra probe.
const maxWindowProbes = 16

// NextSendTime maps now plus a relative delay onto the first instant inside the
// sending window. The delay is an absolute duration; the window is evaluated on
// the wall clock of the window's timezone. The result is never earlier than
// now plus the delay.
func NextSendTime(now time.Time, delayDays, delayHours int, window models.SendingWindow) time.Time {
	w := window.Normalized()
	loc := w.Location()

	if delayDays < 0 {
		delayDays = 0
	}
	if delayHours < 0 {
		delayHours = 0
	}
	t := now.Add(time.Duration(delayDays)*24*time.Hour + time.Duration(delayHours)*time.Hour).In(loc)

	for i := 0; i < maxWindowProbes; i++ {
		if inWindow(t, w) {
			return t
		}
		y, m, d := t.Date()
		if w.Allows(t.Weekday()) && t.Hour() < w.StartHour {
			// The opening hour can fall into a DST gap and normalize to an
			// instant that is not ahead of t.
			if start := time.Date(y, m, d, w.StartHour, 0, 0, 0, loc); start.After(t) {
				t = start
				continue
			}
		}
		t = time.Date(y, m, d+1, w.StartHour, 0, 0, 0, loc)
	}
	return t
}

// NextWindowStart returns the window opening on the first allowed day after
// the current local day. Used when an account has used up its daily quota.
func NextWindowStart(now time.Time, window models.SendingWindow) time.Time {
	w := window.Normalized()
	loc := w.Location()
	y, m, d := now.In(loc).Date()

	var t time.Time
	for i := 1; i <= maxWindowProbes; i++ {
		t = time.Date(y, m, d+i, w.StartHour, 0, 0, 0, loc)
		if inWindow(t, w) {
			return t
		}
	}
	return t
}

// InWindow reports whether t falls inside the sending window.
func InWindow(t time.Time, window models.SendingWindow) bool {
	w := window.Normalized()
	return inWindow(t.In(w.Location()), w)
}

func inWindow(local time.Time, w models.SendingWindow) bool {
	h := local.Hour()
	return w.Allows(local.Weekday()) && h >= w.StartHour && h < w.EndHour
}
