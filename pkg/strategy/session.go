package strategy

import (
	"time"

	"traderd/params"
)

// Session predicates are pure functions of the wall clock in the
// exchange timezone so tests can drive them with a fake clock.

func minuteOf(t time.Time) params.MinuteOfDay {
	return params.MinuteOfDay(t.Hour()*60 + t.Minute())
}

// inSession reports whether t falls inside regular trading hours.
// Weekends are always out of session.
func inSession(cfg Config, t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	m := minuteOf(t)
	return m >= cfg.Open && m < cfg.Close
}

// beforeEntryCutoff reports whether new positions may still be opened.
// The cutoff minute itself still admits entries.
func beforeEntryCutoff(cfg Config, t time.Time) bool {
	return minuteOf(t) <= cfg.EntryCutoff
}

// nearClose reports whether the unconditional end of day liquidation
// window has started.
func nearClose(cfg Config, t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return minuteOf(t) >= cfg.CloseWarning
}
