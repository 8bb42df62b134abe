// Package calendar answers whether a timestamp falls inside the tradeable
// session for an asset class. It is a pure leaf dependency of the bar
// aggregator: no I/O, no clocks of its own.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session describes the daily tradeable window for one asset class, in UTC.
type Session struct {
	// AlwaysOpen marks 24/7 venues (crypto). Open/Close are ignored.
	AlwaysOpen bool
	// OpenMinute and CloseMinute are minutes from midnight UTC, half-open
	// [open, close).
	OpenMinute  int
	CloseMinute int
	// Weekdays restricts the session to Monday through Friday.
	Weekdays bool
}

// Calendar holds per-asset-class sessions plus a default applied to unknown
// classes.
type Calendar struct {
	sessions map[string]Session
	fallback Session
}

// New creates a Calendar from per-class sessions. Classes not present fall
// back to always-open, which keeps unknown feeds flowing rather than
// silently dropping them.
func New(sessions map[string]Session) *Calendar {
	return &Calendar{
		sessions: sessions,
		fallback: Session{AlwaysOpen: true},
	}
}

// ParseSession builds a Session from "HH:MM-HH:MM" (UTC), with weekdays
// restricted, or from the literal "24/7".
func ParseSession(spec string) (Session, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "24/7" {
		return Session{AlwaysOpen: true}, nil
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return Session{}, fmt.Errorf("calendar: malformed session %q", spec)
	}
	open, err := parseMinute(parts[0])
	if err != nil {
		return Session{}, fmt.Errorf("calendar: session %q: %w", spec, err)
	}
	close_, err := parseMinute(parts[1])
	if err != nil {
		return Session{}, fmt.Errorf("calendar: session %q: %w", spec, err)
	}
	return Session{OpenMinute: open, CloseMinute: close_, Weekdays: true}, nil
}

func parseMinute(s string) (int, error) {
	hm := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(hm) != 2 {
		return 0, fmt.Errorf("malformed time %q", s)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", hm[0])
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", hm[1])
	}
	return h*60 + m, nil
}

// InSession reports whether ts falls inside the tradeable session for the
// given asset class.
func (c *Calendar) InSession(assetClass string, ts time.Time) bool {
	sess, ok := c.sessions[assetClass]
	if !ok {
		sess = c.fallback
	}
	if sess.AlwaysOpen {
		return true
	}

	utc := ts.UTC()
	if sess.Weekdays {
		switch utc.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}

	minute := utc.Hour()*60 + utc.Minute()
	if sess.OpenMinute <= sess.CloseMinute {
		return minute >= sess.OpenMinute && minute < sess.CloseMinute
	}
	// Session wraps midnight (e.g. futures 22:00-21:00).
	return minute >= sess.OpenMinute || minute < sess.CloseMinute
}
