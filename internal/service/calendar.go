package service

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// SessionWindow is a segment's trading window as offsets from local midnight.
type SessionWindow struct {
	Open  time.Duration
	Close time.Duration
}

// ParseSessionWindow parses "15:04" open and close times.
func ParseSessionWindow(open, close string) (SessionWindow, error) {
	o, err := time.Parse("15:04", open)
	if err != nil {
		return SessionWindow{}, fmt.Errorf("calendar: open %q: %w", open, err)
	}
	c, err := time.Parse("15:04", close)
	if err != nil {
		return SessionWindow{}, fmt.Errorf("calendar: close %q: %w", close, err)
	}
	w := SessionWindow{
		Open:  time.Duration(o.Hour())*time.Hour + time.Duration(o.Minute())*time.Minute,
		Close: time.Duration(c.Hour())*time.Hour + time.Duration(c.Minute())*time.Minute,
	}
	if w.Close <= w.Open {
		return SessionWindow{}, fmt.Errorf("calendar: session %s-%s closes before it opens", open, close)
	}
	return w, nil
}

// Calendar answers whether a segment is trading at a given instant. Sessions
// run on weekdays that are not holidays, in the exchange time zone.
type Calendar struct {
	loc        *time.Location
	sessions   map[domain.Segment]SessionWindow
	holidays   map[string]struct{}
	alwaysOpen bool
}

// NewCalendar builds a Calendar. holidays are "2006-01-02" dates. alwaysOpen
// disables every check.
func NewCalendar(loc *time.Location, sessions map[domain.Segment]SessionWindow, holidays []string, alwaysOpen bool) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{
		loc:        loc,
		sessions:   sessions,
		holidays:   make(map[string]struct{}, len(holidays)),
		alwaysOpen: alwaysOpen,
	}
	for _, h := range holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return nil, fmt.Errorf("calendar: holiday %q: %w", h, err)
		}
		c.holidays[h] = struct{}{}
	}
	return c, nil
}

func (c *Calendar) tradingDay(local time.Time) bool {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[local.Format("2006-01-02")]
	return !holiday
}

func midnight(local time.Time) time.Time {
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, local.Location())
}

// IsOpen reports whether segment is inside its trading session at t.
func (c *Calendar) IsOpen(segment domain.Segment, t time.Time) bool {
	if c.alwaysOpen {
		return true
	}
	w, ok := c.sessions[segment]
	if !ok {
		return false
	}
	local := t.In(c.loc)
	if !c.tradingDay(local) {
		return false
	}
	since := local.Sub(midnight(local))
	return since >= w.Open && since < w.Close
}

// CheckOpen returns a ValidationError wrapping domain.ErrMarketClosed when the
// segment is not trading at t.
func (c *Calendar) CheckOpen(segment domain.Segment, t time.Time) error {
	if c.IsOpen(segment, t) {
		return nil
	}
	return &domain.ValidationError{
		Field:  "segment",
		Reason: fmt.Sprintf("%s is closed at %s", segment, t.In(c.loc).Format("2006-01-02 15:04 MST")),
		Err:    domain.ErrMarketClosed,
	}
}

// Expired reports whether an order placed at placedAt belongs to a session
// that has already closed by now.
func (c *Calendar) Expired(segment domain.Segment, placedAt, now time.Time) bool {
	if c.alwaysOpen {
		return false
	}
	w, ok := c.sessions[segment]
	if !ok {
		return false
	}
	local := placedAt.In(c.loc)
	sessionClose := midnight(local).Add(w.Close)
	if local.After(sessionClose) {
		// Placed after that day's close: it belongs to the next session.
		sessionClose = sessionClose.AddDate(0, 0, 1)
		for !c.tradingDay(sessionClose) {
			sessionClose = sessionClose.AddDate(0, 0, 1)
		}
	}
	return !now.Before(sessionClose)
}
