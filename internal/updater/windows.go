package updater

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"luckybot/internal/config"
	"luckybot/internal/storage"
)

// Window is the delivery period a moment of the day falls into.
type Window int

const (
	BeforeFirst Window = iota
	First
	Second
)

func (w Window) String() string {
	switch w {
	case BeforeFirst:
		return "before_first"
	case First:
		return "first"
	case Second:
		return "second"
	default:
		return fmt.Sprintf("window(%d)", int(w))
	}
}

func (w Window) flag() storage.Window {
	if w == Second {
		return storage.WindowSecond
	}
	return storage.WindowFirst
}

const DefaultMargin = 10 * time.Second

// Windows splits each day in loc at two times of day. Boundaries are
// computed with cron schedules so the next wake-up is always derived from
// the wall clock, never accumulated.
type Windows struct {
	loc    *time.Location
	margin time.Duration

	first, second int // minutes since midnight
	firstSched    cron.Schedule
	secondSched   cron.Schedule
	midnightSched cron.Schedule
}

// NewWindows parses two "HH:MM" times. first must be earlier than second.
// A nil loc means UTC.
func NewWindows(first, second string, loc *time.Location, margin time.Duration) (*Windows, error) {
	if loc == nil {
		loc = time.UTC
	}
	if margin <= 0 {
		margin = DefaultMargin
	}
	h1, m1, err := config.ParseClock("first", first)
	if err != nil {
		return nil, err
	}
	h2, m2, err := config.ParseClock("second", second)
	if err != nil {
		return nil, err
	}
	w := &Windows{loc: loc, margin: margin, first: h1*60 + m1, second: h2*60 + m2}
	if w.first >= w.second {
		return nil, fmt.Errorf("first window %s must be earlier than second %s", first, second)
	}
	if w.firstSched, err = cron.ParseStandard(fmt.Sprintf("%d %d * * *", m1, h1)); err != nil {
		return nil, err
	}
	if w.secondSched, err = cron.ParseStandard(fmt.Sprintf("%d %d * * *", m2, h2)); err != nil {
		return nil, err
	}
	if w.midnightSched, err = cron.ParseStandard("0 0 * * *"); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the window now falls into.
func (w *Windows) Current(now time.Time) Window {
	t := now.In(w.loc)
	m := t.Hour()*60 + t.Minute()
	switch {
	case m < w.first:
		return BeforeFirst
	case m < w.second:
		return First
	default:
		return Second
	}
}

// Wait returns the time until the next boundary (first, second or
// midnight) plus the safety margin.
func (w *Windows) Wait(now time.Time) time.Duration {
	t := now.In(w.loc)
	next := w.firstSched.Next(t)
	for _, s := range []cron.Schedule{w.secondSched, w.midnightSched} {
		if n := s.Next(t); n.Before(next) {
			next = n
		}
	}
	return next.Sub(t) + w.margin
}
