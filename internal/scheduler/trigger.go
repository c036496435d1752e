package scheduler

import (
	"fmt"
	"time"

	"github.com/sarslanhan/cronmask"

	"github.com/vyrodovalexey/avaserve/internal/router"
)

// maxCronScan bounds the minute scan for the next cron activation. Five
// years covers expressions that only match on February 29th.
const maxCronScan = 5 * 366 * 24 * 60

// trigger computes activation times.
type trigger interface {
	// next returns the first activation strictly after t, or the zero
	// time when there is none.
	next(t time.Time) time.Time
	String() string
}

func newTrigger(s *router.Schedule, origin time.Time) (trigger, error) {
	switch {
	case s.Every > 0:
		return everyTrigger{origin: origin, every: s.Every}, nil
	case s.Cron != "":
		mask, err := cronmask.New(s.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
		return cronTrigger{expr: s.Cron, mask: mask}, nil
	case s.Startup:
		return startupTrigger{}, nil
	default:
		return nil, fmt.Errorf("schedule has no trigger")
	}
}

// everyTrigger fires on a fixed grid anchored at origin, so a late or
// skipped activation does not shift the ones after it.
type everyTrigger struct {
	origin time.Time
	every  time.Duration
}

func (g everyTrigger) next(t time.Time) time.Time {
	if t.Before(g.origin) {
		return g.origin.Add(g.every)
	}
	n := t.Sub(g.origin)/g.every + 1
	return g.origin.Add(n * g.every)
}

func (g everyTrigger) String() string {
	return "every " + g.every.String()
}

// cronTrigger fires at the start of every minute matched by a cron mask.
type cronTrigger struct {
	expr string
	mask *cronmask.CronMask
}

func (c cronTrigger) next(t time.Time) time.Time {
	m := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronScan; i++ {
		if c.mask.Match(m) {
			return m
		}
		m = m.Add(time.Minute)
	}
	return time.Time{}
}

func (c cronTrigger) String() string {
	return "cron " + c.expr
}

// startupTrigger never fires again after the startup run.
type startupTrigger struct{}

func (startupTrigger) next(time.Time) time.Time {
	return time.Time{}
}

func (startupTrigger) String() string {
	return "startup"
}
