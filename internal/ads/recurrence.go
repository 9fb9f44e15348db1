package ads

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"promobot/internal/task/scheduler"
)

type RecurrenceKind string

const (
	Daily   RecurrenceKind = "daily"
	Weekly  RecurrenceKind = "weekly"
	Monthly RecurrenceKind = "monthly"
	Custom  RecurrenceKind = "custom"
)

type Recurrence struct {
	Kind       RecurrenceKind
	At         string // HH:MM wall clock (daily, weekly, monthly)
	Weekday    time.Weekday
	DayOfMonth int    // 1..31, clamped to the month's last day
	Rule       string // cron expression or interval (custom)
}

// ParseWeekday accepts "mon".."sun" and full English names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// Schedule builds the cron schedule of the recurrence in loc and returns a
// human-readable spec.
func (r Recurrence) Schedule(loc *time.Location) (cron.Schedule, string, error) {
	if loc == nil {
		loc = time.Local
	}
	switch r.Kind {
	case Daily, Weekly, Monthly:
	case Custom:
		ps, err := scheduler.ParseSchedule(r.Rule)
		if err != nil {
			return nil, "", err
		}
		sched, err := ps.Schedule()
		if err != nil {
			return nil, "", err
		}
		return sched, strings.TrimSpace(r.Rule), nil
	default:
		return nil, "", fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}

	h, m, err := scheduler.ParseHHMM(r.At)
	if err != nil {
		return nil, "", err
	}
	switch r.Kind {
	case Daily:
		spec := fmt.Sprintf("%d %d * * *", m, h)
		sched, err := parseIn(spec, loc)
		return sched, spec, err
	case Weekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return nil, "", fmt.Errorf("invalid weekday %d", r.Weekday)
		}
		spec := fmt.Sprintf("%d %d * * %d", m, h, int(r.Weekday))
		sched, err := parseIn(spec, loc)
		return sched, spec, err
	default:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return nil, "", fmt.Errorf("day_of_month must be 1..31")
		}
		return monthlySchedule{day: r.DayOfMonth, hour: h, min: m, loc: loc},
			fmt.Sprintf("monthly day=%d at=%02d:%02d", r.DayOfMonth, h, m), nil
	}
}

// parseIn pins the spec to loc. Fixed zones have no tz database name, so the
// location is set on the parsed schedule rather than through CRON_TZ.
func parseIn(spec string, loc *time.Location) (cron.Schedule, error) {
	sched, err := scheduler.CronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	return sched, nil
}

// monthlySchedule fires on day of every month at hour:min, using the last day
// of shorter months.
type monthlySchedule struct {
	day, hour, min int
	loc            *time.Location
}

func (s monthlySchedule) Next(t time.Time) time.Time {
	t = t.In(s.loc)
	for i := 0; i < 2; i++ {
		y, mo, _ := t.Date()
		month := time.Date(y, mo+time.Month(i), 1, 0, 0, 0, 0, s.loc)
		day := s.day
		if last := daysIn(month); day > last {
			day = last
		}
		c := time.Date(month.Year(), month.Month(), day, s.hour, s.min, 0, 0, s.loc)
		if c.After(t) {
			return c
		}
	}
	return time.Time{}
}

func daysIn(month time.Time) int {
	return time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, month.Location()).Day()
}

// Bounded wraps sched so it never fires before notBefore and returns the zero
// time (never again) from expiresAt on. Zero bounds are ignored.
func Bounded(sched cron.Schedule, notBefore, expiresAt time.Time) cron.Schedule {
	if notBefore.IsZero() && expiresAt.IsZero() {
		return sched
	}
	return boundedSchedule{inner: sched, notBefore: notBefore, expiresAt: expiresAt}
}

type boundedSchedule struct {
	inner     cron.Schedule
	notBefore time.Time
	expiresAt time.Time
}

func (b boundedSchedule) Next(t time.Time) time.Time {
	if !b.notBefore.IsZero() && t.Before(b.notBefore) {
		t = b.notBefore.Add(-time.Second)
	}
	n := b.inner.Next(t)
	if n.IsZero() || (!b.expiresAt.IsZero() && !n.Before(b.expiresAt)) {
		return time.Time{}
	}
	return n
}
