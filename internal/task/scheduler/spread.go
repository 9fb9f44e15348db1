package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// offsetSchedule fires every interval, starting at first.
type offsetSchedule struct {
	every time.Duration
	first time.Time
}

func (s *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return t.Add(s.every)
}

// startupOffset derives a stable offset in [0, min(every, 30s)] from name so
// sweeps registered together do not all fire on the same tick.
func startupOffset(every time.Duration, name string) time.Duration {
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(limit+1))
}

func intervalSchedule(every time.Duration, now time.Time, name string) cron.Schedule {
	return &offsetSchedule{every: every, first: now.Add(every + startupOffset(every, name))}
}
