package scheduler

import (
	"errors"
	"time"

	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// enqueueWarnEvery throttles enqueue warnings per trigger. Suppressed
// repeats are counted and reported with the next warning.
const enqueueWarnEvery = 5 * time.Second

type enqueueWarn struct {
	last       time.Time
	suppressed int
}

func (s *Service) reportEnqueueError(name string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("trigger skipped: occurrence already in flight", logx.String("trigger", name))
		return
	case errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		s.log.Debug("trigger fired during shutdown", logx.String("trigger", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	w := s.enqWarn[name]
	if w == nil {
		w = &enqueueWarn{}
		s.enqWarn[name] = w
	}
	if !w.last.IsZero() && now.Sub(w.last) < enqueueWarnEvery {
		w.suppressed++
		s.enqMu.Unlock()
		return
	}
	suppressed := w.suppressed
	w.last, w.suppressed = now, 0
	s.enqMu.Unlock()

	fields := []logx.Field{logx.String("trigger", name), logx.Err(err)}
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}
	s.log.Warn("trigger failed to enqueue task", fields...)
}

// forgetEnqueueWarn drops throttle state for a removed trigger.
func (s *Service) forgetEnqueueWarn(name string) {
	s.enqMu.Lock()
	delete(s.enqWarn, name)
	s.enqMu.Unlock()
}
