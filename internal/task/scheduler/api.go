package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "promobot/pkg/logx"
)

// AddCron registers a cron expression trigger (5 or 6 fields, or a descriptor
// like "@daily"). Re-registering a name replaces it.
func (s *Service) AddCron(name, spec string, factory TaskFactory) error {
	sched, err := s.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return s.upsert(&trigger{name: name, kind: kindCron, spec: spec, sched: sched, factory: factory})
}

// AddSchedule registers an arbitrary cron.Schedule. A schedule returning the
// zero time never fires again.
func (s *Service) AddSchedule(name string, sched cron.Schedule, spec string, factory TaskFactory) error {
	if sched == nil {
		return errors.New("schedule required")
	}
	return s.upsert(&trigger{name: name, kind: kindCron, spec: spec, sched: sched, factory: factory})
}

// AddInterval registers a fixed interval trigger. The first fire is offset by
// a per-name delay so several sweeps do not fire together right after start.
func (s *Service) AddInterval(name string, every time.Duration, factory TaskFactory) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	sched := intervalSchedule(every, time.Now(), name)
	return s.upsert(&trigger{name: name, kind: kindCron, spec: "@every " + every.String(), sched: sched, factory: factory})
}

// AddOnce registers a one-shot trigger. at must be in the future; otherwise
// ErrPastDue is returned and nothing is registered.
func (s *Service) AddOnce(name string, at time.Time, factory TaskFactory) error {
	if at.IsZero() {
		return errors.New("at required")
	}
	if !at.After(time.Now()) {
		s.Remove(name)
		return ErrPastDue
	}
	return s.upsert(&trigger{name: name, kind: kindOnce, spec: at.Format(time.RFC3339), at: at, factory: factory})
}

func (s *Service) upsert(t *trigger) error {
	t.name = strings.TrimSpace(t.name)
	if t.name == "" {
		return errors.New("name required")
	}
	if t.factory == nil {
		return errors.New("task factory required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t.name)
	s.verSeq++
	t.ver = s.verSeq
	s.triggers[t.name] = t
	if s.c != nil {
		s.armLocked(t)
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("trigger registered", logx.String("name", t.name), logx.String("kind", t.kind.String()), logx.String("spec", t.spec))
	}
	return nil
}

// Remove unregisters name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

// RemovePrefix unregisters every trigger whose name starts with prefix.
func (s *Service) RemovePrefix(prefix string) int {
	if prefix == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name := range s.triggers {
		if strings.HasPrefix(name, prefix) && s.removeLocked(name) {
			n++
		}
	}
	return n
}

// Has reports whether name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[name]
	return ok
}

func (s *Service) removeLocked(name string) bool {
	t, ok := s.triggers[name]
	if !ok {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if s.c != nil && t.entryID != 0 {
		s.c.Remove(t.entryID)
	}
	delete(s.triggers, name)
	s.forgetEnqueueWarn(name)
	return true
}

// armLocked attaches t to the running cron or creates its one-shot timer.
func (s *Service) armLocked(t *trigger) {
	name, ver := t.name, t.ver
	switch t.kind {
	case kindOnce:
		delay := time.Until(t.at)
		if delay < 0 {
			delay = 0
		}
		at := t.at
		t.timer = time.AfterFunc(delay, func() { s.fire(name, ver, at, true) })
	default:
		t.entryID = s.c.Schedule(t.sched, cron.FuncJob(func() {
			s.fire(name, ver, time.Now().In(s.locOrLocalSafe()).Truncate(time.Second), false)
		}))
	}
}

func (s *Service) locOrLocalSafe() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locOrLocal()
}

// fire enqueues the trigger's task unless the trigger was removed or replaced
// since the timer was armed.
func (s *Service) fire(name string, ver uint64, firedAt time.Time, once bool) {
	s.mu.Lock()
	t, ok := s.triggers[name]
	if !ok || t.ver != ver {
		s.mu.Unlock()
		return
	}
	factory := t.factory
	if once {
		delete(s.triggers, name)
	}
	s.mu.Unlock()

	task := factory(firedAt)
	if strings.TrimSpace(task.Name) == "" {
		task.Name = name
	}
	if s.engine == nil {
		return
	}
	if err := s.engine.Enqueue(task); err != nil {
		s.reportEnqueueError(name, err)
	}
}

// ParseHHMM parses a wall-clock "HH:MM".
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
