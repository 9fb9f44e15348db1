package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "promobot/pkg/logx"
)

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		engine:   eng,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		triggers: map[string]*trigger{},
		enqWarn:  map[string]*enqueueWarn{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the trigger timezone. Valid before Start.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Apply swaps the config. A timezone change restarts cron so every trigger
// is recomputed in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	old := s.c
	if old == nil || !tzChanged {
		s.mu.Unlock()
		return
	}
	s.stopLockedNoWait()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
	s.mu.Unlock()

	// Running jobs may need s.mu; wait outside the lock.
	<-old.Stop().Done()
}

// Start begins triggering registered definitions.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

// Stop halts cron and one-shot timers. Definitions are kept and resume on Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.stopLockedNoWait()
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
		s.log.Info("scheduler stopped")
	}
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, t := range s.triggers {
		s.armLocked(t)
	}
	s.c.Start()
}

func (s *Service) stopLockedNoWait() {
	for _, t := range s.triggers {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.entryID = 0
	}
	s.c = nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Entries lists triggers whose name starts with prefix ("" lists all),
// ordered by next fire time.
func (s *Service) Entries(prefix string) []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.triggers))
	for name, t := range s.triggers {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		it := ScheduleInfo{Name: name, Kind: t.kind.String(), Spec: t.spec}
		switch {
		case t.kind == kindOnce:
			it.Next = t.at
		case s.c != nil && t.entryID != 0:
			e := s.c.Entry(t.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		default:
			it.Next = t.sched.Next(time.Now().In(s.locOrLocal()))
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Next, out[j].Next
		if a.IsZero() != b.IsZero() {
			return !a.IsZero()
		}
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Service) locOrLocal() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return time.Local
}

func (s *Service) Snapshot() Snapshot {
	entries := s.Entries("")
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  s.locOrLocal().String(),
		Schedules: entries,
	}
}
