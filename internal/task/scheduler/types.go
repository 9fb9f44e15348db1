package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// ErrPastDue is returned by AddOnce when the requested time is not in the future.
var ErrPastDue = errors.New("scheduler: trigger time is not in the future")

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// TaskFactory builds the engine task for one fire. firedAt is the occurrence
// time: the requested time for one-shot triggers and the fire time truncated
// to the second for recurring ones.
type TaskFactory func(firedAt time.Time) engine.Task

// Enqueuer is the part of the task engine the scheduler depends on.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type triggerKind int

const (
	kindCron triggerKind = iota
	kindOnce
)

func (k triggerKind) String() string {
	if k == kindOnce {
		return "once"
	}
	return "cron"
}

type trigger struct {
	name    string
	kind    triggerKind
	spec    string
	sched   cron.Schedule
	factory TaskFactory
	ver     uint64

	entryID cron.EntryID
	at      time.Time
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer
	parser cron.Parser
	c      *cron.Cron

	triggers map[string]*trigger
	verSeq   uint64

	enqMu   sync.Mutex
	enqWarn map[string]*enqueueWarn
}

// ScheduleInfo describes one registered trigger.
type ScheduleInfo struct {
	Name string    `json:"name"`
	Kind string    `json:"kind"`
	Spec string    `json:"spec,omitempty"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
