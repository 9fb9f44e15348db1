package admission

import (
	"sync"
	"time"

	"promobot/internal/ads"
)

const week = 7 * 24 * time.Hour

// Limits are the per-tenant admission knobs. Zero limits mean unlimited.
type Limits struct {
	Disabled    bool
	Cooldown    time.Duration
	DailyLimit  int
	WeeklyLimit int
}

const (
	ReasonDisabled    = "tenant disabled"
	ReasonCooldown    = "cooldown active"
	ReasonDailyLimit  = "daily limit reached"
	ReasonWeeklyLimit = "weekly limit reached"
)

type Decision struct {
	Allowed bool
	Reason  string
	// RetryAt is when a cooldown denial lifts. Zero for other reasons.
	RetryAt time.Time
}

type Usage struct {
	LastSendAt time.Time `json:"last_send_at"`
	Today      int       `json:"today"`
	Week       int       `json:"week"`
}

type ledgerEntry struct {
	lastSendAt time.Time
	day        string
	dayCount   int
	weekly     []time.Time
}

// prune drops counters outside their windows.
func (e *ledgerEntry) prune(now time.Time, today string) {
	if e.day != today {
		e.day, e.dayCount = today, 0
	}
	cutoff := now.Add(-week)
	i := 0
	for i < len(e.weekly) && !e.weekly[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.weekly = append(e.weekly[:0], e.weekly[i:]...)
	}
}

type Option func(*options)

type options struct {
	clock func() time.Time
	loc   *time.Location
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(o *options) { o.clock = fn } }

// WithLocation sets the zone calendar days are counted in.
func WithLocation(loc *time.Location) Option { return func(o *options) { o.loc = loc } }

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, loc: time.Local}
	for _, fn := range opts {
		fn(&o)
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	return o
}

// Ledger is the cooldown and limit ledger. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	opt     options
	def     Limits
	limits  map[string]Limits
	entries map[string]*ledgerEntry
}

func NewLedger(def Limits, opts ...Option) *Ledger {
	return &Ledger{
		opt:     buildOptions(opts),
		def:     def,
		limits:  map[string]Limits{},
		entries: map[string]*ledgerEntry{},
	}
}

func (l *Ledger) SetDefaults(def Limits) {
	l.mu.Lock()
	l.def = def
	l.mu.Unlock()
}

func (l *Ledger) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	l.mu.Lock()
	l.opt.loc = loc
	l.mu.Unlock()
}

// SetLimits overrides the defaults for one tenant. History is kept.
func (l *Ledger) SetLimits(tenant string, lim Limits) {
	l.mu.Lock()
	l.limits[tenant] = lim
	l.mu.Unlock()
}

// ClearLimits reverts a tenant to the defaults.
func (l *Ledger) ClearLimits(tenant string) {
	l.mu.Lock()
	delete(l.limits, tenant)
	l.mu.Unlock()
}

func (l *Ledger) Limits(tenant string) Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitsLocked(tenant)
}

func (l *Ledger) limitsLocked(tenant string) Limits {
	if lim, ok := l.limits[tenant]; ok {
		return lim
	}
	return l.def
}

// Window is the cooldown applied to a send of the given kind.
func Window(cooldown time.Duration, p ads.Priority, recurring bool) time.Duration {
	w := cooldown
	if p == ads.PriorityHigh {
		w = cooldown / 3
	}
	if recurring && cooldown/2 < w {
		w = cooldown / 2
	}
	return w
}

func (l *Ledger) CanSend(tenant string, p ads.Priority, recurring bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decideLocked(tenant, p, recurring, l.opt.clock())
}

func (l *Ledger) decideLocked(tenant string, p ads.Priority, recurring bool, now time.Time) Decision {
	lim := l.limitsLocked(tenant)
	if lim.Disabled {
		return Decision{Reason: ReasonDisabled}
	}
	e := l.entries[tenant]
	if e == nil {
		return Decision{Allowed: true}
	}
	e.prune(now, l.dayKey(now))

	if w := Window(lim.Cooldown, p, recurring); w > 0 && !e.lastSendAt.IsZero() {
		if next := e.lastSendAt.Add(w); now.Before(next) {
			return Decision{Reason: ReasonCooldown, RetryAt: next}
		}
	}
	if lim.DailyLimit > 0 && p != ads.PriorityHigh && e.dayCount >= lim.DailyLimit {
		return Decision{Reason: ReasonDailyLimit}
	}
	if recurring && lim.WeeklyLimit > 0 && len(e.weekly) >= lim.WeeklyLimit {
		return Decision{Reason: ReasonWeeklyLimit}
	}
	return Decision{Allowed: true}
}

func (l *Ledger) Record(tenant string, p ads.Priority, recurring bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(tenant, recurring, l.opt.clock())
}

func (l *Ledger) recordLocked(tenant string, recurring bool, now time.Time) *ledgerEntry {
	e := l.entries[tenant]
	if e == nil {
		e = &ledgerEntry{}
		l.entries[tenant] = e
	}
	e.prune(now, l.dayKey(now))
	e.lastSendAt = now
	e.dayCount++
	if recurring {
		e.weekly = append(e.weekly, now)
	}
	return e
}

// Reservation is a send counted against a tenant before it happens.
// Exactly one of Commit or Release takes effect; later calls are no-ops.
type Reservation struct {
	l         *Ledger
	tenant    string
	at        time.Time
	prevLast  time.Time
	day       string
	recurring bool
	done      bool
}

// Admit decides and records in one step, so concurrent sends of a tenant
// cannot all pass the same cooldown. The returned reservation is nil when
// the send is denied.
func (l *Ledger) Admit(tenant string, p ads.Priority, recurring bool) (Decision, *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opt.clock()
	dec := l.decideLocked(tenant, p, recurring, now)
	if !dec.Allowed {
		return dec, nil
	}
	var prev time.Time
	if e := l.entries[tenant]; e != nil {
		prev = e.lastSendAt
	}
	e := l.recordLocked(tenant, recurring, now)
	return dec, &Reservation{l: l, tenant: tenant, at: now, prevLast: prev, day: e.day, recurring: recurring}
}

// Commit keeps the reserved send.
func (r *Reservation) Commit() {
	if r == nil {
		return
	}
	r.l.mu.Lock()
	r.done = true
	r.l.mu.Unlock()
}

// Release refunds a send that never went out. The last send time is only
// restored when no later send has been recorded since.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	l := r.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	e := l.entries[r.tenant]
	if e == nil {
		return
	}
	if e.day == r.day && e.dayCount > 0 {
		e.dayCount--
	}
	if r.recurring {
		for i, ts := range e.weekly {
			if ts.Equal(r.at) {
				e.weekly = append(e.weekly[:i], e.weekly[i+1:]...)
				break
			}
		}
	}
	if e.lastSendAt.Equal(r.at) {
		e.lastSendAt = r.prevLast
	}
}

func (l *Ledger) Usage(tenant string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[tenant]
	if e == nil {
		return Usage{}
	}
	now := l.opt.clock()
	e.prune(now, l.dayKey(now))
	return Usage{LastSendAt: e.lastSendAt, Today: e.dayCount, Week: len(e.weekly)}
}

// Prune removes tenants with no live counters and whose last send is older
// than both the cooldown and a week. Returns the number removed.
func (l *Ledger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opt.clock()
	today := l.dayKey(now)
	n := 0
	for tenant, e := range l.entries {
		e.prune(now, today)
		horizon := week
		if c := l.limitsLocked(tenant).Cooldown; c > horizon {
			horizon = c
		}
		if e.dayCount == 0 && len(e.weekly) == 0 && now.Sub(e.lastSendAt) >= horizon {
			delete(l.entries, tenant)
			n++
		}
	}
	return n
}

func (l *Ledger) dayKey(t time.Time) string { return t.In(l.opt.loc).Format("2006-01-02") }
