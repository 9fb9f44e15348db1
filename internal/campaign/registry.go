package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"promobot/internal/admission"
	"promobot/internal/ads"
	"promobot/internal/audit"
	"promobot/internal/eventbus"
	"promobot/internal/messenger"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	logx "promobot/pkg/logx"
)

type Deps struct {
	Scheduler *scheduler.Service
	Engine    *engine.Service
	Delivery  Deliverer
	Ledger    *admission.Ledger
	Guard     *admission.DedupGuard
	Retractor Retractor
	Directory *messenger.Directory
	// Store is optional; nil keeps everything in memory.
	Store     Store
	Bus       eventbus.Bus
	Log       logx.Logger
	Clock     func() time.Time
	Prunables []Pruner
}

type Registry struct {
	cfg Config

	sched     *scheduler.Service
	engine    *engine.Service
	delivery  Deliverer
	ledger    *admission.Ledger
	guard     *admission.DedupGuard
	retractor Retractor
	dir       *messenger.Directory
	store     Store
	bus       eventbus.Bus
	log       logx.Logger
	clock     func() time.Time
	prunables []Pruner

	mu       sync.Mutex
	tenants  map[string]*tenantState
	stats    map[statsKey]*adStats
	restored map[statsKey]storage.StatusRow
	verSeq   uint64
}

func New(cfg Config, d Deps) *Registry {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	dir := d.Directory
	if dir == nil {
		dir = messenger.NewDirectory()
	}
	return &Registry{
		cfg:       cfg.withDefaults(),
		sched:     d.Scheduler,
		engine:    d.Engine,
		delivery:  d.Delivery,
		ledger:    d.Ledger,
		guard:     d.Guard,
		retractor: d.Retractor,
		dir:       dir,
		store:     d.Store,
		bus:       d.Bus,
		log:       log.With(logx.String("comp", "campaign")),
		clock:     clock,
		prunables: d.Prunables,
		tenants:   map[string]*tenantState{},
		stats:     map[statsKey]*adStats{},
		restored:  map[statsKey]storage.StatusRow{},
	}
}

// Start restores persisted state and registers the periodic sweeps. Call it
// before the first ApplyTenantSettings so restored statuses apply.
func (r *Registry) Start(ctx context.Context) error {
	err := r.Restore(ctx)
	if err != nil {
		r.log.Warn("restore incomplete", logx.Err(err))
	}
	sweeps := []struct {
		name  string
		every time.Duration
		retry int
		run   func(context.Context) error
	}{
		{"sweep/due", r.cfg.DueTick, -1, func(ctx context.Context) error { r.SweepDue(ctx); return nil }},
		{"sweep/expiry", r.cfg.ExpirySweep, -1, func(ctx context.Context) error { r.SweepExpired(ctx); return nil }},
		{"sweep/cleanup", r.cfg.Cleanup, 2, r.cleanupTask},
	}
	for _, sw := range sweeps {
		sw := sw
		name := "campaign." + strings.ReplaceAll(sw.name, "/", ".")
		factory := func(time.Time) engine.Task {
			return engine.Task{
				Name:           name,
				ConcurrencyKey: sw.name,
				Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: sw.retry, RetryMaxDelay: time.Minute},
				Run:            sw.run,
			}
		}
		if aerr := r.sched.AddInterval(sw.name, sw.every, factory); aerr != nil {
			return fmt.Errorf("register %s: %w", sw.name, aerr)
		}
	}
	return err
}

func (r *Registry) now() time.Time { return r.clock() }

func triggerPrefix(tenant string) string { return "ad/" + tenant + "/" }

func triggerName(tenant, adID string) string { return triggerPrefix(tenant) + adID }

func validTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" || strings.ContainsAny(tenant, "/ ") {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}

// definitionKey changes whenever an edit should restart the ad's lifecycle.
func definitionKey(a ads.Ad, fp ads.Fingerprint) string {
	rec := ""
	if a.Recurrence != nil {
		rec = fmt.Sprintf("%s|%s|%d|%d|%s", a.Recurrence.Kind, a.Recurrence.At, a.Recurrence.Weekday, a.Recurrence.DayOfMonth, a.Recurrence.Rule)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d", fp, a.PublishMode, a.ScheduleKind, rec, a.ScheduledAt.UnixNano(), a.ExpiresAt.UnixNano())
}

type retiredAd struct {
	tenant string
	ad     ads.Ad
	fp     ads.Fingerprint
	reason string
	forget bool
}

// ApplyTenantSettings replaces the tenant's configuration and re-arms its
// ads. Invalid ads are rejected and reported in the returned error; an
// existing ad whose update is invalid keeps its previous version.
func (r *Registry) ApplyTenantSettings(ctx context.Context, tenant string, s Settings) error {
	if err := validTenant(tenant); err != nil {
		return err
	}
	loc := r.sched.Location()
	now := r.now()

	var errs *multierror.Error
	incoming := make([]ads.Ad, 0, len(s.Ads))
	seen := map[string]bool{}
	rejected := map[string]bool{}
	for _, id := range s.Rejected {
		rejected[id] = true
		seen[id] = true
	}
	for _, a := range s.Ads {
		a = a.WithDefaults()
		if a.ID != "" && seen[a.ID] {
			errs = multierror.Append(errs, fmt.Errorf("%w: duplicate id %q", ads.ErrInvalidAd, a.ID))
			continue
		}
		if err := a.Validate(loc); err != nil {
			errs = multierror.Append(errs, err)
			if a.ID != "" {
				rejected[a.ID] = true
				seen[a.ID] = true
			}
			continue
		}
		seen[a.ID] = true
		incoming = append(incoming, a.Clone())
	}

	r.dir.Set(tenant, s.Channels, s.Roles)
	r.applyLimits(tenant, s)

	r.mu.Lock()
	ts := r.tenants[tenant]
	if ts == nil {
		ts = &tenantState{ads: map[string]*adState{}}
		r.tenants[tenant] = ts
	}
	var retire []retiredAd
	var immediate []string
	next := make(map[string]*adState, len(incoming))
	order := make([]string, 0, len(incoming))
	for _, a := range incoming {
		fp := ads.FingerprintOf(a)
		dk := definitionKey(a, fp)
		prev := ts.ads[a.ID]
		var st *adState
		if prev != nil && prev.defKey == dk {
			cp := *prev
			st = &cp
			a.Status, a.CreatedAt, a.PublishedAt = prev.ad.Status, prev.ad.CreatedAt, prev.ad.PublishedAt
			st.ad = a
			if prev.ad.Enabled && !a.Enabled {
				st.pending = nil
				retire = append(retire, retiredAd{tenant: tenant, ad: a, fp: fp, reason: "disabled"})
			}
		} else {
			if prev != nil {
				a.CreatedAt = prev.ad.CreatedAt
				if prev.fp != fp {
					r.guard.Clear(tenant, a.ID)
				}
			}
			if a.CreatedAt.IsZero() {
				a.CreatedAt = now
			}
			a.Status, a.PublishedAt = ads.InitialStatus(a, now), time.Time{}
			if prev == nil {
				a = r.applyRestoredLocked(tenant, a, fp)
			}
			r.verSeq++
			st = &adState{ad: a, fp: fp, defKey: dk, version: r.verSeq}
		}
		next[a.ID] = st
		order = append(order, a.ID)
		if immediateWaiting(st, now) {
			immediate = append(immediate, a.ID)
		}
	}
	for _, id := range ts.order {
		prev := ts.ads[id]
		if next[id] != nil {
			continue
		}
		if rejected[id] {
			next[id] = prev
			order = append(order, id)
			continue
		}
		retire = append(retire, retiredAd{tenant: tenant, ad: prev.ad, fp: prev.fp, reason: "removed", forget: true})
	}
	ts.ads, ts.order = next, order
	r.rearmLocked(tenant, ts, now)
	r.mu.Unlock()

	for _, ra := range retire {
		if ra.forget {
			r.guard.Clear(tenant, ra.ad.ID)
			r.persist(ctx, func(ctx context.Context) error { return r.store.ForgetStatus(ctx, tenant, ra.ad.ID) })
		}
		r.log.Info("ad disarmed", logx.String("tenant", tenant), logx.String("ad", ra.ad.ID), logx.String("reason", ra.reason))
		r.audit(ctx, audit.Entry{Tenant: tenant, AdID: ra.ad.ID, Action: audit.Disarmed, Detail: ra.reason})
		r.retractAsync(tenant, ra.ad.ID)
	}
	for _, id := range immediate {
		r.enqueue(r.occurrenceTask(tenant, id, now, fireImmediate))
	}
	r.log.Info("tenant settings applied",
		logx.String("tenant", tenant),
		logx.Int("ads", len(order)),
		logx.Int("rejected", len(rejected)),
		logx.Bool("enabled", s.Enabled),
	)
	return errs.ErrorOrNil()
}

func (r *Registry) applyLimits(tenant string, s Settings) {
	if s.Limits != nil {
		r.ledger.SetLimits(tenant, *s.Limits)
	} else {
		r.ledger.ClearLimits(tenant)
	}
	if !s.Enabled {
		lim := r.ledger.Limits(tenant)
		lim.Disabled = true
		r.ledger.SetLimits(tenant, lim)
	}
}

// applyRestoredLocked carries a persisted status over to a freshly loaded
// ad when its content is unchanged. A restored row is used once.
func (r *Registry) applyRestoredLocked(tenant string, a ads.Ad, fp ads.Fingerprint) ads.Ad {
	k := statsKey{tenant, a.ID}
	row, ok := r.restored[k]
	if !ok {
		return a
	}
	delete(r.restored, k)
	if row.Fingerprint != fp || a.Status == ads.StatusExpired {
		return a
	}
	a.PublishedAt = row.PublishedAt
	switch {
	case row.Status == ads.StatusExpired:
		a.Status = ads.StatusExpired
	case row.Status == ads.StatusPublished && !a.IsRecurring():
		a.Status = ads.StatusExpired
	}
	return a
}

// RemoveTenant disarms every ad of tenant and forgets its configuration.
func (r *Registry) RemoveTenant(ctx context.Context, tenant string) error {
	r.mu.Lock()
	_, ok := r.tenants[tenant]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownTenant
	}
	if err := r.ApplyTenantSettings(ctx, tenant, Settings{}); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.tenants, tenant)
	r.mu.Unlock()
	r.sched.RemovePrefix(triggerPrefix(tenant))
	r.dir.Remove(tenant)
	r.ledger.ClearLimits(tenant)
	return nil
}

// Rearm recomputes every trigger of tenant.
func (r *Registry) Rearm(tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.tenants[tenant]
	if ts == nil {
		return ErrUnknownTenant
	}
	r.rearmLocked(tenant, ts, r.now())
	return nil
}

// rearmLocked drops every trigger of tenant and arms the armable ads again.
// Running it twice leaves the same trigger set.
func (r *Registry) rearmLocked(tenant string, ts *tenantState, now time.Time) {
	r.sched.RemovePrefix(triggerPrefix(tenant))
	for _, id := range ts.order {
		r.armLocked(tenant, ts.ads[id], now)
	}
}

func (r *Registry) armLocked(tenant string, st *adState, now time.Time) {
	a := st.ad
	if !a.Armable(now) {
		return
	}
	name := triggerName(tenant, a.ID)
	log := r.log.With(logx.String("tenant", tenant), logx.String("ad", a.ID))
	if !a.IsRecurring() {
		if st.attempted.Equal(a.ScheduledAt) {
			return
		}
		err := r.sched.AddOnce(name, a.ScheduledAt, r.factory(tenant, a.ID, fireScheduled))
		switch {
		case errors.Is(err, scheduler.ErrPastDue):
			log.Info("one-shot past due, firing now", logx.Time("scheduled_at", a.ScheduledAt))
			r.enqueue(r.occurrenceTask(tenant, a.ID, a.ScheduledAt, fireScheduled))
		case err != nil:
			log.Warn("arm failed", logx.Err(err))
		}
		return
	}
	sched, spec, err := a.Recurrence.Schedule(r.sched.Location())
	if err != nil {
		log.Warn("arm failed", logx.Err(err))
		return
	}
	bounded := ads.Bounded(sched, a.ScheduledAt, a.ExpiresAt)
	if bounded.Next(now).IsZero() {
		return
	}
	if err := r.sched.AddSchedule(name, bounded, spec, r.factory(tenant, a.ID, fireScheduled)); err != nil {
		log.Warn("arm failed", logx.Err(err))
	}
}

func (r *Registry) disarmLocked(tenant, adID string) {
	r.sched.Remove(triggerName(tenant, adID))
}

func (r *Registry) factory(tenant, adID string, mode fireMode) scheduler.TaskFactory {
	return func(firedAt time.Time) engine.Task {
		return r.occurrenceTask(tenant, adID, firedAt, mode)
	}
}

// occurrenceTask wraps one fire. The concurrency key makes a second fire of
// the same occurrence a no-op while the first is queued or running.
func (r *Registry) occurrenceTask(tenant, adID string, occ time.Time, mode fireMode) engine.Task {
	key := tenant + "/" + adID + "/" + occ.UTC().Format(time.RFC3339)
	if mode == fireImmediate {
		key = tenant + "/" + adID + "/immediate"
	}
	return engine.Task{
		Name:           "campaign.fire",
		ConcurrencyKey: key,
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			r.fire(ctx, tenant, adID, occ, mode)
			return nil
		},
	}
}

func (r *Registry) enqueue(t engine.Task) {
	err := r.engine.Enqueue(t)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		r.log.Debug("occurrence already queued", logx.String("key", t.ConcurrencyKey))
	default:
		r.log.Warn("enqueue failed", logx.String("task", t.Name), logx.String("key", t.ConcurrencyKey), logx.Err(err))
	}
}

// Tenants lists configured tenants, sorted.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tenants))
	for t := range r.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Ads returns copies of tenant's ads in configuration order.
func (r *Registry) Ads(tenant string) ([]ads.Ad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.tenants[tenant]
	if ts == nil {
		return nil, ErrUnknownTenant
	}
	out := make([]ads.Ad, 0, len(ts.order))
	for _, id := range ts.order {
		out = append(out, ts.ads[id].ad.Clone())
	}
	return out, nil
}

func (r *Registry) Ad(tenant, adID string) (ads.Ad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, st, err := r.lookupLocked(tenant, adID)
	if err != nil {
		return ads.Ad{}, err
	}
	return st.ad.Clone(), nil
}

func (r *Registry) lookupLocked(tenant, adID string) (*tenantState, *adState, error) {
	ts := r.tenants[tenant]
	if ts == nil {
		return nil, nil, ErrUnknownTenant
	}
	st := ts.ads[adID]
	if st == nil {
		return ts, nil, ErrUnknownAd
	}
	return ts, st, nil
}

func (r *Registry) audit(ctx context.Context, e audit.Entry) {
	if r.store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = r.now()
	}
	r.persist(ctx, func(ctx context.Context) error { return r.store.AppendAudit(ctx, e) })
}

// persist runs fn against the store with a bounded context. Failures are
// logged and never block the caller's lifecycle change.
func (r *Registry) persist(ctx context.Context, fn func(context.Context) error) {
	if r.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()
	if err := fn(pctx); err != nil && !errors.Is(err, storage.ErrDisabled) {
		r.log.Warn("persist failed", logx.Err(err))
	}
}
