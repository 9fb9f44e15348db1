package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"

	"promobot/internal/ads"
	"promobot/internal/audit"
	"promobot/internal/eventbus"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// expireLocked force-expires st and drops its trigger.
func (r *Registry) expireLocked(tenant string, st *adState, reason string) retiredAd {
	if next, err := ads.Transition(st.ad, ads.StatusExpired); err == nil {
		st.ad = next
	}
	st.pending = nil
	r.disarmLocked(tenant, st.ad.ID)
	return retiredAd{tenant: tenant, ad: st.ad, fp: st.fp, reason: reason}
}

// afterExpire persists an expiry. retract strips controls from everything
// the ad sent; a normal one-shot publish keeps its controls.
func (r *Registry) afterExpire(ctx context.Context, ra retiredAd, retract bool) {
	r.log.Info("ad expired", logx.String("tenant", ra.tenant), logx.String("ad", ra.ad.ID), logx.String("reason", ra.reason))
	r.persist(ctx, func(ctx context.Context) error {
		return r.store.MarkExpired(ctx, ra.tenant, ra.ad.ID, ra.fp, ra.ad.PublishedAt)
	})
	r.audit(ctx, audit.Entry{Tenant: ra.tenant, AdID: ra.ad.ID, Action: audit.Expired, Detail: ra.reason})
	eventbus.Emit(r.bus, eventbus.AdExpired, eventbus.AdEvent{Tenant: ra.tenant, AdID: ra.ad.ID, Reason: ra.reason})
	if retract {
		r.retract(ctx, ra.tenant, ra.ad.ID)
	}
}

// SweepExpired retires every ad past its ExpiresAt. It is the authority for
// expiry; the check in fire only short-circuits a late occurrence.
func (r *Registry) SweepExpired(ctx context.Context) int {
	now := r.now()
	var retired []retiredAd
	r.mu.Lock()
	for tenant, ts := range r.tenants {
		for _, id := range ts.order {
			st := ts.ads[id]
			if st.ad.Status == ads.StatusExpired || !st.ad.Expired(now) {
				continue
			}
			retired = append(retired, r.expireLocked(tenant, st, "expires_at reached"))
		}
	}
	r.mu.Unlock()
	for _, ra := range retired {
		r.afterExpire(ctx, ra, true)
	}
	return len(retired)
}

type dueFire struct {
	tenant string
	ad     ads.Ad
	occ    time.Time
	mode   fireMode
	parked bool
}

// immediateWaiting reports whether an immediate draft has yet to publish.
func immediateWaiting(st *adState, now time.Time) bool {
	a := st.ad
	return a.PublishMode == ads.PublishImmediate && a.Status == ads.StatusDraft && !st.immediateDone && a.Deliverable(now)
}

// SweepDue re-offers pending retries the ledger now admits, fires one-shots
// whose trigger was lost and publishes immediate drafts still waiting.
func (r *Registry) SweepDue(_ context.Context) int {
	now := r.now()
	var due []dueFire
	r.mu.Lock()
	for tenant, ts := range r.tenants {
		for _, id := range ts.order {
			st := ts.ads[id]
			a := st.ad
			if st.pending != nil {
				switch {
				case a.Status == ads.StatusScheduled && a.Deliverable(now):
					due = append(due, dueFire{tenant: tenant, ad: a, occ: st.pending.occurrence, mode: fireRetry, parked: true})
				case immediateWaiting(st, now):
					due = append(due, dueFire{tenant: tenant, ad: a, occ: st.pending.occurrence, mode: fireImmediate, parked: true})
				default:
					st.pending = nil
				}
				continue
			}
			switch {
			case a.Armable(now) && !a.IsRecurring() && !a.ScheduledAt.After(now) &&
				!st.attempted.Equal(a.ScheduledAt) && !r.sched.Has(triggerName(tenant, id)):
				due = append(due, dueFire{tenant: tenant, ad: a, occ: a.ScheduledAt, mode: fireScheduled})
			case immediateWaiting(st, now):
				due = append(due, dueFire{tenant: tenant, ad: a, occ: a.CreatedAt, mode: fireImmediate})
			}
		}
	}
	r.mu.Unlock()

	n := 0
	for _, d := range due {
		switch {
		case d.mode == fireRetry:
			if dec := r.ledger.CanSend(d.tenant, d.ad.Priority, d.ad.IsRecurring()); !dec.Allowed {
				continue
			}
		case d.parked && r.ledger.Limits(d.tenant).Disabled:
			// Stays parked until the tenant is enabled again.
			continue
		}
		r.enqueue(r.occurrenceTask(d.tenant, d.ad.ID, d.occ, d.mode))
		n++
	}
	return n
}

// Cleanup prunes every expiring structure and old persisted rows.
// It returns the store prune error, if any.
func (r *Registry) Cleanup(ctx context.Context) error {
	now := r.now()
	dedup := r.guard.Sweep()
	ledger := r.ledger.Prune()
	states := r.engine.PruneStates(time.Hour)
	other := 0
	for _, p := range r.prunables {
		other += p.Prune()
	}
	var (
		rows int64
		err  error
	)
	if r.store != nil {
		rows, err = r.store.PruneDeliveries(ctx, now.Add(-r.cfg.Retention))
		if errors.Is(err, storage.ErrDisabled) {
			err = nil
		}
	}
	r.log.Debug("cleanup done",
		logx.Int("dedup", dedup),
		logx.Int("ledger", ledger),
		logx.Int("task_states", states),
		logx.Int("other", other),
		logx.Int64("rows", rows),
	)
	return err
}

// cleanupTask retries a failed store prune on the due tick. A canceled run
// is not retried.
func (r *Registry) cleanupTask(ctx context.Context) error {
	err := r.Cleanup(ctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return engine.NoRetry(err)
	default:
		r.log.Warn("store prune failed", logx.Err(err))
		return engine.RetryAfter(err, r.cfg.DueTick)
	}
}

// Restore loads persisted statuses and recent deliveries. Statuses are
// applied as ads are first configured; deliveries seed the dedup guard and
// the per-ad stats.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var errs *multierror.Error
	rows, err := r.store.LoadStatuses(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	recs, err := r.store.LoadDeliveries(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	r.mu.Lock()
	for _, row := range rows {
		r.restored[statsKey{row.Tenant, row.AdID}] = row
	}
	for _, rec := range recs {
		k := statsKey{rec.Tenant, rec.AdID}
		s := r.stats[k]
		if s == nil {
			s = &adStats{}
			r.stats[k] = s
		}
		s.sent++
		if rec.SentAt.After(s.lastSentAt) {
			s.lastSentAt = rec.SentAt
		}
		s.refs = append(s.refs, sentRef{channel: rec.Channel, ref: rec.MessageRef})
		if n := len(s.refs) - r.cfg.MaxRefs; n > 0 {
			s.refs = append(s.refs[:0], s.refs[n:]...)
		}
	}
	r.mu.Unlock()

	guarded := r.guard.Restore(recs)
	r.log.Info("state restored", logx.Int("statuses", len(rows)), logx.Int("deliveries", len(recs)), logx.Int("guarded", guarded))
	return errs.ErrorOrNil()
}

// retract strips controls from every message the ad sent. Persisted refs
// cover messages sent before a restart.
func (r *Registry) retract(ctx context.Context, tenant, adID string) int {
	if r.retractor == nil {
		return 0
	}
	type target struct{ channel, ref string }
	var targets []target
	seen := map[target]bool{}

	r.mu.Lock()
	if s := r.stats[statsKey{tenant, adID}]; s != nil {
		for i := range s.refs {
			t := target{s.refs[i].channel, s.refs[i].ref}
			seen[t] = true
			if !s.refs[i].retracted {
				s.refs[i].retracted = true
				targets = append(targets, t)
			}
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		r.persist(ctx, func(ctx context.Context) error {
			recs, err := r.store.DeliveriesFor(ctx, tenant, adID)
			for _, rec := range recs {
				t := target{rec.Channel, rec.MessageRef}
				if !seen[t] {
					seen[t] = true
					targets = append(targets, t)
				}
			}
			return err
		})
	}

	n := 0
	for _, t := range targets {
		if err := r.retractor.StripControls(ctx, t.channel, t.ref); err != nil {
			r.log.Debug("retract failed", logx.String("tenant", tenant), logx.String("ad", adID), logx.String("channel", t.channel), logx.Err(err))
			continue
		}
		n++
		r.audit(ctx, audit.Entry{Tenant: tenant, AdID: adID, Channel: t.channel, Action: audit.Retracted, Detail: t.ref})
		eventbus.Emit(r.bus, eventbus.AdRetracted, eventbus.AdEvent{Tenant: tenant, AdID: adID, Channel: t.channel, MessageRef: t.ref})
	}
	return n
}

func (r *Registry) retractAsync(tenant, adID string) {
	if r.retractor == nil {
		return
	}
	r.enqueue(engine.Task{
		Name:           "campaign.retract",
		ConcurrencyKey: tenant + "/" + adID + "/retract",
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			r.retract(ctx, tenant, adID)
			return nil
		},
	})
}
