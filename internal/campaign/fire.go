package campaign

import (
	"context"
	"fmt"
	"time"

	"promobot/internal/admission"
	"promobot/internal/ads"
	"promobot/internal/audit"
	"promobot/internal/delivery"
	"promobot/internal/eventbus"
	logx "promobot/pkg/logx"
)

// fire runs one occurrence of an ad. The ad is re-read and re-validated
// first: a deleted, disabled or expired ad never reaches delivery.
func (r *Registry) fire(ctx context.Context, tenant, adID string, occ time.Time, mode fireMode) {
	now := r.now()
	log := r.log.With(logx.String("tenant", tenant), logx.String("ad", adID), logx.String("mode", mode.String()))

	r.mu.Lock()
	_, st, err := r.lookupLocked(tenant, adID)
	if err != nil {
		r.mu.Unlock()
		log.Debug("fire for unknown ad ignored")
		return
	}
	a := st.ad.Clone()
	version := st.version
	if a.Expired(now) && a.Status != ads.StatusExpired {
		retired := r.expireLocked(tenant, st, "expires_at reached")
		r.mu.Unlock()
		r.afterExpire(ctx, retired, true)
		return
	}
	skip := ""
	switch {
	case !a.Deliverable(now):
		skip = "not deliverable"
	case mode == fireImmediate && (a.Status != ads.StatusDraft || st.immediateDone):
		skip = "already published"
	case (mode == fireScheduled || mode == fireRetry) && a.Status != ads.StatusScheduled:
		skip = "not scheduled"
	}
	if skip != "" {
		r.mu.Unlock()
		log.Debug("fire skipped", logx.String("reason", skip), logx.String("status", string(a.Status)))
		return
	}
	if r.ledger.Limits(tenant).Disabled {
		r.mu.Unlock()
		r.deny(ctx, tenant, a, version, occ, admission.Decision{Reason: admission.ReasonDisabled})
		return
	}
	switch mode {
	case fireScheduled:
		if !a.IsRecurring() {
			st.attempted = occ
		}
		st.pending = nil
	case fireImmediate:
		st.immediateDone = true
		st.pending = nil
	}
	r.mu.Unlock()

	var rsv *admission.Reservation
	if !mode.bypassLedger() {
		var dec admission.Decision
		if dec, rsv = r.ledger.Admit(tenant, a.Priority, a.IsRecurring()); !dec.Allowed {
			r.deny(ctx, tenant, a, version, occ, dec)
			return
		}
	}
	if mode == fireRetry {
		// One attempt per parked occurrence; a failed retry is not re-offered.
		r.mu.Lock()
		if _, cur, err := r.lookupLocked(tenant, adID); err == nil && cur.version == version {
			cur.pending = nil
		}
		r.mu.Unlock()
	}

	res := r.delivery.Deliver(ctx, tenant, a, delivery.Options{Occurrence: occ.UTC().Format(time.RFC3339)})
	if res.Sent > 0 {
		rsv.Commit()
	} else {
		rsv.Release()
	}
	r.settle(ctx, tenant, a, version, res)
}

// deny parks the occurrence as a pending retry. Only the first denial of an
// occurrence is audited.
func (r *Registry) deny(ctx context.Context, tenant string, a ads.Ad, version uint64, occ time.Time, dec admission.Decision) {
	now := r.now()
	fresh := false
	r.mu.Lock()
	if _, st, err := r.lookupLocked(tenant, a.ID); err == nil && st.version == version {
		fresh = st.pending == nil || !st.pending.occurrence.Equal(occ) || st.pending.reason != dec.Reason
		since := now
		if st.pending != nil && st.pending.occurrence.Equal(occ) {
			since = st.pending.since
		}
		st.pending = &pendingRetry{occurrence: occ, reason: dec.Reason, since: since, retryAt: dec.RetryAt}
	}
	r.mu.Unlock()
	if !fresh {
		return
	}
	r.log.Info("ad denied", logx.String("tenant", tenant), logx.String("ad", a.ID), logx.String("reason", dec.Reason))
	r.audit(ctx, audit.Entry{Tenant: tenant, AdID: a.ID, Action: audit.Denied, Detail: dec.Reason})
	eventbus.Emit(r.bus, eventbus.AdDenied, eventbus.AdEvent{Tenant: tenant, AdID: a.ID, Reason: dec.Reason})
}

// settle applies the lifecycle consequences of a delivery. Any successful
// destination publishes the ad; a one-shot then expires and a recurring ad
// returns to scheduled. An ad edited or removed mid-flight keeps its state.
// Ledger usage is settled by the caller.
func (r *Registry) settle(ctx context.Context, tenant string, a ads.Ad, version uint64, res delivery.Result) {
	now := r.now()
	var published, expired bool
	var cur ads.Ad

	r.mu.Lock()
	r.recordStatsLocked(tenant, a.ID, res)
	_, st, err := r.lookupLocked(tenant, a.ID)
	if err != nil || st.version != version {
		r.mu.Unlock()
		return
	}
	cur = st.ad
	switch {
	case res.Sent > 0:
		st.pending = nil
		if next, terr := ads.Transition(cur, ads.StatusPublished); terr == nil {
			cur = next
			cur.PublishedAt = now
			published = true
		}
		if cur.IsRecurring() {
			if next, terr := ads.Transition(cur, ads.StatusScheduled); terr == nil {
				cur = next
			}
		} else if next, terr := ads.Transition(cur, ads.StatusExpired); terr == nil {
			cur = next
			expired = true
			r.disarmLocked(tenant, a.ID)
		}
	case res.Exhausted && !cur.IsRecurring():
		if next, terr := ads.Transition(cur, ads.StatusExpired); terr == nil {
			cur = next
			expired = true
			r.disarmLocked(tenant, a.ID)
		}
	}
	st.ad = cur
	fp := st.fp
	r.mu.Unlock()

	if published {
		r.log.Info("ad published", logx.String("tenant", tenant), logx.String("ad", a.ID), logx.Int("sent", res.Sent), logx.Int("failed", len(res.Failures)))
		r.persist(ctx, func(ctx context.Context) error { return r.store.MarkPublished(ctx, tenant, a.ID, fp, cur.PublishedAt) })
		r.audit(ctx, audit.Entry{RunID: res.RunID, Tenant: tenant, AdID: a.ID, Action: audit.Published, Detail: fmt.Sprintf("sent=%d failed=%d skipped=%d", res.Sent, len(res.Failures), len(res.Skipped))})
		eventbus.Emit(r.bus, eventbus.AdPublished, eventbus.AdEvent{RunID: res.RunID, Tenant: tenant, AdID: a.ID})
	}
	if expired {
		reason := "published"
		if res.Sent == 0 {
			reason = "destinations exhausted"
		}
		r.afterExpire(ctx, retiredAd{tenant: tenant, ad: cur, fp: fp, reason: reason}, false)
	}
}

// TriggerImmediate delivers the ad now, bypassing cooldown and counters but
// not the dedup guard. An expired ad runs through the guards without
// sending so the result reports why each destination is blocked.
func (r *Registry) TriggerImmediate(ctx context.Context, tenant, adID string) (delivery.Result, error) {
	r.mu.Lock()
	_, st, err := r.lookupLocked(tenant, adID)
	if err != nil {
		r.mu.Unlock()
		return delivery.Result{}, err
	}
	a := st.ad.Clone()
	version := st.version
	r.mu.Unlock()

	now := r.now()
	switch {
	case a.Expired(now):
		return delivery.Result{}, fmt.Errorf("%w: %s is past expires_at", ErrNotDeliverable, adID)
	case !a.Enabled:
		return delivery.Result{}, fmt.Errorf("%w: %s is disabled", ErrNotDeliverable, adID)
	case r.ledger.Limits(tenant).Disabled:
		return delivery.Result{}, fmt.Errorf("%w: %s", ErrNotDeliverable, admission.ReasonDisabled)
	}

	opts := delivery.Options{Occurrence: fireManual.String()}
	if a.Status == ads.StatusExpired {
		opts.Hold = ReasonAdExpired
	}
	res := r.delivery.Deliver(ctx, tenant, a, opts)
	if opts.Hold == "" {
		r.settle(ctx, tenant, a, version, res)
	}
	return res, nil
}

func (r *Registry) recordStatsLocked(tenant, adID string, res delivery.Result) {
	if len(res.Delivered) == 0 {
		return
	}
	k := statsKey{tenant, adID}
	s := r.stats[k]
	if s == nil {
		s = &adStats{}
		r.stats[k] = s
	}
	for _, d := range res.Delivered {
		s.sent++
		if d.SentAt.After(s.lastSentAt) {
			s.lastSentAt = d.SentAt
		}
		s.refs = append(s.refs, sentRef{channel: d.Channel, ref: d.MessageRef})
	}
	if n := len(s.refs) - r.cfg.MaxRefs; n > 0 {
		s.refs = append(s.refs[:0], s.refs[n:]...)
	}
}
