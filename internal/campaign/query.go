package campaign

import (
	"sort"
	"strings"
)

// ActiveSchedule lists tenant's armed occurrences and pending retries,
// soonest first.
func (r *Registry) ActiveSchedule(tenant string) ([]Entry, error) {
	prefix := triggerPrefix(tenant)
	triggers := r.sched.Entries(prefix)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.tenants[tenant]
	if ts == nil {
		return nil, ErrUnknownTenant
	}
	out := make([]Entry, 0, len(triggers))
	for _, it := range triggers {
		id := strings.TrimPrefix(it.Name, prefix)
		st := ts.ads[id]
		if st == nil || it.Next.IsZero() {
			continue
		}
		kind := string(st.ad.ScheduleKind)
		out = append(out, Entry{AdID: id, Title: st.ad.Title, Kind: kind, Spec: it.Spec, Next: it.Next, Priority: st.ad.Priority})
	}
	for _, id := range ts.order {
		st := ts.ads[id]
		if st.pending == nil {
			continue
		}
		next := st.pending.retryAt
		if next.IsZero() || next.Before(now) {
			next = now
		}
		out = append(out, Entry{AdID: id, Title: st.ad.Title, Kind: EntryRetry, Next: next, Priority: st.ad.Priority, Reason: st.pending.reason})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out, nil
}

// DeliveryStats aggregates successful sends of adID across tenants.
func (r *Registry) DeliveryStats(adID string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Stats{AdID: adID}
	for k, s := range r.stats {
		if k.adID != adID {
			continue
		}
		out.SentCount += s.sent
		if s.lastSentAt.After(out.LastSentAt) {
			out.LastSentAt = s.lastSentAt
		}
	}
	return out
}
