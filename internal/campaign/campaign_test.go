package campaign

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"promobot/internal/admission"
	"promobot/internal/ads"
	"promobot/internal/audit"
	"promobot/internal/delivery"
	"promobot/internal/eventbus"
	"promobot/internal/lock"
	"promobot/internal/messenger"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	logx "promobot/pkg/logx"
)

type memStore struct {
	mu         sync.Mutex
	statuses   map[statsKey]storage.StatusRow
	deliveries []admission.Record
	audit      []audit.Entry
	forgotten  []string
}

func newMemStore() *memStore {
	return &memStore{statuses: map[statsKey]storage.StatusRow{}}
}

func (m *memStore) SaveDelivery(_ context.Context, rec admission.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, rec)
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) put(tenant, adID string, st ads.Status, fp ads.Fingerprint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := statsKey{tenant, adID}
	row := m.statuses[k]
	if at.IsZero() {
		at = row.PublishedAt
	}
	m.statuses[k] = storage.StatusRow{Tenant: tenant, AdID: adID, Status: st, Fingerprint: fp, PublishedAt: at, UpdatedAt: time.Now()}
	return nil
}

func (m *memStore) MarkPublished(_ context.Context, tenant, adID string, fp ads.Fingerprint, at time.Time) error {
	return m.put(tenant, adID, ads.StatusPublished, fp, at)
}

func (m *memStore) MarkExpired(_ context.Context, tenant, adID string, fp ads.Fingerprint, at time.Time) error {
	return m.put(tenant, adID, ads.StatusExpired, fp, at)
}

func (m *memStore) ForgetStatus(_ context.Context, tenant, adID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, statsKey{tenant, adID})
	m.forgotten = append(m.forgotten, adID)
	return nil
}

func (m *memStore) LoadStatuses(context.Context) ([]storage.StatusRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.StatusRow, 0, len(m.statuses))
	for _, row := range m.statuses {
		out = append(out, row)
	}
	return out, nil
}

func (m *memStore) LoadDeliveries(_ context.Context, since time.Time) ([]admission.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []admission.Record
	for _, r := range m.deliveries {
		if r.SentAt.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) DeliveriesFor(_ context.Context, tenant, adID string) ([]admission.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []admission.Record
	for _, r := range m.deliveries {
		if r.Tenant == tenant && r.AdID == adID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) PruneDeliveries(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.deliveries[:0]
	var n int64
	for _, r := range m.deliveries {
		if r.SentAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.deliveries = kept
	return n, nil
}

func (m *memStore) status(tenant, adID string) (storage.StatusRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.statuses[statsKey{tenant, adID}]
	return row, ok
}

type fixture struct {
	reg    *Registry
	msgr   *messenger.Memory
	ledger *admission.Ledger
	guard  *admission.DedupGuard
	sched  *scheduler.Service
	store  *memStore
	bus    eventbus.Bus
}

func newFixture(t *testing.T, store *memStore) *fixture {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 4}, logx.Nop(), bus)
	eng.Start(ctx)
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	sched.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(sctx)
		eng.Stop(sctx)
	})

	dir := messenger.NewDirectory()
	msgr := messenger.NewMemory(dir)
	guard := admission.NewDedupGuard(time.Hour)
	ledger := admission.NewLedger(admission.Limits{})
	claims := lock.NewMemory()

	var st Store
	var rec delivery.Recorder
	if store != nil {
		st, rec = store, store
	}
	del := delivery.New(delivery.Config{}, msgr, guard, claims, rec, bus, logx.Nop())
	reg := New(Config{DueTick: time.Hour, ExpirySweep: time.Hour, Cleanup: time.Hour}, Deps{
		Scheduler: sched,
		Engine:    eng,
		Delivery:  del,
		Ledger:    ledger,
		Guard:     guard,
		Retractor: msgr,
		Directory: dir,
		Store:     st,
		Bus:       bus,
		Log:       logx.Nop(),
		Prunables: []Pruner{claims},
	})
	require.NoError(t, reg.Start(ctx))
	return &fixture{reg: reg, msgr: msgr, ledger: ledger, guard: guard, sched: sched, store: store, bus: bus}
}

func oneShot(id string, at time.Time, chans ...string) ads.Ad {
	return ads.Ad{
		ID:           id,
		Title:        "Sale " + id,
		Body:         "Everything must go",
		LinkURL:      "https://example.com/" + id,
		Channels:     chans,
		PublishMode:  ads.PublishScheduled,
		ScheduleKind: ads.OneShot,
		ScheduledAt:  at,
		Enabled:      true,
	}
}

func dailyAd(id string, chans ...string) ads.Ad {
	a := oneShot(id, time.Time{}, chans...)
	a.ScheduleKind = ads.Recurring
	a.Recurrence = &ads.Recurrence{Kind: ads.Daily, At: "09:00"}
	return a
}

func settings(list ...ads.Ad) Settings {
	return Settings{
		Enabled:  true,
		Channels: []messenger.Channel{{ID: "c1", Name: "ads", Writable: true}, {ID: "c2", Name: "general", Writable: true}},
		Ads:      list,
	}
}

func (f *fixture) status(t *testing.T, tenant, id string) ads.Status {
	t.Helper()
	a, err := f.reg.Ad(tenant, id)
	require.NoError(t, err)
	return a.Status
}

func TestApplyArmsScheduledAds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(
		oneShot("promo", time.Now().Add(time.Hour), "c1"),
		dailyAd("daily", "c2"),
	)))

	require.Equal(t, ads.StatusScheduled, f.status(t, "t1", "promo"))
	require.Equal(t, ads.StatusScheduled, f.status(t, "t1", "daily"))

	entries, err := f.reg.ActiveSchedule("t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	kinds := map[string]string{}
	for _, e := range entries {
		kinds[e.AdID] = e.Kind
		require.False(t, e.Next.IsZero())
	}
	require.Equal(t, map[string]string{"promo": "one_shot", "daily": "recurring"}, kinds)

	_, err = f.reg.ActiveSchedule("nobody")
	require.ErrorIs(t, err, ErrUnknownTenant)
}

func TestRearmIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	s := settings(oneShot("promo", time.Now().Add(time.Hour), "c1"), dailyAd("daily", "c2"))

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	first, err := f.reg.ActiveSchedule("t1")
	require.NoError(t, err)

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	require.NoError(t, f.reg.Rearm("t1"))
	second, err := f.reg.ActiveSchedule("t1")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, f.sched.Entries(triggerPrefix("t1")), 2)
}

func TestOneShotFiresAndExpires(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	f := newFixture(t, store)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(oneShot("promo", time.Now().Add(150*time.Millisecond), "c1"))))

	require.Eventually(t, func() bool { return f.status(t, "t1", "promo") == ads.StatusExpired }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.msgr.CountTo("c1"))
	require.False(t, f.sched.Has(triggerName("t1", "promo")))

	row, ok := store.status("t1", "promo")
	require.True(t, ok)
	require.Equal(t, ads.StatusExpired, row.Status)
	require.False(t, row.PublishedAt.IsZero())

	a, err := f.reg.Ad("t1", "promo")
	require.NoError(t, err)
	require.False(t, a.PublishedAt.IsZero())
	require.Equal(t, 1, f.reg.DeliveryStats("promo").SentCount)

	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-events:
				seen[e.Type] = true
			default:
				return seen[eventbus.AdSent] && seen[eventbus.AdPublished] && seen[eventbus.AdExpired]
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestPastDueOneShotFiresOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	s := settings(oneShot("late", time.Now().Add(-time.Minute), "c1"))

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	require.Eventually(t, func() bool { return f.msgr.CountTo("c1") == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.status(t, "t1", "late") == ads.StatusExpired }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	require.Equal(t, 0, f.reg.SweepDue(ctx))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.msgr.CountTo("c1"))
}

func TestConcurrentFiresDeliverOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(oneShot("promo", at, "c1", "c2"))))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.reg.fire(ctx, "t1", "promo", at, fireScheduled)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.msgr.CountTo("c1"))
	require.Equal(t, 1, f.msgr.CountTo("c2"))
	require.Equal(t, ads.StatusExpired, f.status(t, "t1", "promo"))
	require.Equal(t, 1, f.ledger.Usage("t1").Today)
}

func TestExpiryDominates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	a := oneShot("short", time.Now().Add(time.Hour), "c1")
	a.ExpiresAt = time.Now().Add(60 * time.Millisecond)
	gone := oneShot("gone", time.Now().Add(-time.Hour), "c1")
	gone.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(a, gone)))
	require.Equal(t, ads.StatusExpired, f.status(t, "t1", "gone"))

	time.Sleep(80 * time.Millisecond)
	f.reg.fire(ctx, "t1", "short", a.ScheduledAt, fireScheduled)
	require.Equal(t, ads.StatusExpired, f.status(t, "t1", "short"))
	require.False(t, f.sched.Has(triggerName("t1", "short")))

	_, err := f.reg.TriggerImmediate(ctx, "t1", "short")
	require.ErrorIs(t, err, ErrNotDeliverable)
	require.Empty(t, f.msgr.Messages())
}

func TestPartialFailureStillPublishes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(oneShot("promo", time.Now().Add(time.Hour), "c1", "c2", "c3"))))
	f.msgr.SetFail(func(ch string) error {
		if ch == "c2" {
			return errors.New("forbidden")
		}
		return nil
	})

	res, err := f.reg.TriggerImmediate(ctx, "t1", "promo")
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "c2", res.Failures[0].Channel)
	require.Equal(t, ads.StatusExpired, f.status(t, "t1", "promo"))
	require.Equal(t, 2, f.reg.DeliveryStats("promo").SentCount)
	// Manual triggers bypass the counters.
	require.Equal(t, 0, f.ledger.Usage("t1").Today)
}

func TestManualTriggerAfterPublishIsDeduped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(oneShot("promo", time.Now().Add(-time.Second), "C1", "C2"))))
	require.Eventually(t, func() bool { return f.status(t, "t1", "promo") == ads.StatusExpired }, time.Second, 10*time.Millisecond)

	res, err := f.reg.TriggerImmediate(ctx, "t1", "promo")
	require.NoError(t, err)
	require.Equal(t, 0, res.Sent)
	require.Len(t, res.Skipped, 2)
	for _, s := range res.Skipped {
		require.Equal(t, admission.ReasonDuplicateAd, s.Reason)
	}
	require.Equal(t, 1, f.msgr.CountTo("C1"))
	require.Equal(t, 1, f.msgr.CountTo("C2"))
}

func TestRemovedAdFireIsNoop(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	f := newFixture(t, store)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(oneShot("promo", at, "c1"))))
	require.True(t, f.sched.Has(triggerName("t1", "promo")))

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings()))
	require.False(t, f.sched.Has(triggerName("t1", "promo")))

	f.reg.fire(ctx, "t1", "promo", at, fireScheduled)
	require.Empty(t, f.msgr.Messages())
	_, err := f.reg.TriggerImmediate(ctx, "t1", "promo")
	require.ErrorIs(t, err, ErrUnknownAd)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.forgotten) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDenialParksPendingRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ledger.Record("t1", ads.PriorityNormal, false)

	s := settings(oneShot("promo", time.Now().Add(-time.Second), "c1"))
	s.Limits = &admission.Limits{Cooldown: time.Hour}
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))

	require.Eventually(t, func() bool {
		entries, _ := f.reg.ActiveSchedule("t1")
		return len(entries) == 1 && entries[0].Kind == EntryRetry
	}, time.Second, 10*time.Millisecond)
	entries, err := f.reg.ActiveSchedule("t1")
	require.NoError(t, err)
	require.Equal(t, admission.ReasonCooldown, entries[0].Reason)
	require.Empty(t, f.msgr.Messages())

	// Still in cooldown: the sweep does not re-offer it.
	require.Equal(t, 0, f.reg.SweepDue(ctx))

	s.Limits = nil
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	require.Equal(t, 1, f.reg.SweepDue(ctx))
	require.Eventually(t, func() bool { return f.msgr.CountTo("c1") == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.status(t, "t1", "promo") == ads.StatusExpired }, time.Second, 10*time.Millisecond)
}

func TestDisabledTenantNeverSends(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	s := settings(oneShot("promo", time.Now().Add(-time.Second), "c1"))
	s.Enabled = false
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))

	require.Eventually(t, func() bool {
		entries, _ := f.reg.ActiveSchedule("t1")
		return len(entries) == 1 && entries[0].Reason == admission.ReasonDisabled
	}, time.Second, 10*time.Millisecond)
	_, err := f.reg.TriggerImmediate(ctx, "t1", "promo")
	require.ErrorIs(t, err, ErrNotDeliverable)
	require.Empty(t, f.msgr.Messages())
}

func TestImmediateAdPublishesOnSave(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ledger.Record("t1", ads.PriorityNormal, false)

	a := oneShot("now", time.Time{}, "c1")
	a.PublishMode, a.ScheduleKind = ads.PublishImmediate, ""
	s := settings(a)
	s.Limits = &admission.Limits{Cooldown: time.Hour}
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))

	require.Eventually(t, func() bool { return f.status(t, "t1", "now") == ads.StatusExpired }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.msgr.CountTo("c1"))

	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	f.reg.SweepDue(ctx)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.msgr.CountTo("c1"))
}

func TestEditedContentIsRedelivered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	a := oneShot("promo", time.Now().Add(-time.Second), "c1")
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(a)))
	require.Eventually(t, func() bool { return f.status(t, "t1", "promo") == ads.StatusExpired }, time.Second, 10*time.Millisecond)

	a.Body = "Now with better prices"
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(a)))
	require.Eventually(t, func() bool { return f.msgr.CountTo("c1") == 2 }, time.Second, 10*time.Millisecond)
}

func TestInvalidUpdateKeepsPreviousVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	good := oneShot("promo", time.Now().Add(time.Hour), "c1")
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(good)))

	bad := good
	bad.LinkURL = "ftp://example.com"
	empty := oneShot("empty", time.Now().Add(time.Hour), "c1")
	empty.Title, empty.Body = "", ""
	err := f.reg.ApplyTenantSettings(ctx, "t1", settings(bad, empty))
	require.ErrorIs(t, err, ads.ErrInvalidAd)

	list, err := f.reg.Ads("t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, good.LinkURL, list[0].LinkURL)
	require.True(t, f.sched.Has(triggerName("t1", "promo")))

	require.ErrorIs(t, f.reg.ApplyTenantSettings(ctx, "a/b", settings()), ErrInvalidTenant)

	undecodable := settings()
	undecodable.Rejected = []string{"promo"}
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", undecodable))
	_, err = f.reg.Ad("t1", "promo")
	require.NoError(t, err)
	require.True(t, f.sched.Has(triggerName("t1", "promo")))
}

func TestRestoreKeepsPublishedAdsQuiet(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	done := oneShot("done", time.Now().Add(-time.Hour), "c1").WithDefaults()
	edited := oneShot("edited", time.Now().Add(-time.Hour), "c2").WithDefaults()
	sentAt := time.Now().Add(-10 * time.Minute)
	require.NoError(t, store.MarkExpired(context.Background(), "t1", "done", ads.FingerprintOf(done), sentAt))
	require.NoError(t, store.MarkExpired(context.Background(), "t1", "edited", ads.Fingerprint(42), sentAt))
	require.NoError(t, store.SaveDelivery(context.Background(), admission.Record{
		Tenant: "t1", Channel: "c1", AdID: "done", Fingerprint: ads.FingerprintOf(done), MessageRef: "old-1", SentAt: sentAt,
	}))

	f := newFixture(t, store)
	ctx := context.Background()
	require.Equal(t, 1, f.guard.Len())
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(done, edited)))

	require.Equal(t, ads.StatusExpired, f.status(t, "t1", "done"))
	require.Eventually(t, func() bool { return f.msgr.CountTo("c2") == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, f.msgr.CountTo("c1"))
	require.Equal(t, 1, f.reg.DeliveryStats("done").SentCount)
}

func TestExpirySweepRetracts(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	f := newFixture(t, store)
	ctx := context.Background()
	a := dailyAd("daily", "c1")
	a.ExpiresAt = time.Now().Add(150 * time.Millisecond)
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(a)))

	res, err := f.reg.TriggerImmediate(ctx, "t1", "daily")
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, ads.StatusScheduled, f.status(t, "t1", "daily"))

	time.Sleep(170 * time.Millisecond)
	require.Equal(t, 1, f.reg.SweepExpired(ctx))
	require.Equal(t, 0, f.reg.SweepExpired(ctx))
	require.Equal(t, ads.StatusExpired, f.status(t, "t1", "daily"))
	require.False(t, f.sched.Has(triggerName("t1", "daily")))

	msgs := f.msgr.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Stripped)
	row, ok := store.status("t1", "daily")
	require.True(t, ok)
	require.Equal(t, ads.StatusExpired, row.Status)
}

func TestDisablingAdRetractsAndDisarms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	a := dailyAd("daily", "c1")
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(a)))
	_, err := f.reg.TriggerImmediate(ctx, "t1", "daily")
	require.NoError(t, err)

	a.Enabled = false
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", settings(a)))
	require.False(t, f.sched.Has(triggerName("t1", "daily")))
	require.Eventually(t, func() bool { return f.msgr.Messages()[0].Stripped }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.reg.RemoveTenant(ctx, "t1"))
	require.Empty(t, f.reg.Tenants())
}

func TestCleanupPrunesStore(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	require.NoError(t, store.SaveDelivery(context.Background(), admission.Record{Tenant: "t1", AdID: "a", Channel: "c1", SentAt: time.Now().Add(-60 * 24 * time.Hour)}))
	f := newFixture(t, store)

	require.NoError(t, f.reg.Cleanup(context.Background()))
	recs, err := store.LoadDeliveries(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func (m *memStore) countAudit(action audit.Action) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.audit {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestFailedRetryIsNotReoffered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ledger.Record("t1", ads.PriorityNormal, false)

	s := settings(oneShot("promo", time.Now().Add(-time.Second), "c1"))
	s.Limits = &admission.Limits{Cooldown: time.Hour}
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	require.Eventually(t, func() bool {
		entries, _ := f.reg.ActiveSchedule("t1")
		return len(entries) == 1 && entries[0].Kind == EntryRetry
	}, time.Second, 10*time.Millisecond)

	var attempts atomic.Int32
	f.msgr.SetFail(func(string) error {
		attempts.Add(1)
		return errors.New("chat unavailable")
	})
	s.Limits = nil
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))

	require.Equal(t, 1, f.reg.SweepDue(ctx))
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, 10*time.Millisecond)
	for i := 0; i < 4; i++ {
		require.Equal(t, 0, f.reg.SweepDue(ctx))
	}
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, attempts.Load())
	require.Equal(t, 1, f.ledger.Usage("t1").Today, "a failed send is refunded")

	entries, err := f.reg.ActiveSchedule("t1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSimultaneousAdsShareCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.msgr.SetFail(func(string) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	at := time.Now().Add(time.Hour)
	s := settings(oneShot("a", at, "c1"), oneShot("b", at, "c1"), oneShot("c", at, "c1"))
	s.Limits = &admission.Limits{Cooldown: time.Hour}
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			f.reg.fire(ctx, "t1", id, at, fireScheduled)
		}(id)
	}
	wg.Wait()

	require.Equal(t, 1, f.msgr.CountTo("c1"))
	require.Equal(t, 1, f.ledger.Usage("t1").Today)

	entries, err := f.reg.ActiveSchedule("t1")
	require.NoError(t, err)
	parked := 0
	for _, e := range entries {
		if e.Kind == EntryRetry {
			require.Equal(t, admission.ReasonCooldown, e.Reason)
			parked++
		}
	}
	require.Equal(t, 2, parked)
}

func TestFailedSendRefundsCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	s := settings(oneShot("a", at, "c1"), oneShot("b", at, "c2"))
	s.Limits = &admission.Limits{Cooldown: time.Hour}
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))

	f.msgr.SetFail(func(channel string) error {
		if channel == "c1" {
			return errors.New("chat unavailable")
		}
		return nil
	})
	f.reg.fire(ctx, "t1", "a", at, fireScheduled)
	require.Equal(t, admission.Usage{}, f.ledger.Usage("t1"))

	f.reg.fire(ctx, "t1", "b", at, fireScheduled)
	require.Equal(t, 1, f.msgr.CountTo("c2"))
	require.Equal(t, 1, f.ledger.Usage("t1").Today)
}

func TestParkedImmediateDraftWaitsForEnabledTenant(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	f := newFixture(t, store)
	ctx := context.Background()

	a := oneShot("now", time.Time{}, "c1")
	a.PublishMode, a.ScheduleKind = ads.PublishImmediate, ""
	s := settings(a)
	s.Enabled = false
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	require.Eventually(t, func() bool { return store.countAudit(audit.Denied) == 1 }, time.Second, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		require.Equal(t, 0, f.reg.SweepDue(ctx))
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, store.countAudit(audit.Denied))
	entries, err := f.reg.ActiveSchedule("t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, admission.ReasonDisabled, entries[0].Reason)

	s.Enabled = true
	require.NoError(t, f.reg.ApplyTenantSettings(ctx, "t1", s))
	f.reg.SweepDue(ctx)
	require.Eventually(t, func() bool { return f.msgr.CountTo("c1") == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.status(t, "t1", "now") == ads.StatusExpired }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.msgr.CountTo("c1"))
}
