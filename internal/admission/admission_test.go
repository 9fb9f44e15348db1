package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"promobot/internal/ads"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)}
}

func TestCooldownMonotonicity(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := NewLedger(Limits{Cooldown: time.Hour, DailyLimit: 100}, WithClock(clk.Now), WithLocation(time.UTC))

	require.True(t, l.CanSend("t1", ads.PriorityNormal, false).Allowed)
	l.Record("t1", ads.PriorityNormal, false)

	clk.Advance(59 * time.Minute)
	d := l.CanSend("t1", ads.PriorityNormal, false)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonCooldown, d.Reason)
	require.Equal(t, clk.Now().Add(time.Minute), d.RetryAt)

	clk.Advance(time.Minute)
	require.True(t, l.CanSend("t1", ads.PriorityNormal, false).Allowed)

	require.True(t, l.CanSend("other", ads.PriorityNormal, false).Allowed, "tenants are independent")
}

func TestCooldownWindows(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		p         ads.Priority
		recurring bool
		want      time.Duration
	}{
		{"normal", ads.PriorityNormal, false, 90 * time.Minute},
		{"low", ads.PriorityLow, false, 90 * time.Minute},
		{"high", ads.PriorityHigh, false, 30 * time.Minute},
		{"recurring", ads.PriorityNormal, true, 45 * time.Minute},
		{"high recurring takes the smaller", ads.PriorityHigh, true, 30 * time.Minute},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Window(90*time.Minute, tc.p, tc.recurring))

			clk := newClock()
			l := NewLedger(Limits{Cooldown: 90 * time.Minute}, WithClock(clk.Now))
			l.Record("t", tc.p, tc.recurring)
			clk.Advance(tc.want - time.Second)
			require.False(t, l.CanSend("t", tc.p, tc.recurring).Allowed)
			clk.Advance(time.Second)
			require.True(t, l.CanSend("t", tc.p, tc.recurring).Allowed)
		})
	}
}

func TestDailyLimitHighPriorityExempt(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := NewLedger(Limits{DailyLimit: 2}, WithClock(clk.Now), WithLocation(time.UTC))
	l.Record("t", ads.PriorityNormal, false)
	l.Record("t", ads.PriorityNormal, false)

	d := l.CanSend("t", ads.PriorityNormal, false)
	require.Equal(t, ReasonDailyLimit, d.Reason)
	require.True(t, l.CanSend("t", ads.PriorityHigh, false).Allowed)

	// A new calendar day resets the count.
	clk.Advance(14 * time.Hour)
	require.True(t, l.CanSend("t", ads.PriorityNormal, false).Allowed)
	require.Equal(t, 0, l.Usage("t").Today)
}

func TestWeeklyLimitSliding(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := NewLedger(Limits{WeeklyLimit: 2}, WithClock(clk.Now))
	l.Record("t", ads.PriorityNormal, true)
	clk.Advance(24 * time.Hour)
	l.Record("t", ads.PriorityNormal, true)

	require.Equal(t, ReasonWeeklyLimit, l.CanSend("t", ads.PriorityHigh, true).Reason)
	require.True(t, l.CanSend("t", ads.PriorityNormal, false).Allowed, "weekly limit applies to recurring only")

	clk.Advance(6 * 24 * time.Hour)
	require.True(t, l.CanSend("t", ads.PriorityNormal, true).Allowed)
	require.Equal(t, 1, l.Usage("t").Week)
}

func TestDisabledTenantAndOverrides(t *testing.T) {
	t.Parallel()

	l := NewLedger(Limits{Cooldown: time.Hour})
	l.SetLimits("t", Limits{Disabled: true})
	require.Equal(t, ReasonDisabled, l.CanSend("t", ads.PriorityHigh, false).Reason)
	l.ClearLimits("t")
	require.True(t, l.CanSend("t", ads.PriorityHigh, false).Allowed)
}

func TestLedgerPrune(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := NewLedger(Limits{Cooldown: time.Hour}, WithClock(clk.Now))
	l.Record("t", ads.PriorityNormal, true)
	require.Equal(t, 0, l.Prune())
	clk.Advance(8 * 24 * time.Hour)
	require.Equal(t, 1, l.Prune())
	require.Equal(t, Usage{}, l.Usage("t"))
}

func TestAdmitIsAtomic(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := NewLedger(Limits{Cooldown: time.Hour, DailyLimit: 10}, WithClock(clk.Now), WithLocation(time.UTC))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*Reservation
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if dec, rsv := l.Admit("t1", ads.PriorityNormal, false); dec.Allowed {
				mu.Lock()
				granted = append(granted, rsv)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, granted, 1)
	require.Equal(t, 1, l.Usage("t1").Today)
	dec, rsv := l.Admit("t1", ads.PriorityNormal, false)
	require.Nil(t, rsv)
	require.Equal(t, ReasonCooldown, dec.Reason)

	granted[0].Commit()
	granted[0].Release()
	require.Equal(t, 1, l.Usage("t1").Today, "release after commit is a no-op")
}

func TestReservationRelease(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := NewLedger(Limits{Cooldown: time.Hour, WeeklyLimit: 5}, WithClock(clk.Now), WithLocation(time.UTC))
	l.Record("t", ads.PriorityNormal, true)
	first := l.Usage("t").LastSendAt

	clk.Advance(2 * time.Hour)
	dec, rsv := l.Admit("t", ads.PriorityNormal, true)
	require.True(t, dec.Allowed)
	require.Equal(t, Usage{LastSendAt: clk.Now(), Today: 2, Week: 2}, l.Usage("t"))

	rsv.Release()
	rsv.Release()
	require.Equal(t, Usage{LastSendAt: first, Today: 1, Week: 1}, l.Usage("t"))
	require.True(t, l.CanSend("t", ads.PriorityNormal, true).Allowed)
}

func sampleAd(id string) ads.Ad {
	return ads.Ad{ID: id, Title: "Sale", Body: "Now", LinkURL: "https://x.example"}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()

	clk := newClock()
	g := NewDedupGuard(time.Hour, WithClock(clk.Now))
	ctx := context.Background()
	ad := sampleAd("a1")

	require.False(t, g.Check(ctx, "t", "c1", ad, nil).Blocked)
	g.Record(Record{Tenant: "t", Channel: "c1", AdID: ad.ID, Fingerprint: ads.FingerprintOf(ad), MessageRef: "m1", SentAt: clk.Now()})

	v := g.Check(ctx, "t", "c1", ad, nil)
	require.True(t, v.Blocked)
	require.Equal(t, ReasonDuplicateAd, v.Reason)
	require.False(t, g.Check(ctx, "t", "c2", ad, nil).Blocked, "other destination")

	// Same content under another ID hits the content key.
	twin := sampleAd("a2")
	require.Equal(t, ReasonDuplicateContent, g.Check(ctx, "t", "c1", twin, nil).Reason)

	clk.Advance(time.Hour)
	require.False(t, g.Check(ctx, "t", "c1", ad, nil).Blocked, "record at window edge is stale")
	require.Equal(t, 1, g.Sweep())
	require.Equal(t, 0, g.Len())
}

func TestDedupStaleWhenMessageGone(t *testing.T) {
	t.Parallel()

	clk := newClock()
	g := NewDedupGuard(time.Hour, WithClock(clk.Now))
	ad := sampleAd("a1")
	g.Record(Record{Tenant: "t", Channel: "c1", AdID: ad.ID, Fingerprint: ads.FingerprintOf(ad), MessageRef: "m1", SentAt: clk.Now()})

	failing := func(context.Context, string, string) (bool, error) { return false, errors.New("timeout") }
	require.True(t, g.Check(context.Background(), "t", "c1", ad, failing).Blocked, "lookup errors keep the block")

	gone := func(context.Context, string, string) (bool, error) { return false, nil }
	require.False(t, g.Check(context.Background(), "t", "c1", ad, gone).Blocked)
	require.Equal(t, 0, g.Len())
}

func TestDedupClearAndRestore(t *testing.T) {
	t.Parallel()

	clk := newClock()
	g := NewDedupGuard(time.Hour, WithClock(clk.Now))
	ad := sampleAd("a1")
	rec := Record{Tenant: "t", Channel: "c1", AdID: ad.ID, Fingerprint: ads.FingerprintOf(ad), SentAt: clk.Now()}
	g.Record(rec)
	g.Record(Record{Tenant: "u", Channel: "c1", AdID: ad.ID, SentAt: clk.Now()})

	require.Equal(t, 1, g.Clear("t", "a1"))
	require.False(t, g.Check(context.Background(), "t", "c1", sampleAd("a9"), nil).Blocked, "content key cleared too")
	require.Equal(t, 1, g.Len())

	old := rec
	old.SentAt = clk.Now().Add(-2 * time.Hour)
	require.Equal(t, 1, g.Restore([]Record{rec, old}))
	require.True(t, g.Check(context.Background(), "t", "c1", ad, nil).Blocked)
}
