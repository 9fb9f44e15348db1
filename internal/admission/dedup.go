package admission

import (
	"context"
	"sync"
	"time"

	"promobot/internal/ads"
)

// DefaultDedupWindow is the retention window when none is configured.
const DefaultDedupWindow = time.Hour

// AdKey identifies an ad at a destination.
type AdKey struct {
	Tenant  string
	Channel string
	AdID    string
}

// ContentKey identifies content at a destination, independent of the ad.
type ContentKey struct {
	Tenant      string
	Channel     string
	Fingerprint ads.Fingerprint
}

// Record is one successful delivery.
type Record struct {
	Tenant      string          `json:"tenant"`
	Channel     string          `json:"channel"`
	AdID        string          `json:"ad_id"`
	Fingerprint ads.Fingerprint `json:"fingerprint"`
	MessageRef  string          `json:"message_ref"`
	SentAt      time.Time       `json:"sent_at"`
}

func (r Record) adKey() AdKey { return AdKey{Tenant: r.Tenant, Channel: r.Channel, AdID: r.AdID} }

func (r Record) contentKey() ContentKey {
	return ContentKey{Tenant: r.Tenant, Channel: r.Channel, Fingerprint: r.Fingerprint}
}

// ExistsFunc reports whether a delivered message can still be resolved.
type ExistsFunc func(ctx context.Context, channel, ref string) (bool, error)

const (
	ReasonDuplicateAd      = "ad already delivered within dedup window"
	ReasonDuplicateContent = "identical content delivered within dedup window"
)

type Verdict struct {
	Blocked bool
	Reason  string
	// Prior is the record that blocked, or the stale record a send replaces.
	Prior *Record
}

// DedupGuard tracks recent deliveries per destination. Safe for concurrent use.
type DedupGuard struct {
	mu        sync.Mutex
	window    time.Duration
	clock     func() time.Time
	byAd      map[AdKey]Record
	byContent map[ContentKey]Record
}

func NewDedupGuard(window time.Duration, opts ...Option) *DedupGuard {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	o := buildOptions(opts)
	return &DedupGuard{
		window:    window,
		clock:     o.clock,
		byAd:      map[AdKey]Record{},
		byContent: map[ContentKey]Record{},
	}
}

func (g *DedupGuard) Window() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}

func (g *DedupGuard) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	g.window = d
	g.mu.Unlock()
}

// Check looks up both keys of (channel, ad). A young record blocks unless
// exists reports that its message is gone. Lookup errors keep the block.
func (g *DedupGuard) Check(ctx context.Context, tenant, channel string, ad ads.Ad, exists ExistsFunc) Verdict {
	fp := ads.FingerprintOf(ad)
	ak := AdKey{Tenant: tenant, Channel: channel, AdID: ad.ID}
	ck := ContentKey{Tenant: tenant, Channel: channel, Fingerprint: fp}

	for _, probe := range []struct {
		reason string
		load   func() (Record, bool)
	}{
		{ReasonDuplicateAd, func() (Record, bool) { r, ok := g.byAd[ak]; return r, ok }},
		{ReasonDuplicateContent, func() (Record, bool) { r, ok := g.byContent[ck]; return r, ok }},
	} {
		g.mu.Lock()
		rec, ok := probe.load()
		fresh := ok && g.clock().Sub(rec.SentAt) < g.window
		g.mu.Unlock()
		if !fresh {
			continue
		}
		if exists != nil && rec.MessageRef != "" {
			alive, err := exists(ctx, rec.Channel, rec.MessageRef)
			if err == nil && !alive {
				g.forget(rec)
				continue
			}
		}
		r := rec
		return Verdict{Blocked: true, Reason: probe.reason, Prior: &r}
	}
	return Verdict{}
}

// Record stores a successful delivery under both keys, replacing stale ones.
func (g *DedupGuard) Record(rec Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byAd[rec.adKey()] = rec
	g.byContent[rec.contentKey()] = rec
}

// forget drops rec if it is still the stored record under its keys.
func (g *DedupGuard) forget(rec Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.byAd[rec.adKey()]; ok && cur == rec {
		delete(g.byAd, rec.adKey())
	}
	if cur, ok := g.byContent[rec.contentKey()]; ok && cur == rec {
		delete(g.byContent, rec.contentKey())
	}
}

// Clear drops every record of the ad so edited content is not suppressed.
func (g *DedupGuard) Clear(tenant, adID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.byAd {
		if k.Tenant == tenant && k.AdID == adID {
			delete(g.byAd, k)
			n++
		}
	}
	for k, r := range g.byContent {
		if k.Tenant == tenant && r.AdID == adID {
			delete(g.byContent, k)
		}
	}
	return n
}

// Sweep removes records older than the window.
func (g *DedupGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock().Add(-g.window)
	n := 0
	for k, r := range g.byAd {
		if !r.SentAt.After(cutoff) {
			delete(g.byAd, k)
			n++
		}
	}
	for k, r := range g.byContent {
		if !r.SentAt.After(cutoff) {
			delete(g.byContent, k)
		}
	}
	return n
}

// Restore loads persisted records that are still inside the window.
func (g *DedupGuard) Restore(recs []Record) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock().Add(-g.window)
	n := 0
	for _, r := range recs {
		if !r.SentAt.After(cutoff) {
			continue
		}
		if cur, ok := g.byAd[r.adKey()]; !ok || cur.SentAt.Before(r.SentAt) {
			g.byAd[r.adKey()] = r
		}
		if cur, ok := g.byContent[r.contentKey()]; !ok || cur.SentAt.Before(r.SentAt) {
			g.byContent[r.contentKey()] = r
		}
		n++
	}
	return n
}

func (g *DedupGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byAd)
}
