// Package delivery turns one ad occurrence into paced, guarded sends.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"promobot/internal/admission"
	"promobot/internal/ads"
	"promobot/internal/audit"
	"promobot/internal/eventbus"
	"promobot/internal/lock"
	"promobot/internal/messenger"
	logx "promobot/pkg/logx"
)

const (
	ReasonInFlight    = "delivery in flight"
	ReasonClaimFailed = "claim unavailable"
	ReasonNoWritable  = "no writable destination"
)

type Engine struct {
	client messenger.Client
	guard  *admission.DedupGuard
	claims lock.Claimer
	rec    Recorder
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	exists  *cache.Cache
}

func New(cfg Config, client messenger.Client, guard *admission.DedupGuard, claims lock.Claimer, rec Recorder, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if claims == nil {
		claims = lock.NewMemory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		client:  client,
		guard:   guard,
		claims:  claims,
		rec:     rec,
		bus:     bus,
		log:     log.With(logx.String("comp", "delivery")),
		cfg:     cfg,
		limiter: newLimiter(cfg.Pace),
		exists:  cache.New(cfg.ExistsCacheTTL, time.Minute),
	}
}

func newLimiter(pace time.Duration) *rate.Limiter {
	if pace <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(pace), 1)
}

// Apply swaps pacing and timeouts.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Pace != e.cfg.Pace {
		if cfg.Pace <= 0 {
			e.limiter.SetLimit(rate.Inf)
		} else {
			e.limiter.SetLimit(rate.Every(cfg.Pace))
		}
	}
	e.cfg = cfg
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Resolve returns the ad's destinations: its own list, else the first
// directory channel matching FallbackNames, else the first writable one.
func (e *Engine) Resolve(ctx context.Context, tenant string, ad ads.Ad) ([]string, error) {
	if len(ad.Channels) > 0 {
		out := make([]string, 0, len(ad.Channels))
		seen := map[string]bool{}
		for _, ch := range ad.Channels {
			ch = strings.TrimSpace(ch)
			if ch == "" || seen[ch] {
				continue
			}
			seen[ch] = true
			out = append(out, ch)
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	chans, err := e.client.Channels(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	for _, name := range FallbackNames {
		for _, ch := range chans {
			if ch.Writable && strings.EqualFold(strings.TrimPrefix(ch.Name, "#"), name) {
				return []string{ch.ID}, nil
			}
		}
	}
	for _, ch := range chans {
		if ch.Writable {
			return []string{ch.ID}, nil
		}
	}
	return nil, messenger.ErrNoDestination
}

// Deliver sends one occurrence of ad to each destination in order. A failing
// destination never aborts the others.
func (e *Engine) Deliver(ctx context.Context, tenant string, ad ads.Ad, opts Options) Result {
	res := Result{RunID: uuid.NewString()}
	log := e.log.With(logx.String("run", res.RunID), logx.String("tenant", tenant), logx.String("ad", ad.ID))
	if opts.Occurrence != "" {
		log = log.With(logx.String("occurrence", opts.Occurrence))
	}

	dests, err := e.Resolve(ctx, tenant, ad)
	if err != nil {
		res.Exhausted = errors.Is(err, messenger.ErrNoDestination)
		log.Warn("no destination resolved", logx.Err(err))
		e.audit(ctx, audit.Entry{RunID: res.RunID, Tenant: tenant, AdID: ad.ID, Action: audit.Skipped, Detail: ReasonNoWritable + ": " + err.Error()})
		return res
	}
	res.Destinations = dests

	cfg := e.config()
	content := ads.Render(ad)
	fp := ads.FingerprintOf(ad)

	for _, ch := range dests {
		release, reason := e.admit(ctx, tenant, ch, ad, opts, cfg)
		if release == nil {
			res.Skipped = append(res.Skipped, Skip{Channel: ch, Reason: reason})
			continue
		}
		rec, err := e.sendOne(ctx, tenant, ch, ad, content, fp, cfg)
		release()
		if err != nil {
			res.Failures = append(res.Failures, Failure{Channel: ch, Error: err.Error()})
			log.Warn("send failed", logx.String("channel", ch), logx.Err(err))
			e.audit(ctx, audit.Entry{RunID: res.RunID, Tenant: tenant, AdID: ad.ID, Channel: ch, Action: audit.Failed, Detail: err.Error()})
			eventbus.Emit(e.bus, eventbus.AdFailed, eventbus.AdEvent{RunID: res.RunID, Tenant: tenant, AdID: ad.ID, Channel: ch, Error: err.Error()})
			continue
		}
		res.Sent++
		res.Delivered = append(res.Delivered, rec)
		log.Info("ad sent", logx.String("channel", ch), logx.String("ref", rec.MessageRef))
		e.audit(ctx, audit.Entry{RunID: res.RunID, Tenant: tenant, AdID: ad.ID, Channel: ch, Action: audit.Sent, Detail: rec.MessageRef})
		eventbus.Emit(e.bus, eventbus.AdSent, eventbus.AdEvent{RunID: res.RunID, Tenant: tenant, AdID: ad.ID, Channel: ch, MessageRef: rec.MessageRef})
	}

	for _, s := range res.Skipped {
		log.Info("destination skipped", logx.String("channel", s.Channel), logx.String("reason", s.Reason))
		e.audit(ctx, audit.Entry{RunID: res.RunID, Tenant: tenant, AdID: ad.ID, Channel: s.Channel, Action: audit.Skipped, Detail: s.Reason})
		eventbus.Emit(e.bus, eventbus.AdSkipped, eventbus.AdEvent{RunID: res.RunID, Tenant: tenant, AdID: ad.ID, Channel: s.Channel, Reason: s.Reason})
	}
	return res
}

// admit claims the destination and runs the dedup check. A nil release
// means skip with reason; otherwise the caller owns the claim.
func (e *Engine) admit(ctx context.Context, tenant, ch string, ad ads.Ad, opts Options, cfg Config) (release func(), reason string) {
	release, ok, err := e.claims.TryClaim(ctx, claimKey(tenant, ad.ID, ch), cfg.ClaimTTL)
	switch {
	case err != nil:
		e.log.Warn("claim failed", logx.String("channel", ch), logx.Err(err))
		return nil, ReasonClaimFailed
	case !ok:
		return nil, ReasonInFlight
	}
	if v := e.guard.Check(ctx, tenant, ch, ad, e.messageExists); v.Blocked {
		release()
		return nil, v.Reason
	}
	if opts.Hold != "" {
		release()
		return nil, opts.Hold
	}
	return release, ""
}

func (e *Engine) sendOne(ctx context.Context, tenant, ch string, ad ads.Ad, content ads.Content, fp ads.Fingerprint, cfg Config) (admission.Record, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return admission.Record{}, fmt.Errorf("pacing: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	ref, err := e.client.Send(sctx, tenant, ch, content)
	if err != nil {
		return admission.Record{}, err
	}
	rec := admission.Record{
		Tenant:      tenant,
		Channel:     ch,
		AdID:        ad.ID,
		Fingerprint: fp,
		MessageRef:  ref,
		SentAt:      time.Now(),
	}
	e.guard.Record(rec)
	e.exists.SetDefault(existsKey(ch, ref), true)
	if e.rec != nil {
		if err := e.rec.SaveDelivery(ctx, rec); err != nil {
			e.log.Warn("persist delivery failed", logx.String("channel", ch), logx.Err(err))
		}
	}
	return rec, nil
}

func (e *Engine) messageExists(ctx context.Context, ch, ref string) (bool, error) {
	if _, ok := e.exists.Get(existsKey(ch, ref)); ok {
		return true, nil
	}
	ok, err := e.client.Exists(ctx, ch, ref)
	if err == nil && ok {
		e.exists.SetDefault(existsKey(ch, ref), true)
	}
	return ok, err
}

func (e *Engine) audit(ctx context.Context, entry audit.Entry) {
	if e.rec == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if err := e.rec.AppendAudit(ctx, entry); err != nil {
		e.log.Debug("audit append failed", logx.Err(err))
	}
}

func claimKey(tenant, adID, ch string) string { return tenant + "/" + adID + "/" + ch }

func existsKey(ch, ref string) string { return ch + "\x00" + ref }
