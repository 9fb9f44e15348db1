package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"promobot/internal/admission"
	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/delivery"
	"promobot/internal/eventbus"
	"promobot/internal/lock"
	"promobot/internal/messenger"
	"promobot/internal/messenger/telegram"
	"promobot/internal/metrics"
	rtsup "promobot/internal/runtime/supervisor"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	"promobot/internal/transport/httpapi"
	logx "promobot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.Store
	redis  redis.UniversalClient
	claims lock.Claimer

	dir    *messenger.Directory
	client messenger.Client

	engine   *engine.Service
	sched    *scheduler.Service
	ledger   *admission.Ledger
	guard    *admission.DedupGuard
	delivery *delivery.Engine
	reg      *campaign.Registry
	metrics  *metrics.Metrics
	api      *httpapi.Server
}

// NewApp loads the config and wires every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	a := &App{cfgm: cfgm, bus: eventbus.New(), dir: messenger.NewDirectory()}
	defer func() {
		if err != nil {
			a.closeStore()
			if a.redis != nil {
				_ = a.redis.Close()
			}
		}
	}()

	// Ops logging is enabled after the messenger exists so the first Apply
	// does not warn about a missing sink.
	logCfg := mapLogConfig(cfg)
	boot := logCfg
	boot.Ops.Enabled = false
	a.logs, a.log = logx.New(boot, nil)

	tgCfg, tgEnabled, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tgEnabled {
		tg, err := telegram.New(tgCfg, a.dir, a.log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.client = tg
		a.logs.SetOpsSender(tg)
	} else {
		a.log.Warn("telegram token not set; running in dry-run mode with an in-memory messenger")
		a.client = messenger.NewMemory(a.dir)
	}
	a.logs.Apply(logCfg)
	a.log = a.log.With(logx.String("comp", "app"))

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(ctx, sc, a.logs.Logger())
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	if rc := cfg.Redis; rc != nil && rc.Enabled {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.redis = client
		a.claims = lock.NewRedis(client, rc.Prefix)
		a.log.Info("redis claims enabled", logx.String("addr", rc.Addr))
	} else {
		a.claims = lock.NewMemory()
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, a.logs.Logger(), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.engine, a.logs.Logger())

	def, err := defaultLimits(cfg)
	if err != nil {
		return nil, err
	}
	a.ledger = admission.NewLedger(def, admission.WithLocation(a.sched.Location()))

	delCfg, window, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.guard = admission.NewDedupGuard(window)
	var rec delivery.Recorder
	if a.store != nil {
		rec = a.store
	}
	a.delivery = delivery.New(delCfg, a.client, a.guard, a.claims, rec, a.bus, a.logs.Logger())

	campCfg, err := mapCampaignConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := campaign.Deps{
		Scheduler: a.sched,
		Engine:    a.engine,
		Delivery:  a.delivery,
		Ledger:    a.ledger,
		Guard:     a.guard,
		Retractor: a.client,
		Directory: a.dir,
		Bus:       a.bus,
		Log:       a.logs.Logger(),
	}
	if a.store != nil {
		deps.Store = a.store
	}
	if m, ok := a.claims.(*lock.Memory); ok {
		deps.Prunables = append(deps.Prunables, m)
	}
	a.reg = campaign.New(campCfg, deps)

	a.metrics = metrics.New()
	a.metrics.Gauge("dedup_records", "Live dedup guard records.", func() float64 { return float64(a.guard.Len()) })
	a.metrics.Gauge("task_queue_length", "Tasks waiting in the engine queue.", func() float64 { return float64(a.engine.Snapshot().QueueLen) })
	a.metrics.Gauge("triggers", "Registered scheduler triggers.", func() float64 { return float64(len(a.sched.Entries(""))) })
	a.metrics.Gauge("tenants", "Configured tenants.", func() float64 { return float64(len(a.reg.Tenants())) })

	apiDeps := httpapi.Deps{
		Campaigns: a.reg,
		Settings:  a.tenantSettings,
		Metrics:   a.metrics.Handler(),
		System:    a.system,
	}
	if a.store != nil {
		apiDeps.Audit = a.store
	}
	a.api = httpapi.New(mapHTTPConfig(cfg), apiDeps, a.logs.Logger())
	return a, nil
}

// tenantSettings maps an API payload with the live default limits.
func (a *App) tenantSettings(tenant string, tc config.TenantConfig) (campaign.Settings, error) {
	def, err := defaultLimits(a.cfgm.Get())
	if err != nil {
		return campaign.Settings{}, err
	}
	return mapTenantSettings(tenant, tc, def)
}

func (a *App) system() any {
	out := map[string]any{
		"engine":        a.engine.Snapshot(),
		"scheduler":     a.sched.Snapshot(),
		"dedup_records": a.guard.Len(),
		"tenants":       a.reg.Tenants(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.logs.Logger())
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	a.sup.Go0("metrics.observe", func(c context.Context) { a.metrics.Run(c, a.bus) })
	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if err := a.reg.Start(run); err != nil {
		a.log.Warn("campaign start incomplete", logx.Err(err))
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}

	cfg := a.cfgm.Get()
	a.applyTenants(run, cfg, sortedTenants(cfg))

	if a.api.Enabled() {
		a.api.Start(run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("tenants", len(cfg.Tenants)), logx.Bool("storage", a.store != nil), logx.Bool("redis", a.redis != nil))
	return nil
}

// applyTenants pushes tenant sections into the registry. Sections missing
// from cfg are removed.
func (a *App) applyTenants(ctx context.Context, cfg *config.Config, ids []string) {
	def, err := defaultLimits(cfg)
	if err != nil {
		a.log.Warn("invalid limits; tenants not applied", logx.Err(err))
		return
	}
	a.ledger.SetDefaults(def)
	for _, id := range ids {
		tc, ok := cfg.Tenants[id]
		if !ok {
			if err := a.reg.RemoveTenant(ctx, id); err != nil && !errors.Is(err, campaign.ErrUnknownTenant) {
				a.log.Warn("tenant removal failed", logx.String("tenant", id), logx.Err(err))
			}
			continue
		}
		s, mapErr := mapTenantSettings(id, tc, def)
		applyErr := a.reg.ApplyTenantSettings(ctx, id, s)
		if mapErr != nil || applyErr != nil {
			a.log.Warn("tenant settings partially rejected",
				logx.String("tenant", id),
				logx.Strings("errors", append(errStrings(mapErr), errStrings(applyErr)...)),
			)
		}
	}
}

func errStrings(err error) []string {
	if err == nil {
		return nil
	}
	return strings.Split(strings.TrimSpace(err.Error()), "\n")
}

// applyConfig hot-applies a committed config.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, tenants := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	for _, s := range []string{"storage", "redis", "telegram"} {
		if changed(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if changed("logging") {
		a.logs.Apply(mapLogConfig(next))
	}

	if changed("task_engine") {
		if ec, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ec)
		}
	}

	tzChanged := false
	if changed("scheduler") {
		if sc, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			tzChanged = strings.TrimSpace(prev.Scheduler.Timezone) != sc.Timezone
			wasEnabled := a.sched.Enabled()
			a.sched.Apply(sc)
			a.ledger.SetLocation(a.sched.Location())
			switch {
			case wasEnabled && !sc.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			case !wasEnabled && sc.Enabled:
				a.sched.Start(ctx)
			}
		}
	}

	if changed("delivery") || changed("redis") {
		if dc, window, err := mapDeliveryConfig(next); err != nil {
			a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		} else {
			a.delivery.Apply(dc)
			a.guard.SetWindow(window)
		}
	}

	// Default limits feed every tenant's merged limits.
	ids := tenants
	if changed("limits") {
		ids = mergeIDs(sortedTenants(prev), sortedTenants(next))
	}
	if len(ids) > 0 {
		a.applyTenants(ctx, next, ids)
	}
	if tzChanged {
		// recurrence schedules are built in the trigger timezone.
		for _, id := range a.reg.Tenants() {
			_ = a.reg.Rearm(id)
		}
	}

	if changed("http") {
		a.api.Reconfigure(ctx, mapHTTPConfig(next))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func mergeIDs(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("httpapi", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("redis", time.Second, func(context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { a.closeStore(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}
