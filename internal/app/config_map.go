package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/delivery"
	"promobot/internal/messenger/telegram"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	"promobot/internal/transport/httpapi"
	logx "promobot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
		},
		Ops: logx.OpsConfig{
			// the ops sink needs a chat to write to.
			Enabled:    l.Ops.Enabled && strings.TrimSpace(cfg.Telegram.OpsChat) != "",
			MinLevel:   l.Ops.MinLevel,
			RatePerSec: l.Ops.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", tc.Timeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:   strings.TrimSpace(tc.Token),
		URL:     strings.TrimSpace(tc.APIURL),
		OpsChat: strings.TrimSpace(tc.OpsChat),
		Timeout: timeout,
	}, true, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 4, QueueSize: 256, HistorySize: 200}
	te := cfg.TaskEngine
	if te == nil {
		out.DefaultTimeout = 2 * time.Minute
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 2*time.Minute); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

func mapCampaignConfig(cfg *config.Config) (campaign.Config, error) {
	var (
		out campaign.Config
		err error
	)
	sc := cfg.Scheduler
	if out.DueTick, err = config.ParseDurationOrDefault("scheduler.due_tick", sc.DueTick, time.Minute); err != nil {
		return out, err
	}
	if out.ExpirySweep, err = config.ParseDurationOrDefault("scheduler.expiry_sweep", sc.ExpirySweep, 5*time.Minute); err != nil {
		return out, err
	}
	if out.Cleanup, err = config.ParseDurationOrDefault("scheduler.cleanup", sc.Cleanup, time.Hour); err != nil {
		return out, err
	}
	retention := ""
	if cfg.Storage != nil {
		retention = cfg.Storage.Retention
	}
	if out.Retention, err = config.ParseDurationOrDefault("storage.retention", retention, 7*24*time.Hour); err != nil {
		return out, err
	}
	return out, nil
}

// mapDeliveryConfig returns the delivery config and the dedup window.
func mapDeliveryConfig(cfg *config.Config) (delivery.Config, time.Duration, error) {
	var (
		out    delivery.Config
		window time.Duration
		err    error
	)
	dc := cfg.Delivery
	if out.Pace, err = config.ParseDurationOrDefault("delivery.pace", dc.Pace, time.Second); err != nil {
		return out, 0, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("delivery.send_timeout", dc.SendTimeout, 15*time.Second); err != nil {
		return out, 0, err
	}
	if out.ExistsCacheTTL, err = config.ParseDurationOrDefault("delivery.exists_cache_ttl", dc.ExistsCacheTTL, 30*time.Second); err != nil {
		return out, 0, err
	}
	if window, err = config.ParseDurationOrDefault("delivery.dedup_window", dc.DedupWindow, time.Hour); err != nil {
		return out, 0, err
	}
	if cfg.Redis != nil && cfg.Redis.Enabled {
		if out.ClaimTTL, err = config.ParseDurationOrDefault("redis.claim_ttl", cfg.Redis.ClaimTTL, 2*time.Minute); err != nil {
			return out, 0, err
		}
	}
	return out, window, nil
}

// mapStorageConfig returns enabled=false for an absent or "none" driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	if cfg.HTTP == nil {
		return httpapi.Config{}
	}
	return httpapi.Config{
		Enabled:  cfg.HTTP.Enabled,
		Addr:     cfg.HTTP.Addr,
		Token:    cfg.HTTP.Token,
		Profiler: cfg.HTTP.Profiler,
	}
}

// validateConfig rejects a config before it is committed. Per-ad problems
// are not fatal here; the registry rejects those ads individually.
func validateConfig(cfg *config.Config) error {
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCampaignConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := defaultLimits(cfg); err != nil {
		return err
	}
	if cfg.Redis != nil && cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required when redis.enabled is true")
	}
	for _, id := range sortedTenants(cfg) {
		if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "/ ") {
			return fmt.Errorf("tenants: invalid tenant id %q", id)
		}
	}
	return nil
}

func sortedTenants(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Tenants))
	for id := range cfg.Tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
