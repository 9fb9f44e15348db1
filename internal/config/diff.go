package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "promobot/pkg/logx"
)

// SummarizeChange returns (1) the changed top-level sections, (2) safe
// structured attrs for logging (never tokens or passwords) and (3) the ids of
// tenants whose settings changed, including removed tenants.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		strings.TrimSpace(oldCfg.Telegram.OpsChat) != strings.TrimSpace(newCfg.Telegram.OpsChat) ||
		(oldCfg.Telegram.Token != "") != (newCfg.Telegram.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.timeout", strings.TrimSpace(newCfg.Telegram.Timeout)),
			logx.Bool("telegram.ops_chat_set", strings.TrimSpace(newCfg.Telegram.OpsChat) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", newCfg.Logging.Ops.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.pace", newCfg.Delivery.Pace),
			logx.String("delivery.dedup_window", newCfg.Delivery.DedupWindow),
		)
	}

	if !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits) {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.String("limits.cooldown", newCfg.Limits.Cooldown),
			logx.Int("limits.daily_limit", newCfg.Limits.DailyLimit),
			logx.Int("limits.weekly_limit", newCfg.Limits.WeeklyLimit),
		)
	}

	if storageKey(oldCfg.Storage) != storageKey(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", storageKey(newCfg.Storage)))
	}
	if redisKey(oldCfg.Redis) != redisKey(newCfg.Redis) {
		changed = append(changed, "redis")
	}
	if httpKey(oldCfg.HTTP) != httpKey(newCfg.HTTP) {
		changed = append(changed, "http")
	}

	tenants := diffTenants(oldCfg.Tenants, newCfg.Tenants)
	if len(tenants) > 0 {
		changed = append(changed, "tenants")
		attrs = append(attrs,
			logx.Int("tenants.changed_count", len(tenants)),
			logx.Int("tenants.total", len(newCfg.Tenants)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tenants
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func storageKey(s *StorageConfig) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.Driver) + "|" + strings.TrimSpace(s.Path) + "|" + hashString(s.DSN)
}

func redisKey(r *RedisConfig) string {
	if r == nil || !r.Enabled {
		return ""
	}
	return strings.TrimSpace(r.Addr) + "|" + strings.TrimSpace(r.Prefix) + "|" + hashString(r.Password)
}

func httpKey(h *HTTPConfig) string {
	if h == nil || !h.Enabled {
		return ""
	}
	return strings.TrimSpace(h.Addr) + "|" + hashString(h.Token)
}

func hashString(s string) string {
	if s == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return string(h.Sum(nil))
}

func diffTenants(oldM, newM map[string]TenantConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, okO := oldM[id]
		n, okN := newM[id]
		if okO != okN || tenantHash(o) != tenantHash(n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func tenantHash(t TenantConfig) uint64 {
	b, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
