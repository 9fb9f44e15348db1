package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: file-token
  timeout: 10s
logging:
  level: info
  console: true
scheduler:
  enabled: true
  timezone: UTC
limits:
  cooldown: 30m
  daily_limit: 5
tenants:
  guild-1:
    channels:
      - id: "-1001"
        name: ads
    ads:
      - id: spring
        title: Spring sale
        body: Everything half price
        publish_mode: scheduled
        schedule_kind: recurring
        recurrence:
          kind: weekly
          at: "09:30"
          weekday: mon
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	cfg, err := Decode("promobot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	tc, ok := cfg.Tenants["guild-1"]
	if !ok || len(tc.Ads) != 1 {
		t.Fatalf("tenant not decoded: %+v", cfg.Tenants)
	}
	ad := tc.Ads[0]
	if ad.Recurrence == nil || ad.Recurrence.Weekday != "mon" || ad.Recurrence.At != "09:30" {
		t.Fatalf("recurrence not decoded: %+v", ad.Recurrence)
	}
	if cfg.Limits.DailyLimit != 5 || cfg.Limits.Cooldown != "30m" {
		t.Fatalf("limits not decoded: %+v", cfg.Limits)
	}

	js := `{"telegram":{"token":"x","timeout":"5s"},"tenants":{"t":{"ads":[]}}}`
	cfg, err = Decode("promobot.json", []byte(js))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if cfg.Telegram.Timeout != "5s" {
		t.Fatalf("timeout=%q", cfg.Telegram.Timeout)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	if _, err := Decode("c.yaml", []byte("tenants: {}\nbogus: 1\n")); err == nil {
		t.Fatalf("unknown yaml field accepted")
	}
	if _, err := Decode("c.json", []byte(`{"tenants":{}}{"x":1}`)); err == nil {
		t.Fatalf("trailing json accepted")
	}
	if _, err := Decode("c.yaml", []byte("tenants: [\n")); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
	if _, err := Decode("c.yaml", []byte("tenants: {}\ntenants: {}\n")); err == nil {
		t.Fatalf("duplicate key accepted")
	}
	if _, err := Decode("c.yaml", []byte("tenants: {}\n---\ntenants: {}\n")); err == nil {
		t.Fatalf("second document accepted")
	}
	if cfg, err := Decode("c.yml", nil); err != nil || cfg.Tenants != nil {
		t.Fatalf("empty yaml: cfg=%+v err=%v", cfg, err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	err = ApplyEnv(cfg, map[string]string{
		"PROMOBOT_TELEGRAM_TOKEN": "env-token",
		"PROMOBOT_REDIS_ADDR":     "127.0.0.1:6379",
		"PROMOBOT_HTTP_TOKEN":     "s3cret",
		"PROMOBOT_STORAGE_DRIVER": "sqlite",
		"PROMOBOT_STORAGE_PATH":   "/tmp/p.db",
		"UNRELATED":               "x",
	})
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token=%q", cfg.Telegram.Token)
	}
	if cfg.Redis == nil || !cfg.Redis.Enabled || cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("redis=%+v", cfg.Redis)
	}
	if cfg.HTTP == nil || !cfg.HTTP.Enabled || cfg.HTTP.Token != "s3cret" {
		t.Fatalf("http=%+v", cfg.HTTP)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/p.db" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}

	before := *cfg
	if err := ApplyEnv(cfg, map[string]string{}); err != nil {
		t.Fatalf("empty env: %v", err)
	}
	if cfg.Telegram.Token != before.Telegram.Token {
		t.Fatalf("empty env changed token")
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Hour, time.Hour, false},
		{"0s", time.Hour, time.Hour, false},
		{"90s", time.Hour, 90 * time.Second, false},
		{"7d", time.Hour, 7 * 24 * time.Hour, false},
		{"xd", time.Hour, 0, true},
		{"-2d", time.Hour, 0, true},
		{"-1s", time.Hour, 0, true},
		{"soon", time.Hour, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, tc.def)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err=%v wantErr=%v", tc.raw, err, tc.wantErr)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("%q: got %s want %s", tc.raw, got, tc.want)
		}
	}
}

func TestSummarizeChangeTenants(t *testing.T) {
	oldCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))

	sections, _, tenants := SummarizeChange(oldCfg, newCfg)
	if len(sections) != 0 || len(tenants) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", sections, tenants)
	}

	tc := newCfg.Tenants["guild-1"]
	tc.Ads[0].Title = "Summer sale"
	newCfg.Tenants["guild-1"] = tc
	newCfg.Tenants["guild-2"] = TenantConfig{}
	newCfg.Limits.DailyLimit = 9

	sections, attrs, tenants := SummarizeChange(oldCfg, newCfg)
	if len(tenants) != 2 || tenants[0] != "guild-1" || tenants[1] != "guild-2" {
		t.Fatalf("tenants=%v", tenants)
	}
	if len(sections) != 2 || sections[0] != "limits" || sections[1] != "tenants" {
		t.Fatalf("sections=%v", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}

	delete(newCfg.Tenants, "guild-1")
	_, _, tenants = SummarizeChange(oldCfg, newCfg)
	if len(tenants) != 2 {
		t.Fatalf("removed tenant not reported: %v", tenants)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promobot.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	m.environ = map[string]string{"PROMOBOT_LOG_LEVEL": "debug"}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || m.Get() != cfg {
		t.Fatalf("env override not applied or not committed: %+v", cfg.Logging)
	}

	var rejected bool
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Limits.DailyLimit > 100 {
			rejected = true
			return errors.New("daily limit too high")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	writeFile(t, path, sampleYAML+"delivery:\n  pace: 2s\n")
	m.reload(context.Background())
	select {
	case got := <-sub:
		if got.Delivery.Pace != "2s" {
			t.Fatalf("pace=%q", got.Delivery.Pace)
		}
	default:
		t.Fatalf("reload not published")
	}

	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatalf("unchanged config published")
	default:
	}

	writeFile(t, path, "limits:\n  daily_limit: 500\ntenants: {}\n")
	m.reload(context.Background())
	if !rejected {
		t.Fatalf("validator not called")
	}
	select {
	case <-sub:
		t.Fatalf("rejected config published")
	default:
	}
	if m.Get().Delivery.Pace != "2s" {
		t.Fatalf("rejected config committed")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promobot.json")
	writeFile(t, path, `{"tenants":{}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Retry the write: the watcher may not be registered yet.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for i := 1; ; i++ {
		select {
		case got := <-sub:
			if _, ok := got.Tenants["t"]; !ok {
				t.Fatalf("unexpected config: %+v", got.Tenants)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch: %v", err)
			}
			return
		case <-tick.C:
			writeFile(t, path, `{"tenants":{"t":{"ads":[]}},"delivery":{"pace":"`+(time.Duration(i)*time.Second).String()+`"}}`)
		case <-deadline:
			cancel()
			t.Fatalf("no config published after writes")
		}
	}
}
