package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "PROMOBOT_"

// envOverrides holds deployment knobs and secrets that may be kept out of the
// config file. Empty values leave the file value untouched.
type envOverrides struct {
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	LogLevel      string `env:"LOG_LEVEL"`
	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	StorageDSN    string `env:"STORAGE_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	HTTPAddr      string `env:"HTTP_ADDR"`
	HTTPToken     string `env:"HTTP_TOKEN"`
}

// ApplyEnv overlays PROMOBOT_* variables onto cfg. environ nil reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	var ov envOverrides
	if err := env.ParseWithOptions(&ov, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, ov.TelegramToken)
	set(&cfg.Logging.Level, ov.LogLevel)

	if ov.StorageDriver != "" || ov.StoragePath != "" || ov.StorageDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		set(&cfg.Storage.Driver, ov.StorageDriver)
		set(&cfg.Storage.Path, ov.StoragePath)
		set(&cfg.Storage.DSN, ov.StorageDSN)
	}
	if ov.RedisAddr != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Enabled = true
		set(&cfg.Redis.Addr, ov.RedisAddr)
	}
	if ov.RedisPassword != "" && cfg.Redis != nil {
		cfg.Redis.Password = ov.RedisPassword
	}
	if ov.HTTPAddr != "" || ov.HTTPToken != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{Enabled: true}
		}
		set(&cfg.HTTP.Addr, ov.HTTPAddr)
		set(&cfg.HTTP.Token, ov.HTTPToken)
	}
	return nil
}
