package delivery

import (
	"context"
	"time"

	"promobot/internal/admission"
	"promobot/internal/audit"
)

// FallbackNames is the channel-name order used when an ad lists no channels.
var FallbackNames = []string{"ads", "advertisements", "promotions", "promo", "announcements", "general"}

type Config struct {
	// Pace is the minimum gap between two sends.
	Pace        time.Duration
	SendTimeout time.Duration
	ClaimTTL    time.Duration
	// ExistsCacheTTL caches positive message-exists probes.
	ExistsCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Pace < 0 {
		c.Pace = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.ExistsCacheTTL <= 0 {
		c.ExistsCacheTTL = 30 * time.Second
	}
	return c
}

// Recorder persists delivery records and audit entries. Implementations
// must be safe for concurrent use.
type Recorder interface {
	SaveDelivery(ctx context.Context, rec admission.Record) error
	AppendAudit(ctx context.Context, e audit.Entry) error
}

type Options struct {
	// Hold, when set, skips every destination that passes the guards with
	// this reason instead of sending.
	Hold string
	// Occurrence labels the run in logs.
	Occurrence string
}

type Failure struct {
	Channel string `json:"channel"`
	Error   string `json:"error"`
}

type Skip struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

type Result struct {
	RunID        string             `json:"run_id"`
	Destinations []string           `json:"destinations"`
	Sent         int                `json:"sent"`
	Delivered    []admission.Record `json:"delivered,omitempty"`
	Failures     []Failure          `json:"failures,omitempty"`
	Skipped      []Skip             `json:"skipped,omitempty"`
	// Exhausted is set when no destination could be resolved.
	Exhausted bool `json:"exhausted,omitempty"`
}

// AllBlocked reports whether every destination was skipped by the guards.
func (r Result) AllBlocked() bool {
	return len(r.Destinations) > 0 && len(r.Skipped) == len(r.Destinations)
}
