// Package campaign owns the ad registry: per-tenant ad sets, their lifecycle
// status, the scheduler triggers that fire them and the sweeps that retire
// them. It is the only writer of ad status.
package campaign

import (
	"context"
	"errors"
	"time"

	"promobot/internal/admission"
	"promobot/internal/ads"
	"promobot/internal/delivery"
	"promobot/internal/messenger"
	"promobot/internal/storage"
)

var (
	ErrUnknownTenant  = errors.New("unknown tenant")
	ErrUnknownAd      = errors.New("unknown ad")
	ErrInvalidTenant  = errors.New("invalid tenant id")
	ErrNotDeliverable = errors.New("ad not deliverable")
)

// ReasonAdExpired is the skip reason of a manual trigger on an expired ad.
const ReasonAdExpired = "ad expired"

type Config struct {
	DueTick     time.Duration
	ExpirySweep time.Duration
	Cleanup     time.Duration
	// Retention bounds persisted deliveries and audit rows.
	Retention    time.Duration
	StoreTimeout time.Duration
	// MaxRefs caps the message refs kept per ad for retraction.
	MaxRefs int
}

func (c Config) withDefaults() Config {
	if c.DueTick <= 0 {
		c.DueTick = time.Minute
	}
	if c.ExpirySweep <= 0 {
		c.ExpirySweep = 5 * time.Minute
	}
	if c.Cleanup <= 0 {
		c.Cleanup = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.MaxRefs <= 0 {
		c.MaxRefs = 50
	}
	return c
}

// Store is the persistence the registry needs. *storage.Store implements it.
type Store interface {
	delivery.Recorder
	MarkPublished(ctx context.Context, tenant, adID string, fp ads.Fingerprint, at time.Time) error
	MarkExpired(ctx context.Context, tenant, adID string, fp ads.Fingerprint, at time.Time) error
	ForgetStatus(ctx context.Context, tenant, adID string) error
	LoadStatuses(ctx context.Context) ([]storage.StatusRow, error)
	LoadDeliveries(ctx context.Context, since time.Time) ([]admission.Record, error)
	DeliveriesFor(ctx context.Context, tenant, adID string) ([]admission.Record, error)
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, tenant string, ad ads.Ad, opts delivery.Options) delivery.Result
}

// Retractor strips interactive controls from a sent message.
type Retractor interface {
	StripControls(ctx context.Context, channel, ref string) error
}

// Pruner is anything with expiring entries swept by the cleanup pass.
type Pruner interface {
	Prune() int
}

// Settings is one tenant's full configuration. Applying it replaces the
// tenant's ad set.
type Settings struct {
	Enabled bool
	// Limits overrides the ledger defaults when non-nil.
	Limits   *admission.Limits
	Channels []messenger.Channel
	Roles    []messenger.Role
	Ads      []ads.Ad
	// Rejected lists ids whose definitions failed to decode upstream. Like
	// an ad failing validation, each keeps its previous version.
	Rejected []string
}

// Entry is one upcoming occurrence in a tenant's schedule.
type Entry struct {
	AdID     string       `json:"ad_id"`
	Title    string       `json:"title"`
	Kind     string       `json:"kind"`
	Spec     string       `json:"spec,omitempty"`
	Next     time.Time    `json:"next"`
	Priority ads.Priority `json:"priority"`
	Reason   string       `json:"reason,omitempty"`
}

const EntryRetry = "retry"

type Stats struct {
	AdID       string    `json:"ad_id"`
	SentCount  int       `json:"sent_count"`
	LastSentAt time.Time `json:"last_sent_at,omitempty"`
}

type fireMode int

const (
	fireScheduled fireMode = iota
	fireRetry
	fireImmediate
	fireManual
)

func (m fireMode) String() string {
	switch m {
	case fireRetry:
		return "retry"
	case fireImmediate:
		return "immediate"
	case fireManual:
		return "manual"
	default:
		return "scheduled"
	}
}

// bypassLedger reports whether the mode skips cooldown and counters.
func (m fireMode) bypassLedger() bool { return m == fireImmediate || m == fireManual }

type pendingRetry struct {
	occurrence time.Time
	reason     string
	since      time.Time
	retryAt    time.Time
}

type adState struct {
	ad      ads.Ad
	fp      ads.Fingerprint
	defKey  string
	version uint64

	// attempted is the one-shot occurrence already fired.
	attempted     time.Time
	immediateDone bool
	pending       *pendingRetry
}

type tenantState struct {
	ads   map[string]*adState
	order []string
}

type statsKey struct {
	tenant string
	adID   string
}

type sentRef struct {
	channel   string
	ref       string
	retracted bool
}

type adStats struct {
	sent       int
	lastSentAt time.Time
	refs       []sentRef
}
