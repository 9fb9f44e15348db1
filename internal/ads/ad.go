// Package ads holds the promotional ad model: validation, recurrence
// schedules, the content fingerprint, rendering and the status machine.
package ads

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidAd wraps every validation failure.
var ErrInvalidAd = errors.New("invalid ad")

type PublishMode string

const (
	PublishImmediate PublishMode = "immediate"
	PublishScheduled PublishMode = "scheduled"
)

type ScheduleKind string

const (
	OneShot   ScheduleKind = "one_shot"
	Recurring ScheduleKind = "recurring"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusExpired   Status = "expired"
)

const DefaultLinkLabel = "Learn more"

type Ad struct {
	ID        string
	Title     string
	Body      string
	ImageURL  string
	LinkURL   string
	LinkLabel string

	// Channels is the ordered destination list. Empty means fallback resolution.
	Channels     []string
	RoleMentions []string

	PublishMode  PublishMode
	ScheduleKind ScheduleKind
	Recurrence   *Recurrence

	// ScheduledAt is the fire time of a one-shot ad and the "not before"
	// anchor of a recurring one. Zero means unset.
	ScheduledAt time.Time
	// ExpiresAt strictly bounds delivery. Zero means never.
	ExpiresAt time.Time

	Priority Priority
	Status   Status
	Enabled  bool

	CreatedAt   time.Time
	PublishedAt time.Time
}

func (a Ad) IsScheduled() bool { return a.PublishMode == PublishScheduled }

func (a Ad) IsRecurring() bool {
	return a.PublishMode == PublishScheduled && a.ScheduleKind == Recurring
}

// Expired reports whether now is at or past ExpiresAt.
func (a Ad) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Deliverable reports whether the ad may be sent at all: enabled, not in the
// expired state and not past ExpiresAt.
func (a Ad) Deliverable(now time.Time) bool {
	return a.Enabled && a.Status != StatusExpired && !a.Expired(now)
}

// Armable reports whether a scheduled ad should hold a trigger.
func (a Ad) Armable(now time.Time) bool {
	return a.IsScheduled() && a.Status == StatusScheduled && a.Deliverable(now)
}

// Clone returns a deep copy safe to hand out of the registry.
func (a Ad) Clone() Ad {
	a.Channels = append([]string(nil), a.Channels...)
	a.RoleMentions = append([]string(nil), a.RoleMentions...)
	if a.Recurrence != nil {
		r := *a.Recurrence
		a.Recurrence = &r
	}
	return a
}

// WithDefaults fills optional fields.
func (a Ad) WithDefaults() Ad {
	a.ID = strings.TrimSpace(a.ID)
	if a.Priority == "" {
		a.Priority = PriorityNormal
	}
	if a.PublishMode == "" {
		a.PublishMode = PublishImmediate
	}
	if a.PublishMode == PublishScheduled && a.ScheduleKind == "" {
		if a.Recurrence != nil {
			a.ScheduleKind = Recurring
		} else {
			a.ScheduleKind = OneShot
		}
	}
	if a.Status == "" {
		a.Status = StatusDraft
	}
	if strings.TrimSpace(a.LinkLabel) == "" {
		a.LinkLabel = DefaultLinkLabel
	}
	return a
}

// Validate checks structural rules. loc is used to build recurrence schedules.
func (a Ad) Validate(loc *time.Location) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: ad %q: %s", ErrInvalidAd, a.ID, fmt.Sprintf(format, args...))
	}
	if a.ID == "" {
		return fail("id required")
	}
	if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Body) == "" {
		return fail("title or body required")
	}
	if a.ImageURL != "" && !ValidURL(a.ImageURL) {
		return fail("image_url %q is not an absolute http(s) url", a.ImageURL)
	}
	if a.LinkURL != "" && !ValidURL(a.LinkURL) {
		return fail("link_url %q is not an absolute http(s) url", a.LinkURL)
	}
	switch a.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fail("unknown priority %q", a.Priority)
	}
	switch a.PublishMode {
	case PublishImmediate:
		return nil
	case PublishScheduled:
	default:
		return fail("unknown publish_mode %q", a.PublishMode)
	}
	switch a.ScheduleKind {
	case OneShot:
		if a.ScheduledAt.IsZero() {
			return fail("scheduled_at required for one_shot")
		}
	case Recurring:
		if a.Recurrence == nil {
			return fail("recurrence required for recurring")
		}
		if _, _, err := a.Recurrence.Schedule(loc); err != nil {
			return fail("recurrence: %v", err)
		}
	default:
		return fail("unknown schedule_kind %q", a.ScheduleKind)
	}
	return nil
}

// ValidURL reports whether raw is an absolute http or https URL with a host.
func ValidURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
