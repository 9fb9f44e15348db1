package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"promobot/internal/admission"
	"promobot/internal/ads"
	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/messenger"
)

// mapLimitsConfig converts a limits section. Omitted fields fall back to def.
func mapLimitsConfig(path string, lc *config.LimitsConfig, def admission.Limits) (admission.Limits, error) {
	if lc == nil {
		return def, nil
	}
	out := def
	cd, err := config.ParseDurationOrDefault(path+".cooldown", lc.Cooldown, def.Cooldown)
	if err != nil {
		return admission.Limits{}, err
	}
	out.Cooldown = cd
	if lc.DailyLimit < 0 || lc.WeeklyLimit < 0 {
		return admission.Limits{}, fmt.Errorf("%s: limits must be >= 0", path)
	}
	if lc.DailyLimit > 0 {
		out.DailyLimit = lc.DailyLimit
	}
	if lc.WeeklyLimit > 0 {
		out.WeeklyLimit = lc.WeeklyLimit
	}
	return out, nil
}

// defaultLimits maps the global limits section with the built-in defaults.
func defaultLimits(cfg *config.Config) (admission.Limits, error) {
	base := admission.Limits{Cooldown: time.Hour, DailyLimit: 10, WeeklyLimit: 20}
	if cfg == nil {
		return base, nil
	}
	return mapLimitsConfig("limits", &cfg.Limits, base)
}

// mapTenantSettings converts one tenant section into registry settings.
// Field errors are aggregated. A malformed ad is reported and listed in
// Rejected so the registry keeps its previous version.
func mapTenantSettings(id string, tc config.TenantConfig, def admission.Limits) (campaign.Settings, error) {
	var errs *multierror.Error
	s := campaign.Settings{Enabled: !tc.Disabled}

	if tc.Limits != nil {
		lim, err := mapLimitsConfig("tenants."+id+".limits", tc.Limits, def)
		if err != nil {
			errs = multierror.Append(errs, err)
		} else {
			s.Limits = &lim
		}
	}

	for _, ch := range tc.Channels {
		cid := strings.TrimSpace(ch.ID)
		if cid == "" {
			errs = multierror.Append(errs, fmt.Errorf("tenants.%s.channels: empty id", id))
			continue
		}
		s.Channels = append(s.Channels, messenger.Channel{ID: cid, Name: strings.TrimSpace(ch.Name), Writable: !ch.ReadOnly})
	}
	for _, r := range tc.Roles {
		s.Roles = append(s.Roles, messenger.Role{ID: strings.TrimSpace(r.ID), Name: strings.TrimSpace(r.Name)})
	}

	for i, ac := range tc.Ads {
		a, err := mapAdConfig(ac)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tenants.%s.ads[%d]: %w", id, i, err))
			if a.ID != "" {
				s.Rejected = append(s.Rejected, a.ID)
			}
			continue
		}
		s.Ads = append(s.Ads, a)
	}
	return s, errs.ErrorOrNil()
}

func mapAdConfig(ac config.AdConfig) (ads.Ad, error) {
	a := ads.Ad{
		ID:           strings.TrimSpace(ac.ID),
		Title:        ac.Title,
		Body:         ac.Body,
		ImageURL:     strings.TrimSpace(ac.ImageURL),
		LinkURL:      strings.TrimSpace(ac.LinkURL),
		LinkLabel:    ac.LinkLabel,
		Channels:     trimAll(ac.Channels),
		RoleMentions: trimAll(ac.RoleMentions),
		PublishMode:  ads.PublishMode(strings.ToLower(strings.TrimSpace(ac.PublishMode))),
		ScheduleKind: ads.ScheduleKind(strings.ToLower(strings.TrimSpace(ac.ScheduleKind))),
		Priority:     ads.Priority(strings.ToLower(strings.TrimSpace(ac.Priority))),
		Enabled:      ac.Enabled == nil || *ac.Enabled,
	}
	var err error
	invalid := func(e error) (ads.Ad, error) { return ads.Ad{ID: a.ID}, e }
	if a.ScheduledAt, err = parseTimeField("scheduled_at", ac.ScheduledAt); err != nil {
		return invalid(err)
	}
	if a.ExpiresAt, err = parseTimeField("expires_at", ac.ExpiresAt); err != nil {
		return invalid(err)
	}
	if rc := ac.Recurrence; rc != nil {
		rec := &ads.Recurrence{
			Kind:       ads.RecurrenceKind(strings.ToLower(strings.TrimSpace(rc.Kind))),
			At:         strings.TrimSpace(rc.At),
			DayOfMonth: rc.DayOfMonth,
			Rule:       strings.TrimSpace(rc.Rule),
		}
		if strings.TrimSpace(rc.Weekday) != "" {
			if rec.Weekday, err = ads.ParseWeekday(rc.Weekday); err != nil {
				return invalid(fmt.Errorf("recurrence.weekday: %w", err))
			}
		}
		a.Recurrence = rec
	}
	return a, nil
}

func parseTimeField(path, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid RFC3339 time %q", path, raw)
	}
	return t, nil
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
