package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"

	"promobot/internal/ads"
	"promobot/internal/audit"
	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/delivery"
	logx "promobot/pkg/logx"
)

const maxBody = 1 << 20

// Campaigns is the registry surface the API drives.
type Campaigns interface {
	ApplyTenantSettings(ctx context.Context, tenant string, s campaign.Settings) error
	RemoveTenant(ctx context.Context, tenant string) error
	TriggerImmediate(ctx context.Context, tenant, adID string) (delivery.Result, error)
	ActiveSchedule(tenant string) ([]campaign.Entry, error)
	DeliveryStats(adID string) campaign.Stats
	Tenants() []string
	Ads(tenant string) ([]ads.Ad, error)
}

type AuditLog interface {
	RecentAudit(ctx context.Context, tenant string, limit int) ([]audit.Entry, error)
}

// SettingsMapper converts a settings payload for tenant.
type SettingsMapper func(tenant string, tc config.TenantConfig) (campaign.Settings, error)

type Deps struct {
	Campaigns Campaigns
	Settings  SettingsMapper
	// Optional.
	Audit   AuditLog
	Metrics http.Handler
	System  func() any
}

// Handler builds the router for cfg. It is exported for in-process tests.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Server) handler(cfg Config) http.Handler {
	h := &handlers{deps: s.deps, log: s.log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
		}
		if cfg.Profiler {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/v1", func(r chi.Router) {
			r.Get("/system", h.system)
			r.Get("/tenants", h.listTenants)
			r.Route("/tenants/{tenant}", func(r chi.Router) {
				r.Put("/settings", h.putSettings)
				r.Delete("/", h.deleteTenant)
				r.Get("/ads", h.listAds)
				r.Post("/ads/{ad}/trigger", h.trigger)
				r.Get("/schedule", h.schedule)
				r.Get("/audit", h.audit)
			})
			r.Get("/ads/{ad}/stats", h.stats)
		})
	})
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

type adView struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	PublishMode  string     `json:"publish_mode"`
	ScheduleKind string     `json:"schedule_kind,omitempty"`
	Channels     []string   `json:"channels,omitempty"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	Enabled      bool       `json:"enabled"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

func viewOf(a ads.Ad) adView {
	opt := func(t time.Time) *time.Time {
		if t.IsZero() {
			return nil
		}
		return &t
	}
	return adView{
		ID:           a.ID,
		Title:        a.Title,
		PublishMode:  string(a.PublishMode),
		ScheduleKind: string(a.ScheduleKind),
		Channels:     a.Channels,
		Priority:     string(a.Priority),
		Status:       string(a.Status),
		Enabled:      a.Enabled,
		ScheduledAt:  opt(a.ScheduledAt),
		ExpiresAt:    opt(a.ExpiresAt),
		PublishedAt:  opt(a.PublishedAt),
	}
}

func (h *handlers) system(w http.ResponseWriter, _ *http.Request) {
	if h.deps.System == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.System())
}

func (h *handlers) listTenants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tenants": h.deps.Campaigns.Tenants()})
}

type settingsResponse struct {
	Tenant string   `json:"tenant"`
	Ads    int      `json:"ads"`
	Errors []string `json:"errors,omitempty"`
}

// putSettings applies a tenant payload. Valid ads are applied even when some
// are rejected; the response is then 422 and lists every rejection.
func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var tc config.TenantConfig
	if err := config.DecodeStrict(body, &tc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	settings, mapErr := h.deps.Settings(tenant, tc)
	applyErr := h.deps.Campaigns.ApplyTenantSettings(r.Context(), tenant, settings)
	if errors.Is(applyErr, campaign.ErrInvalidTenant) {
		writeError(w, http.StatusBadRequest, applyErr)
		return
	}

	resp := settingsResponse{Tenant: tenant, Errors: append(flatten(mapErr), flatten(applyErr)...)}
	if list, err := h.deps.Campaigns.Ads(tenant); err == nil {
		resp.Ads = len(list)
	}
	status := http.StatusOK
	if len(resp.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	h.log.Info("tenant settings updated via api", logx.String("tenant", tenant), logx.Int("ads", resp.Ads), logx.Int("errors", len(resp.Errors)))
	writeJSON(w, status, resp)
}

func (h *handlers) deleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Campaigns.RemoveTenant(r.Context(), chi.URLParam(r, "tenant")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listAds(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Campaigns.Ads(chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	out := make([]adView, 0, len(list))
	for _, a := range list {
		out = append(out, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ads": out})
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	tenant, adID := chi.URLParam(r, "tenant"), chi.URLParam(r, "ad")
	res, err := h.deps.Campaigns.TriggerImmediate(r.Context(), tenant, adID)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	h.log.Info("manual trigger", logx.String("tenant", tenant), logx.String("ad", adID), logx.Int("sent", res.Sent), logx.Int("skipped", len(res.Skipped)))
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Campaigns.ActiveSchedule(chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Campaigns.DeliveryStats(chi.URLParam(r, "ad")))
}

func (h *handlers) audit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		writeError(w, http.StatusNotImplemented, errors.New("storage disabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be in 1..1000"))
			return
		}
		limit = n
	}
	entries, err := h.deps.Audit.RecentAudit(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		h.log.Warn("audit query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, errors.New("audit query failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, campaign.ErrUnknownTenant), errors.Is(err, campaign.ErrUnknownAd):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrNotDeliverable):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrInvalidTenant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func flatten(err error) []string {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		out := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
