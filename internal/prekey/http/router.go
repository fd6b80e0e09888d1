package http

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonhttp "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/http"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/jwtverify"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/failure"
)

type PreKeyService interface {
	CheckPreKeysIfNecessary(ctx context.Context) error
	RefreshOneTimePreKeys(ctx context.Context, identity domain.Identity, alsoRefreshSignedPreKey bool) error
	RotatePreKeysOnUpgradeIfNecessary(ctx context.Context, identity domain.Identity) error
	IsAppLockedDueToPreKeyUpdateFailures() bool
	SetIsChangingNumber(changing bool)
	IsChangingNumber() bool
}

type FailureReporter interface {
	Threshold() int
	Snapshot(identity domain.Identity) map[domain.KeyClass]failure.Counter
}

type refreshRequest struct {
	Identity          string `json:"identity" validate:"required,oneof=aci pni"`
	AlsoRefreshSigned bool   `json:"also_refresh_signed"`
}

type upgradeRequest struct {
	Identity string `json:"identity" validate:"required,oneof=aci pni"`
}

type numberChangeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type failureCount struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty"`
}

type statusResponse struct {
	Locked         bool                               `json:"locked"`
	ChangingNumber bool                               `json:"changing_number"`
	Threshold      int                                `json:"threshold"`
	Failures       map[string]map[string]failureCount `json:"failures"`
}

type Config struct {
	AdminJWTSecret string
	RequestTimeout time.Duration
	RateLimiter    *commonhttp.AdminRateLimiter
}

type Handler struct {
	service  PreKeyService
	failures FailureReporter
	errors   *commonhttp.ErrorHandler
	timeout  time.Duration
	log      *logger.Logger
}

// NewHandler serves /health and /metrics openly and the /api/prekeys routes
// behind admin JWT auth and rate limiting.
func NewHandler(service PreKeyService, failures FailureReporter, cfg Config, log *logger.Logger) http.Handler {
	h := &Handler{
		service:  service,
		failures: failures,
		errors:   commonhttp.NewErrorHandler(log),
		timeout:  cfg.RequestTimeout,
		log:      log,
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/prekeys/status", h.wrap(http.MethodGet, h.status))
	api.HandleFunc("/api/prekeys/check", h.wrap(http.MethodPost, h.check))
	api.HandleFunc("/api/prekeys/refresh", h.wrap(http.MethodPost, h.refresh))
	api.HandleFunc("/api/prekeys/upgrade", h.wrap(http.MethodPost, h.upgrade))
	api.HandleFunc("/api/prekeys/number-change", h.wrap(http.MethodPost, h.numberChange))

	var protected http.Handler = api
	if cfg.RateLimiter != nil {
		protected = cfg.RateLimiter.Middleware()(protected)
	}
	protected = jwtverify.Middleware(cfg.AdminJWTSecret, log)(protected)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", commonhttp.HealthHandler(log))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/prekeys/", protected)
	return mux
}

func (h *Handler) wrap(method string, fn http.HandlerFunc) http.HandlerFunc {
	fn = commonhttp.RequireMethod(method)(fn)
	if h.timeout > 0 {
		fn = commonhttp.WithTimeout(h.timeout)(fn)
	}
	return fn
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Locked:         h.service.IsAppLockedDueToPreKeyUpdateFailures(),
		ChangingNumber: h.service.IsChangingNumber(),
		Threshold:      h.failures.Threshold(),
		Failures:       make(map[string]map[string]failureCount, len(domain.AllIdentities)),
	}
	for _, identity := range domain.AllIdentities {
		counts := make(map[string]failureCount)
		for class, c := range h.failures.Snapshot(identity) {
			fc := failureCount{ConsecutiveFailures: c.Consecutive}
			if !c.LastAttempt.IsZero() {
				last := c.LastAttempt
				fc.LastAttempt = &last
			}
			counts[class.String()] = fc
		}
		resp.Failures[identity.String()] = counts
	}
	commonhttp.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CheckPreKeysIfNecessary(r.Context()); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.audit(r, "check", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !commonhttp.BindJSON(w, r, &req) {
		return
	}
	identity, err := domain.ParseIdentity(req.Identity)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if err := h.service.RefreshOneTimePreKeys(r.Context(), identity, req.AlsoRefreshSigned); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.audit(r, "refresh", logger.Fields{"identity": identity.String(), "also_refresh_signed": req.AlsoRefreshSigned})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if !commonhttp.BindJSON(w, r, &req) {
		return
	}
	identity, err := domain.ParseIdentity(req.Identity)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if err := h.service.RotatePreKeysOnUpgradeIfNecessary(r.Context(), identity); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.audit(r, "upgrade", logger.Fields{"identity": identity.String()})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) numberChange(w http.ResponseWriter, r *http.Request) {
	var req numberChangeRequest
	if !commonhttp.BindJSON(w, r, &req) {
		return
	}

	h.service.SetIsChangingNumber(*req.Active)
	h.audit(r, "number_change", logger.Fields{"active": *req.Active})
	commonhttp.WriteJSON(w, http.StatusOK, map[string]bool{"changing_number": h.service.IsChangingNumber()})
}

func (h *Handler) audit(r *http.Request, action string, fields logger.Fields) {
	if fields == nil {
		fields = logger.Fields{}
	}
	fields["action"] = "admin_" + action
	if claims, ok := jwtverify.FromContext(r.Context()); ok {
		fields["subject"] = claims.Subject
	}
	h.log.WithFields(r.Context(), fields).Info("admin request completed")
}
