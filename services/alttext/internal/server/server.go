package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alttextpro/internal/ratelimit"
	"alttextpro/internal/util"
	"alttextpro/pkg/alttext"
	"alttextpro/pkg/domain"
	"alttextpro/services/alttext/internal/app"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxJSONBody = 1 << 20

// TokenVerifier turns a bearer token into the calling principal.
// *usertoken.Verifier implements it.
type TokenVerifier interface {
	Verify(token string) (domain.Caller, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                          *app.App
	TokenVerifier                TokenVerifier
	TrustedProxies               *util.TrustedProxies
	RedisAddr                    string
	RedisPassword                string
	RegenerateRateLimitPerMinute int
	MaxUploadBytes               int64
	// HookTokenVerifier, when set, also accepts host service tokens on the
	// attachment-created hook. User tokens are tried after it.
	HookTokenVerifier TokenVerifier
	// RegenerateLimiter replaces the Redis limiter when set.
	RegenerateLimiter ratelimit.Limiter
}

// Server exposes the alt-text HTTP API.
type Server struct {
	app               *app.App
	tokenVerifier     TokenVerifier
	hookVerifier      TokenVerifier
	trustedProxies    *util.TrustedProxies
	mux               *http.ServeMux
	maxUploadBytes    int64
	regenerateLimiter ratelimit.Limiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	limiter := cfg.RegenerateLimiter
	if limiter == nil {
		limit := cfg.RegenerateRateLimitPerMinute
		if limit <= 0 {
			limit = 30
		}
		redisLimiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "alttext:ratelimit:regenerate", limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init regenerate limiter: %w", err)
		}
		limiter = redisLimiter
	}
	s := &Server{
		app:               cfg.App,
		tokenVerifier:     cfg.TokenVerifier,
		hookVerifier:      cfg.TokenVerifier,
		trustedProxies:    cfg.TrustedProxies,
		mux:               http.NewServeMux(),
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		regenerateLimiter: limiter,
	}
	if cfg.HookTokenVerifier != nil {
		s.hookVerifier = chainVerifier{cfg.HookTokenVerifier, cfg.TokenVerifier}
	}
	s.routes()
	return s, nil
}

// Close releases the Redis connection held by the default limiter.
func (s *Server) Close() error {
	if c, ok := s.regenerateLimiter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/api/settings", s.authenticated(s.handleSettings))
	s.mux.Handle("/api/notices", s.authenticated(s.handleNotices))

	s.mux.Handle("/api/attachments", s.authenticated(s.handleAttachments))
	s.mux.Handle("/api/attachments/bulk", s.authenticated(s.handleBulk))
	s.mux.Handle("/api/attachments/", s.authenticated(s.handleAttachmentByID))
	s.mux.Handle("/api/jobs/", s.authenticated(s.handleJob))

	s.mux.Handle("/api/hooks/attachment-created", s.authenticatedWith(s.hookVerifier, s.handleAttachmentCreated))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticated verifies the bearer token and stores the caller, the
// negotiated locale and a caller-scoped logger in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return s.authenticatedWith(s.tokenVerifier, next)
}

func (s *Server) authenticatedWith(verifier TokenVerifier, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "alttext.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		caller, err := verifier.Verify(token)
		if err != nil {
			s.audit(r, "alttext.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := alttext.WithCaller(r.Context(), caller)
		if locale := alttext.LocaleFromAcceptLanguage(r.Header.Get("Accept-Language")); locale != "" {
			ctx = alttext.WithLocale(ctx, locale)
		}
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("caller_id", caller.ID))
		next(w, r.WithContext(ctx))
	})
}

// chainVerifier returns the first successful verification.
type chainVerifier []TokenVerifier

func (c chainVerifier) Verify(token string) (domain.Caller, error) {
	var errs []error
	for _, v := range c {
		caller, err := v.Verify(token)
		if err == nil {
			return caller, nil
		}
		errs = append(errs, err)
	}
	return domain.Caller{}, errors.Join(errs...)
}

// /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.app.Settings(r.Context())
		if err != nil {
			s.audit(r, "alttext.settings.read", "fail", "reason", err.Error())
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req settingsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		settings, err := s.app.UpdateSettings(r.Context(), alttext.KeyUpdate{
			APIKey:     req.APIKey,
			LicenseKey: req.LicenseKey,
		})
		if err != nil {
			s.audit(r, "alttext.settings.update", "fail", "reason", err.Error())
			writeAppError(w, err)
			return
		}
		s.audit(r, "alttext.settings.update", "success",
			"api_key_changed", req.APIKey != nil,
			"license_key_changed", req.LicenseKey != nil,
		)
		writeJSON(w, http.StatusOK, settings)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	notices, err := s.app.Notices(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": notices,
		"count": len(notices),
	})
}

// /api/attachments
func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, 500)
		}
		items, err := s.app.ListAttachments(r.Context(), limit)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	att, err := s.app.Upload(r.Context(), header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

// /api/attachments/{id} or /api/attachments/{id}/alt-text
func (s *Server) handleAttachmentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/attachments/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "alt-text" {
			http.NotFound(w, r)
			return
		}
		s.handleRegenerate(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		att, err := s.app.GetAttachment(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, att)
	case http.MethodDelete:
		if err := s.app.DeleteAttachment(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.regenerateLimiter, "regenerate", "too many regeneration requests") {
		s.audit(r, "alttext.regenerate", "rate_limited", "attachment_id", id)
		return
	}
	var req regenerateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	att, err := s.app.Regenerate(r.Context(), id, req.Force)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, regenerateResponse{ID: att.ID, AltText: att.AltText})
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	jobs, err := s.app.EnqueueBulk(r.Context(), req.IDs, req.Force)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"items": jobs,
		"count": len(jobs),
	})
}

// /api/jobs/{id}
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	job, err := s.app.GetJob(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAttachmentCreated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	att, err := s.app.RegisterAttachment(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, att)
}

type settingsRequest struct {
	APIKey     *string `json:"apiKey"`
	LicenseKey *string `json:"licenseKey"`
}

type regenerateRequest struct {
	Force bool `json:"force"`
}

type regenerateResponse struct {
	ID      string `json:"id"`
	AltText string `json:"altText"`
}

type bulkRequest struct {
	IDs   []string `json:"ids"`
	Force bool     `json:"force"`
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps service and app errors to a status and a stable code.
func writeAppError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func errorStatus(err error) (int, string) {
	var httpErr *alttext.HTTPError
	switch {
	case errors.Is(err, app.ErrForbidden), errors.Is(err, alttext.ErrNotPermitted):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, app.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, app.ErrTooManyInBatch):
		return http.StatusRequestEntityTooLarge, "batch_too_large"
	case errors.Is(err, app.ErrAlreadyRegistered):
		return http.StatusConflict, "already_registered"
	case errors.Is(err, app.ErrJobNotFound):
		return http.StatusNotFound, "job_not_found"
	case errors.Is(err, alttext.ErrAttachmentNotFound):
		return http.StatusNotFound, alttext.Outcome(err)
	case errors.Is(err, alttext.ErrNotAnImage), errors.Is(err, alttext.ErrFileMissing):
		return http.StatusUnprocessableEntity, alttext.Outcome(err)
	case errors.Is(err, alttext.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, alttext.Outcome(err)
	case errors.Is(err, alttext.ErrQuotaExceeded):
		return http.StatusPaymentRequired, alttext.Outcome(err)
	case errors.Is(err, alttext.ErrNoAPIKey):
		return http.StatusPreconditionFailed, alttext.Outcome(err)
	case errors.Is(err, alttext.ErrTransport), errors.As(err, &httpErr),
		errors.Is(err, alttext.ErrMalformedResponse), errors.Is(err, alttext.ErrEmptyResult):
		return http.StatusBadGateway, alttext.Outcome(err)
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return alttext.DefaultMaxFileSize + 1<<20
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate applies limiter per client IP within scope.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, scope, msg string) bool {
	key := scope + "|" + util.ClientIP(r, s.trustedProxies)
	ok, retryAfter := limiter.Allow(r.Context(), key)
	if ok {
		return true
	}
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
