// Package alttext generates alternative text for image attachments through a
// remote API, enforcing the free-tier quota for unlicensed installs.
package alttext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"alttextpro/internal/util"
	"alttextpro/pkg/domain"
	"alttextpro/pkg/metrics"
	"alttextpro/pkg/quota"
	"alttextpro/pkg/storage"
	"alttextpro/pkg/store"
	"alttextpro/pkg/tracer"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Version is sent in the User-Agent of API requests.
const Version = "1.1.0"

const (
	DefaultFreeLimit   int64 = 10
	DefaultMaxFileSize int64 = 15 * 1024 * 1024
)

// Generator calls the alt-text API. *Client implements it.
type Generator interface {
	Generate(ctx context.Context, apiKey string, in GenerationRequest) (string, error)
}

// AttachmentEvents receives attachment lifecycle notifications from the host.
type AttachmentEvents interface {
	OnAttachmentCreated(ctx context.Context, att domain.Attachment)
}

type Config struct {
	FreeLimit     int64
	MaxFileSize   int64
	DefaultLocale string
}

type Deps struct {
	Store   store.Store
	Files   storage.Store
	Counter quota.Counter
	API     Generator
}

// Service holds everything a generation needs. One instance is built at
// startup and shared by the HTTP server, the bulk worker and the scheduler.
type Service struct {
	cfg     Config
	store   store.Store
	files   storage.Store
	counter quota.Counter
	api     Generator
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Files == nil || deps.Counter == nil || deps.API == nil {
		return nil, errors.New("alttext: store, files, counter and api are required")
	}
	if cfg.FreeLimit <= 0 {
		cfg.FreeLimit = DefaultFreeLimit
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		files:   deps.Files,
		counter: deps.Counter,
		api:     deps.API,
	}, nil
}

// FreeLimit is the number of free generations per period.
func (s *Service) FreeLimit() int64 { return s.cfg.FreeLimit }

// GenerateForAttachment runs Generate and reports only whether it succeeded.
// Failures are logged, never returned.
func (s *Service) GenerateForAttachment(ctx context.Context, attachmentID string, force bool) bool {
	return s.Generate(ctx, attachmentID, force) == nil
}

// OnAttachmentCreated generates alt text for a freshly uploaded attachment
// and ignores the outcome.
func (s *Service) OnAttachmentCreated(ctx context.Context, att domain.Attachment) {
	_ = s.GenerateForAttachment(ctx, att.ID, false)
}

// Generate produces and stores alt text for one attachment. An attachment that
// already has alt text is left alone unless force is set.
func (s *Service) Generate(ctx context.Context, attachmentID string, force bool) (err error) {
	ctx, span := tracer.Start(ctx, "alttext.Generate", trace.WithAttributes(
		attribute.String("attachment.id", attachmentID),
		attribute.Bool("force", force),
	))
	logger := util.LoggerFromContext(ctx).With("attachment_id", attachmentID, "force", force)
	if traceID := tracer.TraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	skipped := false
	defer func() {
		outcome := Outcome(err)
		if skipped {
			outcome = "skipped"
		}
		metrics.GenerationsTotal.WithLabelValues(outcome).Inc()
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			logGenerationFailure(logger, outcome, err)
		}
		span.End()
	}()

	caller, ok := CallerFromContext(ctx)
	if !ok || !caller.Can(domain.CapUploadFiles) {
		return ErrNotPermitted
	}

	att, found, err := s.store.GetAttachment(attachmentID)
	if err != nil {
		return fmt.Errorf("load attachment: %w", err)
	}
	if !found {
		return ErrAttachmentNotFound
	}
	if !att.IsImage() {
		return ErrNotAnImage
	}

	info, err := s.files.Stat(ctx, att.StorageKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileMissing, err)
	}

	if !force && att.AltText != "" {
		skipped = true
		return nil
	}

	mime, err := s.sniff(ctx, att.StorageKey)
	if err != nil {
		return err
	}

	if info.Size > s.cfg.MaxFileSize {
		return ErrFileTooLarge
	}

	licensed, err := s.Licensed()
	if err != nil {
		return fmt.Errorf("read license: %w", err)
	}
	var reservation quota.Reservation
	if !licensed {
		reservation, err = s.counter.Reserve(ctx, s.cfg.FreeLimit)
		if errors.Is(err, quota.ErrLimitReached) {
			return ErrQuotaExceeded
		}
		if err != nil {
			return fmt.Errorf("reserve quota: %w", err)
		}
	}
	committed := false
	defer func() {
		if reservation != nil && !committed {
			if relErr := reservation.Release(context.WithoutCancel(ctx)); relErr != nil {
				logger.Warn("quota release failed", "err", relErr)
			}
		}
	}()

	apiKey, err := s.APIKey()
	if err != nil {
		return fmt.Errorf("read api key: %w", err)
	}
	if apiKey == "" {
		return ErrNoAPIKey
	}

	image, err := s.readImage(ctx, att.StorageKey)
	if err != nil {
		return err
	}
	req := GenerationRequest{Image: image, Mime: mime}
	if licensed {
		req.Locale = s.locale(ctx)
	}

	raw, err := s.api.Generate(ctx, apiKey, req)
	if err != nil {
		return err
	}
	alt := CleanAltText(raw)
	if alt == "" {
		return ErrEmptyResult
	}
	if err := s.store.SetAltText(att.ID, alt); err != nil {
		return fmt.Errorf("save alt text: %w", err)
	}

	if reservation != nil {
		committed = true
		used, err := reservation.Commit(context.WithoutCancel(ctx))
		if err != nil {
			logger.Error("quota commit failed", "err", err)
		} else {
			metrics.FreeUsage.Set(float64(used))
		}
	}
	logger.Info("alt text generated", "mime", mime, "licensed", licensed, "length", len([]rune(alt)))
	return nil
}

func logGenerationFailure(logger *slog.Logger, outcome string, err error) {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		logger.Warn("alt text api error", "outcome", outcome, "status", httpErr.Status, "body", httpErr.Body)
	case errors.Is(err, ErrTransport), errors.Is(err, ErrMalformedResponse):
		logger.Warn("alt text api call failed", "outcome", outcome, "err", err)
	case errors.Is(err, ErrEmptyResult), errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrNoAPIKey):
		logger.Info("alt text not generated", "outcome", outcome)
	case outcome == "internal_error":
		logger.Error("alt text generation failed", "err", err)
	default:
		logger.Debug("alt text skipped", "outcome", outcome, "err", err)
	}
}

// sniff reads the start of the file and requires image content.
func (s *Service) sniff(ctx context.Context, key string) (string, error) {
	rc, err := s.files.Open(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileMissing, err)
	}
	defer rc.Close()
	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileMissing, err)
	}
	mime, _, _ := strings.Cut(mt.String(), ";")
	mime = strings.TrimSpace(mime)
	if !strings.HasPrefix(mime, "image/") {
		return "", ErrNotAnImage
	}
	return mime, nil
}

func (s *Service) readImage(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.files.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileMissing, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileMissing, err)
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func (s *Service) locale(ctx context.Context) string {
	if loc := localeFromContext(ctx); loc != "" {
		return loc
	}
	return s.cfg.DefaultLocale
}

// ResetQuota sets the free-tier counter back to zero.
func (s *Service) ResetQuota(ctx context.Context) error {
	if err := s.counter.Reset(ctx); err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	metrics.QuotaResetsTotal.Inc()
	metrics.FreeUsage.Set(0)
	util.LoggerFromContext(ctx).Info("free quota reset")
	return nil
}

// Licensed reports whether a license key is configured.
func (s *Service) Licensed() (bool, error) {
	key, _, err := s.store.GetOption(domain.OptionLicenseKey)
	if err != nil {
		return false, err
	}
	return key != "", nil
}

// APIKey returns the configured API key or "".
func (s *Service) APIKey() (string, error) {
	key, _, err := s.store.GetOption(domain.OptionAPIKey)
	return key, err
}

// KeyUpdate carries new key values. Nil fields are left unchanged; values
// that sanitise to "" clear the key.
type KeyUpdate struct {
	APIKey     *string
	LicenseKey *string
}

// UpdateKeys sanitises and stores the API and license keys.
func (s *Service) UpdateKeys(ctx context.Context, upd KeyUpdate) error {
	for name, raw := range map[string]*string{
		domain.OptionAPIKey:     upd.APIKey,
		domain.OptionLicenseKey: upd.LicenseKey,
	} {
		if raw == nil {
			continue
		}
		value := SanitizeToken(*raw)
		var err error
		if value == "" {
			err = s.store.DeleteOption(name)
		} else {
			err = s.store.SetOption(name, value)
		}
		if err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	util.LoggerFromContext(ctx).Info("settings updated",
		"api_key_changed", upd.APIKey != nil,
		"license_key_changed", upd.LicenseKey != nil,
	)
	return nil
}

// Usage reports the free-tier counter against the limit.
func (s *Service) Usage(ctx context.Context) (domain.Usage, error) {
	used, err := s.counter.Used(ctx)
	if err != nil {
		return domain.Usage{}, fmt.Errorf("read usage: %w", err)
	}
	licensed, err := s.Licensed()
	if err != nil {
		return domain.Usage{}, fmt.Errorf("read license: %w", err)
	}
	pct := UsagePercent(used, s.cfg.FreeLimit)
	return domain.Usage{
		Used:     used,
		Limit:    s.cfg.FreeLimit,
		Percent:  pct,
		State:    UsageState(pct),
		Licensed: licensed,
	}, nil
}

// UsagePercent is round(used/limit*100) clamped to 0..100.
func UsagePercent(used, limit int64) int {
	if limit <= 0 {
		return 100
	}
	pct := math.Round(float64(used) / float64(limit) * 100)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return int(pct)
}

// UsageState buckets a percentage into ok, warning (>=70) or danger (>=100).
func UsageState(pct int) string {
	switch {
	case pct >= 100:
		return "danger"
	case pct >= 70:
		return "warning"
	default:
		return "ok"
	}
}

// Notices returns advisory messages for administrators.
func (s *Service) Notices(ctx context.Context) ([]domain.Notice, error) {
	notices := []domain.Notice{}
	apiKey, err := s.APIKey()
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		notices = append(notices, domain.Notice{
			Level:   "info",
			Message: "Add your API key in settings to start generating alt text.",
		})
	}
	usage, err := s.Usage(ctx)
	if err != nil {
		return nil, err
	}
	if !usage.Licensed && usage.Used >= usage.Limit {
		notices = append(notices, domain.Notice{
			Level:   "warning",
			Message: "AI Alt Text Pro: free monthly limit reached. Enter a license key for unlimited usage.",
		})
	}
	return notices, nil
}
