package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"alttextpro/internal/ratelimit"
	"alttextpro/internal/util"
	"alttextpro/pkg/alttext"
	"alttextpro/pkg/domain"
	"alttextpro/pkg/metrics"
	"alttextpro/pkg/queue"
	"alttextpro/pkg/quota"
	"alttextpro/pkg/scheduler"
	"alttextpro/pkg/storage"
	"alttextpro/pkg/store"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"
)

const (
	resetScheduleKey = "alttext:schedule:quota_reset"
	sniffLen         = 3072
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	StorageDriver  string
	DataDir        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	Client        alttext.ClientConfig
	FreeLimit     int64
	MaxFileSize   int64
	DefaultLocale string

	BulkQueueName      string
	BulkQueueGroup     string
	BulkPerMinute      int
	BulkMaxAttachments int

	ResetInterval time.Duration

	// Optional overrides, mostly for tests.
	Store     store.Store
	Files     storage.Store
	Generator alttext.Generator
}

// App wires the alt-text service to its storage, the bulk queue and the
// quota reset schedule.
type App struct {
	svc     *alttext.Service
	store   store.Store
	files   storage.Store
	counter *quota.RedisCounter
	jobs    *queue.RedisJobQueue
	reset   *scheduler.Recurring
	pacer   *rate.Limiter
	events  alttext.AttachmentEvents

	maxBatch int
	inflight sync.WaitGroup
}

// New constructs the application. Without a database URL attachments and
// options live in memory.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			slog.Warn("databaseURL not set; using in-memory store")
			dataStore = store.NewMemoryStore()
		} else {
			var err error
			dataStore, err = store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
		}
	}

	files := cfg.Files
	if files == nil {
		var err error
		files, err = newFileStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	counter, err := quota.NewRedisCounter(quota.RedisCounterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("init quota counter: %w", err)
	}

	queueName := strings.TrimSpace(cfg.BulkQueueName)
	if queueName == "" {
		queueName = "alttext:bulk"
	}
	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   queueName,
		Group:    cfg.BulkQueueGroup,
	})
	if err != nil {
		_ = counter.Close()
		return nil, fmt.Errorf("init bulk queue: %w", err)
	}

	reset, err := scheduler.NewRecurring(scheduler.RecurringConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Key:      resetScheduleKey,
		Interval: cfg.ResetInterval,
	})
	if err != nil {
		_ = counter.Close()
		_ = jobs.Close()
		return nil, fmt.Errorf("init reset schedule: %w", err)
	}

	generator := cfg.Generator
	if generator == nil {
		generator = alttext.NewClient(cfg.Client)
	}
	svc, err := alttext.New(alttext.Config{
		FreeLimit:     cfg.FreeLimit,
		MaxFileSize:   cfg.MaxFileSize,
		DefaultLocale: cfg.DefaultLocale,
	}, alttext.Deps{
		Store:   dataStore,
		Files:   files,
		Counter: counter,
		API:     generator,
	})
	if err != nil {
		_ = counter.Close()
		_ = jobs.Close()
		_ = reset.Close()
		return nil, err
	}

	maxBatch := cfg.BulkMaxAttachments
	if maxBatch <= 0 {
		maxBatch = 200
	}
	return &App{
		svc:      svc,
		store:    dataStore,
		files:    files,
		counter:  counter,
		jobs:     jobs,
		reset:    reset,
		pacer:    ratelimit.NewPacer(cfg.BulkPerMinute, 1),
		events:   svc,
		maxBatch: maxBatch,
	}, nil
}

func newFileStore(cfg Config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "", "local":
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return storage.NewFileStore(dir)
	case "minio":
		s, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// Service exposes the underlying alt-text service.
func (a *App) Service() *alttext.Service { return a.svc }

// Close waits for in-flight upload hooks and releases Redis connections.
func (a *App) Close() error {
	a.inflight.Wait()
	return errors.Join(a.counter.Close(), a.jobs.Close(), a.reset.Close())
}

// Activate initialises the counter (keeping an existing value) and schedules
// the quota reset, first due now, unless it is already scheduled.
func (a *App) Activate(ctx context.Context) error {
	if err := a.counter.Init(ctx); err != nil {
		return fmt.Errorf("init counter: %w", err)
	}
	created, err := a.reset.Schedule(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("schedule quota reset: %w", err)
	}
	util.LoggerFromContext(ctx).Info("activated", "reset_scheduled", created)
	return nil
}

// Deactivate removes the reset schedule. The counter and keys are kept.
func (a *App) Deactivate(ctx context.Context) error {
	if err := a.reset.Unschedule(ctx); err != nil {
		return fmt.Errorf("unschedule quota reset: %w", err)
	}
	util.LoggerFromContext(ctx).Info("deactivated")
	return nil
}

// Uninstall removes the counter, both keys and the reset schedule.
func (a *App) Uninstall(ctx context.Context) error {
	if err := a.reset.Unschedule(ctx); err != nil {
		return fmt.Errorf("unschedule quota reset: %w", err)
	}
	if err := a.counter.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy counter: %w", err)
	}
	for _, name := range []string{domain.OptionAPIKey, domain.OptionLicenseKey} {
		if err := a.store.DeleteOption(name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	util.LoggerFromContext(ctx).Info("uninstalled")
	return nil
}

// ResetQuota resets the free-tier counter immediately.
func (a *App) ResetQuota(ctx context.Context) error {
	return a.svc.ResetQuota(ctx)
}

// NextReset returns when the quota reset runs next, or false when the
// schedule is not active.
func (a *App) NextReset(ctx context.Context) (time.Time, bool, error) {
	return a.reset.NextRun(ctx)
}

// RunResetSchedule polls the reset schedule until ctx is done.
func (a *App) RunResetSchedule(ctx context.Context, tick time.Duration) error {
	return a.reset.Run(ctx, tick, a.svc.ResetQuota)
}

// Settings is the admin view of keys and usage. Key values are never echoed.
type Settings struct {
	APIKeySet     bool         `json:"apiKeySet"`
	LicenseKeySet bool         `json:"licenseKeySet"`
	Usage         domain.Usage `json:"usage"`
	NextReset     *time.Time   `json:"nextReset,omitempty"`
}

// Settings returns the current settings. Requires manage_options.
func (a *App) Settings(ctx context.Context) (Settings, error) {
	if err := requireCap(ctx, domain.CapManageOptions); err != nil {
		return Settings{}, err
	}
	return a.settings(ctx)
}

// UpdateSettings stores new keys and returns the resulting settings.
// Requires manage_options.
func (a *App) UpdateSettings(ctx context.Context, upd alttext.KeyUpdate) (Settings, error) {
	if err := requireCap(ctx, domain.CapManageOptions); err != nil {
		return Settings{}, err
	}
	if err := a.svc.UpdateKeys(ctx, upd); err != nil {
		return Settings{}, err
	}
	return a.settings(ctx)
}

func (a *App) settings(ctx context.Context) (Settings, error) {
	apiKey, err := a.svc.APIKey()
	if err != nil {
		return Settings{}, fmt.Errorf("read api key: %w", err)
	}
	usage, err := a.svc.Usage(ctx)
	if err != nil {
		return Settings{}, err
	}
	out := Settings{
		APIKeySet:     apiKey != "",
		LicenseKeySet: usage.Licensed,
		Usage:         usage,
	}
	if next, ok, err := a.reset.NextRun(ctx); err != nil {
		util.LoggerFromContext(ctx).Warn("read reset schedule failed", "err", err)
	} else if ok {
		out.NextReset = &next
	}
	return out, nil
}

// Usage reports the free-tier counter without a capability check. Used by
// the CLI.
func (a *App) Usage(ctx context.Context) (domain.Usage, error) {
	return a.svc.Usage(ctx)
}

// Notices returns advisory notices for callers who can upload files.
func (a *App) Notices(ctx context.Context) ([]domain.Notice, error) {
	if err := requireCap(ctx, domain.CapUploadFiles); err != nil {
		return nil, err
	}
	return a.svc.Notices(ctx)
}

// Upload stores an uploaded file, records the attachment and fires the
// attachment-created event in the background.
func (a *App) Upload(ctx context.Context, filename string, body io.Reader, size int64) (domain.Attachment, error) {
	caller, err := callerWith(ctx, domain.CapUploadFiles)
	if err != nil {
		return domain.Attachment{}, err
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return domain.Attachment{}, fmt.Errorf("%w: filename required", ErrInvalidInput)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	contentType := mediaType(mimetype.Detect(head).String())

	id := util.NewID()
	key := storage.ObjectKey(id, filename)
	counted := &countingReader{r: io.MultiReader(bytes.NewReader(head), body)}
	if err := a.files.Put(ctx, key, counted, size, contentType); err != nil {
		return domain.Attachment{}, fmt.Errorf("store file: %w", err)
	}

	now := time.Now().UTC()
	att := domain.Attachment{
		ID:               id,
		OwnerID:          caller.ID,
		OriginalFilename: filename,
		StorageKey:       key,
		MimeType:         contentType,
		SizeBytes:        counted.n,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.SaveAttachment(att); err != nil {
		if delErr := a.files.Delete(ctx, key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("remove orphaned upload failed", "key", key, "err", delErr)
		}
		return domain.Attachment{}, fmt.Errorf("save attachment: %w", err)
	}
	util.LoggerFromContext(ctx).Info("attachment uploaded",
		"attachment_id", att.ID,
		"mime", att.MimeType,
		"size", att.SizeBytes,
	)
	a.fireCreated(ctx, att)
	return att, nil
}

// RegisterInput describes an attachment the host has already stored.
type RegisterInput struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename"`
	StorageKey string            `json:"storageKey"`
	MimeType   string            `json:"mimeType"`
	SizeBytes  int64             `json:"sizeBytes"`
	Meta       map[string]string `json:"meta"`
}

// RegisterAttachment records a host-stored attachment and fires the
// attachment-created event in the background.
func (a *App) RegisterAttachment(ctx context.Context, in RegisterInput) (domain.Attachment, error) {
	caller, err := callerWith(ctx, domain.CapUploadFiles)
	if err != nil {
		return domain.Attachment{}, err
	}
	in.StorageKey = strings.TrimSpace(in.StorageKey)
	in.Filename = strings.TrimSpace(in.Filename)
	if in.StorageKey == "" || in.Filename == "" {
		return domain.Attachment{}, fmt.Errorf("%w: filename and storageKey required", ErrInvalidInput)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = util.NewID()
	} else {
		_, exists, err := a.store.GetAttachment(id)
		if err != nil {
			return domain.Attachment{}, fmt.Errorf("load attachment: %w", err)
		}
		if exists {
			return domain.Attachment{}, ErrAlreadyRegistered
		}
	}

	mimeType := strings.TrimSpace(in.MimeType)
	size := in.SizeBytes
	if info, err := a.files.Stat(ctx, in.StorageKey); err == nil {
		if size <= 0 {
			size = info.Size
		}
		if mimeType == "" {
			mimeType = mediaType(info.ContentType)
		}
	}

	now := time.Now().UTC()
	att := domain.Attachment{
		ID:               id,
		OwnerID:          caller.ID,
		OriginalFilename: in.Filename,
		StorageKey:       in.StorageKey,
		MimeType:         mimeType,
		SizeBytes:        size,
		Meta:             in.Meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.SaveAttachment(att); err != nil {
		return domain.Attachment{}, fmt.Errorf("save attachment: %w", err)
	}
	a.fireCreated(ctx, att)
	return att, nil
}

func (a *App) fireCreated(ctx context.Context, att domain.Attachment) {
	ctx = context.WithoutCancel(ctx)
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		a.events.OnAttachmentCreated(ctx, att)
	}()
}

// WaitIdle blocks until background attachment-created handlers finish.
func (a *App) WaitIdle() {
	a.inflight.Wait()
}

// GetAttachment returns one attachment. Requires upload_files; attachments
// owned by someone else are only visible with manage_options and otherwise
// report not found.
func (a *App) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	caller, err := callerWith(ctx, domain.CapUploadFiles)
	if err != nil {
		return domain.Attachment{}, err
	}
	att, ok, err := a.store.GetAttachment(id)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("load attachment: %w", err)
	}
	if !ok || (att.OwnerID != caller.ID && !caller.Can(domain.CapManageOptions)) {
		return domain.Attachment{}, alttext.ErrAttachmentNotFound
	}
	return att, nil
}

// ListAttachments lists the caller's attachments, or every attachment for
// callers with manage_options.
func (a *App) ListAttachments(ctx context.Context, limit int) ([]domain.Attachment, error) {
	caller, err := callerWith(ctx, domain.CapUploadFiles)
	if err != nil {
		return nil, err
	}
	owner := caller.ID
	if caller.Can(domain.CapManageOptions) {
		owner = ""
	}
	return a.store.ListAttachments(owner, limit)
}

// DeleteAttachment removes the record and its file. The same ownership
// rule as GetAttachment applies.
func (a *App) DeleteAttachment(ctx context.Context, id string) error {
	att, err := a.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if err := a.files.Delete(ctx, att.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete file: %w", err)
	}
	return a.store.DeleteAttachment(id)
}

// Regenerate runs a generation for one attachment and returns the updated
// record.
func (a *App) Regenerate(ctx context.Context, id string, force bool) (domain.Attachment, error) {
	if err := a.svc.Generate(ctx, id, force); err != nil {
		return domain.Attachment{}, err
	}
	att, ok, err := a.store.GetAttachment(id)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("load attachment: %w", err)
	}
	if !ok {
		return domain.Attachment{}, alttext.ErrAttachmentNotFound
	}
	return att, nil
}

// EnqueueBulk queues one regeneration job per distinct attachment id.
func (a *App) EnqueueBulk(ctx context.Context, ids []string, force bool) ([]domain.Job, error) {
	caller, err := callerWith(ctx, domain.CapUploadFiles)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("%w: ids required", ErrInvalidInput)
	}
	if len(unique) > a.maxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyInBatch, len(unique), a.maxBatch)
	}
	jobs := make([]domain.Job, 0, len(unique))
	for _, id := range unique {
		job, err := a.jobs.Enqueue(ctx, id, force, caller.ID)
		if err != nil {
			return jobs, fmt.Errorf("enqueue %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	util.LoggerFromContext(ctx).Info("bulk regeneration queued", "count", len(jobs), "force", force)
	return jobs, nil
}

// GetJob returns a queued job's status.
func (a *App) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if err := requireCap(ctx, domain.CapUploadFiles); err != nil {
		return domain.Job{}, err
	}
	job, ok, err := a.jobs.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

// StartWorkers consumes bulk jobs until ctx is done.
func (a *App) StartWorkers(ctx context.Context, concurrency int) {
	a.jobs.Start(ctx, concurrency, a.handleJob)
}

// handleJob runs one bulk job on behalf of the caller that queued it. The
// enqueue path already checked upload_files.
func (a *App) handleJob(ctx context.Context, job domain.Job) error {
	if err := a.pacer.Wait(ctx); err != nil {
		return err
	}
	ctx = alttext.WithCaller(ctx, domain.Caller{
		ID:           job.RequestedBy,
		Capabilities: []domain.Capability{domain.CapUploadFiles},
	})
	ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("job_id", job.ID))
	err := a.svc.Generate(ctx, job.AttachmentID, job.Force)
	status := string(domain.JobDone)
	if err != nil {
		status = string(domain.JobFailed)
	}
	metrics.BulkJobsTotal.WithLabelValues(status).Inc()
	return err
}

func requireCap(ctx context.Context, want domain.Capability) error {
	_, err := callerWith(ctx, want)
	return err
}

func callerWith(ctx context.Context, want domain.Capability) (domain.Caller, error) {
	caller, ok := alttext.CallerFromContext(ctx)
	if !ok || !caller.Can(want) {
		return domain.Caller{}, ErrForbidden
	}
	return caller, nil
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
