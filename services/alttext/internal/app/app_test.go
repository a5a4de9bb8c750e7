package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alttextpro/pkg/alttext"
	"alttextpro/pkg/domain"
	"alttextpro/pkg/storage"
	"alttextpro/pkg/store"

	"github.com/alicebob/miniredis/v2"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type stubGenerator struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (s *stubGenerator) Generate(context.Context, string, alttext.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.text, nil
}

func (s *stubGenerator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testApp struct {
	app   *App
	redis *miniredis.Miniredis
	store *store.MemoryStore
	files *storage.FileStore
	gen   *stubGenerator
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ta := &testApp{
		redis: redisSrv,
		store: store.NewMemoryStore(),
		files: files,
		gen:   &stubGenerator{text: "<b>A dog</b> on a  beach"},
	}
	ta.app, err = New(Config{
		RedisAddr: redisSrv.Addr(),
		FreeLimit: 3,
		Store:     ta.store,
		Files:     ta.files,
		Generator: ta.gen,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = ta.app.Close() })
	if err := ta.store.SetOption(domain.OptionAPIKey, "key-1"); err != nil {
		t.Fatalf("set api key: %v", err)
	}
	return ta
}

func uploaderCtx() context.Context {
	return alttext.WithCaller(context.Background(), domain.Caller{
		ID:           "user-1",
		Capabilities: []domain.Capability{domain.CapUploadFiles},
	})
}

func adminCtx() context.Context {
	return alttext.WithCaller(context.Background(), domain.Caller{
		ID:           "admin",
		Capabilities: []domain.Capability{domain.CapUploadFiles, domain.CapManageOptions},
	})
}

func TestActivateKeepsExistingCounter(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	if err := ta.app.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got, _ := ta.redis.Get("alttext:quota:free_count"); got != "0" {
		t.Fatalf("counter = %q, want 0", got)
	}
	next, ok, err := ta.app.NextReset(ctx)
	if err != nil || !ok {
		t.Fatalf("next reset: ok=%v err=%v", ok, err)
	}
	if time.Until(next) > time.Minute {
		t.Fatalf("first reset should be due now, got %v", next)
	}

	if err := ta.redis.Set("alttext:quota:free_count", "2"); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	if err := ta.app.Activate(ctx); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	usage, err := ta.app.Usage(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Used != 2 {
		t.Fatalf("used = %d, want 2 after re-activation", usage.Used)
	}
	again, _, _ := ta.app.NextReset(ctx)
	if !again.Equal(next) {
		t.Fatalf("re-activation moved schedule from %v to %v", next, again)
	}
}

func TestDeactivateAndUninstall(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	if err := ta.app.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := ta.app.Deactivate(ctx); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, ok, _ := ta.app.NextReset(ctx); ok {
		t.Fatalf("schedule should be removed on deactivate")
	}
	if !ta.redis.Exists("alttext:quota:free_count") {
		t.Fatalf("deactivate must keep the counter")
	}

	license := "lic-1"
	if _, err := ta.app.UpdateSettings(adminCtx(), alttext.KeyUpdate{LicenseKey: &license}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if err := ta.app.Uninstall(ctx); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if ta.redis.Exists("alttext:quota:free_count") {
		t.Fatalf("uninstall must remove the counter")
	}
	for _, name := range []string{domain.OptionAPIKey, domain.OptionLicenseKey} {
		if _, ok, _ := ta.store.GetOption(name); ok {
			t.Fatalf("option %s should be deleted", name)
		}
	}
}

func TestSettingsRequireManageOptions(t *testing.T) {
	ta := newTestApp(t)
	if _, err := ta.app.Settings(uploaderCtx()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("settings err = %v, want ErrForbidden", err)
	}
	key := "new-key"
	if _, err := ta.app.UpdateSettings(uploaderCtx(), alttext.KeyUpdate{APIKey: &key}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("update err = %v, want ErrForbidden", err)
	}

	license := " <i>lic</i>-42 "
	got, err := ta.app.UpdateSettings(adminCtx(), alttext.KeyUpdate{LicenseKey: &license})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if !got.APIKeySet || !got.LicenseKeySet || !got.Usage.Licensed {
		t.Fatalf("unexpected settings: %+v", got)
	}
	stored, _, _ := ta.store.GetOption(domain.OptionLicenseKey)
	if stored != "lic-42" {
		t.Fatalf("license key stored as %q, want lic-42", stored)
	}
}

func TestUploadFiresGeneration(t *testing.T) {
	ta := newTestApp(t)
	att, err := ta.app.Upload(uploaderCtx(), "beach.png", bytes.NewReader(pngBytes), int64(len(pngBytes)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if att.MimeType != "image/png" {
		t.Fatalf("mime = %q, want image/png", att.MimeType)
	}
	if att.SizeBytes != int64(len(pngBytes)) {
		t.Fatalf("size = %d, want %d", att.SizeBytes, len(pngBytes))
	}
	if att.OwnerID != "user-1" {
		t.Fatalf("owner = %q", att.OwnerID)
	}
	ta.app.WaitIdle()

	stored, err := ta.app.GetAttachment(uploaderCtx(), att.ID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if stored.AltText != "A dog on a beach" {
		t.Fatalf("alt text = %q", stored.AltText)
	}
	usage, _ := ta.app.Usage(context.Background())
	if usage.Used != 1 {
		t.Fatalf("used = %d, want 1", usage.Used)
	}
}

func TestAttachmentAccessIsScopedToOwner(t *testing.T) {
	ta := newTestApp(t)
	att, err := ta.app.Upload(uploaderCtx(), "beach.png", bytes.NewReader(pngBytes), int64(len(pngBytes)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	ta.app.WaitIdle()

	other := alttext.WithCaller(context.Background(), domain.Caller{
		ID:           "user-2",
		Capabilities: []domain.Capability{domain.CapUploadFiles},
	})
	if _, err := ta.app.GetAttachment(other, att.ID); !errors.Is(err, alttext.ErrAttachmentNotFound) {
		t.Fatalf("other uploader get err = %v, want ErrAttachmentNotFound", err)
	}
	if err := ta.app.DeleteAttachment(other, att.ID); !errors.Is(err, alttext.ErrAttachmentNotFound) {
		t.Fatalf("other uploader delete err = %v, want ErrAttachmentNotFound", err)
	}
	if _, ok, _ := ta.store.GetAttachment(att.ID); !ok {
		t.Fatalf("attachment removed by a non-owner")
	}

	if _, err := ta.app.GetAttachment(uploaderCtx(), att.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := ta.app.GetAttachment(adminCtx(), att.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	if err := ta.app.DeleteAttachment(adminCtx(), att.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, ok, _ := ta.store.GetAttachment(att.ID); ok {
		t.Fatalf("attachment still stored after admin delete")
	}
}

func TestUploadRequiresUploadFiles(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.app.Upload(context.Background(), "a.png", bytes.NewReader(pngBytes), 0)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestRegisterAttachment(t *testing.T) {
	ta := newTestApp(t)
	ctx := uploaderCtx()
	if err := ta.files.Put(ctx, "host/cat.png", bytes.NewReader(pngBytes), int64(len(pngBytes)), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	att, err := ta.app.RegisterAttachment(ctx, RegisterInput{ID: "att-9", Filename: "cat.png", StorageKey: "host/cat.png"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if att.SizeBytes != int64(len(pngBytes)) {
		t.Fatalf("size = %d, want stat size", att.SizeBytes)
	}
	ta.app.WaitIdle()
	if ta.gen.callCount() != 1 {
		t.Fatalf("generator calls = %d, want 1", ta.gen.callCount())
	}

	if _, err := ta.app.RegisterAttachment(ctx, RegisterInput{ID: "att-9", Filename: "cat.png", StorageKey: "host/cat.png"}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate err = %v, want ErrAlreadyRegistered", err)
	}
	if _, err := ta.app.RegisterAttachment(ctx, RegisterInput{Filename: "cat.png"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing key err = %v, want ErrInvalidInput", err)
	}
}

func TestEnqueueBulk(t *testing.T) {
	ta := newTestApp(t)
	ctx := uploaderCtx()

	jobs, err := ta.app.EnqueueBulk(ctx, []string{"a", "a", " ", "b"}, true)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	job, err := ta.app.GetJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobQueued || job.AttachmentID != "a" || !job.Force || job.RequestedBy != "user-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, err := ta.app.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing job err = %v", err)
	}
	if _, err := ta.app.EnqueueBulk(ctx, nil, false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty batch err = %v", err)
	}

	ta.app.maxBatch = 1
	if _, err := ta.app.EnqueueBulk(ctx, []string{"a", "b"}, false); !errors.Is(err, ErrTooManyInBatch) {
		t.Fatalf("oversized batch err = %v", err)
	}
}

func TestHandleJobRunsAsRequester(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	key := storage.ObjectKey("att-1", "shore.png")
	if err := ta.files.Put(ctx, key, bytes.NewReader(pngBytes), int64(len(pngBytes)), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ta.store.SaveAttachment(domain.Attachment{
		ID:               "att-1",
		OriginalFilename: "shore.png",
		StorageKey:       key,
		MimeType:         "image/png",
		SizeBytes:        int64(len(pngBytes)),
		AltText:          "old",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := ta.app.handleJob(ctx, domain.Job{ID: "j1", AttachmentID: "att-1", RequestedBy: "user-1"}); err != nil {
		t.Fatalf("handle job without force: %v", err)
	}
	if ta.gen.callCount() != 0 {
		t.Fatalf("existing alt text should be kept without force")
	}
	if err := ta.app.handleJob(ctx, domain.Job{ID: "j2", AttachmentID: "att-1", Force: true, RequestedBy: "user-1"}); err != nil {
		t.Fatalf("handle job with force: %v", err)
	}
	att, _, _ := ta.store.GetAttachment("att-1")
	if att.AltText != "A dog on a beach" {
		t.Fatalf("alt text = %q", att.AltText)
	}
	if err := ta.app.handleJob(ctx, domain.Job{ID: "j3", AttachmentID: "missing", RequestedBy: "user-1"}); !errors.Is(err, alttext.ErrAttachmentNotFound) {
		t.Fatalf("missing attachment err = %v", err)
	}
}

func TestResetScheduleRunsResetOnce(t *testing.T) {
	ta := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ta.app.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := ta.redis.Set("alttext:quota:free_count", "3"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ta.app.RunResetSchedule(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, _ := ta.redis.Get("alttext:quota:free_count"); got == "0" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("quota was not reset")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	next, ok, _ := ta.app.NextReset(context.Background())
	if !ok || time.Until(next) < 29*24*time.Hour {
		t.Fatalf("next reset = %v, want about 30 days out", next)
	}
}
