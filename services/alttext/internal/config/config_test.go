package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const baseConfig = `
port: "8090"
logLevel: "info"
redisAddr: "localhost:6379"
jwksURL: "http://localhost:8081/.well-known/jwks.json"
freeLimit: 10
maxFileSizeMB: 15
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageDriver != "local" {
		t.Fatalf("storageDriver = %q, want local", cfg.StorageDriver)
	}
	if cfg.BulkQueueName != "alttext:bulk" {
		t.Fatalf("bulkQueueName = %q", cfg.BulkQueueName)
	}
	if cfg.MaxFileSizeBytes() != 15*1024*1024 {
		t.Fatalf("maxFileSizeBytes = %d", cfg.MaxFileSizeBytes())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("ALTTEXT_FREE_LIMIT", "25")
	t.Setenv("ALTTEXT_DEFAULT_LOCALE", "de_DE")
	t.Setenv("ALTTEXT_BULK_CONCURRENCY", "4")
	t.Setenv("ALTTEXT_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 192.168.1.1")
	t.Setenv("ALTTEXT_API_ENDPOINT", "https://alt.internal/generate")

	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" {
		t.Fatalf("redisAddr = %q", cfg.RedisAddr)
	}
	if cfg.FreeLimit != 25 {
		t.Fatalf("freeLimit = %d, want 25", cfg.FreeLimit)
	}
	if cfg.DefaultLocale != "de_DE" {
		t.Fatalf("defaultLocale = %q", cfg.DefaultLocale)
	}
	if cfg.BulkConcurrency != 4 {
		t.Fatalf("bulkConcurrency = %d, want 4", cfg.BulkConcurrency)
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "192.168.1.1" {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
	if cfg.APIEndpoint != "https://alt.internal/generate" {
		t.Fatalf("apiEndpoint = %q", cfg.APIEndpoint)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{name: "unknown storage driver", extra: "storageDriver: s3\n"},
		{name: "minio without bucket", extra: "storageDriver: minio\nminioEndpoint: localhost:9000\n"},
		{name: "bad reset interval", extra: "resetInterval: monthly\n"},
		{name: "negative rate limit", extra: "regenerateRateLimitPerMinute: -1\n"},
		{name: "sample rate above one", extra: "tracingSampleRate: 1.5\n"},
		{name: "host key without issuers", extra: "hostJwtPublicKeyPath: /keys/host.pem\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, baseConfig+tc.extra)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRequiresRedis(t *testing.T) {
	content := `
port: "8090"
jwksURL: "http://localhost:8081/.well-known/jwks.json"
`
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatalf("expected error without redisAddr")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{in: "", want: 0},
		{in: "30d", want: 30 * 24 * time.Hour},
		{in: "90m", want: 90 * time.Minute},
	}
	for _, tc := range tests {
		got, err := ParseDuration(tc.in, "field")
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseDuration("-1h", "field"); err == nil {
		t.Fatalf("expected error for negative duration")
	}
}
