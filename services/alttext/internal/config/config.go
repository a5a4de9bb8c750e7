package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read when Load gets an empty path.
// ALTTEXT_CONFIG overrides it.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("ALTTEXT_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	StorageDriver  string `yaml:"storageDriver"`
	DataDir        string `yaml:"dataDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	JWKSURL           string   `yaml:"jwksURL"`
	JWTIssuer         string   `yaml:"jwtIssuer"`
	JWTAudience       string   `yaml:"jwtAudience"`
	JWTLeeway         string   `yaml:"jwtLeeway"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	HostJWTPublicKeyPath    string   `yaml:"hostJwtPublicKeyPath"`
	HostJWTVerifyPublicKeys string   `yaml:"hostJwtVerifyPublicKeys"`
	HostJWTKeyID            string   `yaml:"hostJwtKeyId"`
	HostJWTAudience         string   `yaml:"hostJwtAudience"`
	HostJWTIssuers          []string `yaml:"hostJwtIssuers"`

	APIEndpoint       string `yaml:"apiEndpoint"`
	APITimeoutSeconds int    `yaml:"apiTimeoutSeconds"`
	APIMaxRedirects   int    `yaml:"apiMaxRedirects"`
	APIUserAgent      string `yaml:"apiUserAgent"`

	FreeLimit     int64  `yaml:"freeLimit"`
	MaxFileSizeMB int64  `yaml:"maxFileSizeMB"`
	DefaultLocale string `yaml:"defaultLocale"`

	RegenerateRateLimitPerMinute int   `yaml:"regenerateRateLimitPerMinute"`
	MaxUploadBytes               int64 `yaml:"maxUploadBytes"`

	BulkQueueName      string `yaml:"bulkQueueName"`
	BulkQueueGroup     string `yaml:"bulkQueueGroup"`
	BulkConcurrency    int    `yaml:"bulkConcurrency"`
	BulkPerMinute      int    `yaml:"bulkPerMinute"`
	BulkMaxAttachments int    `yaml:"bulkMaxAttachments"`

	ResetInterval string `yaml:"resetInterval"`
	ResetTick     string `yaml:"resetTick"`

	TracingEnabled    bool    `yaml:"tracingEnabled"`
	TracingEndpoint   string  `yaml:"tracingEndpoint"`
	TracingSampleRate float64 `yaml:"tracingSampleRate"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("ALTTEXT_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("ALTTEXT_STORAGE_DRIVER"); v != "" {
		cfg.StorageDriver = strings.TrimSpace(v)
	}
	if v := os.Getenv("ALTTEXT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("ALTTEXT_JWKS_URL"); v != "" {
		cfg.JWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("ALTTEXT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("HOST_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.HostJWTPublicKeyPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("HOST_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.HostJWTVerifyPublicKeys = v
	}
	if v := os.Getenv("HOST_JWT_KEY_ID"); v != "" {
		cfg.HostJWTKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("HOST_JWT_AUDIENCE"); v != "" {
		cfg.HostJWTAudience = strings.TrimSpace(v)
	}
	if v := os.Getenv("HOST_JWT_ISSUERS"); v != "" {
		cfg.HostJWTIssuers = splitCSV(v)
	}
	if v := os.Getenv("ALTTEXT_API_ENDPOINT"); v != "" {
		cfg.APIEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("ALTTEXT_API_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APITimeoutSeconds = n
		}
	}
	if v := os.Getenv("ALTTEXT_API_MAX_REDIRECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIMaxRedirects = n
		}
	}
	if v := os.Getenv("ALTTEXT_FREE_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.FreeLimit = n
		}
	}
	if v := os.Getenv("ALTTEXT_MAX_FILE_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileSizeMB = n
		}
	}
	if v := os.Getenv("ALTTEXT_DEFAULT_LOCALE"); v != "" {
		cfg.DefaultLocale = strings.TrimSpace(v)
	}
	if v := os.Getenv("ALTTEXT_REGENERATE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegenerateRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("ALTTEXT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("ALTTEXT_BULK_QUEUE_NAME"); v != "" {
		cfg.BulkQueueName = v
	}
	if v := os.Getenv("ALTTEXT_BULK_QUEUE_GROUP"); v != "" {
		cfg.BulkQueueGroup = v
	}
	if v := os.Getenv("ALTTEXT_BULK_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BulkConcurrency = n
		}
	}
	if v := os.Getenv("ALTTEXT_BULK_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BulkPerMinute = n
		}
	}
	if v := os.Getenv("ALTTEXT_RESET_INTERVAL"); v != "" {
		cfg.ResetInterval = v
	}
	if v := os.Getenv("ALTTEXT_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.TracingEnabled = b
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "local"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.BulkQueueName == "" {
		cfg.BulkQueueName = "alttext:bulk"
	}
	if cfg.BulkConcurrency == 0 {
		cfg.BulkConcurrency = 2
	}
	if cfg.BulkMaxAttachments == 0 {
		cfg.BulkMaxAttachments = 200
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or ALTTEXT_PORT)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the quota counter (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.StorageDriver {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required when storageDriver=minio")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q (want local or minio)", cfg.StorageDriver)
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or ALTTEXT_JWKS_URL)")
	}
	if (cfg.HostJWTPublicKeyPath != "" || cfg.HostJWTVerifyPublicKeys != "") && len(cfg.HostJWTIssuers) == 0 {
		return errors.New("config: hostJwtIssuers is required when a host public key is configured")
	}
	if cfg.FreeLimit < 0 {
		return errors.New("config: freeLimit must be >= 0")
	}
	if cfg.MaxFileSizeMB < 0 {
		return errors.New("config: maxFileSizeMB must be >= 0")
	}
	if cfg.APITimeoutSeconds < 0 || cfg.APIMaxRedirects < 0 {
		return errors.New("config: apiTimeoutSeconds and apiMaxRedirects must be >= 0")
	}
	if cfg.RegenerateRateLimitPerMinute < 0 || cfg.BulkPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.BulkConcurrency < 0 || cfg.BulkMaxAttachments < 0 {
		return errors.New("config: bulkConcurrency and bulkMaxAttachments must be >= 0")
	}
	if _, err := ParseDuration(cfg.ResetInterval, "resetInterval"); err != nil {
		return err
	}
	if _, err := ParseDuration(cfg.ResetTick, "resetTick"); err != nil {
		return err
	}
	if _, err := ParseDuration(cfg.JWTLeeway, "jwtLeeway"); err != nil {
		return err
	}
	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return errors.New("config: tracingSampleRate must be between 0 and 1")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration field. Empty means zero, which
// callers treat as "use the default". Besides time.ParseDuration syntax it
// accepts a day count such as "30d".
func ParseDuration(raw, field string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("config: invalid %s %q", field, raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil || dur < 0 {
		return 0, fmt.Errorf("config: invalid %s %q", field, raw)
	}
	return dur, nil
}

// MaxFileSizeBytes converts MaxFileSizeMB to bytes; zero means the default.
func (c FileConfig) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}
