package app

import (
	"time"

	"alttextpro/pkg/alttext"
	"alttextpro/services/alttext/internal/config"
)

// ConfigFromFile maps the loaded file config onto the app Config.
func ConfigFromFile(cfg config.FileConfig) (Config, error) {
	resetInterval, err := config.ParseDuration(cfg.ResetInterval, "resetInterval")
	if err != nil {
		return Config{}, err
	}
	return Config{
		DatabaseURL:    cfg.DatabaseURL,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		StorageDriver:  cfg.StorageDriver,
		DataDir:        cfg.DataDir,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,
		Client: alttext.ClientConfig{
			Endpoint:     cfg.APIEndpoint,
			UserAgent:    cfg.APIUserAgent,
			Timeout:      time.Duration(cfg.APITimeoutSeconds) * time.Second,
			MaxRedirects: cfg.APIMaxRedirects,
		},
		FreeLimit:          cfg.FreeLimit,
		MaxFileSize:        cfg.MaxFileSizeBytes(),
		DefaultLocale:      cfg.DefaultLocale,
		BulkQueueName:      cfg.BulkQueueName,
		BulkQueueGroup:     cfg.BulkQueueGroup,
		BulkPerMinute:      cfg.BulkPerMinute,
		BulkMaxAttachments: cfg.BulkMaxAttachments,
		ResetInterval:      resetInterval,
	}, nil
}
