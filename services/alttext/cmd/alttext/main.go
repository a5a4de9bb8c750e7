package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"alttextpro/internal/servicetoken"
	"alttextpro/internal/usertoken"
	"alttextpro/internal/util"
	"alttextpro/pkg/tracer"
	"alttextpro/services/alttext/internal/app"
	"alttextpro/services/alttext/internal/config"
	"alttextpro/services/alttext/internal/server"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("alttext", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "alttext",
		Endpoint:    cfg.TracingEndpoint,
		SampleRate:  cfg.TracingSampleRate,
		Enabled:     cfg.TracingEnabled,
	})
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	appCfg, err := app.ConfigFromFile(cfg)
	if err != nil {
		log.Fatalf("failed to build app config: %v", err)
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if err := appCore.Activate(ctx); err != nil {
		log.Fatalf("failed to activate: %v", err)
	}

	leeway, err := config.ParseDuration(cfg.JWTLeeway, "jwtLeeway")
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trustedProxyCidrs: %v", err)
	}

	var hookVerifier server.TokenVerifier
	if cfg.HostJWTPublicKeyPath != "" || cfg.HostJWTVerifyPublicKeys != "" {
		verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.HostJWTVerifyPublicKeys)
		if err != nil {
			log.Fatalf("invalid hostJwtVerifyPublicKeys: %v", err)
		}
		hostVerifier, err := servicetoken.NewVerifier(servicetoken.Options{
			PublicKeyPath:    cfg.HostJWTPublicKeyPath,
			VerifyPublicKeys: verifyKeys,
			DefaultKeyID:     cfg.HostJWTKeyID,
			Audience:         cfg.HostJWTAudience,
			AllowedIssuers:   cfg.HostJWTIssuers,
			Leeway:           leeway,
		})
		if err != nil {
			log.Fatalf("failed to init host token verifier: %v", err)
		}
		hookVerifier = hostVerifier
	}

	httpServer, err := server.New(server.Config{
		App:                          appCore,
		TokenVerifier:                verifier,
		HookTokenVerifier:            hookVerifier,
		TrustedProxies:               trusted,
		RedisAddr:                    cfg.RedisAddr,
		RedisPassword:                cfg.RedisPassword,
		RegenerateRateLimitPerMinute: cfg.RegenerateRateLimitPerMinute,
		MaxUploadBytes:               cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	resetTick, err := config.ParseDuration(cfg.ResetTick, "resetTick")
	if err != nil {
		log.Fatalf("failed to parse reset tick: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return appCore.RunResetSchedule(gctx, resetTick)
	})
	g.Go(func() error {
		appCore.StartWorkers(gctx, cfg.BulkConcurrency)
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	if err := httpServer.Close(); err != nil {
		logger.Warn("close server", "err", err)
	}
	if err := appCore.Close(); err != nil {
		logger.Warn("close app", "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("shutdown tracing", "err", err)
	}
}
