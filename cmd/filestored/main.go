// cmd/filestored/main.go
// Package main implements the entry point for the file storage service.
// It wires configuration, storage backends, the file service, the retention
// sweeper and the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/config"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/event"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/server"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/service"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/sweeper"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// backend is the metadata store plus the blob table of the embedded strategy.
type backend interface {
	storage.Store
	storage.BlobStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer("filestore-service", version, cfg.TraceStdout); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	signer, err := strategy.NewURLSigner(cfg.PublicBaseURL, []byte(cfg.URLSigningSecret))
	if err != nil {
		logger.Error("failed to initialize url signer", "error", err)
		os.Exit(1)
	}

	factory, err := buildFactory(ctx, cfg, store, signer, logger)
	if err != nil {
		logger.Error("failed to initialize storage strategies", "error", err)
		os.Exit(1)
	}
	if !factory.ValidateCurrent(ctx) {
		logger.Warn("active storage strategy failed validation", "strategy", factory.CurrentName())
	}

	m := metrics.NewMetrics()
	pub := event.NewPublisher(cfg.NATSURL, m)
	defer pub.Close()

	svc := service.New(store, factory, signer, pub, m, logger, service.Options{
		MaxFileSize:      cfg.MaxFileSize,
		AllowedMimeTypes: cfg.AllowedMimeTypes,
		DedupEnabled:     cfg.DedupEnabled,
		DefaultBucket:    cfg.DefaultBucket,
		TempBucket:       cfg.TempBucket,
		URLTTL:           cfg.URLTTL,
		OperationTimeout: cfg.OperationTimeout,
		StoreRetries:     cfg.StoreRetries,
	})

	sw, err := sweeper.New(svc, cfg.SweepSchedule, cfg.TempTTLHours, logger)
	if err != nil {
		logger.Error("failed to initialize retention sweeper", "error", err)
		os.Exit(1)
	}
	if err := sw.Start(ctx); err != nil {
		logger.Error("failed to start retention sweeper", "error", err)
		os.Exit(1)
	}
	defer sw.Stop()

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimRight(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}
	auth := jwks.NewClient(jwksURL, cfg.JWTIssuer, cfg.JWTAudience)

	handler, err := server.NewMux(svc, auth, server.Options{
		MaxFileSize:        cfg.MaxFileSize,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize HTTP handler", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute, // Uploads stream the whole payload
		WriteTimeout:      2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", addr,
			"env", cfg.Env,
			"strategy", factory.CurrentName(),
			"strategies", factory.AvailableTypes(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}

// openBackend returns PostgreSQL when a DSN is configured and in-memory storage otherwise.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	if cfg.DatabaseDSN == "" {
		logger.Warn("FS_DB_DSN not set, using in-memory storage")
		return storage.NewMemory(), nil
	}
	if err := storage.Migrate(cfg.DatabaseDSN, logger); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pg, err := storage.NewPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// buildFactory constructs the strategy registry. The s3 strategy is registered
// only when a bucket is configured.
func buildFactory(ctx context.Context, cfg config.Config, blobs storage.BlobStore, signer *strategy.URLSigner, logger *slog.Logger) (*strategy.Factory, error) {
	registry := map[string]strategy.Strategy{
		strategy.TypeEmbedded: strategy.NewEmbedded(blobs, signer, cfg.EmbeddedCapacity),
	}
	if cfg.S3Bucket != "" {
		s3, err := strategy.NewObjectStorage(ctx, strategy.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 strategy: %w", err)
		}
		registry[strategy.TypeS3] = s3
	}
	return strategy.NewFactory(registry, cfg.StorageStrategy, logger)
}
