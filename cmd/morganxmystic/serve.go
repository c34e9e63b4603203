package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/api"
	"github.com/Imrankhan9559/morganxmystic/internal/auth"
	"github.com/Imrankhan9559/morganxmystic/internal/config"
	"github.com/Imrankhan9559/morganxmystic/internal/events"
	"github.com/Imrankhan9559/morganxmystic/internal/export"
	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata/postgres"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/quota"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/remote/objstore"
	"github.com/Imrankhan9559/morganxmystic/internal/retry"
	"github.com/Imrankhan9559/morganxmystic/internal/storage"
	"github.com/Imrankhan9559/morganxmystic/internal/stream"
	"github.com/Imrankhan9559/morganxmystic/internal/upload"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("starting morganxmystic",
		zap.String("listen", cfg.Server.Listen),
		zap.String("metadata", cfg.Metadata.Backend),
		zap.String("remote", cfg.Remote.Backend))

	// Metadata
	store, err := openStore(cfg.Metadata)
	if err != nil {
		return err
	}
	defer store.Close()
	if pg, ok := store.(*postgres.Store); ok {
		go every(ctx, 15*time.Second, pg.UpdateConnectionMetrics)
	}

	broadcaster := events.NewBroadcaster()
	tree := metadata.NewTree(store, metadata.WithObserver(broadcaster.TreeObserver()))

	// Remote blob service
	backend, err := storage.NewBackendFromConfig(ctx, cfg.Remote)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}
	objects, err := objstore.New(objstore.Config{
		Backend:       backend,
		LocatorSecret: []byte(cfg.Remote.LocatorSecret),
		LocatorTTL:    cfg.Remote.LocatorTTL,
	})
	if err != nil {
		return fmt.Errorf("remote connector: %w", err)
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Upload.RetryAttempts
	connector := remote.Instrument(objects, retryCfg)
	logging.Info("remote connector ready", zap.String("backend", cfg.Remote.Backend))

	// Identity
	sealer, err := auth.NewCredentialSealer(cfg.Auth.CredentialKey)
	if err != nil {
		return err
	}
	creds := auth.NewCredentials(tree, sealer)
	authHandler := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.CookieName)
	pending := auth.NewPendingLogins(cfg.Auth.PendingTTL)
	go pending.RunJanitor(ctx, time.Minute)

	// Uploads
	stager, err := upload.NewStager(cfg.Upload.StagingDir, cfg.Upload.MaxSize, cfg.Upload.MinFreeBytes)
	if err != nil {
		return fmt.Errorf("upload staging: %w", err)
	}
	// The pipeline retries connect and send as one unit.
	pipeline := upload.NewPipeline(tree, remote.Metered(objects), broadcaster, upload.Config{
		Workers:   cfg.Upload.Workers,
		QueueSize: cfg.Upload.QueueSize,
		JobTTL:    cfg.Upload.JobTTL,
		Retry:     retryCfg,
	})
	// Workers outlive the signal; Stop drains them.
	pipeline.Start(context.WithoutCancel(ctx))

	// Streaming and export
	proxy := stream.New(connector, creds.Lookup, stream.Config{
		StrictMedia: cfg.Stream.StrictMedia,
		ChunkSize:   cfg.Stream.ChunkSize,
	})
	exporter := export.New(tree, proxy, export.Config{
		StagingDir:  cfg.Export.StagingDir,
		MaxDepth:    cfg.Export.MaxDepth,
		Concurrency: cfg.Export.Concurrency,
	})

	rateLimiter := quota.NewRateLimiter(cfg.Server.RequestsPerMinute)
	go rateLimiter.RunJanitor(ctx, time.Hour, 24*time.Hour)

	srv := api.NewServer(cfg.Server, api.Deps{
		Tree:          tree,
		Auth:          authHandler,
		Credentials:   creds,
		PendingLogins: pending,
		Connector:     connector,
		Uploads:       pipeline,
		Stager:        stager,
		Proxy:         proxy,
		Exporter:      exporter,
		Broadcaster:   broadcaster,
		RateLimiter:   rateLimiter,
	})

	// Start metrics server
	var metricsServer *http.Server
	if cfg.Server.MetricsListen != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsListen,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsListen))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	useTLS := cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			logging.Info("server listening (TLS 1.3)",
				zap.String("addr", cfg.Server.Listen),
				zap.String("cert", cfg.Server.TLSCertFile))
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.Listen))
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down...")
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}
	stop()

	// Drain HTTP, then queued uploads, within one deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	pipeline.Stop(shutdownCtx)
	logging.Info("shutdown complete")
	return runErr
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
