package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/cloudsdk/internal/cleanup"
	"github.com/italolelis/cloudsdk/internal/cloud"
	"github.com/italolelis/cloudsdk/internal/cloud/putio"
	"github.com/italolelis/cloudsdk/internal/cloud/rest"
	"github.com/italolelis/cloudsdk/internal/config"
	httprest "github.com/italolelis/cloudsdk/internal/http/rest"
	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/notifier"
	"github.com/italolelis/cloudsdk/internal/session"
	"github.com/italolelis/cloudsdk/internal/storage/sqlite"
	"github.com/italolelis/cloudsdk/internal/telemetry"
	"github.com/italolelis/cloudsdk/internal/transfer"
)

const serviceName = "cloudsdk"

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("cloudsdk transfer daemon starting...", "log_level", cfg.LogLevel, "backend", cfg.Backend, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	transfers := sqlite.NewInstrumentedTransferRepository(database, tel)
	journal := sqlite.NewInstrumentedTaskRepository(database, tel)

	// =========================================================================
	// Start API Client
	httpClient, err := buildHTTPClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build http client: %w", err)
	}

	client, err := buildCloudClient(cfg, httpClient, tel)
	if err != nil {
		return fmt.Errorf("failed to build cloud client: %w", err)
	}

	// =========================================================================
	// Start Sessions and Transfer Manager
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	// transfer sessions stream large bodies, only the api calls time out
	sessionClient := *httpClient
	sessionClient.Timeout = 0

	registry, err := session.NewDefaultRegistry(cfg.SessionID, tempDir, cfg.ProgressInterval, &sessionClient, journal)
	if err != nil {
		return fmt.Errorf("failed to create sessions: %w", err)
	}

	sessions := registry.All()
	transports := make([]transfer.Transport, 0, len(sessions))

	for _, s := range sessions {
		transports = append(transports, s)
	}

	manager, err := transfer.NewManager(ctx, transfer.Config{
		MaxParallel:      cfg.MaxParallel,
		ReconcileTimeout: cfg.ReconcileTimeout,
	}, client, transfers, tel, transports...)
	if err != nil {
		return fmt.Errorf("failed to create transfer manager: %w", err)
	}

	if err := registry.Open(ctx); err != nil {
		return fmt.Errorf("failed to open sessions: %w", err)
	}

	if err := resumeBackgroundSessions(ctx, manager, sessions); err != nil {
		return err
	}

	defer shutdownTransfers(ctx, cfg, manager, registry)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, manager, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for transfers...",
		"max_parallel", cfg.MaxParallel,
		"chunk_size", cfg.ChunkSize,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, manager, cfg)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func buildHTTPClient(ctx context.Context, cfg *config.Config) (*http.Client, error) {
	creds := cloud.Credentials{
		ClientID:     cfg.API.ClientID,
		ClientSecret: cfg.API.ClientSecret,
		TokenURL:     cfg.API.TokenURL,
		AccessToken:  cfg.API.AccessToken,
		RefreshToken: cfg.API.RefreshToken,
	}

	if cfg.Backend == "putio" {
		creds = cloud.Credentials{AccessToken: cfg.PutioToken}
	}

	ts, err := creds.TokenSource(ctx)
	if err != nil {
		return nil, err
	}

	return cloud.NewHTTPClient(ctx, ts, cfg.API.RequestTimeout), nil
}

// This is an abstract factory for the cloud client.
func buildCloudClient(cfg *config.Config, httpClient *http.Client, tel *telemetry.Telemetry) (cloud.Client, error) {
	switch cfg.Backend {
	case "rest":
		c, err := rest.NewClient(rest.Config{
			APIURL:     cfg.API.BaseURL,
			ContentURL: cfg.API.ContentURL,
			Root:       cfg.API.Root,
			ChunkSize:  cfg.ChunkSize,
		}, httpClient)
		if err != nil {
			return nil, err
		}

		return cloud.NewInstrumentedClient(c, tel, "rest"), nil
	case "putio":
		c, err := putio.NewClient(httpClient, cfg.PutioUploadURL, cfg.ChunkSize)
		if err != nil {
			return nil, err
		}

		if cfg.PutioBaseURL != "" {
			if err := c.SetBaseURL(cfg.PutioBaseURL); err != nil {
				return nil, err
			}
		}

		return cloud.NewInstrumentedClient(c, tel, "putio"), nil
	}

	return nil, fmt.Errorf("invalid backend: %s", cfg.Backend)
}

// resumeBackgroundSessions reconciles every background session with the
// restored transfers.
func resumeBackgroundSessions(ctx context.Context, manager *transfer.Manager, sessions []*session.Session) error {
	logger := logctx.LoggerFromContext(ctx)

	var wg errgroup.Group

	for _, s := range sessions {
		if !s.Background() {
			continue
		}

		wg.Go(func() error {
			return manager.ResumeBackgroundEvents(ctx, s.ID(), func() {
				logger.Info("background session ready", "session_id", s.ID())
			})
		})
	}

	if err := wg.Wait(); err != nil {
		return fmt.Errorf("failed to resume background sessions: %w", err)
	}

	return nil
}

func shutdownTransfers(ctx context.Context, cfg *config.Config, manager *transfer.Manager, registry *session.Registry) {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := manager.Close(ctx); err != nil {
		logger.Error("failed to close transfer manager", "err", err)
	}

	if err := registry.Close(ctx); err != nil {
		logger.Error("failed to close sessions", "err", err)
	}
}

func setupNotification(ctx context.Context, manager *transfer.Manager, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	notif := &notifier.DiscordNotifier{
		WebhookURL: cfg.DiscordWebhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}

	events, unsubscribe := manager.Subscribe(64)

	go func() {
		defer unsubscribe()

		notifier.Watch(ctx, events, notif)
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *transfer.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tHandler := httprest.NewTransferHandler(cfg.Web.Username, cfg.Web.Password, manager)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	if cfg.Telemetry.Enabled {
		r.Handle("/metrics", tel.Handler())
	}

	r.Mount("/", tHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, serviceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, manager *transfer.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				cleared, err := cleanup.DeleteExpiredFiles(ctx, manager, cfg.KeepDownloadedFor)
				if err != nil {
					logger.Error("failed to delete expired downloaded files", "err", err)
				}

				if cleared > 0 {
					logger.Info("expired downloads cleared", "count", cleared)
				}
			}
		}
	}()
}
