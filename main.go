// Package main implements a service that watches social profiles and emails
// subscribers when a profile changes or new stories and posts appear.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"profile-notifier/email"
	"profile-notifier/ledger"
	"profile-notifier/notify"
	"profile-notifier/pgstore"
	"profile-notifier/pkg/config"
	"profile-notifier/pkg/watch"
	"profile-notifier/poll"
	"profile-notifier/ratelimit"
	"profile-notifier/scraper"
	"profile-notifier/server"
	objstore "profile-notifier/storage"
	"profile-notifier/track"
)

// dataStore is everything the service persists, implemented by the object
// store and by Postgres.
type dataStore interface {
	Ping(ctx context.Context) error
	ListIdentities(ctx context.Context) ([]string, error)
	ListTargets(ctx context.Context, identity string) ([]string, error)
	CountSubscribers(ctx context.Context, identity string) (int, error)
	AddSubscription(ctx context.Context, sub *watch.Subscription) (bool, error)
	RemoveSubscription(ctx context.Context, identity, target string) (bool, error)
	DeleteHistory(ctx context.Context, identity string) error
	LatestSnapshot(ctx context.Context, identity string) (*watch.Snapshot, error)
	AppendSnapshot(ctx context.Context, snap *watch.Snapshot) error
	InsertEvent(ctx context.Context, ev *watch.Event) (bool, error)
	GetEvent(ctx context.Context, ref watch.EventRef) (*watch.Event, error)
	AddNotified(ctx context.Context, ref watch.EventRef, target string) (bool, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	config.LoadEnv(bootLogger)

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.LogLevel(),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(provider, logger, cfg.BaseURL)

	limiter := ratelimit.New(cfg.MinRequestInterval)
	logger.Info("Provider rate limit configured", "min_interval", limiter.Interval().String())
	fetcher := scraper.New(scraper.Options{
		BaseURL:        cfg.ProviderBaseURL,
		RequestTimeout: cfg.RequestTimeout,
		ImageTimeout:   cfg.ImageTimeout,
	}, limiter, logger)

	led := ledger.New(store, logger)
	notifier := notify.New(sender, store, led, logger)
	sched := poll.New(poll.Config{
		ProfileInterval:  cfg.ProfileInterval,
		StoryInterval:    cfg.StoryInterval,
		FeedInterval:     cfg.FeedInterval,
		ItemDelay:        cfg.ItemDelay,
		ItemJitter:       cfg.ItemJitter,
		CheckTimeout:     cfg.CheckTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		SuppressWindow:   cfg.SuppressWindow,
		MaxPostsPerCycle: cfg.MaxPostsPerCycle,
	}, fetcher, store, led, notifier, logger)
	tracker := track.New(store, sched, notifier, logger)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := server.New(&server.Config{
		Scheduler: sched,
		Tracker:   tracker,
		Logger:    logger,
	}).HTTPServer(cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", "error", err)
	}
	return nil
}

// openStore picks Postgres when DATABASE_URL is set, then a GCS bucket, then local files.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dataStore, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		closeDB := func() { closeQuietly(db, logger) }
		store := pgstore.New(db, logger)
		if err := store.Migrate(ctx); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("Using Postgres store")
		return store, closeDB, nil
	}

	salt := []byte(cfg.TokenSalt)
	if len(salt) == 0 {
		logger.Warn("TOKEN_SALT not set, using a fixed salt for subscription object names")
		salt = []byte("profile-notifier")
	}

	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return objstore.New(nil, "", cfg.LocalStorage, salt, logger), func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return objstore.New(client, cfg.StorageBucket, "", salt, logger), closeClient, nil
}

func closeQuietly(db *sql.DB, logger *slog.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("Failed to close database", "error", err)
	}
}

// newEmailProvider prefers Brevo, then Gmail, and falls back to logging mail locally.
func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	if cfg.BrevoAPIKey != "" {
		if cfg.MailFrom == "" {
			return nil, errors.New("MAIL_FROM is required with BREVO_API_KEY")
		}
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger), nil
	}

	service, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
	if err != nil {
		if cfg.LocalStorage == "" {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		logger.Info("Mock email mode enabled", "reason", err.Error())
		return email.NewMockProvider(logger), nil
	}
	logger.Info("Using Gmail email provider")
	return email.NewGmailProvider(service, cfg.MailFrom, cfg.MailFromName, logger), nil
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Explicit credentials first (local development or a dedicated account)
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account needs Gmail API access (gmail.send scope)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
