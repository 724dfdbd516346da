package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/api/internal/app"
	"beacon/api/internal/authpw"
	"beacon/api/internal/blob"
	"beacon/api/internal/config"
	"beacon/api/internal/email"
	"beacon/api/internal/gitrepo"
	"beacon/api/internal/outbox"
	"beacon/api/internal/ratelimit"
	"beacon/api/internal/search"
	"beacon/api/internal/session"
	"beacon/api/internal/sms"
	"beacon/api/internal/snapshot"
	"beacon/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.DataDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	// Sessions live in Redis when it is configured; the same client backs
	// the public-endpoint rate limiter. Without Redis, sessions fall back to
	// Postgres and the limiter allows everything.
	var sessions app.SessionStore = dataStore
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		sessions = session.NewRedisStoreWithClient(redisClient)
		log.Printf("sessions: using redis")
	} else {
		log.Printf("sessions: using postgres")
	}
	limiter := ratelimit.New(redisClient, cfg.RateLimitPerMinute, time.Minute)

	var blobs *blob.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err = blob.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			log.Fatalf("ensure bucket failed: %v", err)
		}
	}

	snaps := snapshot.New(cfg.SnapshotEnabled)
	accounts := authpw.NewService(dataStore)

	service := app.New(cfg, dataStore, sessions, accounts, gitService, searchService, blobs, snaps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	searchService.ReindexFromDatabase(ctx)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	if cfg.DispatchEnabled {
		dispatcher := outbox.NewDispatcher(dataStore, buildMailer(cfg), buildTexter(cfg), outbox.Config{
			Interval:    cfg.DispatchInterval,
			BatchSize:   cfg.DispatchBatchSize,
			LeaseTTL:    cfg.DispatchLeaseTTL,
			MaxAttempts: cfg.DispatchMaxAttempts,
			BaseBackoff: cfg.DispatchBackoff,
			MaxBackoff:  cfg.DispatchMaxBackoff,
		})
		go dispatcher.Run(dispatchCtx)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.WebhookSecret, limiter)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Beacon API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Stop leasing new outbox work before the listener drains.
	stopDispatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func buildMailer(cfg config.Config) outbox.Mailer {
	switch cfg.MailProvider {
	case "smtp":
		return email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			FromName: cfg.MailFromName,
		})
	case "sendgrid":
		return email.NewSendGrid(cfg.SendGridURL, cfg.SendGridAPIKey, cfg.MailFrom, cfg.MailFromName)
	default:
		return nil
	}
}

func buildTexter(cfg config.Config) outbox.Texter {
	if strings.TrimSpace(cfg.SMSAccountSID) == "" {
		return nil
	}
	return sms.New(cfg.SMSBaseURL, cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFrom)
}
