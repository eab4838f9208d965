// Package main is the entry point for the beacon provisioning server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/woprhq/provisioner/internal/beacon"
	"github.com/woprhq/provisioner/internal/config"
	"github.com/woprhq/provisioner/internal/database"
	"github.com/woprhq/provisioner/internal/dns"
	"github.com/woprhq/provisioner/internal/docs"
	"github.com/woprhq/provisioner/internal/dunning"
	"github.com/woprhq/provisioner/internal/handler"
	"github.com/woprhq/provisioner/internal/mail"
	"github.com/woprhq/provisioner/internal/orchestrator"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/provider/contabo"
	"github.com/woprhq/provisioner/internal/provider/digitalocean"
	"github.com/woprhq/provisioner/internal/provider/hetzner"
	"github.com/woprhq/provisioner/internal/provider/linode"
	"github.com/woprhq/provisioner/internal/provider/stub"
	"github.com/woprhq/provisioner/internal/provider/vultr"
	"github.com/woprhq/provisioner/internal/store"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting beacon provisioner",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Job store backend: PostgreSQL when configured, JSON files otherwise.
	var backend store.Backend
	var db *database.Postgres
	if cfg.Database.Enabled() {
		db, err = database.NewPostgres(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("Database migrations completed")

		backend = store.NewPostgresBackend(db.Pool())
	} else {
		fb, err := store.NewFileBackend(cfg.Store.FileDir)
		if err != nil {
			log.Fatalf("Failed to open file store: %v", err)
		}
		backend = fb
		logger.Warn("Running on file store, durability is per-host only",
			slog.String("dir", cfg.Store.FileDir))
	}

	jobs, err := store.NewCachedStore(backend)
	if err != nil {
		log.Fatalf("Failed to build job store: %v", err)
	}
	defer jobs.Close()

	// Redis is optional and only used for rate limiting.
	var redis *database.Redis
	if cfg.Redis.Host != "" {
		redis, err = database.NewRedis(cfg.Redis)
		if err != nil {
			logger.Warn("Redis unavailable, rate limiting disabled", slog.String("error", err.Error()))
			redis = nil
		} else {
			defer redis.Close()
			logger.Info("Connected to Redis")
		}
	}

	// Provider registry. The startup list is the full set of adapters
	// this binary knows about; weights drive round-robin selection.
	registry := provider.NewRegistry(jobs, logger)
	registry.Register("hetzner", 40, hetzner.New)
	registry.Register("digitalocean", 20, wrap(digitalocean.New))
	registry.Register("vultr", 20, wrap(vultr.New))
	registry.Register("linode", 10, wrap(linode.New))
	registry.Register("contabo", 10, wrap(contabo.New))
	registry.Register("ovh", 0, wrap(stub.NewOVH))
	registry.Register("scaleway", 0, wrap(stub.NewScaleway))
	registry.Register("netcup", 0, wrap(stub.NewNetcup))

	creds := make(map[string]provider.Credentials)
	sshKeys := make(map[string][]string)
	for id, pc := range cfg.Providers.ByID() {
		creds[id] = provider.Credentials{
			Token:        pc.Token,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
		}
		sshKeys[id] = pc.SSHKeyIDs
	}
	// Catalog stubs take no credentials but still get instantiated.
	for _, id := range []string{"ovh", "scaleway", "netcup"} {
		creds[id] = provider.Credentials{}
	}
	if err := registry.Configure(creds); err != nil {
		log.Fatalf("Failed to configure providers: %v", err)
	}

	// DNS management is optional; without it beacons answer by IP only.
	var dnsManager dns.Manager
	if cfg.DNS.Enabled() {
		dnsManager, err = dns.NewCloudflare(cfg.DNS.APIToken, cfg.DNS.ZoneID, logger)
		if err != nil {
			log.Fatalf("Failed to configure DNS: %v", err)
		}
		logger.Info("DNS management enabled")
	}

	var mailer mail.Sender = &mail.Noop{Logger: logger}
	if cfg.Mail.Enabled() {
		mailer = mail.New(mail.Config{
			From:       cfg.Mail.From,
			APIBaseURL: cfg.Mail.APIBaseURL,
			APIKey:     cfg.Mail.APIKey,
			SMTPHost:   cfg.Mail.SMTPHost,
			SMTPPort:   cfg.Mail.SMTPPort,
			SMTPUser:   cfg.Mail.SMTPUser,
			SMTPPass:   cfg.Mail.SMTPPass,
		}, logger)
	}

	var docsGen docs.Generator = &docs.Noop{Logger: logger}
	if cfg.Docs.Enabled() {
		docsGen = docs.NewHTTPGenerator(cfg.Docs.BaseURL, cfg.Docs.APIKey)
	}

	var beacons beacon.Repository
	if db != nil {
		beacons = beacon.NewPostgresRepository(db.Pool())
	} else {
		beacons = beacon.NewMemoryRepository()
	}

	orch := orchestrator.New(jobs, registry, dnsManager, mailer, docsGen, beacons, orchestrator.Config{
		BaseDomain:   cfg.Beacon.BaseDomain,
		Image:        cfg.Beacon.Image,
		InstallerURL: cfg.Beacon.InstallerURL,
		DashboardURL: cfg.Beacon.DashboardURL,
		SSHKeyIDs:    sshKeys,
	}, logger)

	dun := dunning.New(beacons, registry, dnsManager, mailer, cfg.Beacon.BaseDomain, logger)

	services := handler.ServiceStatus{
		Database: cfg.Database.Enabled(),
		Redis:    redis != nil,
		DNS:      cfg.DNS.Enabled(),
		Mail:     cfg.Mail.Enabled(),
		Docs:     cfg.Docs.Enabled(),
	}

	router := handler.NewRouter(handler.RouterDeps{
		Webhook:     handler.NewWebhookHandler(jobs, orch, dun, registry, cfg.Stripe.WebhookSecret, logger),
		Provision:   handler.NewProvisionHandler(jobs, orch, registry, services, logger),
		Stream:      handler.NewStreamHandler(jobs, cfg.Beacon.BaseDomain, cfg.Beacon.DashboardURL, logger),
		Installer:   handler.NewInstallerHandler(cfg.Server.InstallerDir, logger),
		Redis:       redis,
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIToken:    cfg.Server.APIToken,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Optional dedicated metrics listener for scrape isolation.
	var metricsSrv *http.Server
	if cfg.Server.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsListen, Handler: mux}
		go func() {
			logger.Info("Metrics listening", slog.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Resurrect jobs left non-terminal by a previous process.
	go func() {
		if err := orch.ResumeStale(context.Background()); err != nil {
			logger.Error("Stale job sweep failed", slog.String("error", err.Error()))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", slog.String("error", err.Error()))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}

	// In-flight jobs persist their phase and resume on next start.
	orch.Shutdown()

	logger.Info("Server stopped gracefully")
}

// wrap lifts a logger-less adapter constructor into a registry factory.
func wrap[P provider.Provider](fn func(provider.Credentials) (P, error)) provider.Factory {
	return func(creds provider.Credentials, _ *slog.Logger) (provider.Provider, error) {
		return fn(creds)
	}
}
