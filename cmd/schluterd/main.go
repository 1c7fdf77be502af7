package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/joshp123/schluter-go/internal/account"
	"github.com/joshp123/schluter-go/internal/config"
	"github.com/joshp123/schluter-go/internal/coordinator"
	"github.com/joshp123/schluter-go/internal/mqtt"
	"github.com/joshp123/schluter-go/internal/neviweb"
	"github.com/joshp123/schluter-go/internal/rate"
	"github.com/joshp123/schluter-go/internal/server"
	"github.com/joshp123/schluter-go/internal/session"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := pflag.StringP("config", "c", "/etc/schluterd/config.yaml", "path to config file")
	pflag.Parse()

	logger, logLevel := buildLogger()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting up", zap.String("version", version), zap.String("commit", commit))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if os.Getenv("SCHLUTERD_LOG_LEVEL") == "" {
		if parsed, err := zap.ParseAtomicLevel(cfg.Log.Level); err == nil {
			logLevel.SetLevel(parsed.Level())
		}
	}

	var blobStore account.BlobStore
	if cfg.Blob.Enabled {
		s3, err := account.NewS3Store(cfg.Blob)
		if err != nil {
			logger.Fatal("blob store", zap.Error(err))
		}
		blobStore = s3
	}
	store := account.NewStore(cfg.StateDir, blobStore)

	guard := rate.NewGuard("schluter", cfg.API.RequestsPerMinute, cfg.API.Burst)
	httpClient := rate.WrapHTTP(guard, &http.Client{Timeout: 30 * time.Second})

	clientOpts := []neviweb.Option{
		neviweb.WithHTTPClient(httpClient),
		neviweb.WithLogger(logger),
	}
	if cfg.API.BaseURL != "" {
		clientOpts = append(clientOpts, neviweb.WithBaseURL(cfg.API.BaseURL))
	}
	if cfg.API.AuthBaseURL != "" {
		clientOpts = append(clientOpts, neviweb.WithAuthBaseURL(cfg.API.AuthBaseURL))
	}
	client := neviweb.NewClient(clientOpts...)

	registry := coordinator.NewRegistry()
	metricsRegistry := buildMetricsRegistry(registry)

	for _, entryCfg := range cfg.Entries {
		token, err := resolveToken(ctx, entryCfg, store)
		if err != nil {
			logger.Fatal("resolve refresh token", zap.String("entry", entryCfg.ID), zap.Error(err))
		}

		manager := session.NewManager(entryCfg.ID, client, token, logger)
		opts := []coordinator.Option{
			coordinator.WithReauthCallback(func(name string) {
				logger.Warn("entry needs a new refresh token", zap.String("entry", name))
			}),
		}
		if entryCfg.LocationID != 0 {
			opts = append(opts, coordinator.WithLocationID(entryCfg.LocationID))
		}
		if entryCfg.PollInterval != nil {
			opts = append(opts, coordinator.WithPollInterval(*entryCfg.PollInterval))
		}

		coord := coordinator.New(entryCfg.ID, client, manager, logger, opts...)
		if err := registry.Add(coord); err != nil {
			logger.Fatal("register entry", zap.String("entry", entryCfg.ID), zap.Error(err))
		}

		// A failing entry stays registered: a new token submitted over
		// the API brings it back without a restart.
		if err := coord.Start(ctx); err != nil {
			logger.Warn("entry start failed", zap.String("entry", entryCfg.ID), zap.Error(err))
		}
	}
	defer registry.CloseAll()

	api := server.NewAPI(registry, store, client, logger)
	httpServer := server.NewHTTPServer(cfg.HTTP.Listen, api.Routes(server.MetricsHandler(metricsRegistry)))

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", zap.Error(err))
			cancel()
		}
	}()

	if cfg.MQTT.Enabled {
		entries := make([]mqtt.Entry, 0, len(cfg.Entries))
		for _, name := range registry.Names() {
			if coord, ok := registry.Get(name); ok {
				entries = append(entries, coord)
			}
		}
		publisher, err := mqtt.New(mqtt.Config{
			BrokerURL:       cfg.MQTT.BrokerURL,
			ClientID:        cfg.MQTT.ClientID,
			BaseTopic:       cfg.MQTT.BaseTopic,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			QoS:             cfg.MQTT.QoS,
		}, entries, logger)
		if err != nil {
			logger.Fatal("mqtt", zap.Error(err))
		}
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt publisher", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

// resolveToken prefers the configured token, falling back to persisted
// entry state so a token submitted over the API survives restarts.
func resolveToken(ctx context.Context, entryCfg config.EntryConfig, store *account.Store) (string, error) {
	token, err := entryCfg.ResolveRefreshToken()
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}

	entry, err := store.Load(ctx, entryCfg.ID)
	if err != nil {
		if errors.Is(err, account.ErrEntryNotFound) {
			return "", errors.New("no refresh token configured or persisted")
		}
		return "", err
	}
	return entry.RefreshToken, nil
}

func buildMetricsRegistry(registry *coordinator.Registry) *prometheus.Registry {
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsRegistry.MustRegister(session.MetricsCollectors()...)
	metricsRegistry.MustRegister(coordinator.MetricsCollectors()...)
	metricsRegistry.MustRegister(rate.MetricsCollectors()...)
	metricsRegistry.MustRegister(coordinator.NewStateCollector(registry))
	metricsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "schluter_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))
	return metricsRegistry
}

func buildLogger() (*zap.Logger, zap.AtomicLevel) {
	cfg := zap.NewProductionConfig()
	if level := os.Getenv("SCHLUTERD_LOG_LEVEL"); level != "" {
		if parsed, err := zap.ParseAtomicLevel(level); err == nil {
			cfg.Level = parsed
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger, cfg.Level
}
