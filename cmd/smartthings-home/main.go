package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"smartthings-go-home/internal/account"
	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/auth"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/entity"
	"smartthings-go-home/internal/history"
	"smartthings-go-home/internal/store"
	"smartthings-go-home/internal/web"
	"smartthings-go-home/internal/webhook"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("smartthings-go-home starting", "version", version, "accounts", len(cfg.Accounts))

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := coordinator.NewEventBus(logger)
	events.On(coordinator.EventAuthFailed, func(ev coordinator.Event) {
		logger.Error("cloud rejected credentials; reauthentication required", "account", ev.Account)
	})

	reg := account.NewRegistry()
	for _, ac := range cfg.Accounts {
		a, err := buildAccount(ctx, cfg, ac, db, events, logger)
		if err != nil {
			logger.Error("set up account", "account", ac.ID, "err", err)
			os.Exit(1)
		}
		if err := reg.Add(a); err != nil {
			logger.Error("register account", "account", ac.ID, "err", err)
			os.Exit(1)
		}
	}

	// Initial poll so the API and discovery start from real state.
	for _, a := range reg.All() {
		refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.Coordinator.Refresh(refreshCtx); err != nil {
			logger.Warn("initial refresh failed", "account", a.ID, "err", err)
		}
		refreshCancel()
	}

	var wg sync.WaitGroup
	for _, a := range reg.All() {
		wg.Add(2)
		go func(a *account.Account) {
			defer wg.Done()
			a.Coordinator.Run(ctx)
		}(a)
		go func(a *account.Account) {
			defer wg.Done()
			a.Engine.Run(ctx, a.Coordinator)
		}(a)
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(reg, events, cfg, logger)

	var sink *history.Sink
	if cfg.InfluxDB.Enabled {
		sink, err = history.Connect(ctx, history.Config{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			Measurement:   cfg.InfluxDB.Measurement,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, reg, logger)
		if err != nil {
			logger.Error("influxdb history disabled", "err", err)
		} else {
			sink.Start(events)
		}
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(reg, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	wg.Wait()
	mqtt.Stop()
	if sink != nil {
		sink.Stop()
	}

	logger.Info("goodbye")
}

// buildAccount wires the client, coordinator, discovery engine and entity
// runtime of one configured account.
func buildAccount(ctx context.Context, cfg *Config, ac AccountConfig, db *store.BoltStore, events *coordinator.EventBus, logger *slog.Logger) (*account.Account, error) {
	alog := logger.With("account", ac.ID)

	ts, err := auth.TokenSource(ctx, ac.ID, auth.Credentials{
		AccessToken:  ac.AccessToken,
		ClientID:     ac.ClientID,
		ClientSecret: ac.ClientSecret,
		RefreshToken: ac.RefreshToken,
		TokenURL:     ac.TokenURL,
		Scopes:       ac.Scopes,
	}, db, alog)
	if err != nil {
		return nil, err
	}
	httpClient := auth.NewHTTPClient(ctx, ts, cfg.Polling.RequestTimeout)

	apiOpts := []api.Option{api.WithDefinitionStore(db)}
	if ac.APIBase != "" {
		apiOpts = append(apiOpts, api.WithBaseURL(ac.APIBase))
	}
	client := api.NewClient(httpClient, alog, apiOpts...)

	coord := coordinator.New(client, coordinator.Options{
		AccountID:      ac.ID,
		ScanInterval:   cfg.Polling.ScanInterval,
		ActiveInterval: cfg.Polling.ActiveInterval,
		MaxConcurrent:  cfg.Polling.MaxConcurrent,
		DeviceIDs:      ac.DeviceIDs,
		DeviceTimeout:  cfg.Polling.DeviceTimeout,
	}, events, alog)

	engine := discovery.NewEngine(ac.ID, client, cfg.discoveryOptions(), alog,
		discovery.WithStore(db), discovery.WithEventBus(events))
	if err := restoreEntities(engine, db, ac.ID, alog); err != nil {
		return nil, err
	}

	a := &account.Account{
		ID:          ac.ID,
		Client:      client,
		Coordinator: coord,
		Engine:      engine,
		Runtime:     entity.New(client, coord, alog, entity.WithAuthorizedClient(httpClient)),
	}
	if cfg.Webhook.Enabled {
		a.WebhookID = webhook.WebhookID(ac.ID)
		coord.SetBaseInterval(cfg.Webhook.BackupInterval)
		alog.Info("webhook enabled", "path", "/webhook/"+a.WebhookID, "backup_interval", cfg.Webhook.BackupInterval)
	}
	return a, nil
}

// restoreEntities preloads the entities registered by previous runs.
// Undecodable records are skipped.
func restoreEntities(engine *discovery.Engine, db store.Store, accountID string, logger *slog.Logger) error {
	ents, err := db.ListEntities(accountID)
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	descs := make([]discovery.Descriptor, 0, len(ents))
	for _, ent := range ents {
		d, err := discovery.FromEntity(ent)
		if err != nil {
			logger.Warn("skip stored entity", "key", ent.StorageKey(), "err", err)
			continue
		}
		descs = append(descs, d)
	}
	engine.Restore(descs)
	return nil
}
