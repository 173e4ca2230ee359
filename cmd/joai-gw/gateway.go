package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/joai-gw/internal/api"
	"github.com/mattjoyce/joai-gw/internal/config"
	"github.com/mattjoyce/joai-gw/internal/events"
	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/lock"
	"github.com/mattjoyce/joai-gw/internal/log"
	"github.com/mattjoyce/joai-gw/internal/node"
	"github.com/mattjoyce/joai-gw/internal/queue"
	"github.com/mattjoyce/joai-gw/internal/reconcile"
	"github.com/mattjoyce/joai-gw/internal/scheduler"
	"github.com/mattjoyce/joai-gw/internal/state"
	"github.com/mattjoyce/joai-gw/internal/storage"
	"github.com/mattjoyce/joai-gw/internal/webhook"
)

const (
	eventHubCapacity = 256
	shutdownTimeout  = 30 * time.Second
)

// gateway is the wired set of components shared by the service and the
// one-shot trigger commands.
type gateway struct {
	cfg      *config.Config
	db       *sql.DB
	client   *joai.Client
	queue    *queue.Queue
	hub      *events.Hub
	registry *node.Registry
	sender   *node.SendMessageNode
}

func newClient(cfg *config.Config, logger *slog.Logger) *joai.Client {
	return joai.NewClient(cfg.JoAi.BaseURL, cfg.JoAi.APIKey, cfg.JoAi.Timeout).
		WithLogger(logger.With("component", "joai"))
}

func openGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}

	client := newClient(cfg, logger)
	hub := events.NewHub(eventHubCapacity)
	store := state.NewStore(db)
	rec := reconcile.New(client, logger.With("component", "reconcile"))
	urls := webhook.PublicURLs{Base: cfg.Webhooks.PublicURL}

	registry := node.NewRegistry()
	for _, tc := range cfg.Triggers {
		n := node.NewTriggerNode(
			node.TriggerSpec{
				Name:       tc.Name,
				WorkflowID: tc.WorkflowID,
				NodeID:     tc.NodeID,
				SecretMode: tc.SecretMode,
			},
			node.ConfigParams(tc),
			node.TriggerDeps{
				Reconciler: rec,
				Store:      store,
				URLs:       urls,
				Publisher:  hub,
				Logger:     logger.With("component", "trigger"),
			},
		)
		if err := registry.Add(n); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &gateway{
		cfg:      cfg,
		db:       db,
		client:   client,
		queue:    queue.New(db),
		hub:      hub,
		registry: registry,
		sender:   node.NewSendMessageNode(client, hub, logger.With("component", "send-message")),
	}, nil
}

func (g *gateway) Close() error {
	return g.db.Close()
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("joai-gw starting", "version", version, "config", resolved)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := openGateway(ctx, cfg, log.Get())
	if err != nil {
		logger.Error("failed to initialize gateway", "error", err)
		return 1
	}
	defer gw.Close()
	logger.Info("database opened", "path", cfg.State.Path, "triggers", gw.registry.Len())

	// A trigger that fails to register is logged; its endpoint is still
	// served so an existing subscription keeps delivering.
	if err := gw.registry.ActivateAll(ctx); err != nil {
		logger.Error("trigger activation failed", "error", err)
	}

	sched := scheduler.New(scheduler.FromServiceConfig(cfg.Service), gw.registry, gw.queue, gw.hub, log.Get())
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	webhookConfig, err := webhook.FromGlobalConfig(&cfg.Webhooks)
	if err != nil {
		logger.Error("failed to configure webhooks", "error", err)
		return 1
	}
	webhookServer := webhook.New(webhookConfig, webhook.FromRegistry(gw.registry), gw.queue, gw.hub, log.WithComponent("webhook"))
	go func() {
		if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()
	logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "public_url", cfg.Webhooks.PublicURL)

	if cfg.API.Enabled {
		apiServer := api.New(
			api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey},
			gw.queue, gw.registry, gw.sender, gw.hub,
			log.WithComponent("api"),
		)
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("joai-gw running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	sched.Stop()

	if cfg.Service.DeactivateOnShutdown {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := gw.registry.DeactivateAll(shutdownCtx); err != nil {
			logger.Error("trigger deactivation failed", "error", err)
		}
		stop()
	}

	logger.Info("joai-gw stopped")
	return code
}
