package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/embermail/embermail/internal/api"
	"github.com/embermail/embermail/internal/cache"
	"github.com/embermail/embermail/internal/config"
	"github.com/embermail/embermail/internal/credential"
	"github.com/embermail/embermail/internal/logging"
	"github.com/embermail/embermail/internal/provider"
	"github.com/embermail/embermail/internal/queue"
	"github.com/embermail/embermail/internal/scheduler"
	"github.com/embermail/embermail/internal/store"
	"github.com/embermail/embermail/internal/worker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the warmup and delivery engine",
	Long:  "Run the send workers, the warmup scheduler and the operational API",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().String("listen", "", "operational API listen address (overrides config)")
	serverCmd.Flags().Bool("scheduler", true, "run the warmup scheduler")
}

// components holds everything the server and the send command share.
type components struct {
	config *config.Config
	store  store.Store
	broker queue.Broker
	cache  cache.Cache
	creds  *credential.Manager
}

func (c *components) close() {
	if c.broker != nil {
		c.broker.Close()
	}
	if c.cache != nil {
		c.cache.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

func buildComponents(ctx context.Context) (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	c := &components{config: cfg}

	c.store, err = store.Factory(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := c.store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	c.cache, err = cache.Factory(cfg.Cache)
	if err != nil {
		c.close()
		return nil, err
	}
	if err := c.cache.Connect(); err != nil {
		// MX caching is best-effort; a dead cache only slows validation.
		slog.Warn("cache unavailable, continuing without it", "error", err)
		c.cache = nil
	}

	c.broker, err = queue.Factory(cfg.Queue)
	if err != nil {
		c.close()
		return nil, err
	}
	if err := c.broker.Declare(ctx); err != nil {
		c.close()
		return nil, fmt.Errorf("failed to declare queues: %w", err)
	}

	sealer, err := credential.NewSealer(cfg.Credential.EncryptionKey)
	if err != nil {
		c.close()
		return nil, err
	}
	gmail := provider.NewGmail(cfg.Providers.Gmail)
	c.creds = credential.NewManager(c.store, sealer, gmail)

	return c, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx)
	if err != nil {
		return err
	}
	defer comps.close()

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		comps.config.Server.Listen = listen
	}

	slog.Info("starting embermail",
		"version", version,
		"store", comps.config.Store.Type,
		"queue", comps.config.Queue.Type)

	errs := make(chan error, 3)

	w := worker.New(comps.config.Worker, comps.store, comps.broker, comps.creds)
	go func() {
		if err := w.Run(ctx); err != nil {
			errs <- fmt.Errorf("send workers: %w", err)
		}
	}()

	if enabled, _ := cmd.Flags().GetBool("scheduler"); enabled {
		sched := scheduler.New(comps.config.Scheduler, comps.store, comps.broker, comps.creds)
		go func() {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("warmup scheduler: %w", err)
			}
		}()
	}

	// Keep the queue depth gauges current for /metrics scrapes.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if stats, err := comps.broker.Stats(ctx); err == nil {
					queue.RecordDepth(stats)
				}
			}
		}
	}()

	apiServer := api.NewServer(comps.config.Server.Listen, comps.store, comps.broker)
	go func() {
		if err := apiServer.Start(); err != nil {
			errs <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining")
	case err := <-errs:
		slog.Error("component failed", "error", err)
		stop()
		shutdown(apiServer)
		return err
	}

	shutdown(apiServer)
	slog.Info("embermail stopped")
	return nil
}

func shutdown(apiServer *api.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", "error", err)
	}
}
