// Command syncd runs the synchronization daemon: it connects to the
// backend, keeps the plan catalog warm, and serves the HTTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/movillink/sync_layer/auth"
	"github.com/movillink/sync_layer/catalog"
	"github.com/movillink/sync_layer/chat"
	"github.com/movillink/sync_layer/contracts"
	"github.com/movillink/sync_layer/gateway"
	"github.com/movillink/sync_layer/internal/backend"
	"github.com/movillink/sync_layer/internal/config"
	"github.com/movillink/sync_layer/internal/logging"
	"github.com/movillink/sync_layer/internal/rpcexec"
	"github.com/movillink/sync_layer/storage"
	"github.com/movillink/sync_layer/supabase"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file overriding the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := supabase.New(supabase.Config{
		URL:     cfg.Supabase.URL,
		AnonKey: cfg.Supabase.AnonKey,
	})
	if err != nil {
		return err
	}

	var realtime *supabase.RealtimeClient
	if cfg.Supabase.Realtime {
		realtime = client.Realtime(supabase.WithRealtimeLogger(logger))
		if err := realtime.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = realtime.Disconnect() }()
	}

	be := backend.NewSupabase(client, realtime)
	exec := rpcexec.New(
		rpcexec.WithBaseDelay(cfg.Sync.RPCBaseDelay.Std()),
		rpcexec.WithLogger(logger),
	)

	coord := contracts.New(be, be,
		contracts.WithExecutor(exec),
		contracts.WithLogger(logger.Named("contracts")))
	channel := chat.New(be, be, be,
		chat.WithExecutor(exec),
		chat.WithPollInterval(cfg.Sync.PollInterval.Std()),
		chat.WithLogger(logger.Named("chat")))
	cache := catalog.New(be, be, be,
		catalog.WithExecutor(exec),
		catalog.WithSettleDelay(cfg.Sync.SettleDelay.Std()),
		catalog.WithLogger(logger.Named("catalog")))
	accounts := auth.New(client.Auth(), be, be,
		auth.WithExecutor(exec),
		auth.WithLogger(logger.Named("auth")))
	images := storage.New(client.Storage().Bucket(storage.Bucket),
		storage.WithLogger(logger.Named("storage")))

	if cfg.Supabase.Realtime {
		if err := cache.Start(ctx); err != nil {
			return err
		}
		defer cache.Stop(context.Background())
	} else {
		// No change feed to invalidate on; the warm copy comes from the
		// initial load plus the periodic reconcile below.
		if err := cache.Reload(ctx); err != nil {
			logger.Warn("initial catalog load failed", zap.Error(err))
		}
	}

	// Periodic reconcile catches anything the realtime feed dropped.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Sync.ReconcileCron, func() {
		if err := cache.Reload(context.Background()); err != nil {
			logger.Warn("catalog reconcile failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := gateway.New(coord, channel, cache,
		gateway.WithAuth(accounts),
		gateway.WithStorage(images),
		gateway.WithAdvisorSecret(cfg.HTTP.AdvisorSecret),
		gateway.WithLogger(logger.Named("gateway")))
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
