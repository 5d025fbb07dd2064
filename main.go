package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Configure runtime settings
	debug.SetGCPercent(35) // 35% limit for GC

	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig("config")
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	gateway, err := openGateway(cfg.Persistence, logger)
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}
	store := NewStore(cfg.History.Capacity, clk.Now)
	snap, err := gateway.Load(ctx)
	if err != nil {
		return multierr.Append(fmt.Errorf("load snapshot: %w", err), gateway.Close())
	}
	if snap != nil {
		store.Restore(snap)
		logger.Info("state restored",
			zap.Int("accounts", len(snap.Accounts)),
			zap.Int("communities", len(snap.Communities)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := newMetrics(reg)

	secret, generated, err := resolveJWTSecret(cfg.Auth)
	if err != nil {
		return multierr.Append(err, gateway.Close())
	}
	if generated {
		logger.Warn("auth.jwt_secret is unset; using a random secret, tokens will not survive a restart")
	}
	tokens := NewTokenIssuer(secret, cfg.Auth.TokenTTL, clk)

	publisher := NewEventPublisher(64)
	hub := NewHub(cfg, store, tokens, publisher, metrics, clk, logger)
	go hub.Run(ctx)

	flusher := NewFlusher(hub, gateway, clk, cfg.Persistence.FlushInterval, logger, metrics)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		flusher.Run(ctx)
	}()

	if cfg.Webhook.URL != "" {
		go NewWebhookMirror(cfg.Webhook, publisher, logger).Run(ctx)
	}

	avatars, err := NewAvatarService(cfg.Uploads, hub, logger)
	if err != nil {
		return multierr.Append(err, gateway.Close())
	}
	app := newServer(ctx, cfg, hub, secret, avatars, reg, logger)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("address", cfg.Server.Address))
		listenErr <- app.Listen(cfg.Server.Address)
	}()

	var errs error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-listenErr:
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listen: %w", err))
		}
		stop()
	}

	errs = multierr.Append(errs, app.ShutdownWithTimeout(shutdownTimeout))
	<-flushDone
	select {
	case <-hub.Done():
		// Run has returned, so the store is ours now.
		errs = multierr.Append(errs, gateway.Save(context.Background(), store.Snapshot()))
	case <-time.After(shutdownTimeout):
		errs = multierr.Append(errs, errors.New("hub did not stop in time, final flush skipped"))
	}
	errs = multierr.Append(errs, gateway.Close())
	publisher.Close()
	return errs
}
