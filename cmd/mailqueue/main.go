/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stocktracker/mailqueue/pkg/admin"
	"github.com/stocktracker/mailqueue/pkg/api"
	"github.com/stocktracker/mailqueue/pkg/cli"
	"github.com/stocktracker/mailqueue/pkg/config"
	"github.com/stocktracker/mailqueue/pkg/mail"
	"github.com/stocktracker/mailqueue/pkg/queue"
	"github.com/stocktracker/mailqueue/pkg/system"
	"github.com/stocktracker/mailqueue/pkg/version"
)

func main() {
	cliConfig := cli.Parse()

	zl := system.NewLogger(cliConfig.Debug)
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()
	log.With("version", version.Version, "commit", version.GitCommit).Info("Starting mailqueue")
	cliConfig.Print(log)

	cfg, err := config.Load(cliConfig.ConfigPath)
	if err != nil {
		log.Fatalf("Error loading mailqueue config: %v", err)
	}
	if cliConfig.ListenAddress != "" {
		cfg.Server.ListenAddress = cliConfig.ListenAddress
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid mailqueue config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cliConfig, cfg, zl); err != nil {
		log.Fatalf("mailqueue exited with error: %v", err)
	}
	log.Info("mailqueue stopped")
}

func run(ctx context.Context, cliConfig *cli.Config, cfg config.Config, zl *zap.Logger) error {
	log := zl.Sugar()

	store, err := openStore(ctx, cfg.Store, cliConfig.InitSchema, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("Failed to close queue store", "error", err)
		}
	}()

	events := newEventManager(cfg.Events, zl)
	defer func() {
		emitted, failed := events.Stats()
		log.Infow("Closing lifecycle event sinks", "emitted", emitted, "failed", failed)
		for _, h := range events.SinkHealth() {
			log.Infow("Event sink state", "sink", h.Name, "processed", h.ProcessedEvents,
				"dropped", h.DroppedEvents, "superseded", h.SupersededEvents, "paused", h.Paused)
		}
		_ = events.Close()
	}()

	sender, err := mail.NewSender(cfg.Mail, log)
	if err != nil {
		return err
	}
	log.Infow("Mail transport ready", "host", sender.Host(), "port", sender.Port())
	processor := queue.NewProcessor(store, sender, events, processorConfig(cfg), log.Named("processor"))

	if cliConfig.RunOnce {
		res, err := processor.Tick(ctx)
		if err != nil {
			return err
		}
		log.Infow("Processed one batch", "selected", res.Selected, "completed", res.Completed, "failed", res.Failed)
		return nil
	}

	service := mail.NewService(store, events, mail.ServiceConfig{
		AppURL:            cfg.Mail.AppURL,
		AdminAddresses:    cfg.Mail.AdminAddresses,
		AllowedRecipients: cfg.Mail.AllowedRecipients,
		BrandingName:      cfg.Mail.SenderName,
	}, log)

	g, gctx := errgroup.WithContext(ctx)

	if !cliConfig.DisableWorker {
		// in-flight ticks are only cancelled by Stop's timeout
		if err := processor.Start(context.WithoutCancel(gctx)); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.GetShutdownTimeout())
			defer cancel()
			if err := processor.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}

	if !cliConfig.DisableAPI {
		auth, err := api.NewAuth(log, cfg.Auth)
		if err != nil {
			return err
		}
		defer auth.Close()

		opts := []api.ServerOption{api.WithHealthCheck(storeHealthCheck(store))}
		if !cliConfig.MetricsEnabled {
			opts = append(opts, api.WithoutMetrics())
		}
		if !cliConfig.EnableHTTP2 {
			tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
			cli.DisableHTTP2(tlsCfg)
			opts = append(opts, api.WithTLSConfig(tlsCfg))
		}
		server := api.NewServer(zl, cfg, cliConfig.Debug, auth, opts...)
		err = server.RegisterAll([]api.APIController{
			admin.NewEmailQueueController(log, store, service, events, auth.AdminHandlers()...),
		})
		if err != nil {
			return err
		}

		g.Go(server.Listen)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.GetShutdownTimeout())
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func processorConfig(cfg config.Config) queue.ProcessorConfig {
	pc := queue.DefaultProcessorConfig()
	pc.TickInterval = cfg.Queue.GetTickInterval()
	pc.BatchSize = cfg.Queue.BatchSize
	pc.Policy = queue.EligibilityPolicy{MaxAttempts: cfg.Queue.MaxAttempts, Cooldown: cfg.Queue.GetCooldown()}
	pc.StaleAfter = cfg.Queue.GetStaleAfter()
	pc.Concurrency = cfg.Queue.Concurrency
	pc.StoreRetries = cfg.Queue.StoreRetries
	pc.StoreRetryDelay = cfg.Queue.GetStoreRetryDelay()
	pc.Retry.MaxRetries = cfg.Retry.GetMaxRetries()
	pc.Retry.InitialBackoff = cfg.Retry.GetInitialBackoff()
	pc.Retry.MaxBackoff = cfg.Retry.GetMaxBackoff()
	pc.Retry.BackoffMultiplier = cfg.Retry.GetBackoffMultiplier()
	return pc
}
