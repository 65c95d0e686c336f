package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stocktracker/mailqueue/pkg/config"
	"github.com/stocktracker/mailqueue/pkg/queue"
)

// closableStore is a queue.Store that owns a connection or file handle.
type closableStore interface {
	queue.Store
	Close() error
}

func openStore(ctx context.Context, cfg config.Store, initSchema bool, log *zap.SugaredLogger) (closableStore, error) {
	switch cfg.Driver {
	case config.StoreDriverPostgres:
		pg, err := queue.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if initSchema {
			if err := pg.InitSchema(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("failed to initialize email_queue schema: %w", err)
			}
		}
		log.Infow("Using postgres queue store", "maxConns", cfg.MaxConns)
		return pg, nil
	case config.StoreDriverBolt, "":
		bs, err := queue.OpenBoltStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store %s: %w", cfg.Path, err)
		}
		log.Infow("Using bolt queue store", "path", cfg.Path)
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// storeHealthCheck runs a cheap stats query so /healthz fails when the store is gone.
func storeHealthCheck(store queue.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := store.QueryStats(ctx, time.Now())
		return err
	}
}
