package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/palcome/scoring-worker/internal/store"
	"github.com/palcome/scoring-worker/pkg/supabase"
)

func leaseTimeout() time.Duration {
	return time.Duration(cfg.Worker.LeaseTimeoutSecs) * time.Second
}

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case "supabase":
		client := supabase.NewClient(cfg.Store.SupabaseURL, cfg.Store.SupabaseKey)
		return store.NewSupabase(client), nil
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, leaseTimeout())
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "palcome.db"
		}
		return store.NewSQLite(dsn, leaseTimeout())
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
