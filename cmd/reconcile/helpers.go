package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/config"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/service"
	"github.com/Veraticus/legacy-reconcile/internal/storage"
)

// openStorage opens the configured live store without touching its schema.
func openStorage(ctx context.Context) (service.Store, error) {
	var (
		store service.Store
		err   error
	)
	switch cfg.Database.Driver {
	case "postgres":
		store, err = storage.NewPostgresStorage(ctx, cfg.Database.DSN, storage.PostgresOptions{
			MaxConns: cfg.Database.MaxConns,
		})
	default:
		store, err = storage.NewSQLiteStorage(config.ExpandPath(cfg.Database.Path))
	}
	if err != nil {
		return nil, common.NewUserError("cannot open the live store", err)
	}
	return store, nil
}

// initStorage opens the configured live store and brings its schema up to date.
func initStorage(ctx context.Context) (service.Store, error) {
	store, err := openStorage(ctx)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// checkpointManager returns the snapshot manager of a sqlite store.
func checkpointManager(store service.Store) (*storage.CheckpointManager, error) {
	sqliteStore, ok := store.(*storage.SQLiteStorage)
	if !ok {
		return nil, common.NewUserError("checkpoints need the sqlite driver", errors.New("storage is not SQLite"))
	}
	manager, err := sqliteStore.NewCheckpointManager()
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint manager: %w", err)
	}
	manager.KeepAuto(cfg.Checkpoint.Keep)
	return manager, nil
}

// parseEntities accepts names such as "customers,vehicles".
func parseEntities(values []string) ([]model.Entity, error) {
	var out []model.Entity
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			entity, err := model.ParseEntity(part)
			if err != nil {
				return nil, err
			}
			out = append(out, entity)
		}
	}
	return out, nil
}
