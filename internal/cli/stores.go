// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-twosync/internal/crm"
	"github.com/mobiletoly/go-twosync/pgstore"
	"github.com/mobiletoly/go-twosync/sqlitestore"
	"github.com/mobiletoly/go-twosync/twosync"
)

// openedStore is a store plus the function releasing its connection
type openedStore struct {
	store twosync.Store
	close func()
}

// openStore opens the endpoint and creates the crm tables if needed
func openStore(ctx context.Context, ep Endpoint, role twosync.Role, logger *slog.Logger) (*openedStore, error) {
	logger = logger.With("store", ep.Name)
	switch ep.Driver {
	case "sqlite":
		db, err := sqlitestore.Open(ep.DSN)
		if err != nil {
			return nil, err
		}
		store, err := sqlitestore.New(ctx, db, &sqlitestore.Config{
			Name:     ep.Name,
			Role:     role,
			Mappings: crm.Mappings(),
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %w", twosync.ErrStoreUnavailable, ep.Name, err)
		}
		return &openedStore{store: store, close: func() { _ = db.Close() }}, nil
	case "postgres":
		pool, err := pgstore.Connect(ctx, ep.DSN)
		if err != nil {
			return nil, err
		}
		store, err := pgstore.New(ctx, pool, &pgstore.Config{
			Name:     ep.Name,
			Role:     role,
			Mappings: crm.Mappings(),
		}, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: %s: %w", twosync.ErrStoreUnavailable, ep.Name, err)
		}
		return &openedStore{store: store, close: pool.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", ep.Driver)
	}
}
