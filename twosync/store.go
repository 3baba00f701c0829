// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract the engine consumes. Any error that is
// not a ValidationError is treated as an infrastructure failure.
// Implementations must be safe for concurrent use: reference lookups of one
// entity type run in parallel.
type Store interface {
	// FetchChangedSince returns the records of type t whose field is strictly
	// greater than since and that match filter, ordered by field ascending.
	// Records with a NULL field are never returned.
	FetchChangedSince(ctx context.Context, t EntityType, since time.Time, field TimestampField, filter Filter) ([]Entity, error)

	// Get returns the record of type t with the given global id or ErrNotFound
	Get(ctx context.Context, t EntityType, id uuid.UUID) (Entity, error)

	// Upsert inserts the entity when Meta().LocalKey is empty, updates it otherwise,
	// and returns the stored entity with its local key and timestamps assigned.
	// ClientUpdatedAt is written as given.
	Upsert(ctx context.Context, e Entity) (Entity, error)

	// AssignGlobalID persists a newly assigned global id without touching ModifiedAt
	AssignGlobalID(ctx context.Context, t EntityType, key LocalKey, id uuid.UUID) error
}

// GlobalIDLookup is implemented by stores that can read a record's global id
// by local key. It returns ErrNotFound for a missing record and uuid.Nil for
// a record that has no global id yet.
type GlobalIDLookup interface {
	GlobalIDOf(ctx context.Context, t EntityType, key LocalKey) (uuid.UUID, error)
}

// WatermarkStore persists the last synced change timestamp per (scope, type).
// The scope is the name of the leg's source client.
type WatermarkStore interface {
	Watermark(ctx context.Context, scope string, t EntityType) (time.Time, error)
	SetWatermark(ctx context.Context, scope string, t EntityType, ts time.Time) error
}

// StoreOpener opens a store handle for a client
type StoreOpener func(ctx context.Context) (Store, error)
