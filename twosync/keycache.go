// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// KeyCache maps global ids to one store's local keys, one table per entity
// type. A cache belongs to exactly one store and must never be shared with
// the other side of a session.
type KeyCache struct {
	store string

	mu     sync.Mutex
	tables map[EntityType]*keyTable

	hits   atomic.Int64
	misses atomic.Int64
}

type keyTable struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]LocalKey
	ids  map[LocalKey]uuid.UUID
}

// set records id <-> key. Caller must hold tbl.mu for writing.
func (tbl *keyTable) set(id uuid.UUID, key LocalKey) {
	if old, ok := tbl.keys[id]; ok && old != key {
		delete(tbl.ids, old)
	}
	tbl.keys[id] = key
	tbl.ids[key] = id
}

// KeyCacheStats reports lookup counters
type KeyCacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// NewKeyCache creates an empty cache for the named store
func NewKeyCache(store string) *KeyCache {
	return &KeyCache{
		store:  store,
		tables: make(map[EntityType]*keyTable),
	}
}

// Store returns the name of the store the cache belongs to
func (c *KeyCache) Store() string { return c.store }

func (c *KeyCache) table(t EntityType) *keyTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl, ok := c.tables[t]
	if !ok {
		tbl = &keyTable{keys: make(map[uuid.UUID]LocalKey), ids: make(map[LocalKey]uuid.UUID)}
		c.tables[t] = tbl
	}
	return tbl
}

// ResolveLocalKey looks up a cached mapping
func (c *KeyCache) ResolveLocalKey(t EntityType, id uuid.UUID) (LocalKey, bool) {
	tbl := c.table(t)
	tbl.mu.RLock()
	key, ok := tbl.keys[id]
	tbl.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return key, ok
}

// ResolveGlobalID is the reverse lookup of a cached mapping
func (c *KeyCache) ResolveGlobalID(t EntityType, key LocalKey) (uuid.UUID, bool) {
	tbl := c.table(t)
	tbl.mu.RLock()
	id, ok := tbl.ids[key]
	tbl.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return id, ok
}

// ResolveOrCreateLocalKey returns the cached key or calls allocate to obtain
// (or create) the record in the store and caches the result. Allocations for
// one type are serialized. An allocate returning ErrNotFound leaves the
// cache untouched and the error is passed through.
func (c *KeyCache) ResolveOrCreateLocalKey(
	ctx context.Context,
	t EntityType,
	id uuid.UUID,
	allocate func(ctx context.Context) (LocalKey, error),
) (LocalKey, error) {
	if key, ok := c.ResolveLocalKey(t, id); ok {
		return key, nil
	}

	tbl := c.table(t)
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	// Double-check in case another goroutine populated it
	if key, ok := tbl.keys[id]; ok {
		return key, nil
	}

	key, err := allocate(ctx)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("allocate returned an empty local key")
	}
	tbl.set(id, key)
	return key, nil
}

// Put registers a mapping observed on read or created on insert
func (c *KeyCache) Put(t EntityType, id uuid.UUID, key LocalKey) {
	tbl := c.table(t)
	tbl.mu.Lock()
	tbl.set(id, key)
	tbl.mu.Unlock()
}

// Invalidate drops a mapping, typically after the record was deleted
func (c *KeyCache) Invalidate(t EntityType, id uuid.UUID) {
	tbl := c.table(t)
	tbl.mu.Lock()
	if key, ok := tbl.keys[id]; ok {
		delete(tbl.ids, key)
		delete(tbl.keys, id)
	}
	tbl.mu.Unlock()
}

// Reset drops every mapping
func (c *KeyCache) Reset() {
	c.mu.Lock()
	c.tables = make(map[EntityType]*keyTable)
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Len returns the number of cached mappings for t
func (c *KeyCache) Len(t EntityType) int {
	tbl := c.table(t)
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return len(tbl.keys)
}

// Stats returns the cache counters
func (c *KeyCache) Stats() KeyCacheStats {
	c.mu.Lock()
	tables := make([]*keyTable, 0, len(c.tables))
	for _, tbl := range c.tables {
		tables = append(tables, tbl)
	}
	c.mu.Unlock()

	entries := 0
	for _, tbl := range tables {
		tbl.mu.RLock()
		entries += len(tbl.keys)
		tbl.mu.RUnlock()
	}
	return KeyCacheStats{Entries: entries, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// lookupLocalKey resolves through the cache, falling back to a store read
func lookupLocalKey(ctx context.Context, cache *KeyCache, store Store, t EntityType, id uuid.UUID) (LocalKey, error) {
	return cache.ResolveOrCreateLocalKey(ctx, t, id, func(ctx context.Context) (LocalKey, error) {
		e, err := store.Get(ctx, t, id)
		if err != nil {
			return "", err
		}
		return e.Meta().LocalKey, nil
	})
}

// lookupGlobalID is the reverse of lookupLocalKey. Stores that do not
// implement GlobalIDLookup only resolve through the cache.
func lookupGlobalID(ctx context.Context, cache *KeyCache, store Store, t EntityType, key LocalKey) (uuid.UUID, error) {
	if id, ok := cache.ResolveGlobalID(t, key); ok {
		return id, nil
	}
	lookup, ok := store.(GlobalIDLookup)
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	id, err := lookup.GlobalIDOf(ctx, t, key)
	if err != nil {
		return uuid.Nil, err
	}
	if id != uuid.Nil {
		cache.Put(t, id, key)
	}
	return id, nil
}
