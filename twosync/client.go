// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// SyncClient is one endpoint of a session
type SyncClient interface {
	Name() string
	Role() Role
	Store(ctx context.Context) (Store, error)
	IncomingConverter(t EntityType) (IncomingConverter, bool)
	OutgoingConverter(t EntityType) (OutgoingConverter, bool)
	// ConfigureFilters returns the filters of the named profile. Unknown
	// profiles yield no filters.
	ConfigureFilters(syncType string) []Filter
}

// RegisteredType describes an entity type a client can sync
type RegisteredType struct {
	Type       EntityType
	Converters Converters
	Filter     Filter // default filter used by ProfileAll; Filter.Type is forced to Type
}

// Client is the default SyncClient: a store opener, a converter registry and
// a set of named filter profiles
type Client struct {
	name   string
	role   Role
	open   StoreOpener
	logger *slog.Logger

	mu       sync.RWMutex
	types    map[EntityType]RegisteredType
	profiles map[string][]Filter
	store    Store
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client named name (used as the watermark scope of the
// legs it is the source of)
func NewClient(name string, role Role, open StoreOpener, opts ...ClientOption) *Client {
	c := &Client{
		name:     name,
		role:     role,
		open:     open,
		logger:   slog.Default(),
		types:    make(map[EntityType]RegisteredType),
		profiles: make(map[string][]Filter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientForStore creates a client around an already opened store
func NewClientForStore(name string, role Role, store Store, opts ...ClientOption) *Client {
	return NewClient(name, role, func(context.Context) (Store, error) { return store, nil }, opts...)
}

func (c *Client) Name() string { return c.name }

func (c *Client) Role() Role { return c.role }

// Store opens the store on first use and returns the same handle afterwards
func (c *Client) Store(ctx context.Context) (Store, error) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store != nil {
		return store, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store, nil
	}
	if c.open == nil {
		return nil, fmt.Errorf("%w: client %s has no store opener", ErrStoreUnavailable, c.name)
	}
	store, err := c.open(ctx)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: client %s: %w", ErrStoreUnavailable, c.name, err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: client %s opener returned no store", ErrStoreUnavailable, c.name)
	}
	c.store = store
	return store, nil
}

// Register adds an entity type with its converters and default filter
func (c *Client) Register(rt RegisteredType) {
	rt.Filter.Type = rt.Type
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[rt.Type] = rt
	c.logger.Debug("Registered entity type", "client", c.name, "entity_type", rt.Type)
}

// AddProfile defines (or replaces) a named profile
func (c *Client) AddProfile(syncType string, filters ...Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[syncType] = append([]Filter(nil), filters...)
}

// Profiles lists the profile names the client knows, including ProfileAll
func (c *Client) Profiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := []string{ProfileAll}
	for name := range c.profiles {
		if name != ProfileAll {
			names = append(names, name)
		}
	}
	sort.Strings(names[1:])
	return names
}

func (c *Client) IncomingConverter(t EntityType) (IncomingConverter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt, ok := c.types[t]
	if !ok || rt.Converters.Incoming == nil {
		return nil, false
	}
	return rt.Converters.Incoming, true
}

func (c *Client) OutgoingConverter(t EntityType) (OutgoingConverter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt, ok := c.types[t]
	if !ok || rt.Converters.Outgoing == nil {
		return nil, false
	}
	return rt.Converters.Outgoing, true
}

func (c *Client) ConfigureFilters(syncType string) []Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if filters, ok := c.profiles[syncType]; ok {
		return append([]Filter(nil), filters...)
	}
	if syncType != ProfileAll {
		c.logger.Debug("Unknown sync profile", "client", c.name, "sync_type", syncType)
		return nil
	}

	filters := make([]Filter, 0, len(c.types))
	for _, rt := range c.types {
		filters = append(filters, rt.Filter)
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i].Type < filters[j].Type })
	return filters
}
