// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package memstore is an in-memory twosync.Store used by tests, examples and
// as a reference for backend authors.
//
// Uniqueness rules: an index entry is ignored when any of its columns is
// NULL-like (nil, "" or uuid.Nil) or when the row is soft-deleted. Nullability
// therefore takes precedence over uniqueness, the same way SQL treats NULLs
// as distinct.
//
// A server-role store gives every record inserted without a global id a
// fresh one; only client records wait for the sync engine to assign it.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-twosync/twosync"
)

// Cloner lets the store keep private copies of entities. Entities that do
// not implement it are stored by reference.
type Cloner interface {
	Clone() twosync.Entity
}

// UniqueIndex declares a uniqueness constraint over values extracted from an entity
type UniqueIndex struct {
	Name    string
	Columns func(twosync.Entity) []any
}

type table struct {
	rows     map[twosync.LocalKey]twosync.Entity
	byGlobal map[uuid.UUID]twosync.LocalKey
	next     int64
}

type watermarkKey struct {
	scope string
	t     twosync.EntityType
}

// Store is a goroutine-safe in-memory store
type Store struct {
	name   string
	role   twosync.Role
	logger *slog.Logger
	clock  func() time.Time

	mu         sync.RWMutex
	tables     map[twosync.EntityType]*table
	uniques    map[twosync.EntityType][]UniqueIndex
	checks     map[twosync.EntityType][]func(twosync.Entity) error
	watermarks map[watermarkKey]time.Time
	last       time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces the wall clock; the store still guarantees strictly
// increasing timestamps
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithUniqueIndex adds a uniqueness constraint for t
func WithUniqueIndex(t twosync.EntityType, idx UniqueIndex) Option {
	return func(s *Store) { s.uniques[t] = append(s.uniques[t], idx) }
}

// WithCheck adds a row check for t; a failing check rejects the write with a
// validation error, like a SQL CHECK constraint
func WithCheck(t twosync.EntityType, check func(twosync.Entity) error) Option {
	return func(s *Store) { s.checks[t] = append(s.checks[t], check) }
}

// New creates an empty store
func New(name string, role twosync.Role, opts ...Option) *Store {
	s := &Store{
		name:       name,
		role:       role,
		logger:     slog.Default(),
		clock:      time.Now,
		tables:     make(map[twosync.EntityType]*table),
		uniques:    make(map[twosync.EntityType][]UniqueIndex),
		checks:     make(map[twosync.EntityType][]func(twosync.Entity) error),
		watermarks: make(map[watermarkKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the store name
func (s *Store) Name() string { return s.name }

// tick returns a timestamp strictly greater than any previously issued one.
// Caller must hold s.mu.
func (s *Store) tick() time.Time {
	now := s.clock().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

// table returns the table of t. Caller must hold s.mu for writing.
func (s *Store) table(t twosync.EntityType) *table {
	tbl, ok := s.tables[t]
	if !ok {
		tbl = &table{
			rows:     make(map[twosync.LocalKey]twosync.Entity),
			byGlobal: make(map[uuid.UUID]twosync.LocalKey),
		}
		s.tables[t] = tbl
	}
	return tbl
}

func clone(e twosync.Entity) twosync.Entity {
	if c, ok := e.(Cloner); ok {
		return c.Clone()
	}
	return e
}

func (s *Store) FetchChangedSince(ctx context.Context, t twosync.EntityType, since time.Time, field twosync.TimestampField, filter twosync.Filter) ([]twosync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, ok := s.tables[t]
	if !ok {
		return nil, nil
	}
	var out []twosync.Entity
	for _, e := range tbl.rows {
		ts, ok := e.Meta().Timestamp(field)
		if !ok || !ts.After(since) {
			continue
		}
		if !filter.Matches(e) {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, _ := out[i].Meta().Timestamp(field)
		tj, _ := out[j].Meta().Timestamp(field)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].Meta().LocalKey < out[j].Meta().LocalKey
	})
	return out, nil
}

func (s *Store) Get(ctx context.Context, t twosync.EntityType, id uuid.UUID) (twosync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, ok := s.tables[t]
	if !ok {
		return nil, twosync.ErrNotFound
	}
	key, ok := tbl.byGlobal[id]
	if !ok {
		return nil, twosync.ErrNotFound
	}
	return clone(tbl.rows[key]), nil
}

func (s *Store) Upsert(ctx context.Context, e twosync.Entity) (twosync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(e)
}

func (s *Store) upsertLocked(e twosync.Entity) (twosync.Entity, error) {
	t := e.EntityType()
	tbl := s.table(t)
	row := clone(e)
	meta := row.Meta()
	for _, check := range s.checks[t] {
		if err := check(row); err != nil {
			if twosync.IsValidation(err) {
				return nil, err
			}
			return nil, twosync.NewValidationError(string(t)+"_check", err.Error(), err)
		}
	}

	if meta.LocalKey == "" {
		if meta.GlobalID == uuid.Nil && s.role == twosync.RoleServer {
			meta.GlobalID = uuid.New()
		}
		if meta.GlobalID != uuid.Nil {
			if _, taken := tbl.byGlobal[meta.GlobalID]; taken {
				return nil, twosync.NewValidationError(string(t)+"_global_id_key", "duplicate global id "+meta.GlobalID.String(), nil)
			}
		}
		if err := s.checkUnique(t, tbl, row); err != nil {
			return nil, err
		}
		tbl.next++
		meta.LocalKey = twosync.IntKey(tbl.next)
		meta.CreatedAt = s.tick()
		meta.ModifiedAt = meta.CreatedAt
	} else {
		prev, ok := tbl.rows[meta.LocalKey]
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", t, meta.LocalKey, twosync.ErrNotFound)
		}
		prevID := prev.Meta().GlobalID
		if prevID != uuid.Nil && meta.GlobalID != prevID {
			return nil, twosync.NewValidationError(string(t)+"_global_id_immutable", "global id cannot change", nil)
		}
		if err := s.checkUnique(t, tbl, row); err != nil {
			return nil, err
		}
		meta.CreatedAt = prev.Meta().CreatedAt
		meta.ModifiedAt = s.tick()
	}

	tbl.rows[meta.LocalKey] = row
	if meta.GlobalID != uuid.Nil {
		tbl.byGlobal[meta.GlobalID] = meta.LocalKey
	}
	return clone(row), nil
}

// SaveLocal records an application edit. On a client store it stamps
// ClientUpdatedAt so the edit is picked up by the next PushUp.
func (s *Store) SaveLocal(ctx context.Context, e twosync.Entity) (twosync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == twosync.RoleClient {
		edited := s.tick()
		e.Meta().ClientUpdatedAt = &edited
	}
	return s.upsertLocked(e)
}

func (s *Store) AssignGlobalID(ctx context.Context, t twosync.EntityType, key twosync.LocalKey, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := s.table(t)
	row, ok := tbl.rows[key]
	if !ok {
		return fmt.Errorf("%s %s: %w", t, key, twosync.ErrNotFound)
	}
	if cur := row.Meta().GlobalID; cur != uuid.Nil {
		if cur == id {
			return nil
		}
		return fmt.Errorf("%s %s already has global id %s", t, key, cur)
	}
	if _, taken := tbl.byGlobal[id]; taken {
		return fmt.Errorf("global id %s already used by %s", id, t)
	}
	row.Meta().GlobalID = id
	tbl.byGlobal[id] = key
	s.logger.Debug("Assigned global id", "store", s.name, "entity_type", t, "local_key", key, "global_id", id)
	return nil
}

func (s *Store) GlobalIDOf(ctx context.Context, t twosync.EntityType, key twosync.LocalKey) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl, ok := s.tables[t]
	if !ok {
		return uuid.Nil, twosync.ErrNotFound
	}
	row, ok := tbl.rows[key]
	if !ok {
		return uuid.Nil, twosync.ErrNotFound
	}
	return row.Meta().GlobalID, nil
}

// checkUnique enforces the unique indexes of t. Caller must hold s.mu.
func (s *Store) checkUnique(t twosync.EntityType, tbl *table, row twosync.Entity) error {
	indexes := s.uniques[t]
	if len(indexes) == 0 || row.Meta().IsDeleted {
		return nil
	}
	for _, idx := range indexes {
		cols := idx.Columns(row)
		if hasNull(cols) {
			continue
		}
		for key, other := range tbl.rows {
			if key == row.Meta().LocalKey || other.Meta().IsDeleted {
				continue
			}
			otherCols := idx.Columns(other)
			if hasNull(otherCols) {
				continue
			}
			if equalColumns(cols, otherCols) {
				return twosync.NewValidationError(idx.Name, fmt.Sprintf("duplicate value %v", cols), nil)
			}
		}
	}
	return nil
}

func hasNull(cols []any) bool {
	for _, c := range cols {
		switch v := c.(type) {
		case nil:
			return true
		case string:
			if v == "" {
				return true
			}
		case uuid.UUID:
			if v == uuid.Nil {
				return true
			}
		}
	}
	return false
}

func equalColumns(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) Watermark(ctx context.Context, scope string, t twosync.EntityType) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[watermarkKey{scope: scope, t: t}], nil
}

func (s *Store) SetWatermark(ctx context.Context, scope string, t twosync.EntityType, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[watermarkKey{scope: scope, t: t}] = ts
	return nil
}

// List returns copies of every record of t ordered by local key
func (s *Store) List(t twosync.EntityType) []twosync.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl, ok := s.tables[t]
	if !ok {
		return nil
	}
	out := make([]twosync.Entity, 0, len(tbl.rows))
	for _, e := range tbl.rows {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool {
		ki, _ := out[i].Meta().LocalKey.Int64()
		kj, _ := out[j].Meta().LocalKey.Int64()
		return ki < kj
	})
	return out
}

// GlobalIDs returns the global ids of every record of t
func (s *Store) GlobalIDs(t twosync.EntityType) []uuid.UUID {
	rows := s.List(t)
	ids := make([]uuid.UUID, 0, len(rows))
	for _, e := range rows {
		ids = append(ids, e.Meta().GlobalID)
	}
	return ids
}

var (
	_ twosync.Store          = (*Store)(nil)
	_ twosync.WatermarkStore = (*Store)(nil)
	_ twosync.GlobalIDLookup = (*Store)(nil)
)
