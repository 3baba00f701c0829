// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore implements twosync.Store and twosync.WatermarkStore on
// SQLite through github.com/mattn/go-sqlite3.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-twosync/tablemap"
	"github.com/mobiletoly/go-twosync/twosync"
)

// Config holds configuration for the SQLite store
type Config struct {
	Name     string        // store name, used in logs
	Role     twosync.Role  // client stores stamp client_updated_at on SaveLocal, server stores assign global ids on insert
	Mappings []*tablemap.Mapping
	Clock    func() time.Time
}

// Store is a twosync.Store backed by a SQLite database
type Store struct {
	db        *sql.DB
	name      string
	role      twosync.Role
	mappings  tablemap.Registry
	tableInfo *TableInfoProvider
	logger    *slog.Logger
	clock     func() time.Time

	writeMu sync.Mutex // serialize writes to prevent SQLite locking issues
	last    time.Time
}

// Open opens a SQLite database file with foreign keys enabled
func Open(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %w", twosync.ErrStoreUnavailable, path, err)
	}
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		// every connection of an in-memory database is a different database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite %s: %w", twosync.ErrStoreUnavailable, path, err)
	}
	return db, nil
}

// New initializes the sync tables and the mapped entity tables, and returns
// a store over db. Existing tables must contain every mapped column.
func New(ctx context.Context, db *sql.DB, config *Config, logger *slog.Logger) (*Store, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	mappings, err := tablemap.NewRegistry(config.Mappings...)
	if err != nil {
		return nil, err
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	role := config.Role
	if role == "" {
		role = twosync.RoleClient
	}

	s := &Store{
		db:        db,
		name:      config.Name,
		role:      role,
		mappings:  mappings,
		tableInfo: NewTableInfoProvider(),
		logger:    logger,
		clock:     clock,
	}
	if err := s.initializeDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB { return s.db }

// Name returns the store name
func (s *Store) Name() string { return s.name }

func (s *Store) initializeDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _sync_watermark (
			scope        TEXT    NOT NULL,
			entity_type  TEXT    NOT NULL,
			ts_micros    INTEGER NOT NULL,
			PRIMARY KEY (scope, entity_type)
		)`); err != nil {
		return fmt.Errorf("failed to create watermark table: %w", err)
	}

	for _, m := range s.mappings {
		if _, err := s.db.ExecContext(ctx, CreateTableSQL(m)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", m.Table, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %[1]s_modified_at_idx ON %[1]s (modified_at)`, m.Table)); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", m.Table, err)
		}
		for _, stmt := range m.UniqueLiveIndexes() {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create unique index on %s: %w", m.Table, err)
			}
		}
		info, err := s.tableInfo.Get(ctx, s.db, m.Table)
		if err != nil {
			return err
		}
		for _, col := range append(append([]string{}, tablemap.SyncColumns...), m.ColumnNames()...) {
			if !info.HasColumn(col) {
				return fmt.Errorf("table %s is missing column %s", m.Table, col)
			}
		}
	}

	// Resume the store clock after the newest stored change
	for _, m := range s.mappings {
		var maxMicros sql.NullInt64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT MAX(MAX(modified_at), COALESCE(MAX(client_updated_at), 0)) FROM %s`, m.Table)).Scan(&maxMicros); err != nil {
			return fmt.Errorf("failed to read clock from %s: %w", m.Table, err)
		}
		if maxMicros.Valid {
			if ts := fromMicros(maxMicros.Int64); ts.After(s.last) {
				s.last = ts
			}
		}
	}
	return nil
}

// CreateTableSQL returns the CREATE TABLE statement for a mapping
func CreateTableSQL(m *tablemap.Mapping) string {
	defs := []string{
		"id                INTEGER PRIMARY KEY AUTOINCREMENT",
		"global_id         TEXT UNIQUE",
		"created_at        INTEGER NOT NULL",
		"modified_at       INTEGER NOT NULL",
		"client_updated_at INTEGER",
		"is_deleted        INTEGER NOT NULL DEFAULT 0",
	}
	for _, c := range m.Columns {
		defs = append(defs, c.Name+" "+c.SQLiteType)
	}
	defs = append(defs, m.Constraints...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", m.Table, strings.Join(defs, ",\n\t"))
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(n int64) time.Time { return time.UnixMicro(n).UTC() }

// tick returns a timestamp strictly greater than any previously issued one.
// Caller must hold writeMu.
func (s *Store) tick() time.Time {
	now := s.clock().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEntity(m *tablemap.Mapping, row rowScanner) (twosync.Entity, error) {
	var (
		id              int64
		globalID        sql.NullString
		createdAt       int64
		modifiedAt      int64
		clientUpdatedAt sql.NullInt64
		isDeleted       bool
	)
	e := m.New()
	targets, done := m.Targets(e)
	dest := append([]any{&id, &globalID, &createdAt, &modifiedAt, &clientUpdatedAt, &isDeleted}, targets...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := done(); err != nil {
		return nil, fmt.Errorf("decode %s row %d: %w", m.Type, id, err)
	}

	meta := e.Meta()
	meta.LocalKey = twosync.IntKey(id)
	if globalID.Valid && globalID.String != "" {
		gid, err := uuid.Parse(globalID.String)
		if err != nil {
			return nil, fmt.Errorf("decode %s row %d global id: %w", m.Type, id, err)
		}
		meta.GlobalID = gid
	}
	meta.CreatedAt = fromMicros(createdAt)
	meta.ModifiedAt = fromMicros(modifiedAt)
	if clientUpdatedAt.Valid {
		ts := fromMicros(clientUpdatedAt.Int64)
		meta.ClientUpdatedAt = &ts
	}
	meta.IsDeleted = isDeleted
	return e, nil
}

func (s *Store) FetchChangedSince(ctx context.Context, t twosync.EntityType, since time.Time, field twosync.TimestampField, filter twosync.Filter) ([]twosync.Entity, error) {
	m, err := s.mappings.Lookup(t)
	if err != nil {
		return nil, err
	}
	column := tablemap.ColModifiedAt
	if field == twosync.FieldClientUpdatedAt {
		column = tablemap.ColClientUpdatedAt
	}
	var sinceMicros int64
	if !since.IsZero() {
		sinceMicros = toMicros(since)
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s > ? ORDER BY %s, id`, m.SelectList(), m.Table, column, column)
	rows, err := s.db.QueryContext(ctx, q, sinceMicros)
	if err != nil {
		return nil, fmt.Errorf("fetch %s changes: %w", t, err)
	}
	defer rows.Close()

	var out []twosync.Entity
	for rows.Next() {
		e, err := s.scanEntity(m, rows)
		if err != nil {
			return nil, fmt.Errorf("fetch %s changes: %w", t, err)
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s changes: %w", t, err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, t twosync.EntityType, id uuid.UUID) (twosync.Entity, error) {
	m, err := s.mappings.Lookup(t)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE global_id = ?`, m.SelectList(), m.Table)
	e, err := s.scanEntity(m, s.db.QueryRowContext(ctx, q, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, twosync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s(%s): %w", t, id, err)
	}
	return e, nil
}

// GetByLocalKey loads a record by its primary key
func (s *Store) GetByLocalKey(ctx context.Context, t twosync.EntityType, key twosync.LocalKey) (twosync.Entity, error) {
	m, err := s.mappings.Lookup(t)
	if err != nil {
		return nil, err
	}
	id, err := key.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid local key %q: %w", key, err)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, m.SelectList(), m.Table)
	e, err := s.scanEntity(m, s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, twosync.ErrNotFound
	}
	return e, err
}

func (s *Store) GlobalIDOf(ctx context.Context, t twosync.EntityType, key twosync.LocalKey) (uuid.UUID, error) {
	m, err := s.mappings.Lookup(t)
	if err != nil {
		return uuid.Nil, err
	}
	pk, err := key.Int64()
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid local key %q: %w", key, err)
	}
	var gid sql.NullString
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT global_id FROM %s WHERE id = ?`, m.Table), pk).Scan(&gid)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, twosync.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("global id of %s %s: %w", t, key, err)
	}
	if !gid.Valid || gid.String == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(gid.String)
	if err != nil {
		return uuid.Nil, fmt.Errorf("global id of %s %s: %w", t, key, err)
	}
	return id, nil
}

func nullableGlobalID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func nullableMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMicros(*t)
}

func (s *Store) Upsert(ctx context.Context, e twosync.Entity) (twosync.Entity, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.upsertLocked(ctx, e)
}

func (s *Store) upsertLocked(ctx context.Context, e twosync.Entity) (twosync.Entity, error) {
	m, err := s.mappings.Lookup(e.EntityType())
	if err != nil {
		return nil, err
	}
	meta := e.Meta()
	values := m.Bind(e)
	if len(values) != len(m.Columns) {
		return nil, fmt.Errorf("mapping %s bound %d values for %d columns", m.Type, len(values), len(m.Columns))
	}
	now := s.tick()

	if meta.LocalKey == "" {
		gid := meta.GlobalID
		if gid == uuid.Nil && s.role == twosync.RoleServer {
			gid = uuid.New()
		}
		cols := append([]string{tablemap.ColGlobalID, tablemap.ColCreatedAt, tablemap.ColModifiedAt,
			tablemap.ColClientUpdatedAt, tablemap.ColIsDeleted}, m.ColumnNames()...)
		args := append([]any{nullableGlobalID(gid), toMicros(now), toMicros(now),
			nullableMicros(meta.ClientUpdatedAt), meta.IsDeleted}, values...)
		q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, m.Table,
			strings.Join(cols, ", "), strings.Join(tablemap.Placeholders(1, len(cols), false), ", "))
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return nil, classifyError(m, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", m.Type, err)
		}
		meta.LocalKey = twosync.IntKey(id)
		meta.GlobalID = gid
		meta.CreatedAt = now
		meta.ModifiedAt = now
		return e, nil
	}

	id, err := meta.LocalKey.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid local key %q: %w", meta.LocalKey, err)
	}
	sets := []string{"modified_at = ?", "client_updated_at = ?", "is_deleted = ?"}
	args := []any{toMicros(now), nullableMicros(meta.ClientUpdatedAt), meta.IsDeleted}
	for i, c := range m.Columns {
		sets = append(sets, c.Name+" = ?")
		args = append(args, values[i])
	}
	// global_id is immutable once set
	q := fmt.Sprintf(`UPDATE %s SET %s, global_id = COALESCE(global_id, ?) WHERE id = ? AND (global_id IS NULL OR global_id = COALESCE(?, global_id))`,
		m.Table, strings.Join(sets, ", "))
	args = append(args, nullableGlobalID(meta.GlobalID), id, nullableGlobalID(meta.GlobalID))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, classifyError(m, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", m.Type, err)
	}
	if n == 0 {
		if _, getErr := s.GetByLocalKey(ctx, m.Type, meta.LocalKey); getErr == nil {
			return nil, twosync.NewValidationError(m.Table+"_global_id_immutable", "global id cannot change", nil)
		}
		return nil, fmt.Errorf("update %s %s: %w", m.Type, meta.LocalKey, twosync.ErrNotFound)
	}
	stored, err := s.GetByLocalKey(ctx, m.Type, meta.LocalKey)
	if err != nil {
		return nil, fmt.Errorf("reload %s %s: %w", m.Type, meta.LocalKey, err)
	}
	return stored, nil
}

// SaveLocal records an application edit. On a client store it stamps
// client_updated_at so the edit is picked up by the next PushUp.
func (s *Store) SaveLocal(ctx context.Context, e twosync.Entity) (twosync.Entity, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.role == twosync.RoleClient {
		edited := s.tick()
		e.Meta().ClientUpdatedAt = &edited
	}
	return s.upsertLocked(ctx, e)
}

func (s *Store) AssignGlobalID(ctx context.Context, t twosync.EntityType, key twosync.LocalKey, id uuid.UUID) error {
	m, err := s.mappings.Lookup(t)
	if err != nil {
		return err
	}
	pk, err := key.Int64()
	if err != nil {
		return fmt.Errorf("invalid local key %q: %w", key, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET global_id = ? WHERE id = ? AND global_id IS NULL`, m.Table), id.String(), pk)
	if err != nil {
		return fmt.Errorf("assign global id to %s %s: %w", t, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("assign global id to %s %s: row missing or already assigned", t, key)
	}
	s.logger.Debug("Assigned global id", "store", s.name, "entity_type", t, "local_key", key, "global_id", id)
	return nil
}

func (s *Store) Watermark(ctx context.Context, scope string, t twosync.EntityType) (time.Time, error) {
	var micros int64
	err := s.db.QueryRowContext(ctx,
		`SELECT ts_micros FROM _sync_watermark WHERE scope = ? AND entity_type = ?`, scope, string(t)).Scan(&micros)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark %s/%s: %w", scope, t, err)
	}
	return fromMicros(micros), nil
}

func (s *Store) SetWatermark(ctx context.Context, scope string, t twosync.EntityType, ts time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_watermark (scope, entity_type, ts_micros) VALUES (?, ?, ?)
		ON CONFLICT (scope, entity_type) DO UPDATE SET ts_micros = excluded.ts_micros`,
		scope, string(t), toMicros(ts))
	if err != nil {
		return fmt.Errorf("write watermark %s/%s: %w", scope, t, err)
	}
	return nil
}

// classifyError turns constraint violations into per-record validation errors
func classifyError(m *tablemap.Mapping, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		constraint := m.Table
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			constraint += "_unique"
		case sqlite3.ErrConstraintForeignKey:
			constraint += "_foreign_key"
		case sqlite3.ErrConstraintNotNull:
			constraint += "_not_null"
		case sqlite3.ErrConstraintCheck:
			constraint += "_check"
		}
		return twosync.NewValidationError(constraint, sqliteErr.Error(), err)
	}
	return fmt.Errorf("write %s: %w", m.Type, err)
}

var (
	_ twosync.Store          = (*Store)(nil)
	_ twosync.WatermarkStore = (*Store)(nil)
	_ twosync.GlobalIDLookup = (*Store)(nil)
)
