// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgstore implements twosync.Store and twosync.WatermarkStore on
// PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-twosync/tablemap"
	"github.com/mobiletoly/go-twosync/twosync"
)

// Config holds configuration for the Postgres store
type Config struct {
	Name         string
	Role         twosync.Role // default RoleServer
	Mappings     []*tablemap.Mapping
	RetryBackoff time.Duration // initial backoff for serialization failures (default 10ms)
	MaxAttempts  int           // attempts per write (default 3)
}

// Store is a twosync.Store backed by a pgx pool.
//
// Writers of one table are serialized for the length of their transaction
// and take modified_at from the database clock while holding the lock, so
// rows commit in modified_at order and a watermark never passes a row that
// is still in flight.
type Store struct {
	pool     *pgxpool.Pool
	name     string
	role     twosync.Role
	mappings tablemap.Registry
	logger   *slog.Logger
	backoff  time.Duration
	attempts int

	// afterWrite runs inside the write transaction once the row is written
	afterWrite func() error
}

// Connect opens a pool for dsn and verifies it is reachable
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %w", twosync.ErrStoreUnavailable, err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnIdleTime = time.Minute * 30
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", twosync.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", twosync.ErrStoreUnavailable, err)
	}
	return pool, nil
}

// New creates the sync schema and the mapped tables and returns a store over pool
func New(ctx context.Context, pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Store, error) {
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
	s := &Store{
		pool:     pool,
		name:     config.Name,
		role:     config.Role,
		mappings: mappings,
		logger:   logger,
		backoff:  config.RetryBackoff,
		attempts: config.MaxAttempts,
	}
	if s.role == "" {
		s.role = twosync.RoleServer
	}
	if s.backoff <= 0 {
		s.backoff = 10 * time.Millisecond
	}
	if s.attempts <= 0 {
		s.attempts = 3
	}

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Pool returns the underlying pool
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Name returns the store name
func (s *Store) Name() string { return s.name }

func (s *Store) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS sync`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.watermark (
			scope        TEXT        NOT NULL,
			entity_type  TEXT        NOT NULL,
			ts           TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, entity_type)
		)`,
	}
	for _, m := range s.mappings {
		migrations = append(migrations,
			CreateTableSQL(m),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_modified_at_idx ON %[1]s (modified_at)`, m.Table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_client_updated_at_idx ON %[1]s (client_updated_at)`, m.Table),
		)
		migrations = append(migrations, m.UniqueLiveIndexes()...)
	}

	for i, migration := range migrations {
		s.logger.Debug("Running schema migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Postgres store schema initialized", "store", s.name, "tables", len(s.mappings))
	return nil
}

// CreateTableSQL returns the CREATE TABLE statement for a mapping
func CreateTableSQL(m *tablemap.Mapping) string {
	defs := []string{
		"id                BIGSERIAL PRIMARY KEY",
		"global_id         UUID UNIQUE",
		"created_at        TIMESTAMPTZ NOT NULL",
		"modified_at       TIMESTAMPTZ NOT NULL",
		"client_updated_at TIMESTAMPTZ",
		"is_deleted        BOOLEAN NOT NULL DEFAULT FALSE",
	}
	for _, c := range m.Columns {
		defs = append(defs, c.Name+" "+c.PostgresType)
	}
	defs = append(defs, m.Constraints...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", m.Table, strings.Join(defs, ",\n\t"))
}

// selectList mirrors tablemap.SelectList with global_id rendered as text
func selectList(m *tablemap.Mapping) string {
	cols := []string{
		tablemap.ColID, tablemap.ColGlobalID + "::text", tablemap.ColCreatedAt,
		tablemap.ColModifiedAt, tablemap.ColClientUpdatedAt, tablemap.ColIsDeleted,
	}
	return strings.Join(append(cols, m.ColumnNames()...), ", ")
}

func (s *Store) scanEntity(m *tablemap.Mapping, row pgx.Row) (twosync.Entity, error) {
	var (
		id              int64
		globalID        *string
		createdAt       time.Time
		modifiedAt      time.Time
		clientUpdatedAt *time.Time
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
	meta.GlobalID = uuid.Nil
	if globalID != nil {
		gid, err := uuid.Parse(*globalID)
		if err != nil {
			return nil, fmt.Errorf("decode %s row %d global id: %w", m.Type, id, err)
		}
		meta.GlobalID = gid
	}
	meta.CreatedAt = createdAt.UTC()
	meta.ModifiedAt = modifiedAt.UTC()
	meta.ClientUpdatedAt = nil
	if clientUpdatedAt != nil {
		ts := clientUpdatedAt.UTC()
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

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s > $1 ORDER BY %s, id`, selectList(m), m.Table, column, column)
	rows, err := s.pool.Query(ctx, q, since.UTC())
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
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE global_id = $1`, selectList(m), m.Table)
	e, err := s.scanEntity(m, s.pool.QueryRow(ctx, q, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, twosync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s(%s): %w", t, id, err)
	}
	return e, nil
}

func nullableGlobalID(id uuid.UUID) *string {
	if id == uuid.Nil {
		return nil
	}
	str := id.String()
	return &str
}

// Upsert inserts or updates a record in its own transaction, retried on
// serialization failures and deadlocks. The caller's entity is left
// untouched; the stored row is returned.
func (s *Store) Upsert(ctx context.Context, e twosync.Entity) (twosync.Entity, error) {
	return s.upsert(ctx, e, false)
}

// SaveLocal records an application edit; on a client-role store it stamps
// client_updated_at with the write's modified_at
func (s *Store) SaveLocal(ctx context.Context, e twosync.Entity) (twosync.Entity, error) {
	return s.upsert(ctx, e, s.role == twosync.RoleClient)
}

func (s *Store) upsert(ctx context.Context, e twosync.Entity, stampEdit bool) (twosync.Entity, error) {
	m, err := s.mappings.Lookup(e.EntityType())
	if err != nil {
		return nil, err
	}
	values := m.Bind(e)
	if len(values) != len(m.Columns) {
		return nil, fmt.Errorf("mapping %s bound %d values for %d columns", m.Type, len(values), len(m.Columns))
	}
	w := rowWrite{
		meta:      *e.Meta(),
		values:    values,
		stampEdit: stampEdit,
	}
	if w.meta.LocalKey == "" && w.meta.GlobalID == uuid.Nil && s.role == twosync.RoleServer {
		w.meta.GlobalID = uuid.New()
	}

	var stored twosync.Entity
	err = withRetry(ctx, s.attempts, s.backoff, func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var txErr error
			stored, txErr = s.upsertInTx(ctx, tx, m, &w)
			if txErr == nil && s.afterWrite != nil {
				txErr = s.afterWrite()
			}
			return txErr
		})
	})
	if err != nil {
		if verr, ok := asValidationError(err); ok {
			return nil, verr
		}
		var verr *twosync.ValidationError
		if errors.As(err, &verr) || errors.Is(err, twosync.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("upsert %s: %w", m.Type, err)
	}
	return stored, nil
}

// rowWrite is one Upsert request. It is read-only inside the transaction so
// a retried attempt starts from the same input.
type rowWrite struct {
	meta      twosync.EntityMeta
	values    []any
	stampEdit bool
}

// stamp locks the table against other writers until commit and returns a
// modification time later than any committed row
func stamp(ctx context.Context, tx pgx.Tx, m *tablemap.Mapping) (time.Time, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`LOCK TABLE %s IN SHARE ROW EXCLUSIVE MODE`, m.Table)); err != nil {
		return time.Time{}, err
	}
	var now time.Time
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT GREATEST(clock_timestamp(), MAX(modified_at) + interval '1 microsecond') FROM %s`, m.Table)).Scan(&now)
	if err != nil {
		return time.Time{}, err
	}
	return now.UTC(), nil
}

func (s *Store) upsertInTx(ctx context.Context, tx pgx.Tx, m *tablemap.Mapping, w *rowWrite) (twosync.Entity, error) {
	now, err := stamp(ctx, tx, m)
	if err != nil {
		return nil, err
	}
	clientUpdatedAt := w.meta.ClientUpdatedAt
	if w.stampEdit {
		clientUpdatedAt = &now
	}

	if w.meta.LocalKey == "" {
		cols := append([]string{tablemap.ColGlobalID, tablemap.ColCreatedAt, tablemap.ColModifiedAt,
			tablemap.ColClientUpdatedAt, tablemap.ColIsDeleted}, m.ColumnNames()...)
		args := append([]any{nullableGlobalID(w.meta.GlobalID), now, now, clientUpdatedAt, w.meta.IsDeleted}, w.values...)
		q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`, m.Table,
			strings.Join(cols, ", "), strings.Join(tablemap.Placeholders(1, len(cols), true), ", "), selectList(m))
		return s.scanEntity(m, tx.QueryRow(ctx, q, args...))
	}

	id, err := w.meta.LocalKey.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid local key %q: %w", w.meta.LocalKey, err)
	}
	var current *string
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT global_id::text FROM %s WHERE id = $1 FOR UPDATE`, m.Table), id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update %s %s: %w", m.Type, w.meta.LocalKey, twosync.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if current != nil && w.meta.GlobalID != uuid.Nil && *current != w.meta.GlobalID.String() {
		return nil, twosync.NewValidationError(m.Table+"_global_id_immutable", "global id cannot change", nil)
	}

	sets := []string{"modified_at = $1", "client_updated_at = $2", "is_deleted = $3", "global_id = COALESCE(global_id, $4::uuid)"}
	args := []any{now, clientUpdatedAt, w.meta.IsDeleted, nullableGlobalID(w.meta.GlobalID)}
	for i, c := range m.Columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Name, len(args)+1))
		args = append(args, w.values[i])
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d RETURNING %s`, m.Table, strings.Join(sets, ", "), len(args), selectList(m))
	return s.scanEntity(m, tx.QueryRow(ctx, q, args...))
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
	var gid *string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT global_id::text FROM %s WHERE id = $1`, m.Table), pk).Scan(&gid)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, twosync.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("global id of %s %s: %w", t, key, err)
	}
	if gid == nil {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(*gid)
	if err != nil {
		return uuid.Nil, fmt.Errorf("global id of %s %s: %w", t, key, err)
	}
	return id, nil
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
	return withRetry(ctx, s.attempts, s.backoff, func() error {
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET global_id = $1 WHERE id = $2 AND global_id IS NULL`, m.Table), id.String(), pk)
		if err != nil {
			return fmt.Errorf("assign global id to %s %s: %w", t, key, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("assign global id to %s %s: row missing or already assigned", t, key)
		}
		return nil
	})
}

func (s *Store) Watermark(ctx context.Context, scope string, t twosync.EntityType) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT ts FROM sync.watermark WHERE scope = $1 AND entity_type = $2`, scope, string(t)).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark %s/%s: %w", scope, t, err)
	}
	return ts.UTC(), nil
}

func (s *Store) SetWatermark(ctx context.Context, scope string, t twosync.EntityType, ts time.Time) error {
	err := withRetry(ctx, s.attempts, s.backoff, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sync.watermark (scope, entity_type, ts) VALUES ($1, $2, $3)
			ON CONFLICT (scope, entity_type) DO UPDATE SET ts = EXCLUDED.ts`,
			scope, string(t), ts.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("write watermark %s/%s: %w", scope, t, err)
	}
	return nil
}

var (
	_ twosync.Store          = (*Store)(nil)
	_ twosync.WatermarkStore = (*Store)(nil)
	_ twosync.GlobalIDLookup = (*Store)(nil)
)
