// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package tablemap describes how syncable entities are laid out in SQL
// tables. It is shared by the SQLite and Postgres stores.
package tablemap

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mobiletoly/go-twosync/twosync"
)

// Sync bookkeeping columns every mapped table carries, in select order
const (
	ColID              = "id"
	ColGlobalID        = "global_id"
	ColCreatedAt       = "created_at"
	ColModifiedAt      = "modified_at"
	ColClientUpdatedAt = "client_updated_at"
	ColIsDeleted       = "is_deleted"
)

// SyncColumns lists the bookkeeping columns in select order
var SyncColumns = []string{ColID, ColGlobalID, ColCreatedAt, ColModifiedAt, ColClientUpdatedAt, ColIsDeleted}

// Column is a domain column with its declaration per dialect
type Column struct {
	Name         string
	SQLiteType   string // e.g. "TEXT NOT NULL"
	PostgresType string // e.g. "TEXT NOT NULL"
}

// Mapping binds an entity type to a table
type Mapping struct {
	Type        twosync.EntityType
	Table       string
	Columns     []Column
	Constraints []string // table constraints appended to CREATE TABLE, e.g. "CHECK (name <> '')"
	// UniqueLive lists column sets that must be unique among rows that are
	// not soft-deleted. NULLs never collide.
	UniqueLive [][]string

	// New returns an empty entity of Type
	New func() twosync.Entity
	// Bind returns the values written for Columns, in order
	Bind func(e twosync.Entity) []any
	// Targets returns scan destinations for Columns and a function that copies
	// the scanned values into e
	Targets func(e twosync.Entity) (dest []any, done func() error)
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsValidIdentifier reports whether name is a safe unquoted SQL identifier
func IsValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Validate checks the mapping is complete and uses safe identifiers
func (m *Mapping) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("mapping for table %q has no entity type", m.Table)
	}
	if !IsValidIdentifier(m.Table) {
		return fmt.Errorf("mapping %s: invalid table name %q", m.Type, m.Table)
	}
	if m.New == nil || m.Bind == nil || m.Targets == nil {
		return fmt.Errorf("mapping %s: New, Bind and Targets are required", m.Type)
	}
	seen := make(map[string]bool, len(m.Columns))
	for _, c := range SyncColumns {
		seen[c] = true
	}
	for _, c := range m.Columns {
		if !IsValidIdentifier(c.Name) {
			return fmt.Errorf("mapping %s: invalid column name %q", m.Type, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("mapping %s: duplicate or reserved column %q", m.Type, c.Name)
		}
		seen[c.Name] = true
	}
	for _, set := range m.UniqueLive {
		if len(set) == 0 {
			return fmt.Errorf("mapping %s: empty unique column set", m.Type)
		}
		for _, c := range set {
			if !seen[c] {
				return fmt.Errorf("mapping %s: unique index on unknown column %q", m.Type, c)
			}
		}
	}
	return nil
}

// UniqueLiveIndexes returns CREATE UNIQUE INDEX statements for UniqueLive.
// The partial index syntax is shared by SQLite and Postgres.
func (m *Mapping) UniqueLiveIndexes() []string {
	out := make([]string, 0, len(m.UniqueLive))
	for _, set := range m.UniqueLive {
		out = append(out, fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE is_deleted = FALSE`,
			UniqueLiveIndexName(m.Table, set), m.Table, strings.Join(set, ", ")))
	}
	return out
}

// UniqueLiveIndexName names the partial unique index over columns of table
func UniqueLiveIndexName(table string, columns []string) string {
	return table + "_" + strings.Join(columns, "_") + "_live_key"
}

// ColumnNames returns the domain column names
func (m *Mapping) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// SelectList returns "id, global_id, ..., <domain columns>"
func (m *Mapping) SelectList() string {
	return strings.Join(append(append([]string{}, SyncColumns...), m.ColumnNames()...), ", ")
}

// Placeholders returns n placeholders starting at position start, using
// "?" when numbered is false and "$N" otherwise
func Placeholders(start, n int, numbered bool) []string {
	out := make([]string, n)
	for i := range out {
		if numbered {
			out[i] = fmt.Sprintf("$%d", start+i)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// Registry indexes mappings by entity type
type Registry map[twosync.EntityType]*Mapping

// NewRegistry validates mappings and indexes them
func NewRegistry(mappings ...*Mapping) (Registry, error) {
	reg := make(Registry, len(mappings))
	tables := make(map[string]twosync.EntityType, len(mappings))
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg[m.Type]; dup {
			return nil, fmt.Errorf("entity type %s mapped twice", m.Type)
		}
		if other, dup := tables[m.Table]; dup {
			return nil, fmt.Errorf("table %s mapped by %s and %s", m.Table, other, m.Type)
		}
		reg[m.Type] = m
		tables[m.Table] = m.Type
	}
	return reg, nil
}

// Lookup returns the mapping of t
func (r Registry) Lookup(t twosync.EntityType) (*Mapping, error) {
	m, ok := r[t]
	if !ok {
		return nil, fmt.Errorf("entity type %s is not mapped", t)
	}
	return m, nil
}
