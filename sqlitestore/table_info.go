// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

type tableInfoQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
}

// TableInfo holds cached information about a table's structure
type TableInfo struct {
	Table            string
	Columns          []ColumnInfo
	TypesByNameLower map[string]string
}

// HasColumn reports whether the table has the named column (case-insensitive)
func (t *TableInfo) HasColumn(name string) bool {
	_, ok := t.TypesByNameLower[strings.ToLower(name)]
	return ok
}

// TableInfoProvider caches PRAGMA table_info results for one database
type TableInfoProvider struct {
	cache map[string]*TableInfo
	mutex sync.RWMutex
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{
		cache: make(map[string]*TableInfo),
	}
}

// Get retrieves table information, using cache when available. A table that
// does not exist yields a TableInfo without columns and is not cached.
func (p *TableInfoProvider) Get(ctx context.Context, queryer tableInfoQueryer, tableName string) (*TableInfo, error) {
	key := strings.ToLower(tableName)

	p.mutex.RLock()
	if info, exists := p.cache[key]; exists {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check in case another goroutine populated it
	if info, exists := p.cache[key]; exists {
		return info, nil
	}

	rows, err := queryer.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", key))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", tableName, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: key, TypesByNameLower: make(map[string]string)}
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk == 1,
			NotNull:      notNull == 1,
		})
		info.TypesByNameLower[strings.ToLower(name)] = declaredType
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}

	if len(info.Columns) > 0 {
		p.cache[key] = info
	}
	return info, nil
}

// ClearCache clears the table info cache
func (p *TableInfoProvider) ClearCache() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cache = make(map[string]*TableInfo)
}
