package sqlitestore

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestTableInfoProvider_Get(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, Title TEXT NOT NULL, body BLOB)`)
	require.NoError(t, err)

	provider := NewTableInfoProvider()
	info, err := provider.Get(ctx, db, "Notes")
	require.NoError(t, err)
	require.Equal(t, "notes", info.Table)
	require.Len(t, info.Columns, 3)
	require.True(t, info.Columns[0].IsPrimaryKey)
	require.True(t, info.Columns[1].NotNull)
	require.True(t, info.HasColumn("title"))
	require.True(t, info.HasColumn("BODY"))
	require.False(t, info.HasColumn("missing"))

	// cached: a schema change is not observed
	_, err = db.Exec(`ALTER TABLE notes ADD COLUMN extra TEXT`)
	require.NoError(t, err)
	again, err := provider.Get(ctx, db, "notes")
	require.NoError(t, err)
	require.Same(t, info, again)
}

func TestTableInfoProvider_MissingTableNotCached(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	provider := NewTableInfoProvider()
	info, err := provider.Get(ctx, db, "later")
	require.NoError(t, err)
	require.Empty(t, info.Columns)

	_, err = db.Exec(`CREATE TABLE later (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	info, err = provider.Get(ctx, db, "later")
	require.NoError(t, err)
	require.True(t, info.HasColumn("id"))
}

func TestTableInfoProvider_Concurrent(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	provider := NewTableInfoProvider()
	var wg sync.WaitGroup
	results := make([]*TableInfo, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = provider.Get(ctx, db, "items")
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
}
