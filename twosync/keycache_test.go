package twosync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestKeyCache_PutResolveInvalidate(t *testing.T) {
	c := NewKeyCache("client")
	id := uuid.New()

	_, ok := c.ResolveLocalKey("address", id)
	require.False(t, ok)

	c.Put("address", id, "7")
	key, ok := c.ResolveLocalKey("address", id)
	require.True(t, ok)
	require.Equal(t, LocalKey("7"), key)

	// Types are separate namespaces
	_, ok = c.ResolveLocalKey("account", id)
	require.False(t, ok)

	c.Invalidate("address", id)
	_, ok = c.ResolveLocalKey("address", id)
	require.False(t, ok)

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(3), stats.Misses)
	require.Equal(t, 0, stats.Entries)
}

func TestKeyCache_ResolveOrCreate_AllocatesOnce(t *testing.T) {
	c := NewKeyCache("server")
	id := uuid.New()
	var calls atomic.Int32

	var wg sync.WaitGroup
	keys := make([]LocalKey, 16)
	errs := make([]error, len(keys))
	for i := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := c.ResolveOrCreateLocalKey(context.Background(), "address", id, func(context.Context) (LocalKey, error) {
				calls.Add(1)
				return "42", nil
			})
			keys[i], errs[i] = key, err
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i, k := range keys {
		require.NoError(t, errs[i])
		require.Equal(t, LocalKey("42"), k)
	}
	require.Equal(t, 1, c.Len("address"))
}

func TestKeyCache_ResolveOrCreate_NotFoundIsNotCached(t *testing.T) {
	c := NewKeyCache("server")
	id := uuid.New()

	_, err := c.ResolveOrCreateLocalKey(context.Background(), "address", id, func(context.Context) (LocalKey, error) {
		return "", ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, c.Len("address"))

	_, err = c.ResolveOrCreateLocalKey(context.Background(), "address", id, func(context.Context) (LocalKey, error) {
		return "", nil
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestKeyCache_Reset(t *testing.T) {
	c := NewKeyCache("client")
	c.Put("address", uuid.New(), "1")
	c.Put("account", uuid.New(), "2")
	require.Equal(t, 2, c.Stats().Entries)

	c.Reset()
	require.Equal(t, KeyCacheStats{}, c.Stats())
	require.Equal(t, "client", c.Store())
}

func TestKeyCache_ResolveGlobalID(t *testing.T) {
	c := NewKeyCache("client")
	id := uuid.New()

	c.Put("address", id, "7")
	got, ok := c.ResolveGlobalID("address", "7")
	require.True(t, ok)
	require.Equal(t, id, got)

	// re-keying drops the stale reverse entry
	c.Put("address", id, "8")
	_, ok = c.ResolveGlobalID("address", "7")
	require.False(t, ok)
	got, ok = c.ResolveGlobalID("address", "8")
	require.True(t, ok)
	require.Equal(t, id, got)

	c.Invalidate("address", id)
	_, ok = c.ResolveGlobalID("address", "8")
	require.False(t, ok)
}

func TestLookupGlobalID_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	c := NewKeyCache("client")
	id := uuid.New()
	store := &lookupStore{ids: map[LocalKey]uuid.UUID{"3": id, "4": uuid.Nil}}

	got, err := lookupGlobalID(ctx, c, store, "address", "3")
	require.NoError(t, err)
	require.Equal(t, id, got)
	key, ok := c.ResolveLocalKey("address", id)
	require.True(t, ok)
	require.Equal(t, LocalKey("3"), key)

	got, err = lookupGlobalID(ctx, c, store, "address", "4")
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, got)

	_, err = lookupGlobalID(ctx, c, store, "address", "5")
	require.ErrorIs(t, err, ErrNotFound)

	// without GlobalIDLookup only the cache answers
	_, err = lookupGlobalID(ctx, NewKeyCache("x"), nopStore{}, "address", "3")
	require.ErrorIs(t, err, ErrNotFound)
}
