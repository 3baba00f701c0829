package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-twosync/internal/crm"
	"github.com/mobiletoly/go-twosync/sqlitestore"
	"github.com/mobiletoly/go-twosync/twosync"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string, role twosync.Role, clock func() time.Time) *sqlitestore.Store {
	t.Helper()
	db, err := sqlitestore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := sqlitestore.New(context.Background(), db, &sqlitestore.Config{
		Name:     string(role),
		Role:     role,
		Mappings: crm.Mappings(),
		Clock:    clock,
	}, nil)
	require.NoError(t, err)
	return s
}

func newAddress(street string) *crm.Address {
	return &crm.Address{
		EntityMeta: twosync.EntityMeta{GlobalID: uuid.New()},
		Street:     street,
		City:       "Springfield",
		Country:    "US",
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", twosync.RoleClient, nil)

	addrIn := newAddress("1 Elm St")
	addrIn.PostalCode = "12345"
	stored, err := s.SaveLocal(ctx, addrIn)
	require.NoError(t, err)
	addr := stored.(*crm.Address)
	require.Equal(t, twosync.LocalKey("1"), addr.LocalKey)
	require.NotNil(t, addr.ClientUpdatedAt)

	acct := &crm.Account{Name: "Alice", OwnerID: "owner-1"}
	acct.GlobalID = uuid.New()
	acct.SetAddress(addr)
	_, err = s.SaveLocal(ctx, acct)
	require.NoError(t, err)

	got, err := s.Get(ctx, crm.TypeAddress, addr.GlobalID)
	require.NoError(t, err)
	gotAddr := got.(*crm.Address)
	require.Equal(t, "12345", gotAddr.PostalCode)
	require.Equal(t, addr.CreatedAt, gotAddr.CreatedAt)
	require.Equal(t, *addr.ClientUpdatedAt, *gotAddr.ClientUpdatedAt)

	got, err = s.Get(ctx, crm.TypeAccount, acct.GlobalID)
	require.NoError(t, err)
	gotAcct := got.(*crm.Account)
	require.Equal(t, addr.LocalKey, gotAcct.AddressKey)
	require.Equal(t, addr.GlobalID, gotAcct.AddressGlobalID)
	require.Empty(t, gotAcct.Email)
	require.False(t, gotAcct.IsDeleted)

	_, err = s.Get(ctx, crm.TypeAccount, uuid.New())
	require.ErrorIs(t, err, twosync.ErrNotFound)
}

func TestStore_UpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", twosync.RoleServer, nil)

	stored, err := s.Upsert(ctx, newAddress("1 Elm St"))
	require.NoError(t, err)
	addr := stored.(*crm.Address)
	require.Nil(t, addr.ClientUpdatedAt)

	addr.Street = "1 Elm Street"
	stored, err = s.Upsert(ctx, addr)
	require.NoError(t, err)
	updated := stored.(*crm.Address)
	require.Equal(t, addr.LocalKey, updated.LocalKey)
	require.Equal(t, addr.CreatedAt, updated.CreatedAt)
	require.True(t, updated.ModifiedAt.After(addr.CreatedAt))
	require.Equal(t, "1 Elm Street", updated.Street)

	updated.GlobalID = uuid.New()
	_, err = s.Upsert(ctx, updated)
	var verr *twosync.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "addresses_global_id_immutable", verr.Constraint)

	ghost := newAddress("nowhere")
	ghost.LocalKey = "999"
	_, err = s.Upsert(ctx, ghost)
	require.ErrorIs(t, err, twosync.ErrNotFound)
}

func TestStore_ConstraintViolationsAreValidationErrors(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", twosync.RoleServer, nil)

	account := func(name, email, addressKey string) *crm.Account {
		a := &crm.Account{Name: name, Email: email, OwnerID: "owner-1", AddressKey: twosync.LocalKey(addressKey)}
		a.GlobalID = uuid.New()
		if addressKey != "" {
			a.AddressGlobalID = uuid.New()
		}
		return a
	}

	first, err := s.Upsert(ctx, account("Alice", "alice@example.com", ""))
	require.NoError(t, err)

	tests := []struct {
		name       string
		entity     twosync.Entity
		constraint string
	}{
		{"unique email", account("Alice 2", "alice@example.com", ""), "accounts_unique"},
		{"check", account("", "", ""), "accounts_check"},
		{"foreign key", account("Bob", "", "999"), "accounts_foreign_key"},
		{"unparsable key", account("Carol", "", "abc"), "accounts_foreign_key"},
		{"duplicate global id", &crm.Account{EntityMeta: twosync.EntityMeta{GlobalID: first.Meta().GlobalID}, Name: "Dup"}, "accounts_unique"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(ctx, tt.entity)
			require.True(t, twosync.IsValidation(err), "got %v", err)
			var verr *twosync.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.constraint, verr.Constraint)
		})
	}

	// A soft-deleted account releases its email
	first.Meta().IsDeleted = true
	_, err = s.Upsert(ctx, first)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, account("Alice 2", "alice@example.com", ""))
	require.NoError(t, err)

	// NULL emails never collide
	_, err = s.Upsert(ctx, account("Nobody 1", "", ""))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, account("Nobody 2", "", ""))
	require.NoError(t, err)
}

func TestStore_FetchChangedSince(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", twosync.RoleClient, nil)

	a, err := s.SaveLocal(ctx, newAddress("a"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, newAddress("pulled"))
	require.NoError(t, err)
	b, err := s.SaveLocal(ctx, newAddress("b"))
	require.NoError(t, err)

	all, err := s.FetchChangedSince(ctx, crm.TypeAddress, time.Time{}, twosync.FieldModifiedAt, twosync.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	edited, err := s.FetchChangedSince(ctx, crm.TypeAddress, time.Time{}, twosync.FieldClientUpdatedAt, twosync.Filter{})
	require.NoError(t, err)
	require.Len(t, edited, 2)

	after, err := s.FetchChangedSince(ctx, crm.TypeAddress, *a.Meta().ClientUpdatedAt, twosync.FieldClientUpdatedAt, twosync.Filter{})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, b.Meta().GlobalID, after[0].Meta().GlobalID)

	filtered, err := s.FetchChangedSince(ctx, crm.TypeAddress, time.Time{}, twosync.FieldModifiedAt, twosync.Filter{
		Predicate: func(e twosync.Entity) bool { return e.(*crm.Address).Street == "pulled" },
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
}

func TestStore_AssignGlobalID(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", twosync.RoleClient, nil)

	stored, err := s.SaveLocal(ctx, &crm.Address{Street: "no id"})
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, stored.Meta().GlobalID)

	id := uuid.New()
	require.NoError(t, s.AssignGlobalID(ctx, crm.TypeAddress, stored.Meta().LocalKey, id))
	require.Error(t, s.AssignGlobalID(ctx, crm.TypeAddress, stored.Meta().LocalKey, uuid.New()))

	got, err := s.Get(ctx, crm.TypeAddress, id)
	require.NoError(t, err)
	require.Equal(t, stored.Meta().LocalKey, got.Meta().LocalKey)
}

func TestStore_ServerInsertAssignsGlobalID(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", twosync.RoleServer, nil)

	stored, err := s.Upsert(ctx, &crm.Address{Street: "no id"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, stored.Meta().GlobalID)

	id, err := s.GlobalIDOf(ctx, crm.TypeAddress, stored.Meta().LocalKey)
	require.NoError(t, err)
	require.Equal(t, stored.Meta().GlobalID, id)
	_, err = s.GlobalIDOf(ctx, crm.TypeAddress, "999")
	require.ErrorIs(t, err, twosync.ErrNotFound)

	client := openStore(t, ":memory:", twosync.RoleClient, nil)
	stored, err = client.SaveLocal(ctx, &crm.Address{Street: "no id"})
	require.NoError(t, err)
	id, err = client.GlobalIDOf(ctx, crm.TypeAddress, stored.Meta().LocalKey)
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, id)
}

func TestSync_LinksAccountToAddressWithoutGlobalID(t *testing.T) {
	ctx := context.Background()
	clientStore := openStore(t, ":memory:", twosync.RoleClient, nil)
	serverStore := openStore(t, filepath.Join(t.TempDir(), "server.db"), twosync.RoleServer, nil)

	addr, err := clientStore.SaveLocal(ctx, &crm.Address{Street: "9 Maple Ct", Country: "US"})
	require.NoError(t, err)
	acct := &crm.Account{Name: "Erin", OwnerID: "owner-1"}
	acct.GlobalID = uuid.New()
	acct.SetAddress(addr.(*crm.Address))
	_, err = clientStore.SaveLocal(ctx, acct)
	require.NoError(t, err)

	client := twosync.NewClientForStore("client", twosync.RoleClient, clientStore)
	server := twosync.NewClientForStore("server", twosync.RoleServer, serverStore)
	crm.Register(client, nil)
	crm.Register(server, nil)
	mgr, err := twosync.NewManager(client, server, nil, nil)
	require.NoError(t, err)

	res, err := mgr.Run(ctx, twosync.ProfileAll, twosync.PushUp, twosync.RunOptions{IncludeIssueDetail: true})
	require.NoError(t, err)
	require.Empty(t, res.Issues)

	local, err := clientStore.GetByLocalKey(ctx, crm.TypeAccount, "1")
	require.NoError(t, err)
	addressID := local.(*crm.Account).AddressGlobalID
	require.NotEqual(t, uuid.Nil, addressID)

	pushed, err := serverStore.Get(ctx, crm.TypeAccount, acct.GlobalID)
	require.NoError(t, err)
	serverAddr, err := serverStore.Get(ctx, crm.TypeAddress, addressID)
	require.NoError(t, err)
	require.Equal(t, serverAddr.Meta().LocalKey, pushed.(*crm.Account).AddressKey)
}

func TestStore_Watermarks(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", twosync.RoleClient, nil)

	ts, err := s.Watermark(ctx, "server", crm.TypeAccount)
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	want := time.Date(2025, 3, 1, 10, 30, 0, 123456000, time.UTC)
	require.NoError(t, s.SetWatermark(ctx, "server", crm.TypeAccount, want))
	require.NoError(t, s.SetWatermark(ctx, "server", crm.TypeAccount, want.Add(time.Second)))
	ts, err = s.Watermark(ctx, "server", crm.TypeAccount)
	require.NoError(t, err)
	require.Equal(t, want.Add(time.Second), ts)
}

func TestStore_ClockResumesAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clock.db")
	future := time.Now().Add(time.Hour)

	s := openStore(t, path, twosync.RoleClient, func() time.Time { return future })
	first, err := s.SaveLocal(ctx, newAddress("first"))
	require.NoError(t, err)
	require.NoError(t, s.DB().Close())

	// The wall clock moved backwards between runs
	s = openStore(t, path, twosync.RoleClient, func() time.Time { return future.Add(-time.Minute) })
	second, err := s.SaveLocal(ctx, newAddress("second"))
	require.NoError(t, err)
	require.True(t, second.Meta().ModifiedAt.After(*first.Meta().ClientUpdatedAt))
	require.True(t, second.Meta().ClientUpdatedAt.After(first.Meta().ModifiedAt))
}

func TestNew_RejectsIncompatibleTable(t *testing.T) {
	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE addresses (id INTEGER PRIMARY KEY, global_id TEXT, modified_at INTEGER, street TEXT)`)
	require.NoError(t, err)

	_, err = sqlitestore.New(context.Background(), db, &sqlitestore.Config{Mappings: crm.Mappings()}, nil)
	require.ErrorContains(t, err, "missing column")
}

func TestOpen_Unavailable(t *testing.T) {
	_, err := sqlitestore.Open(filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	require.ErrorIs(t, err, twosync.ErrStoreUnavailable)
}

func TestSync_BetweenSQLiteStores(t *testing.T) {
	ctx := context.Background()
	clientStore := openStore(t, ":memory:", twosync.RoleClient, nil)
	serverStore := openStore(t, filepath.Join(t.TempDir(), "server.db"), twosync.RoleServer, nil)

	addr, err := serverStore.SaveLocal(ctx, newAddress("1 Elm St"))
	require.NoError(t, err)
	acct := &crm.Account{Name: "Alice", Email: "alice@example.com", OwnerID: "owner-1"}
	acct.GlobalID = uuid.New()
	acct.SetAddress(addr.(*crm.Address))
	_, err = serverStore.SaveLocal(ctx, acct)
	require.NoError(t, err)

	// Occupies the email on the client without a global id
	_, err = clientStore.SaveLocal(ctx, &crm.Account{Name: "Local", Email: "alice@example.com"})
	require.NoError(t, err)

	client := twosync.NewClientForStore("client", twosync.RoleClient, clientStore)
	server := twosync.NewClientForStore("server", twosync.RoleServer, serverStore)
	crm.Register(client, nil)
	crm.Register(server, nil)
	mgr, err := twosync.NewManager(client, server, nil, nil)
	require.NoError(t, err)

	res, err := mgr.Run(ctx, twosync.ProfileAll, twosync.PullDown, twosync.RunOptions{IncludeIssueDetail: true})
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	require.Equal(t, twosync.ReasonValidationFailed, res.Issues[0].Reason)
	require.Equal(t, acct.GlobalID, res.Issues[0].GlobalID)
	require.Equal(t, 1, res.StatsFor(crm.TypeAddress).Inserted)

	// The local account is pushed with a fresh global id
	res, err = mgr.Run(ctx, twosync.ProfileAll, twosync.PushUp, twosync.RunOptions{IncludeIssueDetail: true})
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	require.Equal(t, twosync.ReasonValidationFailed, res.Issues[0].Reason)

	rows, err := clientStore.FetchChangedSince(ctx, crm.TypeAccount, time.Time{}, twosync.FieldModifiedAt, twosync.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotEqual(t, uuid.Nil, rows[0].Meta().GlobalID)

	var watermarks int
	require.NoError(t, clientStore.DB().QueryRow(`SELECT COUNT(*) FROM _sync_watermark`).Scan(&watermarks))
	require.Equal(t, 3, watermarks)
}
