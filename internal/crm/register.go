// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crm

import (
	"strings"

	"github.com/mobiletoly/go-twosync/memstore"
	"github.com/mobiletoly/go-twosync/twosync"
)

// ProfileAddressesOnly syncs addresses without accounts
const ProfileAddressesOnly = "AddressesOnly"

// AddressFilter is the default address filter
func AddressFilter() twosync.Filter {
	return twosync.Filter{Type: TypeAddress, Position: 0}
}

// AccountFilter is the default account filter; pred may be nil
func AccountFilter(pred twosync.Predicate) twosync.Filter {
	return twosync.Filter{
		Type:      TypeAccount,
		Position:  1,
		DependsOn: []twosync.EntityType{TypeAddress},
		Predicate: pred,
	}
}

// OwnedBy matches accounts of ownerID
func OwnedBy(ownerID string) twosync.Predicate {
	return func(e twosync.Entity) bool {
		a, ok := e.(*Account)
		return ok && a.OwnerID == ownerID
	}
}

// Register adds the crm types and profiles to c. A non-nil accountPred
// restricts which accounts the client sends and accepts under ProfileAll.
func Register(c *twosync.Client, accountPred twosync.Predicate) {
	c.Register(twosync.RegisteredType{
		Type: TypeAddress,
		Converters: twosync.Converters{
			Outgoing: twosync.Outgoing[*Address, *AddressModel](AddressToModel),
			Incoming: twosync.Incoming[*AddressModel, *Address](AddressFromModel),
		},
		Filter: AddressFilter(),
	})
	c.Register(twosync.RegisteredType{
		Type: TypeAccount,
		Converters: twosync.Converters{
			Outgoing: twosync.Outgoing[*Account, *AccountModel](AccountToModel),
			Incoming: twosync.Incoming[*AccountModel, *Account](AccountFromModel),
		},
		Filter: AccountFilter(accountPred),
	})
	c.AddProfile(ProfileAddressesOnly, AddressFilter())
}

// ValidateAccount rejects accounts without a name
func ValidateAccount(e twosync.Entity) error {
	a, ok := e.(*Account)
	if !ok {
		return nil
	}
	if strings.TrimSpace(a.Name) == "" {
		return twosync.NewValidationError("accounts_name_check", "account name is required", nil)
	}
	return nil
}

// MemstoreOptions returns the constraints the SQL mappings declare, for an
// in-memory store
func MemstoreOptions() []memstore.Option {
	return []memstore.Option{
		memstore.WithCheck(TypeAccount, ValidateAccount),
		memstore.WithUniqueIndex(TypeAccount, memstore.UniqueIndex{
			Name: "accounts_email_live_key",
			Columns: func(e twosync.Entity) []any {
				return []any{e.(*Account).Email}
			},
		}),
	}
}
