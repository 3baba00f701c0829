// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crm

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-twosync/tablemap"
	"github.com/mobiletoly/go-twosync/twosync"
)

// AddressMapping lays out Address in the addresses table
func AddressMapping() *tablemap.Mapping {
	return &tablemap.Mapping{
		Type:  TypeAddress,
		Table: "addresses",
		Columns: []tablemap.Column{
			{Name: "street", SQLiteType: "TEXT NOT NULL DEFAULT ''", PostgresType: "TEXT NOT NULL DEFAULT ''"},
			{Name: "city", SQLiteType: "TEXT NOT NULL DEFAULT ''", PostgresType: "TEXT NOT NULL DEFAULT ''"},
			{Name: "postal_code", SQLiteType: "TEXT NOT NULL DEFAULT ''", PostgresType: "TEXT NOT NULL DEFAULT ''"},
			{Name: "country", SQLiteType: "TEXT NOT NULL DEFAULT ''", PostgresType: "TEXT NOT NULL DEFAULT ''"},
		},
		New: func() twosync.Entity { return &Address{} },
		Bind: func(e twosync.Entity) []any {
			a := e.(*Address)
			return []any{a.Street, a.City, a.PostalCode, a.Country}
		},
		Targets: func(e twosync.Entity) ([]any, func() error) {
			a := e.(*Address)
			return []any{&a.Street, &a.City, &a.PostalCode, &a.Country}, func() error { return nil }
		},
	}
}

// AccountMapping lays out Account in the accounts table. address_id is a
// real foreign key, so an account whose address was never synced is
// rejected by the store.
func AccountMapping() *tablemap.Mapping {
	return &tablemap.Mapping{
		Type:  TypeAccount,
		Table: "accounts",
		Columns: []tablemap.Column{
			{Name: "name", SQLiteType: "TEXT NOT NULL", PostgresType: "TEXT NOT NULL"},
			{Name: "email", SQLiteType: "TEXT", PostgresType: "TEXT"},
			{Name: "owner_id", SQLiteType: "TEXT NOT NULL DEFAULT ''", PostgresType: "TEXT NOT NULL DEFAULT ''"},
			{Name: "address_id", SQLiteType: "INTEGER REFERENCES addresses(id)", PostgresType: "BIGINT REFERENCES addresses(id)"},
			{Name: "address_global_id", SQLiteType: "TEXT", PostgresType: "UUID"},
		},
		Constraints: []string{"CONSTRAINT accounts_name_check CHECK (name <> '')"},
		UniqueLive:  [][]string{{"email"}},
		New:         func() twosync.Entity { return &Account{} },
		Bind: func(e twosync.Entity) []any {
			a := e.(*Account)
			var email, addressGID any
			if a.Email != "" {
				email = a.Email
			}
			if a.AddressGlobalID != uuid.Nil {
				addressGID = a.AddressGlobalID.String()
			}
			var addressID any
			if a.AddressKey != "" {
				id, err := a.AddressKey.Int64()
				if err == nil {
					addressID = id
				} else {
					// let the foreign key reject it
					addressID = int64(-1)
				}
			}
			return []any{a.Name, email, a.OwnerID, addressID, addressGID}
		},
		Targets: func(e twosync.Entity) ([]any, func() error) {
			a := e.(*Account)
			var (
				email      sql.NullString
				addressID  sql.NullInt64
				addressGID sql.NullString
			)
			dest := []any{&a.Name, &email, &a.OwnerID, &addressID, &addressGID}
			return dest, func() error {
				a.Email = email.String
				a.AddressKey = ""
				if addressID.Valid {
					a.AddressKey = twosync.IntKey(addressID.Int64)
				}
				a.AddressGlobalID = uuid.Nil
				if addressGID.Valid && addressGID.String != "" {
					gid, err := uuid.Parse(addressGID.String)
					if err != nil {
						return fmt.Errorf("address_global_id: %w", err)
					}
					a.AddressGlobalID = gid
				}
				return nil
			}
		},
	}
}

// Mappings returns the table mappings of every crm type
func Mappings() []*tablemap.Mapping {
	return []*tablemap.Mapping{AddressMapping(), AccountMapping()}
}
