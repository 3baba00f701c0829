// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package crm is a small address book domain (addresses and the accounts
// that live at them) used by the CLI and the backend tests.
package crm

import (
	"github.com/google/uuid"
	"github.com/mobiletoly/go-twosync/twosync"
)

const (
	TypeAddress twosync.EntityType = "address"
	TypeAccount twosync.EntityType = "account"
)

// Address is the store-native address row
type Address struct {
	twosync.EntityMeta
	Street     string
	City       string
	PostalCode string
	Country    string
}

func (a *Address) EntityType() twosync.EntityType { return TypeAddress }

// Clone returns a deep copy
func (a *Address) Clone() twosync.Entity {
	c := *a
	if a.ClientUpdatedAt != nil {
		ts := *a.ClientUpdatedAt
		c.ClientUpdatedAt = &ts
	}
	return &c
}

// Account is the store-native account row. AddressKey joins to Address
// inside the same store; AddressGlobalID is kept next to it so outgoing
// conversion stays a pure function of the row. It is empty while the address
// has no global id and is filled in by the next PushUp.
type Account struct {
	twosync.EntityMeta
	Name            string
	Email           string // optional, unique among live accounts
	OwnerID         string
	AddressKey      twosync.LocalKey
	AddressGlobalID uuid.UUID
}

func (a *Account) EntityType() twosync.EntityType { return TypeAccount }

// Clone returns a deep copy
func (a *Account) Clone() twosync.Entity {
	c := *a
	if a.ClientUpdatedAt != nil {
		ts := *a.ClientUpdatedAt
		c.ClientUpdatedAt = &ts
	}
	return &c
}

// SetAddress points the account at addr, which must already be stored
func (a *Account) SetAddress(addr *Address) {
	if addr == nil {
		a.AddressKey = ""
		a.AddressGlobalID = uuid.Nil
		return
	}
	a.AddressKey = addr.LocalKey
	a.AddressGlobalID = addr.GlobalID
}

func (a *Account) LocalReferences() []twosync.LocalReference {
	return []twosync.LocalReference{{
		Field:    AccountAddressField,
		Type:     TypeAddress,
		Key:      a.AddressKey,
		GlobalID: a.AddressGlobalID,
	}}
}

func (a *Account) SetReferenceGlobalID(field string, id uuid.UUID) {
	if field == AccountAddressField {
		a.AddressGlobalID = id
	}
}

var _ twosync.LocalReferrer = (*Account)(nil)
