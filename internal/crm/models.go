// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crm

import (
	"errors"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-twosync/twosync"
)

// AddressModel is the wire projection of an Address
type AddressModel struct {
	GlobalID   uuid.UUID `json:"globalId"`
	Street     string    `json:"street"`
	City       string    `json:"city"`
	PostalCode string    `json:"postalCode,omitempty"`
	Country    string    `json:"country"`
	Deleted    bool      `json:"deleted"`
}

func (m *AddressModel) ModelType() twosync.EntityType   { return TypeAddress }
func (m *AddressModel) ModelGlobalID() uuid.UUID        { return m.GlobalID }
func (m *AddressModel) ModelDeleted() bool              { return m.Deleted }
func (m *AddressModel) References() []twosync.Reference { return nil }

// AccountModel is the wire projection of an Account; the address is
// referenced by global id only
type AccountModel struct {
	GlobalID  uuid.UUID `json:"globalId"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	OwnerID   string    `json:"ownerId"`
	AddressID uuid.UUID `json:"addressId"`
	Deleted   bool      `json:"deleted"`
}

// AccountAddressField names the account -> address reference
const AccountAddressField = "address"

func (m *AccountModel) ModelType() twosync.EntityType { return TypeAccount }
func (m *AccountModel) ModelGlobalID() uuid.UUID      { return m.GlobalID }
func (m *AccountModel) ModelDeleted() bool            { return m.Deleted }

func (m *AccountModel) References() []twosync.Reference {
	return []twosync.Reference{{Field: AccountAddressField, Type: TypeAddress, GlobalID: m.AddressID}}
}

// AddressToModel is the outgoing Address converter
func AddressToModel(a *Address) (*AddressModel, error) {
	return &AddressModel{
		GlobalID:   a.GlobalID,
		Street:     a.Street,
		City:       a.City,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Deleted:    a.IsDeleted,
	}, nil
}

// AddressFromModel is the incoming Address converter
func AddressFromModel(m *AddressModel, _ twosync.ResolvedKeys) (*Address, error) {
	return &Address{
		Street:     m.Street,
		City:       m.City,
		PostalCode: m.PostalCode,
		Country:    m.Country,
	}, nil
}

// AccountToModel is the outgoing Account converter
func AccountToModel(a *Account) (*AccountModel, error) {
	if a.AddressKey != "" && a.AddressGlobalID == uuid.Nil {
		return nil, errors.New("account address has no global id")
	}
	return &AccountModel{
		GlobalID:  a.GlobalID,
		Name:      a.Name,
		Email:     a.Email,
		OwnerID:   a.OwnerID,
		AddressID: a.AddressGlobalID,
		Deleted:   a.IsDeleted,
	}, nil
}

// AccountFromModel is the incoming Account converter
func AccountFromModel(m *AccountModel, keys twosync.ResolvedKeys) (*Account, error) {
	a := &Account{
		Name:            m.Name,
		Email:           m.Email,
		OwnerID:         m.OwnerID,
		AddressGlobalID: m.AddressID,
	}
	if m.AddressID != uuid.Nil {
		key, ok := keys.Get(AccountAddressField)
		if !ok {
			return nil, errors.New("address reference was not resolved")
		}
		a.AddressKey = key
	}
	return a, nil
}
