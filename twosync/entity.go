// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies a syncable record type (e.g., "address", "account")
type EntityType string

// LocalKey is a store-local primary key. Stores format integer keys in
// decimal and join composite keys however they like; no other store may
// interpret it.
type LocalKey string

// IntKey formats an integer primary key as a LocalKey
func IntKey(n int64) LocalKey {
	return LocalKey(strconv.FormatInt(n, 10))
}

// Int64 parses a LocalKey produced by IntKey
func (k LocalKey) Int64() (int64, error) {
	return strconv.ParseInt(string(k), 10, 64)
}

// EntityMeta carries the sync bookkeeping columns every syncable entity has.
// Embed it in a concrete entity struct to satisfy Entity.
type EntityMeta struct {
	LocalKey        LocalKey   `json:"-"`
	GlobalID        uuid.UUID  `json:"global_id"`
	CreatedAt       time.Time  `json:"created_at"`
	ModifiedAt      time.Time  `json:"modified_at"`
	ClientUpdatedAt *time.Time `json:"client_updated_at,omitempty"` // set only by client-side edits
	IsDeleted       bool       `json:"is_deleted"`
}

// Meta returns the bookkeeping columns of the entity
func (m *EntityMeta) Meta() *EntityMeta { return m }

// Timestamp returns the value of the named change-tracking column
func (m *EntityMeta) Timestamp(field TimestampField) (time.Time, bool) {
	switch field {
	case FieldClientUpdatedAt:
		if m.ClientUpdatedAt == nil {
			return time.Time{}, false
		}
		return *m.ClientUpdatedAt, true
	default:
		return m.ModifiedAt, !m.ModifiedAt.IsZero()
	}
}

// Entity is a store-native syncable record
type Entity interface {
	EntityType() EntityType
	Meta() *EntityMeta
}

// Reference is a foreign key expressed by global id inside a Model
type Reference struct {
	Field    string
	Type     EntityType
	GlobalID uuid.UUID // uuid.Nil for a null reference
}

// LocalReference is a foreign key a store-native entity holds as a local key
// of its own store. GlobalID is uuid.Nil while the target has none.
type LocalReference struct {
	Field    string
	Type     EntityType
	Key      LocalKey
	GlobalID uuid.UUID
}

// LocalReferrer is implemented by entities that may link to a record before
// that record has a global id. On outgoing legs the engine looks up the
// missing ids and hands them back through SetReferenceGlobalID before the
// outgoing converter runs.
type LocalReferrer interface {
	Entity
	LocalReferences() []LocalReference
	SetReferenceGlobalID(field string, id uuid.UUID)
}

// Model is the neutral projection of an entity that crosses stores.
// It never carries store-local keys.
type Model interface {
	ModelType() EntityType
	ModelGlobalID() uuid.UUID
	ModelDeleted() bool
	References() []Reference
}

// NewGlobalID is the default global id strategy
func NewGlobalID() uuid.UUID {
	return uuid.New()
}
