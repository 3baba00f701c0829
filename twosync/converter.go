// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import "fmt"

// OutgoingConverter projects a store-native entity into its Model.
// Implementations must be pure.
type OutgoingConverter interface {
	ToModel(e Entity) (Model, error)
}

// IncomingConverter builds a store-native entity from a Model. Foreign keys
// arrive already translated in keys, indexed by Reference.Field. The engine
// fills EntityMeta afterwards.
type IncomingConverter interface {
	ToEntity(m Model, keys ResolvedKeys) (Entity, error)
}

// ResolvedKeys maps a Reference.Field to the destination store's local key.
// Null references are absent.
type ResolvedKeys map[string]LocalKey

// Get returns the local key for field and whether the reference was set
func (k ResolvedKeys) Get(field string) (LocalKey, bool) {
	key, ok := k[field]
	return key, ok
}

// Outgoing adapts a typed mapping function to OutgoingConverter
type Outgoing[E Entity, M Model] func(E) (M, error)

func (f Outgoing[E, M]) ToModel(e Entity) (Model, error) {
	typed, ok := e.(E)
	if !ok {
		var want E
		return nil, fmt.Errorf("outgoing converter expects %T, got %T", want, e)
	}
	return f(typed)
}

// Incoming adapts a typed mapping function to IncomingConverter
type Incoming[M Model, E Entity] func(M, ResolvedKeys) (E, error)

func (f Incoming[M, E]) ToEntity(m Model, keys ResolvedKeys) (Entity, error) {
	typed, ok := m.(M)
	if !ok {
		var want M
		return nil, fmt.Errorf("incoming converter expects %T, got %T", want, m)
	}
	return f(typed, keys)
}

// Converters pairs the two directions for one entity type
type Converters struct {
	Outgoing OutgoingConverter
	Incoming IncomingConverter
}
