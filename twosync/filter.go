// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

// Predicate restricts which records of a type are eligible for a session
type Predicate func(Entity) bool

// Filter declares that an entity type participates in a sync profile
type Filter struct {
	Type      EntityType
	Position  int          // tie-breaker among types without a dependency between them
	DependsOn []EntityType // referenced types that must be synced first
	Predicate Predicate    // nil matches everything
}

// Matches evaluates the optional predicate
func (f Filter) Matches(e Entity) bool {
	if f.Predicate == nil {
		return true
	}
	return f.Predicate(e)
}

// NotDeleted matches records that are not soft-deleted
func NotDeleted(e Entity) bool {
	return !e.Meta().IsDeleted
}

// And combines predicates; nil predicates are ignored
func And(preds ...Predicate) Predicate {
	return func(e Entity) bool {
		for _, p := range preds {
			if p != nil && !p(e) {
				return false
			}
		}
		return true
	}
}
