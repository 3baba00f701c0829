package twosync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type testEntity struct{ EntityMeta }

func (*testEntity) EntityType() EntityType { return "address" }

type otherEntity struct{ EntityMeta }

func (*otherEntity) EntityType() EntityType { return "other" }

type testModel struct{ ID uuid.UUID }

func (*testModel) ModelType() EntityType      { return "address" }
func (m *testModel) ModelGlobalID() uuid.UUID { return m.ID }
func (*testModel) ModelDeleted() bool         { return false }
func (*testModel) References() []Reference    { return nil }

type otherModel struct{ testModel }

type nopStore struct{}

func (nopStore) FetchChangedSince(context.Context, EntityType, time.Time, TimestampField, Filter) ([]Entity, error) {
	return nil, nil
}
func (nopStore) Get(context.Context, EntityType, uuid.UUID) (Entity, error) { return nil, ErrNotFound }
func (nopStore) Upsert(_ context.Context, e Entity) (Entity, error)       { return e, nil }
func (nopStore) AssignGlobalID(context.Context, EntityType, LocalKey, uuid.UUID) error {
	return nil
}

type lookupStore struct {
	nopStore
	ids map[LocalKey]uuid.UUID
}

func (s *lookupStore) GlobalIDOf(_ context.Context, _ EntityType, key LocalKey) (uuid.UUID, error) {
	id, ok := s.ids[key]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}
