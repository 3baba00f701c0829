package twosync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type taggedModel struct {
	ID   uuid.UUID
	Tags []string
}

func (*taggedModel) ModelType() EntityType      { return "address" }
func (m *taggedModel) ModelGlobalID() uuid.UUID { return m.ID }
func (*taggedModel) ModelDeleted() bool         { return false }
func (*taggedModel) References() []Reference    { return nil }

type opaqueModel struct {
	ID   uuid.UUID
	note string
}

func (*opaqueModel) ModelType() EntityType      { return "address" }
func (m *opaqueModel) ModelGlobalID() uuid.UUID { return m.ID }
func (*opaqueModel) ModelDeleted() bool         { return false }
func (*opaqueModel) References() []Reference    { return nil }

func TestSameModel(t *testing.T) {
	id := uuid.New()
	opts := DefaultOptions().CompareOptions

	same, err := sameModel(&taggedModel{ID: id}, &taggedModel{ID: id, Tags: []string{}}, opts)
	require.NoError(t, err)
	require.True(t, same)

	same, err = sameModel(&taggedModel{ID: id, Tags: []string{"a"}}, &taggedModel{ID: id, Tags: []string{"b"}}, opts)
	require.NoError(t, err)
	require.False(t, same)

	_, err = sameModel(&opaqueModel{ID: id, note: "x"}, &opaqueModel{ID: id, note: "x"}, opts)
	require.ErrorIs(t, err, ErrIncomparableModel)

	withUnexported := append(append([]cmp.Option{}, opts...), cmp.AllowUnexported(opaqueModel{}))
	same, err = sameModel(&opaqueModel{ID: id, note: "x"}, &opaqueModel{ID: id, note: "x"}, withUnexported)
	require.NoError(t, err)
	require.True(t, same)
}
