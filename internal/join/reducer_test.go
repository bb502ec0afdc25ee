package join

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naturaljoin/internal/types"
)

func order(p string) types.TaggedValue    { return types.TaggedValue{Relation: types.RelationOrder, Payload: p} }
func customer(p string) types.TaggedValue { return types.TaggedValue{Relation: types.RelationCustomer, Payload: p} }

func TestReduceSingleMatch(t *testing.T) {
	r := NewJoinReducer(nil)
	res, err := r.Reduce("C1", []types.TaggedValue{
		customer("Alice,Consumer,US,NYC,NY,10001"),
		order(aliceOrder),
	})
	require.NoError(t, err)

	assert.Equal(t, "C1 - 1", res.Summary())
	assert.Equal(t, []string{aliceOrder + ",Alice,Consumer,US,NYC,NY,10001"}, res.Records)
	assert.Zero(t, res.Dropped)
}

func TestReduceTwoOrdersOneCustomer(t *testing.T) {
	res, err := NewJoinReducer(nil).Reduce("C2", []types.TaggedValue{
		order("O1,C2"), customer("Bob"), order("O2,C2"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Count())
	assert.Equal(t, []string{"O1,C2,Bob", "O2,C2,Bob"}, res.Records)
}

func TestReduceOneSidedKey(t *testing.T) {
	res, err := NewJoinReducer(nil).Reduce("C3", []types.TaggedValue{customer("Carol")})
	require.NoError(t, err)
	assert.Equal(t, "C3 - 0", res.Summary())
	assert.Empty(t, res.Body())

	res, err = NewJoinReducer(nil).Reduce("C4", []types.TaggedValue{order("O9,C4")})
	require.NoError(t, err)
	assert.Zero(t, res.Count())
}

func TestReduceDropsUnknownRelation(t *testing.T) {
	res, err := NewJoinReducer(nil).Reduce("C5", []types.TaggedValue{
		order("O1"),
		{Relation: types.RelationUnknown, Payload: "?"},
		{Relation: types.Relation(9), Payload: "??"},
		customer("Dan"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, []string{"O1,Dan"}, res.Records)
}

func TestCrossJoinIsRowMajor(t *testing.T) {
	got := CrossJoin(types.KeyGroup{
		Key:       "K",
		Orders:    []string{"o1", "o2"},
		Customers: []string{"c1", "c2", "c3"},
	})
	assert.Equal(t, []string{
		"o1,c1", "o1,c2", "o1,c3",
		"o2,c1", "o2,c2", "o2,c3",
	}, got)
}

func TestGroupKeepsEncounterOrder(t *testing.T) {
	g, dropped := Group("K", []types.TaggedValue{
		customer("c2"), order("o1"), customer("c1"), order("o2"),
	})
	assert.Zero(t, dropped)
	assert.Equal(t, []string{"o1", "o2"}, g.Orders)
	assert.Equal(t, []string{"c2", "c1"}, g.Customers)
}
