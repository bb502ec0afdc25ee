package mapreduce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naturaljoin/internal/types"
)

// FailingReducer wraps a reducer and fails its first n calls.
type FailingReducer struct {
	inner    Reducer
	failures int32
	calls    atomic.Int32
	mu       sync.Mutex
	failed   map[string]int
}

func NewFailingReducer(inner Reducer, failures int) *FailingReducer {
	return &FailingReducer{
		inner:    inner,
		failures: int32(failures),
		failed:   make(map[string]int),
	}
}

func (fr *FailingReducer) Reduce(key string, values []types.TaggedValue) (types.JoinResult, error) {
	if fr.calls.Add(1) <= fr.failures {
		fr.mu.Lock()
		fr.failed[key]++
		fr.mu.Unlock()
		return types.JoinResult{}, fmt.Errorf("injected failure for key %q", key)
	}
	return fr.inner.Reduce(key, values)
}

func (fr *FailingReducer) FailedKeys() map[string]int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.failed
}

// countingMapper counts every line it is handed.
type countingMapper struct {
	inner Mapper
	calls atomic.Int64
}

func (m *countingMapper) Map(line string) (types.KeyValue, error) {
	m.calls.Add(1)
	return m.inner.Map(line)
}

func TestReducerFailureRecovery(t *testing.T) {
	failing := NewFailingReducer(listReducer{}, 2)

	engine := NewEngine(1)
	engine.SetMaxRetries(3)
	res, err := engine.Execute(context.Background(), testInputs(t), failing)
	require.NoError(t, err)

	t.Logf("recovered after failures on keys %v", failing.FailedKeys())
	assert.NotEmpty(t, failing.FailedKeys())

	// A retried reduce task starts over, so no key is lost or duplicated.
	assert.Equal(t, 4, res.Len())
	a, ok := res.Lookup("a")
	require.True(t, ok)
	assert.Len(t, a.Records, 3)
}

func TestReducerPermanentFailure(t *testing.T) {
	failing := NewFailingReducer(listReducer{}, 1000)

	engine := NewEngine(2)
	engine.SetMaxRetries(3)
	_, err := engine.Execute(context.Background(), testInputs(t), failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Contains(t, err.Error(), "injected failure")
}

func TestMapperRecordErrorsAreNotRetried(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, "in.txt", "a,1", "broken")
	mapper := &countingMapper{inner: fieldMapper{types.RelationOrder}}

	engine := NewEngine(1)
	engine.SetMaxRetries(5)
	_, err := engine.Execute(context.Background(), []Input{{Path: path, Mapper: mapper}}, listReducer{})
	require.Error(t, err)
	assert.EqualValues(t, 2, mapper.calls.Load())
}

func TestMapTaskRetryStartsFromEmptyOutput(t *testing.T) {
	for _, spill := range []bool{false, true} {
		t.Run(fmt.Sprintf("spill=%v", spill), func(t *testing.T) {
			engine := NewEngine(2)
			if spill {
				engine.SetSpillDir(t.TempDir())
			}
			st, err := engine.newStore(1)
			require.NoError(t, err)

			kv := types.KeyValue{Key: "a", Value: types.TaggedValue{Relation: types.RelationOrder, Payload: "1"}}
			p := engine.partition("a")

			first, err := st.sink(0)
			require.NoError(t, err)
			require.NoError(t, first.Write(p, kv))
			require.NoError(t, first.Write(p, kv))
			require.NoError(t, first.Close())

			retry, err := st.sink(0)
			require.NoError(t, err)
			require.NoError(t, retry.Write(p, kv))
			require.NoError(t, retry.Close())

			got, err := st.fetch(0, p)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func BenchmarkExecuteWithChaos(b *testing.B) {
	inputs := testInputs(b)
	for i := 0; i < b.N; i++ {
		engine := NewEngine(4)
		engine.SetMaxRetries(3)
		if _, err := engine.Execute(context.Background(), inputs, NewFailingReducer(listReducer{}, 1)); err != nil {
			b.Fatal(err)
		}
	}
}
