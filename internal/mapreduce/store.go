package mapreduce

import (
	"fmt"
	"os"

	"naturaljoin/internal/shuffle"
	"naturaljoin/internal/types"
)

// sink receives the output of one map task attempt.
type sink interface {
	Write(partition int, kv types.KeyValue) error
	Close() error
}

// store holds map output between the two phases. Each map task owns its
// own slot, so sinks for different tasks never share state.
type store interface {
	sink(mapID int) (sink, error)
	fetch(mapID, partition int) ([]types.KeyValue, error)
}

func (e *Engine) newStore(nMap int) (store, error) {
	if e.spillDir == "" {
		return newMemoryStore(nMap, e.numReducers), nil
	}
	if err := os.MkdirAll(e.spillDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	return &spillStore{dir: e.spillDir, partitions: e.numReducers}, nil
}

type memoryStore struct {
	partitions int
	outputs    [][][]types.KeyValue // [mapID][partition]
}

func newMemoryStore(nMap, partitions int) *memoryStore {
	return &memoryStore{
		partitions: partitions,
		outputs:    make([][][]types.KeyValue, nMap),
	}
}

func (s *memoryStore) sink(mapID int) (sink, error) {
	// A retried attempt starts from an empty slot.
	s.outputs[mapID] = make([][]types.KeyValue, s.partitions)
	return &memorySink{parts: s.outputs[mapID]}, nil
}

func (s *memoryStore) fetch(mapID, partition int) ([]types.KeyValue, error) {
	if s.outputs[mapID] == nil {
		return nil, nil
	}
	return s.outputs[mapID][partition], nil
}

type memorySink struct {
	parts [][]types.KeyValue
}

func (m *memorySink) Write(partition int, kv types.KeyValue) error {
	m.parts[partition] = append(m.parts[partition], kv)
	return nil
}

func (m *memorySink) Close() error { return nil }

type spillStore struct {
	dir        string
	partitions int
}

func (s *spillStore) sink(mapID int) (sink, error) {
	// Clear files left by an earlier attempt of the same task.
	for p := 0; p < s.partitions; p++ {
		if err := os.Remove(shuffle.FileName(s.dir, mapID, p)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to clear spill file: %w", err)
		}
	}
	return shuffle.NewPartitionWriter(s.dir, mapID, s.partitions), nil
}

func (s *spillStore) fetch(mapID, partition int) ([]types.KeyValue, error) {
	return shuffle.ReadPartition(shuffle.FileName(s.dir, mapID, partition))
}
