package shuffle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"naturaljoin/internal/types"
)

// FileName returns the spill file for one (map task, reduce partition) pair.
func FileName(dir string, mapID, reduceID int) string {
	return filepath.Join(dir, fmt.Sprintf("mr-%d-%d", mapID, reduceID))
}

// PartitionWriter spills a map task's output into one file per reduce
// partition. Files are created on first write.
type PartitionWriter struct {
	dir     string
	mapID   int
	files   []*os.File
	writers []*Writer
	counts  []int64
}

func NewPartitionWriter(dir string, mapID, partitions int) *PartitionWriter {
	return &PartitionWriter{
		dir:     dir,
		mapID:   mapID,
		files:   make([]*os.File, partitions),
		writers: make([]*Writer, partitions),
		counts:  make([]int64, partitions),
	}
}

func (pw *PartitionWriter) Write(partition int, kv types.KeyValue) error {
	if pw.writers[partition] == nil {
		f, err := os.Create(FileName(pw.dir, pw.mapID, partition))
		if err != nil {
			return fmt.Errorf("failed to create spill file: %w", err)
		}
		pw.files[partition] = f
		pw.writers[partition] = NewWriter(f)
	}

	if err := pw.writers[partition].Write(kv); err != nil {
		return fmt.Errorf("failed to write spill file: %w", err)
	}
	pw.counts[partition]++
	return nil
}

// Counts returns the number of pairs written to each partition.
func (pw *PartitionWriter) Counts() []int64 {
	return pw.counts
}

// Close flushes and closes every file, returning the first error.
func (pw *PartitionWriter) Close() error {
	var errs []error
	for i, w := range pw.writers {
		if w == nil {
			continue
		}
		if err := w.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := pw.files[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadPartition decodes a spill file in write order. A missing file means
// the map task emitted nothing for that partition.
func ReadPartition(path string) ([]types.KeyValue, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var kvs []types.KeyValue
	r := NewReader(f)
	for {
		kv, err := r.Next()
		if err == io.EOF {
			return kvs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		kvs = append(kvs, kv)
	}
}
