package shuffle

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"naturaljoin/internal/types"
)

func kv(key string, rel types.Relation, payload string) types.KeyValue {
	return types.KeyValue{Key: key, Value: types.TaggedValue{Relation: rel, Payload: payload}}
}

func TestKeyValueEncoding(t *testing.T) {
	in := kv("C1", types.RelationCustomer, "Alice,Consumer,US")
	out, err := UnmarshalKeyValue(AppendKeyValue(nil, in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Empty strings survive the wire.
	in = kv("", types.RelationOrder, "")
	out, err = UnmarshalKeyValue(AppendKeyValue(nil, in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := AppendKeyValue(nil, kv("C2", types.RelationOrder, "O1"))
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "attempt-2")
	b = protowire.AppendTag(b, 16, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)

	out, err := UnmarshalKeyValue(b)
	require.NoError(t, err)
	assert.Equal(t, kv("C2", types.RelationOrder, "O1"), out)
}

func TestUnmarshalOutOfRangeRelation(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, "K")
	b = protowire.AppendTag(b, fieldRelation, protowire.VarintType)
	b = protowire.AppendVarint(b, 1<<20)

	out, err := UnmarshalKeyValue(b)
	require.NoError(t, err)
	assert.Equal(t, types.RelationUnknown, out.Value.Relation)
}

func TestUnmarshalTruncated(t *testing.T) {
	b := AppendKeyValue(nil, kv("C1", types.RelationOrder, "payload"))
	_, err := UnmarshalKeyValue(b[:len(b)-3])
	assert.Error(t, err)
}

func TestStreamReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	pairs := []types.KeyValue{
		kv("C1", types.RelationOrder, "O1"),
		kv("C1", types.RelationCustomer, "Alice"),
		kv("C2", types.RelationOrder, "O2"),
	}
	for _, p := range pairs {
		require.NoError(t, w.Write(p))
	}
	require.NoError(t, w.Flush())

	r := NewReader(&buf)
	for _, want := range pairs {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderRejectsHugeFrame(t *testing.T) {
	hdr := protowire.AppendVarint(nil, maxFrameSize+1)
	_, err := NewReader(bytes.NewReader(hdr)).Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPartitionWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pw := NewPartitionWriter(dir, 3, 4)

	require.NoError(t, pw.Write(1, kv("a", types.RelationOrder, "1")))
	require.NoError(t, pw.Write(1, kv("b", types.RelationCustomer, "2")))
	require.NoError(t, pw.Write(2, kv("c", types.RelationOrder, "3")))
	require.NoError(t, pw.Close())

	assert.Equal(t, []int64{0, 2, 1, 0}, pw.Counts())
	assert.Equal(t, filepath.Join(dir, "mr-3-1"), FileName(dir, 3, 1))

	// Partitions never written have no file.
	_, err := os.Stat(FileName(dir, 3, 0))
	assert.True(t, os.IsNotExist(err))

	got, err := ReadPartition(FileName(dir, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, []types.KeyValue{
		kv("a", types.RelationOrder, "1"),
		kv("b", types.RelationCustomer, "2"),
	}, got)

	got, err = ReadPartition(FileName(dir, 3, 0))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadPartitionCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mr-0-0")
	b := protowire.AppendVarint(nil, 10)
	require.NoError(t, os.WriteFile(path, append(b, 1, 2, 3), 0644))

	_, err := ReadPartition(path)
	assert.ErrorContains(t, err, "mr-0-0")
}
