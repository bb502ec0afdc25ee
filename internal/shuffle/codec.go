// Package shuffle encodes intermediate key-value pairs for spilling between
// the map and reduce phases.
//
// Each pair is a protobuf wire-format message framed by its varint length:
//
//	| length (varint) | 1: key (bytes) | 2: relation (varint) | 3: payload (bytes) |
//
// Unknown field numbers are skipped on decode.
package shuffle

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"naturaljoin/internal/types"
)

const (
	fieldKey      protowire.Number = 1
	fieldRelation protowire.Number = 2
	fieldPayload  protowire.Number = 3
)

// maxFrameSize bounds a single encoded pair.
const maxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("shuffle: frame exceeds maximum size")

// AppendKeyValue appends the wire encoding of kv to b.
func AppendKeyValue(b []byte, kv types.KeyValue) []byte {
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, kv.Key)
	b = protowire.AppendTag(b, fieldRelation, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kv.Value.Relation))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendString(b, kv.Value.Payload)
	return b
}

// UnmarshalKeyValue decodes one message produced by AppendKeyValue.
func UnmarshalKeyValue(b []byte) (types.KeyValue, error) {
	var kv types.KeyValue
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return kv, fmt.Errorf("shuffle: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return kv, fmt.Errorf("shuffle: bad key: %w", protowire.ParseError(n))
			}
			kv.Key = v
			b = b[n:]
		case num == fieldRelation && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return kv, fmt.Errorf("shuffle: bad relation: %w", protowire.ParseError(n))
			}
			if v > math.MaxUint8 {
				kv.Value.Relation = types.RelationUnknown
			} else {
				kv.Value.Relation = types.Relation(v)
			}
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return kv, fmt.Errorf("shuffle: bad payload: %w", protowire.ParseError(n))
			}
			kv.Value.Payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return kv, fmt.Errorf("shuffle: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return kv, nil
}

// Writer writes length-framed pairs to an underlying stream.
type Writer struct {
	w   *bufio.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(kv types.KeyValue) error {
	w.buf = AppendKeyValue(w.buf[:0], kv)
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(w.buf)))
	if _, err := w.w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.w.Write(w.buf)
	return err
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader reads pairs written by Writer.
type Reader struct {
	r   *bufio.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next pair, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (types.KeyValue, error) {
	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return types.KeyValue{}, io.EOF
		}
		return types.KeyValue{}, fmt.Errorf("shuffle: read frame length: %w", err)
	}
	if size > maxFrameSize {
		return types.KeyValue{}, ErrFrameTooLarge
	}

	if uint64(cap(r.buf)) < size {
		r.buf = make([]byte, size)
	}
	r.buf = r.buf[:size]
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return types.KeyValue{}, fmt.Errorf("shuffle: read frame: %w", err)
	}
	return UnmarshalKeyValue(r.buf)
}
