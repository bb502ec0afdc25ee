package join

import (
	"fmt"
	"strings"

	"naturaljoin/internal/types"
)

const (
	DefaultDelimiter        = ","
	DefaultOrderKeyField    = 4
	DefaultCustomerKeyField = 0
)

// MalformedRecordError reports a line that lacks the fields a tagger needs.
type MalformedRecordError struct {
	Relation types.Relation
	Line     string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record: %s: %q", e.Relation, e.Reason, e.Line)
}

// OrderTagger keys an order line by its customer column and tags the whole
// line as the order-side payload.
type OrderTagger struct {
	KeyField  int
	Delimiter string
}

// NewOrderTagger returns an OrderTagger keyed on field 4 of comma separated lines.
func NewOrderTagger() *OrderTagger {
	return &OrderTagger{KeyField: DefaultOrderKeyField, Delimiter: DefaultDelimiter}
}

// Map implements the mapreduce.Mapper interface.
func (t *OrderTagger) Map(line string) (types.KeyValue, error) {
	return t.Tag(line)
}

// Tag extracts the join key from line.
func (t *OrderTagger) Tag(line string) (types.KeyValue, error) {
	fields := strings.Split(line, t.delimiter())
	if len(fields) <= t.KeyField {
		return types.KeyValue{}, &MalformedRecordError{
			Relation: types.RelationOrder,
			Line:     line,
			Reason:   fmt.Sprintf("want at least %d fields, got %d", t.KeyField+1, len(fields)),
		}
	}

	key := fields[t.KeyField]
	if key == "" {
		return types.KeyValue{}, &MalformedRecordError{
			Relation: types.RelationOrder,
			Line:     line,
			Reason:   fmt.Sprintf("empty join key in field %d", t.KeyField),
		}
	}

	return types.KeyValue{
		Key:   key,
		Value: types.TaggedValue{Relation: types.RelationOrder, Payload: line},
	}, nil
}

func (t *OrderTagger) delimiter() string {
	if t.Delimiter == "" {
		return DefaultDelimiter
	}
	return t.Delimiter
}

// CustomerTagger keys a customer line by its identifier column. The payload
// is the rest of the line with the key column removed.
type CustomerTagger struct {
	KeyField  int
	Delimiter string
}

// NewCustomerTagger returns a CustomerTagger keyed on field 0 of comma separated lines.
func NewCustomerTagger() *CustomerTagger {
	return &CustomerTagger{KeyField: DefaultCustomerKeyField, Delimiter: DefaultDelimiter}
}

// Map implements the mapreduce.Mapper interface.
func (t *CustomerTagger) Map(line string) (types.KeyValue, error) {
	return t.Tag(line)
}

// Tag extracts the join key from line.
func (t *CustomerTagger) Tag(line string) (types.KeyValue, error) {
	delim := t.delimiter()
	if !strings.Contains(line, delim) {
		return types.KeyValue{}, &MalformedRecordError{
			Relation: types.RelationCustomer,
			Line:     line,
			Reason:   fmt.Sprintf("no %q delimiter", delim),
		}
	}

	var key, payload string
	if t.KeyField == 0 {
		// Split once so the remainder is kept verbatim.
		parts := strings.SplitN(line, delim, 2)
		key, payload = parts[0], parts[1]
	} else {
		fields := strings.Split(line, delim)
		if len(fields) <= t.KeyField {
			return types.KeyValue{}, &MalformedRecordError{
				Relation: types.RelationCustomer,
				Line:     line,
				Reason:   fmt.Sprintf("want at least %d fields, got %d", t.KeyField+1, len(fields)),
			}
		}
		key = fields[t.KeyField]
		rest := make([]string, 0, len(fields)-1)
		rest = append(rest, fields[:t.KeyField]...)
		rest = append(rest, fields[t.KeyField+1:]...)
		payload = strings.Join(rest, delim)
	}

	if key == "" {
		return types.KeyValue{}, &MalformedRecordError{
			Relation: types.RelationCustomer,
			Line:     line,
			Reason:   fmt.Sprintf("empty join key in field %d", t.KeyField),
		}
	}

	return types.KeyValue{
		Key:   key,
		Value: types.TaggedValue{Relation: types.RelationCustomer, Payload: payload},
	}, nil
}

func (t *CustomerTagger) delimiter() string {
	if t.Delimiter == "" {
		return DefaultDelimiter
	}
	return t.Delimiter
}
