package types

import (
	"fmt"
	"strings"
)

// Relation identifies which input relation a tagged value came from.
type Relation uint8

const (
	RelationUnknown Relation = iota
	RelationOrder
	RelationCustomer
)

func (r Relation) String() string {
	switch r {
	case RelationOrder:
		return "order"
	case RelationCustomer:
		return "customer"
	default:
		return fmt.Sprintf("relation(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the known relations.
func (r Relation) Valid() bool {
	return r == RelationOrder || r == RelationCustomer
}

// TaggedValue is a payload annotated with the relation it originated from.
type TaggedValue struct {
	Relation Relation
	Payload  string
}

// KeyValue is the intermediate key-value pair produced by taggers.
type KeyValue struct {
	Key   string
	Value TaggedValue
}

// KeyGroup holds both sides of the join for one key, in encounter order.
type KeyGroup struct {
	Key       string
	Orders    []string
	Customers []string
}

// JoinResult is the reducer output for one key.
type JoinResult struct {
	Key     string
	Records []string
	Dropped int
}

// Count is the number of joined records, |orders| x |customers|.
func (r JoinResult) Count() int {
	return len(r.Records)
}

// Summary returns the "{key} - {count}" header line.
func (r JoinResult) Summary() string {
	return fmt.Sprintf("%s - %d", r.Key, r.Count())
}

// Body returns every joined record terminated by a newline.
func (r JoinResult) Body() string {
	if len(r.Records) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, rec := range r.Records {
		sb.WriteString(rec)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// TaskKind distinguishes map tasks from reduce tasks.
type TaskKind string

const (
	MapTask    TaskKind = "map"
	ReduceTask TaskKind = "reduce"
)

// Task represents a single map or reduce task.
type Task struct {
	Kind      TaskKind
	ID        int
	InputFile string // map only
	Relation  Relation
	Partition int // reduce only
}

func (t Task) String() string {
	if t.Kind == MapTask {
		return fmt.Sprintf("map-%d(%s)", t.ID, t.InputFile)
	}
	return fmt.Sprintf("reduce-%d", t.Partition)
}
