package join

import (
	"naturaljoin/internal/logger"
	"naturaljoin/internal/types"
)

// JoinReducer computes the natural join of the order and customer values
// routed to one key.
type JoinReducer struct {
	logger *logger.Logger
}

// NewJoinReducer creates a JoinReducer. A nil logger defaults to INFO.
func NewJoinReducer(lg *logger.Logger) *JoinReducer {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &JoinReducer{logger: lg}
}

// Reduce implements the mapreduce.Reducer interface.
func (r *JoinReducer) Reduce(key string, values []types.TaggedValue) (types.JoinResult, error) {
	group, dropped := Group(key, values)
	if dropped > 0 {
		r.logger.Warn("Dropped values with unrecognized relation: key=%s dropped=%d", key, dropped)
	}

	return types.JoinResult{
		Key:     key,
		Records: CrossJoin(group),
		Dropped: dropped,
	}, nil
}

// Group splits values by relation, keeping encounter order on each side.
// It returns the number of values whose relation was not recognized.
func Group(key string, values []types.TaggedValue) (types.KeyGroup, int) {
	group := types.KeyGroup{Key: key}
	dropped := 0

	for _, v := range values {
		switch v.Relation {
		case types.RelationOrder:
			group.Orders = append(group.Orders, v.Payload)
		case types.RelationCustomer:
			group.Customers = append(group.Customers, v.Payload)
		default:
			dropped++
		}
	}

	return group, dropped
}

// CrossJoin pairs every order payload with every customer payload, all
// pairs for Orders[0] first.
func CrossJoin(group types.KeyGroup) []string {
	n := len(group.Orders) * len(group.Customers)
	if n == 0 {
		return nil
	}

	joined := make([]string, 0, n)
	for _, o := range group.Orders {
		for _, c := range group.Customers {
			joined = append(joined, o+","+c)
		}
	}
	return joined
}
