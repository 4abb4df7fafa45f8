package eventstore

import "time"

// SearchQuery selects events of one instance in global position order.
// Zero-valued fields are not filtered on.
type SearchQuery struct {
	InstanceID     string
	AggregateTypes []AggregateType
	AggregateIDs   []string
	EventTypes     []string
	Owners         []string
	// PositionAfter returns only events strictly after this position.
	PositionAfter Position
	CreatedAfter  time.Time
	Limit         uint64
	Descending    bool
}

// NewSearchQuery starts a query for one instance.
func NewSearchQuery(instanceID string) *SearchQuery {
	return &SearchQuery{InstanceID: instanceID}
}

// Aggregate narrows the query to a single aggregate.
func (q *SearchQuery) Aggregate(typ AggregateType, id string) *SearchQuery {
	q.AggregateTypes = append(q.AggregateTypes, typ)
	q.AggregateIDs = append(q.AggregateIDs, id)
	return q
}

// After narrows the query to events strictly after pos.
func (q *SearchQuery) After(pos Position) *SearchQuery {
	q.PositionAfter = pos
	return q
}

// WithLimit bounds the result size.
func (q *SearchQuery) WithLimit(limit uint64) *SearchQuery {
	q.Limit = limit
	return q
}
