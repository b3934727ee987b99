// Package query provides the backend-agnostic filter/order/limit/offset tree.
//
// Queries are immutable value objects: every builder call returns a new Query.
// Structural equality is exposed through Key, which is the identity used by
// the reactive query-stream index.
package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	OpEq          Op = "eq"
	OpNeq         Op = "neq"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpContains    Op = "contains"
	OpContainsAny Op = "contains_any"
	OpStartsWith  Op = "starts_with"
	OpEndsWith    Op = "ends_with"
	OpIsNull      Op = "is_null"
	OpIsNotNull   Op = "is_not_null"
)

// Direction orders a sort clause.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Filter is a single field predicate.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// OrderBy is a single sort clause.
type OrderBy struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Query bundles filters, order-by clauses, limit and offset.
// The zero value (and nil) matches everything.
type Query struct {
	filters []Filter
	orders  []OrderBy
	limit   int
	offset  int
	// hasLimit reports whether limit is set; offset==0 means none.
	hasLimit bool
}

// New returns an empty query.
func New() *Query {
	return &Query{}
}

func (q *Query) clone() *Query {
	c := &Query{
		limit:    q.limit,
		offset:   q.offset,
		hasLimit: q.hasLimit,
	}
	c.filters = append(c.filters, q.filters...)
	c.orders = append(c.orders, q.orders...)
	return c
}

// Where appends a filter and returns a new query.
func (q *Query) Where(field string, op Op, value any) *Query {
	c := q.clone()
	c.filters = append(c.filters, Filter{Field: field, Op: op, Value: value})
	return c
}

// OrderBy appends a sort clause and returns a new query.
func (q *Query) OrderBy(field string, dir Direction) *Query {
	c := q.clone()
	c.orders = append(c.orders, OrderBy{Field: field, Direction: dir})
	return c
}

// Limit sets the result limit and returns a new query.
func (q *Query) Limit(n int) *Query {
	c := q.clone()
	c.limit = n
	c.hasLimit = true
	return c
}

// Offset sets the result offset and returns a new query.
func (q *Query) Offset(n int) *Query {
	c := q.clone()
	c.offset = n
	return c
}

// Filters returns the ordered filter list.
func (q *Query) Filters() []Filter {
	if q == nil {
		return nil
	}
	return q.filters
}

// Orders returns the ordered sort clauses.
func (q *Query) Orders() []OrderBy {
	if q == nil {
		return nil
	}
	return q.orders
}

// LimitValue returns the limit and whether one is set.
func (q *Query) LimitValue() (int, bool) {
	if q == nil {
		return 0, false
	}
	return q.limit, q.hasLimit
}

// OffsetValue returns the offset.
func (q *Query) OffsetValue() int {
	if q == nil {
		return 0
	}
	return q.offset
}

// IsEmpty reports whether the query has no constraints at all.
func (q *Query) IsEmpty() bool {
	return q == nil || (len(q.filters) == 0 && len(q.orders) == 0 && !q.hasLimit && q.offset == 0)
}

// Key returns the structural identity of the query. Two queries with the same
// filters, orders, limit and offset in the same order share a key.
func (q *Query) Key() string {
	if q == nil {
		return "q:*"
	}
	var b strings.Builder
	b.WriteString("q:")
	for _, f := range q.filters {
		v, _ := json.Marshal(f.Value)
		fmt.Fprintf(&b, "f(%s %s %s)", f.Field, f.Op, v)
	}
	for _, o := range q.orders {
		fmt.Fprintf(&b, "o(%s %s)", o.Field, o.Direction)
	}
	if q.hasLimit {
		fmt.Fprintf(&b, "l(%d)", q.limit)
	}
	if q.offset != 0 {
		fmt.Fprintf(&b, "s(%d)", q.offset)
	}
	return b.String()
}

// Equals reports structural equality with another query.
func (q *Query) Equals(other *Query) bool {
	return q.Key() == other.Key()
}
