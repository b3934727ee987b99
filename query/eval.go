package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Matches reports whether the JSON document satisfies every filter of q.
// A nil query matches everything.
func Matches(q *Query, doc []byte) bool {
	if q == nil {
		return true
	}
	for _, f := range q.filters {
		if !matchFilter(f, doc) {
			return false
		}
	}
	return true
}

func matchFilter(f Filter, doc []byte) bool {
	r := gjson.GetBytes(doc, f.Field)

	switch f.Op {
	case OpIsNull:
		return !r.Exists() || r.Type == gjson.Null
	case OpIsNotNull:
		return r.Exists() && r.Type != gjson.Null
	}

	if !r.Exists() {
		return false
	}

	switch f.Op {
	case OpEq:
		return compareValues(r, f.Value) == 0
	case OpNeq:
		return compareValues(r, f.Value) != 0
	case OpLt:
		return compareValues(r, f.Value) < 0
	case OpLte:
		return compareValues(r, f.Value) <= 0
	case OpGt:
		return compareValues(r, f.Value) > 0
	case OpGte:
		return compareValues(r, f.Value) >= 0
	case OpIn:
		return containsValue(valueList(f.Value), r)
	case OpNotIn:
		return !containsValue(valueList(f.Value), r)
	case OpContains:
		if r.IsArray() {
			for _, el := range r.Array() {
				if compareValues(el, f.Value) == 0 {
					return true
				}
			}
			return false
		}
		return strings.Contains(r.String(), fmt.Sprint(f.Value))
	case OpContainsAny:
		for _, v := range valueList(f.Value) {
			if r.IsArray() {
				for _, el := range r.Array() {
					if compareValues(el, v) == 0 {
						return true
					}
				}
			} else if strings.Contains(r.String(), fmt.Sprint(v)) {
				return true
			}
		}
		return false
	case OpStartsWith:
		return strings.HasPrefix(r.String(), fmt.Sprint(f.Value))
	case OpEndsWith:
		return strings.HasSuffix(r.String(), fmt.Sprint(f.Value))
	default:
		return false
	}
}

// compareValues compares a gjson result against a Go value. Numbers compare
// numerically, everything else by string form.
func compareValues(r gjson.Result, v any) int {
	if r.Type == gjson.Number {
		if n, ok := asFloat(v); ok {
			switch {
			case r.Num < n:
				return -1
			case r.Num > n:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(r.String(), fmt.Sprint(v))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func valueList(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out
	default:
		return []any{v}
	}
}

func containsValue(list []any, r gjson.Result) bool {
	for _, v := range list {
		if compareValues(r, v) == 0 {
			return true
		}
	}
	return false
}

// Select applies q to the documents and returns the selected indices in
// result order: filtered, sorted by the order-by clauses, stable by the
// parallel ids slice, then offset and limit applied.
func Select(q *Query, docs [][]byte, ids []string) []int {
	selected := make([]int, 0, len(docs))
	for i, doc := range docs {
		if Matches(q, doc) {
			selected = append(selected, i)
		}
	}

	orders := q.Orders()
	sort.SliceStable(selected, func(a, b int) bool {
		ia, ib := selected[a], selected[b]
		for _, o := range orders {
			ra := gjson.GetBytes(docs[ia], o.Field)
			rb := gjson.GetBytes(docs[ib], o.Field)
			c := compareResults(ra, rb)
			if c == 0 {
				continue
			}
			if o.Direction == Descending {
				return c > 0
			}
			return c < 0
		}
		if len(ids) == len(docs) {
			return ids[ia] < ids[ib]
		}
		return ia < ib
	})

	if off := q.OffsetValue(); off > 0 {
		if off >= len(selected) {
			return nil
		}
		selected = selected[off:]
	}
	if limit, ok := q.LimitValue(); ok && limit < len(selected) {
		selected = selected[:limit]
	}
	return selected
}

func compareResults(a, b gjson.Result) int {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a.String(), b.String())
}
