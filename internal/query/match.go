package query

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Lookup resolves a dotted field path ("address.city") inside fields.
func Lookup(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Match reports whether fields satisfy every where clause of q.
func (q Query) Match(fields map[string]any) bool {
	for _, c := range q.Filters {
		if !matchClause(c, fields) {
			return false
		}
	}
	return true
}

func matchClause(c Clause, fields map[string]any) bool {
	v, ok := Lookup(fields, c.Field)
	if !ok {
		// a document without the field never matches, not even != or not-in
		return false
	}
	switch c.Operator {
	case OpEqual:
		return equal(v, c.Value)
	case OpNotEqual:
		return !equal(v, c.Value)
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		n, ok := compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpLess:
			return n < 0
		case OpLessOrEqual:
			return n <= 0
		case OpGreater:
			return n > 0
		default:
			return n >= 0
		}
	case OpIn:
		return containsValue(toList(c.Value), v)
	case OpNotIn:
		return !containsValue(toList(c.Value), v)
	case OpArrayContains:
		return containsValue(toList(v), c.Value)
	case OpArrayContainsAny:
		have := toList(v)
		for _, want := range toList(c.Value) {
			if containsValue(have, want) {
				return true
			}
		}
		return false
	}
	return false
}

// CompareField orders two documents by the query's sort field. Documents
// missing the field sort after those that have it. The boolean is false when
// the query has no sort order.
func (q Query) CompareField(a, b map[string]any) (int, bool) {
	if q.Sort == nil {
		return 0, false
	}
	av, aok := Lookup(a, q.Sort.Field)
	bv, bok := Lookup(b, q.Sort.Field)
	var n int
	switch {
	case !aok && !bok:
		return 0, true
	case !aok:
		return 1, true
	case !bok:
		return -1, true
	default:
		n, _ = compare(av, bv)
	}
	if q.Sort.Direction == Desc {
		n = -n
	}
	return n, true
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equal(item, v) {
			return true
		}
	}
	return false
}

func toList(v any) []any {
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func equal(a, b any) bool {
	if n, ok := compare(a, b); ok {
		return n == 0
	}
	return reflect.DeepEqual(a, b)
}

// compare returns -1, 0, 1 for comparable scalar pairs: numbers, strings,
// booleans and times (a time compares against an RFC3339 string too).
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmp3(af < bf, af > bf), true
		}
		return 0, false
	}
	if at, ok := toTime(a, b); ok {
		if bt, ok := toTime(b, a); ok {
			return cmp3(at.Before(bt), at.After(bt)), true
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp3(!av && bv, av && !bv), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toTime converts v to a time. Strings only count as times when the other
// operand is a time, so plain string comparison stays lexical.
func toTime(v, other any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if _, isTime := other.(time.Time); !isTime {
			if _, isPtr := other.(*time.Time); !isPtr {
				return time.Time{}, false
			}
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
