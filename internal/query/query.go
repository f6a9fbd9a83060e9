package query

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrInvalidQuery is wrapped by every ConstructionError.
var ErrInvalidQuery = errors.New("invalid query")

// Operator is a where-clause comparison operator.
type Operator string

const (
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpLess             Operator = "<"
	OpLessOrEqual      Operator = "<="
	OpGreater          Operator = ">"
	OpGreaterOrEqual   Operator = ">="
	OpIn               Operator = "in"
	OpNotIn            Operator = "not-in"
	OpArrayContains    Operator = "array-contains"
	OpArrayContainsAny Operator = "array-contains-any"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual,
		OpIn, OpNotIn, OpArrayContains, OpArrayContainsAny:
		return true
	}
	return false
}

// Direction is an orderBy direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Clause narrows a result set to documents whose Field satisfies Operator against Value.
type Clause struct {
	Field    string   `json:"field" mapstructure:"field"`
	Operator Operator `json:"operator" mapstructure:"operator"`
	Value    any      `json:"value" mapstructure:"value"`
}

// Order sorts results by Field. An empty Direction means ascending.
type Order struct {
	Field     string    `json:"field" mapstructure:"field"`
	Direction Direction `json:"direction,omitempty" mapstructure:"direction"`
}

// Options is the declarative filter/sort/limit description supplied by callers.
// All fields are optional; a zero Limit means unlimited.
type Options struct {
	Where   []Clause `json:"where,omitempty" mapstructure:"where"`
	OrderBy *Order   `json:"orderBy,omitempty" mapstructure:"order_by"`
	Limit   int      `json:"limit,omitempty" mapstructure:"limit"`
}

// Clone returns a deep copy of the clause list and order so stored options
// cannot be mutated through the caller's slices.
func (o Options) Clone() Options {
	out := Options{Limit: o.Limit}
	if len(o.Where) > 0 {
		out.Where = append([]Clause(nil), o.Where...)
	}
	if o.OrderBy != nil {
		ob := *o.OrderBy
		out.OrderBy = &ob
	}
	return out
}

// Query is the provider-native query every docstore adapter evaluates.
// It is immutable; the composition methods return modified copies.
type Query struct {
	Collection string
	Filters    []Clause
	Sort       *Order
	Max        int
}

// New starts a query over the whole collection.
func New(collection string) Query {
	return Query{Collection: collection}
}

// Where appends a clause.
func (q Query) Where(c Clause) Query {
	q.Filters = append(append([]Clause(nil), q.Filters...), c)
	return q
}

// OrderBy sets the sort order, replacing any previous one.
func (q Query) OrderBy(field string, dir Direction) Query {
	if dir == "" {
		dir = Asc
	}
	q.Sort = &Order{Field: field, Direction: dir}
	return q
}

// Limit caps the number of returned documents. n <= 0 removes the cap.
func (q Query) Limit(n int) Query {
	if n < 0 {
		n = 0
	}
	q.Max = n
	return q
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, c := range q.Filters {
		fmt.Fprintf(&b, " where %s %s %v", c.Field, c.Operator, c.Value)
	}
	if q.Sort != nil {
		fmt.Fprintf(&b, " order by %s %s", q.Sort.Field, q.Sort.Direction)
	}
	if q.Max > 0 {
		fmt.Fprintf(&b, " limit %d", q.Max)
	}
	return b.String()
}

// ConstructionError reports invalid query options. It is never retried.
type ConstructionError struct {
	Collection string
	Reason     string
}

func (e *ConstructionError) Error() string {
	if e.Collection == "" {
		return "invalid query: " + e.Reason
	}
	return fmt.Sprintf("invalid query on %q: %s", e.Collection, e.Reason)
}

func (e *ConstructionError) Unwrap() error { return ErrInvalidQuery }

// Build translates opts into a Query for collection. It applies all where
// clauses in the given order, then orderBy, then limit.
func Build(collection string, opts Options) (Query, error) {
	if err := ValidateCollection(collection); err != nil {
		return Query{}, err
	}
	q := New(collection)
	for i, c := range opts.Where {
		if err := validateClause(c); err != nil {
			return Query{}, &ConstructionError{Collection: collection, Reason: fmt.Sprintf("where[%d]: %s", i, err)}
		}
		q = q.Where(c)
	}
	if ob := opts.OrderBy; ob != nil {
		if strings.TrimSpace(ob.Field) == "" {
			return Query{}, &ConstructionError{Collection: collection, Reason: "orderBy requires a field"}
		}
		dir := Direction(strings.ToLower(string(ob.Direction)))
		if dir != "" && dir != Asc && dir != Desc {
			return Query{}, &ConstructionError{Collection: collection, Reason: fmt.Sprintf("unknown orderBy direction %q", ob.Direction)}
		}
		q = q.OrderBy(ob.Field, dir)
	}
	if opts.Limit < 0 {
		return Query{}, &ConstructionError{Collection: collection, Reason: fmt.Sprintf("negative limit %d", opts.Limit)}
	}
	return q.Limit(opts.Limit), nil
}

// ValidateCollection checks a collection identifier.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func ValidateCollection(name string) error {
	if name == "" {
		return &ConstructionError{Reason: "collection name required"}
	}
	if strings.Contains(name, "..") {
		return &ConstructionError{Collection: name, Reason: "collection name must not contain '..'"}
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return &ConstructionError{Collection: name, Reason: fmt.Sprintf("invalid character %q in collection name", r)}
	}
	return nil
}

func validateClause(c Clause) error {
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("field required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	switch c.Operator {
	case OpIn, OpNotIn, OpArrayContainsAny:
		if !isList(c.Value) {
			return fmt.Errorf("operator %q requires a list value", c.Operator)
		}
	}
	return nil
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
