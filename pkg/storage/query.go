package storage

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Op is a comparison operator usable in a Predicate.
type Op string

const (
	Eq  Op = "="
	Ne  Op = "<>"
	Gt  Op = ">"
	Gte Op = ">="
	Lt  Op = "<"
	Lte Op = "<="
)

// Predicate compares one named field against a value.
type Predicate struct {
	Field string
	Op    Op
	Value interface{}
}

// Query is a composable filter with optional ordering and pagination.
// The zero value matches everything and is not paginated.
//
//	storage.Where("status", storage.Eq, "running").
//		And("created_at", storage.Gte, since).
//		OrderBy("created_at", true).
//		Page(1, 20)
type Query struct {
	Predicates []Predicate
	Order      string
	Desc       bool
	PageNum    int // 1-based
	PageSize   int // 0 disables pagination
}

// Where starts a query with a single predicate.
func Where(field string, op Op, value interface{}) Query {
	return Query{}.And(field, op, value)
}

// And returns a copy of q with one more predicate.
func (q Query) And(field string, op Op, value interface{}) Query {
	preds := make([]Predicate, len(q.Predicates), len(q.Predicates)+1)
	copy(preds, q.Predicates)
	q.Predicates = append(preds, Predicate{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, desc bool) Query {
	q.Order = field
	q.Desc = desc
	return q
}

func (q Query) Page(num, size int) Query {
	q.PageNum = num
	q.PageSize = size
	return q
}

// Offset is the number of rows to skip for the requested page.
func (q Query) Offset() int {
	if q.PageSize <= 0 || q.PageNum <= 1 {
		return 0
	}
	return (q.PageNum - 1) * q.PageSize
}

func validOp(op Op) bool {
	switch op {
	case Eq, Ne, Gt, Gte, Lt, Lte:
		return true
	}
	return false
}

// SQL renders the predicates and ordering against a whitelist of fields.
// columns maps query field names to SQL column names; placeholders start at $1.
func (q Query) SQL(columns map[string]string) (where string, order string, args []interface{}, err error) {
	var clauses []string
	for _, p := range q.Predicates {
		col, ok := columns[p.Field]
		if !ok {
			return "", "", nil, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, p.Field)
		}
		if !validOp(p.Op) {
			return "", "", nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, p.Op)
		}
		args = append(args, p.Value)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, p.Op, len(args)))
	}
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	if q.Order != "" {
		col, ok := columns[q.Order]
		if !ok {
			return "", "", nil, fmt.Errorf("%w: unknown order field %q", ErrInvalidQuery, q.Order)
		}
		order = " ORDER BY " + col
		if q.Desc {
			order += " DESC"
		}
	}
	return where, order, args, nil
}

// Match evaluates the predicates against a record exposed as a field map.
func (q Query) Match(fields map[string]interface{}) (bool, error) {
	for _, p := range q.Predicates {
		v, ok := fields[p.Field]
		if !ok {
			return false, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, p.Field)
		}
		if !validOp(p.Op) {
			return false, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, p.Op)
		}
		c, err := compare(v, p.Value)
		if err != nil {
			return false, fmt.Errorf("%w: field %q: %v", ErrInvalidQuery, p.Field, err)
		}
		var hit bool
		switch p.Op {
		case Eq:
			hit = c == 0
		case Ne:
			hit = c != 0
		case Gt:
			hit = c > 0
		case Gte:
			hit = c >= 0
		case Lt:
			hit = c < 0
		case Lte:
			hit = c <= 0
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}

// compare orders two values of compatible kinds.
func compare(a, b interface{}) (int, error) {
	switch x := a.(type) {
	case string:
		y, ok := asString(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(x, y), nil
	case int64:
		y, ok := asInt64(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare integer with %T", b)
		}
		return cmpInt64(x, y), nil
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", b)
		}
		if x == y {
			return 0, nil
		}
		if !x {
			return -1, nil
		}
		return 1, nil
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare time with %T", b)
		}
		switch {
		case x.Before(y):
			return -1, nil
		case x.After(y):
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported field type %T", a)
}

func asString(v interface{}) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	// Named string types (statuses, kinds).
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
